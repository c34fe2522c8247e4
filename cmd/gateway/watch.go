// cmd/gateway/watch.go
package main

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/spf13/cobra"

	"sensorstate-gateway/internal/chart"
	"sensorstate-gateway/internal/config"
	"sensorstate-gateway/internal/data"
	liveerr "sensorstate-gateway/internal/errors"
	"sensorstate-gateway/internal/live"
	"sensorstate-gateway/internal/logging"
	"sensorstate-gateway/internal/snapshot"
	"sensorstate-gateway/internal/websocket"
)

type watchOptions struct {
	chartFile  string
	gatewayURL string
	apiURL     string
	token      string
}

func newWatchCmd() *cobra.Command {
	var opts watchOptions
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Mount one chart against a running gateway and print its states as they change",
		Long: `Mount one chart against a running gateway and print its states as they change.

The chart configuration file is YAML or JSON. The snapshot is loaded from
the --api snapshot endpoint; live updates arrive over the --gateway socket.
Each change is printed as one JSON line.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logging.Configure(cfg.Logging.Level, cfg.Logging.Format)
			if opts.gatewayURL == "" {
				opts.gatewayURL = cfg.Live.GatewayURL
			}
			if opts.token == "" {
				opts.token = cfg.Snapshot.Token
			}
			return watch(cmd.Context(), cmd.OutOrStdout(), opts, cfg.Snapshot.Path, cfg.Snapshot.Timeout)
		},
	}
	cmd.Flags().StringVar(&opts.chartFile, "chart", "", "Chart configuration file (YAML or JSON)")
	cmd.Flags().StringVar(&opts.gatewayURL, "gateway", "", "Gateway websocket URL (defaults to live.gateway_url)")
	cmd.Flags().StringVar(&opts.apiURL, "api", "http://localhost:8080", "Snapshot API base URL")
	cmd.Flags().StringVar(&opts.token, "token", "", "Bearer token for the snapshot API")
	cmd.MarkFlagRequired("chart")
	return cmd
}

type watchLine struct {
	Chart   string         `json:"chart"`
	Loading bool           `json:"loading"`
	Live    bool           `json:"live"`
	Error   string         `json:"error,omitempty"`
	States  []data.Reading `json:"states"`
}

func watch(ctx context.Context, out io.Writer, opts watchOptions, path string, timeout time.Duration) error {
	log := logging.NewLogger("watch")

	cfg, err := chart.LoadFile(opts.chartFile)
	if err != nil {
		return err
	}
	id := cfg.ID
	if id == "" {
		id = "watch"
	}

	transport, err := websocket.Dial(ctx, opts.gatewayURL)
	if err != nil {
		return err
	}
	defer transport.Close()

	loader := snapshot.NewHTTPLoader(opts.apiURL, path, opts.token, timeout)
	session := live.New(id, loader, transport, live.Options{Source: "http", LoadTimeout: timeout})
	defer func() {
		unmountCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := session.OnUnmount(unmountCtx); err != nil {
			log.WithError(err).Warn("unmount failed")
		}
	}()

	if err := session.OnConfigurationChange(ctx, cfg); err != nil {
		return err
	}
	log.WithField("channels", chart.DeriveKeys(cfg).Topics()).Info("watching chart")

	enc := json.NewEncoder(out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-transport.Done():
			return liveerr.TransportClosed().WithDetail("url", opts.gatewayURL)
		case _, ok := <-session.Changes():
			if !ok {
				return nil
			}
			v := session.Snapshot()
			line := watchLine{Chart: id, Loading: v.Loading, Live: v.Live, States: make([]data.Reading, 0, len(v.States))}
			if v.Err != nil {
				line.Error = v.Err.Error()
			}
			for _, st := range v.States {
				line.States = append(line.States, st.Reading())
			}
			if err := enc.Encode(line); err != nil {
				return err
			}
		}
	}
}
