// cmd/gateway/serve.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"sensorstate-gateway/internal/api"
	"sensorstate-gateway/internal/config"
	"sensorstate-gateway/internal/ingest"
	"sensorstate-gateway/internal/live"
	"sensorstate-gateway/internal/logging"
	"sensorstate-gateway/internal/queue"
	"sensorstate-gateway/internal/snapshot"
	"sensorstate-gateway/internal/storage"
	"sensorstate-gateway/internal/websocket"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion and dashboard servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logging.Configure(cfg.Logging.Level, cfg.Logging.Format)
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logging.NewLogger("gateway")

	// --- Initialize Components ---
	store := storage.NewStore()
	hub := websocket.NewHub()

	var influx influxdb2.Client
	var writer ingest.Writer
	if cfg.InfluxEnabled() {
		influx = influxdb2.NewClient(cfg.Influx.URL, cfg.Influx.Token)
		defer influx.Close()
		writer = ingest.NewInfluxWriter(influx.WriteAPIBlocking(cfg.Influx.Org, cfg.Influx.Bucket), cfg.Influx.Measurement)
	}
	ingestor := ingest.New(store, hub, writer)

	var consumer *queue.Consumer
	if cfg.SQSEnabled() {
		svc, err := queue.NewSQSClient(cfg.SQS.Region, cfg.SQS.Endpoint)
		if err != nil {
			return err
		}
		consumer = queue.NewConsumer(svc, cfg.SQS.QueueURL, cfg.SQS.WaitSeconds, ingestor)
	}

	loader := newLoader(cfg, store, influx)
	charts := live.NewRegistry(func(id string) (*live.Session, error) {
		lt, err := hub.NewLocalTransport()
		if err != nil {
			return nil, err
		}
		return live.New(id, loader, lt, live.Options{
			Source:      cfg.Snapshot.Source,
			LoadTimeout: cfg.Snapshot.Timeout,
			OnClose:     func() { lt.Close() },
		}), nil
	})

	g, gctx := errgroup.WithContext(ctx)

	// The hub outlives the servers so sessions can leave their channels on shutdown.
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	g.Go(func() error {
		hub.Run(hubCtx)
		return nil
	})

	apiHandler := api.NewAPIHandler(gctx, store, ingestor, hub, charts)
	dataServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.DataPort),
		Handler:           api.SetupDataRouter(apiHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	uiServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.UIPort),
		Handler:           api.SetupUIRouter(apiHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	for name, srv := range map[string]*http.Server{"data ingestion": dataServer, "dashboard": uiServer} {
		g.Go(func() error {
			log.WithField("addr", srv.Addr).Infof("starting %s server", name)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s server: %w", name, err)
			}
			return nil
		})
	}

	if consumer != nil {
		g.Go(func() error { return consumer.Run(gctx) })
	}

	// --- Graceful Shutdown ---
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down servers")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		defer stopHub()

		if err := charts.Close(shutdownCtx); err != nil {
			log.WithError(err).Warn("closing chart sessions")
		}
		return errors.Join(dataServer.Shutdown(shutdownCtx), uiServer.Shutdown(shutdownCtx))
	})

	err := g.Wait()
	log.Info("servers stopped")
	return err
}

func newLoader(cfg *config.Config, store *storage.Store, influx influxdb2.Client) snapshot.Loader {
	switch cfg.Snapshot.Source {
	case config.SnapshotHTTP:
		return snapshot.NewHTTPLoader(cfg.Snapshot.BaseURL, cfg.Snapshot.Path, cfg.Snapshot.Token, cfg.Snapshot.Timeout)
	case config.SnapshotInflux:
		return snapshot.NewInfluxLoader(influx.QueryAPI(cfg.Influx.Org), cfg.Influx.Bucket, cfg.Influx.Measurement, 0)
	default:
		return snapshot.NewStoreLoader(store)
	}
}
