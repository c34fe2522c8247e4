// internal/config/config.go
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"

	liveerr "sensorstate-gateway/internal/errors"
	"sensorstate-gateway/internal/logging"
)

// Snapshot sources.
const (
	SnapshotStore  = "store"
	SnapshotHTTP   = "http"
	SnapshotInflux = "influx"
)

type Config struct {
	Server struct {
		DataPort        int           `mapstructure:"data_port"`
		UIPort          int           `mapstructure:"ui_port"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
	Snapshot struct {
		// Source is where hosted charts load snapshots from: store, http or influx.
		Source  string        `mapstructure:"source"`
		BaseURL string        `mapstructure:"base_url"`
		Path    string        `mapstructure:"path"`
		Token   string        `mapstructure:"token"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"snapshot"`
	Influx struct {
		URL         string `mapstructure:"url"`
		Token       string `mapstructure:"token"`
		Org         string `mapstructure:"org"`
		Bucket      string `mapstructure:"bucket"`
		Measurement string `mapstructure:"measurement"`
	} `mapstructure:"influx"`
	SQS struct {
		QueueURL    string `mapstructure:"queue_url"`
		Region      string `mapstructure:"region"`
		Endpoint    string `mapstructure:"endpoint"`
		WaitSeconds int    `mapstructure:"wait_seconds"`
	} `mapstructure:"sqs"`
	Live struct {
		GatewayURL string `mapstructure:"gateway_url"`
	} `mapstructure:"live"`
}

// InfluxEnabled reports whether readings are persisted to InfluxDB.
func (c *Config) InfluxEnabled() bool { return c.Influx.URL != "" }

// SQSEnabled reports whether the queue consumer runs.
func (c *Config) SQSEnabled() bool { return c.SQS.QueueURL != "" }

// Load reads config.yaml from path, if present, and applies GATEWAY_*
// environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	log := logging.NewLogger("config")

	v := viper.New()
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.SetEnvPrefix("gateway")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, liveerr.Wrap(err, liveerr.CodeConfigInvalid, "cannot read config file").WithDetail("path", path)
		}
		log.WithField("path", path).Warn("no config file found, using defaults")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, liveerr.Wrap(err, liveerr.CodeConfigInvalid, "unable to decode config")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.WithField("file", v.ConfigFileUsed()).Debug("configuration loaded")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.data_port", 8080)
	v.SetDefault("server.ui_port", 8081)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("snapshot.source", SnapshotStore)
	v.SetDefault("snapshot.base_url", "")
	v.SetDefault("snapshot.path", "/sensorstate/last/machines/sensors")
	v.SetDefault("snapshot.token", "")
	v.SetDefault("snapshot.timeout", 10*time.Second)
	v.SetDefault("influx.url", "")
	v.SetDefault("influx.token", "")
	v.SetDefault("influx.org", "")
	v.SetDefault("influx.bucket", "")
	v.SetDefault("influx.measurement", "sensorstate")
	v.SetDefault("sqs.queue_url", "")
	v.SetDefault("sqs.region", "")
	v.SetDefault("sqs.endpoint", "")
	v.SetDefault("sqs.wait_seconds", 10)
	v.SetDefault("live.gateway_url", "ws://localhost:8081/ws")
}

func (c *Config) validate() error {
	switch {
	case c.Server.DataPort <= 0 || c.Server.UIPort <= 0:
		return liveerr.ConfigInvalid("server ports must be positive")
	case c.Server.DataPort == c.Server.UIPort:
		return liveerr.ConfigInvalid("data_port and ui_port must differ")
	case c.InfluxEnabled() && c.Influx.Bucket == "":
		return liveerr.ConfigInvalid("influx.bucket is required when influx.url is set")
	case c.Snapshot.Source != SnapshotStore && c.Snapshot.Source != SnapshotHTTP && c.Snapshot.Source != SnapshotInflux:
		return liveerr.ConfigInvalid("snapshot.source must be store, http or influx")
	case c.Snapshot.Source == SnapshotHTTP && c.Snapshot.BaseURL == "":
		return liveerr.ConfigInvalid("snapshot.base_url is required for the http source")
	case c.Snapshot.Source == SnapshotInflux && !c.InfluxEnabled():
		return liveerr.ConfigInvalid("influx.url is required for the influx source")
	case c.SQS.WaitSeconds < 0 || c.SQS.WaitSeconds > 20:
		return liveerr.ConfigInvalid("sqs.wait_seconds must be between 0 and 20")
	}
	return nil
}
