package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Load loads configuration from file
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default config locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/edgenode")
	}

	setDefaults(v)

	// EDGENODE_CLUSTER_SECRET overrides cluster.secret, and so on
	v.SetEnvPrefix("EDGENODE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return parseConfig(v)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return parseConfig(v)
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	// AutomaticEnv only resolves keys viper already knows about
	v.SetDefault("cluster.id", "")
	v.SetDefault("cluster.secret", "")
	v.SetDefault("cluster.host", "")
	v.SetDefault("cluster.flavor", "")
	v.SetDefault("cluster.public_port", 0)
	v.SetDefault("cluster.byoc", false)
	v.SetDefault("cluster.no_fast_enable", false)
	v.SetDefault("cluster.control_plane", d.Cluster.ControlPlane)
	v.SetDefault("cluster.port", d.Cluster.Port)

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.access_log", d.Server.AccessLog)
	v.SetDefault("server.cert_dir", d.Server.CertDir)

	v.SetDefault("channel.type", d.Channel.Type)
	v.SetDefault("channel.url", d.Channel.URL)
	v.SetDefault("channel.subject", d.Channel.Subject)
	v.SetDefault("channel.max_reconnects", d.Channel.MaxReconnects)
	v.SetDefault("channel.reconnect_wait", d.Channel.ReconnectWait)
	v.SetDefault("channel.rpc_timeout", d.Channel.RPCTimeout)
	v.SetDefault("channel.enable_timeout", d.Channel.EnableTimeout)

	v.SetDefault("token.request_timeout", d.Token.RequestTimeout)
	v.SetDefault("token.retry_interval", d.Token.RetryInterval)

	v.SetDefault("keepalive.interval", d.Keepalive.Interval)
	v.SetDefault("keepalive.timeout", d.Keepalive.Timeout)
	v.SetDefault("keepalive.max_failures", d.Keepalive.MaxFailures)
	v.SetDefault("keepalive.restart_timeout", d.Keepalive.RestartTimeout)

	v.SetDefault("storage.type", d.Storage.Type)
	v.SetDefault("storage.data_dir", d.Storage.DataDir)
	v.SetDefault("storage.cache_ttl", d.Storage.CacheTTL)
	v.SetDefault("storage.webdav.url", "")
	v.SetDefault("storage.webdav.username", "")
	v.SetDefault("storage.webdav.password", "")
	v.SetDefault("storage.webdav.base_path", "")

	v.SetDefault("sync.concurrency", d.Sync.Concurrency)
	v.SetDefault("sync.verify", d.Sync.Verify)
	v.SetDefault("sync.progress", d.Sync.Progress)

	v.SetDefault("usage.type", d.Usage.Type)
	v.SetDefault("usage.url", "")
	v.SetDefault("usage.redis_stream", "edgenode")

	v.SetDefault("measure.max_size_mb", d.Measure.MaxSizeMB)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output_path", d.Logging.OutputPath)
}

// parseConfig parses viper config into Config struct
func parseConfig(v *viper.Viper) (*Config, error) {
	var cfg Config

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// DefaultConfig returns default configuration. Cluster credentials are
// intentionally empty and must be supplied.
func DefaultConfig() *Config {
	return &Config{
		Cluster: ClusterConfig{
			ControlPlane: "https://openbmclapi.bangbang93.com",
			Port:         4000,
		},
		Server: ServerConfig{
			Host:      "0.0.0.0",
			AccessLog: true,
			CertDir:   "./.ssl",
		},
		Channel: ChannelConfig{
			Type:          "nats",
			URL:           "nats://localhost:4222",
			Subject:       "cluster",
			MaxReconnects: 60,
			ReconnectWait: 2 * time.Second,
			RPCTimeout:    30 * time.Second,
			EnableTimeout: 5 * time.Minute,
		},
		Token: TokenConfig{
			RequestTimeout: 5 * time.Minute,
			RetryInterval:  time.Minute,
		},
		Keepalive: KeepaliveConfig{
			Interval:       time.Minute,
			Timeout:        10 * time.Second,
			MaxFailures:    3,
			RestartTimeout: 10 * time.Minute,
		},
		Storage: StorageConfig{
			Type:     "file",
			DataDir:  "./cache",
			CacheTTL: time.Hour,
		},
		Sync: SyncConfig{
			Concurrency: 10,
			Verify:      true,
			Progress:    false,
		},
		Usage: UsageConfig{
			Type: "none",
		},
		Measure: MeasureConfig{
			MaxSizeMB: 200,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
		},
	}
}
