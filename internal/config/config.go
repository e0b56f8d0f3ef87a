package config

import (
	"fmt"
	"net/url"
	"time"
)

// Config represents the complete agent configuration
type Config struct {
	Cluster   ClusterConfig   `mapstructure:"cluster"`
	Server    ServerConfig    `mapstructure:"server"`
	Channel   ChannelConfig   `mapstructure:"channel"`
	Token     TokenConfig     `mapstructure:"token"`
	Keepalive KeepaliveConfig `mapstructure:"keepalive"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Usage     UsageConfig     `mapstructure:"usage"`
	Measure   MeasureConfig   `mapstructure:"measure"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ClusterConfig identifies this node to the control plane
type ClusterConfig struct {
	ID           string `mapstructure:"id"`
	Secret       string `mapstructure:"secret"`
	ControlPlane string `mapstructure:"control_plane"` // REST base URL of the control plane
	Host         string `mapstructure:"host"`          // Public host announced on enable; empty lets the control plane detect it
	Port         int    `mapstructure:"port"`          // Local listen port
	PublicPort   int    `mapstructure:"public_port"`   // Port announced on enable (defaults to Port)
	BYOC         bool   `mapstructure:"byoc"`          // Bring your own certificate: serve plain HTTP behind an external TLS terminator
	Flavor       string `mapstructure:"flavor"`
	NoFastEnable bool   `mapstructure:"no_fast_enable"`
}

// AnnouncedPort returns the port sent in the enable message
func (c *ClusterConfig) AnnouncedPort() int {
	if c.PublicPort > 0 {
		return c.PublicPort
	}
	return c.Port
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host      string `mapstructure:"host"` // Bind address
	AccessLog bool   `mapstructure:"access_log"`
	CertDir   string `mapstructure:"cert_dir"` // Where the issued certificate pair is written
}

// ChannelConfig configures the persistent control channel
type ChannelConfig struct {
	Type          string        `mapstructure:"type"` // nats (default), memory
	URL           string        `mapstructure:"url"`
	Subject       string        `mapstructure:"subject"` // Subject prefix for RPC messages
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	RPCTimeout    time.Duration `mapstructure:"rpc_timeout"` // Bound for RPCs without a dedicated timeout
	EnableTimeout time.Duration `mapstructure:"enable_timeout"`
}

// TokenConfig configures credential acquisition
type TokenConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RetryInterval  time.Duration `mapstructure:"retry_interval"` // Delay before retrying a failed renewal
}

// KeepaliveConfig configures the keepalive loop
type KeepaliveConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxFailures    int           `mapstructure:"max_failures"`
	RestartTimeout time.Duration `mapstructure:"restart_timeout"`
}

// StorageConfig selects and configures the storage backend
type StorageConfig struct {
	Type     string        `mapstructure:"type"` // file, webdav
	DataDir  string        `mapstructure:"data_dir"`
	WebDAV   WebDAVConfig  `mapstructure:"webdav"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"` // Existence cache TTL for remote backends
}

// WebDAVConfig represents remote WebDAV backend options
type WebDAVConfig struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	BasePath string `mapstructure:"base_path"`
}

// SyncConfig controls content reconciliation
type SyncConfig struct {
	Concurrency int  `mapstructure:"concurrency"` // Overridden by the control plane sync policy when it is larger
	Verify      bool `mapstructure:"verify"`      // Verify content hashes after download
	Progress    bool `mapstructure:"progress"`    // Render a progress bar on stderr
}

// UsageConfig configures the usage report fan-out publisher
type UsageConfig struct {
	Type     string `mapstructure:"type"` // none (default), nats, redis, kafka, memory
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`

	// Redis-specific options
	RedisDB     int    `mapstructure:"redis_db"`
	RedisStream string `mapstructure:"redis_stream"`

	// Kafka-specific options
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
}

// MeasureConfig bounds the synthetic bandwidth endpoint
type MeasureConfig struct {
	MaxSizeMB int `mapstructure:"max_size_mb"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, file path
	TimeFormat string `mapstructure:"time_format"` // RFC3339, Unix, Kitchen
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Cluster.Validate(); err != nil {
		return fmt.Errorf("cluster config: %w", err)
	}

	if err := c.Channel.Validate(); err != nil {
		return fmt.Errorf("channel config: %w", err)
	}

	if err := c.Keepalive.Validate(); err != nil {
		return fmt.Errorf("keepalive config: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	if err := c.Sync.Validate(); err != nil {
		return fmt.Errorf("sync config: %w", err)
	}

	if err := c.Usage.Validate(); err != nil {
		return fmt.Errorf("usage config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates cluster configuration
func (c *ClusterConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("cluster.id is required")
	}

	if c.Secret == "" {
		return fmt.Errorf("cluster.secret is required")
	}

	if _, err := url.ParseRequestURI(c.ControlPlane); err != nil {
		return fmt.Errorf("invalid cluster.control_plane %q: %w", c.ControlPlane, err)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid cluster.port: %d", c.Port)
	}

	if c.PublicPort < 0 || c.PublicPort > 65535 {
		return fmt.Errorf("invalid cluster.public_port: %d", c.PublicPort)
	}

	return nil
}

// Validate validates channel configuration
func (c *ChannelConfig) Validate() error {
	if c.Type != "nats" && c.Type != "memory" {
		return fmt.Errorf("channel.type must be 'nats' or 'memory'")
	}

	if c.Type == "nats" && c.URL == "" {
		return fmt.Errorf("channel.url is required for nats")
	}

	if c.RPCTimeout <= 0 {
		return fmt.Errorf("channel.rpc_timeout must be positive")
	}

	if c.EnableTimeout <= 0 {
		return fmt.Errorf("channel.enable_timeout must be positive")
	}

	return nil
}

// Validate validates keepalive configuration
func (c *KeepaliveConfig) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("keepalive.interval must be positive")
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("keepalive.timeout must be positive")
	}

	if c.MaxFailures < 1 {
		return fmt.Errorf("keepalive.max_failures must be at least 1")
	}

	if c.RestartTimeout <= 0 {
		return fmt.Errorf("keepalive.restart_timeout must be positive")
	}

	return nil
}

// Validate validates storage configuration
func (c *StorageConfig) Validate() error {
	switch c.Type {
	case "file":
		if c.DataDir == "" {
			return fmt.Errorf("data_dir is required")
		}
	case "webdav":
		if c.WebDAV.URL == "" {
			return fmt.Errorf("webdav.url is required")
		}
		if c.WebDAV.BasePath == "" {
			return fmt.Errorf("webdav.base_path is required")
		}
	default:
		return fmt.Errorf("unknown storage type %q (supported: file, webdav)", c.Type)
	}

	return nil
}

// Validate validates sync configuration
func (c *SyncConfig) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("sync.concurrency must be at least 1")
	}
	return nil
}

// Validate validates usage publisher configuration
func (c *UsageConfig) Validate() error {
	switch c.Type {
	case "", "none", "memory":
	case "nats", "redis":
		if c.URL == "" {
			return fmt.Errorf("usage.url is required for %s", c.Type)
		}
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("usage.kafka_brokers is required for kafka")
		}
	default:
		return fmt.Errorf("unsupported usage type %q (supported: none, nats, redis, kafka, memory)", c.Type)
	}
	return nil
}

// Validate validates logging configuration
func (c *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"json":    true,
		"console": true,
	}

	if !validFormats[c.Format] {
		return fmt.Errorf("logging.format must be 'json' or 'console'")
	}

	return nil
}
