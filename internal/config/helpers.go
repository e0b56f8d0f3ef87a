package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnsureDirectories ensures all required local directories exist
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Server.CertDir}
	if c.Storage.Type == "file" {
		dirs = append(dirs, c.Storage.DataDir)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return nil
}

// ListenAddress returns the HTTP bind address
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Cluster.Port)
}

// CertFiles returns the paths of the issued certificate and key
func (c *Config) CertFiles() (certFile, keyFile string) {
	return filepath.Join(c.Server.CertDir, "cert.pem"), filepath.Join(c.Server.CertDir, "key.pem")
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Logging.Level == "debug" && c.Logging.Format == "console"
}
