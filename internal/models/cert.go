package models

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// CertPair is the TLS certificate issued by the control plane
type CertPair struct {
	Cert string `json:"cert"`
	Key  string `json:"key"`
}

// Validate checks both halves are present
func (p *CertPair) Validate() error {
	if p.Cert == "" || p.Key == "" {
		return errors.New("certificate pair is incomplete")
	}
	return nil
}

// WriteFiles writes cert.pem and key.pem into dir and returns their paths
func (p *CertPair) WriteFiles(dir string) (certFile, keyFile string, err error) {
	if err := p.Validate(); err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", "", fmt.Errorf("failed to create cert dir: %w", err)
	}

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")

	if err := os.WriteFile(certFile, []byte(p.Cert), 0644); err != nil {
		return "", "", fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(keyFile, []byte(p.Key), 0600); err != nil {
		return "", "", fmt.Errorf("failed to write key: %w", err)
	}

	return certFile, keyFile, nil
}
