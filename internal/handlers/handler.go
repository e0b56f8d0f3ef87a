// Package handlers implements the node's public HTTP surface.
package handlers

import (
	"github.com/mirrornode/edgenode/internal/cluster"
	"github.com/mirrornode/edgenode/internal/logging"
	"github.com/mirrornode/edgenode/internal/models"
	"github.com/mirrornode/edgenode/internal/signature"
	"github.com/mirrornode/edgenode/internal/storage"
)

// StatusProvider reports the node's lifecycle state
type StatusProvider interface {
	Status() cluster.Status
}

// Config holds handler dependencies
type Config struct {
	Verifier     *signature.Verifier
	Storage      storage.Engine
	Index        *models.FileIndex
	Accountant   storage.Accountant
	Status       StatusProvider // optional
	Version      string
	MeasureMaxMB int
}

// Handler contains all HTTP handlers
type Handler struct {
	logger       *logging.Logger
	verifier     *signature.Verifier
	storage      storage.Engine
	index        *models.FileIndex
	acct         storage.Accountant
	status       StatusProvider
	version      string
	measureMaxMB int
}

// New creates a new handler instance
func New(logger *logging.Logger, cfg Config) *Handler {
	if cfg.MeasureMaxMB <= 0 {
		cfg.MeasureMaxMB = 200
	}
	if cfg.Index == nil {
		cfg.Index = models.NewFileIndex()
	}
	if cfg.Accountant == nil {
		cfg.Accountant = &models.Counters{}
	}
	return &Handler{
		logger:       logger,
		verifier:     cfg.Verifier,
		storage:      cfg.Storage,
		index:        cfg.Index,
		acct:         cfg.Accountant,
		status:       cfg.Status,
		version:      cfg.Version,
		measureMaxMB: cfg.MeasureMaxMB,
	}
}

// Verifier returns the signed URL verifier shared by all routes
func (h *Handler) Verifier() *signature.Verifier {
	return h.verifier
}
