// Package storage holds the content stores a node serves from. Every backend
// implements Engine; the rest of the node does not know which one is in use.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/gofiber/fiber/v2"
	"github.com/mirrornode/edgenode/internal/config"
	"github.com/mirrornode/edgenode/internal/logging"
	"github.com/mirrornode/edgenode/internal/models"
)

var (
	// ErrUnknownType is returned by New for an unsupported backend
	ErrUnknownType = errors.New("unknown storage type")

	// ErrNotFound is returned by Express when the object is not stored
	ErrNotFound = errors.New("object not found")
)

// checkFile is the sentinel written by Check
const checkFile = ".check"

// Accountant receives delivery counts. Backends that stream report when
// the transfer finishes, so partial transfers count only what was sent.
type Accountant interface {
	Add(hits, bytes int64)
}

// Engine is a content store
type Engine interface {
	// Init prepares the backend (base directory or path)
	Init(ctx context.Context) error

	// Check verifies the backend is writable. Failures are logged and
	// reported as false.
	Check(ctx context.Context) bool

	// WriteFile stores content at path, relative to the store root
	WriteFile(ctx context.Context, path string, content []byte, file models.FileRecord) error

	// Exists reports whether path is stored
	Exists(ctx context.Context, path string) (bool, error)

	// GetMissingFiles returns the files that are absent or stored with a
	// different size
	GetMissingFiles(ctx context.Context, files []models.FileRecord) ([]models.FileRecord, error)

	// GC deletes every stored object whose hash is not in files. It
	// continues past per-object failures and returns them joined.
	GC(ctx context.Context, files []models.FileRecord) error

	// Express delivers the object for file to the client. file.Size is the
	// authoritative size from the file list.
	Express(c *fiber.Ctx, file models.FileRecord, acct Accountant) error
}

// ShardPath returns the relative location of an object: the first two
// characters of its hash, then the hash
func ShardPath(hash string) string {
	if len(hash) < 2 {
		return path.Join("_", hash)
	}
	return path.Join(hash[:2], hash)
}

// New creates the configured backend
func New(cfg config.StorageConfig, logger *logging.Logger) (Engine, error) {
	switch cfg.Type {
	case "", "file":
		return NewLocal(cfg.DataDir, logger), nil
	case "webdav":
		return NewWebDAV(WebDAVOptions{
			URL:      cfg.WebDAV.URL,
			Username: cfg.WebDAV.Username,
			Password: cfg.WebDAV.Password,
			BasePath: cfg.WebDAV.BasePath,
			CacheTTL: cfg.CacheTTL,
		}, logger)
	default:
		return nil, fmt.Errorf("%w: %s (supported: file, webdav)", ErrUnknownType, cfg.Type)
	}
}
