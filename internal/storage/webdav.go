package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/mirrornode/edgenode/internal/cache"
	"github.com/mirrornode/edgenode/internal/logging"
	"github.com/mirrornode/edgenode/internal/models"
	"github.com/studio-b12/gowebdav"
	"golang.org/x/sync/errgroup"
)

// webdavListConcurrency bounds concurrent PROPFIND listings
const webdavListConcurrency = 10

// WebDAVOptions configures a WebDAV store
type WebDAVOptions struct {
	URL      string
	Username string
	Password string
	BasePath string
	CacheTTL time.Duration // Existence cache TTL
	Timeout  time.Duration
}

type webdavEntry struct {
	size int64
	path string
}

// WebDAV stores objects on a remote WebDAV server and serves them by
// redirecting clients to the server
type WebDAV struct {
	opts   WebDAVOptions
	client *gowebdav.Client
	base   *url.URL
	logger *logging.Logger

	mu         sync.RWMutex
	index      map[string]webdavEntry // hash -> confirmed remote object
	emptyFiles map[string]struct{}    // paths of zero-byte objects, never uploaded

	exists *cache.TTLCache[bool]
}

// NewWebDAV creates a WebDAV store
func NewWebDAV(opts WebDAVOptions, logger *logging.Logger) (*WebDAV, error) {
	base, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid webdav url: %w", err)
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.BasePath == "" {
		opts.BasePath = "/"
	}

	client := gowebdav.NewClient(opts.URL, opts.Username, opts.Password)
	client.SetTimeout(opts.Timeout)

	return &WebDAV{
		opts:       opts,
		client:     client,
		base:       base,
		logger:     logger.With("component", "storage", "backend", "webdav"),
		index:      make(map[string]webdavEntry),
		emptyFiles: make(map[string]struct{}),
		exists:     cache.New[bool](opts.CacheTTL),
	}, nil
}

// Init creates the base path when it does not exist
func (w *WebDAV) Init(ctx context.Context) error {
	_, err := w.client.Stat(w.opts.BasePath)
	if err == nil {
		return nil
	}
	if !gowebdav.IsErrNotFound(err) {
		return fmt.Errorf("failed to stat base path: %w", err)
	}

	w.logger.Info("Creating base path", "path", w.opts.BasePath)
	if err := w.client.MkdirAll(w.opts.BasePath, 0755); err != nil {
		return fmt.Errorf("failed to create base path: %w", err)
	}
	return nil
}

// Check uploads and deletes a sentinel object
func (w *WebDAV) Check(ctx context.Context) bool {
	sentinel := w.remote(checkFile)
	defer func() {
		if err := w.client.Remove(sentinel); err != nil {
			w.logger.Warn("Failed to remove check file", "error", err)
		}
	}()

	if err := w.client.Write(sentinel, []byte(strconv.FormatInt(time.Now().UnixMilli(), 10)), 0644); err != nil {
		w.logger.Error("Storage check failed", "error", err)
		return false
	}
	return true
}

// WriteFile uploads content. Zero-byte objects are only remembered.
func (w *WebDAV) WriteFile(ctx context.Context, p string, content []byte, file models.FileRecord) error {
	if len(content) == 0 {
		w.mu.Lock()
		w.emptyFiles[p] = struct{}{}
		w.mu.Unlock()
		return nil
	}

	remote := w.remote(p)
	if err := w.client.MkdirAll(path.Dir(remote), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", p, err)
	}
	if err := w.client.Write(remote, content, 0644); err != nil {
		return fmt.Errorf("failed to upload %s: %w", p, err)
	}

	w.mu.Lock()
	w.index[file.Hash] = webdavEntry{size: int64(len(content)), path: remote}
	w.mu.Unlock()
	w.exists.Set(p, true)

	return nil
}

// Exists checks the cache before asking the server
func (w *WebDAV) Exists(ctx context.Context, p string) (bool, error) {
	if ok, hit := w.exists.Get(p); hit && ok {
		return true, nil
	}

	_, err := w.client.Stat(w.remote(p))
	if err != nil {
		if gowebdav.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	w.exists.Set(p, true)
	return true, nil
}

// GetMissingFiles diffs against the in-memory index, building it first by a
// breadth-first listing of the base path when it is empty
func (w *WebDAV) GetMissingFiles(ctx context.Context, files []models.FileRecord) ([]models.FileRecord, error) {
	w.mu.RLock()
	indexed := len(w.index) != 0
	w.mu.RUnlock()

	if !indexed {
		if err := w.buildIndex(ctx, files); err != nil {
			return nil, err
		}
	}

	w.mu.RLock()
	defer w.mu.RUnlock()

	var missing []models.FileRecord
	for _, f := range files {
		if f.Size == 0 {
			if _, ok := w.emptyFiles[ShardPath(f.Hash)]; ok {
				continue
			}
		}
		if e, ok := w.index[f.Hash]; ok && e.size == f.Size {
			continue
		}
		missing = append(missing, f)
	}
	return missing, nil
}

func (w *WebDAV) buildIndex(ctx context.Context, files []models.FileRecord) error {
	wanted := make(map[string]int64, len(files))
	for _, f := range files {
		wanted[f.Hash] = f.Size
	}

	var (
		mu      sync.Mutex
		found   = make(map[string]webdavEntry)
		listed  int
		level   = []string{w.opts.BasePath}
		started = time.Now()
	)

	for len(level) > 0 {
		var next []string

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(webdavListConcurrency)

		for _, dir := range level {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				entries, err := w.client.ReadDir(dir)
				if err != nil {
					return fmt.Errorf("failed to list %s: %w", dir, err)
				}

				mu.Lock()
				defer mu.Unlock()

				listed++
				for _, entry := range entries {
					p := path.Join(dir, entry.Name())
					if entry.IsDir() {
						next = append(next, p)
						continue
					}
					if size, ok := wanted[entry.Name()]; ok && size == entry.Size() {
						found[entry.Name()] = webdavEntry{size: entry.Size(), path: p}
					}
				}
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return err
		}
		level = next
	}

	w.mu.Lock()
	for hash, e := range found {
		w.index[hash] = e
	}
	w.mu.Unlock()

	w.logger.Info("Remote index built",
		"directories", listed,
		"objects", len(found),
		"took", time.Since(started),
	)
	return nil
}

// GC removes every remote object whose name is not a listed hash
func (w *WebDAV) GC(ctx context.Context, files []models.FileRecord) error {
	keep := make(map[string]struct{}, len(files))
	for _, f := range files {
		keep[f.Hash] = struct{}{}
	}

	var errs []error

	stack := []string{w.opts.BasePath}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := w.client.ReadDir(dir)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to list %s: %w", dir, err))
			continue
		}

		for _, entry := range entries {
			p := path.Join(dir, entry.Name())
			if entry.IsDir() {
				stack = append(stack, p)
				continue
			}
			if _, ok := keep[entry.Name()]; ok {
				continue
			}

			w.logger.Info("Deleting expired file", "path", p)
			if err := w.client.Remove(p); err != nil {
				errs = append(errs, fmt.Errorf("failed to delete %s: %w", p, err))
				continue
			}

			w.mu.Lock()
			delete(w.index, entry.Name())
			w.mu.Unlock()
			w.exists.Delete(ShardPath(entry.Name()))
		}
	}

	return errors.Join(errs...)
}

// Express redirects the client to the object on the WebDAV server and
// reports the bytes the client is expected to fetch. Objects confirmed by
// Exists rather than the index are sized from the file record.
func (w *WebDAV) Express(c *fiber.Ctx, file models.FileRecord, acct Accountant) error {
	hash := file.Hash
	p := ShardPath(hash)

	w.mu.RLock()
	_, empty := w.emptyFiles[p]
	entry, indexed := w.index[hash]
	w.mu.RUnlock()

	if empty {
		acct.Add(1, 0)
		return c.SendStatus(fiber.StatusOK)
	}
	if !indexed {
		ok, err := w.Exists(c.UserContext(), p)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		entry.size = file.Size
	}

	acct.Add(1, EstimateBytes(entry.size, c.Get(fiber.HeaderRange)))
	return c.Redirect(w.DownloadLink(p), fiber.StatusFound)
}

// DownloadLink returns the URL of p on the server, credentials included
func (w *WebDAV) DownloadLink(p string) string {
	u := *w.base
	if w.opts.Username != "" {
		u.User = url.UserPassword(w.opts.Username, w.opts.Password)
	}
	u.Path = path.Join("/", u.Path, w.remote(p))
	return u.String()
}

// Close stops the existence cache sweeper
func (w *WebDAV) Close() error {
	w.exists.Stop()
	return nil
}

func (w *WebDAV) remote(p string) string {
	return path.Join(w.opts.BasePath, p)
}
