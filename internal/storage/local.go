package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v2"
	"github.com/mirrornode/edgenode/internal/logging"
	"github.com/mirrornode/edgenode/internal/models"
	"golang.org/x/sync/errgroup"
)

// localStatConcurrency bounds stat calls during GetMissingFiles
const localStatConcurrency = 1000

// Local stores objects on the local filesystem, sharded by hash prefix
type Local struct {
	root   string
	logger *logging.Logger
	remove func(string) error
}

// NewLocal creates a local store rooted at root
func NewLocal(root string, logger *logging.Logger) *Local {
	return &Local{
		root:   root,
		logger: logger.With("component", "storage", "backend", "file"),
		remove: os.Remove,
	}
}

// Init creates the root directory
func (l *Local) Init(ctx context.Context) error {
	if err := os.MkdirAll(l.root, 0755); err != nil {
		return fmt.Errorf("failed to create storage root: %w", err)
	}
	return nil
}

// Check writes and removes a sentinel file
func (l *Local) Check(ctx context.Context) bool {
	sentinel := filepath.Join(l.root, checkFile)
	defer func() { _ = os.RemoveAll(sentinel) }()

	if err := os.MkdirAll(l.root, 0755); err != nil {
		l.logger.Error("Storage check failed", "error", err)
		return false
	}
	if err := os.WriteFile(sentinel, nil, 0644); err != nil {
		l.logger.Error("Storage check failed", "error", err)
		return false
	}
	return true
}

// WriteFile writes content atomically under root
func (l *Local) WriteFile(ctx context.Context, path string, content []byte, _ models.FileRecord) error {
	full := l.abs(path)
	dir := filepath.Dir(full)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return nil
}

// Exists reports whether path is stored
func (l *Local) Exists(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(l.abs(path))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// GetMissingFiles stats every file. The filesystem is its own index, so
// repeated calls always reflect what is on disk.
func (l *Local) GetMissingFiles(ctx context.Context, files []models.FileRecord) ([]models.FileRecord, error) {
	missing := make([]bool, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(localStatConcurrency)

	for i := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			st, err := os.Stat(l.abs(ShardPath(files[i].Hash)))
			missing[i] = err != nil || st.Size() != files[i].Size
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []models.FileRecord
	for i, m := range missing {
		if m {
			out = append(out, files[i])
		}
	}
	return out, nil
}

// GC walks the tree with an explicit stack and removes every file whose
// path relative to root is not the shard path of a listed hash
func (l *Local) GC(ctx context.Context, files []models.FileRecord) error {
	keep := make(map[string]struct{}, len(files))
	for _, f := range files {
		keep[filepath.FromSlash(ShardPath(f.Hash))] = struct{}{}
	}

	var (
		errs    []error
		deleted int
		freed   int64
	)

	stack := []string{l.root}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(dir)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to read %s: %w", dir, err))
			continue
		}

		for _, entry := range entries {
			p := filepath.Join(dir, entry.Name())
			if entry.IsDir() {
				stack = append(stack, p)
				continue
			}

			rel, err := filepath.Rel(l.root, p)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if _, ok := keep[rel]; ok {
				continue
			}

			var size int64
			if info, err := entry.Info(); err == nil {
				size = info.Size()
			}

			l.logger.Info("Deleting expired file", "path", p)
			if err := l.remove(p); err != nil {
				errs = append(errs, fmt.Errorf("failed to delete %s: %w", p, err))
				continue
			}
			deleted++
			freed += size
		}
	}

	if deleted > 0 {
		l.logger.Info("Garbage collection finished",
			"deleted", deleted,
			"freed", humanize.IBytes(uint64(freed)),
		)
	}

	return errors.Join(errs...)
}

// Express streams the object, honoring a single byte range. Bytes are
// counted as the body is read by the server and reported on close.
func (l *Local) Express(c *fiber.Ctx, file models.FileRecord, acct Accountant) error {
	hash := file.Hash
	f, err := os.Open(l.abs(ShardPath(hash)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	size := st.Size()

	if name := c.Query("name"); name != "" {
		c.Attachment(name)
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
	c.Set(fiber.HeaderAcceptRanges, "bytes")
	c.Set(fiber.HeaderCacheControl, "max-age=2592000")
	c.Set("x-bmclapi-hash", hash)

	start, length := int64(0), size

	ranges, err := ParseRange(c.Get(fiber.HeaderRange), size)
	switch {
	case errors.Is(err, ErrUnsatisfiableRange):
		_ = f.Close()
		c.Set(fiber.HeaderContentRange, "bytes */"+strconv.FormatInt(size, 10))
		return c.SendStatus(fiber.StatusRequestedRangeNotSatisfiable)
	case err == nil && len(ranges) == 1:
		r := ranges[0]
		start, length = r.Start, r.Length()
		c.Set(fiber.HeaderContentRange, fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size))
		c.Status(fiber.StatusPartialContent)
	default:
		// no range, a malformed one, or several: send the whole object
		c.Status(fiber.StatusOK)
	}

	body := &countingBody{
		r:    io.NewSectionReader(f, start, length),
		f:    f,
		acct: acct,
	}
	c.Context().SetBodyStream(body, int(length))
	return nil
}

func (l *Local) abs(path string) string {
	return filepath.Join(l.root, filepath.FromSlash(path))
}

// countingBody reports bytes read to the Accountant when the server closes it
type countingBody struct {
	r    io.Reader
	f    *os.File
	acct Accountant
	n    atomic.Int64
	once sync.Once
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	b.n.Add(int64(n))
	return n, err
}

func (b *countingBody) Close() error {
	var err error
	b.once.Do(func() {
		if b.acct != nil {
			b.acct.Add(1, b.n.Load())
		}
		err = b.f.Close()
	})
	return err
}
