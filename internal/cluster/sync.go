package cluster

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	progressbar "github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/mirrornode/edgenode/internal/models"
	"github.com/mirrornode/edgenode/internal/storage"
)

// FetchFileList returns the authoritative file list and sync policy
func (a *Agent) FetchFileList(ctx context.Context) (*models.FileList, models.SyncPolicy, error) {
	conf, err := a.source.GetConfiguration(ctx)
	if err != nil {
		return nil, models.SyncPolicy{}, fmt.Errorf("failed to fetch configuration: %w", err)
	}

	list, err := a.source.GetFileList(ctx)
	if err != nil {
		return nil, models.SyncPolicy{}, fmt.Errorf("failed to fetch file list: %w", err)
	}

	a.logger.Info("Fetched file list",
		"files", len(list.Files),
		"total", humanize.IBytes(uint64(list.TotalSize())),
		"source", conf.Sync.Source)
	return list, conf.Sync, nil
}

// SyncFiles downloads every file storage is missing. The first failed
// download or write aborts the sync.
func (a *Agent) SyncFiles(ctx context.Context, list *models.FileList, policy models.SyncPolicy) error {
	missing, err := a.storage.GetMissingFiles(ctx, list.Files)
	if err != nil {
		return fmt.Errorf("failed to scan storage: %w", err)
	}
	if len(missing) == 0 {
		a.logger.Info("All files present, nothing to sync")
		return nil
	}

	var total int64
	for _, f := range missing {
		total += f.Size
	}

	concurrency := a.cfg.SyncConcurrency
	if policy.Concurrency > concurrency {
		concurrency = policy.Concurrency
	}

	a.logger.Info("Syncing missing files",
		"files", len(missing),
		"total", humanize.IBytes(uint64(total)),
		"concurrency", concurrency)

	bar := a.newProgressBar(total)
	defer func() { _ = bar.Finish() }()

	var synced atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, file := range missing {
		g.Go(func() error {
			data, err := a.source.Download(gctx, file)
			if err != nil {
				return fmt.Errorf("failed to download %s: %w", file.Path, err)
			}
			if err := a.storage.WriteFile(gctx, storage.ShardPath(file.Hash), data, file); err != nil {
				return fmt.Errorf("failed to write %s: %w", file.Path, err)
			}
			synced.Add(int64(len(data)))
			_ = bar.Add64(int64(len(data)))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	a.recorder.RecordSync(len(missing), synced.Load())
	a.logger.Info("Sync completed",
		"files", len(missing),
		"downloaded", humanize.IBytes(uint64(synced.Load())))
	return nil
}

func (a *Agent) newProgressBar(total int64) *progressbar.ProgressBar {
	if a.cfg.Progress {
		return progressbar.DefaultBytes(total, "syncing")
	}
	return progressbar.NewOptions64(total, progressbar.OptionSetWriter(io.Discard))
}

// Reconcile syncs missing content, then garbage-collects everything not in
// list, then installs list as the served index. Sync failures are returned;
// GC failures are only logged.
func (a *Agent) Reconcile(ctx context.Context, list *models.FileList, policy models.SyncPolicy) error {
	if err := a.SyncFiles(ctx, list, policy); err != nil {
		return err
	}

	a.recorder.RecordGC()
	if err := a.storage.GC(ctx, list.Files); err != nil {
		a.logger.Error("Garbage collection failed", "error", err)
	}

	a.index.Replace(list.Files)
	a.recorder.SetIndexedFiles(a.index.Len())
	return nil
}
