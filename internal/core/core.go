// Package core wires the archive's components — canonicalizer, object
// store, metadata index, delta engine, push controller, reconstructor,
// evictor, and hydrate lifecycle — into the operations a CLI or other
// front end calls.
package core

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/prn-tf/deltavault/internal/cache/redis"
	"github.com/prn-tf/deltavault/internal/canon"
	"github.com/prn-tf/deltavault/internal/config"
	"github.com/prn-tf/deltavault/internal/delta"
	"github.com/prn-tf/deltavault/internal/domain"
	"github.com/prn-tf/deltavault/internal/evict"
	"github.com/prn-tf/deltavault/internal/hydrate"
	"github.com/prn-tf/deltavault/internal/index"
	"github.com/prn-tf/deltavault/internal/index/sqlite"
	"github.com/prn-tf/deltavault/internal/metrics"
	"github.com/prn-tf/deltavault/internal/push"
	"github.com/prn-tf/deltavault/internal/reconstruct"
	"github.com/prn-tf/deltavault/internal/storage/filesystem"
	"github.com/prn-tf/deltavault/internal/validate"
)

// Archive is the fully wired archive instance.
type Archive struct {
	cfg     *config.Config
	store   *filesystem.Store
	idx     index.Index
	canon   *canon.Canonicalizer
	push    *push.Controller
	recon   *reconstruct.Reconstructor
	evictor *evict.Evictor
	life    *hydrate.Lifecycle
	val     *validate.Validator
	metrics *metrics.Metrics
	cache   *redis.ReconstructionCache
	logger  zerolog.Logger
}

// Open loads cfg's work directory, opens (creating if necessary) its
// object store and metadata index, and wires every component.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Archive, error) {
	store, err := filesystem.New(cfg.WorkDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open object store: %w", err)
	}

	idx, err := sqlite.Open(sqlite.Config{
		Path:       filepath.Join(cfg.WorkDir, "meta.db"),
		MaxRetries: cfg.IndexMaxRetries,
		RetryWait:  cfg.IndexRetryWait,
	})
	if err != nil {
		return nil, fmt.Errorf("open metadata index: %w", err)
	}

	m := metrics.New()
	canonicalizer := canon.New(store, cfg.HashKey)
	engine := delta.NewRollingDiffer(cfg.HashKey)
	evictor := evict.New(idx, store, cfg.MaxRoots, cfg.MaxAge, m, logger)

	var cache *redis.ReconstructionCache
	if cfg.CacheAddr != "" {
		cache, err = redis.NewReconstructionCache(ctx, cfg.CacheAddr, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("reconstruction cache unavailable, continuing without it")
			cache = nil
		}
	}

	var reconCache reconstruct.Cache
	if cache != nil {
		reconCache = cache
	}
	recon := reconstruct.New(idx, store, engine, reconCache, m, logger)

	pushCtl := push.New(canonicalizer, store, idx, engine, evictor, m, logger)
	life := hydrate.New(idx, store, recon, filepath.Join(cfg.WorkDir, "meta.db"), logger)
	val := validate.New(idx, store, engine, m, logger)

	return &Archive{
		cfg: cfg, store: store, idx: idx, canon: canonicalizer,
		push: pushCtl, recon: recon, evictor: evictor, life: life, val: val,
		metrics: m, cache: cache, logger: logger,
	}, nil
}

// Close releases the archive's index handle and cache connection.
func (a *Archive) Close() error {
	if a.cache != nil {
		_ = a.cache.Close()
	}
	return a.idx.Close()
}

// Metrics exposes the Prometheus registry for a metrics server.
func (a *Archive) Metrics() *metrics.Metrics { return a.metrics }

// Push canonicalizes and records inputPath under filename.
func (a *Archive) Push(ctx context.Context, filename, inputPath string, formatHint canon.Format) error {
	format, err := canon.DetectFormat(inputPath, formatHint)
	if err != nil {
		return err
	}
	return a.push.Push(ctx, filename, inputPath, format)
}

// Get reconstructs filename to outPath, or just logs the hop chain when
// dryRun is set.
func (a *Archive) Get(ctx context.Context, filename, outPath string, dryRun bool) error {
	return a.recon.Get(ctx, filename, outPath, dryRun)
}

// Exists reports whether any blob is recorded under filename.
func (a *Archive) Exists(ctx context.Context, filename string) (bool, error) {
	blobs, err := a.idx.ByFilename(ctx, filename)
	if err != nil {
		return false, fmt.Errorf("lookup filename: %w", err)
	}
	return len(blobs) > 0, nil
}

// Rename changes every blob's filename from from to to.
func (a *Archive) Rename(ctx context.Context, from, to string) error {
	return a.idx.Rename(ctx, from, to)
}

// Dehydrate strips the object files of every non-genesis root.
func (a *Archive) Dehydrate(ctx context.Context) error {
	return a.life.Dehydrate(ctx)
}

// Hydrate rebuilds every dehydrated root's object file.
func (a *Archive) Hydrate(ctx context.Context) error {
	return a.life.Hydrate(ctx)
}

// Archive writes a distributable tar of the metadata index plus the
// genesis root and every delta blob to outPath.
func (a *Archive) Archive(ctx context.Context, outPath string) error {
	return a.life.Archive(ctx, outPath)
}

// Validate walks the whole blob graph and returns every integrity
// failure found.
func (a *Archive) Validate(ctx context.Context) ([]validate.Failure, error) {
	return a.val.Validate(ctx)
}

// CheckConsistency reconciles the object store against the metadata
// index and confirms every blob is reachable from a root, without
// decoding any delta content.
func (a *Archive) CheckConsistency(ctx context.Context) ([]validate.Failure, error) {
	return a.val.CheckConsistency(ctx)
}

// Stats summarizes the current blob graph.
type Stats struct {
	TotalBlobs int
	Roots      int
	Deltas     int
	TotalBytes int64
}

// Stats computes a summary of the blob graph.
func (a *Archive) Stats(ctx context.Context) (Stats, error) {
	all, err := a.idx.All(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("list blobs: %w", err)
	}
	var s Stats
	s.TotalBlobs = len(all)
	for _, b := range all {
		s.TotalBytes += b.StoreSize
		if b.IsRoot() {
			s.Roots++
		} else {
			s.Deltas++
		}
	}
	return s, nil
}

// ListFiles returns every distinct filename currently recorded.
func (a *Archive) ListFiles(ctx context.Context) ([]string, error) {
	all, err := a.idx.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	seen := make(map[string]bool)
	var names []string
	for _, b := range all {
		if !seen[b.Filename] {
			seen[b.Filename] = true
			names = append(names, b.Filename)
		}
	}
	return names, nil
}

// Blobs returns every blob record, ID ascending.
func (a *Archive) Blobs(ctx context.Context) ([]*domain.Blob, error) {
	return a.idx.All(ctx)
}

// BlobFilter selects which blobs ListBlobPaths returns.
type BlobFilter struct {
	Genesis  bool
	Roots    bool
	NonRoots bool
}

// ListBlobPaths returns the object-store path of every blob matching
// filter, alongside the blob itself so a caller can print its filename
// too. A blob matches if any of filter's set fields applies to it.
func (a *Archive) ListBlobPaths(ctx context.Context, filter BlobFilter) ([]string, []*domain.Blob, error) {
	all, err := a.idx.All(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list blobs: %w", err)
	}

	var genesisID int64 = -1
	for _, b := range all {
		if b.IsRoot() && (genesisID == -1 || b.ID < genesisID) {
			genesisID = b.ID
		}
	}

	var paths []string
	var blobs []*domain.Blob
	for _, b := range all {
		isGenesis := b.ID == genesisID
		match := (filter.Genesis && isGenesis) || (filter.Roots && b.IsRoot()) || (filter.NonRoots && !b.IsRoot())
		if !match {
			continue
		}
		paths = append(paths, a.store.Path(b.StoreHash))
		blobs = append(blobs, b)
	}
	return paths, blobs, nil
}

// Hash canonicalizes path under formatHint without storing it, and
// returns the resulting content hash and size.
func (a *Archive) Hash(ctx context.Context, path string, formatHint canon.Format) (string, int64, error) {
	format, err := canon.DetectFormat(path, formatHint)
	if err != nil {
		return "", 0, err
	}
	result, err := a.canon.Canonicalize(ctx, path, format)
	if err != nil {
		return "", 0, err
	}
	_ = result.Temp.Discard()
	return result.Meta.Hash, result.Meta.Size, nil
}
