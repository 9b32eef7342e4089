// Package reconstruct implements GET: walk a blob's parent chain back
// to its root, decode the delta chain in order, and verify every hop's
// digest and length against the recorded metadata.
package reconstruct

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/prn-tf/deltavault/internal/archiverr"
	"github.com/prn-tf/deltavault/internal/delta"
	"github.com/prn-tf/deltavault/internal/domain"
	"github.com/prn-tf/deltavault/internal/index"
	"github.com/prn-tf/deltavault/internal/metrics"
	"github.com/prn-tf/deltavault/internal/storage/filesystem"
)

// Cache is the optional read-through reconstruction cache. Reconstructor
// works without one.
type Cache interface {
	Get(ctx context.Context, contentHash string) ([]byte, bool)
	Put(ctx context.Context, contentHash string, data []byte)
}

// Reconstructor resolves a filename to its reconstructed bytes.
type Reconstructor struct {
	idx     index.Index
	store   *filesystem.Store
	engine  delta.Engine
	cache   Cache
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New builds a Reconstructor. cache may be nil to disable caching.
func New(idx index.Index, store *filesystem.Store, engine delta.Engine, cache Cache, m *metrics.Metrics, logger zerolog.Logger) *Reconstructor {
	return &Reconstructor{idx: idx, store: store, engine: engine, cache: cache, metrics: m, logger: logger}
}

// chain returns the blobs to decode, in root-to-leaf order, for the
// most recently inserted blob named filename, plus that blob itself.
func (r *Reconstructor) chain(ctx context.Context, filename string) (*domain.Blob, []*domain.Blob, error) {
	target, err := r.idx.Latest(ctx, filename)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup latest %s: %w", filename, err)
	}
	if target == nil {
		return nil, nil, fmt.Errorf("%w: %s", archiverr.ErrNotFound, filename)
	}

	var hops []*domain.Blob
	cur := target
	for !cur.IsRoot() {
		hops = append(hops, cur)
		parents, err := r.idx.ByContentHash(ctx, *cur.ParentHash)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve parent of blob %d: %w", cur.ID, err)
		}
		if len(parents) == 0 {
			return nil, nil, fmt.Errorf("%w: dangling parent for blob %d", archiverr.ErrNotFound, cur.ID)
		}
		cur = parents[0]
	}
	hops = append(hops, cur) // root, appended last
	reverse(hops)
	return target, hops, nil
}

func reverse(blobs []*domain.Blob) {
	for i, j := 0, len(blobs)-1; i < j; i, j = i+1, j-1 {
		blobs[i], blobs[j] = blobs[j], blobs[i]
	}
}

// Get reconstructs filename to outPath. If dryRun, it only resolves and
// logs the hop chain without decoding anything.
func (r *Reconstructor) Get(ctx context.Context, filename, outPath string, dryRun bool) error {
	target, hops, err := r.chain(ctx, filename)
	if err != nil {
		r.metrics.GetTotal.WithLabelValues("not_found").Inc()
		return err
	}

	if dryRun {
		for _, h := range hops {
			kind := "root"
			if !h.IsRoot() {
				kind = "delta"
			}
			r.logger.Info().Int64("blob_id", h.ID).Str("kind", kind).Str("content_hash", h.ContentHash).Msg("get: dry-run hop")
		}
		return nil
	}

	if r.cache != nil {
		if data, ok := r.cache.Get(ctx, target.ContentHash); ok {
			r.metrics.CacheHitsTotal.Inc()
			r.metrics.GetTotal.WithLabelValues("cache_hit").Inc()
			return os.WriteFile(outPath, data, 0o644)
		}
		r.metrics.CacheMissesTotal.Inc()
	}

	finalTemp, err := r.decodeChain(ctx, hops)
	if err != nil {
		r.metrics.GetTotal.WithLabelValues("error").Inc()
		return err
	}

	finalPath := finalTemp.Path()
	if err := os.Rename(finalPath, outPath); err != nil {
		_ = finalTemp.Discard()
		return fmt.Errorf("publish reconstructed output: %w", err)
	}
	_ = finalTemp.Discard() // path already moved away; releases the handle's bookkeeping only

	if r.cache != nil {
		if data, readErr := os.ReadFile(outPath); readErr == nil {
			r.cache.Put(ctx, target.ContentHash, data)
		}
	}

	r.metrics.GetTotal.WithLabelValues("ok").Inc()
	r.logger.Info().Str("filename", filename).Int("hops", len(hops)).Msg("get: reconstructed")
	return nil
}

// decodeChain decodes every delta in hops against its predecessor,
// starting from the root's object, and returns the TempFile holding the
// final reconstructed bytes. The caller owns the returned TempFile and
// must rename its Path() into place; Discard afterward is then a safe,
// idempotent no-op since the path has already moved away.
func (r *Reconstructor) decodeChain(ctx context.Context, hops []*domain.Blob) (*filesystem.TempFile, error) {
	root := hops[0]
	srcHandle, err := r.store.Open(ctx, root.StoreHash)
	if err != nil {
		return nil, fmt.Errorf("%w: open root object: %v", archiverr.ErrDehydrated, err)
	}
	curFile, ok := srcHandle.(*os.File)
	if !ok {
		srcHandle.Close()
		return nil, fmt.Errorf("root object handle is not seekable")
	}
	var prevTemp *filesystem.TempFile // the temp whose File() backs curFile, if any

	for _, h := range hops[1:] {
		temp, err := r.store.CreateTemp()
		if err != nil {
			curFile.Close()
			return nil, fmt.Errorf("create reconstruction temp: %w", err)
		}

		patchHandle, err := r.store.Open(ctx, h.StoreHash)
		if err != nil {
			curFile.Close()
			_ = temp.Discard()
			return nil, fmt.Errorf("%w: open delta object %d: %v", archiverr.ErrIntegrity, h.ID, err)
		}

		_, dstMeta, err := r.engine.Decode(ctx, curFile, patchHandle, temp.File())
		patchHandle.Close()
		curFile.Close()
		if prevTemp != nil {
			_ = prevTemp.Discard()
		}
		if err != nil {
			_ = temp.Discard()
			return nil, fmt.Errorf("decode blob %d: %w", h.ID, err)
		}

		if dstMeta.Hash != h.ContentHash || dstMeta.Size != h.ContentSize {
			_ = temp.Discard()
			return nil, fmt.Errorf("%w: blob %d expected %s/%d, got %s/%d",
				archiverr.ErrIntegrity, h.ID, h.ContentHash, h.ContentSize, dstMeta.Hash, dstMeta.Size)
		}

		if _, err := temp.File().Seek(0, io.SeekStart); err != nil {
			_ = temp.Discard()
			return nil, fmt.Errorf("rewind reconstructed blob %d: %w", h.ID, err)
		}
		curFile = temp.File()
		prevTemp = temp
	}

	if prevTemp == nil {
		// Single-root request: copy the root object out to a fresh temp
		// file so the caller can rename it without disturbing the store.
		temp, err := r.store.CreateTemp()
		if err != nil {
			curFile.Close()
			return nil, fmt.Errorf("create root copy temp: %w", err)
		}
		if _, err := curFile.Seek(0, io.SeekStart); err != nil {
			curFile.Close()
			_ = temp.Discard()
			return nil, fmt.Errorf("seek root object: %w", err)
		}
		if _, err := io.Copy(temp.File(), curFile); err != nil {
			curFile.Close()
			_ = temp.Discard()
			return nil, fmt.Errorf("copy root object: %w", err)
		}
		curFile.Close()
		return temp, nil
	}

	curFile.Close()
	return prevTemp, nil
}
