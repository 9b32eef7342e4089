// Package evict implements the root-eviction policy: an age/size-
// weighted score that bounds how many full root blobs the archive
// keeps on disk, run as cleanup at the end of every push.
package evict

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/prn-tf/deltavault/internal/domain"
	"github.com/prn-tf/deltavault/internal/index"
	"github.com/prn-tf/deltavault/internal/metrics"
	"github.com/prn-tf/deltavault/internal/storage/filesystem"
)

// MaxAge bounds the age term of the eviction score.
const MaxAge = 100

// Evictor prunes root blobs down to a configured ceiling.
type Evictor struct {
	idx      index.Index
	store    *filesystem.Store
	maxRoots int
	maxAge   int64
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// New builds an Evictor that keeps at most maxRoots roots (beyond
// genesis and the latest-inserted root), scoring the rest with age
// capped at maxAge.
func New(idx index.Index, store *filesystem.Store, maxRoots int, maxAge int64, m *metrics.Metrics, logger zerolog.Logger) *Evictor {
	if maxAge <= 0 {
		maxAge = MaxAge
	}
	return &Evictor{idx: idx, store: store, maxRoots: maxRoots, maxAge: maxAge, metrics: m, logger: logger}
}

type scoredRoot struct {
	root  *domain.Blob
	score float64
}

// Cleanup scores every root blob and evicts the lowest-scoring ones
// beyond the kept ceiling. Genesis and the highest-id root are never
// evicted.
func (e *Evictor) Cleanup(ctx context.Context) error {
	roots, err := e.idx.Roots(ctx)
	if err != nil {
		return fmt.Errorf("list roots: %w", err)
	}
	if len(roots) <= e.maxRoots {
		return e.reportGraphSize(ctx)
	}

	all, err := e.idx.All(ctx)
	if err != nil {
		return fmt.Errorf("list all blobs: %w", err)
	}
	maxID, err := e.idx.MaxID(ctx)
	if err != nil {
		return fmt.Errorf("max id: %w", err)
	}

	genesis := roots[0]
	for _, r := range roots {
		if r.ID < genesis.ID {
			genesis = r
		}
	}
	latest := roots[0]
	for _, r := range roots {
		if r.ID > latest.ID {
			latest = r
		}
	}

	scored := make([]scoredRoot, 0, len(roots))
	for _, r := range roots {
		scored = append(scored, scoredRoot{root: r, score: e.score(r, all, maxID)})
	}

	kept := map[int64]bool{genesis.ID: true, latest.ID: true}
	budget := e.maxRoots

	for len(kept) < len(roots) && budget > 0 {
		best := -1
		for i, s := range scored {
			if kept[s.root.ID] {
				continue
			}
			if best == -1 || s.score > scored[best].score ||
				(s.score == scored[best].score && s.root.ID > scored[best].root.ID) {
				best = i
			}
		}
		if best == -1 {
			break
		}
		kept[scored[best].root.ID] = true
		budget--
	}

	for _, s := range scored {
		if kept[s.root.ID] {
			continue
		}
		if err := e.idx.Remove(ctx, s.root); err != nil {
			return fmt.Errorf("evict root %d: %w", s.root.ID, err)
		}
		if err := e.store.Remove(ctx, s.root.StoreHash); err != nil {
			return fmt.Errorf("remove evicted object %d: %w", s.root.ID, err)
		}
		e.metrics.EvictionsTotal.Inc()
		e.logger.Info().Int64("root_id", s.root.ID).Float64("score", s.score).Msg("evict: root removed")
	}

	return e.reportGraphSize(ctx)
}

// score computes the eviction value of root per the documented formula:
// a root with no alias delta gets a fixed score of 2^62, above any
// alias-weighted score, so it is kept ahead of every root that has an
// alias; otherwise its value scales with the size of the alias it
// would force back to full and how recently it was used.
func (e *Evictor) score(root *domain.Blob, all []*domain.Blob, maxID int64) float64 {
	var alias *domain.Blob
	var newestChildID int64 = root.ID

	for _, b := range all {
		if b.ContentHash == root.ContentHash && b.StoreHash != root.StoreHash {
			if alias == nil || b.StoreSize > alias.StoreSize {
				alias = b
			}
		}
		if b.ParentHash != nil && *b.ParentHash == root.ContentHash && b.ID > newestChildID {
			newestChildID = b.ID
		}
	}

	if alias == nil {
		return float64(int64(1) << 62)
	}

	age := maxID - newestChildID
	if age > e.maxAge {
		age = e.maxAge
	}
	if age < 0 {
		age = 0
	}

	return float64(alias.StoreSize) * float64(e.maxAge-age) / float64(e.maxAge)
}

func (e *Evictor) reportGraphSize(ctx context.Context) error {
	roots, err := e.idx.Roots(ctx)
	if err != nil {
		return fmt.Errorf("list roots: %w", err)
	}
	all, err := e.idx.All(ctx)
	if err != nil {
		return fmt.Errorf("list all blobs: %w", err)
	}
	e.metrics.RootsTotal.Set(float64(len(roots)))
	e.metrics.BlobsTotal.Set(float64(len(all)))
	return nil
}
