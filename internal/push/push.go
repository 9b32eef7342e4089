// Package push implements the push controller: canonicalize an
// incoming snapshot, insert it as a full blob, then race a delta trial
// against every existing root and keep whichever representation is
// smallest.
package push

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/rs/zerolog"

	"github.com/prn-tf/deltavault/internal/archiverr"
	"github.com/prn-tf/deltavault/internal/canon"
	"github.com/prn-tf/deltavault/internal/delta"
	"github.com/prn-tf/deltavault/internal/domain"
	"github.com/prn-tf/deltavault/internal/evict"
	"github.com/prn-tf/deltavault/internal/index"
	"github.com/prn-tf/deltavault/internal/metrics"
	"github.com/prn-tf/deltavault/internal/storage/filesystem"
)

// Controller orchestrates a push end to end.
type Controller struct {
	canon   *canon.Canonicalizer
	store   *filesystem.Store
	idx     index.Index
	engine  delta.Engine
	evictor *evict.Evictor
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New builds a push controller from its collaborators.
func New(c *canon.Canonicalizer, store *filesystem.Store, idx index.Index, engine delta.Engine, evictor *evict.Evictor, m *metrics.Metrics, logger zerolog.Logger) *Controller {
	return &Controller{canon: c, store: store, idx: idx, engine: engine, evictor: evictor, metrics: m, logger: logger}
}

type trialResult struct {
	root      *domain.Blob
	temp      *filesystem.TempFile
	storeHash string
	storeSize int64
}

// Push canonicalizes inputPath, records it, and tries to replace the
// full insertion with a smaller delta against an existing root. Returns
// nil (a no-op) if the canonical content is already stored as a root,
// under any filename.
func (c *Controller) Push(ctx context.Context, filename, inputPath string, format canon.Format) error {
	result, err := c.canon.Canonicalize(ctx, inputPath, format)
	if err != nil {
		c.metrics.PushTotal.WithLabelValues("canonicalize_failed").Inc()
		return fmt.Errorf("canonicalize: %w", err)
	}

	full := domain.NewRoot(filename, result.Meta.Hash, result.Meta.Size)

	if err := result.Temp.Commit(full.StoreHash); err != nil {
		return fmt.Errorf("commit full object: %w", err)
	}

	inserted, err := c.idx.Insert(ctx, full)
	if err != nil {
		return fmt.Errorf("insert full blob: %w", err)
	}
	if !inserted {
		c.metrics.PushTotal.WithLabelValues("duplicate").Inc()
		c.logger.Info().Str("filename", filename).Str("content_hash", full.ContentHash).Msg("push: content already present")
		return nil
	}
	c.logger.Debug().Str("filename", filename).Str("store_hash", full.StoreHash).Msg("push: full blob inserted")

	roots, err := c.idx.Roots(ctx)
	if err != nil {
		return fmt.Errorf("list roots: %w", err)
	}
	// The just-inserted full blob is itself a root; trial against every
	// other one.
	var candidates []*domain.Blob
	for _, r := range roots {
		if r.StoreHash != full.StoreHash {
			candidates = append(candidates, r)
		}
	}

	if len(candidates) == 0 {
		c.metrics.PushTotal.WithLabelValues("genesis").Inc()
		c.logger.Info().Str("filename", filename).Msg("push: genesis root")
		return c.evictor.Cleanup(ctx)
	}

	winner, err := c.raceTrials(ctx, candidates, inputPath, format)
	if err != nil {
		return fmt.Errorf("run delta trials: %w", err)
	}
	if winner != nil && winner.storeSize >= full.StoreSize {
		_ = winner.temp.Discard()
		winner = nil
	}

	if winner == nil {
		c.metrics.PushTotal.WithLabelValues("fallback_full").Inc()
		c.metrics.PushDeltaSize.Observe(float64(full.StoreSize))
		c.logger.Warn().Str("filename", filename).Msg("push: no delta trial beat the full blob, keeping full root")
		return c.evictor.Cleanup(ctx)
	}

	deltaBlob := domain.NewDelta(filename, full.ContentHash, full.ContentSize, winner.storeHash, winner.storeSize, winner.root.ContentHash)
	if err := winner.temp.Commit(deltaBlob.StoreHash); err != nil {
		return fmt.Errorf("commit winning delta object: %w", err)
	}
	if _, err := c.idx.Insert(ctx, deltaBlob); err != nil {
		return fmt.Errorf("insert winning delta: %w", err)
	}
	if err := c.idx.Remove(ctx, full); err != nil {
		return fmt.Errorf("demote full blob: %w", err)
	}
	if err := c.store.Remove(ctx, full.StoreHash); err != nil {
		return fmt.Errorf("remove demoted full object: %w", err)
	}

	c.metrics.PushTotal.WithLabelValues("delta").Inc()
	c.metrics.PushDeltaSize.Observe(float64(deltaBlob.StoreSize))
	c.logger.Info().
		Str("filename", filename).
		Str("parent_content_hash", winner.root.ContentHash).
		Int64("store_size", deltaBlob.StoreSize).
		Int64("full_size", full.StoreSize).
		Msg("push: delta trial won")

	return c.evictor.Cleanup(ctx)
}

// raceTrials runs one delta trial per candidate root, bounded by a
// worker pool sized to GOMAXPROCS, racing all trials against a shared
// best-size budget. It returns the smallest-surviving trial's temp
// file (uncommitted) or nil if every trial raced out or failed.
func (c *Controller) raceTrials(ctx context.Context, roots []*domain.Blob, inputPath string, format canon.Format) (*trialResult, error) {
	budget := delta.NewRaceBudget()
	results := make([]*trialResult, len(roots))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, runtime.GOMAXPROCS(0)))

	for i, root := range roots {
		i, root := i, root
		g.Go(func() error {
			res, err := c.runTrial(gctx, root, inputPath, format, budget)
			if err != nil {
				c.metrics.TrialsTotal.WithLabelValues(trialOutcome(err)).Inc()
				c.logger.Debug().Err(err).Int64("root_id", root.ID).Msg("push: delta trial did not win")
				return nil
			}
			c.metrics.TrialsTotal.WithLabelValues("won").Inc()
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var winner *trialResult
	for _, r := range results {
		if r == nil {
			continue
		}
		if winner == nil ||
			r.storeSize < winner.storeSize ||
			(r.storeSize == winner.storeSize && r.root.ID < winner.root.ID) {
			if winner != nil && winner != r {
				_ = winner.temp.Discard()
			}
			winner = r
		} else {
			_ = r.temp.Discard()
		}
	}
	return winner, nil
}

func trialOutcome(err error) string {
	if errors.Is(err, archiverr.ErrRacedOut) {
		return "raced_out"
	}
	return "failed"
}

func (c *Controller) runTrial(ctx context.Context, root *domain.Blob, inputPath string, format canon.Format, budget *delta.RaceBudget) (*trialResult, error) {
	canonResult, err := c.canon.Canonicalize(ctx, inputPath, format)
	if err != nil {
		return nil, fmt.Errorf("canonicalize for trial: %w", err)
	}

	srcFile, err := c.store.Open(ctx, root.StoreHash)
	if err != nil {
		_ = canonResult.Temp.Discard()
		return nil, fmt.Errorf("open source root: %w", err)
	}
	defer srcFile.Close()

	srcSeeker, ok := srcFile.(io.ReadSeeker)
	if !ok {
		_ = canonResult.Temp.Discard()
		return nil, fmt.Errorf("source object does not support seeking")
	}

	inputFile := canonResult.Temp.File()
	if _, err := inputFile.Seek(0, io.SeekStart); err != nil {
		_ = canonResult.Temp.Discard()
		return nil, fmt.Errorf("rewind canonical input: %w", err)
	}

	deltaTemp, err := c.store.CreateTemp()
	if err != nil {
		_ = canonResult.Temp.Discard()
		return nil, fmt.Errorf("create delta temp: %w", err)
	}

	bw := delta.NewBudgetWriter(deltaTemp.File(), budget)
	_, dstMeta, err := c.engine.Encode(ctx, srcSeeker, inputFile, bw)
	_ = canonResult.Temp.Discard()
	if err != nil {
		_ = deltaTemp.Discard()
		return nil, err
	}
	bw.Finish()

	return &trialResult{root: root, temp: deltaTemp, storeHash: dstMeta.Hash, storeSize: dstMeta.Size}, nil
}
