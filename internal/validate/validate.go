// Package validate implements the integrity walk: starting from the
// genesis root, recursively decode every non-root blob and compare the
// result's digest and length to the recorded metadata.
package validate

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/prn-tf/deltavault/internal/archiverr"
	"github.com/prn-tf/deltavault/internal/delta"
	"github.com/prn-tf/deltavault/internal/domain"
	"github.com/prn-tf/deltavault/internal/index"
	"github.com/prn-tf/deltavault/internal/metrics"
	"github.com/prn-tf/deltavault/internal/storage/filesystem"
)

// Validator walks the blob graph checking every stored delta against
// its recorded digest.
type Validator struct {
	idx     index.Index
	store   *filesystem.Store
	engine  delta.Engine
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New builds a Validator.
func New(idx index.Index, store *filesystem.Store, engine delta.Engine, m *metrics.Metrics, logger zerolog.Logger) *Validator {
	return &Validator{idx: idx, store: store, engine: engine, metrics: m, logger: logger}
}

// Failure describes one blob that failed integrity verification.
type Failure struct {
	BlobID int64
	Reason string
}

// Validate walks the entire graph from the genesis root and returns
// every integrity failure found. A nil/empty result means the archive
// is fully consistent.
func (v *Validator) Validate(ctx context.Context) ([]Failure, error) {
	all, err := v.idx.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	if len(all) == 0 {
		return nil, nil
	}

	byParent := make(map[string][]*domain.Blob)
	for _, b := range all {
		if b.ParentHash != nil {
			byParent[*b.ParentHash] = append(byParent[*b.ParentHash], b)
		}
	}

	var genesis *domain.Blob
	for _, b := range all {
		if b.IsRoot() && (genesis == nil || b.ID < genesis.ID) {
			genesis = b
		}
	}
	if genesis == nil {
		return nil, fmt.Errorf("no root blob found")
	}

	srcHandle, err := v.store.Open(ctx, genesis.StoreHash)
	if err != nil {
		return nil, fmt.Errorf("%w: open genesis object: %v", archiverr.ErrDehydrated, err)
	}
	srcFile, ok := srcHandle.(*os.File)
	if !ok {
		srcHandle.Close()
		return nil, fmt.Errorf("genesis object handle is not seekable")
	}
	defer srcFile.Close()

	var failures []Failure
	var fc failureCollector
	fc.add(&failures)

	if err := v.walk(ctx, genesis, srcFile, byParent, &fc); err != nil {
		return nil, err
	}

	for range failures {
		v.metrics.ValidateFailures.Inc()
	}
	return failures, nil
}

// CheckConsistency runs the cheap structural checks debug-blobs
// performs instead of Validate's full decode-and-verify walk: it
// reconciles the object store's actual files against the recorded
// blob rows (missing objects, unexpected orphan files, size
// mismatches) and confirms every delta blob is reachable from some
// root by walking parent pointers, without decoding a single byte.
func (v *Validator) CheckConsistency(ctx context.Context) ([]Failure, error) {
	all, err := v.idx.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}

	failures, err := v.reconcileObjects(all)
	if err != nil {
		return nil, err
	}
	failures = append(failures, reachability(all)...)

	for range failures {
		v.metrics.ValidateFailures.Inc()
	}
	return failures, nil
}

// reconcileObjects walks the store's object directory and compares
// what is actually on disk against what the index records. A root
// blob missing its object file is not reported: dehydrating non-
// genesis roots is the archive's own deliberate lifecycle operation,
// not corruption.
func (v *Validator) reconcileObjects(all []*domain.Blob) ([]Failure, error) {
	root := v.store.ObjectsDir()
	onDisk := make(map[string]int64)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("relativize object path %s: %w", path, err)
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat object %s: %w", path, err)
		}
		hash := strings.ReplaceAll(rel, string(filepath.Separator), "")
		onDisk[hash] = info.Size()
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("walk object store: %w", err)
	}

	var failures []Failure
	for _, b := range all {
		size, ok := onDisk[b.StoreHash]
		if !ok {
			if b.IsRoot() {
				continue
			}
			failures = append(failures, Failure{BlobID: b.ID, Reason: fmt.Sprintf("object missing on disk: %s", b.StoreHash)})
			continue
		}
		delete(onDisk, b.StoreHash)
		if size != b.StoreSize {
			failures = append(failures, Failure{BlobID: b.ID, Reason: fmt.Sprintf("object size mismatch: recorded=%d actual=%d", b.StoreSize, size)})
		}
	}

	for hash := range onDisk {
		failures = append(failures, Failure{BlobID: 0, Reason: fmt.Sprintf("unexpected object on disk: %s", hash)})
	}
	return failures, nil
}

// reachability flags every delta blob that cannot be reached by
// following parent pointers down from some root, the mark-and-sweep
// debug-blobs runs over the whole graph (generalized here to every
// root rather than a single genesis, since this archive keeps
// multiple independent root chains rather than one).
func reachability(all []*domain.Blob) []Failure {
	byParent := make(map[string][]*domain.Blob)
	for _, b := range all {
		if b.ParentHash != nil {
			byParent[*b.ParentHash] = append(byParent[*b.ParentHash], b)
		}
	}

	reached := make(map[int64]bool, len(all))
	var markReached func(b *domain.Blob)
	markReached = func(b *domain.Blob) {
		if reached[b.ID] {
			return
		}
		reached[b.ID] = true
		for _, child := range byParent[b.ContentHash] {
			markReached(child)
		}
	}
	for _, b := range all {
		if b.IsRoot() {
			markReached(b)
		}
	}

	var failures []Failure
	for _, b := range all {
		if !b.IsRoot() && !reached[b.ID] {
			failures = append(failures, Failure{BlobID: b.ID, Reason: "blob not reachable from any root"})
		}
	}
	return failures
}

// failureCollector serializes appends to the shared failure slice
// across parallel subtree goroutines.
type failureCollector struct {
	mu sync.Mutex
	p  *[]Failure
}

func (c *failureCollector) add(p *[]Failure) { c.p = p }

func (c *failureCollector) append(f Failure) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*c.p = append(*c.p, f)
}

// walk decodes every child of parent (reachable via content_hash ==
// parent.ContentHash), verifies it, and recurses. Children are visited
// in ascending descendant-count order so the largest subtree's source
// file can be reused in place rather than recopied; that largest
// subtree runs last and consumes srcFile directly, while every other
// sibling gets its own duplicated source handle.
func (v *Validator) walk(ctx context.Context, parent *domain.Blob, srcFile *os.File, byParent map[string][]*domain.Blob, fc *failureCollector) error {
	children := byParent[parent.ContentHash]
	if len(children) == 0 {
		return nil
	}

	sort.Slice(children, func(i, j int) bool {
		return countDescendants(children[i], byParent) < countDescendants(children[j], byParent)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, runtime.GOMAXPROCS(0)))

	for idx, child := range children {
		child := child
		last := idx == len(children)-1

		childSrc := srcFile
		if !last {
			dup, err := reopenAt(srcFile)
			if err != nil {
				return fmt.Errorf("duplicate source handle for blob %d: %w", child.ID, err)
			}
			childSrc = dup
		}

		g.Go(func() error {
			if !last {
				defer childSrc.Close()
			}
			return v.decodeAndRecurse(gctx, child, childSrc, byParent, fc, last)
		})
	}

	return g.Wait()
}

// decodeAndRecurse decodes child against src, records a failure (never
// a hard error, so sibling subtrees keep validating) on mismatch, and
// recurses into child's own children. Leaf children decode to
// io.Discard; interior children materialize to a temp file that
// becomes the source for their own children.
func (v *Validator) decodeAndRecurse(ctx context.Context, child *domain.Blob, src *os.File, byParent map[string][]*domain.Blob, fc *failureCollector, ownsSrc bool) error {
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek source for blob %d: %w", child.ID, err)
	}

	patchHandle, err := v.store.Open(ctx, child.StoreHash)
	if err != nil {
		fc.append(Failure{BlobID: child.ID, Reason: fmt.Sprintf("open object: %v", err)})
		return nil
	}
	defer patchHandle.Close()

	hasChildren := len(byParent[child.ContentHash]) > 0

	var dst io.Writer = io.Discard
	var temp *filesystem.TempFile
	if hasChildren {
		temp, err = v.store.CreateTemp()
		if err != nil {
			return fmt.Errorf("create validate temp for blob %d: %w", child.ID, err)
		}
		dst = temp.File()
	}

	_, dstMeta, err := v.engine.Decode(ctx, src, patchHandle, dst)
	if err != nil {
		if temp != nil {
			_ = temp.Discard()
		}
		fc.append(Failure{BlobID: child.ID, Reason: fmt.Sprintf("decode failed: %v", err)})
		return nil
	}

	if dstMeta.Hash != child.ContentHash || dstMeta.Size != child.ContentSize {
		if temp != nil {
			_ = temp.Discard()
		}
		fc.append(Failure{BlobID: child.ID, Reason: fmt.Sprintf("digest mismatch: expected %s/%d got %s/%d", child.ContentHash, child.ContentSize, dstMeta.Hash, dstMeta.Size)})
		return nil
	}

	if temp == nil {
		return nil
	}
	defer temp.Discard()

	if _, err := temp.File().Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind temp for blob %d: %w", child.ID, err)
	}
	return v.walk(ctx, child, temp.File(), byParent, fc)
}

func countDescendants(b *domain.Blob, byParent map[string][]*domain.Blob) int {
	children := byParent[b.ContentHash]
	total := len(children)
	for _, c := range children {
		total += countDescendants(c, byParent)
	}
	return total
}

func reopenAt(f *os.File) (*os.File, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return os.Open(f.Name())
}
