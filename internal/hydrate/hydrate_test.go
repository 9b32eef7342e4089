package hydrate

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/deltavault/internal/canon"
	"github.com/prn-tf/deltavault/internal/delta"
	"github.com/prn-tf/deltavault/internal/evict"
	"github.com/prn-tf/deltavault/internal/hashing"
	"github.com/prn-tf/deltavault/internal/index/sqlite"
	"github.com/prn-tf/deltavault/internal/metrics"
	"github.com/prn-tf/deltavault/internal/push"
	"github.com/prn-tf/deltavault/internal/reconstruct"
	"github.com/prn-tf/deltavault/internal/storage/filesystem"
)

type harness struct {
	store  *filesystem.Store
	idx    *sqlite.Index
	push   *push.Controller
	life   *Lifecycle
	dir    string
	dbPath string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "meta.db")

	store, err := filesystem.New(dir, zerolog.Nop())
	require.NoError(t, err)
	idx, err := sqlite.Open(sqlite.Config{Path: dbPath})
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	m := metrics.New()
	canonicalizer := canon.New(store, hashing.DefaultKey)
	engine := delta.NewRollingDiffer(hashing.DefaultKey)
	evictor := evict.New(idx, store, 5, evict.MaxAge, m, zerolog.Nop())
	pushCtl := push.New(canonicalizer, store, idx, engine, evictor, m, zerolog.Nop())
	recon := reconstruct.New(idx, store, engine, nil, m, zerolog.Nop())
	life := New(idx, store, recon, dbPath, zerolog.Nop())

	return &harness{store: store, idx: idx, push: pushCtl, life: life, dir: dir, dbPath: dbPath}
}

func (h *harness) pushVersion(t *testing.T, name string, content []byte) {
	t.Helper()
	path := filepath.Join(h.dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	require.NoError(t, h.push.Push(context.Background(), "app.bin", path, canon.FormatPlain))
}

func TestDehydrateRemovesNonGenesisRootObjectsOnly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	base := make([]byte, 16000)
	for i := range base {
		base[i] = byte(i % 89)
	}
	h.pushVersion(t, "v1.bin", base)

	unrelated := bytes(20000, 7)
	path := filepath.Join(h.dir, "other.bin")
	require.NoError(t, os.WriteFile(path, unrelated, 0o644))
	require.NoError(t, h.push.Push(ctx, "other.bin", path, canon.FormatPlain))

	roots, err := h.idx.Roots(ctx)
	require.NoError(t, err)
	require.Len(t, roots, 2)

	require.NoError(t, h.life.Dehydrate(ctx))

	var genesisID int64 = roots[0].ID
	for _, r := range roots {
		if r.ID < genesisID {
			genesisID = r.ID
		}
	}
	for _, r := range roots {
		exists, err := h.store.Exists(ctx, r.StoreHash)
		require.NoError(t, err)
		if r.ID == genesisID {
			require.True(t, exists, "genesis object must survive dehydrate")
		} else {
			require.False(t, exists, "non-genesis root object should be removed")
		}
	}
}

func TestHydrateRebuildsDehydratedRoots(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	base := make([]byte, 16000)
	for i := range base {
		base[i] = byte(i % 61)
	}
	h.pushVersion(t, "v1.bin", base)

	unrelated := bytes(20000, 3)
	path := filepath.Join(h.dir, "other.bin")
	require.NoError(t, os.WriteFile(path, unrelated, 0o644))
	require.NoError(t, h.push.Push(ctx, "other.bin", path, canon.FormatPlain))

	require.NoError(t, h.life.Dehydrate(ctx))
	require.NoError(t, h.life.Hydrate(ctx))

	roots, err := h.idx.Roots(ctx)
	require.NoError(t, err)
	for _, r := range roots {
		exists, err := h.store.Exists(ctx, r.StoreHash)
		require.NoError(t, err)
		require.True(t, exists, "root %d object should be restored after hydrate", r.ID)
	}
}

func TestArchiveProducesReadableTar(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.pushVersion(t, "v1.bin", bytes(5000, 11))

	outPath := filepath.Join(h.dir, "out.tar")
	require.NoError(t, h.life.Archive(ctx, outPath))

	f, err := os.Open(outPath)
	require.NoError(t, err)
	defer f.Close()

	tr := tar.NewReader(f)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	require.Contains(t, names, "meta.db")
	require.Len(t, names, 2, "meta.db plus the single genesis object")
}

func bytes(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i) + seed
	}
	return b
}
