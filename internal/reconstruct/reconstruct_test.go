package reconstruct

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/deltavault/internal/archiverr"
	"github.com/prn-tf/deltavault/internal/canon"
	"github.com/prn-tf/deltavault/internal/delta"
	"github.com/prn-tf/deltavault/internal/evict"
	"github.com/prn-tf/deltavault/internal/hashing"
	"github.com/prn-tf/deltavault/internal/index/sqlite"
	"github.com/prn-tf/deltavault/internal/metrics"
	"github.com/prn-tf/deltavault/internal/push"
	"github.com/prn-tf/deltavault/internal/storage/filesystem"
)

type harness struct {
	store *filesystem.Store
	idx   *sqlite.Index
	push  *push.Controller
	recon *Reconstructor
	dir   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	store, err := filesystem.New(dir, zerolog.Nop())
	require.NoError(t, err)
	idx, err := sqlite.Open(sqlite.Config{Path: filepath.Join(dir, "meta.db")})
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	m := metrics.New()
	canonicalizer := canon.New(store, hashing.DefaultKey)
	engine := delta.NewRollingDiffer(hashing.DefaultKey)
	evictor := evict.New(idx, store, 5, evict.MaxAge, m, zerolog.Nop())
	pushCtl := push.New(canonicalizer, store, idx, engine, evictor, m, zerolog.Nop())
	recon := New(idx, store, engine, nil, m, zerolog.Nop())

	return &harness{store: store, idx: idx, push: pushCtl, recon: recon, dir: dir}
}

func (h *harness) pushVersion(t *testing.T, name string, content []byte) {
	t.Helper()
	path := filepath.Join(h.dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	require.NoError(t, h.push.Push(context.Background(), "app.bin", path, canon.FormatPlain))
}

func TestReconstructLatestOfThreeVersions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	base := make([]byte, 16000)
	for i := range base {
		base[i] = byte(i % 97)
	}
	h.pushVersion(t, "v1.bin", base)

	v2 := append([]byte{}, base...)
	copy(v2[200:210], []byte("AAAAAAAAAA"))
	h.pushVersion(t, "v2.bin", v2)

	v3 := append([]byte{}, v2...)
	v3 = append(v3, []byte("more tail content")...)
	h.pushVersion(t, "v3.bin", v3)

	out := filepath.Join(h.dir, "out.bin")
	require.NoError(t, h.recon.Get(ctx, "app.bin", out, false))

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, v3, got)
}

func TestReconstructUnknownFilename(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	err := h.recon.Get(ctx, "missing.bin", filepath.Join(h.dir, "out.bin"), false)
	require.Error(t, err)
	require.True(t, errors.Is(err, archiverr.ErrNotFound))
}

func TestReconstructDetectsDehydratedRoot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	base := make([]byte, 16000)
	for i := range base {
		base[i] = byte(i % 53)
	}
	h.pushVersion(t, "v1.bin", base)

	v2 := append([]byte{}, base...)
	copy(v2[50:60], []byte("ZZZZZZZZZZ"))
	h.pushVersion(t, "v2.bin", v2)

	roots, err := h.idx.Roots(ctx)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	require.NoError(t, h.store.Remove(ctx, roots[0].StoreHash))

	err = h.recon.Get(ctx, "app.bin", filepath.Join(h.dir, "out.bin"), false)
	require.Error(t, err)
	require.True(t, errors.Is(err, archiverr.ErrDehydrated))
}
