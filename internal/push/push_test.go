package push

import (
	"context"
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
	"github.com/prn-tf/deltavault/internal/reconstruct"
	"github.com/prn-tf/deltavault/internal/storage/filesystem"
)

type fixture struct {
	store *filesystem.Store
	idx   *sqlite.Index
	push  *Controller
	recon *reconstruct.Reconstructor
	dir   string
}

func newFixture(t *testing.T) *fixture {
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
	pushCtl := New(canonicalizer, store, idx, engine, evictor, m, zerolog.Nop())
	recon := reconstruct.New(idx, store, engine, nil, m, zerolog.Nop())

	return &fixture{store: store, idx: idx, push: pushCtl, recon: recon, dir: dir}
}

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestPushGenesisThenGet(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	src := writeFile(t, fx.dir, "v1.bin", []byte("version one content, quite a bit of text to work with here"))
	require.NoError(t, fx.push.Push(ctx, "app.bin", src, canon.FormatPlain))

	out := filepath.Join(fx.dir, "out.bin")
	require.NoError(t, fx.recon.Get(ctx, "app.bin", out, false))

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "version one content, quite a bit of text to work with here", string(got))

	roots, err := fx.idx.Roots(ctx)
	require.NoError(t, err)
	require.Len(t, roots, 1)
}

func TestPushSimilarVersionBecomesDelta(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	base := make([]byte, 20000)
	for i := range base {
		base[i] = byte(i % 251)
	}
	v1 := writeFile(t, fx.dir, "v1.bin", base)
	require.NoError(t, fx.push.Push(ctx, "app.bin", v1, canon.FormatPlain))

	modified := append([]byte{}, base...)
	copy(modified[100:110], []byte("XXXXXXXXXX"))
	modified = append(modified, []byte(" trailing bytes appended")...)
	v2 := writeFile(t, fx.dir, "v2.bin", modified)
	require.NoError(t, fx.push.Push(ctx, "app.bin", v2, canon.FormatPlain))

	all, err := fx.idx.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	var deltas, roots int
	for _, b := range all {
		if b.IsRoot() {
			roots++
		} else {
			deltas++
		}
	}
	require.Equal(t, 1, roots)
	require.Equal(t, 1, deltas, "the second, similar push should win as a delta against the first root")

	out := filepath.Join(fx.dir, "out.bin")
	require.NoError(t, fx.recon.Get(ctx, "app.bin", out, false))
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, modified, got)
}

func TestPushDuplicateIsNoop(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	src := writeFile(t, fx.dir, "v1.bin", []byte("identical content pushed twice"))
	require.NoError(t, fx.push.Push(ctx, "app.bin", src, canon.FormatPlain))
	require.NoError(t, fx.push.Push(ctx, "app.bin", src, canon.FormatPlain))

	all, err := fx.idx.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestGetDryRunDoesNotWriteOutput(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	src := writeFile(t, fx.dir, "v1.bin", []byte("dry run content"))
	require.NoError(t, fx.push.Push(ctx, "app.bin", src, canon.FormatPlain))

	out := filepath.Join(fx.dir, "out.bin")
	require.NoError(t, fx.recon.Get(ctx, "app.bin", out, true))

	_, err := os.Stat(out)
	require.True(t, os.IsNotExist(err))
}
