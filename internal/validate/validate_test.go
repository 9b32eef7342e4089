package validate

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/deltavault/internal/canon"
	"github.com/prn-tf/deltavault/internal/delta"
	"github.com/prn-tf/deltavault/internal/domain"
	"github.com/prn-tf/deltavault/internal/evict"
	"github.com/prn-tf/deltavault/internal/hashing"
	"github.com/prn-tf/deltavault/internal/index/sqlite"
	"github.com/prn-tf/deltavault/internal/metrics"
	"github.com/prn-tf/deltavault/internal/push"
	"github.com/prn-tf/deltavault/internal/storage/filesystem"
)

func findDelta(t *testing.T, all []*domain.Blob) *domain.Blob {
	t.Helper()
	for _, b := range all {
		if !b.IsRoot() {
			return b
		}
	}
	t.Fatal("no delta blob found")
	return nil
}

func TestValidateCleanGraph(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := filesystem.New(dir, zerolog.Nop())
	require.NoError(t, err)
	idx, err := sqlite.Open(sqlite.Config{Path: filepath.Join(dir, "meta.db")})
	require.NoError(t, err)
	defer idx.Close()

	m := metrics.New()
	canonicalizer := canon.New(store, hashing.DefaultKey)
	engine := delta.NewRollingDiffer(hashing.DefaultKey)
	evictor := evict.New(idx, store, 5, evict.MaxAge, m, zerolog.Nop())
	pushCtl := push.New(canonicalizer, store, idx, engine, evictor, m, zerolog.Nop())

	base := make([]byte, 12000)
	for i := range base {
		base[i] = byte(i % 200)
	}
	v1 := filepath.Join(dir, "v1.bin")
	require.NoError(t, os.WriteFile(v1, base, 0o644))
	require.NoError(t, pushCtl.Push(ctx, "app.bin", v1, canon.FormatPlain))

	modified := append([]byte{}, base...)
	modified[50] ^= 0xFF
	modified = append(modified, []byte("new tail bytes")...)
	v2 := filepath.Join(dir, "v2.bin")
	require.NoError(t, os.WriteFile(v2, modified, 0o644))
	require.NoError(t, pushCtl.Push(ctx, "app.bin", v2, canon.FormatPlain))

	validator := New(idx, store, engine, m, zerolog.Nop())
	failures, err := validator.Validate(ctx)
	require.NoError(t, err)
	require.Empty(t, failures)
}

func TestCheckConsistencyCleanGraph(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := filesystem.New(dir, zerolog.Nop())
	require.NoError(t, err)
	idx, err := sqlite.Open(sqlite.Config{Path: filepath.Join(dir, "meta.db")})
	require.NoError(t, err)
	defer idx.Close()

	m := metrics.New()
	canonicalizer := canon.New(store, hashing.DefaultKey)
	engine := delta.NewRollingDiffer(hashing.DefaultKey)
	evictor := evict.New(idx, store, 5, evict.MaxAge, m, zerolog.Nop())
	pushCtl := push.New(canonicalizer, store, idx, engine, evictor, m, zerolog.Nop())

	base := make([]byte, 12000)
	for i := range base {
		base[i] = byte(i % 191)
	}
	v1 := filepath.Join(dir, "v1.bin")
	require.NoError(t, os.WriteFile(v1, base, 0o644))
	require.NoError(t, pushCtl.Push(ctx, "app.bin", v1, canon.FormatPlain))

	modified := append([]byte{}, base...)
	modified[77] ^= 0xFF
	modified = append(modified, []byte("more tail bytes")...)
	v2 := filepath.Join(dir, "v2.bin")
	require.NoError(t, os.WriteFile(v2, modified, 0o644))
	require.NoError(t, pushCtl.Push(ctx, "app.bin", v2, canon.FormatPlain))

	validator := New(idx, store, engine, m, zerolog.Nop())
	failures, err := validator.CheckConsistency(ctx)
	require.NoError(t, err)
	require.Empty(t, failures)
}

func TestCheckConsistencyDetectsOrphanAndMissingObjects(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := filesystem.New(dir, zerolog.Nop())
	require.NoError(t, err)
	idx, err := sqlite.Open(sqlite.Config{Path: filepath.Join(dir, "meta.db")})
	require.NoError(t, err)
	defer idx.Close()

	m := metrics.New()
	canonicalizer := canon.New(store, hashing.DefaultKey)
	engine := delta.NewRollingDiffer(hashing.DefaultKey)
	evictor := evict.New(idx, store, 5, evict.MaxAge, m, zerolog.Nop())
	pushCtl := push.New(canonicalizer, store, idx, engine, evictor, m, zerolog.Nop())

	base := make([]byte, 12000)
	for i := range base {
		base[i] = byte(i % 173)
	}
	v1 := filepath.Join(dir, "v1.bin")
	require.NoError(t, os.WriteFile(v1, base, 0o644))
	require.NoError(t, pushCtl.Push(ctx, "app.bin", v1, canon.FormatPlain))

	modified := append([]byte{}, base...)
	modified[30] ^= 0xFF
	modified = append(modified, []byte("trailing bytes here")...)
	v2 := filepath.Join(dir, "v2.bin")
	require.NoError(t, os.WriteFile(v2, modified, 0o644))
	require.NoError(t, pushCtl.Push(ctx, "app.bin", v2, canon.FormatPlain))

	all, err := idx.All(ctx)
	require.NoError(t, err)
	deltaBlob := findDelta(t, all)
	require.NoError(t, store.Remove(ctx, deltaBlob.StoreHash))

	temp, err := store.CreateTemp()
	require.NoError(t, err)
	_, err = temp.File().Write([]byte("orphan bytes"))
	require.NoError(t, err)
	require.NoError(t, temp.Commit(strings.Repeat("0", 63)+"1"))

	validator := New(idx, store, engine, m, zerolog.Nop())
	failures, err := validator.CheckConsistency(ctx)
	require.NoError(t, err)

	var sawMissing, sawOrphan bool
	for _, f := range failures {
		if f.BlobID == deltaBlob.ID {
			sawMissing = true
		}
		if f.BlobID == 0 {
			sawOrphan = true
		}
	}
	require.True(t, sawMissing, "missing delta object should be reported")
	require.True(t, sawOrphan, "orphan object on disk should be reported")
}
