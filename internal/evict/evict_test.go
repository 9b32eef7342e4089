package evict

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/deltavault/internal/domain"
	"github.com/prn-tf/deltavault/internal/index/sqlite"
	"github.com/prn-tf/deltavault/internal/metrics"
	"github.com/prn-tf/deltavault/internal/storage/filesystem"
)

func newFixture(t *testing.T) (*sqlite.Index, *filesystem.Store) {
	t.Helper()
	dir := t.TempDir()
	idx, err := sqlite.Open(sqlite.Config{Path: filepath.Join(dir, "meta.db")})
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	store, err := filesystem.New(dir, zerolog.Nop())
	require.NoError(t, err)
	return idx, store
}

func putObject(t *testing.T, store *filesystem.Store, hash string, size int64) {
	t.Helper()
	temp, err := store.CreateTemp()
	require.NoError(t, err)
	_, err = temp.File().Write(make([]byte, size))
	require.NoError(t, err)
	require.NoError(t, temp.Commit(hash))
}

func TestCleanupKeepsGenesisAndLatest(t *testing.T) {
	ctx := context.Background()
	idx, store := newFixture(t)
	m := metrics.New()
	ev := New(idx, store, 1, MaxAge, m, zerolog.Nop())

	genesis := domain.NewRoot("v1", "genesis-hash", 100)
	putObject(t, store, genesis.StoreHash, 100)
	_, err := idx.Insert(ctx, genesis)
	require.NoError(t, err)

	root2 := domain.NewRoot("v2", "root2-hash", 100)
	putObject(t, store, root2.StoreHash, 100)
	_, err = idx.Insert(ctx, root2)
	require.NoError(t, err)

	root3 := domain.NewRoot("v3", "root3-hash", 100)
	putObject(t, store, root3.StoreHash, 100)
	_, err = idx.Insert(ctx, root3)
	require.NoError(t, err)

	require.NoError(t, ev.Cleanup(ctx))

	roots, err := idx.Roots(ctx)
	require.NoError(t, err)

	// genesis (lowest id) and latest (highest id) must survive; the
	// ceiling of 1 extra root leaves exactly those two plus whatever the
	// scoring keeps, but root2 and root3 both lack aliases so they score
	// +inf along with genesis; none should be evicted below the floor
	// of genesis+latest.
	var ids []int64
	for _, r := range roots {
		ids = append(ids, r.ID)
	}
	require.Contains(t, ids, genesis.ID)
	require.Contains(t, ids, root3.ID)
}

func TestCleanupNoopUnderCeiling(t *testing.T) {
	ctx := context.Background()
	idx, store := newFixture(t)
	m := metrics.New()
	ev := New(idx, store, 5, MaxAge, m, zerolog.Nop())

	root := domain.NewRoot("v1", "only-root", 10)
	putObject(t, store, root.StoreHash, 10)
	_, err := idx.Insert(ctx, root)
	require.NoError(t, err)

	require.NoError(t, ev.Cleanup(ctx))

	roots, err := idx.Roots(ctx)
	require.NoError(t, err)
	require.Len(t, roots, 1)
}

func TestScorePrefersLargerAlias(t *testing.T) {
	ev := &Evictor{maxAge: MaxAge}

	root := &domain.Blob{ID: 1, ContentHash: "root-content"}
	smallAlias := &domain.Blob{ID: 2, ContentHash: "root-content", StoreHash: "alias-small", StoreSize: 100}
	largeAlias := &domain.Blob{ID: 3, ContentHash: "root-content", StoreHash: "alias-large", StoreSize: 10000}

	scoreSmall := ev.score(root, []*domain.Blob{root, smallAlias}, 10)
	scoreLarge := ev.score(root, []*domain.Blob{root, largeAlias}, 10)

	require.Greater(t, scoreLarge, scoreSmall)
}
