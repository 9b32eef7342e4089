// Package filesystem implements the content-addressed object store: a
// two-level sharded directory tree under <prefix>/objects, with atomic
// publish via temp-file-then-rename.
package filesystem

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/deltavault/internal/domain"
	"github.com/prn-tf/deltavault/internal/storage"
)

const shardCount = 256

// shardedLock stripes locking by the first hex character of the store
// hash (16 stripes in use), so concurrent operations on objects whose
// hashes start with different characters never block each other.
type shardedLock struct {
	locks [shardCount]sync.RWMutex
}

func (sl *shardedLock) index(storeHash string) int {
	if len(storeHash) < 2 {
		return 0
	}
	b := storeHash[0]
	switch {
	case b >= '0' && b <= '9':
		return int(b - '0')
	case b >= 'a' && b <= 'f':
		return int(b-'a') + 10
	default:
		return 0
	}
}

func (sl *shardedLock) Lock(storeHash string)    { sl.locks[sl.index(storeHash)].Lock() }
func (sl *shardedLock) Unlock(storeHash string)   { sl.locks[sl.index(storeHash)].Unlock() }
func (sl *shardedLock) RLock(storeHash string)    { sl.locks[sl.index(storeHash)].RLock() }
func (sl *shardedLock) RUnlock(storeHash string)  { sl.locks[sl.index(storeHash)].RUnlock() }

// Store is the filesystem-backed content-addressed object store.
type Store struct {
	root       string
	objectsDir string
	tempDir    string
	logger     zerolog.Logger
	shards     shardedLock
}

// New creates the object store rooted at root, creating the objects/
// and tmp/ subdirectories if they do not exist.
func New(root string, logger zerolog.Logger) (*Store, error) {
	objectsDir := filepath.Join(root, "objects")
	tempDir := filepath.Join(root, "tmp")

	if err := os.MkdirAll(objectsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create objects dir: %w", err)
	}
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	return &Store{
		root:       root,
		objectsDir: objectsDir,
		tempDir:    tempDir,
		logger:     logger,
	}, nil
}

// TempFile is a scoped handle on a temp file under <prefix>/tmp/. The
// caller must call either Commit (to publish it into the object store)
// or Discard (to remove it) exactly once; Discard is safe to call after
// Commit (it is then a no-op) so it can always be deferred.
type TempFile struct {
	store *Store
	file  *os.File
	path  string
	done  bool
}

// CreateTemp opens a new temp file for writing.
func (s *Store) CreateTemp() (*TempFile, error) {
	path := filepath.Join(s.tempDir, uuid.NewString())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return &TempFile{store: s, file: f, path: path}, nil
}

// File returns the underlying *os.File for writing or seeking.
func (t *TempFile) File() *os.File { return t.file }

// Path returns the temp file's current path.
func (t *TempFile) Path() string { return t.path }

// Commit closes the temp file and atomically renames it into the
// object store under storeHash. If an object with that hash already
// exists, the temp file is discarded instead (idempotent insert at the
// storage layer).
func (t *TempFile) Commit(storeHash string) error {
	if t.done {
		return nil
	}
	if err := t.file.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	t.store.shards.Lock(storeHash)
	defer t.store.shards.Unlock(storeHash)

	dst := domain.ObjectPath(t.store.objectsDir, storeHash)
	if _, err := os.Stat(dst); err == nil {
		t.done = true
		return os.Remove(t.path)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create shard dir: %w", err)
	}
	if err := os.Rename(t.path, dst); err != nil {
		return fmt.Errorf("publish object: %w", err)
	}
	t.done = true
	return nil
}

// Discard closes and removes the temp file if it has not been
// committed. Safe to call multiple times and after Commit.
func (t *TempFile) Discard() error {
	if t.done {
		return nil
	}
	t.done = true
	_ = t.file.Close()
	return os.Remove(t.path)
}

// Open returns a reader for the object with the given store hash.
func (s *Store) Open(ctx context.Context, storeHash string) (io.ReadCloser, error) {
	s.shards.RLock(storeHash)
	defer s.shards.RUnlock(storeHash)

	f, err := os.Open(domain.ObjectPath(s.objectsDir, storeHash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrObjectNotFound
		}
		return nil, fmt.Errorf("open object: %w", err)
	}
	return f, nil
}

// Exists reports whether an object with the given store hash is
// present on disk.
func (s *Store) Exists(ctx context.Context, storeHash string) (bool, error) {
	s.shards.RLock(storeHash)
	defer s.shards.RUnlock(storeHash)

	_, err := os.Stat(domain.ObjectPath(s.objectsDir, storeHash))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat object: %w", err)
}

// Remove deletes the object with the given store hash. It is not an
// error if the object is already absent (dehydrated roots).
func (s *Store) Remove(ctx context.Context, storeHash string) error {
	s.shards.Lock(storeHash)
	defer s.shards.Unlock(storeHash)

	err := os.Remove(domain.ObjectPath(s.objectsDir, storeHash))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

// Path returns the on-disk path an object with the given store hash
// would occupy, whether or not it currently exists.
func (s *Store) Path(storeHash string) string {
	return domain.ObjectPath(s.objectsDir, storeHash)
}

// ObjectsDir returns the root of the sharded object tree, used by the
// archive/hydrate lifecycle to enumerate on-disk entries.
func (s *Store) ObjectsDir() string { return s.objectsDir }

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }
