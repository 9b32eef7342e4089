// Package hydrate implements the dehydrate/hydrate/archive lifecycle
// for shipping the archive as a distributable tar: non-genesis roots
// can have their object files stripped out (dehydrated) and later
// rebuilt on demand from the delta chain (hydrated).
package hydrate

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/prn-tf/deltavault/internal/domain"
	"github.com/prn-tf/deltavault/internal/index"
	"github.com/prn-tf/deltavault/internal/storage/filesystem"
)

// Reconstructor is the minimal surface hydrate needs from the get path.
type Reconstructor interface {
	Get(ctx context.Context, filename, outPath string, dryRun bool) error
}

// Lifecycle manages dehydrate/hydrate/archive.
type Lifecycle struct {
	idx    index.Index
	store  *filesystem.Store
	recon  Reconstructor
	dbPath string
	logger zerolog.Logger
}

// New builds a Lifecycle. dbPath is the metadata index file included in
// archives.
func New(idx index.Index, store *filesystem.Store, recon Reconstructor, dbPath string, logger zerolog.Logger) *Lifecycle {
	return &Lifecycle{idx: idx, store: store, recon: recon, dbPath: dbPath, logger: logger}
}

func (l *Lifecycle) genesis(ctx context.Context) (*domain.Blob, error) {
	roots, err := l.idx.Roots(ctx)
	if err != nil {
		return nil, fmt.Errorf("list roots: %w", err)
	}
	if len(roots) == 0 {
		return nil, nil
	}
	g := roots[0]
	for _, r := range roots {
		if r.ID < g.ID {
			g = r
		}
	}
	return g, nil
}

// Dehydrate removes the object file of every non-genesis root. Metadata
// rows are untouched; safe to call repeatedly.
func (l *Lifecycle) Dehydrate(ctx context.Context) error {
	roots, err := l.idx.Roots(ctx)
	if err != nil {
		return fmt.Errorf("list roots: %w", err)
	}
	genesis, err := l.genesis(ctx)
	if err != nil {
		return err
	}

	for _, r := range roots {
		if genesis != nil && r.ID == genesis.ID {
			continue
		}
		if err := l.store.Remove(ctx, r.StoreHash); err != nil {
			return fmt.Errorf("dehydrate root %d: %w", r.ID, err)
		}
		l.logger.Info().Int64("root_id", r.ID).Msg("dehydrate: object removed")
	}
	return nil
}

// Hydrate reconstructs every dehydrated root's object file by running
// Get against its filename and re-publishing the result under the
// root's own store hash. Idempotent.
func (l *Lifecycle) Hydrate(ctx context.Context) error {
	roots, err := l.idx.Roots(ctx)
	if err != nil {
		return fmt.Errorf("list roots: %w", err)
	}

	for _, r := range roots {
		exists, err := l.store.Exists(ctx, r.StoreHash)
		if err != nil {
			return fmt.Errorf("check root %d: %w", r.ID, err)
		}
		if exists {
			continue
		}

		tmp, err := os.CreateTemp("", "hydrate-*")
		if err != nil {
			return fmt.Errorf("create hydrate scratch file: %w", err)
		}
		scratchPath := tmp.Name()
		tmp.Close()
		os.Remove(scratchPath)

		if err := l.recon.Get(ctx, r.Filename, scratchPath, false); err != nil {
			return fmt.Errorf("hydrate root %d: %w", r.ID, err)
		}

		if err := l.publish(scratchPath, r.StoreHash); err != nil {
			return fmt.Errorf("publish hydrated root %d: %w", r.ID, err)
		}
		l.logger.Info().Int64("root_id", r.ID).Msg("hydrate: object restored")
	}
	return nil
}

func (l *Lifecycle) publish(scratchPath, storeHash string) error {
	src, err := os.Open(scratchPath)
	if err != nil {
		return fmt.Errorf("open scratch file: %w", err)
	}
	defer os.Remove(scratchPath)
	defer src.Close()

	temp, err := l.store.CreateTemp()
	if err != nil {
		return fmt.Errorf("create store temp: %w", err)
	}
	if _, err := io.Copy(temp.File(), src); err != nil {
		_ = temp.Discard()
		return fmt.Errorf("copy into store temp: %w", err)
	}
	return temp.Commit(storeHash)
}

// Archive writes a tar stream to outPath containing the metadata
// database and the object files of the genesis root plus every
// non-root blob.
func (l *Lifecycle) Archive(ctx context.Context, outPath string) error {
	all, err := l.idx.All(ctx)
	if err != nil {
		return fmt.Errorf("list blobs: %w", err)
	}
	genesis, err := l.genesis(ctx)
	if err != nil {
		return err
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	defer out.Close()

	tw := tar.NewWriter(out)
	defer tw.Close()

	if err := addFileEntry(tw, l.dbPath, "meta.db"); err != nil {
		return fmt.Errorf("add metadata db: %w", err)
	}

	for _, b := range all {
		if genesis != nil && b.ID == genesis.ID {
			if err := l.addObjectEntry(tw, b); err != nil {
				return err
			}
			continue
		}
		if b.IsRoot() {
			continue // dehydrated root, no object file to ship
		}
		if err := l.addObjectEntry(tw, b); err != nil {
			return err
		}
	}

	l.logger.Info().Str("path", outPath).Int("blobs", len(all)).Msg("archive: written")
	return nil
}

func (l *Lifecycle) addObjectEntry(tw *tar.Writer, b *domain.Blob) error {
	path := l.store.Path(b.StoreHash)
	name := "objects/" + b.StoreHash[:2] + "/" + b.StoreHash[2:]
	return addFileEntry(tw, path, name)
}

func addFileEntry(tw *tar.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	hdr := &tar.Header{
		Name:    name,
		Size:    info.Size(),
		Mode:    0o644,
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header for %s: %w", name, err)
	}
	_, err = io.Copy(tw, f)
	return err
}
