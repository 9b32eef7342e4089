// Package canon converts an incoming package snapshot (zip/apk/aab,
// gzip, xz, zstd, or plain bytes) into the stable canonical byte stream
// that the rest of the archive fingerprints and diffs: a ustar tar
// stream in zip entry order for zip-family inputs, or the decompressed
// byte stream for single-stream compressors.
package canon

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/prn-tf/deltavault/internal/archiverr"
	"github.com/prn-tf/deltavault/internal/hashing"
	"github.com/prn-tf/deltavault/internal/storage/filesystem"
)

// Format identifies how an input should be interpreted.
type Format string

const (
	FormatZip   Format = "zip"
	FormatGzip  Format = "gzip"
	FormatXz    Format = "xz"
	FormatZstd  Format = "zstd"
	FormatPlain Format = "plain"
)

// DetectFormat picks a Format from an explicit hint, falling back to
// the input path's extension. An unrecognized or ambiguous extension is
// a fatal ErrFormat — the archive never guesses silently.
func DetectFormat(path string, hint Format) (Format, error) {
	if hint != "" {
		return hint, nil
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".zip", ".apk", ".aab":
		return FormatZip, nil
	case ".gz", ".tgz":
		return FormatGzip, nil
	case ".xz":
		return FormatXz, nil
	case ".zst":
		return FormatZstd, nil
	case "":
		return "", fmt.Errorf("%w: %s has no extension and no format hint was given", archiverr.ErrFormat, path)
	default:
		return "", fmt.Errorf("%w: unrecognized extension %q for %s", archiverr.ErrFormat, ext, path)
	}
}

// Canonicalizer produces canonical byte streams and their content
// fingerprints.
type Canonicalizer struct {
	store  *filesystem.Store
	hashKey [hashing.KeySize]byte
}

// New creates a Canonicalizer that stages output through store's temp
// directory and fingerprints with hashKey.
func New(store *filesystem.Store, hashKey [hashing.KeySize]byte) *Canonicalizer {
	return &Canonicalizer{store: store, hashKey: hashKey}
}

// Result is the outcome of canonicalizing one input: a scoped temp file
// holding the canonical bytes, plus their size and content hash.
type Result struct {
	Temp *filesystem.TempFile
	Meta hashing.Meta
}

// Canonicalize reads inputPath, dispatches on format, and writes the
// canonical byte stream to a temp file. The caller owns the returned
// Temp handle and must Commit or Discard it.
func (c *Canonicalizer) Canonicalize(ctx context.Context, inputPath string, format Format) (*Result, error) {
	src, err := os.Open(inputPath)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer src.Close()

	temp, err := c.store.CreateTemp()
	if err != nil {
		return nil, fmt.Errorf("create temp: %w", err)
	}

	hw := hashing.NewCountingWriter(temp.File(), c.hashKey)

	switch format {
	case FormatZip:
		err = writeZipAsTar(ctx, inputPath, hw)
	case FormatGzip:
		err = decompressGzip(src, hw)
	case FormatXz:
		err = decompressXz(src, hw)
	case FormatZstd:
		err = decompressZstd(src, hw)
	case FormatPlain:
		_, err = io.Copy(hw, src)
	default:
		err = fmt.Errorf("%w: %q", archiverr.ErrFormat, format)
	}

	if err != nil {
		_ = temp.Discard()
		return nil, fmt.Errorf("canonicalize %s: %w", format, err)
	}

	return &Result{Temp: temp, Meta: hw.Meta()}, nil
}

func decompressGzip(r io.Reader, w io.Writer) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("%w: gzip header: %v", archiverr.ErrFormat, err)
	}
	defer gz.Close()
	_, err = io.Copy(w, gz)
	return err
}

func decompressXz(r io.Reader, w io.Writer) error {
	xr, err := xz.NewReader(r)
	if err != nil {
		return fmt.Errorf("%w: xz header: %v", archiverr.ErrFormat, err)
	}
	_, err = io.Copy(w, xr)
	return err
}

func decompressZstd(r io.Reader, w io.Writer) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("%w: zstd header: %v", archiverr.ErrFormat, err)
	}
	defer zr.Close()
	_, err = io.Copy(w, zr)
	return err
}

// writeZipAsTar re-encodes a zip archive as a ustar tar stream, entry
// by entry, in the zip's own directory order. The tar block order and
// header field choices are part of the canonical form: changing them
// would invalidate every previously recorded content hash.
func writeZipAsTar(ctx context.Context, zipPath string, w io.Writer) error {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("%w: zip header: %v", archiverr.ErrFormat, err)
	}
	defer zr.Close()

	tw := tar.NewWriter(w)
	defer tw.Close()

	for _, entry := range zr.File {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		mode := entry.Mode().Perm()
		isDir := entry.Mode().IsDir() || strings.HasSuffix(entry.Name, "/")
		if mode == 0 {
			if isDir {
				mode = 0o755
			} else {
				mode = 0o644
			}
		}

		hdr := &tar.Header{
			Name:    entry.Name,
			Size:    int64(entry.UncompressedSize64),
			Mode:    int64(mode),
			ModTime: entry.Modified,
		}
		if isDir {
			hdr.Typeflag = tar.TypeDir
			hdr.Size = 0
		} else {
			hdr.Typeflag = tar.TypeReg
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write tar header for %s: %w", entry.Name, err)
		}
		if isDir {
			continue
		}

		rc, err := entry.Open()
		if err != nil {
			return fmt.Errorf("open zip entry %s: %w", entry.Name, err)
		}
		_, err = io.Copy(tw, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("copy zip entry %s: %w", entry.Name, err)
		}
	}

	return nil
}
