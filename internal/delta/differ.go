package delta

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/prn-tf/deltavault/internal/archiverr"
	"github.com/prn-tf/deltavault/internal/hashing"
)

// BlockSize is the fixed block size the rolling-checksum differ splits
// the source into. A larger block size makes smaller patches for
// sparsely-changed inputs but misses shorter shared runs.
const BlockSize = 4096

const weakModulus = 1 << 16

// RollingDiffer is the in-process binary patch engine: an rsync/rdiff-
// style single source→target differ built on a rolling weak checksum
// (confirmed by a strong HighwayHash-256 check per candidate block). It
// diffs exactly one source against exactly one target; it is not a
// shared chunk store.
type RollingDiffer struct {
	hashKey   [hashing.KeySize]byte
	blockSize int
}

// NewRollingDiffer creates a differ keyed by hashKey with the default
// block size.
func NewRollingDiffer(hashKey [hashing.KeySize]byte) *RollingDiffer {
	return &RollingDiffer{hashKey: hashKey, blockSize: BlockSize}
}

var _ Engine = (*RollingDiffer)(nil)

type blockEntry struct {
	offset int64
	strong string
}

// buildIndex splits source into non-overlapping blockSize blocks (the
// final block may be shorter) and records a weak→candidates map plus
// each candidate's strong hash, without holding the whole source in
// memory — only one block buffer plus the index entries.
func (d *RollingDiffer) buildIndex(source io.ReadSeeker) (map[uint32][]blockEntry, error) {
	if _, err := source.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek source: %w", err)
	}

	index := make(map[uint32][]blockEntry)
	buf := make([]byte, d.blockSize)
	var offset int64

	for {
		n, err := io.ReadFull(source, buf)
		if n > 0 {
			block := buf[:n]
			weak, _, _ := weakHash(block)
			strong := hashing.Sum(d.hashKey, block)
			index[weak] = append(index[weak], blockEntry{offset: offset, strong: strong})
			offset += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read source block: %w", err)
		}
	}

	return index, nil
}

// wrapWriteErr preserves a race-budget cancellation's identity (the
// push controller classifies trials with errors.Is) instead of masking
// it behind ErrCodec.
func wrapWriteErr(err error) error {
	if errors.Is(err, archiverr.ErrRacedOut) {
		return err
	}
	return fmt.Errorf("%w: %v", archiverr.ErrCodec, err)
}

func weakHash(data []byte) (sum uint32, a uint32, b uint32) {
	n := len(data)
	for i, c := range data {
		a += uint32(c)
		b += uint32(n-i) * uint32(c)
	}
	a %= weakModulus
	b %= weakModulus
	return a + (b << 16), a, b
}

// Encode implements Engine.
func (d *RollingDiffer) Encode(ctx context.Context, source io.ReadSeeker, input io.Reader, dst io.Writer) (hashing.Meta, hashing.Meta, error) {
	index, err := d.buildIndex(source)
	if err != nil {
		return hashing.Meta{}, hashing.Meta{}, fmt.Errorf("%w: build source index: %v", archiverr.ErrCodec, err)
	}

	in := hashing.NewCountingReader(input, d.hashKey)
	target, err := io.ReadAll(in)
	if err != nil {
		return hashing.Meta{}, hashing.Meta{}, fmt.Errorf("%w: read input: %v", archiverr.ErrCodec, err)
	}

	out := hashing.NewCountingWriter(dst, d.hashKey)
	pw, err := newPatchWriter(out)
	if err != nil {
		return hashing.Meta{}, hashing.Meta{}, fmt.Errorf("%w: %v", archiverr.ErrCodec, err)
	}

	bs := d.blockSize
	n := len(target)
	litStart := 0
	i := 0

	flushLiteral := func(end int) error {
		if end <= litStart {
			return nil
		}
		return pw.Insert(target[litStart:end])
	}

	for i+bs <= n {
		select {
		case <-ctx.Done():
			return hashing.Meta{}, hashing.Meta{}, ctx.Err()
		default:
		}

		window := target[i : i+bs]
		weak, _, _ := weakHash(window)
		matched := false

		if candidates, ok := index[weak]; ok {
			strong := hashing.Sum(d.hashKey, window)
			for _, c := range candidates {
				if c.strong == strong {
					if err := flushLiteral(i); err != nil {
						return hashing.Meta{}, hashing.Meta{}, wrapWriteErr(err)
					}
					if err := pw.Copy(c.offset, int64(bs)); err != nil {
						return hashing.Meta{}, hashing.Meta{}, wrapWriteErr(err)
					}
					i += bs
					litStart = i
					matched = true
					break
				}
			}
		}

		if !matched {
			i++
		}
	}

	if err := flushLiteral(n); err != nil {
		return hashing.Meta{}, hashing.Meta{}, wrapWriteErr(err)
	}
	if err := pw.Close(); err != nil {
		return hashing.Meta{}, hashing.Meta{}, wrapWriteErr(err)
	}

	return in.Meta(), out.Meta(), nil
}

// Decode implements Engine.
func (d *RollingDiffer) Decode(ctx context.Context, source io.ReadSeeker, patch io.Reader, dst io.Writer) (hashing.Meta, hashing.Meta, error) {
	pin := hashing.NewCountingReader(patch, d.hashKey)
	pr, err := newPatchReader(pin)
	if err != nil {
		return hashing.Meta{}, hashing.Meta{}, err
	}

	out := hashing.NewCountingWriter(dst, d.hashKey)

	for {
		select {
		case <-ctx.Done():
			return hashing.Meta{}, hashing.Meta{}, ctx.Err()
		default:
		}

		rec, err := pr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return hashing.Meta{}, hashing.Meta{}, err
		}

		if rec.copy {
			if _, err := source.Seek(rec.offset, io.SeekStart); err != nil {
				return hashing.Meta{}, hashing.Meta{}, fmt.Errorf("%w: seek source: %v", archiverr.ErrCodec, err)
			}
			if _, err := io.CopyN(out, source, rec.length); err != nil {
				return hashing.Meta{}, hashing.Meta{}, fmt.Errorf("%w: copy from source: %v", archiverr.ErrCodec, err)
			}
		} else {
			if _, err := out.Write(rec.data); err != nil {
				return hashing.Meta{}, hashing.Meta{}, fmt.Errorf("%w: write insert: %v", archiverr.ErrCodec, err)
			}
		}
	}

	return pin.Meta(), out.Meta(), nil
}
