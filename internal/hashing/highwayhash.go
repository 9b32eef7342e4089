// Package hashing wraps the fixed 256-bit keyed hash used throughout the
// archive to fingerprint canonical content and stored objects, plus the
// streaming shims that keep a running digest and byte count as data
// flows through the canonicalizer and delta engine.
package hashing

import (
	"encoding/binary"
	"encoding/hex"
	"hash"
	"io"

	"github.com/minio/highwayhash"
)

// KeySize is the length in bytes of the deployment-wide HighwayHash key.
const KeySize = 32

// DefaultKey is the built-in key used when no deployment-specific key is
// configured. Single-node deployments may rely on it; multi-node
// deployments that need to compare hashes across processes MUST set
// ARCHIVE_HASH_KEY to the same 32-byte value everywhere.
var DefaultKey = [KeySize]byte{
	0x61, 0x72, 0x63, 0x68, 0x69, 0x76, 0x65, 0x2d,
	0x76, 0x61, 0x75, 0x6c, 0x74, 0x2d, 0x64, 0x65,
	0x66, 0x61, 0x75, 0x6c, 0x74, 0x2d, 0x6b, 0x65,
	0x79, 0x2d, 0x30, 0x31, 0x32, 0x33, 0x34, 0x35,
}

// New returns a fresh HighwayHash-256 hasher keyed with key.
func New(key [KeySize]byte) hash.Hash {
	h, err := highwayhash.New(key[:])
	if err != nil {
		// highwayhash.New only errors on a wrong-length key; KeySize is
		// fixed at compile time so this is unreachable.
		panic(err)
	}
	return h
}

// Sum computes the hex digest of the given bytes under key.
func Sum(key [KeySize]byte, data []byte) string {
	h := New(key)
	h.Write(data)
	return Encode(h.Sum(nil))
}

// Encode renders a 32-byte HighwayHash-256 sum as 64 lowercase hex
// characters, built from the four 64-bit lane words in big-endian
// order — the serialization the spec requires for content_hash and
// store_hash.
func Encode(sum []byte) string {
	if len(sum) != 32 {
		return hex.EncodeToString(sum)
	}
	var lanes [4]uint64
	for i := 0; i < 4; i++ {
		lanes[i] = binary.BigEndian.Uint64(sum[i*8 : i*8+8])
	}
	out := make([]byte, 0, 64)
	for _, lane := range lanes {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], lane)
		out = append(out, []byte(hex.EncodeToString(buf[:]))...)
	}
	return string(out)
}

// Meta describes the size and digest observed while streaming through a
// Reader or Writer shim.
type Meta struct {
	Size int64
	Hash string
}

// CountingWriter wraps an io.Writer, updating a rolling HighwayHash-256
// digest and byte counter on every Write — the shim the delta engine and
// canonicalizer use to emit WriteMeta without a second pass over the
// data.
type CountingWriter struct {
	w    io.Writer
	h    hash.Hash
	size int64
}

// NewCountingWriter wraps w with a digest keyed by key.
func NewCountingWriter(w io.Writer, key [KeySize]byte) *CountingWriter {
	return &CountingWriter{w: w, h: New(key)}
}

func (c *CountingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.h.Write(p[:n])
		c.size += int64(n)
	}
	return n, err
}

// Meta returns the digest and byte count observed so far.
func (c *CountingWriter) Meta() Meta {
	return Meta{Size: c.size, Hash: Encode(c.h.Sum(nil))}
}

// CountingReader wraps an io.Reader with the same digest/size shim as
// CountingWriter, for streams read once (e.g. the input and patch
// streams of the delta engine).
type CountingReader struct {
	r    io.Reader
	h    hash.Hash
	size int64
}

// NewCountingReader wraps r with a digest keyed by key.
func NewCountingReader(r io.Reader, key [KeySize]byte) *CountingReader {
	return &CountingReader{r: r, h: New(key)}
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.h.Write(p[:n])
		c.size += int64(n)
	}
	return n, err
}

// Meta returns the digest and byte count observed so far.
func (c *CountingReader) Meta() Meta {
	return Meta{Size: c.size, Hash: Encode(c.h.Sum(nil))}
}
