// Package delta implements the binary patch engine: given a source
// blob and a target input, stream-encode a patch such that decoding it
// against the source recovers the input, and the inverse decode
// operation. The engine is a single source→target differ — it performs
// no cross-snapshot chunk deduplication.
package delta

import (
	"context"
	"io"

	"github.com/prn-tf/deltavault/internal/hashing"
)

// Engine computes and applies deltas between a source stream and a
// target stream.
type Engine interface {
	// Encode writes, to dst, a patch such that Decode(source, patch)
	// reproduces input. Returns the observed size/hash of input and of
	// the written patch.
	Encode(ctx context.Context, source io.ReadSeeker, input io.Reader, dst io.Writer) (inputMeta, dstMeta hashing.Meta, err error)

	// Decode reconstructs the original input from source and patch,
	// writing it to dst. Returns the observed size/hash of the patch
	// read and of the reconstructed output.
	Decode(ctx context.Context, source io.ReadSeeker, patch io.Reader, dst io.Writer) (patchMeta, dstMeta hashing.Meta, err error)
}
