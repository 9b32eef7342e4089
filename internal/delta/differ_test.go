package delta

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prn-tf/deltavault/internal/hashing"
)

func roundTrip(t *testing.T, source, target []byte) {
	t.Helper()
	d := NewRollingDiffer(hashing.DefaultKey)
	ctx := context.Background()

	var patch bytes.Buffer
	inputMeta, dstMeta, err := d.Encode(ctx, bytes.NewReader(source), bytes.NewReader(target), &patch)
	require.NoError(t, err)
	require.Equal(t, int64(len(target)), inputMeta.Size)
	require.Equal(t, hashing.Sum(hashing.DefaultKey, target), inputMeta.Hash)
	require.Equal(t, int64(patch.Len()), dstMeta.Size)

	var out bytes.Buffer
	patchMeta, outMeta, err := d.Decode(ctx, bytes.NewReader(source), bytes.NewReader(patch.Bytes()), &out)
	require.NoError(t, err)
	require.Equal(t, dstMeta.Size, patchMeta.Size)
	require.Equal(t, dstMeta.Hash, patchMeta.Hash)

	require.Equal(t, target, out.Bytes())
	require.Equal(t, int64(len(target)), outMeta.Size)
	require.Equal(t, hashing.Sum(hashing.DefaultKey, target), outMeta.Hash)
}

func TestRollingDifferIdenticalInput(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefgh"), 2000)
	roundTrip(t, data, data)
}

func TestRollingDifferAppendedBytes(t *testing.T) {
	source := bytes.Repeat([]byte("0123456789"), 1000)
	target := append(append([]byte{}, source...), []byte("trailing new content")...)
	roundTrip(t, source, target)
}

func TestRollingDifferPrependedBytes(t *testing.T) {
	source := bytes.Repeat([]byte("block-data"), 1000)
	target := append([]byte("new header bytes! "), source...)
	roundTrip(t, source, target)
}

func TestRollingDifferCompletelyDifferent(t *testing.T) {
	source := bytes.Repeat([]byte{0xAA}, 5000)
	target := bytes.Repeat([]byte{0x55}, 3000)
	roundTrip(t, source, target)
}

func TestRollingDifferEmptyInputs(t *testing.T) {
	roundTrip(t, nil, nil)
	roundTrip(t, []byte("some source"), nil)
	roundTrip(t, nil, []byte("some target"))
}

func TestRollingDifferSmallerThanBlockSize(t *testing.T) {
	roundTrip(t, []byte("short"), []byte("short but different"))
}

func TestPatchWireFormatRejectsBadMagic(t *testing.T) {
	_, err := newPatchReader(bytes.NewReader([]byte("XXXX")))
	require.Error(t, err)
}

func TestPatchWireFormatRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	pw, err := newPatchWriter(&buf)
	require.NoError(t, err)
	require.NoError(t, pw.Copy(10, 20))
	require.NoError(t, pw.Insert([]byte("literal")))
	require.NoError(t, pw.Close())

	pr, err := newPatchReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	r1, err := pr.Next()
	require.NoError(t, err)
	require.True(t, r1.copy)
	require.Equal(t, int64(10), r1.offset)
	require.Equal(t, int64(20), r1.length)

	r2, err := pr.Next()
	require.NoError(t, err)
	require.False(t, r2.copy)
	require.Equal(t, []byte("literal"), r2.data)

	_, err = pr.Next()
	require.ErrorIs(t, err, io.EOF)
}
