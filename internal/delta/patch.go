package delta

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/prn-tf/deltavault/internal/archiverr"
)

// Patch wire format: a 4-byte magic, then a sequence of records, each
// either a copy (from the source) or an insert (literal bytes),
// terminated by a zero tag.
const (
	magic = "DLT1"

	tagEnd    = 0x00
	tagCopy   = 0x01
	tagInsert = 0x02
)

// patchWriter serializes copy/insert records to an underlying writer.
type patchWriter struct {
	w   io.Writer
	buf []byte
}

func newPatchWriter(w io.Writer) (*patchWriter, error) {
	if _, err := w.Write([]byte(magic)); err != nil {
		return nil, fmt.Errorf("write patch magic: %w", err)
	}
	return &patchWriter{w: w, buf: make([]byte, binary.MaxVarintLen64)}, nil
}

func (p *patchWriter) writeUvarint(v uint64) error {
	n := binary.PutUvarint(p.buf, v)
	_, err := p.w.Write(p.buf[:n])
	return err
}

func (p *patchWriter) Copy(offset, length int64) error {
	if _, err := p.w.Write([]byte{tagCopy}); err != nil {
		return err
	}
	if err := p.writeUvarint(uint64(offset)); err != nil {
		return err
	}
	return p.writeUvarint(uint64(length))
}

func (p *patchWriter) Insert(data []byte) error {
	if _, err := p.w.Write([]byte{tagInsert}); err != nil {
		return err
	}
	if err := p.writeUvarint(uint64(len(data))); err != nil {
		return err
	}
	_, err := p.w.Write(data)
	return err
}

func (p *patchWriter) Close() error {
	_, err := p.w.Write([]byte{tagEnd})
	return err
}

// record is one decoded patch instruction.
type record struct {
	copy   bool
	offset int64
	length int64
	data   []byte
}

// patchReader deserializes records from an underlying reader.
type patchReader struct {
	r   io.Reader
	tag [1]byte
}

func newPatchReader(r io.Reader) (*patchReader, error) {
	var got [4]byte
	if _, err := io.ReadFull(r, got[:]); err != nil {
		return nil, fmt.Errorf("%w: read patch magic: %v", archiverr.ErrCodec, err)
	}
	if string(got[:]) != magic {
		return nil, fmt.Errorf("%w: bad patch magic %q", archiverr.ErrCodec, got)
	}
	return &patchReader{r: r}, nil
}

func readUvarint(r io.Reader) (uint64, error) {
	var buf [binary.MaxVarintLen64]byte
	var b [1]byte
	n := 0
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		buf[n] = b[0]
		n++
		if b[0]&0x80 == 0 {
			break
		}
		if n >= len(buf) {
			return 0, fmt.Errorf("%w: varint too long", archiverr.ErrCodec)
		}
	}
	v, _ := binary.Uvarint(buf[:n])
	return v, nil
}

// Next returns the next record, or io.EOF once the terminator tag is
// read.
func (p *patchReader) Next() (*record, error) {
	if _, err := io.ReadFull(p.r, p.tag[:]); err != nil {
		return nil, fmt.Errorf("%w: read patch tag: %v", archiverr.ErrCodec, err)
	}

	switch p.tag[0] {
	case tagEnd:
		return nil, io.EOF
	case tagCopy:
		off, err := readUvarint(p.r)
		if err != nil {
			return nil, fmt.Errorf("%w: read copy offset: %v", archiverr.ErrCodec, err)
		}
		length, err := readUvarint(p.r)
		if err != nil {
			return nil, fmt.Errorf("%w: read copy length: %v", archiverr.ErrCodec, err)
		}
		return &record{copy: true, offset: int64(off), length: int64(length)}, nil
	case tagInsert:
		length, err := readUvarint(p.r)
		if err != nil {
			return nil, fmt.Errorf("%w: read insert length: %v", archiverr.ErrCodec, err)
		}
		data := make([]byte, length)
		if _, err := io.ReadFull(p.r, data); err != nil {
			return nil, fmt.Errorf("%w: read insert data: %v", archiverr.ErrCodec, err)
		}
		return &record{copy: false, data: data}, nil
	default:
		return nil, fmt.Errorf("%w: unknown patch tag %#x", archiverr.ErrCodec, p.tag[0])
	}
}
