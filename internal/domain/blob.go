// Package domain contains the core entities of the incremental
// content-addressed archive.
package domain

import (
	"path/filepath"
	"time"
)

// Blob is the central entity: one record per stored object. A blob with
// no ParentHash is a root — its stored bytes are its canonical content
// bytes. A blob with a ParentHash is a delta — its stored bytes are a
// patch that, applied to the parent's content bytes, yields this blob's
// content bytes.
type Blob struct {
	// ID is a monotonically increasing integer assigned on insert. The
	// blob with the smallest ID is the genesis blob.
	ID int64 `json:"id"`

	// Filename is the logical version name this object represents
	// (e.g. "app-1.2.3.apk"). Not unique: a root and its delta alias
	// may share a filename.
	Filename string `json:"filename"`

	// TimeCreated is the UTC insertion timestamp.
	TimeCreated time.Time `json:"time_created"`

	// ContentHash fingerprints the canonicalized content bytes.
	// Identifies logical identity across aliases.
	ContentHash string `json:"content_hash"`

	// ContentSize is the length of the canonicalized content in bytes.
	ContentSize int64 `json:"content_size"`

	// StoreHash fingerprints the stored object bytes (content bytes for
	// a root, patch bytes for a delta). Globally unique primary key.
	StoreHash string `json:"store_hash"`

	// StoreSize is the length of the on-disk object in bytes.
	StoreSize int64 `json:"store_size"`

	// ParentHash, when set, equals some other blob's ContentHash.
	// Absent means this blob is a root.
	ParentHash *string `json:"parent_hash,omitempty"`
}

// NewRoot builds a root blob: its stored bytes are its content bytes.
func NewRoot(filename, contentHash string, contentSize int64) *Blob {
	return &Blob{
		Filename:    filename,
		TimeCreated: time.Now().UTC(),
		ContentHash: contentHash,
		ContentSize: contentSize,
		StoreHash:   contentHash,
		StoreSize:   contentSize,
	}
}

// NewDelta builds a delta blob referencing parentContentHash.
func NewDelta(filename, contentHash string, contentSize int64, storeHash string, storeSize int64, parentContentHash string) *Blob {
	return &Blob{
		Filename:    filename,
		TimeCreated: time.Now().UTC(),
		ContentHash: contentHash,
		ContentSize: contentSize,
		StoreHash:   storeHash,
		StoreSize:   storeSize,
		ParentHash:  &parentContentHash,
	}
}

// IsRoot reports whether this blob stores its full canonical content
// rather than a delta against a parent.
func (b *Blob) IsRoot() bool {
	return b.ParentHash == nil
}

// IsAliasOf reports whether b and other represent the same logical
// version (same content hash) while being stored differently.
func (b *Blob) IsAliasOf(other *Blob) bool {
	return b.ContentHash == other.ContentHash && b.StoreHash != other.StoreHash
}

// ObjectPath computes the content-addressed path for a store hash using
// the two-level directory sharding described in the object store
// design: <prefix>/objects/<hash[0:2]>/<hash[2:]>.
func ObjectPath(objectsDir, storeHash string) string {
	if len(storeHash) < 4 {
		return filepath.Join(objectsDir, storeHash)
	}
	return filepath.Join(objectsDir, storeHash[0:2], storeHash[2:])
}
