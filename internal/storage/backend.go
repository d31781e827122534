// Package storage defines the Backend interface for content storage and the
// capability-gated Gateway through which all I/O flows. Backends handle raw
// object/file I/O (S3-compatible object stores, filesystem mounts); the item
// tree is handled separately by the items store.
package storage

import (
	"context"
	"io"
	"time"

	"github.com/quincefs/quince/internal/capability"
)

// Ref is an opaque reference to stored content: a storage location plus a
// backend-scoped key (object key, or mount-relative path). Refs are created
// by the caller and never mutated.
type Ref struct {
	LocationID int
	Key        string
}

// ObjectInfo describes a stored object or directory entry.
type ObjectInfo struct {
	Key     string
	Name    string
	Size    int64
	IsDir   bool
	ModTime time.Time
}

// Backend is the interface for content storage backends.
//
// Streams: OpenRead/RangeRead return the object bytes without buffering the
// whole object; OpenWrite returns a sink that streams chunks to the backend
// and commits on Close. A sink that fails mid-write must discard the partial
// object (writes restart from the beginning, never resume).
//
// Operations a backend cannot provide return ErrCapabilityUnsupported; the
// Gateway refuses them earlier based on the resolved capability set, so the
// backend-level error is a backstop, not the primary gate.
type Backend interface {
	// OpenRead opens the full object for streaming reads.
	OpenRead(ctx context.Context, key string) (io.ReadCloser, error)

	// RangeRead opens a byte range [offset, offset+length) of the object.
	RangeRead(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)

	// OpenWrite opens a streaming sink for the object. Content becomes
	// visible only after a successful Close.
	OpenWrite(ctx context.Context, key string) (io.WriteCloser, error)

	// Stat returns object metadata.
	Stat(ctx context.Context, key string) (*ObjectInfo, error)

	// List returns the direct children under a key prefix (object stores)
	// or directory path (mounts).
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Rename atomically moves an object. Object stores do not support this;
	// callers fall back to Copy+Delete explicitly.
	Rename(ctx context.Context, oldKey, newKey string) error

	// Copy duplicates an object within the backend.
	Copy(ctx context.Context, srcKey, dstKey string) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// Mkdir ensures a directory exists. A no-op on object stores, where
	// hierarchy lives in the key namespace.
	Mkdir(ctx context.Context, key string) error

	// Exists checks for an object without fetching it.
	Exists(ctx context.Context, key string) (bool, error)

	// FreeSpace reports the available bytes at the backend root, used as a
	// preflight before bulk writes. Backends that cannot tell return -1.
	FreeSpace() (int64, error)

	// Descriptor identifies the backend for capability resolution.
	Descriptor() capability.Descriptor

	// Close releases any resources held by the backend.
	Close() error
}
