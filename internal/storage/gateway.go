package storage

import (
	"context"
	"io"
	"time"

	"github.com/quincefs/quince/internal/capability"
	"github.com/quincefs/quince/internal/metrics"
)

// Gateway is the single entry point for content I/O on one storage location.
// It enforces the resolved capability set before delegating to the backend
// and records per-operation metrics. Handlers and the archive engine go
// through a Gateway, never through a Backend directly; asking the backend
// what it can do is the resolver's job alone.
type Gateway struct {
	backend Backend
	caps    capability.Set
	label   string
}

// NewGateway wraps a backend with its resolved capability set.
func NewGateway(backend Backend, caps capability.Set) *Gateway {
	return &Gateway{
		backend: backend,
		caps:    caps,
		label:   backend.Descriptor().Type,
	}
}

// Capabilities returns the resolved capability set for this location.
func (g *Gateway) Capabilities() capability.Set { return g.caps }

// Descriptor identifies the underlying backend.
func (g *Gateway) Descriptor() capability.Descriptor { return g.backend.Descriptor() }

func (g *Gateway) observe(op string, start time.Time, err error) {
	metrics.RecordStorageOperation(g.label, op, time.Since(start), err == nil)
}

func (g *Gateway) require(cap capability.Key, op string) error {
	if !g.caps.Has(cap) {
		return Unsupported(op)
	}
	return nil
}

// OpenRead opens the full object for streaming reads.
func (g *Gateway) OpenRead(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := g.backend.OpenRead(ctx, key)
	g.observe("read", start, err)
	return rc, err
}

// RangeRead opens a byte range of the object. Requires io.range_read.
func (g *Gateway) RangeRead(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	if err := g.require(capability.RangeRead, "range_read"); err != nil {
		return nil, err
	}
	start := time.Now()
	rc, err := g.backend.RangeRead(ctx, key, offset, length)
	g.observe("range_read", start, err)
	return rc, err
}

// OpenWrite opens a streaming sink. Requires io.streaming_write. The object
// becomes visible only after a successful Close; Abort discards it.
func (g *Gateway) OpenWrite(ctx context.Context, key string) (*Sink, error) {
	if err := g.require(capability.StreamingWrite, "write"); err != nil {
		return nil, err
	}
	w, err := g.backend.OpenWrite(ctx, key)
	if err != nil {
		return nil, err
	}
	return &Sink{
		inner:   w,
		backend: g.backend,
		key:     key,
		label:   g.label,
		started: time.Now(),
	}, nil
}

// List returns the direct children under a key. Requires io.listdir.
func (g *Gateway) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if err := g.require(capability.ListDir, "list"); err != nil {
		return nil, err
	}
	start := time.Now()
	infos, err := g.backend.List(ctx, prefix)
	g.observe("list", start, err)
	return infos, err
}

// Rename atomically moves an object. Requires fs.atomic_rename; locations
// without it must use Copy plus Delete and accept the non-atomic window.
func (g *Gateway) Rename(ctx context.Context, oldKey, newKey string) error {
	if err := g.require(capability.AtomicRename, "rename"); err != nil {
		return err
	}
	start := time.Now()
	err := g.backend.Rename(ctx, oldKey, newKey)
	g.observe("rename", start, err)
	return err
}

// Stat returns object metadata.
func (g *Gateway) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	start := time.Now()
	info, err := g.backend.Stat(ctx, key)
	g.observe("stat", start, err)
	return info, err
}

// Copy duplicates an object within the location.
func (g *Gateway) Copy(ctx context.Context, srcKey, dstKey string) error {
	start := time.Now()
	err := g.backend.Copy(ctx, srcKey, dstKey)
	g.observe("copy", start, err)
	return err
}

// Delete removes an object. Deleting a missing object is not an error.
func (g *Gateway) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := g.backend.Delete(ctx, key)
	g.observe("delete", start, err)
	return err
}

// Mkdir ensures a directory exists.
func (g *Gateway) Mkdir(ctx context.Context, key string) error {
	start := time.Now()
	err := g.backend.Mkdir(ctx, key)
	g.observe("mkdir", start, err)
	return err
}

// Exists checks for an object without fetching it.
func (g *Gateway) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok, err := g.backend.Exists(ctx, key)
	g.observe("exists", start, err)
	return ok, err
}

// FreeSpace reports available bytes at the location root, or -1 if unknown.
func (g *Gateway) FreeSpace() (int64, error) {
	return g.backend.FreeSpace()
}

// aborter is the cleanup hook backend sinks provide to discard a partial
// write without committing it.
type aborter interface {
	Abort() error
}

// Sink is the streaming write handle returned by Gateway.OpenWrite. Exactly
// one of Close or Abort must be called; both are idempotent.
type Sink struct {
	inner   io.WriteCloser
	backend Backend
	key     string
	label   string
	started time.Time
	written int64
	done    bool
}

func (s *Sink) Write(p []byte) (int, error) {
	n, err := s.inner.Write(p)
	s.written += int64(n)
	return n, err
}

// Close commits the object and records the write metric.
func (s *Sink) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	err := s.inner.Close()
	metrics.RecordStorageOperation(s.label, "write", time.Since(s.started), err == nil)
	return err
}

// Abort discards the partial object. If the backend sink has no abort hook,
// the committed object is deleted instead.
func (s *Sink) Abort() error {
	if s.done {
		return nil
	}
	s.done = true
	metrics.RecordStorageOperation(s.label, "write_abort", time.Since(s.started), true)
	if a, ok := s.inner.(aborter); ok {
		return a.Abort()
	}
	if err := s.inner.Close(); err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.backend.Delete(ctx, s.key)
}

// BytesWritten reports how many bytes the sink has accepted so far.
func (s *Sink) BytesWritten() int64 { return s.written }
