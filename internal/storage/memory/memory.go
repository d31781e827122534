// Package memory provides an in-memory storage backend. It backs tests and
// single-process development mode; contents vanish on restart.
package memory

import (
	"bytes"
	"context"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quincefs/quince/internal/capability"
	"github.com/quincefs/quince/internal/storage"
)

// Backend implements storage.Backend over an in-process map.
type Backend struct {
	mu    sync.RWMutex
	files map[string]*object
	dirs  map[string]bool
}

type object struct {
	data    []byte
	modTime time.Time
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{
		files: make(map[string]*object),
		dirs:  make(map[string]bool),
	}
}

func norm(key string) string {
	return strings.Trim(path.Clean("/"+strings.ReplaceAll(key, "\\", "/")), "/")
}

// OpenRead opens an object for reading.
func (b *Backend) OpenRead(_ context.Context, key string) (io.ReadCloser, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.files[norm(key)]
	if !ok {
		return nil, storage.NotFoundKey(key)
	}
	data := make([]byte, len(obj.data))
	copy(data, obj.data)
	return io.NopCloser(bytes.NewReader(data)), nil
}

// RangeRead opens a byte range of an object.
func (b *Backend) RangeRead(_ context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.files[norm(key)]
	if !ok {
		return nil, storage.NotFoundKey(key)
	}
	size := int64(len(obj.data))
	if offset < 0 || offset > size {
		return nil, storage.Unavailable(io.ErrUnexpectedEOF)
	}
	end := size
	if length > 0 && offset+length < size {
		end = offset + length
	}
	data := make([]byte, end-offset)
	copy(data, obj.data[offset:end])
	return io.NopCloser(bytes.NewReader(data)), nil
}

// OpenWrite opens a sink that commits the object on Close.
func (b *Backend) OpenWrite(_ context.Context, key string) (io.WriteCloser, error) {
	return &memWriter{backend: b, key: norm(key)}, nil
}

type memWriter struct {
	backend *Backend
	key     string
	buf     bytes.Buffer
	done    bool
}

func (w *memWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *memWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	w.backend.mu.Lock()
	defer w.backend.mu.Unlock()
	w.backend.files[w.key] = &object{data: w.buf.Bytes(), modTime: time.Now()}
	w.backend.ensureParents(w.key)
	return nil
}

// Abort discards buffered bytes without committing.
func (w *memWriter) Abort() error {
	w.done = true
	w.buf.Reset()
	return nil
}

// ensureParents marks all parent directories. Caller holds the lock.
func (b *Backend) ensureParents(key string) {
	for dir := path.Dir(key); dir != "." && dir != "/"; dir = path.Dir(dir) {
		b.dirs[dir] = true
	}
}

// Stat returns object or directory metadata.
func (b *Backend) Stat(_ context.Context, key string) (*storage.ObjectInfo, error) {
	k := norm(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	if obj, ok := b.files[k]; ok {
		return &storage.ObjectInfo{
			Key:     k,
			Name:    path.Base(k),
			Size:    int64(len(obj.data)),
			ModTime: obj.modTime,
		}, nil
	}
	if b.dirs[k] {
		return &storage.ObjectInfo{Key: k, Name: path.Base(k), IsDir: true}, nil
	}
	return nil, storage.NotFoundKey(key)
}

// List returns the direct children of a directory key.
func (b *Backend) List(_ context.Context, prefix string) ([]storage.ObjectInfo, error) {
	p := norm(prefix)
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[string]storage.ObjectInfo)
	match := func(key string) (string, bool) {
		if p == "" {
			return key, true
		}
		if !strings.HasPrefix(key, p+"/") {
			return "", false
		}
		return key[len(p)+1:], true
	}

	for key, obj := range b.files {
		rest, ok := match(key)
		if !ok {
			continue
		}
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			name := rest[:i]
			seen[name] = storage.ObjectInfo{Key: path.Join(p, name), Name: name, IsDir: true}
		} else {
			seen[rest] = storage.ObjectInfo{
				Key:     key,
				Name:    rest,
				Size:    int64(len(obj.data)),
				ModTime: obj.modTime,
			}
		}
	}
	for dir := range b.dirs {
		rest, ok := match(dir)
		if !ok || rest == "" {
			continue
		}
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			rest = rest[:i]
		}
		if _, dup := seen[rest]; !dup {
			seen[rest] = storage.ObjectInfo{Key: path.Join(p, rest), Name: rest, IsDir: true}
		}
	}

	out := make([]storage.ObjectInfo, 0, len(seen))
	for _, info := range seen {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Rename moves an object, or a directory and everything under it.
func (b *Backend) Rename(_ context.Context, oldKey, newKey string) error {
	ok, nk := norm(oldKey), norm(newKey)
	b.mu.Lock()
	defer b.mu.Unlock()

	if obj, exists := b.files[ok]; exists {
		delete(b.files, ok)
		b.files[nk] = obj
		b.ensureParents(nk)
		return nil
	}
	if b.dirs[ok] {
		delete(b.dirs, ok)
		b.dirs[nk] = true
		for key, obj := range b.files {
			if strings.HasPrefix(key, ok+"/") {
				delete(b.files, key)
				b.files[nk+key[len(ok):]] = obj
			}
		}
		for dir := range b.dirs {
			if strings.HasPrefix(dir, ok+"/") {
				delete(b.dirs, dir)
				b.dirs[nk+dir[len(ok):]] = true
			}
		}
		b.ensureParents(nk + "/x")
		return nil
	}
	return storage.NotFoundKey(oldKey)
}

// Copy duplicates an object.
func (b *Backend) Copy(_ context.Context, srcKey, dstKey string) error {
	sk, dk := norm(srcKey), norm(dstKey)
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.files[sk]
	if !ok {
		return storage.NotFoundKey(srcKey)
	}
	data := make([]byte, len(obj.data))
	copy(data, obj.data)
	b.files[dk] = &object{data: data, modTime: time.Now()}
	b.ensureParents(dk)
	return nil
}

// Delete removes an object. Missing objects are not an error.
func (b *Backend) Delete(_ context.Context, key string) error {
	k := norm(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.files, k)
	delete(b.dirs, k)
	return nil
}

// Mkdir marks a directory and its parents.
func (b *Backend) Mkdir(_ context.Context, key string) error {
	k := norm(key)
	if k == "" {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dirs[k] = true
	b.ensureParents(k)
	return nil
}

// Exists checks for an object or directory.
func (b *Backend) Exists(_ context.Context, key string) (bool, error) {
	k := norm(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, file := b.files[k]
	return file || b.dirs[k], nil
}

// FreeSpace is unknown for the in-memory backend.
func (b *Backend) FreeSpace() (int64, error) { return -1, nil }

// Descriptor identifies this backend.
func (b *Backend) Descriptor() capability.Descriptor {
	return capability.Descriptor{Type: "memory", Confined: true}
}

// Close is a no-op.
func (b *Backend) Close() error { return nil }
