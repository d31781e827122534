// Package mount provides a filesystem-like storage backend for network
// shares (SMB/NFS-style) pre-mounted on the OS. All I/O goes through an
// os.Root handle opened at the mount path, so no operation can follow a
// symlink or path component out of the share.
package mount

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/quincefs/quince/internal/capability"
	"github.com/quincefs/quince/internal/storage"
)

// Config holds mount backend settings. Server/Share/Username/Domain identify
// the share for admin listings; actual I/O uses MountPath where the share is
// mounted (via mount.cifs, autofs or fstab).
type Config struct {
	Server    string `json:"server"`
	Share     string `json:"share"`
	Username  string `json:"username"`
	Domain    string `json:"domain"`
	MountPath string `json:"mount_path"`
}

// Backend implements storage.Backend on a mounted filesystem root.
type Backend struct {
	root      *os.Root
	mountPath string
	config    Config
}

// New opens the mount root. The mount path must already exist; a missing
// path means the share is not mounted and the backend is unusable.
func New(cfg Config) (*Backend, error) {
	if cfg.MountPath == "" {
		return nil, fmt.Errorf("mount_path is required")
	}

	root, err := os.OpenRoot(cfg.MountPath)
	if err != nil {
		return nil, fmt.Errorf("open mount root %s: %w", cfg.MountPath, err)
	}

	return &Backend{root: root, mountPath: cfg.MountPath, config: cfg}, nil
}

// NewFromJSON creates a Backend from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*Backend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse mount config: %w", err)
	}
	return New(cfg)
}

func rel(key string) string {
	return filepath.FromSlash(strings.Trim(key, "/"))
}

// mapErr converts filesystem errors to the storage taxonomy. os.Root reports
// confinement violations (a symlink or lexical component leaving the root)
// as path errors mentioning the parent escape; those become PATH_ESCAPE so
// jobs abort instead of retrying.
func mapErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if os.IsNotExist(err) {
		return storage.NotFoundKey(key)
	}
	if os.IsPermission(err) {
		return storage.Denied(err)
	}
	if strings.Contains(err.Error(), "escapes from parent") {
		return &storage.Error{
			Code:    storage.CodePathEscape,
			Message: "path escapes the mount root",
			Err:     fmt.Errorf("%s %s: %w", op, key, err),
		}
	}
	return storage.Unavailable(fmt.Errorf("%s %s: %w", op, key, err))
}

// OpenRead opens a file for streaming reads.
func (b *Backend) OpenRead(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := b.root.Open(rel(key))
	if err != nil {
		return nil, mapErr("open", key, err)
	}
	return f, nil
}

// RangeRead opens a byte range of a file.
func (b *Backend) RangeRead(_ context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	f, err := b.root.Open(rel(key))
	if err != nil {
		return nil, mapErr("open", key, err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, mapErr("seek", key, err)
		}
	}
	if length > 0 {
		return &limitedReadCloser{Reader: io.LimitReader(f, length), Closer: f}, nil
	}
	return f, nil
}

// OpenWrite opens a streaming sink. Bytes go to a hidden temp file next to
// the destination; a successful Close renames it into place, so readers
// never observe a partial file. Abort (or a failed write) removes the temp.
func (b *Backend) OpenWrite(_ context.Context, key string) (io.WriteCloser, error) {
	k := rel(key)
	dir := filepath.Dir(k)
	if dir != "." {
		if err := b.root.MkdirAll(dir, 0755); err != nil {
			return nil, mapErr("mkdir", key, err)
		}
	}

	tmpName := fmt.Sprintf(".quince-%s.tmp", uuid.NewString()[:8])
	tmpPath := filepath.Join(dir, tmpName)
	if dir == "." {
		tmpPath = tmpName
	}

	f, err := b.root.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, mapErr("create temp", key, err)
	}

	return &mountWriter{backend: b, file: f, tmpPath: tmpPath, finalPath: k, key: key}, nil
}

type mountWriter struct {
	backend   *Backend
	file      *os.File
	tmpPath   string
	finalPath string
	key       string
	writeErr  error
	done      bool
}

func (w *mountWriter) Write(p []byte) (int, error) {
	if w.writeErr != nil {
		return 0, w.writeErr
	}
	n, err := w.file.Write(p)
	if err != nil {
		w.writeErr = mapErr("write", w.key, err)
		return n, w.writeErr
	}
	return n, nil
}

func (w *mountWriter) Close() error {
	if w.done {
		return nil
	}
	if w.writeErr != nil {
		return w.Abort()
	}
	w.done = true

	if err := w.file.Sync(); err != nil {
		w.file.Close()
		w.backend.root.Remove(w.tmpPath)
		return mapErr("sync", w.key, err)
	}
	if err := w.file.Close(); err != nil {
		w.backend.root.Remove(w.tmpPath)
		return mapErr("close", w.key, err)
	}
	if err := w.backend.root.Rename(w.tmpPath, w.finalPath); err != nil {
		w.backend.root.Remove(w.tmpPath)
		return mapErr("rename temp", w.key, err)
	}
	return nil
}

// Abort discards the temp file without committing.
func (w *mountWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.file.Close()
	w.backend.root.Remove(w.tmpPath)
	return nil
}

// Stat returns file metadata.
func (b *Backend) Stat(_ context.Context, key string) (*storage.ObjectInfo, error) {
	info, err := b.root.Stat(rel(key))
	if err != nil {
		return nil, mapErr("stat", key, err)
	}
	return &storage.ObjectInfo{
		Key:     strings.Trim(key, "/"),
		Name:    info.Name(),
		Size:    info.Size(),
		IsDir:   info.IsDir(),
		ModTime: info.ModTime(),
	}, nil
}

// List returns the direct children of a directory, skipping in-flight temp
// files.
func (b *Backend) List(_ context.Context, prefix string) ([]storage.ObjectInfo, error) {
	p := rel(prefix)
	if p == "" {
		p = "."
	}
	d, err := b.root.Open(p)
	if err != nil {
		return nil, mapErr("open", prefix, err)
	}
	defer d.Close()

	entries, err := d.ReadDir(-1)
	if err != nil {
		return nil, mapErr("readdir", prefix, err)
	}

	out := make([]storage.ObjectInfo, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".quince-") && strings.HasSuffix(name, ".tmp") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, storage.ObjectInfo{
			Key:     path.Join(strings.Trim(prefix, "/"), name),
			Name:    name,
			Size:    info.Size(),
			IsDir:   e.IsDir(),
			ModTime: info.ModTime(),
		})
	}
	return out, nil
}

// Rename atomically moves a file or directory within the mount.
func (b *Backend) Rename(_ context.Context, oldKey, newKey string) error {
	nk := rel(newKey)
	if dir := filepath.Dir(nk); dir != "." {
		if err := b.root.MkdirAll(dir, 0755); err != nil {
			return mapErr("mkdir", newKey, err)
		}
	}
	if err := b.root.Rename(rel(oldKey), nk); err != nil {
		return mapErr("rename", oldKey, err)
	}
	return nil
}

// Copy duplicates a file via temp + rename so readers never see a partial
// copy.
func (b *Backend) Copy(ctx context.Context, srcKey, dstKey string) error {
	src, err := b.OpenRead(ctx, srcKey)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := b.OpenWrite(ctx, dstKey)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		if a, ok := dst.(interface{ Abort() error }); ok {
			a.Abort()
		}
		return mapErr("copy", dstKey, err)
	}
	return dst.Close()
}

// Delete removes a file. Missing files are not an error.
func (b *Backend) Delete(_ context.Context, key string) error {
	err := b.root.Remove(rel(key))
	if err != nil && !os.IsNotExist(err) {
		return mapErr("delete", key, err)
	}
	return nil
}

// Mkdir ensures a directory path exists inside the mount.
func (b *Backend) Mkdir(_ context.Context, key string) error {
	k := rel(key)
	if k == "" {
		return nil
	}
	if err := b.root.MkdirAll(k, 0755); err != nil {
		return mapErr("mkdir", key, err)
	}
	return nil
}

// Exists checks for a file without opening it.
func (b *Backend) Exists(_ context.Context, key string) (bool, error) {
	_, err := b.root.Stat(rel(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, mapErr("stat", key, err)
	}
	return true, nil
}

// FreeSpace reports available bytes on the mounted filesystem.
func (b *Backend) FreeSpace() (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(b.mountPath, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", b.mountPath, err)
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}

// Descriptor identifies this backend as a confined filesystem mount.
func (b *Backend) Descriptor() capability.Descriptor {
	return capability.Descriptor{Type: "mount", Confined: true}
}

// Close releases the mount root handle.
func (b *Backend) Close() error {
	return b.root.Close()
}

// limitedReadCloser wraps a LimitReader with a separate Closer.
type limitedReadCloser struct {
	io.Reader
	io.Closer
}
