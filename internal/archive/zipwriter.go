package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/flate"
)

// storedExtensions already carry their own compression; deflating them again
// spends CPU for nothing.
var storedExtensions = map[string]bool{
	".zip": true, ".gz": true, ".tgz": true, ".bz2": true, ".xz": true,
	".7z": true, ".rar": true, ".zst": true,
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
	".heic": true, ".avif": true,
	".mp3": true, ".aac": true, ".ogg": true, ".flac": true,
	".mp4": true, ".mov": true, ".avi": true, ".mkv": true, ".webm": true,
}

// compressionMethod picks deflate or store by filename.
func compressionMethod(name string) uint16 {
	if storedExtensions[strings.ToLower(path.Ext(name))] {
		return zip.Store
	}
	return zip.Deflate
}

// newZipWriter returns a zip writer with the faster deflate implementation
// registered.
func newZipWriter(w io.Writer) *zip.Writer {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.DefaultCompression)
	})
	return zw
}

// sanitizeComponent flattens separators in a single path component destined
// for a zip entry name. Empty components become "untitled".
func sanitizeComponent(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.TrimSpace(s)
	if s == "" {
		return "untitled"
	}
	return s
}

// entryNames hands out unique entry paths inside one archive, suffixing
// duplicates with _01, _02, … before the extension.
type entryNames struct {
	used map[string]bool
}

func newEntryNames() *entryNames {
	return &entryNames{used: make(map[string]bool)}
}

// Allocate sanitizes and joins the components and returns a variant not yet
// handed out.
func (n *entryNames) Allocate(components ...string) string {
	parts := make([]string, 0, len(components))
	for _, c := range components {
		parts = append(parts, sanitizeComponent(c))
	}
	p := strings.Join(parts, "/")
	if !n.used[p] {
		n.used[p] = true
		return p
	}
	dir, file := path.Split(p)
	base, ext := splitExt(file)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s%s_%02d%s", dir, base, i, ext)
		if !n.used[candidate] {
			n.used[candidate] = true
			return candidate
		}
	}
}

// splitExt splits "report.txt" into ("report", ".txt"); extensionless names
// and dotfiles keep the whole name as base.
func splitExt(name string) (string, string) {
	ext := path.Ext(name)
	if ext == name {
		return name, ""
	}
	return strings.TrimSuffix(name, ext), ext
}
