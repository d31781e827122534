package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"

	"github.com/quincefs/quince/internal/capability"
	"github.com/quincefs/quince/internal/storage"
)

// Entry describes one archive member.
type Entry struct {
	// Path is the raw member path as stored in the archive.
	Path string
	// Size is the uncompressed size. Header sizes are re-checked while
	// streaming.
	Size int64
	// Compressed is the stored size when the container reports one (zip),
	// else 0.
	Compressed int64
	IsDir      bool
	IsSymlink  bool
}

// WalkFunc receives each entry in archive order. The open function streams
// the entry's content and is valid only until the callback returns.
type WalkFunc func(e *Entry, open func() (io.ReadCloser, error)) error

// Source is an opened archive that can be walked repeatedly: once to plan,
// once to extract. Tar variants replay the underlying stream on each walk.
type Source interface {
	Walk(ctx context.Context, fn WalkFunc) error
	Close() error
}

// OpenSource opens the archive stored at key on the source gateway. Zip
// archives on backends with range-read support are read in place through the
// central directory; everything else is spooled to an unlinked temp file,
// refused outright above maxSpool.
func OpenSource(ctx context.Context, gw *storage.Gateway, key string, size int64, format Format, maxSpool int64) (Source, error) {
	if format == FormatUnknown {
		return nil, storage.Unreadable("unsupported archive format", nil)
	}

	if format == FormatZip && size > 0 && gw.Capabilities().Has(capability.RangeRead) {
		ra := &rangeReaderAt{ctx: ctx, gw: gw, key: key}
		zr, err := zip.NewReader(ra, size)
		if err != nil {
			return nil, storage.Unreadable("invalid zip archive", err)
		}
		return newZipSource(zr, nil), nil
	}

	if size > maxSpool {
		return nil, spoolCeiling(maxSpool)
	}

	f, spooled, err := spool(ctx, gw, key, maxSpool)
	if err != nil {
		return nil, err
	}

	if format == FormatZip {
		zr, err := zip.NewReader(io.NewSectionReader(f, 0, spooled), spooled)
		if err != nil {
			f.Close()
			return nil, storage.Unreadable("invalid zip archive", err)
		}
		return newZipSource(zr, f), nil
	}

	return &tarSource{format: format, file: f, size: spooled}, nil
}

func spoolCeiling(max int64) error {
	return storage.Unreadable(
		fmt.Sprintf("archive exceeds the %d byte processing ceiling", max), nil)
}

// spool copies the archive into an unlinked temp file so it can be re-read.
// The ceiling is enforced during the copy; a source that lies about its size
// still cannot exceed it.
func spool(ctx context.Context, gw *storage.Gateway, key string, max int64) (*os.File, int64, error) {
	rc, err := gw.OpenRead(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	defer rc.Close()

	f, err := os.CreateTemp("", "quince-spool-*")
	if err != nil {
		return nil, 0, storage.Unavailable(err)
	}
	os.Remove(f.Name())

	n, err := io.Copy(f, io.LimitReader(rc, max+1))
	if err != nil {
		f.Close()
		return nil, 0, storage.Unavailable(err)
	}
	if n > max {
		f.Close()
		return nil, 0, spoolCeiling(max)
	}
	return f, n, nil
}

// rangeReaderAt adapts gated range reads into the io.ReaderAt the zip
// central-directory reader wants. Every ReadAt is one ranged request.
type rangeReaderAt struct {
	ctx context.Context
	gw  *storage.Gateway
	key string
}

func (r *rangeReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	rc, err := r.gw.RangeRead(r.ctx, r.key, off, int64(len(p)))
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	n, err := io.ReadFull(rc, p)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n, err
}

type zipSource struct {
	zr     *zip.Reader
	closer io.Closer
}

func newZipSource(zr *zip.Reader, closer io.Closer) *zipSource {
	// klauspost's flate decompresses markedly faster than stdlib.
	zr.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
		return flate.NewReader(r)
	})
	return &zipSource{zr: zr, closer: closer}
}

func (s *zipSource) Walk(ctx context.Context, fn WalkFunc) error {
	for _, f := range s.zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		mode := f.Mode()
		e := &Entry{
			Path:       f.Name,
			Size:       int64(f.UncompressedSize64),
			Compressed: int64(f.CompressedSize64),
			IsDir:      mode.IsDir() || strings.HasSuffix(f.Name, "/"),
			IsSymlink:  mode&fs.ModeSymlink != 0,
		}
		if !e.IsDir && !e.IsSymlink && !mode.IsRegular() {
			continue // sockets, devices and the like
		}
		if err := fn(e, f.Open); err != nil {
			return err
		}
	}
	return nil
}

func (s *zipSource) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

type tarSource struct {
	format Format
	file   *os.File
	size   int64
}

// decompressed returns a fresh decoded stream from the start of the spool.
func (s *tarSource) decompressed() (io.Reader, error) {
	sec := io.NewSectionReader(s.file, 0, s.size)
	switch s.format {
	case FormatTar:
		return sec, nil
	case FormatTarGz:
		zr, err := gzip.NewReader(sec)
		if err != nil {
			return nil, storage.Unreadable("invalid gzip stream", err)
		}
		return zr, nil
	case FormatTarBz2:
		return bzip2.NewReader(sec), nil
	case FormatTarXz:
		xr, err := xz.NewReader(sec)
		if err != nil {
			return nil, storage.Unreadable("invalid xz stream", err)
		}
		return xr, nil
	default:
		return nil, storage.Unreadable("unsupported archive format", nil)
	}
}

func (s *tarSource) Walk(ctx context.Context, fn WalkFunc) error {
	r, err := s.decompressed()
	if err != nil {
		return err
	}
	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return storage.Unreadable("invalid tar archive", err)
		}

		e := &Entry{Path: hdr.Name, Size: hdr.Size}
		switch hdr.Typeflag {
		case tar.TypeDir:
			e.IsDir = true
		case tar.TypeSymlink, tar.TypeLink:
			e.IsSymlink = true
			e.Size = 0
		case tar.TypeReg:
		default:
			continue // fifos, devices, metadata entries
		}

		open := func() (io.ReadCloser, error) { return io.NopCloser(tr), nil }
		if err := fn(e, open); err != nil {
			return err
		}
	}
}

func (s *tarSource) Close() error { return s.file.Close() }
