package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"io"
	"io/fs"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/quincefs/quince/internal/capability"
	"github.com/quincefs/quince/internal/storage"
	"github.com/quincefs/quince/internal/storage/memory"
)

func fullCaps() capability.Set {
	return capability.Set{
		capability.RangeRead:      true,
		capability.ListDir:        true,
		capability.StreamingWrite: true,
		capability.AtomicRename:   true,
		capability.SafeForExtract: true,
	}
}

func putObject(t *testing.T, gw *storage.Gateway, key string, data []byte) {
	t.Helper()
	sink, err := gw.OpenWrite(context.Background(), key)
	if err != nil {
		t.Fatalf("open write %s: %v", key, err)
	}
	if _, err := sink.Write(data); err != nil {
		t.Fatalf("write %s: %v", key, err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close %s: %v", key, err)
	}
}

type fixtureEntry struct {
	name    string
	body    string
	symlink bool
}

func buildZipFixture(t *testing.T, entries []fixtureEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		if strings.HasSuffix(e.name, "/") {
			if _, err := zw.Create(e.name); err != nil {
				t.Fatalf("zip dir %s: %v", e.name, err)
			}
			continue
		}
		hdr := &zip.FileHeader{Name: e.name, Method: zip.Deflate}
		if e.symlink {
			hdr.SetMode(fs.ModeSymlink | 0o777)
		} else {
			hdr.SetMode(0o644)
		}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			t.Fatalf("zip entry %s: %v", e.name, err)
		}
		if _, err := w.Write([]byte(e.body)); err != nil {
			t.Fatalf("zip body %s: %v", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func buildTarGzFixture(t *testing.T, entries []fixtureEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0o644}
		switch {
		case strings.HasSuffix(e.name, "/"):
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0o755
		case e.symlink:
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = e.body
		default:
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(e.body))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("tar header %s: %v", e.name, err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(e.body)); err != nil {
				t.Fatalf("tar body %s: %v", e.name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

type walkedEntry struct {
	path    string
	size    int64
	isDir   bool
	symlink bool
	body    string
}

func collectEntries(t *testing.T, src Source) []walkedEntry {
	t.Helper()
	var out []walkedEntry
	err := src.Walk(context.Background(), func(e *Entry, open func() (io.ReadCloser, error)) error {
		we := walkedEntry{path: e.Path, size: e.Size, isDir: e.IsDir, symlink: e.IsSymlink}
		if !e.IsDir && !e.IsSymlink {
			rc, err := open()
			if err != nil {
				return err
			}
			b, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return err
			}
			we.body = string(b)
		}
		out = append(out, we)
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	return out
}

func TestOpenSourceZipViaRangeReads(t *testing.T) {
	gw := storage.NewGateway(memory.New(), fullCaps())
	data := buildZipFixture(t, []fixtureEntry{
		{name: "docs/"},
		{name: "docs/a.txt", body: "hello"},
		{name: "b.txt", body: "world"},
	})
	putObject(t, gw, "up/test.zip", data)

	src, err := OpenSource(context.Background(), gw, "up/test.zip", int64(len(data)), FormatZip, 1<<20)
	if err != nil {
		t.Fatalf("open source: %v", err)
	}
	defer src.Close()

	got := collectEntries(t, src)
	want := []walkedEntry{
		{path: "docs/", isDir: true},
		{path: "docs/a.txt", size: 5, body: "hello"},
		{path: "b.txt", size: 5, body: "world"},
	}
	if len(got) != len(want) {
		t.Fatalf("entries = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestOpenSourceZipSpoolsWithoutRangeRead(t *testing.T) {
	backend := memory.New()
	seed := storage.NewGateway(backend, fullCaps())
	noRange := storage.NewGateway(backend, capability.Set{capability.StreamingWrite: true})

	data := buildZipFixture(t, []fixtureEntry{{name: "a.txt", body: "hello"}})
	putObject(t, seed, "test.zip", data)

	src, err := OpenSource(context.Background(), noRange, "test.zip", int64(len(data)), FormatZip, 1<<20)
	if err != nil {
		t.Fatalf("open source: %v", err)
	}
	defer src.Close()

	got := collectEntries(t, src)
	if len(got) != 1 || got[0].body != "hello" {
		t.Fatalf("entries = %+v, want one entry with body hello", got)
	}
}

func TestOpenSourceTarGz(t *testing.T) {
	gw := storage.NewGateway(memory.New(), fullCaps())
	data := buildTarGzFixture(t, []fixtureEntry{
		{name: "docs/"},
		{name: "docs/a.txt", body: "hello"},
		{name: "link", body: "docs/a.txt", symlink: true},
		{name: "b.txt", body: "world"},
	})
	putObject(t, gw, "test.tar.gz", data)

	src, err := OpenSource(context.Background(), gw, "test.tar.gz", int64(len(data)), FormatTarGz, 1<<20)
	if err != nil {
		t.Fatalf("open source: %v", err)
	}
	defer src.Close()

	// Extraction walks the archive twice: once to plan, once to stream.
	for pass := 0; pass < 2; pass++ {
		got := collectEntries(t, src)
		want := []walkedEntry{
			{path: "docs/", isDir: true},
			{path: "docs/a.txt", size: 5, body: "hello"},
			{path: "link", symlink: true},
			{path: "b.txt", size: 5, body: "world"},
		}
		if len(got) != len(want) {
			t.Fatalf("pass %d: entries = %d, want %d", pass, len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("pass %d entry %d = %+v, want %+v", pass, i, got[i], want[i])
			}
		}
	}
}

func TestOpenSourceRefusesOversizedSpool(t *testing.T) {
	gw := storage.NewGateway(memory.New(), fullCaps())
	data := buildTarGzFixture(t, []fixtureEntry{{name: "a.txt", body: strings.Repeat("x", 4096)}})
	putObject(t, gw, "big.tar.gz", data)

	// Declared size above the ceiling is refused before any byte moves.
	_, err := OpenSource(context.Background(), gw, "big.tar.gz", 1<<40, FormatTarGz, 1<<20)
	if storage.CodeOf(err) != storage.CodeArchiveUnreadable {
		t.Fatalf("declared-size refusal: code = %q, want %q", storage.CodeOf(err), storage.CodeArchiveUnreadable)
	}

	// A size that lies low is caught while spooling.
	_, err = OpenSource(context.Background(), gw, "big.tar.gz", 10, FormatTarGz, 10)
	if storage.CodeOf(err) != storage.CodeArchiveUnreadable {
		t.Fatalf("spool refusal: code = %q, want %q", storage.CodeOf(err), storage.CodeArchiveUnreadable)
	}
}

func TestOpenSourceInvalidZip(t *testing.T) {
	gw := storage.NewGateway(memory.New(), fullCaps())
	putObject(t, gw, "broken.zip", []byte("this is not a zip archive"))

	_, err := OpenSource(context.Background(), gw, "broken.zip", 25, FormatZip, 1<<20)
	if storage.CodeOf(err) != storage.CodeArchiveUnreadable {
		t.Fatalf("code = %q, want %q", storage.CodeOf(err), storage.CodeArchiveUnreadable)
	}
}

func TestOpenSourceInvalidGzipFailsOnWalk(t *testing.T) {
	gw := storage.NewGateway(memory.New(), fullCaps())
	putObject(t, gw, "broken.tar.gz", []byte("this is not gzip"))

	src, err := OpenSource(context.Background(), gw, "broken.tar.gz", 16, FormatTarGz, 1<<20)
	if err != nil {
		t.Fatalf("open source: %v", err)
	}
	defer src.Close()

	err = src.Walk(context.Background(), func(*Entry, func() (io.ReadCloser, error)) error { return nil })
	if storage.CodeOf(err) != storage.CodeArchiveUnreadable {
		t.Fatalf("code = %q, want %q", storage.CodeOf(err), storage.CodeArchiveUnreadable)
	}
}
