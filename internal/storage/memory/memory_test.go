package memory

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/quincefs/quince/internal/storage"
)

func put(t *testing.T, b *Backend, key, content string) {
	t.Helper()
	w, err := b.OpenWrite(context.Background(), key)
	if err != nil {
		t.Fatalf("OpenWrite(%q): %v", key, err)
	}
	if _, err := io.WriteString(w, content); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	b := New()
	put(t, b, "docs/readme.txt", "hello")

	r, err := b.OpenRead(context.Background(), "docs/readme.txt")
	if err != nil {
		t.Fatalf("OpenRead: %v", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("got %q, want %q", data, "hello")
	}
}

func TestAbortDiscardsWrite(t *testing.T) {
	b := New()
	w, err := b.OpenWrite(context.Background(), "a.txt")
	if err != nil {
		t.Fatalf("OpenWrite: %v", err)
	}
	io.WriteString(w, "partial")
	if err := w.(interface{ Abort() error }).Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if ok, _ := b.Exists(context.Background(), "a.txt"); ok {
		t.Error("aborted write left an object behind")
	}
}

func TestRangeRead(t *testing.T) {
	b := New()
	put(t, b, "data.bin", "0123456789")

	cases := []struct {
		offset, length int64
		want           string
	}{
		{0, 4, "0123"},
		{5, 0, "56789"},
		{8, 100, "89"},
	}
	for _, tc := range cases {
		r, err := b.RangeRead(context.Background(), "data.bin", tc.offset, tc.length)
		if err != nil {
			t.Fatalf("RangeRead(%d,%d): %v", tc.offset, tc.length, err)
		}
		data, _ := io.ReadAll(r)
		r.Close()
		if string(data) != tc.want {
			t.Errorf("RangeRead(%d,%d) = %q, want %q", tc.offset, tc.length, data, tc.want)
		}
	}
}

func TestReadMissingIsNotFound(t *testing.T) {
	b := New()
	_, err := b.OpenRead(context.Background(), "nope")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestListReturnsDirectChildren(t *testing.T) {
	b := New()
	put(t, b, "root/a.txt", "a")
	put(t, b, "root/sub/b.txt", "b")
	put(t, b, "root/sub/deep/c.txt", "c")
	put(t, b, "other/d.txt", "d")

	infos, err := b.List(context.Background(), "root")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("got %d entries, want 2: %+v", len(infos), infos)
	}
	if infos[0].Name != "a.txt" || infos[0].IsDir {
		t.Errorf("entry 0 = %+v, want file a.txt", infos[0])
	}
	if infos[1].Name != "sub" || !infos[1].IsDir {
		t.Errorf("entry 1 = %+v, want dir sub", infos[1])
	}
}

func TestRenameMovesDirectoryTree(t *testing.T) {
	b := New()
	put(t, b, "old/a.txt", "a")
	put(t, b, "old/sub/b.txt", "b")

	if err := b.Rename(context.Background(), "old", "new"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	for _, key := range []string{"new/a.txt", "new/sub/b.txt"} {
		if ok, _ := b.Exists(context.Background(), key); !ok {
			t.Errorf("%s missing after rename", key)
		}
	}
	if ok, _ := b.Exists(context.Background(), "old/a.txt"); ok {
		t.Error("old key still present after rename")
	}
}

func TestDeleteMissingIsNoError(t *testing.T) {
	b := New()
	if err := b.Delete(context.Background(), "ghost"); err != nil {
		t.Errorf("Delete missing: %v", err)
	}
}
