package catalog

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func writeFile(t *testing.T, dir, name string, size int) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSnapshotIsImmutable(t *testing.T) {
	files := []FileDescriptor{{Name: "a", Size: 1}, {Name: "b", Size: 2}}
	s := NewSnapshot(files)
	files[0].Name = "changed"
	d := s.Descriptors()
	d[1].Size = 99

	if fd, ok := s.Get(1); !ok || fd.Name != "a" {
		t.Fatalf("Get(1) = %+v, %v", fd, ok)
	}
	if fd, _ := s.Get(2); fd.Size != 2 {
		t.Fatalf("Get(2) = %+v", fd)
	}
	for _, id := range []int{0, -1, 3} {
		if _, ok := s.Get(id); ok {
			t.Fatalf("Get(%d) resolved", id)
		}
	}
}

func TestAdvertisable(t *testing.T) {
	for _, name := range []string{"a.txt", "with space", "ünïcode.bin", ".hidden"} {
		if !Advertisable(name) {
			t.Errorf("%q rejected", name)
		}
	}
	for _, name := range []string{"", ".", "..", "a;b", "a/b", `a\b`, "line\nbreak", "nul\x00"} {
		if Advertisable(name) {
			t.Errorf("%q accepted", name)
		}
	}
}

func TestDirList(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "b.bin", 3)
	writeFile(t, root, "a.txt", 1200)
	writeFile(t, root, "semi;colon", 1)
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	snap, err := Capture(NewDir(root, zaptest.NewLogger(t)))
	if err != nil {
		t.Fatal(err)
	}
	want := []FileDescriptor{{Name: "a.txt", Size: 1200}, {Name: "b.bin", Size: 3}}
	got := snap.Descriptors()
	if len(got) != len(want) {
		t.Fatalf("listed %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry %d = %+v, want %+v", i+1, got[i], want[i])
		}
	}
}

func TestDirListMissingRoot(t *testing.T) {
	if _, err := Capture(NewDir(filepath.Join(t.TempDir(), "gone"), nil)); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestDirOpen(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	d := NewDir(root, nil)

	f, err := d.Open("a.txt")
	if err != nil {
		t.Fatal(err)
	}
	b, err := io.ReadAll(f)
	f.Close()
	if err != nil || string(b) != "hello" {
		t.Fatalf("read %q, %v", b, err)
	}

	if _, err := d.Open("../a.txt"); !errors.Is(err, errInvalidName) {
		t.Fatalf("expected errInvalidName, got %v", err)
	}
	if _, err := d.Open("missing"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestWatchedInvalidatesOnChange(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", 10)
	w, err := Watch(NewDir(root, nil), zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	files, err := w.List()
	if err != nil || len(files) != 1 {
		t.Fatalf("List = %+v, %v", files, err)
	}

	writeFile(t, root, "b.txt", 20)
	deadline := time.Now().Add(5 * time.Second)
	for {
		files, err = w.List()
		if err != nil {
			t.Fatal(err)
		}
		if len(files) == 2 && files[1].Name == "b.txt" && files[1].Size == 20 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("cache never refreshed: %+v", files)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := os.Remove(filepath.Join(root, "a.txt")); err != nil {
		t.Fatal(err)
	}
	deadline = time.Now().Add(5 * time.Second)
	for {
		files, _ = w.List()
		if len(files) == 1 && files[0].Name == "b.txt" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("removal not observed: %+v", files)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatchedListReturnsCopy(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", 1)
	w, err := Watch(NewDir(root, nil), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	files, _ := w.List()
	files[0].Name = "mutated"
	again, _ := w.List()
	if again[0].Name != "a.txt" {
		t.Fatalf("cache aliased caller slice: %+v", again)
	}
}
