package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

var errInvalidName = errors.New("invalid name")

// Advertisable reports whether name can be carried in a READY payload and
// resolved back to a file inside the store root.
func Advertisable(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, ";\r\n\x00/\\")
}

// Dir serves the regular files of one directory, ordered by name.
type Dir struct {
	root string
	log  *zap.Logger
}

func NewDir(root string, log *zap.Logger) *Dir {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dir{root: root, log: log}
}

func (d *Dir) Root() string { return d.root }

func (d *Dir) List() ([]FileDescriptor, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, err
	}
	files := make([]FileDescriptor, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name := e.Name()
		if !Advertisable(name) {
			d.log.Debug("skip file not representable on the wire", zap.String("file", name))
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		files = append(files, FileDescriptor{Name: name, Size: uint64(info.Size())})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func (d *Dir) Open(name string) (File, error) {
	if !Advertisable(name) {
		return nil, fmt.Errorf("%w: %q", errInvalidName, name)
	}
	return os.Open(filepath.Join(d.root, name))
}

// Watched caches the listing of a Dir and drops the cache whenever the
// directory changes.
type Watched struct {
	dir     *Dir
	log     *zap.Logger
	watcher *fsnotify.Watcher

	mu     sync.Mutex
	gen    uint64
	valid  bool
	cached []FileDescriptor
}

func Watch(dir *Dir, log *zap.Logger) (*Watched, error) {
	if log == nil {
		log = zap.NewNop()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir.Root()); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir.Root(), err)
	}
	ws := &Watched{dir: dir, log: log, watcher: w}
	go ws.loop()
	return ws, nil
}

func (w *Watched) loop() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.log.Debug("catalog changed", zap.String("file", filepath.Base(ev.Name)), zap.Stringer("op", ev.Op))
			w.invalidate()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("catalog watch error", zap.Error(err))
			w.invalidate()
		}
	}
}

func (w *Watched) invalidate() {
	w.mu.Lock()
	w.gen++
	w.valid = false
	w.mu.Unlock()
}

func (w *Watched) List() ([]FileDescriptor, error) {
	w.mu.Lock()
	if w.valid {
		out := append([]FileDescriptor(nil), w.cached...)
		w.mu.Unlock()
		return out, nil
	}
	gen := w.gen
	w.mu.Unlock()

	files, err := w.dir.List()
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	if w.gen == gen {
		w.cached = files
		w.valid = true
	}
	w.mu.Unlock()
	return append([]FileDescriptor(nil), files...), nil
}

func (w *Watched) Open(name string) (File, error) { return w.dir.Open(name) }

func (w *Watched) Close() error { return w.watcher.Close() }
