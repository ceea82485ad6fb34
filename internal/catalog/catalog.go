// Package catalog captures the list of files a provider advertises.
package catalog

import (
	"fmt"
	"io"
)

// FileDescriptor is one advertised file.
type FileDescriptor struct {
	Name string
	Size uint64
}

// Snapshot is an ordered, immutable catalog. External identifiers are
// 1-based positions and stay stable for the lifetime of one session.
type Snapshot struct {
	files []FileDescriptor
}

// NewSnapshot copies files so later changes to the slice do not leak in.
func NewSnapshot(files []FileDescriptor) Snapshot {
	cp := make([]FileDescriptor, len(files))
	copy(cp, files)
	return Snapshot{files: cp}
}

func (s Snapshot) Len() int { return len(s.files) }

// Get resolves a 1-based identifier.
func (s Snapshot) Get(id int) (FileDescriptor, bool) {
	if id < 1 || id > len(s.files) {
		return FileDescriptor{}, false
	}
	return s.files[id-1], true
}

func (s Snapshot) Descriptors() []FileDescriptor {
	cp := make([]FileDescriptor, len(s.files))
	copy(cp, s.files)
	return cp
}

func (s Snapshot) Names() []string {
	out := make([]string, len(s.files))
	for i, f := range s.files {
		out[i] = f.Name
	}
	return out
}

func (s Snapshot) Sizes() []uint64 {
	out := make([]uint64, len(s.files))
	for i, f := range s.files {
		out[i] = f.Size
	}
	return out
}

// File is an opened catalog entry.
type File interface {
	io.ReadSeeker
	io.Closer
}

// Store enumerates and opens the files a provider can serve.
type Store interface {
	List() ([]FileDescriptor, error)
	Open(name string) (File, error)
}

// Capture takes the snapshot a new session advertises.
func Capture(st Store) (Snapshot, error) {
	files, err := st.List()
	if err != nil {
		return Snapshot{}, fmt.Errorf("list catalog: %w", err)
	}
	return NewSnapshot(files), nil
}
