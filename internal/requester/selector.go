package requester

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"udpxfer/internal/catalog"
	"udpxfer/internal/progress"
)

var ErrNoSelection = errors.New("no file selected")

// Selector picks the 1-based identifier of the file to fetch from a
// catalog. It is consulted again after every restart since the catalog may
// have changed.
type Selector interface {
	Select(ctx context.Context, snap catalog.Snapshot) (int, error)
}

// SelectorFunc adapts a function to Selector.
type SelectorFunc func(ctx context.Context, snap catalog.Snapshot) (int, error)

func (f SelectorFunc) Select(ctx context.Context, snap catalog.Snapshot) (int, error) {
	return f(ctx, snap)
}

// Fixed always selects the same identifier.
type Fixed int

func (f Fixed) Select(_ context.Context, snap catalog.Snapshot) (int, error) {
	if _, ok := snap.Get(int(f)); !ok {
		return 0, fmt.Errorf("%w: id %d outside 1..%d", ErrNoSelection, int(f), snap.Len())
	}
	return int(f), nil
}

// Named selects the entry with an exact name.
type Named string

func (n Named) Select(_ context.Context, snap catalog.Snapshot) (int, error) {
	for i, name := range snap.Names() {
		if name == string(n) {
			return i + 1, nil
		}
	}
	return 0, fmt.Errorf("%w: %q not in catalog", ErrNoSelection, string(n))
}

// ConsoleSelector lists the catalog and reads an identifier typed by the
// user, asking again until it is in range.
type ConsoleSelector struct {
	out io.Writer
	in  *bufio.Reader
}

func NewConsoleSelector(in io.Reader, out io.Writer) *ConsoleSelector {
	return &ConsoleSelector{out: out, in: bufio.NewReader(in)}
}

func (c *ConsoleSelector) Select(ctx context.Context, snap catalog.Snapshot) (int, error) {
	PrintCatalog(c.out, snap)
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		fmt.Fprintf(c.out, "Select a file [1-%d]: ", snap.Len())
		line, err := c.in.ReadString('\n')
		line = strings.TrimSpace(line)
		if line == "" && err != nil {
			if errors.Is(err, io.EOF) {
				return 0, fmt.Errorf("%w: input closed", ErrNoSelection)
			}
			return 0, err
		}
		id, perr := strconv.Atoi(line)
		if perr == nil {
			if _, ok := snap.Get(id); ok {
				return id, nil
			}
		}
		fmt.Fprintf(c.out, "  !! %q is not a number between 1 and %d\n", line, snap.Len())
		if err != nil {
			return 0, fmt.Errorf("%w: input closed", ErrNoSelection)
		}
	}
}

// PrintCatalog writes one "id) name | size" line per entry.
func PrintCatalog(w io.Writer, snap catalog.Snapshot) {
	fmt.Fprintf(w, "\n  %d file(s) available\n", snap.Len())
	for i, fd := range snap.Descriptors() {
		fmt.Fprintf(w, "  %3d) %s | %s\n", i+1, fd.Name, strings.TrimSpace(progress.FormatSize(float64(fd.Size))))
	}
	fmt.Fprintln(w)
}
