// Package progress draws the one-line transfer bar shown on a terminal.
package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andres-erbsen/clock"
)

const (
	labelWidth  = 20
	barWidth    = 28
	redrawEvery = 150 * time.Millisecond
)

// Bar tracks bytes received for one file. A nil *Bar is a no-op so callers
// can pass one unconditionally.
type Bar struct {
	w     io.Writer
	clk   clock.Clock
	label string
	total int64
	done  atomic.Int64

	mu   sync.Mutex
	t0   time.Time
	last time.Time
}

func New(w io.Writer, clk clock.Clock, label string, total int64) *Bar {
	if clk == nil {
		clk = clock.New()
	}
	if len(label) > labelWidth {
		label = label[len(label)-labelWidth:]
	}
	now := clk.Now()
	return &Bar{w: w, clk: clk, label: label, total: max(total, 1), t0: now}
}

func (b *Bar) Advance(n int64) {
	if b == nil {
		return
	}
	done := b.done.Add(n)
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clk.Now()
	if now.Sub(b.last) >= redrawEvery || done >= b.total {
		b.last = now
		b.draw(now)
	}
}

func (b *Bar) Finish() {
	if b == nil {
		return
	}
	b.done.Store(b.total)
	b.mu.Lock()
	b.draw(b.clk.Now())
	b.mu.Unlock()
	fmt.Fprintln(b.w)
}

func (b *Bar) draw(now time.Time) {
	done := min(b.done.Load(), b.total)
	frac := float64(done) / float64(b.total)
	filled := int(frac * barWidth)

	var rate float64
	if elapsed := now.Sub(b.t0); elapsed > 0 {
		rate = float64(done) / elapsed.Seconds()
	}
	var eta time.Duration
	if rate > 0 {
		eta = time.Duration(float64(b.total-done) / rate * float64(time.Second))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "\r  %-*s [", labelWidth, b.label)
	sb.WriteString(strings.Repeat("#", filled))
	sb.WriteString(strings.Repeat(".", barWidth-filled))
	fmt.Fprintf(&sb, "] %5.1f%%  %s/s  ETA %s", frac*100, FormatSize(rate), FormatDuration(eta))
	io.WriteString(b.w, sb.String())
}

const sizeUnits = "KMGT"

// FormatSize renders a byte count with a binary unit, padded for columns.
func FormatSize(n float64) string {
	if n < 1024 {
		return fmt.Sprintf("%6.1f B", n)
	}
	u := -1
	for n >= 1024 && u < len(sizeUnits)-1 {
		n /= 1024
		u++
	}
	return fmt.Sprintf("%6.1f %cB", n, sizeUnits[u])
}

// FormatDuration renders d to the second as "42s" or "3m07s".
func FormatDuration(d time.Duration) string {
	sec := int64(d.Round(time.Second) / time.Second)
	if sec < 60 {
		return fmt.Sprintf("%ds", sec)
	}
	return fmt.Sprintf("%dm%02ds", sec/60, sec%60)
}
