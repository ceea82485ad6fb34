package progress

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
)

func TestFormatSize(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0.0 B"},
		{548, "548.0 B"},
		{2048, "2.0 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
		{3 * 1024 * 1024 * 1024 * 1024, "3.0 TB"},
		{2048 * 1024 * 1024 * 1024 * 1024, "2048.0 TB"},
	}
	for _, tt := range tests {
		if got := strings.TrimSpace(FormatSize(tt.in)); got != tt.want {
			t.Errorf("FormatSize(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0s"},
		{42 * time.Second, "42s"},
		{59600 * time.Millisecond, "1m00s"},
		{time.Minute, "1m00s"},
		{187 * time.Second, "3m07s"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.in); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBarDrawsAndFinishes(t *testing.T) {
	var out bytes.Buffer
	clk := clock.NewMock()
	b := New(&out, clk, "a-rather-long-file-name.bin", 1000)

	clk.Add(time.Second)
	b.Advance(500)
	if !strings.Contains(out.String(), "50.0%") {
		t.Fatalf("expected 50%% in %q", out.String())
	}

	// within the redraw interval nothing is written
	n := out.Len()
	b.Advance(10)
	if out.Len() != n {
		t.Fatalf("redraw not throttled: %q", out.String())
	}

	b.Finish()
	if !strings.Contains(out.String(), "100.0%") || !strings.HasSuffix(out.String(), "\n") {
		t.Fatalf("unexpected finish output %q", out.String())
	}
	if strings.Contains(out.String(), "a-rather") {
		t.Fatalf("label not truncated: %q", out.String())
	}
}

func TestNilBar(t *testing.T) {
	var b *Bar
	b.Advance(1)
	b.Finish()
}
