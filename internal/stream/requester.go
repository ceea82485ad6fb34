package stream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"udpxfer/internal/catalog"
	"udpxfer/internal/digest"
	"udpxfer/internal/progress"
	"udpxfer/internal/requester"
	"udpxfer/internal/wire"
	"udpxfer/internal/xfer"
)

const dialTimeout = 15 * time.Second

type Config struct {
	Addr     string
	Options  xfer.Options
	DestDir  string
	Progress io.Writer
}

// Orchestrator fetches one file over a single connection.
type Orchestrator struct {
	cfg   Config
	opts  xfer.Options
	sel   requester.Selector
	clk   clock.Clock
	stats tally.Scope
	log   *zap.Logger
}

var _ xfer.RequesterOrchestrator = (*Orchestrator)(nil)

func NewOrchestrator(cfg Config, sel requester.Selector, clk clock.Clock, stats tally.Scope, log *zap.Logger) *Orchestrator {
	if clk == nil {
		clk = clock.New()
	}
	if stats == nil {
		stats = tally.NoopScope
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, opts: cfg.Options.WithDefaults(), sel: sel, clk: clk, stats: stats, log: log}
}

func (o *Orchestrator) Fetch(ctx context.Context) (xfer.Result, error) {
	d := net.Dialer{Timeout: dialTimeout}
	c, err := d.DialContext(ctx, "tcp", o.cfg.Addr)
	if err != nil {
		return xfer.Result{}, fmt.Errorf("connect %s: %w", o.cfg.Addr, err)
	}
	defer c.Close()
	lc := newLineConn(c, o.clk)
	stop := lc.watch(ctx)
	defer stop()

	start := o.clk.Now()
	for attempt := 1; ; attempt++ {
		if !o.opts.AttemptsLeft(attempt) {
			return xfer.Result{}, fmt.Errorf("%w: %d attempts", xfer.ErrRetriesExhausted, attempt-1)
		}
		fd, content, sum, err := o.attempt(ctx, lc)
		if err == nil {
			res := xfer.Result{
				File:     fd,
				Content:  content,
				Digest:   sum,
				Attempts: attempt,
				Duration: o.clk.Now().Sub(start),
			}
			if o.cfg.DestDir != "" {
				if res.Path, err = requester.Save(o.cfg.DestDir, fd.Name, content); err != nil {
					return res, err
				}
			}
			o.stats.Counter("fetches_completed").Inc(1)
			o.log.Info("file verified", zap.String("file", fd.Name), zap.Int("bytes", len(content)), zap.Int("attempts", attempt))
			return res, nil
		}
		if !xfer.IsRestartable(err) {
			return xfer.Result{}, err
		}
		reason := xfer.RestartReason(err)
		o.stats.Tagged(map[string]string{"reason": reason}).Counter("restarts").Inc(1)
		o.log.Info("restarting at advertisement", zap.Int("attempt", attempt), zap.String("reason", reason), zap.Error(err))
	}
}

func (o *Orchestrator) attempt(ctx context.Context, lc *lineConn) (catalog.FileDescriptor, []byte, string, error) {
	var fd catalog.FileDescriptor
	ready, err := o.expect(ctx, lc, wire.TagReady)
	if err != nil {
		return fd, nil, "", err
	}
	sizes, err := o.expect(ctx, lc, wire.TagSizes)
	if err != nil {
		return fd, nil, "", err
	}
	snap, err := wire.DecodeCatalog(ready, sizes)
	if err != nil {
		return fd, nil, "", fmt.Errorf("%w: %v", xfer.ErrProtocol, err)
	}
	if snap.Len() == 0 {
		return fd, nil, "", xfer.ErrEmptyCatalog
	}

	id, err := o.sel.Select(ctx, snap)
	if err != nil {
		return fd, nil, "", err
	}
	fd, ok := snap.Get(id)
	if !ok {
		return fd, nil, "", fmt.Errorf("%w: id %d outside 1..%d", requester.ErrNoSelection, id, snap.Len())
	}
	if err := lc.write(wire.IntMsg(wire.TagSend, int64(id))); err != nil {
		return fd, nil, "", err
	}

	m, err := lc.read(ctx, o.opts.RecvTimeout)
	if err != nil {
		return fd, nil, "", err
	}
	if m.Tag == wire.TagError {
		return fd, nil, "", fmt.Errorf("%w: selection rejected by provider", xfer.ErrProtocol)
	}
	if m.Tag != wire.TagNum {
		return fd, nil, "", fmt.Errorf("%w: expected %s, got %s", xfer.ErrProtocol, wire.TagNum, m.Tag)
	}
	size, err := m.Int()
	if err != nil || size < 0 {
		return fd, nil, "", fmt.Errorf("%w: length %q", xfer.ErrProtocol, m.Payload)
	}
	h, err := o.expect(ctx, lc, wire.TagHash)
	if err != nil {
		return fd, nil, "", err
	}

	var buf bytes.Buffer
	var dst io.Writer = &buf
	var bar *progress.Bar
	if o.cfg.Progress != nil {
		bar = progress.New(o.cfg.Progress, o.clk, fd.Name, size)
		dst = io.MultiWriter(&buf, barWriter{bar})
	}
	if _, err := io.CopyN(dst, idleReader{l: lc, timeout: o.opts.RecvTimeout}, size); err != nil {
		return fd, nil, "", lc.classify(ctx, err)
	}
	bar.Finish()
	o.stats.Counter("bytes_received").Inc(size)

	content := buf.Bytes()
	got := o.opts.Hasher.Sum(content)
	if !digest.Equal(got, h.Payload) {
		o.log.Warn("digest mismatch", zap.String("file", fd.Name), zap.String("want", h.Payload), zap.String("got", got))
		if err := lc.write(wire.Msg(wire.TagError, "")); err != nil {
			return fd, nil, "", err
		}
		return fd, nil, "", fmt.Errorf("%w: %s", xfer.ErrIntegrity, fd.Name)
	}
	if err := lc.write(wire.Msg(wire.TagOK, "")); err != nil {
		return fd, nil, "", err
	}
	return fd, content, got, nil
}

func (o *Orchestrator) expect(ctx context.Context, lc *lineConn, want wire.Tag) (wire.Message, error) {
	m, err := lc.read(ctx, o.opts.RecvTimeout)
	if err != nil {
		return wire.Message{}, err
	}
	if m.Tag != want {
		return wire.Message{}, fmt.Errorf("%w: expected %s, got %s", xfer.ErrProtocol, want, m.Tag)
	}
	return m, nil
}

type barWriter struct{ b *progress.Bar }

func (w barWriter) Write(p []byte) (int, error) {
	w.b.Advance(int64(len(p)))
	return len(p), nil
}
