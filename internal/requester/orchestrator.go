// Package requester fetches one file from a provider: it contacts the
// rendezvous address, picks an entry of the advertised catalog, receives
// the packets one acknowledgment at a time and verifies the digest.
package requester

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/andres-erbsen/clock"
	"github.com/google/uuid"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"udpxfer/internal/catalog"
	"udpxfer/internal/digest"
	"udpxfer/internal/progress"
	"udpxfer/internal/transport"
	"udpxfer/internal/wire"
	"udpxfer/internal/xfer"
)

type state int

const (
	stateContacting state = iota
	stateAwaitCatalog
	stateSelecting
	stateAwaitMetadata
	stateReceiving
	stateVerifying
	stateReporting
	stateDone
)

func (s state) String() string {
	switch s {
	case stateContacting:
		return "CONTACTING"
	case stateAwaitCatalog:
		return "AWAIT_CATALOG"
	case stateSelecting:
		return "SELECTING"
	case stateAwaitMetadata:
		return "AWAIT_METADATA"
	case stateReceiving:
		return "RECEIVING"
	case stateVerifying:
		return "VERIFYING"
	case stateReporting:
		return "REPORTING"
	case stateDone:
		return "DONE"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Config tunes an Orchestrator.
type Config struct {
	Options xfer.Options
	// DestDir, when set, receives the verified file under its catalog name.
	DestDir string
	// Progress, when set, shows a transfer bar.
	Progress io.Writer
}

// Orchestrator is the requester-side state machine. Every attempt dials a
// fresh contact, so a restart always lands on a new dedicated channel.
type Orchestrator struct {
	cfg    Config
	opts   xfer.Options
	dialer transport.Dialer
	sel    Selector
	clk    clock.Clock
	stats  tally.Scope
	log    *zap.Logger

	state state
}

var _ xfer.RequesterOrchestrator = (*Orchestrator)(nil)

func New(cfg Config, dialer transport.Dialer, sel Selector, clk clock.Clock, stats tally.Scope, log *zap.Logger) *Orchestrator {
	if clk == nil {
		clk = clock.New()
	}
	if stats == nil {
		stats = tally.NoopScope
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		cfg:    cfg,
		opts:   cfg.Options.WithDefaults(),
		dialer: dialer,
		sel:    sel,
		clk:    clk,
		stats:  stats,
		log:    log,
	}
}

const maxPrealloc = 64 << 20

// received is what one attempt brought back before verification.
type received struct {
	file    catalog.FileDescriptor
	packets int
	digest  string
	content []byte
}

// Fetch runs attempts until one verifies, a fatal error occurs or the
// attempt budget runs out.
func (o *Orchestrator) Fetch(ctx context.Context) (xfer.Result, error) {
	start := o.clk.Now()
	id := uuid.NewString()
	log := o.log.With(zap.String("fetch", id))
	o.stats.Counter("fetches_started").Inc(1)

	for attempt := 1; ; attempt++ {
		if !o.opts.AttemptsLeft(attempt) {
			o.stats.Counter("fetches_failed").Inc(1)
			return xfer.Result{}, fmt.Errorf("%w: %d attempts", xfer.ErrRetriesExhausted, attempt-1)
		}
		rc, err := o.attempt(ctx, log.With(zap.Int("attempt", attempt)))
		if err == nil {
			o.enter(log, stateDone)
			res := xfer.Result{
				File:     rc.file,
				Content:  rc.content,
				Digest:   rc.digest,
				Packets:  rc.packets,
				Attempts: attempt,
				Duration: o.clk.Now().Sub(start),
			}
			if o.cfg.DestDir != "" {
				path, err := Save(o.cfg.DestDir, rc.file.Name, rc.content)
				if err != nil {
					o.stats.Counter("fetches_failed").Inc(1)
					return res, err
				}
				res.Path = path
			}
			o.stats.Counter("fetches_completed").Inc(1)
			o.stats.Timer("fetch_duration").Record(res.Duration)
			log.Info("file verified",
				zap.String("file", rc.file.Name),
				zap.Int("bytes", len(rc.content)),
				zap.Int("packets", rc.packets),
				zap.Int("attempts", attempt),
				zap.String("path", res.Path))
			return res, nil
		}
		if !xfer.IsRestartable(err) {
			o.stats.Counter("fetches_failed").Inc(1)
			return xfer.Result{}, err
		}
		reason := xfer.RestartReason(err)
		o.stats.Tagged(map[string]string{"reason": reason}).Counter("restarts").Inc(1)
		log.Info("restarting from contact", zap.Int("attempt", attempt), zap.String("reason", reason), zap.Error(err))
	}
}

func (o *Orchestrator) enter(log *zap.Logger, st state) {
	o.state = st
	log.Debug("state", zap.Stringer("state", st))
}

func (o *Orchestrator) attempt(ctx context.Context, log *zap.Logger) (received, error) {
	o.enter(log, stateContacting)
	ch, err := o.dialer.Dial(ctx)
	if err != nil {
		return received{}, err
	}
	defer ch.Close()

	o.enter(log, stateAwaitCatalog)
	snap, err := o.awaitCatalog(ctx, ch)
	if err != nil {
		return received{}, err
	}
	if snap.Len() == 0 {
		return received{}, xfer.ErrEmptyCatalog
	}

	o.enter(log, stateSelecting)
	id, err := o.sel.Select(ctx, snap)
	if err != nil {
		return received{}, err
	}
	fd, ok := snap.Get(id)
	if !ok {
		return received{}, fmt.Errorf("%w: id %d outside 1..%d", ErrNoSelection, id, snap.Len())
	}
	if err := sendMsg(ch, wire.IntMsg(wire.TagSend, int64(id))); err != nil {
		return received{}, err
	}
	log.Info("file requested", zap.Int("id", id), zap.String("file", fd.Name), zap.Uint64("size", fd.Size))

	o.enter(log, stateAwaitMetadata)
	packets, want, err := o.awaitMetadata(ctx, ch)
	if err != nil {
		return received{}, err
	}

	o.enter(log, stateReceiving)
	content, err := o.receive(ctx, ch, fd, packets)
	if err != nil {
		return received{}, err
	}

	o.enter(log, stateVerifying)
	got := o.opts.Hasher.Sum(content)
	ok = digest.Equal(got, want)

	o.enter(log, stateReporting)
	if !ok {
		o.stats.Counter("integrity_failures").Inc(1)
		log.Warn("digest mismatch", zap.String("file", fd.Name), zap.String("want", want), zap.String("got", got))
		if err := sendMsg(ch, wire.Msg(wire.TagError, "")); err != nil {
			return received{}, err
		}
		return received{}, fmt.Errorf("%w: %s", xfer.ErrIntegrity, fd.Name)
	}
	if err := sendMsg(ch, wire.Msg(wire.TagOK, "")); err != nil {
		return received{}, err
	}
	return received{file: fd, packets: packets, digest: got, content: content}, nil
}

func (o *Orchestrator) awaitCatalog(ctx context.Context, ch transport.Channel) (catalog.Snapshot, error) {
	ready, err := o.recvExpect(ctx, ch, wire.TagReady)
	if err != nil {
		return catalog.Snapshot{}, err
	}
	sizes, err := o.recvExpect(ctx, ch, wire.TagSizes)
	if err != nil {
		return catalog.Snapshot{}, err
	}
	snap, err := wire.DecodeCatalog(ready, sizes)
	if err != nil {
		return catalog.Snapshot{}, fmt.Errorf("%w: %v", xfer.ErrProtocol, err)
	}
	return snap, nil
}

// awaitMetadata reads NUM and HASH. An ERROR in their place means the
// provider rejected the selection.
func (o *Orchestrator) awaitMetadata(ctx context.Context, ch transport.Channel) (int, string, error) {
	b, err := ch.Recv(ctx, o.opts.RecvTimeout)
	if err != nil {
		return 0, "", err
	}
	m, err := wire.Decode(b)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", xfer.ErrProtocol, err)
	}
	if m.Tag == wire.TagError {
		return 0, "", fmt.Errorf("%w: selection rejected by provider", xfer.ErrProtocol)
	}
	if m.Tag != wire.TagNum {
		return 0, "", fmt.Errorf("%w: expected %s, got %s", xfer.ErrProtocol, wire.TagNum, m.Tag)
	}
	n, err := m.Int()
	if err != nil || n < 0 {
		return 0, "", fmt.Errorf("%w: packet count %q", xfer.ErrProtocol, m.Payload)
	}
	h, err := o.recvExpect(ctx, ch, wire.TagHash)
	if err != nil {
		return 0, "", err
	}
	return int(n), h.Payload, nil
}

// receive appends packets in arrival order, acknowledging each one before
// the provider sends the next.
func (o *Orchestrator) receive(ctx context.Context, ch transport.Channel, fd catalog.FileDescriptor, packets int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(int(min(fd.Size, uint64(packets)*uint64(o.opts.MaxPayload), maxPrealloc)))

	var bar *progress.Bar
	if o.cfg.Progress != nil {
		bar = progress.New(o.cfg.Progress, o.clk, fd.Name, int64(fd.Size))
	}
	packetsIn := o.stats.Counter("packets_received")
	bytesIn := o.stats.Counter("bytes_received")

	for i := 1; i <= packets; i++ {
		b, err := ch.Recv(ctx, o.opts.RecvTimeout)
		if err != nil {
			return nil, fmt.Errorf("packet %d/%d: %w", i, packets, err)
		}
		if err := checkPacket(i, packets, len(b), o.opts.MaxPayload); err != nil {
			// a rejected ack aborts the provider's stream as well
			_ = sendMsg(ch, wire.Msg(wire.TagError, ""))
			return nil, err
		}
		buf.Write(b)
		if err := sendMsg(ch, wire.Msg(wire.TagOK, "")); err != nil {
			return nil, err
		}
		packetsIn.Inc(1)
		bytesIn.Inc(int64(len(b)))
		bar.Advance(int64(len(b)))
	}
	bar.Finish()
	return buf.Bytes(), nil
}

// checkPacket bounds a datagram by its position: every packet but the last
// is exactly maxPayload bytes and the last carries 1..maxPayload.
func checkPacket(i, packets, n, maxPayload int) error {
	switch {
	case n > maxPayload:
		return fmt.Errorf("%w: packet %d/%d is %d bytes, limit %d", xfer.ErrProtocol, i, packets, n, maxPayload)
	case i < packets && n != maxPayload:
		return fmt.Errorf("%w: packet %d/%d is %d bytes, want %d", xfer.ErrProtocol, i, packets, n, maxPayload)
	case n == 0:
		return fmt.Errorf("%w: packet %d/%d is empty", xfer.ErrProtocol, i, packets)
	}
	return nil
}

func (o *Orchestrator) recvExpect(ctx context.Context, ch transport.Channel, want wire.Tag) (wire.Message, error) {
	b, err := ch.Recv(ctx, o.opts.RecvTimeout)
	if err != nil {
		return wire.Message{}, err
	}
	m, err := wire.Expect(b, want)
	if err != nil {
		return wire.Message{}, fmt.Errorf("%w: %v", xfer.ErrProtocol, err)
	}
	return m, nil
}

func sendMsg(ch transport.Channel, m wire.Message) error {
	b, err := wire.Encode(m)
	if err != nil {
		return err
	}
	return ch.Send(b)
}

var errUnsafeName = errors.New("unsafe file name")

// Save writes content to dir/name through a temporary file so a partial
// write never appears under the final name.
func Save(dir, name string, content []byte) (string, error) {
	if !catalog.Advertisable(name) {
		return "", fmt.Errorf("%w: %q", errUnsafeName, name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(dir, name)
	tmp := dest + ".part"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename %s: %w", tmp, err)
	}
	return dest, nil
}
