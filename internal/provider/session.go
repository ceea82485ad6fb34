// Package provider serves a catalog to requesters over datagrams: a
// rendezvous listener hands every first contact to a pooled transfer
// session that owns a dedicated channel to that one peer.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"syscall"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"udpxfer/internal/catalog"
	"udpxfer/internal/transport"
	"udpxfer/internal/wire"
	"udpxfer/internal/xfer"
)

type state int

const (
	stateAdvertising state = iota
	stateAwaitSelection
	stateSendingMetadata
	stateStreaming
	stateAwaitVerdict
	stateDone
)

func (s state) String() string {
	switch s {
	case stateAdvertising:
		return "ADVERTISING"
	case stateAwaitSelection:
		return "AWAIT_SELECTION"
	case stateSendingMetadata:
		return "SENDING_METADATA"
	case stateStreaming:
		return "STREAMING"
	case stateAwaitVerdict:
		return "AWAIT_VERDICT"
	case stateDone:
		return "DONE"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// SessionParams wires one transfer session. Channel, Store and Catalog
// are required.
type SessionParams struct {
	ID      string
	Channel transport.Channel
	Store   catalog.Store
	Catalog catalog.Snapshot
	Options xfer.Options
	Clock   clock.Clock
	Log     *zap.Logger
	Stats   tally.Scope
}

// Session is the provider-side state machine for one peer. It is owned by
// a single worker and shares nothing with other sessions.
type Session struct {
	id    string
	ch    transport.Channel
	store catalog.Store
	snap  catalog.Snapshot
	opts  xfer.Options
	clk   clock.Clock
	log   *zap.Logger
	stats tally.Scope

	state state
	// rejected is set while the attempt after an ERROR verdict runs.
	rejected bool
}

var _ xfer.ProviderSession = (*Session)(nil)

func NewSession(p SessionParams) *Session {
	if p.Clock == nil {
		p.Clock = clock.New()
	}
	if p.Log == nil {
		p.Log = zap.NewNop()
	}
	if p.Stats == nil {
		p.Stats = tally.NoopScope
	}
	return &Session{
		id:    p.ID,
		ch:    p.Channel,
		store: p.Store,
		snap:  p.Catalog,
		opts:  p.Options.WithDefaults(),
		clk:   p.Clock,
		log:   p.Log,
		stats: p.Stats,
	}
}

// plan is what SENDING_METADATA computed for the selected file.
type plan struct {
	file    catalog.FileDescriptor
	size    uint64
	packets int
	digest  string
}

// Run advertises, serves the selection and restarts at ADVERTISING on
// every restartable failure until the peer reports OK. The caller owns the
// channel and closes it.
func (s *Session) Run(ctx context.Context) (xfer.Outcome, error) {
	start := s.clk.Now()
	s.stats.Counter("sessions_started").Inc(1)

	for attempt := 1; ; attempt++ {
		if !s.opts.AttemptsLeft(attempt) {
			s.stats.Counter("sessions_failed").Inc(1)
			return xfer.Outcome{}, fmt.Errorf("%w: %d attempts", xfer.ErrRetriesExhausted, attempt-1)
		}
		p, err := s.runOnce(ctx, attempt > 1)
		if err == nil {
			s.enter(stateDone)
			d := s.clk.Now().Sub(start)
			s.stats.Counter("sessions_completed").Inc(1)
			s.stats.Timer("transfer_duration").Record(d)
			return xfer.Outcome{
				SessionID: s.id,
				Peer:      peerString(s.ch),
				File:      p.file,
				Packets:   p.packets,
				Attempts:  attempt,
				Duration:  d,
			}, nil
		}
		if errors.Is(err, xfer.ErrPeerGone) {
			s.stats.Counter("sessions_abandoned").Inc(1)
			s.log.Info("peer left after restart", zap.Int("attempt", attempt), zap.Error(err))
			return xfer.Outcome{
				SessionID: s.id,
				Peer:      peerString(s.ch),
				Attempts:  attempt,
				Duration:  s.clk.Now().Sub(start),
				Abandoned: true,
			}, err
		}
		if !xfer.IsRestartable(err) {
			s.stats.Counter("sessions_failed").Inc(1)
			return xfer.Outcome{}, err
		}

		s.rejected = errors.Is(err, xfer.ErrIntegrity)
		reason := xfer.RestartReason(err)
		s.stats.Tagged(map[string]string{"reason": reason}).Counter("restarts").Inc(1)
		if errors.Is(err, xfer.ErrAckRejected) {
			s.log.Warn("stream aborted by acknowledgment", zap.Int("attempt", attempt), zap.Error(err))
		} else {
			s.log.Info("restarting at advertisement", zap.Int("attempt", attempt), zap.String("reason", reason), zap.Error(err))
		}
	}
}

// runOnce is one pass from ADVERTISING. A requester that restarts does so
// on a fresh contact, so on a re-advertisement a refused send or a missing
// selection means the peer has gone.
func (s *Session) runOnce(ctx context.Context, readvertised bool) (plan, error) {
	s.enter(stateAdvertising)
	if err := s.advertise(); err != nil {
		return plan{}, s.checkGone(readvertised, err)
	}

	s.enter(stateAwaitSelection)
	fd, err := s.awaitSelection(ctx, readvertised)
	if err != nil {
		return plan{}, err
	}

	s.enter(stateSendingMetadata)
	f, err := s.store.Open(fd.Name)
	if err != nil {
		// the snapshot is stale; the peer recovers through a fresh contact
		_ = s.sendMsg(wire.Msg(wire.TagError, ""))
		return plan{}, fmt.Errorf("open %s: %w", fd.Name, err)
	}
	defer f.Close()

	p, err := s.sendMetadata(fd, f)
	if err != nil {
		return plan{}, err
	}

	s.enter(stateStreaming)
	if err := s.stream(ctx, p, f); err != nil {
		return plan{}, err
	}

	s.enter(stateAwaitVerdict)
	return p, s.awaitVerdict(ctx)
}

func (s *Session) enter(st state) {
	s.state = st
	s.log.Debug("state", zap.Stringer("state", st))
}

func (s *Session) advertise() error {
	ready, sizes := wire.EncodeCatalog(s.snap)
	if err := s.sendMsg(ready); err != nil {
		return err
	}
	return s.sendMsg(sizes)
}

// awaitSelection answers ERROR to anything but a SEND naming an id of the
// snapshot, including a selection that never arrives on first advertisement.
func (s *Session) awaitSelection(ctx context.Context, readvertised bool) (catalog.FileDescriptor, error) {
	timeout := s.opts.SelectTimeout
	if s.rejected {
		// the peer already chose once and is expected to restart elsewhere
		timeout = s.opts.RecvTimeout
	}
	fd, err := s.readSelection(ctx, timeout)
	if err != nil {
		err = s.checkGone(readvertised, err)
	}
	if err != nil && xfer.IsRestartable(err) {
		if serr := s.sendMsg(wire.Msg(wire.TagError, "")); serr != nil {
			return catalog.FileDescriptor{}, serr
		}
	}
	return fd, err
}

// checkGone turns a timeout or a refused datagram on a re-advertisement
// into ErrPeerGone.
func (s *Session) checkGone(readvertised bool, err error) error {
	if !readvertised {
		return err
	}
	if errors.Is(err, xfer.ErrTimeout) || errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("%w: %v", xfer.ErrPeerGone, err)
	}
	return err
}

func (s *Session) readSelection(ctx context.Context, timeout time.Duration) (catalog.FileDescriptor, error) {
	b, err := s.ch.Recv(ctx, timeout)
	if err != nil {
		return catalog.FileDescriptor{}, err
	}
	m, err := wire.Expect(b, wire.TagSend)
	if err != nil {
		return catalog.FileDescriptor{}, fmt.Errorf("%w: %v", xfer.ErrProtocol, err)
	}
	id, err := m.Int()
	if err != nil {
		return catalog.FileDescriptor{}, fmt.Errorf("%w: %v", xfer.ErrProtocol, err)
	}
	fd, ok := s.snap.Get(int(id))
	if !ok {
		return catalog.FileDescriptor{}, fmt.Errorf("%w: selection %d outside 1..%d", xfer.ErrProtocol, id, s.snap.Len())
	}
	s.log.Info("file selected", zap.Int64("id", id), zap.String("file", fd.Name), zap.Uint64("size", fd.Size))
	return fd, nil
}

func (s *Session) sendMetadata(fd catalog.FileDescriptor, f catalog.File) (plan, error) {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return plan{}, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return plan{}, err
	}
	if uint64(size) != fd.Size {
		s.log.Warn("file changed since advertisement", zap.String("file", fd.Name),
			zap.Uint64("advertised", fd.Size), zap.Int64("actual", size))
	}
	sum, err := s.opts.Hasher.SumReader(f)
	if err != nil {
		return plan{}, fmt.Errorf("digest %s: %w", fd.Name, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return plan{}, err
	}

	p := plan{
		file:    fd,
		size:    uint64(size),
		packets: wire.PacketCount(uint64(size), s.opts.MaxPayload),
		digest:  sum,
	}
	if err := s.sendMsg(wire.IntMsg(wire.TagNum, int64(p.packets))); err != nil {
		return plan{}, err
	}
	if err := s.sendMsg(wire.Msg(wire.TagHash, p.digest)); err != nil {
		return plan{}, err
	}
	return p, nil
}

// stream sends one packet at a time and blocks for its acknowledgment
// before reading the next one from the file.
func (s *Session) stream(ctx context.Context, p plan, f io.Reader) error {
	buf := make([]byte, s.opts.MaxPayload)
	packets := s.stats.Counter("packets_sent")
	bytesSent := s.stats.Counter("bytes_sent")

	for i := 1; i <= p.packets; i++ {
		n := wire.PacketLen(i, p.size, s.opts.MaxPayload)
		if _, err := io.ReadFull(f, buf[:n]); err != nil {
			return fmt.Errorf("read packet %d of %s: %w", i, p.file.Name, err)
		}
		if err := s.ch.Send(buf[:n]); err != nil {
			return err
		}
		b, err := s.ch.Recv(ctx, s.opts.RecvTimeout)
		if err != nil {
			return err
		}
		if m, err := wire.Decode(b); err != nil || m.Tag != wire.TagOK {
			return fmt.Errorf("%w: packet %d/%d", xfer.ErrAckRejected, i, p.packets)
		}
		packets.Inc(1)
		bytesSent.Inc(int64(n))
	}
	return nil
}

func (s *Session) awaitVerdict(ctx context.Context) error {
	b, err := s.ch.Recv(ctx, s.opts.RecvTimeout)
	if err != nil {
		return err
	}
	m, err := wire.Decode(b)
	if err != nil {
		return fmt.Errorf("%w: verdict: %v", xfer.ErrProtocol, err)
	}
	switch m.Tag {
	case wire.TagOK:
		return nil
	case wire.TagError:
		return fmt.Errorf("%w: reported by peer", xfer.ErrIntegrity)
	}
	return fmt.Errorf("%w: verdict %s", xfer.ErrProtocol, m.Tag)
}

func (s *Session) sendMsg(m wire.Message) error {
	b, err := wire.Encode(m)
	if err != nil {
		return err
	}
	return s.ch.Send(b)
}

func peerString(ch transport.Channel) string {
	if a := ch.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
