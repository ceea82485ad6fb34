package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/andres-erbsen/clock"
	"github.com/google/uuid"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"udpxfer/internal/catalog"
	"udpxfer/internal/transport"
	"udpxfer/internal/workpool"
	"udpxfer/internal/xfer"
)

const DefaultWorkers = 25

// Config tunes the negotiation listener and its executor.
type Config struct {
	// Addr is the rendezvous address, e.g. ":4445".
	Addr     string
	Workers  int
	MaxQueue int
	TOS      int
	Options  xfer.Options
	// Results, when set, receives one Report per finished session.
	Results chan<- xfer.Report
}

// Server accepts first contacts on the rendezvous address and runs one
// Session per contact on a bounded pool of workers.
type Server struct {
	cfg   Config
	store catalog.Store
	clk   clock.Clock
	stats tally.Scope
	log   *zap.Logger

	pool   *workpool.Pool
	rv     *transport.Rendezvous
	active atomic.Int64
}

func NewServer(cfg Config, store catalog.Store, clk clock.Clock, stats tally.Scope, log *zap.Logger) *Server {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if clk == nil {
		clk = clock.New()
	}
	if stats == nil {
		stats = tally.NoopScope
	}
	if log == nil {
		log = zap.NewNop()
	}
	cfg.Options = cfg.Options.WithDefaults()
	return &Server{
		cfg:   cfg,
		store: store,
		clk:   clk,
		stats: stats,
		log:   log,
		pool:  workpool.New(cfg.Workers, cfg.MaxQueue),
	}
}

// Listen binds the rendezvous address. Serve calls it when needed.
func (s *Server) Listen() error {
	if s.rv != nil {
		return nil
	}
	rv, err := transport.Listen(s.cfg.Addr, s.log)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.rv = rv
	return nil
}

// Addr is the bound rendezvous address, nil before Listen.
func (s *Server) Addr() *net.UDPAddr {
	if s.rv == nil {
		return nil
	}
	return s.rv.Addr()
}

// Serve runs the accept loop until ctx is done. Sessions in flight are
// cancelled and their channels released before it returns.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	defer s.rv.Close()

	s.log.Info("provider listening",
		zap.Stringer("addr", s.rv.Addr()),
		zap.Int("workers", s.cfg.Workers),
		zap.Int("max_payload", s.cfg.Options.MaxPayload),
		zap.String("digest", s.cfg.Options.Hasher.Name()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.pool.Run(gctx) })
	g.Go(func() error { return s.acceptLoop(gctx) })
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context) error {
	contacts := s.stats.Counter("contacts")
	for {
		ct, err := s.rv.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return err
			}
			s.log.Warn("rendezvous read failed", zap.Error(err))
			continue
		}
		contacts.Inc(1)
		s.log.Debug("first contact", zap.Stringer("peer", ct.Peer))
		if err := s.pool.Submit(func(ctx context.Context) { s.serveContact(ctx, ct) }); err != nil {
			s.stats.Counter("contacts_dropped").Inc(1)
			s.log.Warn("contact dropped", zap.Stringer("peer", ct.Peer), zap.Error(err))
			continue
		}
		s.stats.Gauge("queued").Update(float64(s.pool.Queued()))
	}
}

// serveContact runs on a worker. The dedicated channel is opened here, not
// at contact time, so queued peers hold no socket.
func (s *Server) serveContact(ctx context.Context, ct transport.Contact) {
	peer := ct.Peer.String()
	if err := ctx.Err(); err != nil {
		s.log.Debug("contact discarded on shutdown", zap.String("peer", peer))
		return
	}
	id := uuid.NewString()
	log := s.log.With(zap.String("session", id), zap.String("peer", peer))

	snap, err := catalog.Capture(s.store)
	if err != nil {
		log.Error("catalog unavailable", zap.Error(err))
		s.report(ctx, xfer.Report{Peer: peer, Err: err})
		return
	}
	ch, err := transport.OpenDedicated(ct, transport.Options{Clock: s.clk, Log: log, TOS: s.cfg.TOS})
	if err != nil {
		log.Error("dedicated channel unavailable", zap.Error(err))
		s.report(ctx, xfer.Report{Peer: peer, Err: err})
		return
	}
	defer ch.Close()

	s.stats.Gauge("sessions_active").Update(float64(s.active.Add(1)))
	defer func() { s.stats.Gauge("sessions_active").Update(float64(s.active.Add(-1))) }()

	log.Info("session started", zap.Stringer("channel", ch.LocalAddr()), zap.Int("files", snap.Len()))
	sess := NewSession(SessionParams{
		ID:      id,
		Channel: ch,
		Store:   s.store,
		Catalog: snap,
		Options: s.cfg.Options,
		Clock:   s.clk,
		Log:     log,
		Stats:   s.stats,
	})
	out, err := sess.Run(ctx)
	switch {
	case errors.Is(err, xfer.ErrPeerGone):
		log.Info("session abandoned by peer", zap.Int("attempts", out.Attempts), zap.Error(err))
		err = nil
	case err != nil:
		log.Warn("session ended", zap.Error(err))
	default:
		log.Info("transfer verified by peer",
			zap.String("file", out.File.Name),
			zap.Int("packets", out.Packets),
			zap.Int("attempts", out.Attempts),
			zap.Duration("took", out.Duration))
	}
	s.report(ctx, xfer.Report{Outcome: out, Peer: peer, Err: err})
}

func (s *Server) report(ctx context.Context, r xfer.Report) {
	if s.cfg.Results == nil {
		return
	}
	select {
	case s.cfg.Results <- r:
	case <-ctx.Done():
	}
}
