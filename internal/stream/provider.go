package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"github.com/andres-erbsen/clock"
	"github.com/google/uuid"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"udpxfer/internal/catalog"
	"udpxfer/internal/wire"
	"udpxfer/internal/workpool"
	"udpxfer/internal/xfer"
)

// SessionParams wires one provider session. Conn, Store and Catalog are
// required.
type SessionParams struct {
	ID      string
	Conn    net.Conn
	Store   catalog.Store
	Catalog catalog.Snapshot
	Options xfer.Options
	Clock   clock.Clock
	Log     *zap.Logger
	Stats   tally.Scope
}

// Session serves one connected requester.
type Session struct {
	id    string
	conn  net.Conn
	lc    *lineConn
	store catalog.Store
	snap  catalog.Snapshot
	opts  xfer.Options
	clk   clock.Clock
	log   *zap.Logger
	stats tally.Scope
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
		conn:  p.Conn,
		lc:    newLineConn(p.Conn, p.Clock),
		store: p.Store,
		snap:  p.Catalog,
		opts:  p.Options.WithDefaults(),
		clk:   p.Clock,
		log:   p.Log,
		stats: p.Stats,
	}
}

// Run serves selections until the requester accepts one transfer. The
// caller owns the connection.
func (s *Session) Run(ctx context.Context) (xfer.Outcome, error) {
	stop := s.lc.watch(ctx)
	defer stop()

	start := s.clk.Now()
	s.stats.Counter("sessions_started").Inc(1)
	for attempt := 1; ; attempt++ {
		if !s.opts.AttemptsLeft(attempt) {
			s.stats.Counter("sessions_failed").Inc(1)
			return xfer.Outcome{}, fmt.Errorf("%w: %d attempts", xfer.ErrRetriesExhausted, attempt-1)
		}
		fd, size, err := s.runOnce(ctx)
		if err == nil {
			d := s.clk.Now().Sub(start)
			s.stats.Counter("sessions_completed").Inc(1)
			s.stats.Timer("transfer_duration").Record(d)
			return xfer.Outcome{
				SessionID: s.id,
				Peer:      s.conn.RemoteAddr().String(),
				File:      fd,
				Attempts:  attempt,
				Duration:  d,
			}, nil
		}
		if !xfer.IsRestartable(err) {
			s.stats.Counter("sessions_failed").Inc(1)
			return xfer.Outcome{}, err
		}
		reason := xfer.RestartReason(err)
		s.stats.Tagged(map[string]string{"reason": reason}).Counter("restarts").Inc(1)
		s.log.Info("restarting at advertisement", zap.Int("attempt", attempt), zap.String("reason", reason),
			zap.Int64("bytes", size), zap.Error(err))
	}
}

func (s *Session) runOnce(ctx context.Context) (catalog.FileDescriptor, int64, error) {
	ready, sizes := wire.EncodeCatalog(s.snap)
	if err := s.lc.write(ready, sizes); err != nil {
		return catalog.FileDescriptor{}, 0, err
	}

	fd, err := s.readSelection(ctx)
	if err != nil {
		if xfer.IsRestartable(err) {
			if werr := s.lc.write(wire.Msg(wire.TagError, "")); werr != nil {
				return fd, 0, werr
			}
		}
		return fd, 0, err
	}

	f, err := s.store.Open(fd.Name)
	if err != nil {
		_ = s.lc.write(wire.Msg(wire.TagError, ""))
		return fd, 0, fmt.Errorf("open %s: %w", fd.Name, err)
	}
	defer f.Close()

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return fd, 0, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fd, 0, err
	}
	sum, err := s.opts.Hasher.SumReader(f)
	if err != nil {
		return fd, 0, fmt.Errorf("digest %s: %w", fd.Name, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fd, 0, err
	}
	if err := s.lc.write(wire.IntMsg(wire.TagNum, size), wire.Msg(wire.TagHash, sum)); err != nil {
		return fd, 0, err
	}

	n, err := io.CopyN(s.lc.w, f, size)
	if err != nil {
		return fd, n, fmt.Errorf("send %s: %w", fd.Name, err)
	}
	if err := s.lc.w.Flush(); err != nil {
		return fd, n, err
	}
	s.stats.Counter("bytes_sent").Inc(n)

	m, err := s.lc.read(ctx, s.opts.RecvTimeout)
	if err != nil {
		return fd, n, err
	}
	switch m.Tag {
	case wire.TagOK:
		return fd, n, nil
	case wire.TagError:
		return fd, n, fmt.Errorf("%w: reported by peer", xfer.ErrIntegrity)
	}
	return fd, n, fmt.Errorf("%w: verdict %s", xfer.ErrProtocol, m.Tag)
}

func (s *Session) readSelection(ctx context.Context) (catalog.FileDescriptor, error) {
	m, err := s.lc.read(ctx, s.opts.SelectTimeout)
	if err != nil {
		return catalog.FileDescriptor{}, err
	}
	if m.Tag != wire.TagSend {
		return catalog.FileDescriptor{}, fmt.Errorf("%w: expected %s, got %s", xfer.ErrProtocol, wire.TagSend, m.Tag)
	}
	id, err := m.Int()
	if err != nil {
		return catalog.FileDescriptor{}, fmt.Errorf("%w: %v", xfer.ErrProtocol, err)
	}
	fd, ok := s.snap.Get(int(id))
	if !ok {
		return catalog.FileDescriptor{}, fmt.Errorf("%w: selection %d outside 1..%d", xfer.ErrProtocol, id, s.snap.Len())
	}
	s.log.Info("file selected", zap.Int64("id", id), zap.String("file", fd.Name))
	return fd, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// SERVER
// ─────────────────────────────────────────────────────────────────────────────

type ServerConfig struct {
	Addr     string
	Workers  int
	MaxQueue int
	Options  xfer.Options
	Results  chan<- xfer.Report
}

// Server accepts connections and serves each one on the worker pool.
type Server struct {
	cfg   ServerConfig
	store catalog.Store
	clk   clock.Clock
	stats tally.Scope
	log   *zap.Logger

	pool   *workpool.Pool
	ln     net.Listener
	active atomic.Int64
}

func NewServer(cfg ServerConfig, store catalog.Store, clk clock.Clock, stats tally.Scope, log *zap.Logger) *Server {
	if cfg.Workers <= 0 {
		cfg.Workers = 25
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

func (s *Server) Listen() error {
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.log.Info("stream provider listening", zap.Stringer("addr", s.ln.Addr()), zap.Int("workers", s.cfg.Workers))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.pool.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		return s.ln.Close()
	})
	g.Go(func() error {
		for {
			c, err := s.ln.Accept()
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return err
				}
				s.log.Warn("accept failed", zap.Error(err))
				continue
			}
			if err := s.pool.Submit(func(ctx context.Context) { s.serveConn(ctx, c) }); err != nil {
				s.log.Warn("connection dropped", zap.Stringer("peer", c.RemoteAddr()), zap.Error(err))
				c.Close()
			}
		}
	})
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) serveConn(ctx context.Context, c net.Conn) {
	defer c.Close()
	peer := c.RemoteAddr().String()
	if ctx.Err() != nil {
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
	s.stats.Gauge("sessions_active").Update(float64(s.active.Add(1)))
	defer func() { s.stats.Gauge("sessions_active").Update(float64(s.active.Add(-1))) }()

	out, err := NewSession(SessionParams{
		ID:      id,
		Conn:    c,
		Store:   s.store,
		Catalog: snap,
		Options: s.cfg.Options,
		Clock:   s.clk,
		Log:     log,
		Stats:   s.stats,
	}).Run(ctx)
	if err != nil {
		log.Warn("session ended", zap.Error(err))
	} else {
		log.Info("transfer verified by peer", zap.String("file", out.File.Name), zap.Int("attempts", out.Attempts))
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
