// Package transport provides the peer-pinned datagram channels the
// protocol runs on: the provider's rendezvous socket, the dedicated channel
// allocated per session, and the requester's contact socket.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"udpxfer/internal/wire"
	"udpxfer/internal/xfer"
)

const recvBuf = 64 * 1024

// aLongTimeAgo unblocks a pending read when its context is cancelled.
var aLongTimeAgo = time.Unix(1, 0)

var errNotPinned = errors.New("peer not pinned yet")

// Channel is one datagram endpoint pinned to a single peer.
type Channel interface {
	Send(b []byte) error
	// Recv blocks for the next datagram from the pinned peer. A timeout of
	// zero waits forever; an expired timeout wraps xfer.ErrTimeout.
	Recv(ctx context.Context, timeout time.Duration) ([]byte, error)
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Options tunes sockets created by this package.
type Options struct {
	Clock clock.Clock
	Log   *zap.Logger
	// TOS is applied to outgoing datagrams when non-zero.
	TOS int
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	return o
}

// Conn is the UDP implementation of Channel.
//
// On the provider side the socket is connected, so the kernel filters
// foreign senders. On the requester side the socket is unconnected until
// the first datagram arrives: its origin becomes the pinned peer and
// datagrams from any other origin are dropped.
type Conn struct {
	c         *net.UDPConn
	connected bool
	peer      *net.UDPAddr
	clk       clock.Clock
	log       *zap.Logger
	buf       []byte
}

func newConn(c *net.UDPConn, connected bool, peer *net.UDPAddr, opts Options) *Conn {
	if opts.TOS != 0 {
		if err := ipv4.NewConn(c).SetTOS(opts.TOS); err != nil {
			opts.Log.Debug("set tos failed", zap.Int("tos", opts.TOS), zap.Error(err))
		}
	}
	return &Conn{
		c:         c,
		connected: connected,
		peer:      peer,
		clk:       opts.Clock,
		log:       opts.Log,
		buf:       make([]byte, recvBuf),
	}
}

func (c *Conn) Send(b []byte) error {
	if c.connected {
		_, err := c.c.Write(b)
		return err
	}
	if c.peer == nil {
		return errNotPinned
	}
	_, err := c.c.WriteToUDP(b, c.peer)
	return err
}

func (c *Conn) Recv(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = c.c.SetReadDeadline(aLongTimeAgo) })
	defer stop()

	var deadline time.Time
	if timeout > 0 {
		deadline = c.clk.Now().Add(timeout)
	}
	if err := c.c.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	for {
		n, from, err := c.c.ReadFromUDP(c.buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, fmt.Errorf("%w after %s", xfer.ErrTimeout, timeout)
			}
			return nil, err
		}
		if !c.connected {
			if c.peer == nil {
				c.peer = from
				c.log.Debug("peer pinned", zap.Stringer("peer", from))
			} else if !sameAddr(from, c.peer) {
				c.log.Debug("drop datagram from foreign origin", zap.Stringer("from", from), zap.Stringer("peer", c.peer))
				continue
			}
		}
		out := make([]byte, n)
		copy(out, c.buf[:n])
		return out, nil
	}
}

func (c *Conn) Close() error { return c.c.Close() }

func (c *Conn) LocalAddr() net.Addr { return c.c.LocalAddr() }

// RemoteAddr is nil on a requester socket until the peer is pinned.
func (c *Conn) RemoteAddr() net.Addr {
	if c.peer == nil {
		return nil
	}
	return c.peer
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

// ─────────────────────────────────────────────────────────────────────────────
// PROVIDER SIDE
// ─────────────────────────────────────────────────────────────────────────────

// Contact is one first-contact datagram seen on the rendezvous address.
type Contact struct {
	Peer *net.UDPAddr
	// Local is the address the datagram was sent to, when the platform
	// reports it. The dedicated channel binds to it so replies leave from
	// the interface the requester reached.
	Local net.IP
}

// Rendezvous is the well-known address that accepts first contact.
type Rendezvous struct {
	conn    *net.UDPConn
	pc      *ipv4.PacketConn
	log     *zap.Logger
	dstInfo bool
}

func Listen(addr string, log *zap.Logger) (*Rendezvous, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ua, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", ua)
	if err != nil {
		return nil, err
	}
	r := &Rendezvous{conn: conn, pc: ipv4.NewPacketConn(conn), log: log}
	if err := r.pc.SetControlMessage(ipv4.FlagDst, true); err != nil {
		log.Debug("destination address of contacts unavailable", zap.Error(err))
	} else {
		r.dstInfo = true
	}
	return r, nil
}

func (r *Rendezvous) Addr() *net.UDPAddr { return r.conn.LocalAddr().(*net.UDPAddr) }

// Accept blocks for the next first-contact datagram. Its content is
// irrelevant beyond its presence.
func (r *Rendezvous) Accept(ctx context.Context) (Contact, error) {
	if err := ctx.Err(); err != nil {
		return Contact{}, err
	}
	stop := context.AfterFunc(ctx, func() { _ = r.conn.SetReadDeadline(aLongTimeAgo) })
	defer stop()

	buf := make([]byte, 64)
	for {
		_, cm, src, err := r.pc.ReadFrom(buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Contact{}, ctxErr
			}
			return Contact{}, err
		}
		peer, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}
		ct := Contact{Peer: peer}
		if r.dstInfo && cm != nil && (cm.Dst.IsLoopback() || cm.Dst.IsGlobalUnicast()) {
			ct.Local = cm.Dst
		}
		return ct, nil
	}
}

func (r *Rendezvous) Close() error { return r.conn.Close() }

// OpenDedicated allocates the per-session channel for ct on a fresh
// ephemeral port, connected to the requester.
func OpenDedicated(ct Contact, opts Options) (*Conn, error) {
	opts = opts.withDefaults()
	var laddr *net.UDPAddr
	if ct.Local != nil {
		laddr = &net.UDPAddr{IP: ct.Local}
	}
	c, err := net.DialUDP("udp4", laddr, ct.Peer)
	if err != nil {
		return nil, fmt.Errorf("open dedicated channel for %s: %w", ct.Peer, err)
	}
	return newConn(c, true, ct.Peer, opts), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// REQUESTER SIDE
// ─────────────────────────────────────────────────────────────────────────────

// Dialer opens a fresh contact for every orchestration attempt.
type Dialer interface {
	Dial(ctx context.Context) (Channel, error)
}

// UDPDialer contacts a provider's rendezvous address.
type UDPDialer struct {
	Rendezvous string
	Options    Options
}

// Dial sends the first-contact datagram from a new socket. The returned
// channel pins the provider's dedicated channel on its first Recv.
func (d UDPDialer) Dial(ctx context.Context) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := d.Options.withDefaults()
	ra, err := net.ResolveUDPAddr("udp4", d.Rendezvous)
	if err != nil {
		return nil, err
	}
	c, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, err
	}
	if _, err := c.WriteToUDP([]byte{wire.ContactByte}, ra); err != nil {
		c.Close()
		return nil, fmt.Errorf("contact %s: %w", ra, err)
	}
	opts.Log.Debug("contact sent", zap.Stringer("rendezvous", ra), zap.Stringer("local", c.LocalAddr()))
	return newConn(c, false, nil, opts), nil
}
