// Package stream is the catalog transfer over a reliable byte stream.
//
// The exchange is the same as the datagram one, carried as newline
// terminated control lines: READY, SIZES, SEND, then NUM (the byte length)
// and HASH, the file content as raw bytes, and the requester's verdict. The
// transport already delivers in order and without loss, so there are no
// per-packet acknowledgments. An ERROR verdict restarts the exchange at
// READY on the same connection. Read failures end the connection.
package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/andres-erbsen/clock"

	"udpxfer/internal/wire"
	"udpxfer/internal/xfer"
)

const sockBuf = 4 * 1024 * 1024

var aLongTimeAgo = time.Unix(1, 0)

func tuneSock(c net.Conn) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return
	}
	tc.SetNoDelay(true)
	tc.SetReadBuffer(sockBuf)
	tc.SetWriteBuffer(sockBuf)
}

// lineConn frames control lines over one connection and bounds each read
// with a deadline.
type lineConn struct {
	c   net.Conn
	r   *bufio.Reader
	w   *bufio.Writer
	clk clock.Clock
}

func newLineConn(c net.Conn, clk clock.Clock) *lineConn {
	tuneSock(c)
	return &lineConn{c: c, r: bufio.NewReader(c), w: bufio.NewWriter(c), clk: clk}
}

// watch unblocks pending I/O when ctx is done.
func (l *lineConn) watch(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, func() { _ = l.c.SetDeadline(aLongTimeAgo) })
}

func (l *lineConn) write(msgs ...wire.Message) error {
	for _, m := range msgs {
		if err := wire.WriteLine(l.w, m); err != nil {
			return err
		}
	}
	return l.w.Flush()
}

func (l *lineConn) deadline(timeout time.Duration) error {
	var d time.Time
	if timeout > 0 {
		d = l.clk.Now().Add(timeout)
	}
	return l.c.SetReadDeadline(d)
}

// read returns the next control line. Decode failures wrap
// xfer.ErrProtocol; anything the connection reports is returned as is.
func (l *lineConn) read(ctx context.Context, timeout time.Duration) (wire.Message, error) {
	if err := l.deadline(timeout); err != nil {
		return wire.Message{}, err
	}
	m, err := wire.ReadLine(l.r)
	if err != nil {
		return wire.Message{}, l.classify(ctx, err)
	}
	return m, nil
}

func (l *lineConn) classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, wire.ErrUnknownTag) {
		return fmt.Errorf("%w: %v", xfer.ErrProtocol, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("connection idle: %w", err)
	}
	return err
}

// idleReader refreshes the read deadline before every read so a long body
// is bounded by inactivity rather than total duration.
type idleReader struct {
	l       *lineConn
	timeout time.Duration
}

func (r idleReader) Read(p []byte) (int, error) {
	if err := r.l.deadline(r.timeout); err != nil {
		return 0, err
	}
	return r.l.r.Read(p)
}

var _ io.Reader = idleReader{}
