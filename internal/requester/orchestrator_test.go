package requester

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap/zaptest"

	"udpxfer/internal/catalog"
	"udpxfer/internal/digest"
	"udpxfer/internal/provider"
	"udpxfer/internal/transport"
	"udpxfer/internal/xfer"
)

// startProvider serves files from a temporary directory on loopback.
func startProvider(t *testing.T, files map[string][]byte, cfg provider.Config) string {
	t.Helper()
	dir := t.TempDir()
	for name, b := range files {
		if err := os.WriteFile(filepath.Join(dir, name), b, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	log := zaptest.NewLogger(t)
	cfg.Addr = "127.0.0.1:0"
	srv := provider.NewServer(cfg, catalog.NewDir(dir, log), nil, nil, log.Named("provider"))
	if err := srv.Listen(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ctx); err != nil {
			t.Errorf("serve: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv.Addr().String()
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}

func newOrchestrator(t *testing.T, cfg Config, d transport.Dialer, sel Selector, stats tally.Scope) *Orchestrator {
	return New(cfg, d, sel, nil, stats, zaptest.NewLogger(t).Named("requester"))
}

// tamperDialer flips one byte of the first packet received on each of the
// first n channels it dials.
type tamperDialer struct {
	transport.Dialer
	n     int
	dials atomic.Int32
}

func (d *tamperDialer) Dial(ctx context.Context) (transport.Channel, error) {
	ch, err := d.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	if int(d.dials.Add(1)) > d.n {
		return ch, nil
	}
	return &tamperChannel{Channel: ch, at: 5}, nil
}

// tamperChannel corrupts the datagram returned by the at-th Recv. The
// 5th one is the first packet: READY, SIZES, NUM and HASH come first.
type tamperChannel struct {
	transport.Channel
	at    int
	calls int
}

func (c *tamperChannel) Recv(ctx context.Context, timeout time.Duration) ([]byte, error) {
	b, err := c.Channel.Recv(ctx, timeout)
	c.calls++
	if err == nil && c.calls == c.at && len(b) > 0 {
		b[0] ^= 0xFF
	}
	return b, err
}

// firstDialer decorates only the first channel it dials.
type firstDialer struct {
	transport.Dialer
	wrap  func(transport.Channel) transport.Channel
	dials atomic.Int32
}

func (d *firstDialer) Dial(ctx context.Context) (transport.Channel, error) {
	ch, err := d.Dialer.Dial(ctx)
	if err != nil || d.dials.Add(1) > 1 {
		return ch, err
	}
	return d.wrap(ch), nil
}

// swapChannel hands packets 1 and 2 to the requester in reverse order. It
// acknowledges packet 1 itself to draw packet 2 out of the provider and
// drops the requester's surplus acknowledgment so the exchange stays in
// lockstep.
type swapChannel struct {
	transport.Channel
	calls   int
	held    []byte
	swallow bool
	sent    []string
}

func (c *swapChannel) Recv(ctx context.Context, timeout time.Duration) ([]byte, error) {
	c.calls++
	switch c.calls {
	case 5:
		first, err := c.Channel.Recv(ctx, timeout)
		if err != nil {
			return nil, err
		}
		if err := c.Channel.Send([]byte("OK")); err != nil {
			return nil, err
		}
		second, err := c.Channel.Recv(ctx, timeout)
		if err != nil {
			return nil, err
		}
		c.held = first
		return second, nil
	case 6:
		c.swallow = true
		return c.held, nil
	}
	return c.Channel.Recv(ctx, timeout)
}

func (c *swapChannel) Send(b []byte) error {
	c.sent = append(c.sent, string(b))
	if c.swallow {
		c.swallow = false
		return nil
	}
	return c.Channel.Send(b)
}

// shortChannel drops the last byte of the first packet.
type shortChannel struct {
	transport.Channel
	calls int
}

func (c *shortChannel) Recv(ctx context.Context, timeout time.Duration) ([]byte, error) {
	b, err := c.Channel.Recv(ctx, timeout)
	c.calls++
	if err == nil && c.calls == 5 {
		b = b[:len(b)-1]
	}
	return b, err
}

func TestFetchBoundarySizes(t *testing.T) {
	sizes := []int{0, 1, 547, 548, 549, 2000, 100_000}
	files := make(map[string][]byte)
	for _, n := range sizes {
		files[fmt.Sprintf("f%06d", n)] = randomBytes(n)
	}
	addr := startProvider(t, files, provider.Config{})

	for _, n := range sizes {
		name := fmt.Sprintf("f%06d", n)
		t.Run(name, func(t *testing.T) {
			o := newOrchestrator(t, Config{}, transport.UDPDialer{Rendezvous: addr}, Named(name), nil)
			res, err := o.Fetch(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(res.Content, files[name]) {
				t.Fatalf("content mismatch: got %d bytes, want %d", len(res.Content), n)
			}
			if want := (n + 547) / 548; res.Packets != want {
				t.Fatalf("packets = %d, want %d", res.Packets, want)
			}
			if res.Attempts != 1 {
				t.Fatalf("attempts = %d", res.Attempts)
			}
			if !digest.Equal(res.Digest, digest.SHA256.Sum(files[name])) {
				t.Fatalf("digest %s", res.Digest)
			}
		})
	}
}

func TestFetchRecoversFromCorruption(t *testing.T) {
	content := randomBytes(2000)
	addr := startProvider(t, map[string][]byte{"data.bin": content}, provider.Config{})

	for _, corrupt := range []int{1, 3} {
		t.Run(fmt.Sprintf("corrupt=%d", corrupt), func(t *testing.T) {
			stats := tally.NewTestScope("", nil)
			d := &tamperDialer{Dialer: transport.UDPDialer{Rendezvous: addr}, n: corrupt}
			o := newOrchestrator(t, Config{}, d, Fixed(1), stats)
			res, err := o.Fetch(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(res.Content, content) {
				t.Fatal("content mismatch after restart")
			}
			if res.Attempts != corrupt+1 {
				t.Fatalf("attempts = %d, want %d", res.Attempts, corrupt+1)
			}
			if got := counter(stats, "integrity_failures"); got != int64(corrupt) {
				t.Fatalf("integrity_failures = %d", got)
			}
		})
	}
}

func TestFetchReorderedPacketsFailVerification(t *testing.T) {
	content := randomBytes(2000)
	addr := startProvider(t, map[string][]byte{"data.bin": content}, provider.Config{})

	var swapped *swapChannel
	d := &firstDialer{
		Dialer: transport.UDPDialer{Rendezvous: addr},
		wrap: func(ch transport.Channel) transport.Channel {
			swapped = &swapChannel{Channel: ch}
			return swapped
		},
	}
	stats := tally.NewTestScope("", nil)
	o := newOrchestrator(t, Config{}, d, Fixed(1), stats)
	res, err := o.Fetch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(res.Content, content) {
		t.Fatal("content mismatch after restart")
	}
	if res.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", res.Attempts)
	}
	if got := counter(stats, "integrity_failures"); got != 1 {
		t.Fatalf("integrity_failures = %d", got)
	}
	// four packet acks then the verdict, which must be ERROR
	want := []string{"SEND 1", "OK", "OK", "OK", "OK", "ERROR"}
	if fmt.Sprint(swapped.sent) != fmt.Sprint(want) {
		t.Fatalf("reordered attempt sent %q, want %q", swapped.sent, want)
	}
}

func TestFetchRejectsShortPacket(t *testing.T) {
	addr := startProvider(t, map[string][]byte{"data.bin": randomBytes(2000)}, provider.Config{})
	d := &firstDialer{
		Dialer: transport.UDPDialer{Rendezvous: addr},
		wrap:   func(ch transport.Channel) transport.Channel { return &shortChannel{Channel: ch} },
	}
	stats := tally.NewTestScope("", nil)
	o := newOrchestrator(t, Config{}, d, Fixed(1), stats)
	res, err := o.Fetch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", res.Attempts)
	}
	if got := counter(stats, "integrity_failures"); got != 0 {
		t.Fatalf("integrity_failures = %d, short packet reached verification", got)
	}
	if got := counter(stats, "packets_received"); got != 4 {
		t.Fatalf("packets_received = %d, want only the clean attempt's 4", got)
	}
}

func TestCheckPacket(t *testing.T) {
	tests := []struct {
		i, packets, n int
		ok            bool
	}{
		{1, 4, 548, true},
		{4, 4, 356, true},
		{4, 4, 548, true},
		{1, 1, 1, true},
		{1, 4, 547, false},
		{2, 4, 549, false},
		{4, 4, 549, false},
		{4, 4, 0, false},
	}
	for _, tt := range tests {
		err := checkPacket(tt.i, tt.packets, tt.n, 548)
		if (err == nil) != tt.ok {
			t.Errorf("checkPacket(%d, %d, %d) = %v", tt.i, tt.packets, tt.n, err)
		}
		if err != nil && !errors.Is(err, xfer.ErrProtocol) {
			t.Errorf("checkPacket error %v is not a protocol error", err)
		}
	}
}

func TestProviderSessionsEndCleanlyAfterRestart(t *testing.T) {
	content := randomBytes(2000)
	results := make(chan xfer.Report, 4)
	addr := startProvider(t, map[string][]byte{"data.bin": content}, provider.Config{
		Options: xfer.Options{RecvTimeout: 500 * time.Millisecond},
		Results: results,
	})
	d := &tamperDialer{Dialer: transport.UDPDialer{Rendezvous: addr}, n: 1}
	res, err := newOrchestrator(t, Config{}, d, Fixed(1), nil).Fetch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Attempts != 2 {
		t.Fatalf("attempts = %d", res.Attempts)
	}

	var verified, abandoned int
	for n := 0; n < 2; n++ {
		select {
		case r := <-results:
			if r.Err != nil {
				t.Fatalf("session of %s failed: %v", r.Peer, r.Err)
			}
			if r.Outcome.Abandoned {
				abandoned++
			} else if r.Outcome.File.Name == "data.bin" {
				verified++
			}
		case <-time.After(10 * time.Second):
			t.Fatal("provider session still running")
		}
	}
	if verified != 1 || abandoned != 1 {
		t.Fatalf("verified = %d, abandoned = %d", verified, abandoned)
	}
}

func TestFetchRetriesExhausted(t *testing.T) {
	addr := startProvider(t, map[string][]byte{"data.bin": randomBytes(600)}, provider.Config{})
	d := &tamperDialer{Dialer: transport.UDPDialer{Rendezvous: addr}, n: 100}
	o := newOrchestrator(t, Config{Options: xfer.Options{MaxAttempts: 2}}, d, Fixed(1), nil)
	_, err := o.Fetch(context.Background())
	if !errors.Is(err, xfer.ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if got := d.dials.Load(); got != 2 {
		t.Fatalf("dials = %d", got)
	}
}

func TestFetchEmptyCatalog(t *testing.T) {
	addr := startProvider(t, nil, provider.Config{})
	o := newOrchestrator(t, Config{}, transport.UDPDialer{Rendezvous: addr}, Fixed(1), nil)
	_, err := o.Fetch(context.Background())
	if !errors.Is(err, xfer.ErrEmptyCatalog) {
		t.Fatalf("expected ErrEmptyCatalog, got %v", err)
	}
}

func TestFetchUnknownSelectionIsFatal(t *testing.T) {
	addr := startProvider(t, map[string][]byte{"a": {1}}, provider.Config{})
	o := newOrchestrator(t, Config{}, transport.UDPDialer{Rendezvous: addr}, Fixed(7), nil)
	_, err := o.Fetch(context.Background())
	if !errors.Is(err, ErrNoSelection) {
		t.Fatalf("expected ErrNoSelection, got %v", err)
	}
}

func TestFetchProviderUnreachable(t *testing.T) {
	// a bound socket that never answers
	pc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()

	stats := tally.NewTestScope("", nil)
	o := newOrchestrator(t, Config{Options: xfer.Options{RecvTimeout: 50 * time.Millisecond, MaxAttempts: 3}},
		transport.UDPDialer{Rendezvous: pc.LocalAddr().String()}, Fixed(1), stats)
	_, err = o.Fetch(context.Background())
	if !errors.Is(err, xfer.ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if got := counter(stats, "restarts"); got != 3 {
		t.Fatalf("restarts = %d", got)
	}
}

func TestFetchCancelled(t *testing.T) {
	pc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	o := newOrchestrator(t, Config{Options: xfer.Options{RecvTimeout: time.Minute}},
		transport.UDPDialer{Rendezvous: pc.LocalAddr().String()}, Fixed(1), nil)
	_, err = o.Fetch(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestFetchConcurrentRequesters(t *testing.T) {
	files := map[string][]byte{
		"a": randomBytes(3000),
		"b": randomBytes(777),
		"c": randomBytes(1),
	}
	addr := startProvider(t, files, provider.Config{Workers: 4})

	const requesters = 10
	names := []string{"a", "b", "c"}
	var wg sync.WaitGroup
	errs := make(chan error, requesters)
	for i := 0; i < requesters; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := names[i%len(names)]
			o := newOrchestrator(t, Config{}, transport.UDPDialer{Rendezvous: addr}, Named(name), nil)
			res, err := o.Fetch(context.Background())
			if err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(res.Content, files[name]) {
				errs <- fmt.Errorf("requester %d: content of %s mismatch", i, name)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestFetchSavesToDestDir(t *testing.T) {
	content := randomBytes(1500)
	addr := startProvider(t, map[string][]byte{"report.pdf": content}, provider.Config{})
	dest := filepath.Join(t.TempDir(), "out")

	var bar bytes.Buffer
	o := newOrchestrator(t, Config{DestDir: dest, Progress: &bar}, transport.UDPDialer{Rendezvous: addr}, Fixed(1), nil)
	res, err := o.Fetch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Path != filepath.Join(dest, "report.pdf") {
		t.Fatalf("path = %s", res.Path)
	}
	got, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("saved content mismatch")
	}
	if _, err := os.Stat(res.Path + ".part"); !os.IsNotExist(err) {
		t.Fatalf("temporary file left behind: %v", err)
	}
	if !bytes.Contains(bar.Bytes(), []byte("100.0%")) {
		t.Fatalf("progress not drawn: %q", bar.String())
	}
}

func TestSaveRejectsUnsafeNames(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"../escape", "a/b", "", ".."} {
		if _, err := Save(dir, name, []byte("x")); err == nil {
			t.Errorf("Save(%q) succeeded", name)
		}
	}
}

func counter(s tally.TestScope, name string) int64 {
	var total int64
	for _, c := range s.Snapshot().Counters() {
		if c.Name() == name {
			total += c.Value()
		}
	}
	return total
}
