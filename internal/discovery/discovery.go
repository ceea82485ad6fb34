// Package discovery announces providers on a LAN multicast group so a
// requester can find a rendezvous address by name.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

const (
	DefaultGroup    = "239.255.42.42"
	DefaultPort     = 9900
	DefaultInterval = 5 * time.Second
	DefaultTTL      = 30 * time.Second

	typeAnnounce = "AN"
	typeQuery    = "QR"
	typeBye      = "BY"

	protoVersion = 1
)

var ErrNotFound = errors.New("provider not found")

// Peer is a provider seen on the group.
type Peer struct {
	ID   string
	Name string
	Host string
	Port int
	Seen time.Time
}

// Addr is the peer's rendezvous address.
func (p Peer) Addr() string { return net.JoinHostPort(p.Host, strconv.Itoa(p.Port)) }

type message struct {
	T    string `json:"t"`
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Port int    `json:"port,omitempty"`
	V    int    `json:"v,omitempty"`
}

type Config struct {
	Group    string
	Port     int
	Interval time.Duration
	TTL      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Group == "" {
		c.Group = DefaultGroup
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	return c
}

// Discovery both announces this node (when it has a service port) and
// tracks the announcements of others.
type Discovery struct {
	cfg         Config
	name        string
	id          string
	servicePort int
	clk         clock.Clock
	log         *zap.Logger

	mu    sync.Mutex
	peers map[string]*Peer

	conn  *net.UDPConn
	group *net.UDPAddr
}

// New creates a Discovery for name. servicePort is the rendezvous port
// announced to others; zero makes the node a silent listener.
func New(cfg Config, name string, servicePort int, clk clock.Clock, log *zap.Logger) *Discovery {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Discovery{
		cfg:         cfg,
		name:        name,
		id:          uuid.NewString(),
		servicePort: servicePort,
		clk:         clk,
		log:         log,
		peers:       make(map[string]*Peer),
		group:       &net.UDPAddr{IP: net.ParseIP(cfg.Group), Port: cfg.Port},
	}
}

// Start joins the group. Run must be called to process traffic.
func (d *Discovery) Start() error {
	// several nodes on one host share the group port
	lc := net.ListenConfig{Control: reuseAddr}
	c, err := lc.ListenPacket(context.Background(), "udp4", ":"+strconv.Itoa(d.cfg.Port))
	if err != nil {
		return fmt.Errorf("discovery listen: %w", err)
	}
	conn := c.(*net.UDPConn)
	d.conn = conn

	pc := ipv4.NewPacketConn(conn)
	joined := 0
	if iface := bestInterface(); iface != nil {
		if err := pc.JoinGroup(iface, &net.UDPAddr{IP: d.group.IP}); err == nil {
			joined++
		}
	}
	if joined == 0 {
		ifaces, _ := net.Interfaces()
		for i := range ifaces {
			if err := pc.JoinGroup(&ifaces[i], &net.UDPAddr{IP: d.group.IP}); err == nil {
				joined++
			}
		}
	}
	if joined == 0 {
		d.log.Warn("no interface joined the discovery group", zap.String("group", d.cfg.Group))
	}
	if err := pc.SetMulticastTTL(4); err != nil {
		d.log.Debug("set multicast ttl failed", zap.Error(err))
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		d.log.Debug("set multicast loopback failed", zap.Error(err))
	}
	return nil
}

func bestInterface() *net.Interface {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		addrs, _ := iface.Addrs()
		for _, addr := range addrs {
			if _, ok := addr.(*net.IPNet); ok {
				return &iface
			}
		}
	}
	return nil
}

// Run announces periodically and handles incoming messages until ctx is
// done, then says goodbye and closes the socket.
func (d *Discovery) Run(ctx context.Context) error {
	if d.conn == nil {
		return errors.New("discovery not started")
	}
	defer d.conn.Close()

	go func() {
		ticker := d.clk.Ticker(d.cfg.Interval)
		defer ticker.Stop()
		d.announce()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.announce()
			}
		}
	}()

	stop := context.AfterFunc(ctx, func() { _ = d.conn.SetReadDeadline(time.Unix(1, 0)) })
	defer stop()

	buf := make([]byte, 2048)
	for {
		n, src, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				if d.servicePort != 0 {
					d.send(message{T: typeBye, ID: d.id})
				}
				return nil
			}
			return err
		}
		var msg message
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			d.log.Debug("ignore malformed discovery datagram", zap.Stringer("from", src))
			continue
		}
		d.handle(msg, src.IP.String())
	}
}

// Query asks every provider on the group to announce itself now.
func (d *Discovery) Query() {
	d.send(message{T: typeQuery, ID: d.id, Name: d.name, V: protoVersion})
}

func (d *Discovery) announce() {
	if d.servicePort == 0 {
		return
	}
	d.send(message{T: typeAnnounce, ID: d.id, Name: d.name, Port: d.servicePort, V: protoVersion})
}

func (d *Discovery) send(msg message) {
	if d.conn == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if _, err := d.conn.WriteToUDP(data, d.group); err != nil {
		d.log.Debug("discovery send failed", zap.String("type", msg.T), zap.Error(err))
	}
}

func (d *Discovery) handle(msg message, srcIP string) {
	if msg.ID == "" || msg.ID == d.id {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch msg.T {
	case typeBye:
		delete(d.peers, msg.ID)
	case typeQuery:
		go d.announce()
	case typeAnnounce:
		if msg.Port <= 0 {
			return
		}
		name := msg.Name
		if name == "" {
			name = srcIP
		}
		if _, ok := d.peers[msg.ID]; !ok {
			d.log.Info("provider discovered", zap.String("name", name), zap.String("host", srcIP), zap.Int("port", msg.Port))
		}
		d.peers[msg.ID] = &Peer{ID: msg.ID, Name: name, Host: srcIP, Port: msg.Port, Seen: d.clk.Now()}
	}
}

// Peers lists providers seen within the TTL, ordered by name.
func (d *Discovery) Peers() []Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clk.Now()
	out := make([]Peer, 0, len(d.peers))
	for _, p := range d.peers {
		if now.Sub(p.Seen) < d.cfg.TTL {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Find matches a provider by name or host.
func (d *Discovery) Find(nameOrHost string) (Peer, bool) {
	for _, p := range d.Peers() {
		if p.Name == nameOrHost || p.Host == nameOrHost {
			return p, true
		}
	}
	return Peer{}, false
}

// Resolve queries the group and waits up to wait for nameOrHost to appear.
func (d *Discovery) Resolve(ctx context.Context, nameOrHost string, wait time.Duration) (Peer, error) {
	d.Query()
	deadline := d.clk.Now().Add(wait)
	ticker := d.clk.Ticker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p, ok := d.Find(nameOrHost); ok {
			return p, nil
		}
		if !d.clk.Now().Before(deadline) {
			return Peer{}, fmt.Errorf("%w: %s", ErrNotFound, nameOrHost)
		}
		select {
		case <-ctx.Done():
			return Peer{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
