package network

import (
	"log/slog"
	"math/rand/v2"
	"net"
	"net/netip"
	"sync"

	"github.com/pkg/errors"
)

type RelayConfig struct {
	Listen netip.AddrPort
	Target netip.AddrPort
	Loss   float64 // drop probability, applied in both directions
	Seed   uint64
	Logger *slog.Logger
}

// Relay forwards datagrams between clients and one target, dropping a
// share of them. Each client gets its own upstream socket so the target
// sees one address per client.
type Relay struct {
	cfg  RelayConfig
	conn *net.UDPConn
	log  *slog.Logger

	mu        sync.Mutex
	rng       *rand.Rand
	upstreams map[netip.AddrPort]*net.UDPConn
	closed    bool

	wg sync.WaitGroup
}

func NewRelay(cfg RelayConfig) (*Relay, error) {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(cfg.Listen))
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", cfg.Listen)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		cfg:       cfg,
		conn:      conn,
		log:       log.With("component", "relay"),
		rng:       rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		upstreams: make(map[netip.AddrPort]*net.UDPConn),
	}, nil
}

func (r *Relay) Addr() netip.AddrPort {
	return r.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (r *Relay) lose() bool {
	if r.cfg.Loss <= 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64() < r.cfg.Loss
}

// Serve forwards until Close is called.
func (r *Relay) Serve() error {
	buf := make([]byte, MaxDatagram)
	for {
		n, from, err := r.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				r.wg.Wait()
				return nil
			}
			r.log.Warn("read failed", "err", err)
			continue
		}
		up, err := r.upstream(from)
		if err != nil {
			r.log.Warn("no upstream", "client", from, "err", err)
			continue
		}
		if r.lose() {
			r.log.Debug("dropped", "from", from, "len", n)
			continue
		}
		if _, err := up.Write(buf[:n]); err != nil {
			r.log.Warn("forward failed", "client", from, "err", err)
		}
	}
}

func (r *Relay) upstream(client netip.AddrPort) (*net.UDPConn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if up, ok := r.upstreams[client]; ok {
		return up, nil
	}
	up, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(r.cfg.Target))
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", r.cfg.Target)
	}
	r.upstreams[client] = up
	r.log.Info("new client", "client", client, "upstream", up.LocalAddr())
	r.wg.Add(1)
	go r.backward(client, up)
	return up, nil
}

// backward copies the target's replies to one client.
func (r *Relay) backward(client netip.AddrPort, up *net.UDPConn) {
	defer r.wg.Done()
	buf := make([]byte, MaxDatagram)
	for {
		n, err := up.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		if r.lose() {
			r.log.Debug("dropped", "to", client, "len", n)
			continue
		}
		if _, err := r.conn.WriteToUDPAddrPort(buf[:n], client); err != nil {
			r.log.Warn("reply failed", "client", client, "err", err)
		}
	}
}

func (r *Relay) Close() error {
	r.mu.Lock()
	r.closed = true
	for client, up := range r.upstreams {
		up.Close()
		delete(r.upstreams, client)
	}
	r.mu.Unlock()
	return r.conn.Close()
}
