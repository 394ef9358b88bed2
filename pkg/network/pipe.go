package network

import (
	"math/rand/v2"
	"net/netip"
	"sync"
)

const pipeQueueLen = 256

// LinkConfig shapes one direction of a Pipe.
type LinkConfig struct {
	Loss    float64 // probability a datagram is dropped
	Reorder float64 // probability a datagram is held back behind the next one
	// Drop, if set, drops every datagram it returns true for.
	Drop func(b []byte) bool
}

type PipeConfig struct {
	AToB LinkConfig
	BToA LinkConfig
	Seed uint64
}

// Pipe returns two connected in-memory endpoints. Delivery is lossy only
// as far as cfg asks; a full queue drops like a congested link.
func Pipe(cfg PipeConfig) (Endpoint, Endpoint) {
	ab := newLink(cfg.AToB, cfg.Seed)
	ba := newLink(cfg.BToA, cfg.Seed+1)
	addrA := netip.AddrPortFrom(netip.IPv6Loopback(), 1)
	addrB := netip.AddrPortFrom(netip.IPv6Loopback(), 2)
	a := &pipeEndpoint{out: ab, in: ba, remote: addrB, closed: make(chan struct{})}
	b := &pipeEndpoint{out: ba, in: ab, remote: addrA, closed: make(chan struct{})}
	return a, b
}

type link struct {
	cfg LinkConfig
	q   chan []byte

	mu   sync.Mutex
	rng  *rand.Rand
	held []byte
}

func newLink(cfg LinkConfig, seed uint64) *link {
	return &link{
		cfg: cfg,
		q:   make(chan []byte, pipeQueueLen),
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (l *link) send(b []byte) {
	data := make([]byte, len(b))
	copy(data, b)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cfg.Drop != nil && l.cfg.Drop(data) {
		return
	}
	if l.cfg.Loss > 0 && l.rng.Float64() < l.cfg.Loss {
		return
	}
	if l.held == nil && l.cfg.Reorder > 0 && l.rng.Float64() < l.cfg.Reorder {
		l.held = data
		return
	}
	l.push(data)
	if l.held != nil {
		l.push(l.held)
		l.held = nil
	}
}

func (l *link) push(data []byte) {
	select {
	case l.q <- data:
	default:
	}
}

type pipeEndpoint struct {
	out    *link
	in     *link
	remote netip.AddrPort

	once   sync.Once
	closed chan struct{}
}

func (p *pipeEndpoint) Send(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, ErrClosed
	default:
	}
	p.out.send(b)
	return len(b), nil
}

func (p *pipeEndpoint) Recv(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, ErrClosed
	default:
	}
	select {
	case data := <-p.in.q:
		return copy(b, data), nil
	case <-p.closed:
		return 0, ErrClosed
	}
}

func (p *pipeEndpoint) RemoteAddr() netip.AddrPort { return p.remote }

func (p *pipeEndpoint) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
