package network

import (
	"context"
	"net"
	"net/netip"
	"sync"

	"github.com/pkg/errors"
)

const (
	acceptBacklog = 100
	peerQueueLen  = 64
)

var ErrListenerClosed = errors.New("listener closed")

// Listener demultiplexes one UDP socket into an Endpoint per remote
// address. A datagram from an unknown address creates a new endpoint only
// if admit accepts it; the rest are dropped.
type Listener struct {
	conn  *net.UDPConn
	admit func([]byte) bool

	acceptQ chan *peerEndpoint
	closed  chan struct{} // Close was called
	dead    chan struct{} // the socket is gone

	mu       sync.Mutex
	peers    map[netip.AddrPort]*peerEndpoint
	shutting bool
}

// ListenUDP binds laddr. A nil admit accepts every new peer.
func ListenUDP(laddr netip.AddrPort, admit func([]byte) bool) (*Listener, error) {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(laddr))
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", laddr)
	}
	if admit == nil {
		admit = func([]byte) bool { return true }
	}
	l := &Listener{
		conn:    conn,
		admit:   admit,
		acceptQ: make(chan *peerEndpoint, acceptBacklog),
		closed:  make(chan struct{}),
		dead:    make(chan struct{}),
		peers:   make(map[netip.AddrPort]*peerEndpoint),
	}
	go l.readLoop()
	return l, nil
}

func (l *Listener) Addr() netip.AddrPort {
	return l.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Accept returns the endpoint of the next admitted peer.
func (l *Listener) Accept(ctx context.Context) (Endpoint, error) {
	select {
	case p := <-l.acceptQ:
		return p, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops admitting peers. The socket stays open until every accepted
// endpoint is closed as well.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.shutting {
		l.mu.Unlock()
		return ErrListenerClosed
	}
	l.shutting = true
	close(l.closed)

	// Endpoints nobody accepted are released here.
drain:
	for {
		select {
		case p := <-l.acceptQ:
			delete(l.peers, p.remote)
			p.markClosed()
		default:
			break drain
		}
	}
	idle := len(l.peers) == 0
	l.mu.Unlock()

	if idle {
		return l.conn.Close()
	}
	return nil
}

func (l *Listener) release(p *peerEndpoint) {
	l.mu.Lock()
	if l.peers[p.remote] == p {
		delete(l.peers, p.remote)
	}
	idle := l.shutting && len(l.peers) == 0
	l.mu.Unlock()
	if idle {
		l.conn.Close()
	}
}

func (l *Listener) readLoop() {
	defer close(l.dead)
	buf := make([]byte, MaxDatagram)
	for {
		n, from, err := l.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		data := make([]byte, n)
		copy(data, buf[:n])

		l.mu.Lock()
		p, ok := l.peers[from]
		if !ok {
			if l.shutting || !l.admit(data) {
				l.mu.Unlock()
				continue
			}
			p = &peerEndpoint{
				l:       l,
				remote:  from,
				inbound: make(chan []byte, peerQueueLen),
				closed:  make(chan struct{}),
			}
			select {
			case l.acceptQ <- p:
				l.peers[from] = p
			default:
				// Backlog full; the peer will retransmit.
				l.mu.Unlock()
				continue
			}
		}
		l.mu.Unlock()

		select {
		case p.inbound <- data:
		default:
		}
	}
}

type peerEndpoint struct {
	l       *Listener
	remote  netip.AddrPort
	inbound chan []byte

	once   sync.Once
	closed chan struct{}
}

func (p *peerEndpoint) Send(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, ErrClosed
	default:
	}
	n, err := p.l.conn.WriteToUDPAddrPort(b, p.remote)
	if errors.Is(err, net.ErrClosed) {
		return n, ErrClosed
	}
	return n, err
}

func (p *peerEndpoint) Recv(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, ErrClosed
	default:
	}
	select {
	case data := <-p.inbound:
		return copy(b, data), nil
	case <-p.closed:
		return 0, ErrClosed
	case <-p.l.dead:
		return 0, ErrClosed
	}
}

func (p *peerEndpoint) RemoteAddr() netip.AddrPort { return p.remote }

func (p *peerEndpoint) markClosed() {
	p.once.Do(func() { close(p.closed) })
}

func (p *peerEndpoint) Close() error {
	p.markClosed()
	p.l.release(p)
	return nil
}
