package network

import (
	"net"
	"net/netip"
	"syscall"

	"github.com/pkg/errors"
)

// udpEndpoint is a connected UDP socket.
type udpEndpoint struct {
	conn   *net.UDPConn
	remote netip.AddrPort
}

// DialUDP opens a UDP socket bound to an ephemeral port and connected to raddr.
func DialUDP(raddr netip.AddrPort) (Endpoint, error) {
	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(raddr))
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", raddr)
	}
	return &udpEndpoint{conn: conn, remote: raddr}, nil
}

func (e *udpEndpoint) Send(b []byte) (int, error) {
	n, err := e.conn.Write(b)
	if errors.Is(err, net.ErrClosed) {
		return n, ErrClosed
	}
	return n, err
}

func (e *udpEndpoint) Recv(b []byte) (int, error) {
	for {
		n, err := e.conn.Read(b)
		if err == nil {
			return n, nil
		}
		if errors.Is(err, net.ErrClosed) {
			return 0, ErrClosed
		}
		// ICMP port unreachable surfaces as a read error on a connected
		// socket; the peer may simply not be up yet.
		if errors.Is(err, syscall.ECONNREFUSED) {
			continue
		}
		return 0, err
	}
}

func (e *udpEndpoint) RemoteAddr() netip.AddrPort { return e.remote }

func (e *udpEndpoint) Close() error { return e.conn.Close() }
