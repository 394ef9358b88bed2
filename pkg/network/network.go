// Package network provides the unreliable datagram channels a connection
// runs over: UDP sockets, a UDP listener that demultiplexes peers, an
// in-memory lossy pipe for tests and a lossy UDP relay.
package network

import (
	"net/netip"

	"github.com/pkg/errors"
)

// MaxDatagram bounds one received datagram.
const MaxDatagram = 64 * 1024

var ErrClosed = errors.New("endpoint closed")

// Endpoint carries whole segments to and from one peer. Send is best
// effort and never blocks indefinitely. Recv blocks until a datagram
// arrives and returns ErrClosed once Close has been called.
type Endpoint interface {
	Send(b []byte) (int, error)
	Recv(b []byte) (int, error)
	RemoteAddr() netip.AddrPort
	Close() error
}
