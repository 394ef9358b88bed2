package stcp

import (
	"sync/atomic"

	"github.com/google/netstack/tcpip/buffer"
	"github.com/google/netstack/tcpip/seqnum"
)

type Role uint8

const (
	RoleActive Role = iota
	RolePassive
)

func (r Role) String() string {
	if r == RoleActive {
		return "active"
	}
	return "passive"
}

// Application is the application side of a connection as the engine sees
// it: the outbound queue it drains, the inbound queue it fills, and the
// notifications that wake a blocked caller.
type Application interface {
	// Pull moves up to len(p) queued outbound bytes into p.
	Pull(p []byte) int
	// Pending is the number of outbound bytes still queued.
	Pending() int
	// Deliver appends in-order inbound bytes and returns how many fit.
	Deliver(p []byte) int
	// Buffered is the number of delivered bytes not yet read.
	Buffered() int
	// Unblock reports the outcome of the handshake.
	Unblock(err error)
	// PeerClosed reports that the peer's FIN was consumed.
	PeerClosed()
	// Shutdown reports that the engine has exited.
	Shutdown(err error)
}

// segmentWriter emits one segment. The writer fills in the cumulative ACK
// (when flags carries ACK) and the advertised window.
type segmentWriter interface {
	writeSegment(flags uint8, seq seqnum.Value, payload buffer.View)
}

// Connection is the per-socket protocol context. It is owned by one engine
// goroutine for its whole life and is never shared.
type Connection struct {
	Role  Role
	State State
	ISS   seqnum.Value

	snd *sendWindow
	rcv *reassembler

	done bool
	err  error
}

// Stats is a snapshot of per-connection counters.
type Stats struct {
	SegmentsSent uint64
	SegmentsRecv uint64
	BytesSent    uint64 // first transmissions only
	BytesRecv    uint64 // bytes delivered in order
	Retransmits  uint64 // timer expirations that resent data
	Dropped      uint64 // out-of-order, duplicate or over-window payloads
	Malformed    uint64
}

type connStats struct {
	segmentsSent atomic.Uint64
	segmentsRecv atomic.Uint64
	bytesSent    atomic.Uint64
	bytesRecv    atomic.Uint64
	retransmits  atomic.Uint64
	dropped      atomic.Uint64
	malformed    atomic.Uint64
}

func (s *connStats) snapshot() Stats {
	return Stats{
		SegmentsSent: s.segmentsSent.Load(),
		SegmentsRecv: s.segmentsRecv.Load(),
		BytesSent:    s.bytesSent.Load(),
		BytesRecv:    s.bytesRecv.Load(),
		Retransmits:  s.retransmits.Load(),
		Dropped:      s.dropped.Load(),
		Malformed:    s.malformed.Load(),
	}
}
