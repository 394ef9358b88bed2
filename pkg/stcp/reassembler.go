package stcp

import (
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"

	"stcp/pkg/segment"
)

// reassembler owns the inbound half of a connection. It accepts only the
// segment starting exactly at rcvNxt; anything else is dropped and
// answered with a duplicate ACK so the peer's go-back-N fills the gap.
type reassembler struct {
	irs     seqnum.Value
	rcvNxt  seqnum.Value
	window  int
	finRcvd bool

	// advertised is the window carried by our most recent segment.
	advertised uint16

	stats *connStats
}

func newReassembler(window int, stats *connStats) *reassembler {
	return &reassembler{
		window:     window,
		advertised: uint16(window),
		stats:      stats,
	}
}

// init records the peer's ISS from its SYN, which consumes one number.
func (r *reassembler) init(irs seqnum.Value) {
	r.irs = irs
	r.rcvNxt = irs.Add(1)
}

// windowFor is the local window minus bytes the application has not read.
func (r *reassembler) windowFor(app Application) uint16 {
	w := r.window - app.Buffered()
	if w < 0 {
		return 0
	}
	return uint16(w)
}

// handle consumes the payload and FIN of seg. needAck reports that the
// segment occupied sequence space and must be acknowledged; fin reports
// that the peer's FIN was accepted. The caller tells the application.
func (r *reassembler) handle(seg *segment.Segment, app Application) (needAck, fin bool, err error) {
	n := len(seg.Payload)
	if n == 0 && !seg.HasFlag(segment.FlagFin) {
		return false, false, nil
	}
	if r.finRcvd || seqnum.Value(seg.Seq) != r.rcvNxt {
		r.stats.dropped.Add(1)
		return true, false, nil
	}

	if n > 0 {
		if n > int(r.windowFor(app)) {
			// In order but past our window; the peer resends once we ACK.
			r.stats.dropped.Add(1)
			return true, false, nil
		}
		if got := app.Deliver(seg.Payload); got != n {
			return false, false, errors.Wrapf(ErrResourceExhausted, "inbound queue took %d of %d bytes", got, n)
		}
		r.rcvNxt.UpdateForward(seqnum.Size(n))
		r.stats.bytesRecv.Add(uint64(n))
	}

	if seg.HasFlag(segment.FlagFin) {
		r.rcvNxt.UpdateForward(1)
		r.finRcvd = true
		return true, true, nil
	}
	return true, false, nil
}
