package stcp

import (
	"time"

	"github.com/google/netstack/tcpip/buffer"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"gvisor.dev/gvisor/pkg/sleep"

	"stcp/pkg/segment"
)

// sendWindow owns the outbound half of a connection: [una, nxt) is the
// sequence space sent but not yet acknowledged, including a pending SYN
// or FIN. Data bytes of that range are kept for go-back-N retransmission.
type sendWindow struct {
	una     seqnum.Value
	nxt     seqnum.Value
	peerWnd seqnum.Size
	maxBuf  seqnum.Size
	mss     int

	// unacked holds the data bytes of [una, nxt), without SYN or FIN.
	unacked []byte

	synFlags uint8 // flags of our SYN while it is unacknowledged
	finSeq   seqnum.Value
	finSent  bool
	finAcked bool

	timer       retransmitTimer
	rtt         rttEstimator
	expirations int
	maxRetries  int
	probing     bool

	// One RTT sample at a time; abandoned on retransmission (Karn).
	timing   bool
	timedSeq seqnum.Value
	timedAt  time.Time

	out   segmentWriter
	stats *connStats
}

func newSendWindow(iss seqnum.Value, cfg *Config, w *sleep.Waker, out segmentWriter, stats *connStats) *sendWindow {
	s := &sendWindow{
		una:        iss,
		nxt:        iss,
		peerWnd:    seqnum.Size(cfg.SendBufferSize),
		maxBuf:     seqnum.Size(cfg.SendBufferSize),
		mss:        cfg.MSS,
		rtt:        newRTTEstimator(cfg),
		maxRetries: cfg.MaxRetries,
		out:        out,
		stats:      stats,
	}
	s.timer.init(w)
	return s
}

func (s *sendWindow) inFlight() seqnum.Size { return s.una.Size(s.nxt) }

// available is min(peer window, send buffer) minus what is in flight.
func (s *sendWindow) available() int {
	limit := s.peerWnd
	if s.maxBuf < limit {
		limit = s.maxBuf
	}
	if f := s.inFlight(); f < limit {
		return int(limit - f)
	}
	return 0
}

// sendSyn emits our SYN (or SYN+ACK); it consumes one sequence number.
func (s *sendWindow) sendSyn(flags uint8) {
	s.synFlags = flags
	s.out.writeSegment(flags, s.nxt, nil)
	s.nxt.UpdateForward(1)
	s.startTiming()
	s.arm()
}

// sendFin emits our FIN at nxt; it consumes one sequence number.
func (s *sendWindow) sendFin() {
	s.finSeq = s.nxt
	s.finSent = true
	s.out.writeSegment(segment.FlagFin|segment.FlagAck, s.nxt, nil)
	s.nxt.UpdateForward(1)
	s.arm()
}

// fill segments as much queued application data as the window allows.
func (s *sendWindow) fill(app Application) int {
	sent := 0
	for {
		n := s.available()
		if n <= 0 {
			break
		}
		if n > s.mss {
			n = s.mss
		}
		buf := buffer.NewView(n)
		got := app.Pull(buf)
		if got == 0 {
			break
		}
		s.transmit(buf[:got])
		sent += got
	}
	if sent == 0 && s.peerWnd == 0 && s.inFlight() == 0 && app.Pending() > 0 {
		// Zero window: the timer doubles as the persist timer.
		s.arm()
	}
	return sent
}

func (s *sendWindow) transmit(data buffer.View) {
	seq := s.nxt
	s.unacked = append(s.unacked, data...)
	s.out.writeSegment(segment.FlagAck, seq, data)
	s.nxt.UpdateForward(seqnum.Size(len(data)))
	s.stats.bytesSent.Add(uint64(len(data)))
	s.startTiming()
	s.arm()
}

// probe sends one queued byte past a zero peer window. The byte is then
// in flight, so the normal retransmission path covers it.
func (s *sendWindow) probe(app Application) bool {
	b := buffer.NewView(1)
	if app.Pull(b) != 1 {
		return false
	}
	s.probing = true
	s.transmit(b)
	return true
}

func (s *sendWindow) arm() {
	if !s.timer.enabled() {
		s.timer.enable(s.rtt.rto)
	}
}

func (s *sendWindow) startTiming() {
	if !s.timing {
		s.timing = true
		s.timedSeq = s.nxt
		s.timedAt = time.Now()
	}
}

// handleAck applies a peer acknowledgment. The window is always taken
// from the segment; una only moves for an ack in (una, nxt]. It returns
// whether una advanced.
func (s *sendWindow) handleAck(ack seqnum.Value, wnd uint16) bool {
	s.peerWnd = seqnum.Size(wnd)
	if !s.una.LessThan(ack) || s.nxt.LessThan(ack) {
		if s.probing {
			// The peer answered the probe; it is alive, just not reading.
			s.expirations = 0
		}
		return false
	}

	acked := s.una.Size(ack)
	if s.synFlags != 0 {
		s.synFlags = 0
		acked--
	}
	d := int(acked)
	if d > len(s.unacked) {
		d = len(s.unacked)
	}
	s.unacked = s.unacked[d:]
	acked -= seqnum.Size(d)
	if acked > 0 && s.finSent {
		s.finAcked = true
	}

	if s.timing && s.timedSeq.LessThanEq(ack) {
		s.rtt.sample(time.Since(s.timedAt))
		s.timing = false
	}

	s.una = ack
	s.expirations = 0
	s.probing = false
	if s.una == s.nxt {
		s.timer.disable()
	} else {
		s.timer.enable(s.rtt.rto)
	}
	return true
}

// expire handles a confirmed retransmission timeout with data in flight.
// It resends all of [una, nxt) and restarts the timer, or returns
// ErrTimeout once maxRetries expirations pass without progress.
func (s *sendWindow) expire() error {
	s.expirations++
	if s.expirations >= s.maxRetries {
		return errors.Wrapf(ErrTimeout, "no acknowledgment for seq %d after %d timeouts", s.una, s.expirations)
	}
	s.timing = false
	s.rtt.backoff()
	s.retransmit()
	s.timer.enable(s.rtt.rto)
	return nil
}

// retransmit resends [una, nxt) verbatim: the SYN if still pending, the
// data in MSS-sized segments, then the FIN if still pending. nxt is not
// changed.
func (s *sendWindow) retransmit() {
	s.stats.retransmits.Add(1)
	seq := s.una
	if s.synFlags != 0 {
		s.out.writeSegment(s.synFlags, seq, nil)
		seq.UpdateForward(1)
	}
	for off := 0; off < len(s.unacked); off += s.mss {
		end := off + s.mss
		if end > len(s.unacked) {
			end = len(s.unacked)
		}
		s.out.writeSegment(segment.FlagAck, seq, s.unacked[off:end])
		seq.UpdateForward(seqnum.Size(end - off))
	}
	if s.finSent && !s.finAcked {
		s.out.writeSegment(segment.FlagFin|segment.FlagAck, s.finSeq, nil)
	}
}
