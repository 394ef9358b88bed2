package stcp

import (
	"log/slog"
	"sync/atomic"

	"github.com/google/netstack/tcpip/buffer"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/google/netstack/waiter"
	"github.com/pkg/errors"
	"gvisor.dev/gvisor/pkg/sleep"

	"stcp/pkg/network"
	"stcp/pkg/segment"
)

// EventMask is the set of event kinds pending at one wake-up.
type EventMask uint8

const (
	EventNetworkData EventMask = 1 << iota
	EventAppData
	EventAppCloseRequested
	EventTimeout
)

const (
	inboundQueueLen = 256
	// maxRecvFailures consecutive read errors give up the endpoint.
	maxRecvFailures = 8
)

// engine drives one connection. Everything reachable from conn is touched
// only by the goroutine running run; other goroutines talk to it through
// the wakers and the inbound queue.
type engine struct {
	conn  *Connection
	cfg   Config
	ep    network.Endpoint
	app   Application
	wq    *waiter.Queue
	log   *slog.Logger
	stats *connStats

	sleeper    sleep.Sleeper
	netWaker   sleep.Waker
	dataWaker  sleep.Waker
	closeWaker sleep.Waker
	timerWaker sleep.Waker

	inbound   chan []byte
	netClosed atomic.Bool

	closeRequested bool
	ackPending     bool
	skipLinger     bool

	// state mirrors conn.State for readers on other goroutines.
	state  atomic.Uint32
	exited chan struct{}
}

func newEngine(role Role, ep network.Endpoint, cfg Config, log *slog.Logger) *engine {
	e := &engine{
		cfg:     cfg,
		ep:      ep,
		log:     log,
		stats:   &connStats{},
		inbound: make(chan []byte, inboundQueueLen),
		exited:  make(chan struct{}),
	}
	e.sleeper.AddWaker(&e.netWaker)
	e.sleeper.AddWaker(&e.dataWaker)
	e.sleeper.AddWaker(&e.closeWaker)
	e.sleeper.AddWaker(&e.timerWaker)
	q := newAppQueues(cfg.AppQueueSize, cfg.Window, &e.dataWaker, &e.closeWaker)
	e.app, e.wq = q, &q.wq

	iss := seqnum.Value(cfg.ISS())
	e.conn = &Connection{Role: role, State: StateClosed, ISS: iss}
	e.conn.snd = newSendWindow(iss, &e.cfg, &e.timerWaker, e, e.stats)
	e.conn.rcv = newReassembler(cfg.Window, e.stats)
	return e
}

func (e *engine) State() State { return State(e.state.Load()) }

// run owns the connection until it is released. The application is
// unblocked once the handshake has either completed or failed.
func (e *engine) run() {
	defer close(e.exited)
	go e.readLoop()

	e.open()
	for e.conn.State.Handshaking() && !e.conn.done {
		e.dispatch(e.waitForEvent())
	}
	if e.conn.done {
		e.app.Unblock(e.conn.err)
		e.release()
		return
	}
	e.log.Debug("established", "iss", e.conn.ISS, "irs", e.conn.rcv.irs)
	e.app.Unblock(nil)

	for !e.conn.done {
		e.dispatch(e.waitForEvent())
	}
	if e.conn.err == nil && !e.skipLinger && e.cfg.Linger > 0 {
		e.linger()
	}
	e.release()
}

func (e *engine) open() {
	if e.conn.Role == RoleActive {
		e.transition(EventActiveOpen)
	} else {
		e.transition(EventPassiveOpen)
	}
}

// waitForEvent blocks for at least one event, then collects every other
// event already pending into the same mask.
func (e *engine) waitForEvent() EventMask {
	mask := e.maskFor(e.sleeper.Fetch(true))
	for {
		w := e.sleeper.Fetch(false)
		if w == nil {
			return mask
		}
		mask |= e.maskFor(w)
	}
}

func (e *engine) maskFor(w *sleep.Waker) EventMask {
	switch w {
	case &e.netWaker:
		return EventNetworkData
	case &e.dataWaker:
		return EventAppData
	case &e.closeWaker:
		return EventAppCloseRequested
	case &e.timerWaker:
		return EventTimeout
	}
	return 0
}

// dispatch handles one wake-up. Inbound segments go first so the send
// side works from the latest acknowledgment and window.
func (e *engine) dispatch(mask EventMask) {
	if mask&EventNetworkData != 0 {
		e.handleNetwork()
	}
	if !e.conn.done && mask&EventTimeout != 0 {
		e.handleTimeout()
	}
	if !e.conn.done {
		if mask&EventAppCloseRequested != 0 {
			e.closeRequested = true
		}
		if e.conn.State.CanSend() {
			e.conn.snd.fill(e.app)
		}
		e.maybeClose()
		if e.windowOpened() {
			e.ackPending = true
		}
	}
	if e.ackPending && e.conn.err == nil {
		e.sendAck()
	}
}

func (e *engine) handleNetwork() {
	for {
		select {
		case b := <-e.inbound:
			seg, err := segment.Unmarshal(b)
			if err != nil {
				e.stats.malformed.Add(1)
				e.log.Debug("dropped malformed segment", "len", len(b), "err", err)
				continue
			}
			e.stats.segmentsRecv.Add(1)
			e.handleSegment(seg)
			if e.conn.done {
				return
			}
		default:
			if e.netClosed.Load() {
				e.fail(errors.Wrap(ErrConnClosed, "network endpoint closed"))
			}
			return
		}
	}
}

func (e *engine) handleSegment(seg *segment.Segment) {
	syn, ack := seg.HasFlag(segment.FlagSyn), seg.HasFlag(segment.FlagAck)

	switch e.conn.State {
	case StateListen:
		if !syn || ack {
			return
		}
		e.conn.rcv.init(seqnum.Value(seg.Seq))
		e.conn.snd.peerWnd = seqnum.Size(seg.Window)
		e.transition(EventRecvSyn)

	case StateSynSent:
		switch {
		case syn && ack:
			if got := seqnum.Value(seg.Ack); got != e.conn.snd.nxt {
				e.fail(errors.Errorf("SYN+ACK acknowledges %d, expected %d", got, e.conn.snd.nxt))
				return
			}
			e.conn.snd.handleAck(seqnum.Value(seg.Ack), seg.Window)
			e.conn.rcv.init(seqnum.Value(seg.Seq))
			e.transition(EventRecvSynAck)
		case syn:
			e.fail(errors.New("unexpected SYN while opening"))
		}

	case StateSynRcvd:
		if syn {
			if !ack && seqnum.Value(seg.Seq) == e.conn.rcv.irs {
				// Our SYN+ACK was lost; the timer would resend it anyway.
				e.writeSegment(segment.FlagSyn|segment.FlagAck, e.conn.ISS, nil)
			}
			return
		}
		if !ack || seqnum.Value(seg.Ack) != e.conn.snd.nxt {
			e.stats.dropped.Add(1)
			return
		}
		e.conn.snd.handleAck(seqnum.Value(seg.Ack), seg.Window)
		e.transition(EventRecvAck)
		// The completing ACK may already carry data or a FIN.
		e.handleData(seg)

	default:
		if syn {
			// The peer lost our handshake ACK.
			e.ackPending = true
			return
		}
		if ack {
			e.handleAck(seg)
			if e.conn.done {
				return
			}
		}
		e.handleData(seg)
	}
}

func (e *engine) handleAck(seg *segment.Segment) {
	snd := e.conn.snd
	if !snd.handleAck(seqnum.Value(seg.Ack), seg.Window) || !snd.finAcked {
		return
	}
	switch e.conn.State {
	case StateFinWait1, StateClosing:
		e.transition(EventRecvAck)
	case StateLastAck:
		e.skipLinger = true
		e.transition(EventRecvAck)
	}
}

func (e *engine) handleData(seg *segment.Segment) {
	if len(seg.Payload) == 0 && !seg.HasFlag(segment.FlagFin) {
		return
	}
	if !e.conn.State.CanReceive() {
		// A retransmission of something we already took; the peer missed our ACK.
		e.ackPending = true
		return
	}
	needAck, fin, err := e.conn.rcv.handle(seg, e.app)
	if err != nil {
		e.fail(err)
		return
	}
	if needAck {
		e.ackPending = true
	}
	if fin {
		e.transition(EventRecvFin)
		e.app.PeerClosed()
	}
}

func (e *engine) handleTimeout() {
	snd := e.conn.snd
	if !snd.timer.checkExpiration() {
		return
	}
	if snd.inFlight() == 0 {
		// Persist timer: the peer window is closed with nothing in flight.
		if snd.peerWnd != 0 || !e.conn.State.CanSend() {
			return
		}
		if e.app.Pending() > 0 {
			e.log.Debug("zero window probe", "seq", snd.nxt)
			snd.probe(e.app)
		} else if e.closeRequested && !snd.finSent {
			e.transition(EventClose)
		}
		return
	}
	e.log.Debug("retransmission timeout", "una", snd.una, "nxt", snd.nxt, "rto", snd.rtt.rto, "expirations", snd.expirations+1)
	if err := snd.expire(); err != nil {
		e.fail(err)
	}
}

// maybeClose sends our FIN once the application asked to close and every
// queued byte has been segmented.
func (e *engine) maybeClose() {
	snd := e.conn.snd
	if !e.closeRequested || snd.finSent || !e.conn.State.CanSend() || e.app.Pending() > 0 {
		return
	}
	if snd.available() < 1 {
		if snd.peerWnd == 0 && snd.inFlight() == 0 {
			snd.arm()
		}
		return
	}
	e.transition(EventClose)
}

// windowOpened reports that the application drained enough to reopen a
// window last advertised below one MSS.
func (e *engine) windowOpened() bool {
	if !e.conn.State.CanReceive() {
		return false
	}
	return int(e.conn.rcv.advertised) < e.cfg.MSS && int(e.conn.rcv.windowFor(e.app)) >= e.cfg.MSS
}

// transition applies ev to the state machine and performs the resulting
// action. Undefined edges are logged and ignored.
func (e *engine) transition(ev Event) {
	from := e.conn.State
	to, action, err := Transition(from, ev)
	if err != nil {
		e.log.Debug("ignored event", "err", err)
		return
	}
	e.setState(to)
	e.log.Debug("transition", "event", ev, "from", from, "to", to, "action", action)

	switch action {
	case ActionSendSyn:
		e.conn.snd.sendSyn(segment.FlagSyn)
	case ActionSendSynAck:
		e.conn.snd.sendSyn(segment.FlagSyn | segment.FlagAck)
	case ActionSendAck:
		e.ackPending = true
	case ActionSendFin:
		e.conn.snd.sendFin()
	}
	if to == StateClosedFinal {
		e.conn.done = true
	}
}

// setState publishes s and wakes anyone waiting on a state change.
func (e *engine) setState(s State) {
	e.conn.State = s
	e.state.Store(uint32(s))
	e.wq.Notify(waiter.EventOut)
}

// fail records a fatal error and forces the connection closed. Before
// ESTABLISHED every failure is a refused connection.
func (e *engine) fail(err error) {
	if e.conn.done {
		return
	}
	if e.conn.State.Handshaking() && !errors.Is(err, ErrConnRefused) {
		err = &HandshakeError{Err: err}
	}
	e.log.Error("connection failed", "state", e.conn.State, "err", err)
	to, _, _ := Transition(e.conn.State, EventAbort)
	e.setState(to)
	e.conn.err = err
	e.conn.done = true
}

func (e *engine) sendAck() {
	e.writeSegment(segment.FlagAck, e.conn.snd.nxt, nil)
}

// writeSegment frames and sends one segment. Send errors are logged and
// left to the retransmission timer.
func (e *engine) writeSegment(flags uint8, seq seqnum.Value, payload buffer.View) {
	seg := segment.Segment{
		Seq:     uint32(seq),
		Flags:   flags,
		Payload: payload,
	}
	if flags&segment.FlagAck != 0 {
		seg.Ack = uint32(e.conn.rcv.rcvNxt)
		e.ackPending = false
	}
	seg.Window = e.conn.rcv.windowFor(e.app)
	e.conn.rcv.advertised = seg.Window

	e.stats.segmentsSent.Add(1)
	if _, err := e.ep.Send(seg.Marshal()); err != nil {
		e.log.Warn("send failed", "seg", seg.String(), "err", err)
	}
}

// linger keeps answering retransmitted FINs after CLOSED_FINAL in case our
// last ACK was lost.
func (e *engine) linger() {
	e.conn.snd.timer.enable(e.cfg.Linger)
	for {
		mask := e.waitForEvent()
		if mask&EventNetworkData != 0 {
			for drained := false; !drained; {
				select {
				case b := <-e.inbound:
					seg, err := segment.Unmarshal(b)
					if err != nil {
						continue
					}
					if seg.HasFlag(segment.FlagFin) {
						e.sendAck()
					}
				default:
					drained = true
				}
			}
			if e.netClosed.Load() {
				return
			}
		}
		if mask&EventTimeout != 0 && e.conn.snd.timer.checkExpiration() {
			return
		}
	}
}

func (e *engine) release() {
	e.conn.snd.timer.cleanup()
	e.ep.Close()
	e.sleeper.Done()
	if e.conn.err != nil {
		e.log.Info("connection released", "state", e.conn.State, "err", e.conn.err)
	} else {
		e.log.Info("connection released", "state", e.conn.State)
	}
	e.app.Shutdown(e.conn.err)
}

// readLoop feeds received datagrams to the engine.
func (e *engine) readLoop() {
	buf := make([]byte, network.MaxDatagram)
	failures := 0
	for {
		n, err := e.ep.Recv(buf)
		if err != nil {
			failures++
			if !errors.Is(err, network.ErrClosed) {
				e.log.Warn("recv failed", "err", err, "consecutive", failures)
			}
			if errors.Is(err, network.ErrClosed) || failures >= maxRecvFailures {
				e.netClosed.Store(true)
				e.netWaker.Assert()
				return
			}
			continue
		}
		failures = 0
		b := make([]byte, n)
		copy(b, buf[:n])
		select {
		case e.inbound <- b:
		default:
			e.stats.dropped.Add(1)
		}
		e.netWaker.Assert()
	}
}
