package stcp

import (
	"github.com/pkg/errors"
)

type State uint8

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynRcvd
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateClosing
	StateCloseWait
	StateLastAck
	StateClosedFinal
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynRcvd:
		return "SYN_RCVD"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT_1"
	case StateFinWait2:
		return "FIN_WAIT_2"
	case StateClosing:
		return "CLOSING"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateLastAck:
		return "LAST_ACK"
	case StateClosedFinal:
		return "CLOSED_FINAL"
	default:
		return "unknown"
	}
}

// Handshaking reports whether the connection has not yet reached
// ESTABLISHED (or failed before reaching it).
func (s State) Handshaking() bool {
	switch s {
	case StateClosed, StateListen, StateSynSent, StateSynRcvd:
		return true
	}
	return false
}

// CanSend reports whether application data may still be segmented out.
func (s State) CanSend() bool {
	return s == StateEstablished || s == StateCloseWait
}

// CanReceive reports whether the peer may still send data to us.
func (s State) CanReceive() bool {
	return s == StateEstablished || s == StateFinWait1 || s == StateFinWait2
}

// Event is an input to the connection state machine. ACK events are only
// raised by the engine when the acknowledgment covers our SYN or FIN.
type Event uint8

const (
	EventActiveOpen Event = iota
	EventPassiveOpen
	EventRecvSyn
	EventRecvSynAck
	EventRecvAck
	EventRecvFin
	EventClose
	EventAbort
)

func (e Event) String() string {
	switch e {
	case EventActiveOpen:
		return "active-open"
	case EventPassiveOpen:
		return "passive-open"
	case EventRecvSyn:
		return "recv-syn"
	case EventRecvSynAck:
		return "recv-syn-ack"
	case EventRecvAck:
		return "recv-ack"
	case EventRecvFin:
		return "recv-fin"
	case EventClose:
		return "close"
	case EventAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// Action is the control segment the engine must emit after a transition.
type Action uint8

const (
	ActionNone Action = iota
	ActionSendSyn
	ActionSendSynAck
	ActionSendAck
	ActionSendFin
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionSendSyn:
		return "send-syn"
	case ActionSendSynAck:
		return "send-syn-ack"
	case ActionSendAck:
		return "send-ack"
	case ActionSendFin:
		return "send-fin"
	default:
		return "unknown"
	}
}

var ErrInvalidTransition = errors.New("invalid state transition")

type transitionKey struct {
	from State
	ev   Event
}

type transitionResult struct {
	to     State
	action Action
}

var transitions = map[transitionKey]transitionResult{
	{StateClosed, EventActiveOpen}:   {StateSynSent, ActionSendSyn},
	{StateClosed, EventPassiveOpen}:  {StateListen, ActionNone},
	{StateListen, EventRecvSyn}:      {StateSynRcvd, ActionSendSynAck},
	{StateSynSent, EventRecvSynAck}:  {StateEstablished, ActionSendAck},
	{StateSynRcvd, EventRecvAck}:     {StateEstablished, ActionNone},
	{StateEstablished, EventClose}:   {StateFinWait1, ActionSendFin},
	{StateEstablished, EventRecvFin}: {StateCloseWait, ActionSendAck},
	{StateFinWait1, EventRecvAck}:    {StateFinWait2, ActionNone},
	{StateFinWait1, EventRecvFin}:    {StateClosing, ActionSendAck},
	{StateClosing, EventRecvAck}:     {StateClosedFinal, ActionNone},
	{StateFinWait2, EventRecvFin}:    {StateClosedFinal, ActionSendAck},
	{StateCloseWait, EventClose}:     {StateLastAck, ActionSendFin},
	{StateLastAck, EventRecvAck}:     {StateClosedFinal, ActionNone},
}

// Transition returns the state reached from s on ev and the control
// segment to emit. Undefined edges return ErrInvalidTransition and leave
// the state unchanged.
//
// EventAbort is accepted from every live state: before ESTABLISHED it
// falls back to CLOSED, afterwards it forces CLOSED_FINAL.
func Transition(s State, ev Event) (State, Action, error) {
	if ev == EventAbort {
		switch {
		case s == StateClosedFinal:
		case s.Handshaking():
			return StateClosed, ActionNone, nil
		default:
			return StateClosedFinal, ActionNone, nil
		}
	}
	r, ok := transitions[transitionKey{s, ev}]
	if !ok {
		return s, ActionNone, errors.Wrapf(ErrInvalidTransition, "%s on %s", ev, s)
	}
	return r.to, r.action, nil
}
