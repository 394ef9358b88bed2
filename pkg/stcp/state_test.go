package stcp

import (
	"testing"

	"github.com/pkg/errors"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from   State
		ev     Event
		to     State
		action Action
	}{
		{StateClosed, EventActiveOpen, StateSynSent, ActionSendSyn},
		{StateClosed, EventPassiveOpen, StateListen, ActionNone},
		{StateListen, EventRecvSyn, StateSynRcvd, ActionSendSynAck},
		{StateSynSent, EventRecvSynAck, StateEstablished, ActionSendAck},
		{StateSynRcvd, EventRecvAck, StateEstablished, ActionNone},
		{StateEstablished, EventClose, StateFinWait1, ActionSendFin},
		{StateEstablished, EventRecvFin, StateCloseWait, ActionSendAck},
		{StateFinWait1, EventRecvAck, StateFinWait2, ActionNone},
		{StateFinWait1, EventRecvFin, StateClosing, ActionSendAck},
		{StateClosing, EventRecvAck, StateClosedFinal, ActionNone},
		{StateFinWait2, EventRecvFin, StateClosedFinal, ActionSendAck},
		{StateCloseWait, EventClose, StateLastAck, ActionSendFin},
		{StateLastAck, EventRecvAck, StateClosedFinal, ActionNone},
	}
	for _, c := range cases {
		to, action, err := Transition(c.from, c.ev)
		if err != nil {
			t.Errorf("%s on %s: %v", c.ev, c.from, err)
			continue
		}
		if to != c.to || action != c.action {
			t.Errorf("%s on %s = (%s, %s), want (%s, %s)", c.ev, c.from, to, action, c.to, c.action)
		}
	}
}

func TestTransitionRejectsUndefinedEdges(t *testing.T) {
	cases := []struct {
		from State
		ev   Event
	}{
		{StateClosed, EventRecvFin},
		{StateSynSent, EventRecvFin},
		{StateSynSent, EventRecvAck},
		{StateListen, EventRecvSynAck},
		{StateEstablished, EventRecvSyn},
		{StateFinWait2, EventClose},
		{StateClosedFinal, EventRecvAck},
		{StateClosedFinal, EventAbort},
	}
	for _, c := range cases {
		to, action, err := Transition(c.from, c.ev)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s on %s: err = %v, want ErrInvalidTransition", c.ev, c.from, err)
		}
		if to != c.from || action != ActionNone {
			t.Errorf("%s on %s moved to %s/%s", c.ev, c.from, to, action)
		}
	}
}

func TestAbort(t *testing.T) {
	for _, s := range []State{StateClosed, StateListen, StateSynSent, StateSynRcvd} {
		if to, _, err := Transition(s, EventAbort); err != nil || to != StateClosed {
			t.Errorf("abort from %s = %s, %v; want CLOSED", s, to, err)
		}
	}
	for _, s := range []State{StateEstablished, StateFinWait1, StateFinWait2, StateClosing, StateCloseWait, StateLastAck} {
		if to, _, err := Transition(s, EventAbort); err != nil || to != StateClosedFinal {
			t.Errorf("abort from %s = %s, %v; want CLOSED_FINAL", s, to, err)
		}
	}
}

// Every teardown ordering reaches CLOSED_FINAL in a bounded number of steps.
func TestTeardownPaths(t *testing.T) {
	paths := map[string][]Event{
		"local-first":  {EventClose, EventRecvAck, EventRecvFin},
		"remote-first": {EventRecvFin, EventClose, EventRecvAck},
		"simultaneous": {EventClose, EventRecvFin, EventRecvAck},
	}
	for name, evs := range paths {
		s := StateEstablished
		for _, ev := range evs {
			var err error
			s, _, err = Transition(s, ev)
			if err != nil {
				t.Fatalf("%s: %v", name, err)
			}
		}
		if s != StateClosedFinal {
			t.Errorf("%s ended in %s", name, s)
		}
	}
}
