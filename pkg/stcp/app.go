package stcp

import (
	"context"
	"io"
	"sync"

	"github.com/google/netstack/waiter"
	"github.com/smallnest/ringbuffer"
	"gvisor.dev/gvisor/pkg/sleep"
)

// appQueues are the byte queues between an application and its engine.
// The application blocks on wq; the engine is woken through its wakers.
type appQueues struct {
	sendQ *ringbuffer.RingBuffer // application -> engine
	recvQ *ringbuffer.RingBuffer // engine -> application
	wq    waiter.Queue

	dataWaker  *sleep.Waker
	closeWaker *sleep.Waker

	mu         sync.Mutex
	handshaken bool
	peerClosed bool
	closing    bool
	shutdown   bool
	err        error
}

func newAppQueues(sendSize, recvSize int, dataWaker, closeWaker *sleep.Waker) *appQueues {
	return &appQueues{
		sendQ:      ringbuffer.New(sendSize),
		recvQ:      ringbuffer.New(recvSize),
		dataWaker:  dataWaker,
		closeWaker: closeWaker,
	}
}

func (a *appQueues) Pull(p []byte) int {
	if a.sendQ.IsEmpty() {
		return 0
	}
	n, _ := a.sendQ.Read(p)
	if n > 0 {
		a.wq.Notify(waiter.EventOut)
	}
	return n
}

func (a *appQueues) Pending() int { return a.sendQ.Length() }

func (a *appQueues) Deliver(p []byte) int {
	if a.recvQ.Free() < len(p) {
		return 0
	}
	n, _ := a.recvQ.Write(p)
	if n > 0 {
		a.wq.Notify(waiter.EventIn)
	}
	return n
}

func (a *appQueues) Buffered() int { return a.recvQ.Length() }

func (a *appQueues) Unblock(err error) {
	a.mu.Lock()
	a.handshaken = true
	if err != nil && a.err == nil {
		a.err = err
	}
	a.mu.Unlock()
	a.wq.Notify(waiter.EventOut | waiter.EventErr)
}

func (a *appQueues) PeerClosed() {
	a.mu.Lock()
	a.peerClosed = true
	a.mu.Unlock()
	a.wq.Notify(waiter.EventIn)
}

func (a *appQueues) Shutdown(err error) {
	a.mu.Lock()
	a.handshaken = true
	a.shutdown = true
	if err != nil && a.err == nil {
		a.err = err
	}
	a.mu.Unlock()
	a.wq.Notify(waiter.EventIn | waiter.EventOut | waiter.EventHUp | waiter.EventErr)
}

// waitEstablished blocks until the engine reports the handshake outcome.
func (a *appQueues) waitEstablished(ctx context.Context) error {
	e, ch := waiter.NewChannelEntry(nil)
	a.wq.EventRegister(&e, waiter.EventOut|waiter.EventErr|waiter.EventHUp)
	defer a.wq.EventUnregister(&e)

	for {
		a.mu.Lock()
		done, err := a.handshaken, a.err
		a.mu.Unlock()
		if done {
			return err
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// read blocks until at least one byte is available. It returns io.EOF
// once the peer's FIN has been consumed and the queue is drained.
func (a *appQueues) read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	e, ch := waiter.NewChannelEntry(nil)
	a.wq.EventRegister(&e, waiter.EventIn|waiter.EventHUp)
	defer a.wq.EventUnregister(&e)

	for {
		// Flags first: data delivered before the FIN is visible by then.
		a.mu.Lock()
		peerClosed, shutdown, err := a.peerClosed, a.shutdown, a.err
		a.mu.Unlock()

		if !a.recvQ.IsEmpty() {
			n, _ := a.recvQ.Read(p)
			// Room opened in the receive window.
			a.dataWaker.Assert()
			return n, nil
		}
		if peerClosed {
			return 0, io.EOF
		}
		if shutdown {
			if err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		<-ch
	}
}

// write queues all of p, blocking while the outbound queue is full.
func (a *appQueues) write(p []byte) (int, error) {
	e, ch := waiter.NewChannelEntry(nil)
	a.wq.EventRegister(&e, waiter.EventOut|waiter.EventHUp)
	defer a.wq.EventUnregister(&e)

	written := 0
	for written < len(p) {
		a.mu.Lock()
		closing, shutdown, err := a.closing, a.shutdown, a.err
		a.mu.Unlock()
		if shutdown && err != nil {
			return written, err
		}
		if closing || shutdown {
			return written, ErrConnClosed
		}

		if free := a.sendQ.Free(); free > 0 {
			end := written + free
			if end > len(p) {
				end = len(p)
			}
			n, _ := a.sendQ.Write(p[written:end])
			written += n
			a.dataWaker.Assert()
			continue
		}
		<-ch
	}
	return written, nil
}

// close asks the engine for a graceful close; queued data is still sent.
func (a *appQueues) close() error {
	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		return ErrConnClosed
	}
	a.closing = true
	a.mu.Unlock()
	a.closeWaker.Assert()
	return nil
}

// waitShutdown blocks until the engine has exited.
func (a *appQueues) waitShutdown(ctx context.Context) error {
	e, ch := waiter.NewChannelEntry(nil)
	a.wq.EventRegister(&e, waiter.EventHUp)
	defer a.wq.EventUnregister(&e)

	for {
		a.mu.Lock()
		shutdown, err := a.shutdown, a.err
		a.mu.Unlock()
		if shutdown {
			return err
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

var _ Application = (*appQueues)(nil)
