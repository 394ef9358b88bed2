package stcp

import (
	"context"
	"net/netip"

	"github.com/google/netstack/waiter"
	"github.com/pkg/errors"

	"stcp/pkg/network"
)

// VConn is an established connection. Reads and writes go through the
// application queues; the engine goroutine owns everything else.
type VConn struct {
	SID int

	e *engine
	q *appQueues
}

// Dial opens a connection actively over ep and blocks until the handshake
// completes. A failed handshake matches ErrConnRefused.
func Dial(ctx context.Context, ep network.Endpoint, cfg Config) (*VConn, error) {
	return open(ctx, RoleActive, ep, cfg)
}

// Accept waits on ep for the peer's SYN and completes the handshake.
func Accept(ctx context.Context, ep network.Endpoint, cfg Config) (*VConn, error) {
	return open(ctx, RolePassive, ep, cfg)
}

func open(ctx context.Context, role Role, ep network.Endpoint, cfg Config) (*VConn, error) {
	cfg = cfg.withDefaults()
	log := cfg.Logger.With("role", role, "remote", ep.RemoteAddr())
	e := newEngine(role, ep, cfg, log)
	q := e.app.(*appQueues)
	go e.run()

	if err := q.waitEstablished(ctx); err != nil {
		// Closing the endpoint makes the engine give up.
		ep.Close()
		<-e.exited
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ErrConnRefused) {
			return nil, errors.Wrap(ctxErr, "handshake interrupted")
		}
		return nil, err
	}
	return &VConn{e: e, q: q}, nil
}

// VRead blocks until data is available. It returns io.EOF after the peer
// closed its side and every byte it sent has been read.
func (c *VConn) VRead(buf []byte) (int, error) {
	return c.q.read(buf)
}

// VWrite queues all of data for transmission. It blocks while the
// outbound queue is full.
func (c *VConn) VWrite(data []byte) (int, error) {
	return c.q.write(data)
}

// VClose closes our side after the queued data has been sent. Reading
// stays possible until the peer closes too.
func (c *VConn) VClose() error {
	return c.q.close()
}

func (c *VConn) Read(p []byte) (int, error)  { return c.VRead(p) }
func (c *VConn) Write(p []byte) (int, error) { return c.VWrite(p) }
func (c *VConn) Close() error                { return c.VClose() }

// Wait blocks until the connection has been released and returns the
// error that ended it, if any.
func (c *VConn) Wait(ctx context.Context) error {
	return c.q.waitShutdown(ctx)
}

// Done is closed once the engine has exited.
func (c *VConn) Done() <-chan struct{} { return c.e.exited }

func (c *VConn) Err() error {
	select {
	case <-c.e.exited:
		return c.e.conn.err
	default:
		return nil
	}
}

func (c *VConn) State() State               { return c.e.State() }
func (c *VConn) Stats() Stats               { return c.e.stats.snapshot() }
func (c *VConn) Role() Role                 { return c.e.conn.Role }
func (c *VConn) RemoteAddr() netip.AddrPort { return c.e.ep.RemoteAddr() }

// waitState blocks until ok holds for the connection state. It fails if
// the connection is released first in a state ok rejects.
func (c *VConn) waitState(ctx context.Context, ok func(State) bool) error {
	e, ch := waiter.NewChannelEntry(nil)
	c.q.wq.EventRegister(&e, waiter.EventOut|waiter.EventHUp)
	defer c.q.wq.EventUnregister(&e)

	for {
		if ok(c.State()) {
			return nil
		}
		select {
		case <-ch:
		case <-c.e.exited:
			if ok(c.State()) {
				return nil
			}
			if err := c.Err(); err != nil {
				return err
			}
			return ErrConnClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// abort drops the connection without a FIN exchange.
func (c *VConn) abort() {
	c.e.ep.Close()
}
