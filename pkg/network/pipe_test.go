package network

import (
	"bytes"
	"testing"
)

func recvAll(t *testing.T, ep Endpoint, n int) [][]byte {
	t.Helper()
	var out [][]byte
	buf := make([]byte, MaxDatagram)
	for i := 0; i < n; i++ {
		m, err := ep.Recv(buf)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		out = append(out, append([]byte(nil), buf[:m]...))
	}
	return out
}

func TestPipeDelivers(t *testing.T) {
	a, b := Pipe(PipeConfig{})
	msg := []byte("segment")
	if n, err := a.Send(msg); n != len(msg) || err != nil {
		t.Fatalf("Send = %d, %v", n, err)
	}
	// The pipe owns a copy.
	msg[0] = 'X'
	got := recvAll(t, b, 1)[0]
	if string(got) != "segment" {
		t.Fatalf("got %q", got)
	}

	b.Send([]byte("reply"))
	if got := recvAll(t, a, 1)[0]; string(got) != "reply" {
		t.Fatalf("got %q", got)
	}
}

func TestPipeDropHook(t *testing.T) {
	a, b := Pipe(PipeConfig{AToB: LinkConfig{Drop: func(p []byte) bool { return p[0] == 'd' }}})
	a.Send([]byte("drop me"))
	a.Send([]byte("keep"))
	if got := recvAll(t, b, 1)[0]; string(got) != "keep" {
		t.Fatalf("got %q", got)
	}
}

func TestPipeLossIsSeeded(t *testing.T) {
	count := func() int {
		a, b := Pipe(PipeConfig{AToB: LinkConfig{Loss: 0.5}, Seed: 42})
		for i := 0; i < 100; i++ {
			a.Send([]byte{byte(i)})
		}
		b.Close()
		return len(b.(*pipeEndpoint).in.q)
	}
	first := count()
	if first == 0 || first == 100 {
		t.Fatalf("delivered %d of 100 at 50%% loss", first)
	}
	if second := count(); second != first {
		t.Fatalf("same seed delivered %d then %d", first, second)
	}
}

func TestPipeReorder(t *testing.T) {
	a, b := Pipe(PipeConfig{AToB: LinkConfig{Reorder: 1}})
	a.Send([]byte("1"))
	a.Send([]byte("2"))
	got := recvAll(t, b, 2)
	if !bytes.Equal(got[0], []byte("2")) || !bytes.Equal(got[1], []byte("1")) {
		t.Fatalf("order = %q %q", got[0], got[1])
	}
}

func TestPipeClose(t *testing.T) {
	a, _ := Pipe(PipeConfig{})
	a.Close()
	if _, err := a.Recv(make([]byte, 10)); err != ErrClosed {
		t.Fatalf("Recv after Close = %v", err)
	}
	if _, err := a.Send([]byte("x")); err != ErrClosed {
		t.Fatalf("Send after Close = %v", err)
	}
}

func TestPipeRecvAfterCloseIgnoresQueued(t *testing.T) {
	for i := 0; i < 100; i++ {
		a, b := Pipe(PipeConfig{})
		a.Send([]byte("queued"))
		b.Close()
		if n, err := b.Recv(make([]byte, 10)); err != ErrClosed {
			t.Fatalf("run %d: Recv after Close = %d, %v", i, n, err)
		}
	}
}
