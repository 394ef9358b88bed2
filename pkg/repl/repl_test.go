package repl

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"stcp/pkg/stcp"
)

func newStack(t *testing.T) *stcp.Stack {
	t.Helper()
	s := stcp.NewStack(stcp.Config{
		RTO:    200 * time.Millisecond,
		RTOMin: 50 * time.Millisecond,
		Linger: 20 * time.Millisecond,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(s.Close)
	return s
}

func run(t *testing.T, r *REPL, script string) string {
	t.Helper()
	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r.Run(ctx, strings.NewReader(script), &out)
	return out.String()
}

func TestUsageErrors(t *testing.T) {
	r := New(newStack(t), netip.MustParseAddr("127.0.0.1"))
	out := run(t, r, "bogus\nc nowhere\ns 1\nr 9 10\ncl x\nhelp\n")

	for _, want := range []string{
		`Unknown command "bogus"`,
		`Invalid address "nowhere"`,
		"Usage: s <sid> <text>",
		"No connection with socket ID 9",
		`Invalid socket ID "x"`,
		"Commands:",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}
}

func TestConnectSendReadClose(t *testing.T) {
	server := newStack(t)
	l, err := server.VListen(netip.MustParseAddrPort("127.0.0.1:0"))
	if err != nil {
		t.Fatalf("VListen: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	accepted := make(chan *stcp.VConn, 1)
	go func() {
		conn, err := l.VAccept(ctx)
		if err != nil {
			t.Errorf("VAccept: %v", err)
			close(accepted)
			return
		}
		accepted <- conn
	}()

	client := newStack(t)
	r := New(client, netip.MustParseAddr("127.0.0.1"))
	out := run(t, r, "c "+l.Addr().String()+"\ns 1 hello there\nls\n")
	if !strings.Contains(out, "Created new socket with ID 1") || !strings.Contains(out, "Wrote 11 bytes") {
		t.Fatalf("unexpected output:\n%s", out)
	}
	if !strings.Contains(out, "ESTABLISHED") {
		t.Fatalf("ls does not show the connection:\n%s", out)
	}

	conn := <-accepted
	if conn == nil {
		t.FailNow()
	}
	buf := make([]byte, 64)
	n, err := io.ReadAtLeast(conn, buf, 11)
	if err != nil || string(buf[:n]) != "hello there" {
		t.Fatalf("server read %q, %v", buf[:n], err)
	}

	conn.VWrite([]byte("pong"))
	out = run(t, r, "r 1 4\ncl 1\n")
	if !strings.Contains(out, "Read 4 bytes: pong") || !strings.Contains(out, "Closed socket 1") {
		t.Fatalf("unexpected output:\n%s", out)
	}
	if _, err := conn.VRead(buf); err != io.EOF {
		t.Fatalf("server read after close = %v, want EOF", err)
	}
}

func TestFileTransfer(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.bin")
	dst := filepath.Join(dir, "out.bin")
	data := bytes.Repeat([]byte("0123456789abcdef"), 1000)
	if err := os.WriteFile(src, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	server := newStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Reserve a free port for the receiver.
	probe, err := server.VListen(netip.MustParseAddrPort("127.0.0.1:0"))
	if err != nil {
		t.Fatalf("VListen: %v", err)
	}
	addr := probe.Addr()
	probe.VClose()

	received := make(chan error, 1)
	go func() {
		_, err := server.ReceiveFile(ctx, dst, addr)
		received <- err
	}()

	client := newStack(t)
	var n int64
	for {
		n, err = client.SendFile(ctx, src, addr)
		if err == nil || ctx.Err() != nil {
			break
		}
		// The receiver may not be listening yet.
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if n != int64(len(data)) {
		t.Fatalf("sent %d bytes, want %d", n, len(data))
	}
	if err := <-received; err != nil {
		t.Fatalf("ReceiveFile: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("received file differs (%d bytes, %v)", len(got), err)
	}
}
