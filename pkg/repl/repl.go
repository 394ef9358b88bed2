package repl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"

	"stcp/pkg/stcp"
)

const usage = `Commands:
  ls                      list sockets
  a <port>                listen on <port> and accept connections
  c <addr:port>           connect
  s <sid> <text>          send text
  r <sid> <n>             read up to n bytes
  cl <sid>                close
  st <sid>                connection statistics
  sf <file> <addr:port>   send a file
  rf <file> <port>        receive a file
  exit                    quit`

// REPL drives a Stack from text commands. Background accepts and file
// transfers report through the same writer.
type REPL struct {
	Stack *stcp.Stack
	// BindAddr is the local address listeners bind to.
	BindAddr netip.Addr

	ctx    context.Context
	mu     sync.Mutex
	out    io.Writer
	wg     sync.WaitGroup
	prompt bool
}

func New(stack *stcp.Stack, bind netip.Addr) *REPL {
	return &REPL{Stack: stack, BindAddr: bind}
}

// StartRepl runs the REPL on stdin and stdout until EOF or exit.
func StartRepl(stack *stcp.Stack, bind netip.Addr) {
	r := New(stack, bind)
	r.prompt = true
	r.Run(context.Background(), os.Stdin, os.Stdout)
}

// Run executes commands from in until EOF, exit or ctx is done. It waits
// for the background work it started before returning.
func (r *REPL) Run(ctx context.Context, in io.Reader, out io.Writer) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		r.wg.Wait()
	}()
	r.ctx = ctx
	r.out = out

	scanner := bufio.NewScanner(in)
	for {
		if r.prompt {
			r.printf("> ")
		}
		if !scanner.Scan() || ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "q" {
			return
		}
		r.Execute(line)
	}
}

func (r *REPL) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// Execute runs one command line.
func (r *REPL) Execute(line string) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "ls":
		r.list()
	case "a":
		r.accept(fields)
	case "c":
		r.connect(fields)
	case "s":
		r.send(line)
	case "r":
		r.read(fields)
	case "cl":
		r.close(fields)
	case "st":
		r.stats(fields)
	case "sf":
		r.sendFile(fields)
	case "rf":
		r.receiveFile(fields)
	case "help", "?":
		r.printf("%s\n", usage)
	default:
		r.printf("Unknown command %q; try help\n", fields[0])
	}
}

func (r *REPL) list() {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := tabwriter.NewWriter(r.out, 1, 1, 3, ' ', 0)
	fmt.Fprintln(w, "SID\tKind\tState\tLocal\tRemote")
	for _, s := range r.Stack.Sockets() {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", s.SID, s.Kind, s.State, addrString(s.Local), addrString(s.Remote))
	}
	w.Flush()
}

func addrString(ap netip.AddrPort) string {
	if !ap.IsValid() {
		return "*"
	}
	return ap.String()
}

func (r *REPL) accept(fields []string) {
	if len(fields) != 2 {
		r.printf("Usage: a <port>\n")
		return
	}
	port, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		r.printf("Invalid port %q\n", fields[1])
		return
	}
	l, err := r.Stack.VListen(netip.AddrPortFrom(r.BindAddr, uint16(port)))
	if err != nil {
		r.printf("Listen failed: %v\n", err)
		return
	}
	r.printf("Listening on %s (socket %d)\n", l.Addr(), l.SID)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		go func() {
			<-r.ctx.Done()
			l.VClose()
		}()
		for {
			conn, err := l.VAccept(r.ctx)
			if err != nil {
				return
			}
			r.printf("New connection on socket %d from %s\n", conn.SID, conn.RemoteAddr())
		}
	}()
}

func (r *REPL) connect(fields []string) {
	if len(fields) != 2 {
		r.printf("Usage: c <addr:port>\n")
		return
	}
	addr, err := netip.ParseAddrPort(fields[1])
	if err != nil {
		r.printf("Invalid address %q\n", fields[1])
		return
	}
	conn, err := r.Stack.VConnect(r.ctx, addr)
	if err != nil {
		r.printf("Connect failed: %v\n", err)
		return
	}
	r.printf("Created new socket with ID %d\n", conn.SID)
}

func (r *REPL) conn(arg string) (*stcp.VConn, bool) {
	sid, err := strconv.Atoi(arg)
	if err != nil {
		r.printf("Invalid socket ID %q\n", arg)
		return nil, false
	}
	sock, ok := r.Stack.FindSocket(sid)
	if !ok || sock.Conn == nil {
		r.printf("No connection with socket ID %d\n", sid)
		return nil, false
	}
	return sock.Conn, true
}

func (r *REPL) send(line string) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		r.printf("Usage: s <sid> <text>\n")
		return
	}
	conn, ok := r.conn(parts[1])
	if !ok {
		return
	}
	n, err := conn.VWrite([]byte(parts[2]))
	if err != nil {
		r.printf("Send failed after %d bytes: %v\n", n, err)
		return
	}
	r.printf("Wrote %d bytes\n", n)
}

func (r *REPL) read(fields []string) {
	if len(fields) != 3 {
		r.printf("Usage: r <sid> <n>\n")
		return
	}
	conn, ok := r.conn(fields[1])
	if !ok {
		return
	}
	n, err := strconv.Atoi(fields[2])
	if err != nil || n <= 0 {
		r.printf("Invalid byte count %q\n", fields[2])
		return
	}
	buf := make([]byte, n)
	got, err := conn.VRead(buf)
	if err == io.EOF {
		r.printf("Peer closed the connection\n")
		return
	}
	if err != nil {
		r.printf("Read failed: %v\n", err)
		return
	}
	r.printf("Read %d bytes: %s\n", got, buf[:got])
}

func (r *REPL) close(fields []string) {
	if len(fields) != 2 {
		r.printf("Usage: cl <sid>\n")
		return
	}
	sid, err := strconv.Atoi(fields[1])
	if err != nil {
		r.printf("Invalid socket ID %q\n", fields[1])
		return
	}
	sock, ok := r.Stack.FindSocket(sid)
	if !ok {
		r.printf("No socket with ID %d\n", sid)
		return
	}
	if sock.Listen != nil {
		err = sock.Listen.VClose()
	} else {
		err = sock.Conn.VClose()
	}
	if err != nil {
		r.printf("Close failed: %v\n", err)
		return
	}
	r.printf("Closed socket %d\n", sid)
}

func (r *REPL) stats(fields []string) {
	if len(fields) != 2 {
		r.printf("Usage: st <sid>\n")
		return
	}
	conn, ok := r.conn(fields[1])
	if !ok {
		return
	}
	st := conn.Stats()
	r.printf("state=%s sent=%d/%dB recv=%d/%dB retransmits=%d dropped=%d malformed=%d\n",
		conn.State(), st.SegmentsSent, st.BytesSent, st.SegmentsRecv, st.BytesRecv,
		st.Retransmits, st.Dropped, st.Malformed)
}

func (r *REPL) sendFile(fields []string) {
	if len(fields) != 3 {
		r.printf("Usage: sf <file> <addr:port>\n")
		return
	}
	addr, err := netip.ParseAddrPort(fields[2])
	if err != nil {
		r.printf("Invalid address %q\n", fields[2])
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		n, err := r.Stack.SendFile(r.ctx, fields[1], addr)
		if err != nil {
			r.printf("Send file failed after %d bytes: %v\n", n, err)
			return
		}
		r.printf("Sent %d total bytes\n", n)
	}()
}

func (r *REPL) receiveFile(fields []string) {
	if len(fields) != 3 {
		r.printf("Usage: rf <file> <port>\n")
		return
	}
	port, err := strconv.ParseUint(fields[2], 10, 16)
	if err != nil {
		r.printf("Invalid port %q\n", fields[2])
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		n, err := r.Stack.ReceiveFile(r.ctx, fields[1], netip.AddrPortFrom(r.BindAddr, uint16(port)))
		if err != nil {
			r.printf("Receive file failed after %d bytes: %v\n", n, err)
			return
		}
		r.printf("Received %d total bytes\n", n)
	}()
}
