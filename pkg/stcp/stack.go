package stcp

import (
	"context"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"stcp/pkg/network"
	"stcp/pkg/segment"
)

// Stack is a host's socket table. Each socket is either a listener or a
// connection, identified by a socket ID.
type Stack struct {
	cfg Config
	log *slog.Logger

	mu           sync.Mutex
	sockets      map[int]*Socket
	nextSocketID int
}

type Socket struct {
	SID    int
	Conn   *VConn
	Listen *VListener
}

// SocketInfo describes one socket for listings.
type SocketInfo struct {
	SID    int
	Kind   string
	State  string
	Local  netip.AddrPort
	Remote netip.AddrPort
}

func NewStack(cfg Config) *Stack {
	cfg = cfg.withDefaults()
	return &Stack{
		cfg:          cfg,
		log:          cfg.Logger,
		sockets:      make(map[int]*Socket),
		nextSocketID: 1,
	}
}

// reserve hands out the next socket ID so logs carry it from the start.
func (s *Stack) reserve() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sid := s.nextSocketID
	s.nextSocketID++
	return sid
}

func (s *Stack) connConfig(sid int) Config {
	cfg := s.cfg
	cfg.Logger = s.log.With("sid", sid)
	return cfg
}

func (s *Stack) register(sock *Socket) {
	s.mu.Lock()
	s.sockets[sock.SID] = sock
	s.mu.Unlock()
}

func (s *Stack) remove(sid int) {
	s.mu.Lock()
	delete(s.sockets, sid)
	s.mu.Unlock()
}

// track registers conn and drops it from the table once it is released.
func (s *Stack) track(conn *VConn) {
	s.register(&Socket{SID: conn.SID, Conn: conn})
	go func() {
		<-conn.Done()
		s.remove(conn.SID)
	}()
}

// VConnect opens a connection to addr over UDP.
func (s *Stack) VConnect(ctx context.Context, addr netip.AddrPort) (*VConn, error) {
	ep, err := network.DialUDP(addr)
	if err != nil {
		return nil, err
	}
	sid := s.reserve()
	conn, err := Dial(ctx, ep, s.connConfig(sid))
	if err != nil {
		return nil, errors.Wrapf(err, "connect %s", addr)
	}
	conn.SID = sid
	s.track(conn)
	return conn, nil
}

type VListener struct {
	SID int

	stack *Stack
	ln    *network.Listener
}

// VListen binds laddr and admits peers whose first segment is a SYN.
func (s *Stack) VListen(laddr netip.AddrPort) (*VListener, error) {
	ln, err := network.ListenUDP(laddr, isSyn)
	if err != nil {
		return nil, err
	}
	l := &VListener{SID: s.reserve(), stack: s, ln: ln}
	s.register(&Socket{SID: l.SID, Listen: l})
	s.log.Info("listening", "sid", l.SID, "addr", l.Addr())
	return l, nil
}

func isSyn(b []byte) bool {
	seg, err := segment.Unmarshal(b)
	return err == nil && seg.HasFlag(segment.FlagSyn) && !seg.HasFlag(segment.FlagAck)
}

func (l *VListener) Addr() netip.AddrPort { return l.ln.Addr() }

// VAccept returns the next connection that completes its handshake.
// Peers whose handshake fails are logged and skipped.
func (l *VListener) VAccept(ctx context.Context) (*VConn, error) {
	for {
		ep, err := l.ln.Accept(ctx)
		if err != nil {
			if errors.Is(err, network.ErrListenerClosed) {
				return nil, ErrListenerClosed
			}
			return nil, err
		}
		sid := l.stack.reserve()
		conn, err := Accept(ctx, ep, l.stack.connConfig(sid))
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			l.stack.log.Warn("handshake failed", "sid", sid, "remote", ep.RemoteAddr(), "err", err)
			continue
		}
		conn.SID = sid
		l.stack.track(conn)
		return conn, nil
	}
}

// VClose stops accepting. Accepted connections are unaffected.
func (l *VListener) VClose() error {
	l.stack.remove(l.SID)
	if err := l.ln.Close(); err != nil {
		return ErrListenerClosed
	}
	return nil
}

func (s *Stack) FindSocket(sid int) (*Socket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sock, ok := s.sockets[sid]
	return sock, ok
}

// Sockets lists the socket table ordered by ID.
func (s *Stack) Sockets() []SocketInfo {
	s.mu.Lock()
	infos := make([]SocketInfo, 0, len(s.sockets))
	for _, sock := range s.sockets {
		info := SocketInfo{SID: sock.SID}
		if sock.Listen != nil {
			info.Kind = "listen"
			info.State = StateListen.String()
			info.Local = sock.Listen.Addr()
		} else {
			info.Kind = "conn"
			info.State = sock.Conn.State().String()
			info.Remote = sock.Conn.RemoteAddr()
		}
		infos = append(infos, info)
	}
	s.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].SID < infos[j].SID })
	return infos
}

// Close closes every listener and aborts every connection.
func (s *Stack) Close() {
	s.mu.Lock()
	socks := make([]*Socket, 0, len(s.sockets))
	for _, sock := range s.sockets {
		socks = append(socks, sock)
	}
	s.mu.Unlock()

	for _, sock := range socks {
		if sock.Listen != nil {
			sock.Listen.VClose()
		} else {
			sock.Conn.abort()
		}
	}
}

// SendFile connects to addr, sends the file at path and closes. It returns
// once the peer has acknowledged our FIN.
func (s *Stack) SendFile(ctx context.Context, path string, addr netip.AddrPort) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, "open file")
	}
	defer f.Close()

	conn, err := s.VConnect(ctx, addr)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(conn, f)
	if err != nil {
		conn.abort()
		return n, errors.Wrap(err, "send file")
	}
	if err := conn.VClose(); err != nil {
		return n, err
	}
	if err := waitFinAcked(ctx, conn); err != nil {
		return n, err
	}
	return n, nil
}

// waitFinAcked blocks until our side is fully closed.
func waitFinAcked(ctx context.Context, conn *VConn) error {
	return conn.waitState(ctx, func(s State) bool {
		return s == StateFinWait2 || s == StateClosedFinal
	})
}

// ReceiveFile listens on laddr, accepts one connection and writes
// everything it receives to path until the peer closes.
func (s *Stack) ReceiveFile(ctx context.Context, path string, laddr netip.AddrPort) (int64, error) {
	l, err := s.VListen(laddr)
	if err != nil {
		return 0, err
	}
	conn, err := l.VAccept(ctx)
	l.VClose()
	if err != nil {
		return 0, err
	}

	f, err := os.Create(path)
	if err != nil {
		conn.abort()
		return 0, errors.Wrap(err, "create file")
	}
	defer f.Close()

	n, err := io.Copy(f, conn)
	if err != nil {
		conn.abort()
		return n, errors.Wrap(err, "receive file")
	}
	conn.VClose()
	return n, nil
}
