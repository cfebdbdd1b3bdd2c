// Package server implements the FlexNBD serving engine: the accept loop,
// ACL enforcement, client table, and per-connection NBD state machine
// (spec.md §4.3/§4.4).
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/flexnbd/flexnbd/internal/errx"
	"github.com/flexnbd/flexnbd/pkg/acl"
	"github.com/flexnbd/flexnbd/pkg/alloc"
	"github.com/flexnbd/flexnbd/pkg/bitset"
	"github.com/flexnbd/flexnbd/pkg/concurrency"
	"github.com/flexnbd/flexnbd/pkg/logging"
	"github.com/flexnbd/flexnbd/pkg/nbdproto"
	"golang.org/x/sys/unix"
)

var (
	ErrListen        = errors.New("server: failed to listen")
	ErrTooManyClients = errors.New("server: too many clients")
)

const defaultClientCapacity = 16

// Fixed flex-mutex tokens: each critical section below is always entered
// by exactly one long-lived logical owner (spec.md §4.4/§5 locking
// discipline: l_acl, l_start_mirror), so a per-role constant stands in for
// a per-goroutine id.
const (
	tokenAccept           int64 = 1
	tokenControl          int64 = 2
	tokenMirrorSupervisor int64 = 3
	tokenSignal           int64 = 4
)

// Config configures a new Server.
type Config struct {
	Addr              string
	Port              int
	FilePath          string
	SockPath          string
	ACLEntries        []string
	DefaultDeny       bool
	HasControlAtStart bool // true for "serve" mode, false for "listen" mode
	KillSwitchTimeout time.Duration
	ClientCapacity    int
	Emitter           *logging.Emitter
	Extentor          alloc.Extentor
}

// Server is the FlexNBD serving engine described in spec.md §4.4.
type Server struct {
	cfg      Config
	listener net.Listener
	file     *BackingFile

	allocBitset       *bitset.Bitset
	allocBuilt        bool
	allocBuildFailed  bool
	allocMu           sync.Mutex
	killSwitchTimeout time.Duration

	aclLock *concurrency.FlexMutex
	acl     *acl.ACL

	lStartMirror   *concurrency.FlexMutex
	mirrorActive   bool
	mirrorProgress MirrorProgress

	clients         *clientTable
	allowNewClients bool
	clientsMu       sync.Mutex

	hasControl bool
	hasCtrlMu  sync.Mutex

	closeSignal *concurrency.SelfPipe
	aclUpdated  *concurrency.SelfPipe

	emitter *logging.Emitter

	incompletePath string

	wg sync.WaitGroup
}

// New constructs a Server bound to nothing yet; call Listen to bind.
func New(cfg Config) (*Server, error) {
	a, err := acl.Parse(cfg.ACLEntries, cfg.DefaultDeny)
	if err != nil {
		return nil, err
	}
	if cfg.KillSwitchTimeout == 0 {
		cfg.KillSwitchTimeout = DefaultKillSwitchTimeout
	}
	if cfg.ClientCapacity == 0 {
		cfg.ClientCapacity = defaultClientCapacity
	}
	if cfg.Extentor == nil {
		cfg.Extentor = alloc.WholeFileExtentor{}
	}

	s := &Server{
		cfg:               cfg,
		killSwitchTimeout: cfg.KillSwitchTimeout,
		aclLock:           concurrency.NewFlexMutex(),
		acl:               a,
		lStartMirror:      concurrency.NewFlexMutex(),
		clients:           newClientTable(cfg.ClientCapacity),
		allowNewClients:   true,
		hasControl:        cfg.HasControlAtStart,
		closeSignal:       concurrency.NewSelfPipe(),
		aclUpdated:        concurrency.NewSelfPipe(),
		emitter:           cfg.Emitter,
		incompletePath:    cfg.FilePath + ".INCOMPLETE",
	}
	return s, nil
}

// Listen opens the backing file, binds the TCP listener with
// SO_REUSEADDR, and spawns the allocation-map builder thread, per spec.md
// §4.4 steps 1-3. TCP_NODELAY is applied per accepted connection in
// handleAccept, since it is a per-socket option rather than a listener one.
func (s *Server) Listen(ctx context.Context) error {
	f, err := OpenBackingFile(s.cfg.FilePath)
	if err != nil {
		return err
	}
	s.file = f

	if !s.cfg.HasControlAtStart {
		_ = os.WriteFile(s.incompletePath, []byte{}, 0644)
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
		},
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Addr, s.cfg.Port)
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return errx.Wrap(ErrListen, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.buildAllocationMap(ctx)

	return nil
}

func (s *Server) buildAllocationMap(ctx context.Context) {
	defer s.wg.Done()
	b, err := alloc.Build(ctx, s.cfg.Extentor, s.file.Size(), allocResolution)
	s.allocMu.Lock()
	defer s.allocMu.Unlock()
	if err != nil {
		s.allocBuildFailed = true
		return
	}
	s.allocBitset = b
	s.allocBuilt = true
}

// AllocationMapBuilt reports whether the allocation-map builder thread
// finished successfully.
func (s *Server) AllocationMapBuilt() bool {
	s.allocMu.Lock()
	defer s.allocMu.Unlock()
	return s.allocBuilt
}

// Addr returns the bound listener address, useful for tests that bind to
// port 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve runs the accept loop until Shutdown is called or ctx is
// cancelled, per spec.md §4.4 step 4.
func (s *Server) Serve(ctx context.Context) error {
	type acceptResult struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan acceptResult)

	go func() {
		for {
			conn, err := s.listener.Accept()
			accepted <- acceptResult{conn, err}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-s.closeSignal.C():
			return nil
		case <-ctx.Done():
			_ = s.Shutdown()
			return ctx.Err()
		case <-s.aclUpdated.C():
			s.reconcileACL()
			s.aclUpdated.Reset()
		case res := <-accepted:
			if res.err != nil {
				if s.closeSignal.Signalled() {
					return nil
				}
				return res.err
			}
			s.handleAccept(res.conn)
		}
	}
}

func (s *Server) handleAccept(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	peer := net.ParseIP(host)

	s.aclLock.Lock(tokenAccept)
	admitted := s.acl.Includes(peer)
	s.aclLock.Unlock()

	if !admitted {
		_, _ = conn.Write([]byte("Access denied\n"))
		_ = conn.Close()
		return
	}

	s.clientsMu.Lock()
	allow := s.allowNewClients
	s.clientsMu.Unlock()
	if !allow {
		_, _ = conn.Write([]byte("Too many clients\n"))
		_ = conn.Close()
		return
	}

	c := newClient(conn, s, peer)
	id, ok := s.clients.add(c, peer)
	if !ok {
		_, _ = conn.Write([]byte("Too many clients\n"))
		_ = conn.Close()
		return
	}

	s.emit(logging.KindClientConnected, "client connected", logging.ClientConnectedData{PeerAddr: conn.RemoteAddr().String()})

	init := nbdproto.Init{Size: s.file.Size(), Flags: nbdproto.DefaultInitFlags}
	if _, err := conn.Write(init.Encode()); err != nil {
		s.clients.remove(id)
		_ = conn.Close()
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.clients.remove(id)
		_ = c.serve()
		s.emit(logging.KindClientDisconnected, "client disconnected", logging.ClientConnectedData{PeerAddr: conn.RemoteAddr().String()})
	}()
}

// reconcileACL closes any live client whose peer no longer matches the
// current ACL, per spec.md §4.4 step 4 and the Open Question resolved in
// DESIGN.md: this is a first-class invariant, not best-effort.
func (s *Server) reconcileACL() {
	s.aclLock.Lock(tokenAccept)
	current := s.acl
	s.aclLock.Unlock()

	for _, slot := range s.clients.snapshot() {
		if !current.Includes(slot.peer) {
			slot.client.Stop()
		}
	}
}

// ReplaceACL installs a new ACL and wakes the accept loop to close any
// client the new ACL no longer admits (spec.md §4.6 `acl` command).
func (s *Server) ReplaceACL(entries []string, defaultDeny bool) error {
	a, err := acl.Parse(entries, defaultDeny)
	if err != nil {
		return err
	}
	s.aclLock.Lock(tokenControl)
	s.acl = a
	s.aclLock.Unlock()
	s.aclUpdated.Signal()

	s.emit(logging.KindACLReplaced, "acl replaced", logging.ACLReplacedData{Entries: entries, DefaultDeny: defaultDeny})
	return nil
}

// ForbidNewClients stops the accept loop from admitting further clients
// (used during mirror convergence, spec.md §4.5).
func (s *Server) ForbidNewClients() {
	s.clientsMu.Lock()
	s.allowNewClients = false
	s.clientsMu.Unlock()
}

// AllowNewClients re-opens admission (used when a mirror attempt aborts).
func (s *Server) AllowNewClients() {
	s.clientsMu.Lock()
	s.allowNewClients = true
	s.clientsMu.Unlock()
}

// CloseClients signals every currently-connected client to stop.
func (s *Server) CloseClients() {
	for _, slot := range s.clients.snapshot() {
		slot.client.Stop()
	}
}

// JoinClients blocks until every client handler goroutine started so far
// has exited. It does not wait on the accept loop itself.
func (s *Server) JoinClients() {
	s.wg.Wait()
}

// NumClients returns the number of currently-connected clients.
func (s *Server) NumClients() int { return s.clients.count() }

// AllowNewClientsState reports the current admission gate.
func (s *Server) AllowNewClientsState() bool {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return s.allowNewClients
}

// HasControl reports whether this process holds the migration baton
// (spec.md §4.4 "Has-control"); it is the process's exit status.
func (s *Server) HasControl() bool {
	s.hasCtrlMu.Lock()
	defer s.hasCtrlMu.Unlock()
	return s.hasControl
}

// SetHasControl flips the migration baton. The mirror engine clears it when
// an outbound mirror completes; the client handler does not set it when an
// inbound mirror finishes, so a server started without control keeps
// has_control=false. Clears the .INCOMPLETE flag file when v is true.
func (s *Server) SetHasControl(v bool) {
	s.hasCtrlMu.Lock()
	s.hasControl = v
	s.hasCtrlMu.Unlock()
	if v {
		_ = os.Remove(s.incompletePath)
	}
}

// BackingFile exposes the server's mapped backing file to the mirror
// engine and control socket.
func (s *Server) BackingFile() *BackingFile { return s.file }

// AllocBitset exposes the server's allocation bitset (also the dirty
// bitset's event-stream source during mirroring, per spec.md §5) to the
// mirror engine.
func (s *Server) AllocBitset() *bitset.Bitset {
	s.allocMu.Lock()
	defer s.allocMu.Unlock()
	return s.allocBitset
}

// LockStartMirror/UnlockStartMirror expose the l_start_mirror flex-mutex
// to the mirror supervisor and control socket so starting a mirror and a
// shutdown signal race safely (spec.md §4.4).
func (s *Server) LockStartMirror(token int64) { s.lStartMirror.Lock(token) }
func (s *Server) UnlockStartMirror()          { s.lStartMirror.Unlock() }

// Emit forwards to the server's logging emitter if one is configured.
func (s *Server) emit(kind, summary string, data interface{}) {
	if s.emitter != nil {
		_ = s.emitter.Emit(kind, summary, data)
	}
}

// Emit is the exported form of emit, used by the mirror supervisor and
// control socket to log through the server's configured sinks.
func (s *Server) Emit(kind, summary string, data interface{}) { s.emit(kind, summary, data) }

// FilePath returns the backing file's path, used by the mirror engine's
// UNLINK completion action.
func (s *Server) FilePath() string { return s.cfg.FilePath }

// Shutdown implements spec.md §4.4 step 5: signal close, refuse new
// clients, signal every live client, join them, close the listener.
// Returns nil iff has_control is set, matching the process's exit status.
func (s *Server) Shutdown() error {
	s.closeSignal.Signal()
	s.ForbidNewClients()
	s.CloseClients()
	s.JoinClients()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.file != nil {
		_ = s.file.Close()
	}
	if !s.HasControl() {
		return fmt.Errorf("server: shutdown without control of the backing file")
	}
	return nil
}

// ACLDefaultDeny reports the current ACL's default-deny flag, so a
// control-socket `acl` replacement (which carries no default-deny
// argument of its own, per spec.md §4.6) can preserve it.
func (s *Server) ACLDefaultDeny() bool {
	s.aclLock.Lock(tokenControl)
	defer s.aclLock.Unlock()
	return s.acl.DefaultDeny
}

// ACLStrings returns the current ACL rendered back to CIDR strings.
func (s *Server) ACLStrings() string {
	s.aclLock.Lock(tokenControl)
	defer s.aclLock.Unlock()
	return s.acl.String()
}
