// Package control implements the UNIX-domain control socket of spec.md
// §4.6: one client at a time, a line-oriented command protocol, and a
// single `<exit_code>: <message>` response line.
package control

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/flexnbd/flexnbd/pkg/concurrency"
	"github.com/flexnbd/flexnbd/pkg/logging"
	"github.com/flexnbd/flexnbd/pkg/mirror"
	"github.com/flexnbd/flexnbd/pkg/server"
)

// Socket serves the control protocol over a UNIX-domain stream socket,
// accepting at most one client connection at a time (spec.md §4.6).
type Socket struct {
	srv  *server.Server
	path string
	ln   net.Listener

	supervisor *mirror.Supervisor
	stop       *concurrency.SelfPipe
}

// New constructs a control socket bound to sockPath, not yet listening.
func New(srv *server.Server, sockPath string) *Socket {
	return &Socket{srv: srv, path: sockPath, stop: concurrency.NewSelfPipe()}
}

// Listen binds the UNIX socket, removing any stale file left by a
// previous run.
func (s *Socket) Listen() error {
	_ = os.Remove(s.path)
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("control: failed to listen on %s: %w", s.path, err)
	}
	s.ln = ln
	return nil
}

// Serve accepts connections one at a time until Stop is called.
func (s *Socket) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.stop.Signalled() {
				return nil
			}
			return err
		}
		s.handle(conn)
	}
}

// Stop closes the listener and removes the socket file.
func (s *Socket) Stop() {
	s.stop.Signal()
	if s.ln != nil {
		_ = s.ln.Close()
	}
	_ = os.Remove(s.path)
}

// handle serves exactly one command on conn, matching the "one client at
// a time" rule: the accept loop does not call handle concurrently.
func (s *Socket) handle(conn net.Conn) {
	defer conn.Close()

	lines, err := readCommand(conn)
	if err != nil {
		fmt.Fprintf(conn, "1: %s\n", err)
		return
	}
	if len(lines) == 0 {
		fmt.Fprintf(conn, "1: empty command\n")
		return
	}

	cmd, args := lines[0], lines[1:]
	code, msg := s.dispatch(cmd, args)
	s.srv.Emit(logging.KindControlCommand, "control command", logging.ControlCommandData{Command: cmd, ExitOK: code == 0})
	fmt.Fprintf(conn, "%d: %s\n", code, msg)
}

// readCommand reads LF-terminated lines up to the first blank line, per
// spec.md §4.6/§6.
func readCommand(conn net.Conn) ([]string, error) {
	scanner := bufio.NewScanner(conn)
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func (s *Socket) dispatch(cmd string, args []string) (code int, msg string) {
	switch cmd {
	case "acl":
		return s.doACL(args)
	case "mirror":
		return s.doMirror(args)
	case "mirror_max_bps":
		return s.doMirrorMaxBps(args)
	case "break":
		return s.doBreak(args)
	case "status":
		return s.doStatus(args)
	default:
		return 1, fmt.Sprintf("unknown command %q", cmd)
	}
}

func (s *Socket) doACL(args []string) (int, string) {
	if err := s.srv.ReplaceACL(args, s.srv.ACLDefaultDeny()); err != nil {
		return 1, err.Error()
	}
	return 0, "acl replaced"
}

func (s *Socket) doMirror(args []string) (int, string) {
	if len(args) < 3 {
		return 1, "usage: mirror addr port action [bind_addr] [max_bps]"
	}
	port, err := strconv.Atoi(args[1])
	if err != nil {
		return 1, fmt.Sprintf("invalid port %q", args[1])
	}
	action, err := parseAction(args[2])
	if err != nil {
		return 1, err.Error()
	}

	cfg := mirror.Config{Addr: args[0], Port: port, Action: action}
	if len(args) > 3 {
		cfg.BindAddr = args[3]
	}
	if len(args) > 4 {
		bps, err := strconv.ParseUint(args[4], 10, 64)
		if err != nil {
			return 1, fmt.Sprintf("invalid max_bps %q", args[4])
		}
		cfg.MaxBps = bps
	}

	s.srv.LockStartMirror(tokenControl)
	sup := mirror.NewSupervisor(s.srv, cfg)
	s.supervisor = sup
	s.srv.UnlockStartMirror()

	// Start publishes the attempt's progress under l_start_mirror itself,
	// so the lock is released before it runs.
	outcome := sup.Start(context.Background())
	if outcome != mirror.OutcomeGo {
		return 1, outcome.Error()
	}
	return 0, "GO"
}

func (s *Socket) doMirrorMaxBps(args []string) (int, string) {
	if len(args) != 1 {
		return 1, "usage: mirror_max_bps bps"
	}
	bps, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return 1, fmt.Sprintf("invalid bps %q", args[0])
	}
	if s.supervisor == nil || !s.supervisor.Active() {
		return 1, "no mirror in progress"
	}
	s.supervisor.SetMaxBps(bps)
	return 0, "updated"
}

func (s *Socket) doBreak([]string) (int, string) {
	if s.supervisor == nil {
		return 0, "no mirror in progress"
	}
	stopped := s.supervisor.Break()
	return 0, strconv.FormatBool(stopped)
}

func (s *Socket) doStatus([]string) (int, string) {
	st := s.srv.Status()
	return 0, strings.TrimSuffix(st.Render(), "\n")
}

func parseAction(s string) (mirror.Action, error) {
	switch s {
	case "exit":
		return mirror.ActionExit, nil
	case "unlink":
		return mirror.ActionUnlink, nil
	case "nothing":
		return mirror.ActionNothing, nil
	default:
		return 0, fmt.Errorf("unknown mirror action %q", s)
	}
}

// tokenControl is this package's fixed flex-mutex token for l_start_mirror,
// matching the convention in pkg/server (one constant per long-lived
// logical owner, per spec.md §4.4's locking discipline).
const tokenControl int64 = 2
