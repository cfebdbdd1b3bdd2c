// Package mirror implements the live-migration engine described in
// spec.md §4.5: a two-phase connect/hello handshake followed by a
// single-threaded, event-stream-driven transfer loop that mirrors a
// backing file to a peer server while the local server keeps serving
// writes.
//
// This is a deliberate redesign away from the C original's whole-bitmap
// sweep scheduler (mirror_setup_next_xfer): instead of repeatedly
// scanning the whole bitmap for dirty runs, the engine advances a linear
// offset across the file once and thereafter drains the allocation
// bitset's event stream, switching between the two modes based on how
// full the stream is (spec.md §4.5's half-full/quarter-full hysteresis).
package mirror

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/flexnbd/flexnbd/pkg/bitset"
	"github.com/flexnbd/flexnbd/pkg/concurrency"
	"github.com/flexnbd/flexnbd/pkg/logging"
	"github.com/flexnbd/flexnbd/pkg/nbdproto"
	"github.com/flexnbd/flexnbd/pkg/server"
	"golang.org/x/sys/unix"
)

// State is the mirror attempt's lifecycle state.
type State int

const (
	StateInit State = iota
	StateGo
	StateDone
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateGo:
		return "GO"
	case StateDone:
		return "DONE"
	case StateAbandoned:
		return "ABANDONED"
	default:
		return "UNKNOWN"
	}
}

// Action is what happens to the local server once the mirror completes.
type Action int

const (
	ActionExit Action = iota
	ActionUnlink
	ActionNothing
)

// Outcome is what Setup posts to the commit mailbox: either GO (connect
// and hello succeeded) or one of the FAIL_* reasons spec.md §4.5 names.
type Outcome int

const (
	OutcomeGo Outcome = iota
	OutcomeFailConnect
	OutcomeFailNoHello
	OutcomeFailRejected
	OutcomeFailSizeMismatch
)

func (o Outcome) Error() string {
	switch o {
	case OutcomeGo:
		return "GO"
	case OutcomeFailConnect:
		return "FAIL_CONNECT"
	case OutcomeFailNoHello:
		return "FAIL_NO_HELLO"
	case OutcomeFailRejected:
		return "FAIL_REJECTED"
	case OutcomeFailSizeMismatch:
		return "FAIL_SIZE_MISMATCH"
	default:
		return "FAIL_UNKNOWN"
	}
}

const (
	connectTimeout    = 15 * time.Second
	defaultXferBudget = 60 * time.Second
	maxTransferBytes  = 8 * 1024 * 1024
	convergeETA       = 5 * time.Second
	limiterTick       = 1 * time.Second
)

// Config configures one mirror attempt.
type Config struct {
	Addr       string
	Port       int
	BindAddr   string
	Action     Action
	MaxBps     uint64 // 0 = unlimited
	XferBudget time.Duration
}

// Engine runs one mirror attempt over a backing file owned by srv.
type Engine struct {
	id  string // random UUID generated per engine; a supervisor retry gets a new one
	cfg Config
	srv *server.Server

	conn   net.Conn
	size   uint64
	bset   *bitset.Bitset
	offset uint64

	state  State
	commit *concurrency.Mailbox[Outcome]
	abort  *concurrency.SelfPipe

	startedAt   time.Time
	allDirty    uint64 // bytes transferred outside clear-events mode; the throughput numerator
	maxBps      uint64
	clearEvents bool
}

// New constructs an engine bound to srv, ready to Run after Setup
// succeeds.
func New(srv *server.Server, cfg Config) *Engine {
	if cfg.XferBudget == 0 {
		cfg.XferBudget = defaultXferBudget
	}
	return &Engine{
		id:     uuid.NewString(),
		cfg:    cfg,
		srv:    srv,
		state:  StateInit,
		commit: concurrency.NewMailbox[Outcome](),
		abort:  concurrency.NewSelfPipe(),
		maxBps: cfg.MaxBps,
	}
}

// ID returns the UUID generated for this engine. Each supervisor retry
// constructs a new engine with a new ID; the ID is not included in status
// output or in the engine's log events.
func (e *Engine) ID() string { return e.id }

// Commit returns the mailbox the control socket blocks on until Setup's
// outcome (GO or a FAIL_* reason) is known.
func (e *Engine) Commit() *concurrency.Mailbox[Outcome] { return e.commit }

// Abandon requests the running mirror stop at its next event-loop
// iteration; terminal, per spec.md §4.5 ("ABANDONED... is terminal").
func (e *Engine) Abandon() {
	e.state = StateAbandoned
	e.abort.Signal()
}

// SetMaxBps updates the bandwidth cap on a live mirror (control socket
// `mirror_max_bps`).
func (e *Engine) SetMaxBps(bps uint64) { e.maxBps = bps }

// Setup connects to the peer, exchanges the NBD hello, and checks sizes
// match, posting the outcome to the commit mailbox either way (spec.md
// §4.5 "Setup").
func (e *Engine) Setup(ctx context.Context) error {
	dialer := net.Dialer{Timeout: connectTimeout}
	if e.cfg.BindAddr != "" {
		dialer.LocalAddr = &net.TCPAddr{IP: net.ParseIP(e.cfg.BindAddr)}
	}

	addr := fmt.Sprintf("%s:%d", e.cfg.Addr, e.cfg.Port)
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		e.commit.Post(OutcomeFailConnect)
		return err
	}

	_ = conn.SetReadDeadline(time.Now().Add(connectTimeout))
	helloBuf := make([]byte, nbdproto.InitSize)
	if _, err := readFull(conn, helloBuf); err != nil {
		_ = conn.Close()
		e.commit.Post(OutcomeFailNoHello)
		return err
	}
	_ = conn.SetReadDeadline(time.Time{})

	hello, err := nbdproto.DecodeInit(helloBuf)
	if err != nil {
		_ = conn.Close()
		e.commit.Post(OutcomeFailRejected)
		return err
	}

	ourSize := e.srv.BackingFile().Size()
	if hello.Size != ourSize {
		_ = conn.Close()
		e.commit.Post(OutcomeFailSizeMismatch)
		return fmt.Errorf("mirror: peer size %d does not match local size %d", hello.Size, ourSize)
	}

	e.conn = conn
	e.size = ourSize
	e.bset = e.srv.AllocBitset()
	e.state = StateGo
	e.commit.Post(OutcomeGo)
	return nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Run drives the transfer loop to completion (DONE) or failure, per
// spec.md §4.5 "Run"/"Convergence"/"Completion"/"Failure". It blocks
// until the mirror finishes, is abandoned, or a fatal I/O error occurs.
func (e *Engine) Run(ctx context.Context) error {
	defer func() {
		if e.conn != nil {
			_ = e.conn.Close()
		}
	}()

	if e.size == 0 {
		return e.converge(ctx)
	}

	e.bset.EnableStream()
	defer func() {
		if e.bset.StreamEnabled() {
			e.bset.DisableStream()
		}
	}()

	e.startedAt = time.Now()
	e.srv.Emit(logging.KindMirrorStateChange, "mirror run started", logging.MirrorStateChangeData{From: "INIT", To: "GO"})

	limiterSuspended := false
	limiterTicker := time.NewTicker(limiterTick)
	defer limiterTicker.Stop()

	for {
		select {
		case <-e.abort.C():
			return e.fail(errors.New("mirror: abandoned"))
		case <-ctx.Done():
			return e.fail(ctx.Err())
		case <-limiterTicker.C:
			limiterSuspended = e.throttled()
			continue
		default:
		}

		if limiterSuspended {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		xfer, ok := e.nextTransfer()
		if !ok {
			done, err := e.maybeConverge(ctx)
			if err != nil {
				return e.fail(err)
			}
			if done {
				return e.complete()
			}
			continue
		}

		if err := e.transferOne(xfer); err != nil {
			return e.fail(err)
		}

		if !xfer.fromClearEvents {
			e.allDirty += xfer.len
		}

		if e.eta() <= convergeETA {
			done, err := e.maybeConverge(ctx)
			if err != nil {
				return e.fail(err)
			}
			if done {
				return e.complete()
			}
		}
	}
}

type transfer struct {
	from, len       uint64
	fromClearEvents bool
}

// nextTransfer implements spec.md §4.5's redesigned scheduler: linear
// sweep while the event stream has room, stream-draining once it's half
// full (latched until quarter-full), nothing once both are exhausted.
func (e *Engine) nextTransfer() (transfer, bool) {
	streamCap := e.bset.StreamCapacity()
	size := e.bset.StreamSize()

	if !e.clearEvents && size >= streamCap/2 {
		e.clearEvents = true
	} else if e.clearEvents && size <= streamCap/4 {
		e.clearEvents = false
	}

	sweepDone := e.offset >= e.size

	if !sweepDone && !e.clearEvents {
		length := uint64(maxTransferBytes)
		if e.offset+length > e.size {
			length = e.size - e.offset
		}
		t := transfer{from: e.offset, len: length}
		e.offset += length
		return t, true
	}

	for e.bset.StreamSize() > 0 {
		entry := e.bset.StreamDequeue()
		if entry.Event == bitset.Set {
			length := entry.Len
			if length > maxTransferBytes {
				length = maxTransferBytes
			}
			return transfer{from: entry.From, len: length, fromClearEvents: true}, true
		}
	}

	if sweepDone {
		return transfer{}, false
	}
	return transfer{}, false
}

// transferOne sends one NBD WRITE for xfer and waits for its reply,
// per spec.md §4.5's per-transfer protocol.
func (e *Engine) transferOne(xfer transfer) error {
	tc, isTCP := e.conn.(*net.TCPConn)
	if isTCP {
		setCork(tc, true)
	}

	data := e.srv.BackingFile().Bytes()
	req := nbdproto.Request{
		Type:   nbdproto.CmdWrite,
		Handle: nbdproto.HandleFromString(nbdproto.MirrorHandle),
		From:   xfer.from,
		Len:    uint32(xfer.len),
	}
	if _, err := e.conn.Write(req.Encode()); err != nil {
		return err
	}
	if _, err := e.conn.Write(data[xfer.from : xfer.from+xfer.len]); err != nil {
		return err
	}

	if isTCP {
		setCork(tc, false)
	}

	_ = e.conn.SetReadDeadline(time.Now().Add(e.cfg.XferBudget))
	replyBuf := make([]byte, nbdproto.ReplySize)
	if _, err := readFull(e.conn, replyBuf); err != nil {
		return err
	}
	_ = e.conn.SetReadDeadline(time.Time{})

	reply, err := nbdproto.DecodeReply(replyBuf)
	if err != nil {
		return err
	}
	if reply.Error != nbdproto.ErrNone {
		return fmt.Errorf("mirror: peer replied error %d", reply.Error)
	}
	return nil
}

func setCork(tc *net.TCPConn, on bool) {
	raw, err := tc.SyscallConn()
	if err != nil {
		return
	}
	val := 0
	if on {
		val = 1
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_CORK, val)
	})
}

// throttled implements spec.md §4.5's bandwidth limiter: suspend the
// writer when all_dirty/elapsed exceeds max_bps and the stream is not at
// risk of filling; a 1Hz recheck re-enables it.
func (e *Engine) throttled() bool {
	if e.maxBps == 0 {
		return false
	}
	if e.bset.StreamSize() >= e.bset.StreamCapacity()/2 {
		return false
	}
	elapsed := time.Since(e.startedAt).Seconds()
	if elapsed <= 0 {
		return false
	}
	return float64(e.allDirty)/elapsed > float64(e.maxBps)
}

func (e *Engine) eta() time.Duration {
	bps := e.Speed()
	if bps <= 0 {
		return time.Duration(1<<63 - 1)
	}
	remaining := e.BytesLeft()
	return time.Duration(float64(remaining)/bps) * time.Second
}

// maybeConverge implements spec.md §4.5 "Convergence": once ETA is small
// (or the caller has observed "no more work"), quiesce local writers and
// attempt exactly one more transfer; DONE if that finds nothing.
func (e *Engine) maybeConverge(ctx context.Context) (done bool, err error) {
	e.srv.ForbidNewClients()
	e.srv.CloseClients()
	e.srv.JoinClients()

	if xfer, ok := e.nextTransfer(); ok {
		if err := e.transferOne(xfer); err != nil {
			return false, err
		}
		e.srv.AllowNewClients()
		return false, nil
	}
	return true, nil
}

func (e *Engine) converge(ctx context.Context) error {
	e.srv.ForbidNewClients()
	e.srv.CloseClients()
	e.srv.JoinClients()
	return e.complete()
}

// complete implements spec.md §4.5 "Completion".
func (e *Engine) complete() error {
	e.state = StateDone
	e.srv.Emit(logging.KindMirrorStateChange, "mirror completed", logging.MirrorStateChangeData{From: "GO", To: "DONE"})

	switch e.cfg.Action {
	case ActionExit, ActionUnlink:
		if tc, ok := e.conn.(*net.TCPConn); ok {
			_ = tc.SetDeadline(time.Time{})
		}
		e.sendDisconnect()
		if e.cfg.Action == ActionUnlink {
			_ = os.Remove(e.srv.FilePath())
		}
		e.srv.SetHasControl(false)
		go func() { _ = e.srv.Shutdown() }()
	case ActionNothing:
		e.srv.SetHasControl(false)
	}
	return nil
}

func (e *Engine) sendDisconnect() {
	req := nbdproto.Request{Type: nbdproto.CmdDisconnect, Handle: nbdproto.HandleFromString(nbdproto.MirrorHandle)}
	_, _ = e.conn.Write(req.Encode())
}

// fail leaves state at whatever it already was (INIT/GO, or ABANDONED if
// Abandon() raced it here) and returns cause for the supervisor to
// inspect, per spec.md §4.5 "Failure/abandon".
func (e *Engine) fail(cause error) error {
	return cause
}

// State reports the engine's current lifecycle state.
func (e *Engine) State() State { return e.state }

// --- server.MirrorProgress ---

func (e *Engine) Duration() time.Duration {
	if e.startedAt.IsZero() {
		return 0
	}
	return time.Since(e.startedAt)
}

func (e *Engine) Speed() float64 {
	elapsed := time.Since(e.startedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(e.allDirty) / elapsed
}

func (e *Engine) SpeedLimit() uint64 { return e.maxBps }

func (e *Engine) BytesLeft() uint64 {
	if e.offset >= e.size {
		return 0
	}
	return e.size - e.offset
}

func (e *Engine) SecondsLeft() float64 {
	bps := e.Speed()
	if bps <= 0 {
		return 0
	}
	return float64(e.BytesLeft()) / bps
}
