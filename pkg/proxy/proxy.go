// Package proxy implements the resilient NBD front-end of spec.md §4.7: a
// standalone process that negotiates NBD with downstream clients using a
// cached upstream-derived size/flags, then pumps requests to an upstream
// NBD server, reconnecting on failure and optionally serving reads from a
// read-ahead cache.
package proxy

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/flexnbd/flexnbd/pkg/nbdproto"
)

const (
	// maxRequestBytes is the NBD wire ceiling (spec.md §4.7); anything
	// larger disconnects the offending downstream client.
	maxRequestBytes = 32 * 1024 * 1024

	upstreamBudget     = 30 * time.Second
	reconnectCooldown  = 3 * time.Second
	upstreamDialBudget = 15 * time.Second
)

// state names the proxy's per-connection state machine, per spec.md §4.7.
type state int

const (
	stateReadFromDownstream state = iota
	stateWriteToUpstream
	stateReadFromUpstream
	stateWriteToDownstream
	stateConnectToUpstream
	stateReadInitFromUpstream
	stateExit
)

// Config configures a Proxy.
type Config struct {
	ListenAddr   string
	UpstreamAddr string
	CacheSize    uint64 // 0 disables the read-ahead cache
}

// Proxy listens for downstream NBD clients and relays them to a single
// upstream NBD server.
type Proxy struct {
	cfg Config
	ln  net.Listener

	upstreamSize  uint64
	upstreamFlags uint32
}

// New constructs a Proxy, not yet listening.
func New(cfg Config) *Proxy {
	return &Proxy{cfg: cfg}
}

// Listen binds the downstream listener and performs one upstream
// handshake to learn size/flags to cache for downstream negotiation.
func (p *Proxy) Listen() error {
	ln, err := net.Listen("tcp", p.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("proxy: failed to listen on %s: %w", p.cfg.ListenAddr, err)
	}
	p.ln = ln

	conn, hello, err := p.dialUpstream()
	if err != nil {
		_ = ln.Close()
		return err
	}
	_ = conn.Close()
	p.upstreamSize = hello.Size
	p.upstreamFlags = hello.Flags
	return nil
}

func (p *Proxy) dialUpstream() (net.Conn, nbdproto.Init, error) {
	conn, err := net.DialTimeout("tcp", p.cfg.UpstreamAddr, upstreamDialBudget)
	if err != nil {
		return nil, nbdproto.Init{}, err
	}
	buf := make([]byte, nbdproto.InitSize)
	if _, err := io.ReadFull(conn, buf); err != nil {
		_ = conn.Close()
		return nil, nbdproto.Init{}, err
	}
	hello, err := nbdproto.DecodeInit(buf)
	if err != nil {
		_ = conn.Close()
		return nil, nbdproto.Init{}, err
	}
	return conn, hello, nil
}

// Serve accepts downstream connections, handling each on its own
// goroutine (the state machine within a session is single-threaded, per
// spec.md §4.7, but sessions themselves run concurrently).
func (p *Proxy) Serve() error {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return err
		}
		sess := newSession(p, conn)
		go sess.run()
	}
}

// session is one downstream connection's non-blocking state machine,
// expressed here as a sequence of blocking steps for clarity: the states
// named in spec.md §4.7 are preserved as an explicit enum even though Go's
// goroutine-per-connection model does not require single-threaded
// multiplexing to get the same behavior.
type session struct {
	p        *Proxy
	down     net.Conn
	up       net.Conn
	upConnAt time.Time
	cache    *readAheadCache
	state    state

	req        nbdproto.Request // the downstream request currently in flight
	outReq     nbdproto.Request // the (possibly prefetch-lengthened) request sent upstream
	reqPayload []byte           // write payload read from downstream

	reply        nbdproto.Reply
	replyPayload []byte
}

func newSession(p *Proxy, down net.Conn) *session {
	s := &session{p: p, down: down, state: stateConnectToUpstream}
	if p.cfg.CacheSize > 0 {
		s.cache = newReadAheadCache(p.cfg.CacheSize)
	}
	return s
}

func (s *session) run() {
	defer s.down.Close()

	init := nbdproto.Init{Size: s.p.upstreamSize, Flags: s.p.upstreamFlags}
	if _, err := s.down.Write(init.Encode()); err != nil {
		return
	}

	for s.state != stateExit {
		if err := s.step(); err != nil {
			return
		}
	}
}

func (s *session) step() error {
	switch s.state {
	case stateConnectToUpstream:
		return s.connectToUpstream()
	case stateReadInitFromUpstream:
		return s.readInitFromUpstream()
	case stateReadFromDownstream:
		return s.readFromDownstream()
	case stateWriteToUpstream:
		return s.writeToUpstream()
	case stateReadFromUpstream:
		return s.readFromUpstream()
	case stateWriteToDownstream:
		return s.writeToDownstream()
	default:
		s.state = stateExit
		return nil
	}
}

func (s *session) connectToUpstream() error {
	if s.up != nil {
		_ = s.up.Close()
	}
	conn, _, err := s.p.dialUpstream()
	if err != nil {
		time.Sleep(reconnectCooldown)
		return nil // retry on next step
	}
	s.up = conn
	s.upConnAt = time.Now()
	if s.cache != nil {
		s.cache.invalidate()
	}
	s.state = stateReadInitFromUpstream
	return nil
}

func (s *session) readInitFromUpstream() error {
	buf := make([]byte, nbdproto.InitSize)
	if _, err := io.ReadFull(s.up, buf); err != nil {
		s.state = stateConnectToUpstream
		return nil
	}
	if _, err := nbdproto.DecodeInit(buf); err != nil {
		s.state = stateConnectToUpstream
		return nil
	}
	s.state = stateReadFromDownstream
	return nil
}

var errDownstreamTooLarge = errors.New("proxy: request exceeds 32MiB ceiling")

func (s *session) readFromDownstream() error {
	hdr := make([]byte, nbdproto.RequestSize)
	if _, err := io.ReadFull(s.down, hdr); err != nil {
		s.state = stateExit
		return err
	}
	req, err := nbdproto.DecodeRequest(hdr)
	if err != nil {
		s.state = stateExit
		return err
	}
	if uint64(req.Len) > maxRequestBytes {
		s.state = stateExit
		return errDownstreamTooLarge
	}

	s.req = req

	if req.Type == nbdproto.CmdWrite {
		payload := make([]byte, req.Len)
		if _, err := io.ReadFull(s.down, payload); err != nil {
			s.state = stateExit
			return err
		}
		s.reqPayload = payload
		if s.cache != nil {
			s.cache.invalidate()
		}
	}

	if req.Type == nbdproto.CmdRead && s.cache != nil {
		if data, ok := s.cache.lookup(req.From, uint64(req.Len)); ok {
			s.reply = nbdproto.Reply{Error: nbdproto.ErrNone, Handle: req.Handle}
			s.replyPayload = data
			s.state = stateWriteToDownstream
			return nil
		}
	}

	s.state = stateWriteToUpstream
	return nil
}

func (s *session) writeToUpstream() error {
	req := s.req
	prefetch := req.Type == nbdproto.CmdRead && s.cache != nil

	outReq := req
	if prefetch {
		outReq.Len = s.cache.prefetchLen(req.Len, s.p.upstreamSize, req.From)
	}

	_ = s.up.SetDeadline(time.Now().Add(upstreamBudget))
	if _, err := s.up.Write(outReq.Encode()); err != nil {
		s.state = stateConnectToUpstream
		return nil
	}
	if req.Type == nbdproto.CmdWrite {
		if _, err := s.up.Write(s.reqPayload); err != nil {
			s.state = stateConnectToUpstream
			return nil
		}
	}
	s.outReq = outReq
	s.state = stateReadFromUpstream
	return nil
}

func (s *session) readFromUpstream() error {
	hdr := make([]byte, nbdproto.ReplySize)
	if _, err := io.ReadFull(s.up, hdr); err != nil {
		s.state = stateConnectToUpstream
		return nil
	}
	reply, err := nbdproto.DecodeReply(hdr)
	if err != nil {
		s.state = stateConnectToUpstream
		return nil
	}
	_ = s.up.SetDeadline(time.Time{})

	s.reply = nbdproto.Reply{Error: reply.Error, Handle: s.req.Handle}

	if s.req.Type == nbdproto.CmdRead && reply.Error == nbdproto.ErrNone {
		payload := make([]byte, s.outReq.Len)
		if _, err := io.ReadFull(s.up, payload); err != nil {
			s.state = stateConnectToUpstream
			return nil
		}
		want := uint64(s.req.Len)
		s.replyPayload = payload[:want]
		if s.cache != nil && s.outReq.Len > s.req.Len {
			s.cache.store(s.req.From+want, payload[want:])
		}
	}

	s.state = stateWriteToDownstream
	return nil
}

func (s *session) writeToDownstream() error {
	if _, err := s.down.Write(s.reply.Encode()); err != nil {
		s.state = stateExit
		return err
	}
	if len(s.replyPayload) > 0 {
		if _, err := s.down.Write(s.replyPayload); err != nil {
			s.state = stateExit
			return err
		}
	}
	s.replyPayload = nil
	s.state = stateReadFromDownstream
	return nil
}
