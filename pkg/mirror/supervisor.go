package mirror

import (
	"context"
	"sync"
	"time"

	"github.com/flexnbd/flexnbd/pkg/server"
)

const retryDelay = 1 * time.Second

// Supervisor wraps repeated mirror attempts, per spec.md §4.5
// "Failure/abandon": if the first attempt reached at least GO, a later
// failure is retried after a 1s delay with a freshly reset engine;
// ABANDONED (via Break) is terminal and never retried.
type Supervisor struct {
	srv *server.Server
	cfg Config

	mu     sync.Mutex
	engine *Engine
}

// NewSupervisor constructs a supervisor for one mirror invocation.
func NewSupervisor(srv *server.Server, cfg Config) *Supervisor {
	return &Supervisor{srv: srv, cfg: cfg}
}

// Start runs the first attempt's Setup synchronously (so the control
// socket can report its outcome immediately, per spec.md §4.6 `mirror`),
// then — if it reached GO — continues the transfer loop and any retries
// in the background.
func (s *Supervisor) Start(ctx context.Context) Outcome {
	engine := New(s.srv, s.cfg)
	s.setEngine(engine)

	if err := engine.Setup(ctx); err != nil {
		s.srv.SetMirrorProgress(nil)
		outcome, _ := engine.Commit().TryReceive()
		return outcome
	}

	outcome, _ := engine.Commit().TryReceive()
	go s.run(ctx, engine)
	return outcome
}

func (s *Supervisor) setEngine(e *Engine) {
	s.mu.Lock()
	s.engine = e
	s.mu.Unlock()
	s.srv.SetMirrorProgress(e)
}

func (s *Supervisor) currentEngine() *Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

func (s *Supervisor) run(ctx context.Context, engine *Engine) {
	for {
		err := engine.Run(ctx)

		if engine.State() == StateAbandoned {
			s.srv.SetMirrorProgress(nil)
			return
		}
		if err == nil {
			// DONE: engine.complete() already cleared has_control and,
			// for EXIT/UNLINK, signalled server shutdown.
			s.srv.SetMirrorProgress(nil)
			return
		}

		// Reconnect, retrying the connect/hello handshake itself until it
		// succeeds or the attempt is abandoned, before resuming the
		// transfer loop on a freshly reset engine.
		for {
			time.Sleep(retryDelay)
			if engine.State() == StateAbandoned {
				s.srv.SetMirrorProgress(nil)
				return
			}
			engine = New(s.srv, s.cfg)
			s.setEngine(engine)
			if setupErr := engine.Setup(ctx); setupErr == nil {
				break
			}
			if engine.State() == StateAbandoned {
				s.srv.SetMirrorProgress(nil)
				return
			}
		}
	}
}

// Break signals the in-flight mirror attempt, if any, to abandon.
// Reports whether a mirror was actually stopped, per spec.md §4.6
// `break`.
func (s *Supervisor) Break() bool {
	e := s.currentEngine()
	if e == nil || e.State() == StateDone || e.State() == StateAbandoned {
		return false
	}
	e.Abandon()
	s.srv.SetMirrorProgress(nil)
	return true
}

// SetMaxBps forwards a live bandwidth-cap update to the current attempt,
// per spec.md §4.6 `mirror_max_bps`.
func (s *Supervisor) SetMaxBps(bps uint64) {
	if e := s.currentEngine(); e != nil {
		e.SetMaxBps(bps)
	}
}

// Active reports whether a mirror attempt is currently in flight.
func (s *Supervisor) Active() bool {
	e := s.currentEngine()
	return e != nil && e.State() != StateDone && e.State() != StateAbandoned
}
