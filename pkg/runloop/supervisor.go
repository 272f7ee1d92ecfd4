// Package runloop drives the request/reply cycle over the host stream.
//
// A Supervisor reads one request, dispatches it and writes its reply, then
// repeats. Each cycle runs on a worker goroutine under a deadline. Protocol
// errors, unknown commands, panics and missed deadlines are fatal: Run
// returns them and the process is expected to exit so the host can restart
// it with clean state.
package runloop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/thesyncim/turnx/pkg/session"
	"github.com/thesyncim/turnx/pkg/wire"
)

// DefaultDeadline bounds one receive/dispatch/reply cycle. The host keeps an
// idle process alive by pinging within this interval.
const DefaultDeadline = 5 * time.Second

// Common errors
var (
	ErrUnknownCommand   = errors.New("runloop: unknown command")
	ErrDeadlineExceeded = errors.New("runloop: cycle deadline exceeded")
)

// FatalError wraps a panic recovered from a cycle.
type FatalError struct {
	Value any
	Stack []byte
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("runloop: panic in cycle: %v", e.Value)
}

// Unwrap returns the panic value when it is an error.
func (e *FatalError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// Config configures a Supervisor.
type Config struct {
	// Deadline bounds each cycle. Zero selects DefaultDeadline; a negative
	// value disables the deadline.
	Deadline time.Duration

	// MaxPayload limits message payloads. Zero selects wire.MaxPayloadSize.
	MaxPayload int
}

// Supervisor runs the cycle loop.
type Supervisor struct {
	cfg      Config
	log      *zap.Logger
	reader   *wire.Reader
	writer   *wire.Writer
	dispatch *Dispatcher
	sessions *session.Registry

	// mu is held while a request is dispatched and answered.
	mu      sync.Mutex
	stopped atomic.Bool
	cycles  atomic.Uint64
}

// NewSupervisor creates a supervisor reading requests from r and writing
// replies to w. If log is nil, zap.NewNop() is used.
func NewSupervisor(r io.Reader, w io.Writer, sessions *session.Registry, cfg Config, log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Deadline == 0 {
		cfg.Deadline = DefaultDeadline
	}
	return &Supervisor{
		cfg:      cfg,
		log:      log.With(zap.String("component", "supervisor")),
		reader:   wire.NewReader(r, wire.WithMaxPayload(cfg.MaxPayload)),
		writer:   wire.NewWriter(w, wire.WithMaxPayload(cfg.MaxPayload)),
		dispatch: NewDispatcher(sessions, log, WithReplyLimit(cfg.MaxPayload)),
		sessions: sessions,
	}
}

type result struct {
	cmd  wire.Command
	halt bool
	err  error
}

// Run loops until the host halts the process, closes its stream, ctx is
// cancelled or a fatal error occurs. It returns nil on a graceful halt or
// end of input, and ctx.Err() on cancellation.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Info("runloop started", zap.Duration("deadline", s.cfg.Deadline))

	for {
		done := make(chan result, 1)
		go func() { done <- s.cycle() }()

		var (
			timer   *time.Timer
			timeout <-chan time.Time
		)
		if s.cfg.Deadline > 0 {
			timer = time.NewTimer(s.cfg.Deadline)
			timeout = timer.C
		}

		select {
		case res := <-done:
			if timer != nil {
				timer.Stop()
			}
			switch {
			case errors.Is(res.err, io.EOF):
				s.log.Info("input closed", zap.Uint64("cycles", s.Cycles()))
				s.shutdown()
				return nil
			case res.err != nil:
				s.log.Error("cycle failed", zap.Stringer("command", res.cmd), zap.Error(res.err))
				s.shutdown()
				return res.err
			case res.halt:
				s.log.Info("halt requested", zap.Uint64("cycles", s.Cycles()))
				s.shutdown()
				return nil
			}

		case <-timeout:
			// The worker may still own a session; leave sessions to process
			// exit.
			return fmt.Errorf("%w: %s", ErrDeadlineExceeded, s.cfg.Deadline)

		case <-ctx.Done():
			s.stopped.Store(true)
			if s.mu.TryLock() {
				// Nothing is dispatching; a request read later sees stopped.
				s.mu.Unlock()
				if timer != nil {
					timer.Stop()
				}
				s.shutdown()
				return ctx.Err()
			}

			// A request is in flight. Sessions are released only after it
			// returns, and it stays bound by the cycle deadline.
			select {
			case <-done:
				if timer != nil {
					timer.Stop()
				}
				s.shutdown()
				return ctx.Err()
			case <-timeout:
				return fmt.Errorf("%w: %s after cancel", ErrDeadlineExceeded, s.cfg.Deadline)
			}
		}
	}
}

// cycle reads one request, dispatches it and writes the reply.
func (s *Supervisor) cycle() (res result) {
	defer func() {
		if v := recover(); v != nil {
			res = result{cmd: res.cmd, err: &FatalError{Value: v, Stack: debug.Stack()}}
		}
	}()

	req, err := s.reader.ReadMessage()
	if err != nil {
		return result{err: err}
	}
	res.cmd = req.Command

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped.Load() {
		return result{cmd: req.Command, err: context.Canceled}
	}

	start := time.Now()
	reply, halt, err := s.dispatch.Dispatch(req)
	if err != nil {
		return result{cmd: req.Command, err: err}
	}
	if err := s.writer.WriteMessage(reply); err != nil {
		return result{cmd: req.Command, err: err}
	}
	s.cycles.Add(1)

	if ce := s.log.Check(zap.DebugLevel, "cycle"); ce != nil {
		ce.Write(
			zap.Stringer("command", req.Command),
			zap.Int64("ident", req.Ident),
			zap.Stringer("reply", reply.Command),
			zap.Duration("took", time.Since(start)))
	}
	return result{cmd: req.Command, halt: halt}
}

// Cycles returns the number of completed cycles.
func (s *Supervisor) Cycles() uint64 {
	return s.cycles.Load()
}

func (s *Supervisor) shutdown() {
	if err := s.sessions.HaltAll(); err != nil {
		s.log.Warn("releasing sessions", zap.Error(err))
	}
}
