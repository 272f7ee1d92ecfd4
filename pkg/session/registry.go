package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/thesyncim/turnx/pkg/abr"
	"github.com/thesyncim/turnx/pkg/engine"
)

// Registry owns the sessions of the process, addressed by ident.
//
// Halted idents are remembered so that commands arriving after a teardown,
// including a second create, are rejected rather than silently starting
// over.
type Registry struct {
	log    *zap.Logger
	eng    engine.Engine
	tuning *abr.Tuning
	opts   []Option

	mu       sync.RWMutex
	sessions map[int64]*Session
	halted   map[int64]struct{}
}

// NewRegistry creates a registry whose sessions use eng and tuning. If log
// is nil, zap.NewNop() is used.
func NewRegistry(eng engine.Engine, tuning *abr.Tuning, log *zap.Logger, opts ...Option) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		log:      log.With(zap.String("component", "session-registry")),
		eng:      eng,
		tuning:   tuning,
		opts:     append([]Option{WithLogger(log.With(zap.String("component", "session")))}, opts...),
		sessions: make(map[int64]*Session),
		halted:   make(map[int64]struct{}),
	}
}

// Create instantiates the session for ident.
func (r *Registry) Create(ident int64, params Params) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[ident]; ok {
		r.log.Warn("session already exists, rejecting duplicate", zap.Int64("ident", ident))
		return nil, fmt.Errorf("%w: %d", ErrSessionExists, ident)
	}
	if _, ok := r.halted[ident]; ok {
		return nil, fmt.Errorf("%w: %d", ErrSessionHalted, ident)
	}

	s, err := New(ident, params, r.eng, r.tuning, r.opts...)
	if err != nil {
		return nil, err
	}
	r.sessions[ident] = s
	return s, nil
}

// Get returns the active session for ident.
func (r *Registry) Get(ident int64) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.sessions[ident]; ok {
		return s, nil
	}
	if _, ok := r.halted[ident]; ok {
		return nil, fmt.Errorf("%w: %d", ErrSessionHalted, ident)
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownSession, ident)
}

// Halt halts the session for ident and remembers the ident as halted.
func (r *Registry) Halt(ident int64) error {
	r.mu.Lock()
	s, ok := r.sessions[ident]
	if ok {
		delete(r.sessions, ident)
		r.halted[ident] = struct{}{}
	}
	_, wasHalted := r.halted[ident]
	r.mu.Unlock()

	if !ok {
		if wasHalted {
			return fmt.Errorf("%w: %d", ErrSessionHalted, ident)
		}
		return fmt.Errorf("%w: %d", ErrUnknownSession, ident)
	}
	return s.Halt()
}

// HaltAll halts every active session, in ident order.
func (r *Registry) HaltAll() error {
	r.mu.Lock()
	idents := make([]int64, 0, len(r.sessions))
	for ident := range r.sessions {
		idents = append(idents, ident)
	}
	sort.Slice(idents, func(i, j int) bool { return idents[i] < idents[j] })

	sessions := make([]*Session, 0, len(idents))
	for _, ident := range idents {
		sessions = append(sessions, r.sessions[ident])
		delete(r.sessions, ident)
		r.halted[ident] = struct{}{}
	}
	r.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Halt(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(sessions) > 0 {
		r.log.Info("halted all sessions", zap.Int("count", len(sessions)))
	}
	return errors.Join(errs...)
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
