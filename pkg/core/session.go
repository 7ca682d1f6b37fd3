/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: session.go
Description: Session lifecycle. A session is one test run: a configuration snapshot, a
state guarded by an explicit transition table, and its statistics.
*/

package core

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kleascm/packetstorm/pkg/config"
)

// SessionState is a lifecycle state of a session
type SessionState string

const (
	StateCreated     SessionState = "created"
	StateConfiguring SessionState = "configuring"
	StateReady       SessionState = "ready"
	StateRunning     SessionState = "running"
	StatePaused      SessionState = "paused"
	StateStopping    SessionState = "stopping"
	StateCompleted   SessionState = "completed"
	StateError       SessionState = "error"
)

// AllStates lists every state in lifecycle order
var AllStates = []SessionState{
	StateCreated, StateConfiguring, StateReady, StateRunning,
	StatePaused, StateStopping, StateCompleted, StateError,
}

var transitions = map[SessionState][]SessionState{
	StateCreated:     {StateConfiguring, StateReady},
	StateConfiguring: {StateReady, StateError},
	StateReady:       {StateRunning, StateError},
	StateRunning:     {StatePaused, StateStopping, StateCompleted, StateError},
	StatePaused:      {StateRunning, StateStopping, StateError},
	StateStopping:    {StateCompleted, StateError},
	StateCompleted:   {},
	StateError:       {StateReady},
}

// AllowedTransitions returns the states reachable from s in one step
func AllowedTransitions(s SessionState) []SessionState {
	return append([]SessionState(nil), transitions[s]...)
}

// CanTransition reports whether from -> to is in the transition table
func CanTransition(from, to SessionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrIllegalTransition is matched by every rejected transition
var ErrIllegalTransition = errors.New("illegal state transition")

// IllegalTransitionError names the rejected transition and what was allowed instead
type IllegalTransitionError struct {
	From    SessionState
	To      SessionState
	Allowed []SessionState
}

func (e *IllegalTransitionError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		allowed[i] = string(s)
	}
	return fmt.Sprintf("cannot transition from %s to %s. Allowed: %s", e.From, e.To, strings.Join(allowed, ", "))
}

// Is makes the error match ErrIllegalTransition
func (e *IllegalTransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// TransitionFunc observes state changes
type TransitionFunc func(sessionID string, from, to SessionState)

// Session is one test run
type Session struct {
	ID        string
	Config    *config.Config
	CreatedAt time.Time

	mu       sync.RWMutex
	state    SessionState
	stats    *SessionStats
	observer TransitionFunc
}

// NewSession creates a session in CREATED; an empty id generates one
func NewSession(id string, cfg *config.Config) *Session {
	if id == "" {
		id = uuid.New().String()
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return &Session{
		ID:        id,
		Config:    cfg,
		CreatedAt: time.Now(),
		state:     StateCreated,
		stats:     NewSessionStats(),
	}
}

// OnTransition installs the observer called after every successful transition
func (s *Session) OnTransition(fn TransitionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = fn
}

// State returns the current state
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Stats returns the live statistics
func (s *Session) Stats() *SessionStats {
	return s.stats
}

// IsActive reports RUNNING or PAUSED
func (s *Session) IsActive() bool {
	st := s.State()
	return st == StateRunning || st == StatePaused
}

// Transition moves to next or returns an *IllegalTransitionError
func (s *Session) Transition(next SessionState) error {
	s.mu.Lock()
	from := s.state
	if err := s.transitionLocked(next); err != nil {
		s.mu.Unlock()
		return err
	}
	observer := s.observer
	s.mu.Unlock()

	if observer != nil {
		observer(s.ID, from, next)
	}
	return nil
}

func (s *Session) transitionLocked(next SessionState) error {
	if !CanTransition(s.state, next) {
		return &IllegalTransitionError{From: s.state, To: next, Allowed: AllowedTransitions(s.state)}
	}
	s.state = next
	switch next {
	case StateRunning:
		s.stats.markStart()
	case StateCompleted, StateError:
		s.stats.markEnd()
	}
	return nil
}

// finish moves an active session through STOPPING to COMPLETED. It is a no-op for
// sessions that are no longer active, so the loop and Stop can both call it.
func (s *Session) finish() bool {
	return s.moveIfActive(StateStopping, StateCompleted)
}

// fail moves an active session to ERROR
func (s *Session) fail() bool {
	return s.moveIfActive(StateError)
}

func (s *Session) moveIfActive(path ...SessionState) bool {
	s.mu.Lock()
	if s.state != StateRunning && s.state != StatePaused {
		s.mu.Unlock()
		return false
	}
	type step struct{ from, to SessionState }
	var done []step
	for _, next := range path {
		from := s.state
		if err := s.transitionLocked(next); err != nil {
			break
		}
		done = append(done, step{from, next})
	}
	observer := s.observer
	s.mu.Unlock()

	if observer != nil {
		for _, st := range done {
			observer(s.ID, st.from, st.to)
		}
	}
	return len(done) > 0
}

// Status is the monitoring snapshot of a session
type Status struct {
	SessionID string        `json:"session_id"`
	State     SessionState  `json:"state"`
	Protocol  string        `json:"protocol"`
	CreatedAt time.Time     `json:"created_at"`
	Stats     StatsSnapshot `json:"stats"`
}

// Status snapshots the session
func (s *Session) Status() Status {
	return Status{
		SessionID: s.ID,
		State:     s.State(),
		Protocol:  s.Config.Protocol.Type,
		CreatedAt: s.CreatedAt,
		Stats:     s.stats.Snapshot(),
	}
}
