/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: engine.go
Description: Packet storm engine. Wires a protocol builder, the configured anomalies and a
transport into a session, and drives that session through its lifecycle: setup, start,
pause, resume, single stepping and stop. The send loop itself lives in worker.go.
*/

package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kleascm/packetstorm/pkg/anomaly"
	"github.com/kleascm/packetstorm/pkg/capture"
	"github.com/kleascm/packetstorm/pkg/config"
	"github.com/kleascm/packetstorm/pkg/logging"
	"github.com/kleascm/packetstorm/pkg/protocols"
	"github.com/kleascm/packetstorm/pkg/protocols/iscsi"
	"github.com/kleascm/packetstorm/pkg/registry"
	"github.com/kleascm/packetstorm/pkg/transport"
	"github.com/sirupsen/logrus"
)

// DefaultJoinTimeout bounds how long Stop waits for the send loop
const DefaultJoinTimeout = 5 * time.Second

// idleWait is the minimum sleep of an iteration that sends no packet
const idleWait = 10 * time.Millisecond

var (
	ErrUnknownProtocol  = protocols.ErrUnknownProtocol
	ErrUnknownAnomaly   = anomaly.ErrUnknownAnomaly
	ErrUnknownTransport = transport.ErrUnknownBackend

	ErrNotSetup      = errors.New("engine not set up")
	ErrNotReady      = errors.New("engine not ready")
	ErrEngineRunning = errors.New("engine is running")
)

// Registries are the plugin registries an engine resolves configuration against
type Registries struct {
	Protocols  *protocols.Registry
	Anomalies  *anomaly.Registry
	Transports *transport.Registry
}

// DefaultRegistries returns registries populated with every built-in plugin
func DefaultRegistries(logger *logrus.Logger) (*Registries, error) {
	regs := &Registries{
		Protocols:  protocols.NewRegistry(logger),
		Anomalies:  anomaly.NewRegistry(logger),
		Transports: transport.NewRegistry(logger),
	}
	if err := anomaly.RegisterGeneric(regs.Anomalies); err != nil {
		return nil, fmt.Errorf("register anomalies: %w", err)
	}
	if err := iscsi.Register(regs.Protocols, regs.Anomalies); err != nil {
		return nil, fmt.Errorf("register iscsi: %w", err)
	}
	if err := transport.RegisterBuiltin(regs.Transports); err != nil {
		return nil, fmt.Errorf("register transports: %w", err)
	}
	return regs, nil
}

// configuredAnomaly pairs an anomaly with its entry settings
type configuredAnomaly struct {
	anomaly anomaly.Anomaly
	cfg     anomaly.Config
}

// runState is everything the send loop needs; it never touches Engine fields directly
type runState struct {
	session   *Session
	builder   protocols.Builder
	anomalies []configuredAnomaly
	transport transport.Transport
	reporters []Reporter

	tracker *capture.Tracker
	target  capture.Endpoint

	pause    *gate
	step     chan struct{}
	stepMode *atomic.Bool
	done     chan struct{}
}

// Engine runs one session at a time
type Engine struct {
	cfg    *config.Config
	regs   *Registries
	logger *logrus.Logger
	log    *logrus.Entry

	mu        sync.Mutex
	session   *Session
	builder   protocols.Builder
	anomalies []configuredAnomaly
	transport transport.Transport

	repMu     sync.RWMutex
	reporters []Reporter

	tracker *capture.Tracker
	target  capture.Endpoint

	cancel   context.CancelFunc
	done     chan struct{}
	pause    *gate
	step     chan struct{}
	stepMode atomic.Bool

	joinTimeout time.Duration
}

// NewEngine creates an engine for cfg. A nil regs uses DefaultRegistries.
func NewEngine(cfg *config.Config, regs *Registries, logger *logrus.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if regs == nil {
		var err error
		if regs, err = DefaultRegistries(logger); err != nil {
			return nil, err
		}
	}
	return &Engine{
		cfg:         cfg,
		regs:        regs,
		logger:      logger,
		log:         logger.WithField("component", "engine"),
		reporters:   []Reporter{NewLoggerReporter(logger)},
		joinTimeout: DefaultJoinTimeout,
	}, nil
}

// Config returns the engine configuration
func (e *Engine) Config() *config.Config { return e.cfg }

// Registries returns the registries the engine resolves plugins from
func (e *Engine) Registries() *Registries { return e.regs }

// AddReporter registers r for engine events
func (e *Engine) AddReporter(r Reporter) {
	e.repMu.Lock()
	defer e.repMu.Unlock()
	e.reporters = append(e.reporters, r)
}

func (e *Engine) reporterList() []Reporter {
	e.repMu.RLock()
	defer e.repMu.RUnlock()
	return append([]Reporter(nil), e.reporters...)
}

// SetJoinTimeout changes how long Stop waits for the send loop
func (e *Engine) SetJoinTimeout(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d > 0 {
		e.joinTimeout = d
	}
}

// SetInjection makes every iteration continue the live flow towards target as observed by
// tracker. It only has an effect on builders that implement protocols.Splicer.
func (e *Engine) SetInjection(tracker *capture.Tracker, target capture.Endpoint) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tracker = tracker
	e.target = target
}

// Setup creates a fresh session and resolves protocol, anomalies and transport.
// On failure the session ends in ERROR and the error is returned.
func (e *Engine) Setup() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session != nil && e.session.IsActive() {
		return fmt.Errorf("%w: stop it before setting up again", ErrEngineRunning)
	}
	e.closeTransport()
	e.builder = nil
	e.anomalies = nil

	s := NewSession("", e.cfg)
	s.OnTransition(func(_ string, from, to SessionState) {
		e.notifyTransition(s, from, to)
	})
	e.session = s

	if err := s.Transition(StateConfiguring); err != nil {
		return err
	}
	if err := e.configure(); err != nil {
		_ = s.Transition(StateError)
		s.stats.RecordError(err.Error())
		e.closeTransport()
		e.log.WithError(err).WithField("session_id", s.ID).Error("Engine setup failed")
		return fmt.Errorf("engine setup failed: %w", err)
	}
	if err := s.Transition(StateReady); err != nil {
		return err
	}

	e.log.WithFields(logrus.Fields{
		"session_id": s.ID,
		"protocol":   e.builder.Protocol(),
		"anomalies":  len(e.anomalies),
		"transport":  e.transport.Name(),
	}).Info("Engine setup complete")
	return nil
}

func (e *Engine) configure() error {
	proto := e.cfg.Protocol.Type
	b, err := e.regs.Protocols.Create(proto, protocols.Options{
		Network: e.cfg.Network,
		Params:  e.cfg.Protocol.Section(proto),
		Logger:  e.logger,
	})
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return fmt.Errorf("%w: %v", ErrUnknownProtocol, err)
		}
		return fmt.Errorf("protocol %s: %w", proto, err)
	}
	e.builder = b

	for i, entry := range e.cfg.Anomalies {
		ac, err := anomaly.ParseConfig(entry)
		if err != nil {
			return fmt.Errorf("anomalies[%d]: %w", i, err)
		}
		if !ac.Enabled {
			continue
		}
		if ac.PacketType != "" && !contains(b.ListPacketTypes(), ac.PacketType) {
			return fmt.Errorf("anomalies[%d]: %w", i, &protocols.UnsupportedPacketTypeError{
				Protocol: b.Protocol(), Type: ac.PacketType, Valid: b.ListPacketTypes(),
			})
		}
		a, err := e.regs.Anomalies.Create(ac.Type, anomaly.Options{
			Params:   entry,
			Logger:   e.logger,
			Registry: e.regs.Anomalies,
		})
		if errors.Is(err, registry.ErrNotFound) {
			e.log.WithFields(logrus.Fields{
				"anomaly": ac.Type,
				"index":   i,
			}).WithError(err).Warn(logging.MsgAnomalySkipped)
			continue
		}
		if err != nil {
			return fmt.Errorf("anomalies[%d] (%s): %w", i, ac.Type, err)
		}
		e.anomalies = append(e.anomalies, configuredAnomaly{anomaly: a, cfg: ac})
	}

	t, err := transport.FromConfig(e.regs.Transports, e.cfg.Transport, transport.Options{Logger: e.logger})
	if err != nil {
		return err
	}
	if err := t.Open(e.cfg.Network); err != nil {
		return fmt.Errorf("open %s transport: %w", t.Name(), err)
	}
	e.transport = t
	return nil
}

// Start moves a READY session to RUNNING and launches the send loop
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkReady(); err != nil {
		return err
	}
	return e.launch(false)
}

func (e *Engine) checkReady() error {
	if e.session == nil {
		return ErrNotSetup
	}
	if st := e.session.State(); st != StateReady {
		return fmt.Errorf("%w: state is %s", ErrNotReady, st)
	}
	if e.transport == nil || !e.transport.IsOpen() {
		return fmt.Errorf("%w: transport closed, run setup again", ErrNotReady)
	}
	return nil
}

// launch must be called with e.mu held
func (e *Engine) launch(step bool) error {
	if err := e.session.Transition(StateRunning); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.pause = newGate()
	e.step = make(chan struct{}, 1)
	e.stepMode.Store(step)
	if step {
		e.step <- struct{}{}
	}

	rs := &runState{
		session:   e.session,
		builder:   e.builder,
		anomalies: e.anomalies,
		transport: e.transport,
		reporters: e.reporterList(),
		tracker:   e.tracker,
		target:    e.target,
		pause:     e.pause,
		step:      e.step,
		stepMode:  &e.stepMode,
		done:      e.done,
	}
	go e.run(ctx, rs)

	e.log.WithFields(logrus.Fields{
		"session_id": e.session.ID,
		"step":       step,
	}).Info("Engine started")
	return nil
}

// Pause blocks the loop before its next iteration
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return ErrNotSetup
	}
	if err := e.session.Transition(StatePaused); err != nil {
		return err
	}
	e.pause.close()
	return nil
}

// Resume continues a paused session and leaves step mode
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return ErrNotSetup
	}
	if err := e.session.Transition(StateRunning); err != nil {
		return err
	}
	e.stepMode.Store(false)
	e.pause.open()
	e.permit()
	return nil
}

// Step runs exactly one iteration and then blocks again. From READY it starts the loop in
// step mode; from RUNNING or PAUSED it switches to step mode and releases one iteration.
// The session state is not changed by stepping a paused session.
func (e *Engine) Step() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return ErrNotSetup
	}
	switch st := e.session.State(); st {
	case StateReady:
		if err := e.checkReady(); err != nil {
			return err
		}
		return e.launch(true)
	case StateRunning, StatePaused:
		e.stepMode.Store(true)
		e.permit()
		e.pause.open()
		return nil
	default:
		return fmt.Errorf("%w: cannot step in state %s", ErrNotReady, st)
	}
}

// permit queues one step permit without blocking
func (e *Engine) permit() {
	select {
	case e.step <- struct{}{}:
	default:
	}
}

// Stop cancels the loop, waits for it up to the join timeout and completes the session.
// It is safe to call in any state and any number of times.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	if e.done != nil {
		select {
		case <-e.done:
		case <-time.After(e.joinTimeout):
			e.log.WithField("timeout", e.joinTimeout.String()).Warn("Send loop did not exit in time")
		}
	}
	if e.session != nil && e.session.finish() {
		e.log.WithField("session_id", e.session.ID).Info("Engine stopped")
	}
	e.closeTransport()
	return nil
}

func (e *Engine) closeTransport() {
	if e.transport == nil || !e.transport.IsOpen() {
		return
	}
	if err := e.transport.Close(); err != nil {
		e.log.WithError(err).Warn("Failed to close transport")
	}
}

// notifyTransition fans a session transition out to the reporters. It runs on whichever
// goroutine made the transition, possibly with e.mu held, so it must not lock e.mu.
func (e *Engine) notifyTransition(s *Session, from, to SessionState) {
	for _, r := range e.reporterList() {
		r.OnStateChange(s.ID, from, to)
	}
	if to != StateCompleted && to != StateError {
		return
	}
	snap := s.stats.Snapshot()
	e.log.WithFields(logrus.Fields{
		"session_id":        s.ID,
		"state":             string(to),
		"packets_sent":      snap.PacketsSent,
		"packets_failed":    snap.PacketsFailed,
		"anomalies_applied": snap.AnomaliesApplied,
		"bytes_sent":        snap.BytesSent,
		"duration_seconds":  snap.DurationSeconds,
	}).Info(logging.MsgSessionFinished)
}

// Session returns the current session, nil before the first Setup
func (e *Engine) Session() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// Transport returns the transport of the current session
func (e *Engine) Transport() transport.Transport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transport
}

// Builder returns the protocol builder of the current session
func (e *Engine) Builder() protocols.Builder {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.builder
}

// Done is closed when the send loop exits. Before any start it is already closed.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return e.done
}

// Wait blocks until the send loop exits or ctx ends
func (e *Engine) Wait(ctx context.Context) error {
	select {
	case <-e.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EngineStatus is the monitoring view of an engine
type EngineStatus struct {
	Session        *Status          `json:"session"`
	Protocol       string           `json:"protocol"`
	Transport      string           `json:"transport"`
	AnomalyCount   int              `json:"anomaly_count"`
	Anomalies      []anomaly.Info   `json:"anomalies,omitempty"`
	TransportStats *transport.Stats `json:"transport_stats,omitempty"`
}

// Status snapshots the engine and its session
func (e *Engine) Status() EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := EngineStatus{
		Protocol:     e.cfg.Protocol.Type,
		Transport:    e.cfg.Transport.Backend,
		AnomalyCount: len(e.anomalies),
	}
	if e.session != nil {
		s := e.session.Status()
		st.Session = &s
	}
	for _, ca := range e.anomalies {
		st.Anomalies = append(st.Anomalies, anomaly.Describe(ca.anomaly))
	}
	if e.transport != nil {
		ts := e.transport.Stats()
		st.TransportStats = &ts
	}
	return st
}

// gate blocks waiters while closed
type gate struct {
	mu sync.Mutex
	ch chan struct{}
}

// newGate returns an open gate
func newGate() *gate {
	g := &gate{ch: make(chan struct{})}
	close(g.ch)
	return g
}

func (g *gate) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		g.ch = make(chan struct{})
	default:
	}
}

func (g *gate) open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
	default:
		close(g.ch)
	}
}

// wait returns false when ctx ends first
func (g *gate) wait(ctx context.Context) bool {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
