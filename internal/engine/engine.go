// Package engine implements DebugEngine: the thin façade that validates
// arguments, wires SessionManager/RecoverySupervisor/NotificationHub
// together, and exposes the public API enumerated in spec.md §4.9.
// Grounded on the teacher's orchestrator.go (single façade owning a
// manager + scheduler + notifier, exported CommandStateChanged-style
// callbacks for the RPC layer to subscribe to).
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/capability"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/command"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/common/config"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/common/logger"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/engineerr"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/notify"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/recovery"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/session"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// CommandEvent is delivered to CommandStateChanged listeners whenever a
// command transitions state.
type CommandEvent struct {
	SessionID string
	Command   command.Snapshot
}

// SessionEvent is delivered to SessionStateChanged listeners whenever a
// session transitions state.
type SessionEvent struct {
	SessionID string
	State     session.State
}

// Engine is the DebugEngine façade. It is the only type the RPC/tool
// layer (out of scope here) needs to hold a reference to.
type Engine struct {
	sessions   *session.Manager
	supervisor *recovery.Supervisor
	hub        *notify.Hub
	clock      capability.Clock
	log        *logger.Logger
	cfg        config.NotifyConfig
	tracer     trace.Tracer

	mu     sync.RWMutex
	closed bool
	closeOnce sync.Once

	startedAt time.Time

	eventMu          sync.Mutex
	commandListeners []func(CommandEvent)
	sessionListeners []func(SessionEvent)

	stopHealth chan struct{}
	healthDone chan struct{}
}

// New wires an Engine from its already-constructed dependencies. Callers
// (cmd/debugengine) are responsible for constructing the SessionManager,
// RecoverySupervisor and NotificationHub with the capability
// implementations appropriate to the host OS.
func New(sessions *session.Manager, supervisor *recovery.Supervisor, hub *notify.Hub, clock capability.Clock, notifyCfg config.NotifyConfig, tracer trace.Tracer, log *logger.Logger) *Engine {
	e := &Engine{
		sessions:   sessions,
		supervisor: supervisor,
		hub:        hub,
		clock:      clock,
		log:        log,
		cfg:        notifyCfg,
		tracer:     tracer,
		startedAt:  clock.Now(),
		stopHealth: make(chan struct{}),
		healthDone: make(chan struct{}),
	}
	supervisor.Run()
	go e.healthLoop()
	return e
}

// OnCommandStateChanged registers a listener invoked after every command
// state transition observed through EnqueueCommand/GetCommandInfoAsync
// polling paths. Not part of spec.md's literal API surface but the Go
// expression of the "Events: CommandStateChanged" line in §4.9.
func (e *Engine) OnCommandStateChanged(fn func(CommandEvent)) {
	e.eventMu.Lock()
	e.commandListeners = append(e.commandListeners, fn)
	e.eventMu.Unlock()
}

// OnSessionStateChanged registers a listener invoked when CreateSession
// creates a session (Initializing) and when CloseSession closes one
// (Closed). Other transitions (Ready, Busy, Recovering, Failed) are not
// reported to listeners.
func (e *Engine) OnSessionStateChanged(fn func(SessionEvent)) {
	e.eventMu.Lock()
	e.sessionListeners = append(e.sessionListeners, fn)
	e.eventMu.Unlock()
}

func (e *Engine) emitCommand(sessionID string, c command.Snapshot) {
	e.eventMu.Lock()
	listeners := append([]func(CommandEvent){}, e.commandListeners...)
	e.eventMu.Unlock()
	for _, fn := range listeners {
		fn(CommandEvent{SessionID: sessionID, Command: c})
	}
}

func (e *Engine) emitSession(sessionID string, st session.State) {
	e.eventMu.Lock()
	listeners := append([]func(SessionEvent){}, e.sessionListeners...)
	e.eventMu.Unlock()
	for _, fn := range listeners {
		fn(SessionEvent{SessionID: sessionID, State: st})
	}
}

func (e *Engine) checkOpen() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return engineerr.ErrEngineClosed
	}
	return nil
}

func (e *Engine) lookupSession(id string) (*session.Session, error) {
	s, ok := e.sessions.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", engineerr.ErrUnknownSession, id)
	}
	return s, nil
}

// CreateSession validates dump_path/symbols_path and creates a new
// session, returning its id.
func (e *Engine) CreateSession(ctx context.Context, dumpPath, symbolsPath string) (string, error) {
	if err := e.checkOpen(); err != nil {
		return "", err
	}
	if err := requireNonEmpty("dump_path", dumpPath); err != nil {
		return "", err
	}
	id, err := e.sessions.Create(ctx, dumpPath, symbolsPath)
	if id != "" {
		e.emitSession(id, session.Initializing)
	}
	return id, err
}

// CloseSession closes a session; closing an unknown id is a no-op success
// per §4.5.
func (e *Engine) CloseSession(sessionID string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := requireNonEmpty("session_id", sessionID); err != nil {
		return err
	}
	if err := e.sessions.Close(sessionID); err != nil {
		return err
	}
	e.emitSession(sessionID, session.Closed)
	return nil
}

// IsSessionActive reports whether sessionID names a session not in a
// terminal state.
func (e *Engine) IsSessionActive(sessionID string) (bool, error) {
	if err := e.checkOpen(); err != nil {
		return false, err
	}
	if err := requireNonEmpty("session_id", sessionID); err != nil {
		return false, err
	}
	s, ok := e.sessions.Get(sessionID)
	if !ok {
		return false, nil
	}
	st := s.State()
	return st != session.Closed && st != session.Failed, nil
}

// ListSessions returns a snapshot of every tracked session.
func (e *Engine) ListSessions() ([]session.Snapshot, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.sessions.List(), nil
}

// GetSessionState returns one session's current state.
func (e *Engine) GetSessionState(sessionID string) (session.State, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	if err := requireNonEmpty("session_id", sessionID); err != nil {
		return 0, err
	}
	s, err := e.lookupSession(sessionID)
	if err != nil {
		return 0, err
	}
	return s.State(), nil
}

// EnqueueCommand validates text and enqueues it against sessionID's
// CommandQueue, returning the new command id.
func (e *Engine) EnqueueCommand(ctx context.Context, sessionID, text string) (string, error) {
	_, span := e.tracer.Start(ctx, "EnqueueCommand", trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	if err := e.checkOpen(); err != nil {
		return "", err
	}
	if err := requireNonEmpty("session_id", sessionID); err != nil {
		return "", err
	}
	if err := requireNonEmpty("text", strings.TrimSpace(text)); err != nil {
		return "", err
	}
	s, err := e.lookupSession(sessionID)
	if err != nil {
		return "", err
	}
	id, err := s.Queue.Enqueue(text)
	if err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("command_id", id))
	if snap, infoErr := s.Queue.GetInfo(id); infoErr == nil {
		e.emitCommand(sessionID, snap)
	}
	return id, nil
}

// GetCommandInfoAsync blocks until commandID reaches a terminal state (or
// ctx is cancelled), then returns its snapshot.
func (e *Engine) GetCommandInfoAsync(ctx context.Context, sessionID, commandID string) (command.Snapshot, error) {
	ctx, span := e.tracer.Start(ctx, "GetCommandInfoAsync", trace.WithAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("command_id", commandID),
	))
	defer span.End()

	if err := e.checkOpen(); err != nil {
		return command.Snapshot{}, err
	}
	if err := requireNonEmpty("session_id", sessionID); err != nil {
		return command.Snapshot{}, err
	}
	if err := requireNonEmpty("command_id", commandID); err != nil {
		return command.Snapshot{}, err
	}
	s, err := e.lookupSession(sessionID)
	if err != nil {
		return command.Snapshot{}, err
	}
	snap, err := s.Queue.GetResultAsync(ctx, commandID)
	if err == nil {
		e.emitCommand(sessionID, snap)
	}
	return snap, err
}

// GetCommandInfo returns a non-blocking snapshot of one command.
func (e *Engine) GetCommandInfo(sessionID, commandID string) (command.Snapshot, error) {
	if err := e.checkOpen(); err != nil {
		return command.Snapshot{}, err
	}
	if err := requireNonEmpty("session_id", sessionID); err != nil {
		return command.Snapshot{}, err
	}
	if err := requireNonEmpty("command_id", commandID); err != nil {
		return command.Snapshot{}, err
	}
	s, err := e.lookupSession(sessionID)
	if err != nil {
		return command.Snapshot{}, err
	}
	return s.Queue.GetInfo(commandID)
}

// GetAllCommandInfos returns non-blocking snapshots of every command the
// session's queue has ever issued.
func (e *Engine) GetAllCommandInfos(sessionID string) ([]command.Snapshot, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if err := requireNonEmpty("session_id", sessionID); err != nil {
		return nil, err
	}
	s, err := e.lookupSession(sessionID)
	if err != nil {
		return nil, err
	}
	return s.Queue.ListAll(), nil
}

// CancelCommand cancels one command; see queue.Queue.Cancel for the exact
// semantics of queued-vs-executing cancellation.
func (e *Engine) CancelCommand(sessionID, commandID string) (bool, error) {
	if err := e.checkOpen(); err != nil {
		return false, err
	}
	if err := requireNonEmpty("session_id", sessionID); err != nil {
		return false, err
	}
	if err := requireNonEmpty("command_id", commandID); err != nil {
		return false, err
	}
	s, err := e.lookupSession(sessionID)
	if err != nil {
		return false, err
	}
	return s.Queue.Cancel(commandID)
}

// CancelAllCommands cancels every non-terminal command for sessionID and
// returns the count affected.
func (e *Engine) CancelAllCommands(sessionID string) (int, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	if err := requireNonEmpty("session_id", sessionID); err != nil {
		return 0, err
	}
	s, err := e.lookupSession(sessionID)
	if err != nil {
		return 0, err
	}
	return s.Queue.CancelAll("client requested"), nil
}

// healthLoop samples server-wide health at notify.health_interval and
// publishes a serverHealth notification. Supplemented beyond spec.md's
// literal scope per SPEC_FULL.md §12.
func (e *Engine) healthLoop() {
	defer close(e.healthDone)
	interval := e.cfg.HealthInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	for {
		select {
		case <-e.stopHealth:
			return
		case <-e.clock.After(interval):
			e.sampleHealth()
		}
	}
}

func (e *Engine) sampleHealth() {
	sessions := e.sessions.List()
	activeProcs := 0
	queueSize := 0
	activeCommands := 0
	for _, s := range sessions {
		if s.State != session.Closed && s.State != session.Failed {
			activeProcs++
		}
		queueSize += s.QueueDepth
		if s.ActiveCommand != "" {
			activeCommands++
		}
	}
	e.hub.ServerHealth(context.Background(), "ok", activeProcs, queueSize, activeCommands, e.clock.Now().Sub(e.startedAt))
}

// Close disposes the engine: marks it closed so further calls fail with
// EngineClosed, then stops health sampling, the recovery supervisor, and
// every session.
func (e *Engine) Close(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()

		close(e.stopHealth)
		<-e.healthDone
		e.supervisor.Stop()
		err = e.sessions.Shutdown(ctx)
	})
	return err
}
