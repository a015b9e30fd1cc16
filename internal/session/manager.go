package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/batch"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/capability"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/common/config"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/common/logger"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/engineerr"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/process"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/queue"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/timeout"
)

// Notifier is the subset of NotificationHub sessions need for their queues;
// re-declared here (rather than imported from notify) to keep session free
// of a dependency on the notify package's bridge plumbing.
type Notifier interface {
	queue.Notifier
}

// Manager is the SessionManager: it exclusively owns the session_id ->
// Session mapping. Grounded on the teacher's instance.Manager
// (capacity check, uuid ids, collectEnvForInstance-style env merge).
type Manager struct {
	cfg        config.SessionConfig
	queueCfg   queue.Config
	processCfg config.ProcessConfig
	sentinels  process.Sentinels
	toolPath   string

	fs         capability.Filesystem
	procMgr    capability.ProcessManager
	clock      capability.Clock
	timeoutSvc *timeout.Service
	batcher    *batch.Processor
	notifier   Notifier
	log        *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// NewManager constructs a SessionManager. toolPath is the resolved cdb
// binary path (see toollocator.FindToolPath).
func NewManager(
	toolPath string,
	sessCfg config.SessionConfig,
	queueCfg queue.Config,
	processCfg config.ProcessConfig,
	sentinels process.Sentinels,
	fs capability.Filesystem,
	procMgr capability.ProcessManager,
	clock capability.Clock,
	timeoutSvc *timeout.Service,
	batcher *batch.Processor,
	notifier Notifier,
	log *logger.Logger,
) *Manager {
	m := &Manager{
		toolPath:   toolPath,
		cfg:        sessCfg,
		queueCfg:   queueCfg,
		processCfg: processCfg,
		sentinels:  sentinels,
		fs:         fs,
		procMgr:    procMgr,
		clock:      clock,
		timeoutSvc: timeoutSvc,
		batcher:    batcher,
		notifier:   notifier,
		log:        log,
		sessions:   make(map[string]*Session),
		stopSweep:  make(chan struct{}),
		sweepDone:  make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

func (m *Manager) activeCountLocked() int {
	n := 0
	for _, s := range m.sessions {
		st := s.State()
		if st != Closed && st != Failed {
			n++
		}
	}
	return n
}

// Create validates the dump path, enforces capacity, spawns a child cdb
// process and returns the new session id.
func (m *Manager) Create(ctx context.Context, dumpPath, symbolsPath string) (string, error) {
	if !m.fs.Exists(dumpPath) {
		return "", fmt.Errorf("%w: %s", engineerr.ErrDumpNotFound, dumpPath)
	}
	r, err := m.fs.OpenRead(dumpPath)
	if err != nil {
		return "", fmt.Errorf("%w: %s", engineerr.ErrDumpUnreadable, dumpPath)
	}
	_ = r.Close()

	m.mu.Lock()
	if m.cfg.MaxSessions > 0 && m.activeCountLocked() >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return "", engineerr.ErrAtCapacity
	}

	id := uuid.New().String()
	now := m.clock.Now()
	sess := newSession(id, dumpPath, symbolsPath, now)
	m.sessions[id] = sess
	m.mu.Unlock()

	args := []string{"-z", dumpPath}
	if symbolsPath != "" {
		args = append([]string{"-y", symbolsPath}, args...)
	}
	sess.Proc = process.NewSession(m.toolPath, args, "", nil, m.procMgr, m.clock, m.sentinels, m.timeoutSvc, m.log)
	sess.Queue = queue.New(id, m.queueCfg, sess.Proc, m.batcher, m.notifier, m.clock, m.timeoutSvc, m.log)
	sess.Queue.OnActivity(func() { sess.Touch(m.clock.Now()) })
	sess.Queue.OnBusyChanged(func(busy bool) {
		if busy {
			sess.markBusy()
		} else {
			sess.markIdle()
		}
	})

	if err := sess.Proc.Start(ctx, m.processCfg.StartupDelay()); err != nil {
		sess.setState(Failed)
		// Run the worker anyway so Close can stop it like any other queue.
		sess.Queue.Start()
		m.log.Error("session: startup failed", zap.Error(err))
		return id, fmt.Errorf("%w: %v", engineerr.ErrStartupFailed, err)
	}

	sess.setState(Ready)
	sess.Queue.Start()
	return id, nil
}

// Close cancels every non-terminal command, stops the child process, and
// removes the session. Closing an unknown session is a no-op success.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	sess.setState(Closing)
	if sess.Queue != nil {
		sess.Queue.CancelAll("session closed")
		sess.Queue.Stop()
	}
	if sess.Proc != nil {
		sess.Proc.Stop(m.processCfg.StopGrace())
	}
	m.batcher.ClearSessionBatchMappings(id)
	sess.setState(Closed)
	return nil
}

// Get returns the Session for id, or false if it does not exist.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Exists reports whether id currently names a session.
func (m *Manager) Exists(id string) bool {
	_, ok := m.Get(id)
	return ok
}

// Sessions returns the live *Session pointers currently tracked, for
// components (RecoverySupervisor) that need direct access to Proc/Queue
// rather than an immutable Snapshot.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// RestartProcess replaces id's child process in place, used by
// RecoverySupervisor; it does not touch the queue.
func (m *Manager) RestartProcess(ctx context.Context, s *Session) error {
	return s.Proc.Restart(ctx, m.processCfg.StartupDelay(), m.processCfg.StopGrace())
}

// List returns a snapshot of every known session.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.snapshot())
	}
	return out
}

// Count returns the number of sessions currently tracked (any state).
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown closes every tracked session concurrently, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	close(m.stopSweep)
	<-m.sweepDone

	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = m.Close(id)
		}(id)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sweepLoop periodically evicts sessions idle past the configured timeout
// with no non-terminal commands. A session stuck executing is reclaimed
// only by the RecoverySupervisor, per the decision recorded in
// SPEC_FULL.md's Open Question Decisions.
func (m *Manager) sweepLoop() {
	defer close(m.sweepDone)
	interval := m.cfg.SweepInterval()
	if interval <= 0 {
		interval = time.Minute
	}
	for {
		select {
		case <-m.stopSweep:
			return
		case <-m.clock.After(interval):
			m.sweepOnce()
		}
	}
}

func (m *Manager) sweepOnce() {
	idleTimeout := m.cfg.IdleTimeout()
	if idleTimeout <= 0 {
		return
	}
	now := m.clock.Now()

	m.mu.RLock()
	var stale []string
	for id, s := range m.sessions {
		if s.State() != Ready {
			continue
		}
		if now.Sub(s.lastActivity()) >= idleTimeout && !s.hasNonTerminalCommands() {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		m.log.Info("session: idle eviction", zap.String("session_id", id))
		_ = m.Close(id)
	}
}
