// Package recovery implements RecoverySupervisor: it watches every
// session's ProcessSession for a Hung or Exited status and restarts the
// child, cancelling in-flight commands and emitting sessionRecovery
// notifications at each step. Grounded on the teacher's scheduler.go
// RetryTask (delayed re-enqueue, per-key retry counters) and
// process/manager.go's exit tracking.
package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/capability"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/common/logger"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/process"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/session"
)

// Notifier is the subset of NotificationHub the supervisor depends on.
type Notifier interface {
	SessionRecovery(ctx context.Context, sessionID, reason, step string, success bool, message string, affectedCommands []string)
}

// Config controls polling cadence and restart retry policy.
type Config struct {
	PollInterval       time.Duration
	MaxRestartAttempts int
	RestartDelay       time.Duration
}

// Supervisor is the RecoverySupervisor.
type Supervisor struct {
	sessions *session.Manager
	cfg      Config
	notifier Notifier
	clock    capability.Clock
	log      *logger.Logger

	mu              sync.Mutex
	lastStatus      map[string]process.Status
	restartAttempts map[string]int

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSupervisor constructs a Supervisor. Run must be called to begin
// polling.
func NewSupervisor(sessions *session.Manager, cfg Config, notifier Notifier, clock capability.Clock, log *logger.Logger) *Supervisor {
	return &Supervisor{
		sessions:        sessions,
		cfg:             cfg,
		notifier:        notifier,
		clock:           clock,
		log:             log,
		lastStatus:      make(map[string]process.Status),
		restartAttempts: make(map[string]int),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
}

// Run polls every session's process status until Stop is called.
func (s *Supervisor) Run() {
	go s.loop()
}

func (s *Supervisor) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Supervisor) loop() {
	defer close(s.doneCh)
	interval := s.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.clock.After(interval):
			s.scanOnce()
		}
	}
}

func (s *Supervisor) scanOnce() {
	for _, sess := range s.sessions.Sessions() {
		if sess.Proc == nil || sess.State() == session.Closing || sess.State() == session.Closed || sess.State() == session.Failed {
			continue
		}

		status := sess.Proc.Status()
		s.mu.Lock()
		prev := s.lastStatus[sess.ID]
		s.lastStatus[sess.ID] = status
		s.mu.Unlock()

		if (status == process.StatusHung || status == process.StatusExited) && prev != status {
			go s.recover(sess, status)
		}
	}
}

func (s *Supervisor) recover(sess *session.Session, trigger process.Status) {
	ctx := context.Background()
	reason := "ChildCrashed"
	if trigger == process.StatusHung {
		reason = "CommandTimedOut"
	}

	sess.MarkRecovering()
	s.notifier.SessionRecovery(ctx, sess.ID, reason, "started", true, "recovery started", nil)

	affected := sess.Queue.CancelAll("recovery")
	if affected > 0 {
		s.notifier.SessionRecovery(ctx, sess.ID, reason, "commandsRequeued", true, "in-flight commands cancelled", nil)
	}

	s.mu.Lock()
	attempt := s.restartAttempts[sess.ID] + 1
	s.restartAttempts[sess.ID] = attempt
	s.mu.Unlock()

	if s.cfg.RestartDelay > 0 {
		<-s.clock.After(s.cfg.RestartDelay)
	}

	if err := s.sessions.RestartProcess(ctx, sess); err != nil {
		if attempt >= s.cfg.MaxRestartAttempts {
			sess.MarkFailed()
			s.notifier.SessionRecovery(ctx, sess.ID, reason, "failed", false, "restart attempts exhausted", nil)
			return
		}
		s.notifier.SessionRecovery(ctx, sess.ID, reason, "processRestarted", false, "restart attempt failed, will retry", nil)
		// Forget the recorded status so the next scan sees a change and
		// triggers another attempt.
		s.mu.Lock()
		delete(s.lastStatus, sess.ID)
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.restartAttempts[sess.ID] = 0
	s.lastStatus[sess.ID] = process.StatusIdle
	s.mu.Unlock()

	sess.MarkReady()
	s.notifier.SessionRecovery(ctx, sess.ID, reason, "succeeded", true, "process restarted", nil)
}
