// Package session implements the SessionManager: it owns the
// session_id -> Session mapping exclusively, and each Session exclusively
// owns one ProcessSession and one CommandQueue. Grounded on the teacher's
// instance.Manager (capacity check, uuid ids, collectEnvForInstance).
package session

import (
	"sync"
	"time"

	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/process"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/queue"
)

// State is a Session's lifecycle state. Transitions are monotonic toward
// Closed or Failed; there is no resurrection.
type State int

const (
	Initializing State = iota
	Ready
	Busy
	Recovering
	Closing
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "Initializing"
	case Ready:
		return "Ready"
	case Busy:
		return "Busy"
	case Recovering:
		return "Recovering"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Session is one analysis context bound to a dump file and a live child
// debugger process. A session owns exactly one ProcessSession over its
// lifetime: Restart replaces the child process but keeps the session id.
type Session struct {
	ID          string
	DumpPath    string
	SymbolsPath string
	OpenedAt    time.Time

	Proc  *process.Session
	Queue *queue.Queue

	mu             sync.RWMutex
	state          State
	lastActivityAt time.Time
}

// Snapshot is an immutable external view of a Session.
type Snapshot struct {
	ID             string
	DumpPath       string
	SymbolsPath    string
	State          State
	OpenedAt       time.Time
	LastActivityAt time.Time
	QueueDepth     int
	ActiveCommand  string
}

func newSession(id, dumpPath, symbolsPath string, now time.Time) *Session {
	return &Session{
		ID:             id,
		DumpPath:       dumpPath,
		SymbolsPath:    symbolsPath,
		OpenedAt:       now,
		state:          Initializing,
		lastActivityAt: now,
	}
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(v State) {
	s.mu.Lock()
	s.state = v
	s.mu.Unlock()
}

// MarkRecovering transitions the session into Recovering; used by
// RecoverySupervisor when it detects a hung or dead child process.
func (s *Session) MarkRecovering() { s.setState(Recovering) }

// MarkReady transitions the session back to Ready after a successful
// recovery restart.
func (s *Session) MarkReady() { s.setState(Ready) }

// MarkFailed transitions the session to Failed, a terminal state reached
// when recovery exhausts its restart attempts.
func (s *Session) MarkFailed() { s.setState(Failed) }

// markBusy transitions Ready to Busy when the queue dispatches a command; a
// no-op while the session is Recovering/Closing/Closed/Failed so recovery
// and shutdown can't be clobbered by a stale in-flight dispatch.
func (s *Session) markBusy() {
	s.mu.Lock()
	if s.state == Ready {
		s.state = Busy
	}
	s.mu.Unlock()
}

// markIdle transitions Busy back to Ready once the queue returns to idle.
func (s *Session) markIdle() {
	s.mu.Lock()
	if s.state == Busy {
		s.state = Ready
	}
	s.mu.Unlock()
}

// Touch bumps last_activity_at; called on enqueue, result read, or status
// query.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastActivityAt = now
	s.mu.Unlock()
}

func (s *Session) lastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivityAt
}

func (s *Session) snapshot() Snapshot {
	depth := 0
	active := ""
	if s.Queue != nil {
		for _, c := range s.Queue.ListAll() {
			if !c.State.IsTerminal() {
				depth++
				if c.State.String() == "Executing" {
					active = c.ID
				}
			}
		}
	}
	return Snapshot{
		ID:             s.ID,
		DumpPath:       s.DumpPath,
		SymbolsPath:    s.SymbolsPath,
		State:          s.State(),
		OpenedAt:       s.OpenedAt,
		LastActivityAt: s.lastActivity(),
		QueueDepth:     depth,
		ActiveCommand:  active,
	}
}

// hasNonTerminalCommands reports whether the session's queue has any
// command that has not reached a terminal state.
func (s *Session) hasNonTerminalCommands() bool {
	if s.Queue == nil {
		return false
	}
	for _, c := range s.Queue.ListAll() {
		if !c.State.IsTerminal() {
			return true
		}
	}
	return false
}
