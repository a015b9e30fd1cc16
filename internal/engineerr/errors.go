// Package engineerr defines the semantic error kinds from the engine's
// error handling design as sentinel errors, shared by every component so
// callers can errors.Is against one canonical set regardless of which
// layer raised them.
package engineerr

import "errors"

var (
	ErrInvalidArgument      = errors.New("engine: invalid argument")
	ErrEngineClosed         = errors.New("engine: closed")
	ErrAtCapacity           = errors.New("engine: at capacity")
	ErrDumpNotFound         = errors.New("engine: dump not found")
	ErrDumpUnreadable       = errors.New("engine: dump unreadable")
	ErrUnknownSession       = errors.New("engine: unknown session")
	ErrUnknownCommand       = errors.New("engine: unknown command")
	ErrQueueFull            = errors.New("engine: queue full")
	ErrStartupFailed        = errors.New("engine: startup failed")
	ErrCommandTimedOut      = errors.New("engine: command timed out")
	ErrCancelled            = errors.New("engine: cancelled")
	ErrChildCrashed         = errors.New("engine: child crashed")
	ErrOutputOverflow       = errors.New("engine: output overflow")
	ErrBatchUnbatchMismatch = errors.New("engine: batch/unbatch mismatch")
	ErrNotificationSendFailed = errors.New("engine: notification send failed")
)
