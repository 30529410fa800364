package terminal

import (
	"errors"
	"fmt"
)

var (
	// ErrSpawn means the process could not be started on a pseudo-terminal
	ErrSpawn = errors.New("failed to spawn terminal process")

	// ErrInvalidCwd means the requested working directory does not exist
	ErrInvalidCwd = errors.New("working directory does not exist")

	// ErrNotFound means the session id was never known to this server
	ErrNotFound = errors.New("session not found")

	// ErrTabNotFound means the tab id was never known to this server
	ErrTabNotFound = errors.New("tab not found")

	// ErrProtectedSession means an unforced destroy targeted a tab-owned session
	ErrProtectedSession = errors.New("tab-owned session requires force to destroy")

	// ErrStale matches every *StaleError
	ErrStale = errors.New("entity no longer exists")

	// ErrNotInTab means a destroy scoped to one tab found the session elsewhere
	ErrNotInTab = errors.New("session is not in the tab")

	// ErrWorkspaceSession means a task workspace session was put into a tab
	ErrWorkspaceSession = errors.New("task workspace sessions cannot belong to a tab")

	// ErrInvalidSize means cols or rows are out of range
	ErrInvalidSize = errors.New("invalid terminal size")

	// ErrInvalidName means a name was empty
	ErrInvalidName = errors.New("name cannot be empty")

	// ErrSessionExited means input was sent to a session whose process ended
	ErrSessionExited = errors.New("session has exited")

	// ErrClosed is returned after Shutdown
	ErrClosed = errors.New("terminal manager is shut down")
)

// StaleError reports an operation on an entity that existed but has been
// deleted, typically by another client or a cascade.
type StaleError struct {
	EntityType string
	EntityID   string
}

func (e *StaleError) Error() string {
	return fmt.Sprintf("%s %s no longer exists", e.EntityType, e.EntityID)
}

// Is makes errors.Is(err, ErrStale) match
func (e *StaleError) Is(target error) bool {
	return target == ErrStale
}
