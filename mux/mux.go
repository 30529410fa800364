// Package mux wraps the OS facility that runs a shell on a detachable
// pseudo-terminal. A process started through a Multiplexer outlives the
// devpanel server: after a restart the same handle can be attached again.
package mux

import (
	"context"
	"errors"
	"io"
	"regexp"
)

var (
	// ErrPTYUnavailable is returned when a process could not be started on a
	// pseudo-terminal.
	ErrPTYUnavailable = errors.New("pseudo-terminal unavailable")

	// ErrNoSuchHandle is returned when the handle does not name a live
	// multiplexer session.
	ErrNoSuchHandle = errors.New("no such multiplexer session")

	// ErrHandleInUse is returned by Create when the handle is already live.
	ErrHandleInUse = errors.New("multiplexer handle already in use")

	// ErrInvalidHandle is returned for handles that are not safe file names.
	ErrInvalidHandle = errors.New("invalid multiplexer handle")
)

// Spec describes a process to start
type Spec struct {
	Handle string
	Cwd    string
	Cols   int
	Rows   int
	Shell  string
	Env    []string
}

// Attachment is a live connection to a running process. Reads return the
// process output, writes are delivered as keyboard input. Closing an
// attachment detaches from the process without terminating it.
type Attachment interface {
	io.ReadWriteCloser
	Resize(cols, rows int) error
}

// Multiplexer starts, re-attaches to and destroys detachable processes.
type Multiplexer interface {
	// Create starts a detached process. It does not attach to it.
	Create(ctx context.Context, spec Spec) error

	// Attach opens a reader/writer on a live handle.
	Attach(ctx context.Context, handle string, cols, rows int) (Attachment, error)

	// Alive reports whether the handle still names a multiplexer session.
	// A session whose process has exited stays alive until Destroy.
	Alive(handle string) bool

	// Wait blocks until the process behind handle exits and returns its exit
	// code. It returns ErrNoSuchHandle if the handle disappears first.
	Wait(ctx context.Context, handle string) (int, error)

	// Destroy terminates the process and releases the handle. Destroying an
	// unknown handle is not an error.
	Destroy(handle string) error

	// ListSockets returns every handle currently present.
	ListSockets() ([]string, error)
}

var handlePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidHandle reports whether h can be used as a handle
func ValidHandle(h string) bool {
	return handlePattern.MatchString(h)
}

// ListOrphanedSockets returns the handles present in m that are not in known
func ListOrphanedSockets(m Multiplexer, known map[string]bool) ([]string, error) {
	handles, err := m.ListSockets()
	if err != nil {
		return nil, err
	}
	var orphans []string
	for _, h := range handles {
		if !known[h] {
			orphans = append(orphans, h)
		}
	}
	return orphans, nil
}
