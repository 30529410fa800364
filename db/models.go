package db

import (
	"time"
)

// Session status values
const (
	SessionStatusRunning = "running"
	SessionStatusExited  = "exited"
)

// TerminalSession is the persisted record of a terminal session.
// The multiplexer handle is derived from ID and is never stored.
type TerminalSession struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Cwd       string  `json:"cwd"`
	Status    string  `json:"status"`
	ExitCode  *int    `json:"exitCode"`
	Cols      int     `json:"cols"`
	Rows      int     `json:"rows"`
	TabID     *string `json:"tabId"`
	Position  int     `json:"positionInTab"`
	CreatedAt int64   `json:"createdAt"`
}

// TabOwned reports whether the session belongs to a tab. Sessions without a
// tab are task-owned and subject to the orphan sweep.
func (s *TerminalSession) TabOwned() bool {
	return s.TabID != nil && *s.TabID != ""
}

// Exited reports whether the session's process has terminated
func (s *TerminalSession) Exited() bool {
	return s.Status == SessionStatusExited
}

// TerminalTab groups tab-owned sessions
type TerminalTab struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Position  int    `json:"position"`
	Directory string `json:"directory"`
	CreatedAt int64  `json:"createdAt"`
}

// TaskWorkspace is a directory under the workspace root that belongs to a
// live task. Sessions whose cwd is inside an untracked directory are orphans.
type TaskWorkspace struct {
	Path              string  `json:"path"`
	TaskID            string  `json:"taskId"`
	TerminalSessionID *string `json:"terminalSessionId,omitempty"`
	CreatedAt         int64   `json:"createdAt"`
}

// NowMs returns the current time as Unix milliseconds
func NowMs() int64 {
	return time.Now().UnixMilli()
}
