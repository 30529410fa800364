package terminal

import (
	"context"
	"sync"

	"github.com/xiaoyuanzhu-com/devpanel/db"
	"github.com/xiaoyuanzhu-com/devpanel/mux"
)

// session is the live state of one terminal.
//
// Lock order: opMu, then Manager.mu. outMu is independent and only guards
// the buffer and output fan-out.
type session struct {
	id string

	// rec is guarded by Manager.mu
	rec db.TerminalSession

	// opMu serializes operations against this session
	opMu      sync.Mutex
	att       mux.Attachment
	destroyed bool

	// outMu makes buffer writes and output publishing atomic with respect to
	// attach, so a new observer sees every byte exactly once
	outMu sync.Mutex
	buf   *OutputBuffer

	stop     context.CancelFunc
	pumpDone chan struct{}
}

func newSession(rec db.TerminalSession, bufferBytes int) *session {
	return &session{
		id:       rec.ID,
		rec:      rec,
		buf:      NewOutputBuffer(bufferBytes),
		pumpDone: make(chan struct{}),
	}
}

// detach closes the attachment. The process keeps running.
func (s *session) detach() {
	if s.att != nil {
		s.att.Close()
		s.att = nil
	}
}
