package mux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
)

var errAttachmentClosed = errors.New("attachment closed")

// Memory is an in-process Multiplexer. Its terminals echo input back as
// output. Tests drive process behaviour through Emit, Exit and Forget.
type Memory struct {
	mu       sync.Mutex
	terms    map[string]*memTerm
	failNext error
	creates  int
	attaches int
}

type memTerm struct {
	spec Spec

	mu         sync.Mutex
	clients    map[*memAttachment]struct{}
	input      bytes.Buffer
	cols, rows int
	exited     bool
	exitCode   int

	done   chan struct{}
	gone   bool
	doneMu sync.Once
}

// NewMemory creates an empty in-memory multiplexer
func NewMemory() *Memory {
	return &Memory{terms: make(map[string]*memTerm)}
}

func (m *Memory) term(handle string) *memTerm {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terms[handle]
}

// Create registers a new terminal. The cwd must exist.
func (m *Memory) Create(ctx context.Context, spec Spec) error {
	if !ValidHandle(spec.Handle) {
		return fmt.Errorf("%w: %q", ErrInvalidHandle, spec.Handle)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failNext; err != nil {
		m.failNext = nil
		return fmt.Errorf("%w: %v", ErrPTYUnavailable, err)
	}
	if _, ok := m.terms[spec.Handle]; ok {
		return fmt.Errorf("%w: %s", ErrHandleInUse, spec.Handle)
	}
	if info, err := os.Stat(spec.Cwd); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: cwd %s is not a directory", ErrPTYUnavailable, spec.Cwd)
	}

	m.terms[spec.Handle] = &memTerm{
		spec:    spec,
		clients: make(map[*memAttachment]struct{}),
		cols:    spec.Cols,
		rows:    spec.Rows,
		done:    make(chan struct{}),
	}
	m.creates++
	return nil
}

// Attach opens a loopback attachment
func (m *Memory) Attach(ctx context.Context, handle string, cols, rows int) (Attachment, error) {
	m.mu.Lock()
	t, ok := m.terms[handle]
	if ok {
		m.attaches++
	}
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchHandle, handle)
	}

	a := &memAttachment{term: t}
	a.cond = sync.NewCond(&a.mu)

	t.mu.Lock()
	t.clients[a] = struct{}{}
	t.cols, t.rows = cols, rows
	if t.exited {
		a.eof = true
	}
	t.mu.Unlock()
	return a, nil
}

// Alive reports whether handle is registered
func (m *Memory) Alive(handle string) bool {
	return m.term(handle) != nil
}

// Wait blocks until Exit, Destroy or Forget is called for handle
func (m *Memory) Wait(ctx context.Context, handle string) (int, error) {
	t := m.term(handle)
	if t == nil {
		return -1, fmt.Errorf("%w: %s", ErrNoSuchHandle, handle)
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-t.done:
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gone {
		return -1, fmt.Errorf("%w: %s", ErrNoSuchHandle, handle)
	}
	return t.exitCode, nil
}

// Destroy removes the terminal and ends its attachments
func (m *Memory) Destroy(handle string) error {
	m.mu.Lock()
	t, ok := m.terms[handle]
	delete(m.terms, handle)
	m.mu.Unlock()
	if ok {
		t.finish(-1, true)
	}
	return nil
}

// ListSockets returns every registered handle
func (m *Memory) ListSockets() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	handles := make([]string, 0, len(m.terms))
	for h := range m.terms {
		handles = append(handles, h)
	}
	sort.Strings(handles)
	return handles, nil
}

// Emit delivers output to every attachment of handle
func (m *Memory) Emit(handle string, data []byte) {
	if t := m.term(handle); t != nil {
		t.broadcast(data)
	}
}

// Exit ends the shell with code. The handle stays alive until Destroy.
func (m *Memory) Exit(handle string, code int) {
	if t := m.term(handle); t != nil {
		t.finish(code, false)
	}
}

// Forget makes handle vanish as if its server had been killed externally
func (m *Memory) Forget(handle string) {
	m.Destroy(handle)
}

// FailNextCreate makes the next Create fail with ErrPTYUnavailable
func (m *Memory) FailNextCreate(err error) {
	m.mu.Lock()
	m.failNext = err
	m.mu.Unlock()
}

// CreateCount returns how many processes have been started
func (m *Memory) CreateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates
}

// AttachCount returns how many attachments have been opened
func (m *Memory) AttachCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attaches
}

// Input returns every byte written to handle so far
func (m *Memory) Input(handle string) []byte {
	t := m.term(handle)
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return bytes.Clone(t.input.Bytes())
}

// Size returns the last size requested for handle
func (m *Memory) Size(handle string) (cols, rows int) {
	t := m.term(handle)
	if t == nil {
		return 0, 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cols, t.rows
}

// Spec returns the spec handle was created with
func (m *Memory) Spec(handle string) (Spec, bool) {
	t := m.term(handle)
	if t == nil {
		return Spec{}, false
	}
	return t.spec, true
}

func (t *memTerm) broadcast(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exited {
		return
	}
	for a := range t.clients {
		a.push(data)
	}
}

func (t *memTerm) finish(code int, gone bool) {
	t.doneMu.Do(func() {
		t.mu.Lock()
		t.exited = true
		t.exitCode = code
		t.gone = gone
		clients := make([]*memAttachment, 0, len(t.clients))
		for a := range t.clients {
			clients = append(clients, a)
		}
		t.mu.Unlock()

		for _, a := range clients {
			a.hangup()
		}
		close(t.done)
	})
	if gone {
		t.mu.Lock()
		t.gone = true
		t.mu.Unlock()
	}
}

// memAttachment buffers output until it is read
type memAttachment struct {
	term *memTerm

	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	eof    bool
	closed bool
}

func (a *memAttachment) push(data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.eof {
		return
	}
	a.buf.Write(data)
	a.cond.Broadcast()
}

func (a *memAttachment) hangup() {
	a.mu.Lock()
	a.eof = true
	a.cond.Broadcast()
	a.mu.Unlock()
}

func (a *memAttachment) Read(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for a.buf.Len() == 0 && !a.eof && !a.closed {
		a.cond.Wait()
	}
	if a.closed {
		return 0, errAttachmentClosed
	}
	if a.buf.Len() > 0 {
		return a.buf.Read(p)
	}
	return 0, io.EOF
}

// Write records input and echoes it to every attachment
func (a *memAttachment) Write(p []byte) (int, error) {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return 0, errAttachmentClosed
	}

	t := a.term
	t.mu.Lock()
	if t.exited {
		t.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	t.input.Write(p)
	t.mu.Unlock()

	t.broadcast(p)
	return len(p), nil
}

func (a *memAttachment) Resize(cols, rows int) error {
	t := a.term
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cols, t.rows = cols, rows
	return nil
}

// Close detaches without ending the terminal
func (a *memAttachment) Close() error {
	a.mu.Lock()
	a.closed = true
	a.cond.Broadcast()
	a.mu.Unlock()

	t := a.term
	t.mu.Lock()
	delete(t.clients, a)
	t.mu.Unlock()
	return nil
}
