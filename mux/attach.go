package mux

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/xiaoyuanzhu-com/devpanel/log"
)

// detachTimeout bounds how long Close waits for the attach client to exit
const detachTimeout = 2 * time.Second

// ptyAttachment is a multiplexer client process running on a PTY
type ptyAttachment struct {
	ptmx *os.File
	cmd  *exec.Cmd

	closeOnce sync.Once
	done      chan struct{}
}

func startAttachment(cmd *exec.Cmd, cols, rows int) (*ptyAttachment, error) {
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPTYUnavailable, err)
	}

	a := &ptyAttachment{ptmx: ptmx, cmd: cmd, done: make(chan struct{})}
	go func() {
		cmd.Wait()
		close(a.done)
	}()
	return a, nil
}

func (a *ptyAttachment) Read(p []byte) (int, error) {
	return a.ptmx.Read(p)
}

func (a *ptyAttachment) Write(p []byte) (int, error) {
	return a.ptmx.Write(p)
}

// Resize changes the PTY window size; tmux follows the latest client.
func (a *ptyAttachment) Resize(cols, rows int) error {
	return pty.Setsize(a.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Close detaches the client. The process behind the handle keeps running.
func (a *ptyAttachment) Close() error {
	var err error
	a.closeOnce.Do(func() {
		err = a.ptmx.Close()
		a.terminate()
	})
	return err
}

// terminate asks the attach client to exit, then kills it after detachTimeout
func (a *ptyAttachment) terminate() {
	if a.cmd.Process == nil {
		return
	}
	select {
	case <-a.done:
		return
	default:
	}

	if err := a.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		a.cmd.Process.Kill()
		return
	}

	select {
	case <-a.done:
	case <-time.After(detachTimeout):
		log.Warn().Int("pid", a.cmd.Process.Pid).Msg("attach client didn't exit, sending SIGKILL")
		a.cmd.Process.Kill()
	}
}
