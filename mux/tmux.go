package mux

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/xiaoyuanzhu-com/devpanel/log"
)

// tmuxSession is the name of the single session on every per-handle server
const tmuxSession = "term"

const socketSuffix = ".sock"

// TmuxConfig configures the tmux backend
type TmuxConfig struct {
	Binary       string
	SocketDir    string
	PollInterval time.Duration
}

// Tmux runs one dedicated tmux server per handle, each on its own socket
// under SocketDir. The user's ~/.tmux.conf is never loaded.
type Tmux struct {
	binary    string
	socketDir string
	poll      time.Duration
	logger    zerolog.Logger
}

// NewTmux creates the socket directory and verifies the tmux binary
func NewTmux(cfg TmuxConfig) (*Tmux, error) {
	binary := cfg.Binary
	if binary == "" {
		binary = "tmux"
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("tmux binary %q: %w", binary, err)
	}
	if err := os.MkdirAll(cfg.SocketDir, 0700); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &Tmux{
		binary:    path,
		socketDir: cfg.SocketDir,
		poll:      poll,
		logger:    log.GetLogger("Tmux"),
	}, nil
}

// SocketPath returns the socket that identifies handle's tmux server
func (t *Tmux) SocketPath(handle string) string {
	return filepath.Join(t.socketDir, handle+socketSuffix)
}

// command builds a tmux invocation targeting handle's server. -S is always
// injected so no command can reach the user's default server.
func (t *Tmux) command(ctx context.Context, handle string, args ...string) *exec.Cmd {
	full := append([]string{"-S", t.SocketPath(handle)}, args...)
	return exec.CommandContext(ctx, t.binary, full...)
}

func (t *Tmux) run(ctx context.Context, handle string, args ...string) (string, error) {
	output, err := t.command(ctx, handle, args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %w (%s)",
			strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// isGone matches tmux messages meaning the server or session no longer exists
func isGone(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "no server running") ||
		strings.Contains(msg, "can't find session") ||
		strings.Contains(msg, "server exited unexpectedly") ||
		strings.Contains(msg, "error connecting to")
}

// Create starts a detached tmux server running spec.Shell in spec.Cwd
func (t *Tmux) Create(ctx context.Context, spec Spec) error {
	if !ValidHandle(spec.Handle) {
		return fmt.Errorf("%w: %q", ErrInvalidHandle, spec.Handle)
	}
	if t.Alive(spec.Handle) {
		return fmt.Errorf("%w: %s", ErrHandleInUse, spec.Handle)
	}
	// A socket file without a server behind it is left over from a crash.
	os.Remove(t.SocketPath(spec.Handle))

	args := []string{
		"-f", "/dev/null",
		"-S", t.SocketPath(spec.Handle),
		"new-session", "-d", "-s", tmuxSession,
		"-x", strconv.Itoa(spec.Cols), "-y", strconv.Itoa(spec.Rows),
		"-c", spec.Cwd,
	}
	if spec.Shell != "" {
		args = append(args, spec.Shell)
	}
	// Options follow in the same invocation so a short-lived shell cannot
	// exit before remain-on-exit is set.
	args = append(args,
		";", "set-option", "-t", tmuxSession, "remain-on-exit", "on",
		";", "set-option", "-t", tmuxSession, "status", "off",
	)

	cmd := exec.CommandContext(ctx, t.binary, args...)
	cmd.Dir = spec.Cwd
	cmd.Env = append(os.Environ(), spec.Env...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: tmux new-session %s: %v (%s)",
			ErrPTYUnavailable, spec.Handle, err, strings.TrimSpace(string(output)))
	}

	// window-size is unknown to older tmux releases.
	if _, err := t.run(ctx, spec.Handle, "set-option", "-t", tmuxSession, "window-size", "latest"); err != nil {
		t.logger.Debug().Err(err).Str("handle", spec.Handle).Msg("window-size option not supported")
	}

	t.logger.Info().
		Str("handle", spec.Handle).
		Str("cwd", spec.Cwd).
		Int("cols", spec.Cols).
		Int("rows", spec.Rows).
		Msg("tmux session created")
	return nil
}

// Alive reports whether handle's server is running
func (t *Tmux) Alive(handle string) bool {
	if !ValidHandle(handle) {
		return false
	}
	return t.command(context.Background(), handle, "has-session", "-t", tmuxSession).Run() == nil
}

// Attach starts a tmux client on a fresh PTY and returns it
func (t *Tmux) Attach(ctx context.Context, handle string, cols, rows int) (Attachment, error) {
	if !t.Alive(handle) {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchHandle, handle)
	}
	// The attach client lives until Close, independent of ctx.
	cmd := t.command(context.Background(), handle, "attach-session", "-t", tmuxSession)
	return startAttachment(cmd, cols, rows)
}

// paneStatusRetryDelay and paneStatusMaxRetries cover the window in which
// tmux has set pane_dead but not yet recorded the exit status.
const (
	paneStatusRetryDelay = 50 * time.Millisecond
	paneStatusMaxRetries = 5
)

// PaneStatus returns whether the shell has exited and its exit code.
// Signal deaths are reported as 128 + signal number.
func (t *Tmux) PaneStatus(ctx context.Context, handle string) (dead bool, exitCode int, err error) {
	for attempt := 0; ; attempt++ {
		output, err := t.run(ctx, handle, "display-message", "-t", tmuxSession, "-p",
			"#{pane_dead} #{pane_dead_status} #{pane_dead_signal}")
		if err != nil {
			return false, 0, err
		}

		parts := strings.SplitN(strings.TrimRight(output, "\n"), " ", 3)
		if len(parts) == 0 || parts[0] == "" {
			return false, 0, errors.New("empty pane status output")
		}
		deadValue, err := strconv.Atoi(parts[0])
		if err != nil {
			return false, 0, fmt.Errorf("parsing pane_dead %q: %w", parts[0], err)
		}
		if deadValue == 0 {
			return false, 0, nil
		}

		if len(parts) >= 3 && parts[2] != "" {
			signal, err := strconv.Atoi(parts[2])
			if err != nil {
				return true, -1, fmt.Errorf("parsing pane_dead_signal %q: %w", parts[2], err)
			}
			return true, 128 + signal, nil
		}
		if len(parts) >= 2 && parts[1] != "" {
			status, err := strconv.Atoi(parts[1])
			if err != nil {
				return true, -1, fmt.Errorf("parsing pane_dead_status %q: %w", parts[1], err)
			}
			return true, status, nil
		}

		if attempt >= paneStatusMaxRetries {
			return true, 0, nil
		}
		time.Sleep(paneStatusRetryDelay)
	}
}

// Wait polls the pane until the shell exits
func (t *Tmux) Wait(ctx context.Context, handle string) (int, error) {
	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	for {
		dead, code, err := t.PaneStatus(ctx, handle)
		switch {
		case ctx.Err() != nil:
			return 0, ctx.Err()
		case isGone(err):
			return -1, fmt.Errorf("%w: %s", ErrNoSuchHandle, handle)
		case err != nil:
			t.logger.Warn().Err(err).Str("handle", handle).Msg("pane status query failed")
		case dead:
			return code, nil
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Destroy kills handle's tmux server and removes its socket
func (t *Tmux) Destroy(handle string) error {
	if !ValidHandle(handle) {
		return fmt.Errorf("%w: %q", ErrInvalidHandle, handle)
	}
	_, err := t.run(context.Background(), handle, "kill-server")
	if err != nil && !isGone(err) {
		return err
	}
	if err := os.Remove(t.SocketPath(handle)); err != nil && !os.IsNotExist(err) {
		t.logger.Warn().Err(err).Str("handle", handle).Msg("failed to remove tmux socket")
	}
	return nil
}

// ListSockets returns the handles of every socket in the socket directory
func (t *Tmux) ListSockets() ([]string, error) {
	entries, err := os.ReadDir(t.socketDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var handles []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, socketSuffix) {
			continue
		}
		handle := strings.TrimSuffix(name, socketSuffix)
		if ValidHandle(handle) {
			handles = append(handles, handle)
		}
	}
	sort.Strings(handles)
	return handles, nil
}
