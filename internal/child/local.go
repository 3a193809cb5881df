// Package child implements the local launcher (component F) and remote
// driver (component G) for the child coding-assistant process.
package child

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/dustin/go-humanize"
)

// ErrBinaryNotFound is returned when the configured child binary isn't
// on PATH; the supervisor surfaces this as a user-facing install
// instruction rather than a generic failure.
var ErrBinaryNotFound = errors.New("child binary not found on PATH")

// killGrace is how long the launcher waits after a graceful signal
// before forcing termination.
const killGrace = 5 * time.Second

// LocalConfig describes one local-mode invocation of the child.
type LocalConfig struct {
	Binary         string
	ProjectDir     string
	ResumeID       string // transcript session id to resume, if known
	Model          string
	PermissionMode string
	AllowedTools   []string
	Env            []string
}

// Launcher spawns the child with the parent's standard streams attached,
// owning a PTY so local keystrokes and a remote replay snapshot both see
// the same byte stream.
type Launcher struct {
	Logger   *slog.Logger
	Snapshot TerminalSnapshot
}

func NewLauncher(logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{Logger: logger}
}

// SetAttentionHandler wires a callback for repeated-BEL detection in the
// child's PTY output onto this launcher's replay snapshot.
func (l *Launcher) SetAttentionHandler(fn func()) {
	l.Snapshot.OnAttention = fn
}

// Run starts the child and blocks until it exits or ctx is cancelled. On
// cancellation it signals the child (SIGTERM first, SIGKILL after
// killGrace if it hasn't exited) and returns once the process is gone.
// Returns the exit code and, if the process was terminated by a signal
// rather than exiting normally, the signal name.
func (l *Launcher) Run(ctx context.Context, cfg LocalConfig) (exitCode int, termSignal string, err error) {
	if _, lookErr := exec.LookPath(cfg.Binary); lookErr != nil {
		return 0, "", ErrBinaryNotFound
	}

	args := buildArgs(cfg)
	cmd := exec.Command(cfg.Binary, args...)
	cmd.Dir = cfg.ProjectDir
	cmd.Env = append(os.Environ(), cfg.Env...)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return 0, "", fmt.Errorf("start pty: %w", err)
	}
	defer ptmx.Close()

	copyDone := make(chan struct{})
	go func() {
		defer close(copyDone)
		buf := make([]byte, 32*1024)
		for {
			n, readErr := ptmx.Read(buf)
			if n > 0 {
				l.Snapshot.Write(buf[:n])
				os.Stdout.Write(buf[:n])
			}
			if readErr != nil {
				return
			}
		}
	}()
	go io.Copy(ptmx, os.Stdin)

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	select {
	case waitErr := <-waitDone:
		<-copyDone
		l.Logger.Debug("child: exited", "replay_buffer", humanize.Bytes(uint64(len(l.Snapshot.Bytes()))))
		return exitInfo(cmd, waitErr)
	case <-ctx.Done():
		l.Logger.Debug("child: cancellation received, signaling child", "pid", cmd.Process.Pid)
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case waitErr := <-waitDone:
			<-copyDone
			return exitInfo(cmd, waitErr)
		case <-time.After(killGrace):
			l.Logger.Warn("child: graceful shutdown timed out, killing", "pid", cmd.Process.Pid)
			_ = cmd.Process.Kill()
			waitErr := <-waitDone
			<-copyDone
			return exitInfo(cmd, waitErr)
		}
	}
}

func buildArgs(cfg LocalConfig) []string {
	var args []string
	if cfg.ResumeID != "" {
		args = append(args, "--resume", cfg.ResumeID)
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.PermissionMode != "" {
		args = append(args, "--permission-mode", cfg.PermissionMode)
	}
	for _, tool := range cfg.AllowedTools {
		args = append(args, "--allowed-tool", tool)
	}
	return args
}

func exitInfo(cmd *exec.Cmd, waitErr error) (code int, signal string, err error) {
	state := cmd.ProcessState
	if state == nil {
		return 0, "", waitErr
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -1, ws.Signal().String(), nil
	}
	return state.ExitCode(), "", nil
}
