package child

import (
	"context"
	"log/slog"
	"os"

	"golang.org/x/term"
)

// KeystrokeWatcher detects the first keystroke on the local terminal
// while the supervisor is in remote mode, the R->L trigger described in
// spec 3. It runs only while the supervisor is in remote mode: each
// remote turn starts Run and cancels it when the turn ends, because in
// local mode the child itself owns stdin via the PTY and the watcher
// must not echo or consume bytes the child needs.
type KeystrokeWatcher struct {
	Logger *slog.Logger
	OnKey  func()
}

func NewKeystrokeWatcher(onKey func(), logger *slog.Logger) *KeystrokeWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeystrokeWatcher{Logger: logger, OnKey: onKey}
}

// Run puts stdin in raw mode (if it's a terminal) and calls OnKey on the
// first byte read, then continues consuming bytes silently until ctx is
// cancelled — callers are expected to start/stop it across mode
// transitions rather than leave it running through a local turn that
// already owns stdin via the PTY.
func (w *KeystrokeWatcher) Run(ctx context.Context) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		<-ctx.Done()
		return ctx.Err()
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		w.Logger.Debug("keystroke watcher: terminal not raw-mode capable, disabled", "error", err)
		<-ctx.Done()
		return ctx.Err()
	}
	defer term.Restore(fd, oldState)

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 1)
		fired := false
		for {
			n, err := os.Stdin.Read(buf)
			if ctx.Err() != nil {
				return
			}
			if n > 0 && !fired {
				fired = true
				w.OnKey()
			}
			if err != nil {
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}
	return ctx.Err()
}
