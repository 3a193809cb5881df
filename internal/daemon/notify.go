// Package daemon notifies an optional surrounding process-management
// daemon that a session has started or ended. The daemon itself (process
// supervision, auto-restart, socket control) is an external
// collaborator and out of scope here; this package is only the thin
// HTTP client the command calls on session start and end.
package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

const requestTimeout = 2 * time.Second

// Notifier posts session-lifecycle events to a daemon listening on a
// loopback port. Its absence is never fatal: every method logs and
// swallows its own errors.
type Notifier struct {
	BaseURL string
	Client  *http.Client
	Logger  *slog.Logger
}

func New(baseURL string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: requestTimeout},
		Logger:  logger,
	}
}

// SessionStarted posts session-started {sessionId, metadata}. A
// failure (daemon not running, connection refused, timeout) is logged
// at debug level and otherwise ignored.
func (n *Notifier) SessionStarted(ctx context.Context, sessionID string, metadata map[string]string) {
	n.post(ctx, "session-started", map[string]any{
		"sessionId": sessionID,
		"metadata":  metadata,
	})
}

// SessionEnded posts session-ended {sessionId} so the daemon can stop
// tracking a terminated session.
func (n *Notifier) SessionEnded(ctx context.Context, sessionID string) {
	n.post(ctx, "session-ended", map[string]any{
		"sessionId": sessionID,
	})
}

func (n *Notifier) post(ctx context.Context, path string, body map[string]any) {
	if n == nil || n.BaseURL == "" {
		return
	}

	data, err := json.Marshal(body)
	if err != nil {
		n.Logger.Debug("daemon notify: marshal failed", "path", path, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.BaseURL+"/"+path, bytes.NewReader(data))
	if err != nil {
		n.Logger.Debug("daemon notify: build request failed", "path", path, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.Client.Do(req)
	if err != nil {
		n.Logger.Debug("daemon notify: unreachable, ignoring", "path", path, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.Logger.Debug("daemon notify: non-2xx response", "path", path, "status", resp.StatusCode)
		return
	}
	n.Logger.Debug("daemon notified", "path", path)
}
