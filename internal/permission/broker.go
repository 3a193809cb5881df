// Package permission implements the broker that maps the child's
// intercepted tool-call approval requests onto round-tripped remote RPCs
// (component D). Every outstanding request resolves exactly once, with
// the first of {remote approve, remote deny, local-mode switch, reset,
// disconnect expiry} to arrive winning.
package permission

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the terminal disposition of a resolved request.
type Status string

const (
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusCanceled Status = "canceled"
	StatusAbort    Status = "abort"
	// StatusExpired is the disconnect-timeout outcome of invariant 6: no
	// remote reply arrived before the connection to the server had been
	// down long enough that one is no longer expected.
	StatusExpired Status = "expired"
)

// Request is a single tool-call approval request, as tracked in
// agent-state.
type Request struct {
	ID        string
	ToolName  string
	Arguments map[string]any
	Status    Status // empty while pending
	Reason    string
	Completed time.Time
}

// Outcome is what a resolver (or broker-internal resolution) delivers to
// the goroutine waiting on Request.
type Outcome struct {
	Approved bool
	Reason   string
}

// AgentState is the subset of the remote session client's encrypted
// agent-state the broker needs to keep current. Implementations are
// expected to persist via the version-reconciliation protocol in
// internal/remote; the broker itself never touches ciphertext.
type AgentState interface {
	AddPendingRequest(req Request)
	CompleteRequest(id string, status Status, reason string)
}

// Notifier pushes a mobile/server-visible notification that a new
// permission request needs attention. Implementations live in
// internal/remote (a session-scope RPC-adjacent call).
type Notifier interface {
	NotifyPermissionRequested(req Request) error
}

// Broker tracks in-flight permission requests and resolves each exactly
// once.
type Broker struct {
	mu       sync.Mutex
	pending  map[string]chan Outcome
	state    AgentState
	notifier Notifier
	logger   *slog.Logger
}

func New(state AgentState, notifier Notifier, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		pending:  make(map[string]chan Outcome),
		state:    state,
		notifier: notifier,
		logger:   logger,
	}
}

// Request registers a new permission request, asks the server to push a
// notification, and blocks until it is resolved by Reply, SwitchToLocal,
// Reset, or ExpireAll — whichever arrives first.
func (b *Broker) Request(toolName string, args map[string]any) (Outcome, error) {
	id := uuid.NewString()

	ch := make(chan Outcome, 1)
	b.mu.Lock()
	b.pending[id] = ch
	b.mu.Unlock()

	req := Request{ID: id, ToolName: toolName, Arguments: args}
	b.state.AddPendingRequest(req)

	if err := b.notifier.NotifyPermissionRequested(req); err != nil {
		b.logger.Warn("permission: notify failed, awaiting reply anyway", "id", id, "error", err)
	}

	outcome := <-ch
	return outcome, nil
}

// Reply resolves a pending request with the outcome of the matching
// `permission` RPC. A reply for an id that is not pending (already
// resolved, or unknown) is discarded.
func (b *Broker) Reply(id string, approved bool, reason string) {
	b.mu.Lock()
	ch, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		b.logger.Debug("permission: discarding reply for unknown or completed request", "id", id)
		return
	}

	status := StatusDenied
	if approved {
		status = StatusApproved
	}
	b.state.CompleteRequest(id, status, reason)
	ch <- Outcome{Approved: approved, Reason: reason}
}

// SwitchToLocal resolves every outstanding request as denied with
// reason "session switched to local mode" and status canceled, per the
// mode-transition invariant.
func (b *Broker) SwitchToLocal() {
	b.resolveAll(StatusCanceled, "session switched to local mode")
}

// Reset resolves every outstanding request with status abort, discarding
// any result value — used when the supervisor tears down the session
// entirely rather than switching modes.
func (b *Broker) Reset() {
	b.resolveAll(StatusAbort, "session reset")
}

// ExpireAll resolves every outstanding request as expired. Wired off
// the remote session client's disconnect signal: a request with no
// remote reply forthcoming must not block a tool call forever.
func (b *Broker) ExpireAll(reason string) {
	b.resolveAll(StatusExpired, reason)
}

func (b *Broker) resolveAll(status Status, reason string) {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[string]chan Outcome)
	b.mu.Unlock()

	for id, ch := range pending {
		b.state.CompleteRequest(id, status, reason)
		ch <- Outcome{Approved: false, Reason: reason}
	}
}
