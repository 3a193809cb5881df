package remote

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/slopus/happy-cli/internal/permission"
)

// agentStateDoc is the plaintext shape of the agent-state encrypted
// document: pending and completed permission requests, per spec 4.D /
// scenario B.
type agentStateDoc struct {
	Requests          map[string]permission.Request `json:"requests"`
	CompletedRequests map[string]permission.Request `json:"completedRequests"`
	LifecycleState    string                         `json:"lifecycleState,omitempty"`
}

// AgentStateStore adapts a *Client's versioned agent-state document to
// permission.AgentState. Every mutation goes through Mutate so a
// concurrent server-side write is reconciled rather than clobbered.
type AgentStateStore struct {
	client *Client
	logger *slog.Logger

	mu        sync.Mutex
	version   int64
	plaintext []byte
}

func NewAgentStateStore(client *Client, logger *slog.Logger) *AgentStateStore {
	if logger == nil {
		logger = slog.Default()
	}
	empty, _ := json.Marshal(agentStateDoc{Requests: map[string]permission.Request{}, CompletedRequests: map[string]permission.Request{}})
	return &AgentStateStore{client: client, logger: logger, plaintext: empty}
}

func (s *AgentStateStore) AddPendingRequest(req permission.Request) {
	s.mutate(func(doc *agentStateDoc) {
		doc.Requests[req.ID] = req
	})
}

func (s *AgentStateStore) CompleteRequest(id string, status permission.Status, reason string) {
	s.mutate(func(doc *agentStateDoc) {
		req, ok := doc.Requests[id]
		if !ok {
			req = permission.Request{ID: id}
		}
		delete(doc.Requests, id)
		req.Status = status
		req.Reason = reason
		doc.CompletedRequests[id] = req
	})
}

// Archive marks the agent-state document's lifecycleState "archived",
// per the state-machine table's "archive agent state, close" action on
// any transition into S_TERMINATING.
func (s *AgentStateStore) Archive() {
	s.mutate(func(doc *agentStateDoc) {
		doc.LifecycleState = "archived"
	})
}

func (s *AgentStateStore) mutate(apply func(doc *agentStateDoc)) {
	s.mu.Lock()
	version, observed := s.version, s.plaintext
	s.mu.Unlock()

	newVersion, err := s.client.Mutate(context.Background(), StateAgent, version, observed, func(current []byte) ([]byte, error) {
		var doc agentStateDoc
		if len(current) > 0 {
			if err := json.Unmarshal(current, &doc); err != nil {
				doc = agentStateDoc{}
			}
		}
		if doc.Requests == nil {
			doc.Requests = map[string]permission.Request{}
		}
		if doc.CompletedRequests == nil {
			doc.CompletedRequests = map[string]permission.Request{}
		}
		apply(&doc)
		next, err := json.Marshal(doc)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.plaintext = next
		s.mu.Unlock()
		return next, nil
	})
	if err != nil {
		s.logger.Warn("remote: agent-state mutation failed", "error", err)
		return
	}
	s.mu.Lock()
	s.version = newVersion
	s.mu.Unlock()
}

// NotifyPermissionRequested implements permission.Notifier by
// publishing the request as an assistant-message so a connected mobile
// client can surface a push notification for it.
func (s *AgentStateStore) NotifyPermissionRequested(req permission.Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return s.client.PublishAssistantMessage(context.Background(), MsgPermissionRequest, payload)
}
