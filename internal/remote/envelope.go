package remote

// Envelope is the outer, server-visible wrapper for every message on the
// wire. Per invariant 3 the server only ever sees envelope fields — user
// content riding inside Payload is already ciphertext by the time it
// reaches here.
type Envelope struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Method    string `json:"method,omitempty"`
	Payload   []byte `json:"payload,omitempty"`
}

// Outbound envelope kinds, per spec 4.E.
const (
	// Session events: ready, message, switch, death.
	KindSessionEvent = "session-event"
	// Assistant messages: output, output-passive-observer, message,
	// tool-call, tool-call-result, thinking, turn_aborted, task_started,
	// task_complete.
	KindAssistantMessage = "assistant-message"
	// State updates: metadata, agent-state, with version reconciliation.
	KindStateUpdate = "state-update"

	// Control plane, not part of the three payload kinds above.
	kindRPCCall    = "rpc-call"
	kindRPCReply   = "rpc-reply"
	kindHeartbeat  = "heartbeat"
	kindRegistered = "registered"
	kindAuthReject = "auth-reject"
)

// SessionEventKind enumerates the session-event sub-types.
type SessionEventKind string

const (
	EventReady  SessionEventKind = "ready"
	EventMsg    SessionEventKind = "message"
	EventSwitch SessionEventKind = "switch"
	// EventDeath marks a HappySession's transition into S_TERMINATING:
	// the agent-state document is archived before this goes out.
	EventDeath SessionEventKind = "death"
)

// AssistantMessageKind enumerates assistant-message sub-types.
type AssistantMessageKind string

const (
	MsgOutput                AssistantMessageKind = "output"
	MsgOutputPassiveObserver AssistantMessageKind = "output-passive-observer"
	MsgMessage               AssistantMessageKind = "message"
	MsgToolCall              AssistantMessageKind = "tool-call"
	MsgToolCallResult        AssistantMessageKind = "tool-call-result"
	MsgThinking              AssistantMessageKind = "thinking"
	MsgTurnAborted           AssistantMessageKind = "turn_aborted"
	MsgTaskStarted           AssistantMessageKind = "task_started"
	MsgTaskComplete          AssistantMessageKind = "task_complete"
	MsgPermissionRequest     AssistantMessageKind = "permission-request"
	MsgAttention             AssistantMessageKind = "attention"
)

// StateUpdateKind enumerates which encrypted document a state-update
// envelope targets.
type StateUpdateKind string

const (
	StateMetadata  StateUpdateKind = "metadata"
	StateAgent     StateUpdateKind = "agent-state"
	StateDaemon    StateUpdateKind = "daemon-state"
	StateMachine   StateUpdateKind = "machine-metadata"
)

// rpcCall is the wire shape of an inbound RPC invocation. Method may
// arrive scoped (sid:name) or bare (name); Client.dispatch accepts both.
type rpcCall struct {
	CallID string `json:"callId"`
	Method string `json:"method"`
	Params []byte `json:"params"` // encrypted
}

type rpcReply struct {
	CallID string `json:"callId"`
	Result []byte `json:"result,omitempty"` // encrypted
	Error  string `json:"error,omitempty"`
}

// stateWriteRequest/stateWriteReply implement the version reconciliation
// protocol of spec invariant 4 / section 4.E.
type stateWriteRequest struct {
	CallID          string          `json:"callId"`
	Kind            StateUpdateKind `json:"kind"`
	ExpectedVersion int64           `json:"expectedVersion"`
	Ciphertext      []byte          `json:"ciphertext"`
}

type stateWriteOutcome string

const (
	writeSuccess        stateWriteOutcome = "success"
	writeVersionMismatch stateWriteOutcome = "version-mismatch"
	writeError           stateWriteOutcome = "error"
)

type stateWriteReply struct {
	CallID         string            `json:"callId"`
	Outcome        stateWriteOutcome `json:"outcome"`
	NewVersion     int64             `json:"newVersion,omitempty"`
	NewCiphertext  []byte            `json:"newCiphertext,omitempty"`
	CurrentVersion int64             `json:"currentVersion,omitempty"`
	CurrentCipher  []byte            `json:"currentCiphertext,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// rpcRegistration is the wire shape of the client's self-announcement,
// sent under kindRegistered on every (re)connect per spec 4.E's
// reconnection section: "the client re-registers all RPC methods."
type rpcRegistration struct {
	Methods []string `json:"methods"`
}
