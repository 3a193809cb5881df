// Package remote implements the encrypted, versioned remote session
// client (component E): a long-lived WebSocket connection to the
// server, RPC registration/dispatch scoped per session, and the
// version-reconciliation protocol for encrypted documents.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ErrAuthRejected is returned when the server rejects the handshake.
var ErrAuthRejected = errors.New("server rejected authentication")

// errProactiveReconnect unwinds connectAndServe when the bearer token
// is nearing its exp claim; Run treats it like any other disconnect
// and reconnects with whatever token is current by then.
var errProactiveReconnect = errors.New("proactive reconnect: token nearing expiry")

const (
	writeTimeout      = 10 * time.Second
	minReconnectDelay = time.Second
	maxReconnectDelay = 5 * time.Second

	sessionHeartbeatInterval = 5 * time.Second
	daemonHeartbeatInterval  = 20 * time.Second

	bufferedEnvelopeCap = 256

	// flushRate bounds how fast buffered envelopes drain on reconnect, so
	// a long outage followed by a reconnect doesn't burst hundreds of
	// writes at the server in the same instant.
	flushRate  = 20 // envelopes/sec
	flushBurst = 5
)

// Handler services one inbound RPC call. params/result are already the
// decrypted/to-be-encrypted plaintext — the client handles the crypto
// envelope itself via Codec.
type Handler func(ctx context.Context, params []byte) (result []byte, err error)

// Codec is the minimal encryption surface the client needs; satisfied
// by internal/crypto.Codec.
type Codec interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Scope distinguishes the two connection scopes mentioned in spec 4.E.
// Only Session is core; Daemon is the loopback-daemon heartbeat scope.
type Scope string

const (
	ScopeSession Scope = "session"
	ScopeDaemon  Scope = "daemon"
)

// Client is a long-lived bidirectional connection to the server for one
// HappySession.
type Client struct {
	URL       string
	Token     string
	ClientType string
	SessionID string
	Scope     Scope
	Codec     Codec
	Logger    *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[string]Handler
	buffered []Envelope
	pending  map[string]chan stateWriteReply

	OnStateChange func(connected bool, err error)

	// replyWaiter is a test/integration seam: defaults to waitForStateReply,
	// which correlates replies by call id over the socket Run manages.
	// Tests may substitute a fake.
	replyWaiter func(ctx context.Context, env Envelope) (stateWriteReply, error)
}

// SetReplyWaiter installs the request/reply correlator Mutate uses to
// await a state-write outcome. Production wiring matches replies to
// requests by call id over the same socket Run manages; tests may
// substitute a fake.
func (c *Client) SetReplyWaiter(fn func(ctx context.Context, env Envelope) (stateWriteReply, error)) {
	c.mu.Lock()
	c.replyWaiter = fn
	c.mu.Unlock()
}

func New(url, token, clientType, sessionID string, scope Scope, codec Codec, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		URL:        url,
		Token:      token,
		ClientType: clientType,
		SessionID:  sessionID,
		Scope:      scope,
		Codec:      codec,
		Logger:     logger,
		handlers:   make(map[string]Handler),
		pending:    make(map[string]chan stateWriteReply),
	}
	c.replyWaiter = c.waitForStateReply
	return c
}

// RegisterRPC adds a handler under this client's session scope,
// addressable on the wire as "sid:method". The registration itself is
// announced to the server on the next (re)connect by sendRegistration,
// not synchronously here — a handler added before the first connect is
// picked up by that first announcement.
func (c *Client) RegisterRPC(method string, h Handler) {
	c.mu.Lock()
	c.handlers[method] = h
	c.mu.Unlock()
}

// sendRegistration announces every currently-registered RPC method to
// the server, so inbound dispatch for permission/abort/switch/kill
// (and any custom method) works against a server that gates routing on
// registration. Called once per (re)connect.
func (c *Client) sendRegistration(ctx context.Context) error {
	c.mu.Lock()
	methods := make([]string, 0, len(c.handlers))
	for m := range c.handlers {
		methods = append(methods, m)
	}
	c.mu.Unlock()
	sort.Strings(methods)

	payload, err := json.Marshal(rpcRegistration{Methods: methods})
	if err != nil {
		return fmt.Errorf("encode rpc registration: %w", err)
	}
	return c.writeEnvelope(ctx, Envelope{Type: kindRegistered, SessionID: c.SessionID, Payload: payload})
}

// Run connects and services the connection until ctx is cancelled,
// automatically reconnecting with exponential backoff (1s -> 5s cap). On
// every (re)connect it re-registers RPC methods and flushes buffered
// envelopes in submission order.
func (c *Client) Run(ctx context.Context) error {
	delay := minReconnectDelay
	for {
		connected, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			c.notify(false, ctx.Err())
			return ctx.Err()
		}
		if isAuthError(err) {
			c.notify(false, err)
			return ErrAuthRejected
		}
		if connected {
			delay = minReconnectDelay
		}
		c.notify(false, err)
		c.Logger.Warn("remote: disconnected, reconnecting", "scope", c.Scope, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func isAuthError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "401")
}

func (c *Client) notify(connected bool, err error) {
	if c.OnStateChange != nil {
		c.OnStateChange(connected, err)
	}
}

func (c *Client) connectAndServe(ctx context.Context) (connected bool, err error) {
	opts := &websocket.DialOptions{HTTPHeader: make(map[string][]string)}
	opts.HTTPHeader.Set("Authorization", "Bearer "+c.Token)
	opts.HTTPHeader.Set("X-Client-Type", c.ClientType)

	conn, _, dialErr := websocket.Dial(ctx, c.URL, opts)
	if dialErr != nil {
		return false, fmt.Errorf("dial: %w", dialErr)
	}
	conn.SetReadLimit(1024 * 1024)
	defer conn.CloseNow()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	connected = true

	c.notify(true, nil)

	if err := c.sendRegistration(ctx); err != nil {
		c.Logger.Warn("remote: rpc re-registration failed", "error", err)
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go c.heartbeatLoop(hbCtx)

	if err := c.flushBuffered(ctx); err != nil {
		c.Logger.Warn("remote: flush buffered envelopes failed", "error", err)
	}

	var expiryCh <-chan time.Time
	if d := timeUntilProactiveReconnect(c.Token); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		expiryCh = timer.C
	}

	readCh := make(chan readResult)
	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()
	go c.readLoop(readCtx, conn, readCh)

	for {
		select {
		case <-expiryCh:
			c.Logger.Info("remote: bearer token nearing expiry, reconnecting proactively", "scope", c.Scope)
			return connected, errProactiveReconnect
		case res := <-readCh:
			if res.err != nil {
				return connected, fmt.Errorf("read: %w", res.err)
			}
			c.handleInbound(ctx, res.data)
		case <-ctx.Done():
			return connected, ctx.Err()
		}
	}
}

type readResult struct {
	data []byte
	err  error
}

// readLoop feeds every inbound frame to out until ctx is cancelled or a
// read fails; it runs on its own goroutine so connectAndServe's select
// can race it against the proactive-reconnect timer.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- readResult) {
	for {
		_, data, err := conn.Read(ctx)
		select {
		case out <- readResult{data: data, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	interval := sessionHeartbeatInterval
	if c.Scope == ScopeDaemon {
		interval = daemonHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			env := Envelope{Type: kindHeartbeat, SessionID: c.SessionID}
			if err := c.writeEnvelope(ctx, env); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleInbound(ctx context.Context, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.Logger.Warn("remote: malformed envelope", "error", err)
		return
	}
	if env.Type == KindStateUpdate {
		c.handleStateReply(env)
		return
	}
	if env.Type != kindRPCCall {
		// Non-RPC inbound traffic (registered acks, restart notices) is
		// logged and otherwise ignored by this layer.
		c.Logger.Debug("remote: ignoring inbound envelope", "type", env.Type)
		return
	}
	var call rpcCall
	if err := json.Unmarshal(env.Payload, &call); err != nil {
		c.Logger.Warn("remote: malformed rpc-call", "error", err)
		return
	}
	go c.dispatch(ctx, call)
}

// dispatch looks up a handler for call.Method (accepting either the bare
// name or the "sid:method" scoped form), decrypts params, invokes the
// handler, and replies with an encrypted result. Unknown methods, and
// handler or crypto failures, reply with an error message in
// rpcReply.Error; that message is sent as plain text, not encrypted.
func (c *Client) dispatch(ctx context.Context, call rpcCall) {
	name := call.Method
	if idx := strings.IndexByte(name, ':'); idx >= 0 {
		name = name[idx+1:]
	}

	c.mu.Lock()
	h, ok := c.handlers[name]
	c.mu.Unlock()

	if !ok {
		c.replyError(ctx, call.CallID, fmt.Sprintf("unknown method %q", call.Method))
		return
	}

	params, err := c.Codec.Decrypt(call.Params)
	if err != nil {
		c.replyError(ctx, call.CallID, "decrypt params: "+err.Error())
		return
	}

	result, err := h(ctx, params)
	if err != nil {
		c.replyError(ctx, call.CallID, err.Error())
		return
	}

	encResult, err := c.Codec.Encrypt(result)
	if err != nil {
		c.replyError(ctx, call.CallID, "encrypt result: "+err.Error())
		return
	}
	c.sendReply(ctx, rpcReply{CallID: call.CallID, Result: encResult})
}

func (c *Client) replyError(ctx context.Context, callID, msg string) {
	c.sendReply(ctx, rpcReply{CallID: callID, Error: msg})
}

func (c *Client) sendReply(ctx context.Context, reply rpcReply) {
	payload, _ := json.Marshal(reply)
	env := Envelope{Type: kindRPCReply, SessionID: c.SessionID, Payload: payload}
	if err := c.writeEnvelope(ctx, env); err != nil {
		c.Logger.Warn("remote: rpc reply send failed", "error", err)
	}
}

// PublishSessionEvent encrypts plaintext with the client's codec and
// sends a session-event envelope (ready, message, switch). Per
// invariant 3 the server only ever observes the resulting ciphertext.
func (c *Client) PublishSessionEvent(ctx context.Context, kind SessionEventKind, plaintext []byte) error {
	ciphertext, err := c.encryptOrEmpty(plaintext)
	if err != nil {
		return fmt.Errorf("encrypt session event: %w", err)
	}
	return c.publish(ctx, KindSessionEvent, string(kind), ciphertext)
}

// PublishAssistantMessage encrypts plaintext with the client's codec
// and sends an assistant-message envelope.
func (c *Client) PublishAssistantMessage(ctx context.Context, kind AssistantMessageKind, plaintext []byte) error {
	ciphertext, err := c.encryptOrEmpty(plaintext)
	if err != nil {
		return fmt.Errorf("encrypt assistant message: %w", err)
	}
	return c.publish(ctx, KindAssistantMessage, string(kind), ciphertext)
}

// encryptOrEmpty lets callers pass nil for events that carry no
// payload (switch, ready) without forcing every call site to encrypt
// an empty byte slice.
func (c *Client) encryptOrEmpty(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, nil
	}
	return c.Codec.Encrypt(plaintext)
}

func (c *Client) publish(ctx context.Context, envType, method string, ciphertext []byte) error {
	env := Envelope{Type: envType, SessionID: c.SessionID, Method: method, Payload: ciphertext}
	return c.writeEnvelope(ctx, env)
}

// Mutate applies the version-reconciliation protocol for an encrypted
// document (spec 4.E / invariant 4): it sends the caller's write at the
// version it last observed; on success it returns the new version; on
// mismatch it decrypts the server's authoritative value, asks mutate to
// recompute a fresh ciphertext against it, and retries; on error it
// backs off and retries. Mismatches and errors together are bounded by
// maxAttempts writes.
//
// mutate must be an idempotent function of current plaintext state, not
// an absolute overwrite, since it may be invoked more than once against
// different observed versions.
func (c *Client) Mutate(ctx context.Context, kind StateUpdateKind, observedVersion int64, observedPlaintext []byte, mutate func(currentPlaintext []byte) ([]byte, error)) (newVersion int64, err error) {
	const maxAttempts = 5
	backoff := 250 * time.Millisecond

	version := observedVersion
	plaintext := observedPlaintext

	for attempt := 0; attempt < maxAttempts; attempt++ {
		next, err := mutate(plaintext)
		if err != nil {
			return 0, fmt.Errorf("mutate: %w", err)
		}
		ciphertext, err := c.Codec.Encrypt(next)
		if err != nil {
			return 0, fmt.Errorf("encrypt state write: %w", err)
		}

		reply, err := c.writeState(ctx, kind, version, ciphertext)
		if err != nil {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}

		switch reply.Outcome {
		case writeSuccess:
			return reply.NewVersion, nil
		case writeVersionMismatch:
			current, err := c.Codec.Decrypt(reply.CurrentCipher)
			if err != nil {
				return 0, fmt.Errorf("decrypt current state on mismatch: %w", err)
			}
			version = reply.CurrentVersion
			plaintext = current
			continue
		case writeError:
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		default:
			return 0, fmt.Errorf("unknown write outcome %q", reply.Outcome)
		}
	}
	return 0, fmt.Errorf("state write for %s did not converge after %d attempts", kind, maxAttempts)
}

func (c *Client) writeState(ctx context.Context, kind StateUpdateKind, expectedVersion int64, ciphertext []byte) (stateWriteReply, error) {
	callID := newCallID()
	req := stateWriteRequest{CallID: callID, Kind: kind, ExpectedVersion: expectedVersion, Ciphertext: ciphertext}
	payload, err := json.Marshal(req)
	if err != nil {
		return stateWriteReply{}, err
	}
	env := Envelope{Type: KindStateUpdate, SessionID: c.SessionID, Method: string(kind), Payload: payload}

	c.mu.Lock()
	waiter := c.replyWaiter
	c.mu.Unlock()
	if waiter == nil {
		return stateWriteReply{}, errors.New("no reply waiter configured")
	}
	return waiter(ctx, env)
}

// waitForStateReply is the production replyWaiter: it registers a
// channel keyed by the request's call id, sends the envelope, and
// blocks until a matching state-update reply arrives via
// handleStateReply, the context is cancelled, or writeTimeout elapses
// waiting for the write itself to go out.
func (c *Client) waitForStateReply(ctx context.Context, env Envelope) (stateWriteReply, error) {
	var req stateWriteRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return stateWriteReply{}, fmt.Errorf("decode outgoing state write: %w", err)
	}

	replyCh := make(chan stateWriteReply, 1)
	c.mu.Lock()
	c.pending[req.CallID] = replyCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.CallID)
		c.mu.Unlock()
	}()

	if err := c.writeEnvelope(ctx, env); err != nil {
		return stateWriteReply{}, err
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return stateWriteReply{}, ctx.Err()
	}
}

func (c *Client) handleStateReply(env Envelope) {
	var reply stateWriteReply
	if err := json.Unmarshal(env.Payload, &reply); err != nil {
		c.Logger.Warn("remote: malformed state-update reply", "error", err)
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[reply.CallID]
	c.mu.Unlock()
	if !ok {
		// No waiter (already timed out, or this is an unsolicited push);
		// nothing to correlate it to.
		return
	}
	select {
	case ch <- reply:
	default:
	}
}

func newCallID() string {
	return uuid.NewString()
}

func (c *Client) writeEnvelope(ctx context.Context, env Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.bufferEnvelope(env)
		return nil
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		c.bufferEnvelope(env)
		return err
	}
	return nil
}

func (c *Client) bufferEnvelope(env Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buffered) >= bufferedEnvelopeCap {
		c.buffered = c.buffered[1:]
	}
	c.buffered = append(c.buffered, env)
}

func (c *Client) flushBuffered(ctx context.Context) error {
	c.mu.Lock()
	pending := c.buffered
	c.buffered = nil
	c.mu.Unlock()

	limiter := rate.NewLimiter(rate.Limit(flushRate), flushBurst)
	for _, env := range pending {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		if err := c.writeEnvelope(ctx, env); err != nil {
			return err
		}
	}
	return nil
}
