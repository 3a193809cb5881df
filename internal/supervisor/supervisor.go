// Package supervisor implements the mode state machine that owns the
// full session lifetime, wiring components A-G together (component H).
package supervisor

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/slopus/happy-cli/internal/child"
	"github.com/slopus/happy-cli/internal/dedup"
	"github.com/slopus/happy-cli/internal/permission"
	"github.com/slopus/happy-cli/internal/queue"
	"github.com/slopus/happy-cli/internal/remote"
	"github.com/slopus/happy-cli/internal/transcript"
)

// State is one of the three supervisor states.
type State string

const (
	StateLocal       State = "S_LOCAL"
	StateRemote      State = "S_REMOTE"
	StateTerminating State = "S_TERMINATING"
)

// SessionClient is the subset of *remote.Client the supervisor depends
// on, narrowed to an interface so the state machine can be tested
// without a live socket.
type SessionClient interface {
	Run(ctx context.Context) error
	PublishSessionEvent(ctx context.Context, kind remote.SessionEventKind, plaintext []byte) error
	PublishAssistantMessage(ctx context.Context, kind remote.AssistantMessageKind, plaintext []byte) error
}

// Pulser is the subset of *remote.Pulse the supervisor depends on.
type Pulser interface {
	Run(ctx context.Context) error
}

// ChildLauncher is the subset of *child.Launcher the supervisor depends
// on (component F).
type ChildLauncher interface {
	Run(ctx context.Context, cfg child.LocalConfig) (exitCode int, termSignal string, err error)
	// SetAttentionHandler registers a callback fired when the child's
	// terminal output repeatedly bells, signaling it wants the user's
	// attention. A nil handler disables the callback.
	SetAttentionHandler(fn func())
}

// ChildDriver is the subset of *child.Driver the supervisor depends on
// (component G).
type ChildDriver interface {
	Invoke(ctx context.Context, cfg child.DriverConfig, prompt string, out chan<- child.Record) (sessionID string, err error)
}

// LocalKeystroke is the subset of *child.KeystrokeWatcher the supervisor
// depends on. It only ever runs while the supervisor is in S_REMOTE,
// since in S_LOCAL the child's own PTY owns stdin.
type LocalKeystroke interface {
	Run(ctx context.Context) error
}

// AgentStateArchiver marks the session's encrypted agent-state document
// archived. The state-machine table requires this on any transition
// into S_TERMINATING, before the session-death event goes out.
type AgentStateArchiver interface {
	Archive()
}

// Deps bundles every collaborator the supervisor wires together. All
// fields are required except those marked optional below and Pulse,
// which may be nil to run without the keep-alive task.
type Deps struct {
	Binary     string
	ProjectDir string

	Queue    *queue.Queue
	Dedup    *dedup.Window
	Broker   *permission.Broker
	Session  SessionClient
	Launcher ChildLauncher
	Driver   ChildDriver
	Pulse    Pulser

	// Keystroke is optional: nil disables local-keystroke-driven R->L
	// switching (e.g. in tests, or when stdin isn't a terminal).
	Keystroke LocalKeystroke

	// AgentState is optional: nil skips the archive step on termination
	// (e.g. in tests with no remote state document to archive).
	AgentState AgentStateArchiver

	// InitialMode is the state the supervisor starts in. Defaults to
	// StateLocal if empty. Spec 3: "default remote for daemon-spawned,
	// otherwise local" — callers decide which by checking whether stdin
	// is a real terminal before constructing Deps.
	InitialMode State

	// InitialResumeID seeds the last-known transcript session id (e.g.
	// from durable store state on process restart), so the first local
	// turn can --resume instead of starting fresh.
	InitialResumeID string

	// Persist is optional: if set, called with the transcript session id
	// every time it changes, so invariant 7 (last-known TranscriptSession
	// id survives a process restart) is backed by durable storage rather
	// than just the in-memory field.
	Persist func(transcriptID string)

	Logger *slog.Logger
}

// Supervisor runs the local/remote mode state machine for one
// HappySession until kill is requested or the context is cancelled.
type Supervisor struct {
	deps Deps

	mu             sync.Mutex
	state          State
	lastTranscript string // last-known TranscriptSession id, per invariant 7

	turnCancel context.CancelFunc // cancels the in-flight turn only
	killCh     chan struct{}
	abortCh    chan struct{}
	switchCh   chan struct{}

	killOnce sync.Once
}

func New(deps Deps) *Supervisor {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.InitialMode == "" {
		deps.InitialMode = StateLocal
	}
	s := &Supervisor{
		deps:           deps,
		state:          deps.InitialMode,
		lastTranscript: deps.InitialResumeID,
		killCh:         make(chan struct{}),
		abortCh:        make(chan struct{}, 1),
		switchCh:       make(chan struct{}, 1),
	}
	deps.Queue.SetOnMessage(func(string, queue.ModeDescriptor) {
		if s.State() == StateLocal {
			s.requestSwitch()
		}
	})
	return s
}

// State returns the current supervisor state. Advisory for callers/tests.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RequestKill triggers the any-state -> S_TERMINATING transition. Safe
// to call more than once and from any goroutine; a kill preempts all
// other pending work per the ordering guarantees.
func (s *Supervisor) RequestKill() {
	s.killOnce.Do(func() { close(s.killCh) })
	s.mu.Lock()
	cancel := s.turnCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// RequestAbort cancels the current turn only, keeping the supervisor in
// whatever mode it is in (used by RPC `abort`).
func (s *Supervisor) RequestAbort() {
	select {
	case s.abortCh <- struct{}{}:
	default:
	}
	s.mu.Lock()
	cancel := s.turnCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// RequestLocalSwitch signals a remote -> local switch driven by a
// keystroke on the local terminal (component F's keystroke watcher) or
// an RPC `switch` call. In S_LOCAL the same signal ends the local turn
// and moves the supervisor to S_REMOTE, so the RPC `switch` toggles
// between the two modes.
func (s *Supervisor) RequestLocalSwitch() {
	s.requestSwitch()
}

// requestSwitch signals a mode switch; a remote message arriving while in
// S_LOCAL, an explicit RPC `switch` and a local keystroke all route
// through this.
func (s *Supervisor) requestSwitch() {
	select {
	case s.switchCh <- struct{}{}:
	default:
	}
	s.mu.Lock()
	cancel := s.turnCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run drives the state machine until S_TERMINATING is reached or ctx is
// cancelled. It also starts the three always-on tasks: this loop, the
// socket read/dispatch pump (remote.Client.Run), and the keep-alive
// heartbeat (remote.Pulse.Run) — all sharing one errgroup so any of
// their unrecoverable failures tears down the whole session.
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error { return s.deps.Session.Run(gctx) })
	if s.deps.Pulse != nil {
		g.Go(func() error { return s.deps.Pulse.Run(gctx) })
	}
	var loopErr error
	g.Go(func() error {
		loopErr = s.loop(gctx)
		stop() // S_TERMINATING reached: wind down the socket pump and heartbeat too
		return loopErr
	})

	// The other tasks return context.Canceled once the loop has stopped
	// them; that is the normal end of a session, not a failure.
	if err := g.Wait(); err != nil && (loopErr != nil || err != context.Canceled) {
		return err
	}
	return nil
}

func (s *Supervisor) loop(ctx context.Context) error {
	for {
		select {
		case <-s.killCh:
			return s.terminate(ctx, "kill requested")
		case <-ctx.Done():
			return s.terminate(ctx, "context cancelled")
		default:
		}

		s.mu.Lock()
		state := s.state
		s.mu.Unlock()

		switch state {
		case StateLocal:
			if err := s.localTurn(ctx); err != nil {
				return err
			}
		case StateRemote:
			if err := s.remoteTurn(ctx); err != nil {
				return err
			}
		case StateTerminating:
			return nil
		}
	}
}

// localTurn implements the local-mode procedure: watch the transcript,
// ship lines to the server as a passive observer (deduped), and launch
// the child with inherited streams. Any of {child exit, switch signal,
// kill} ends the turn.
func (s *Supervisor) localTurn(ctx context.Context) error {
	turnCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.turnCancel = cancel
	s.mu.Unlock()
	defer cancel()

	records := make(chan transcript.Record, 64)
	home, err := os.UserHomeDir()
	if err != nil {
		s.deps.Logger.Debug("supervisor: resolve home dir for transcript watcher", "error", err)
	}
	w := transcript.New(transcript.ProjectDir(home, s.deps.ProjectDir))
	go func() {
		if err := w.Run(turnCtx, records, func(f string, a ...any) { s.deps.Logger.Debug(f, a...) }); err != nil {
			s.deps.Logger.Debug("supervisor: transcript watcher stopped", "error", err)
		}
	}()

	go s.drainTranscript(turnCtx, records)

	s.deps.Launcher.SetAttentionHandler(func() {
		if err := s.deps.Session.PublishAssistantMessage(ctx, remote.MsgAttention, nil); err != nil {
			s.deps.Logger.Debug("supervisor: failed to publish attention event", "error", err)
		}
	})
	defer s.deps.Launcher.SetAttentionHandler(nil)

	resume := s.lastTranscriptID()
	exitCh := make(chan struct{})
	var exitErr error
	go func() {
		defer close(exitCh)
		_, _, err := s.deps.Launcher.Run(turnCtx, child.LocalConfig{
			Binary:     s.deps.Binary,
			ProjectDir: s.deps.ProjectDir,
			ResumeID:   resume,
		})
		exitErr = err
	}()

	select {
	case <-s.killCh:
		cancel()
		<-exitCh
		return s.terminate(ctx, "kill requested")
	case <-s.switchCh:
		cancel()
		<-exitCh
		return s.transitionToRemote(ctx)
	case <-exitCh:
		if id := w.SessionID(); id != "" {
			s.setLastTranscriptID(id)
		}
		select {
		case <-s.switchCh:
			return s.transitionToRemote(ctx)
		default:
		}
		if exitErr == nil {
			return s.terminate(ctx, "child exited normally")
		}
		s.deps.Logger.Warn("supervisor: local child exited with error", "error", exitErr)
		return s.terminate(ctx, "child exited with error")
	}
}

func (s *Supervisor) drainTranscript(ctx context.Context, records <-chan transcript.Record) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-records:
			if !ok {
				return
			}
			if text, isUser := userText(rec.Raw); isUser && s.deps.Dedup.Consume(text) {
				continue // echo of a remote-delivered message, not genuinely new
			}
			if err := s.deps.Session.PublishAssistantMessage(ctx, remote.MsgOutputPassiveObserver, rec.Raw); err != nil {
				s.deps.Logger.Debug("supervisor: publish transcript line failed", "error", err)
			}
		}
	}
}

// userText extracts the plain user-turn text from a transcript line, if
// it is one, matching the shape the remote child driver itself writes
// to the child's stdin (child.encodeUserMessage): {"type":"user",
// "message":{"role":"user","content":"..."}}. Only user-turn lines are
// candidates for scanner dedup (component J) — assistant/tool/status
// lines never echo a remote-delivered prompt.
func userText(raw json.RawMessage) (text string, isUser bool) {
	var rec struct {
		Type    string `json:"type"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return "", false
	}
	if rec.Type != "user" || rec.Message.Role != "user" {
		return "", false
	}
	return rec.Message.Content, true
}

func (s *Supervisor) transitionToRemote(ctx context.Context) error {
	s.mu.Lock()
	s.state = StateRemote
	s.mu.Unlock()
	if err := s.deps.Session.PublishSessionEvent(ctx, remote.EventSwitch, nil); err != nil {
		s.deps.Logger.Debug("supervisor: publish switch event failed", "error", err)
	}
	return nil
}

func (s *Supervisor) transitionToLocal(ctx context.Context) error {
	s.deps.Queue.Reset()
	s.mu.Lock()
	s.state = StateLocal
	s.mu.Unlock()
	if err := s.deps.Session.PublishSessionEvent(ctx, remote.EventSwitch, nil); err != nil {
		s.deps.Logger.Debug("supervisor: publish switch event failed", "error", err)
	}
	return nil
}

// remoteTurn implements the remote-mode procedure: pull a batch, run a
// one-shot child-driver invocation, route tool calls through the
// permission broker, and watch for a break signal between batches.
func (s *Supervisor) remoteTurn(ctx context.Context) error {
	if s.deps.Keystroke != nil {
		keyCtx, stopKeys := context.WithCancel(ctx)
		defer stopKeys()
		go func() {
			if err := s.deps.Keystroke.Run(keyCtx); err != nil && keyCtx.Err() == nil {
				s.deps.Logger.Debug("supervisor: keystroke watcher stopped", "error", err)
			}
		}()
	}

	for {
		// The queue wait is bound to its own token, registered before the
		// signal check below, so a switch or kill arriving while the queue
		// is empty wakes it instead of leaving it blocked.
		waitCtx, cancelWait := context.WithCancel(ctx)
		s.mu.Lock()
		s.turnCancel = cancelWait
		s.mu.Unlock()

		select {
		case <-s.killCh:
			cancelWait()
			s.deps.Broker.Reset()
			return s.terminate(ctx, "kill requested")
		case <-s.switchCh:
			cancelWait()
			s.deps.Broker.SwitchToLocal()
			return s.transitionToLocal(ctx)
		default:
		}

		batch, mode, ok := s.deps.Queue.WaitForMessagesAsString(waitCtx)
		cancelWait()
		if !ok {
			if ctx.Err() != nil {
				return s.terminate(ctx, "queue wait cancelled")
			}
			continue
		}
		s.deps.Dedup.Remember(batch)

		turnCtx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.turnCancel = cancel
		s.mu.Unlock()

		records := make(chan child.Record, 64)
		go func() {
			for rec := range records {
				if err := s.forwardRecord(turnCtx, rec); err != nil {
					s.deps.Logger.Debug("supervisor: forward record failed", "error", err)
				}
			}
		}()

		resume := s.lastTranscriptID()
		sessionID, err := s.deps.Driver.Invoke(turnCtx, child.DriverConfig{
			Binary:      s.deps.Binary,
			WorkDir:     s.deps.ProjectDir,
			ResumeID:    resume,
			Mode:        mode,
			Permissions: s.deps.Broker,
		}, batch, records)
		close(records)
		cancel()

		if sessionID != "" {
			s.setLastTranscriptID(sessionID)
		}
		if err != nil {
			s.deps.Logger.Warn("supervisor: remote turn invocation error", "error", err)
		}

		select {
		case <-s.abortCh:
			if err := s.deps.Session.PublishAssistantMessage(ctx, remote.MsgTurnAborted, nil); err != nil {
				s.deps.Logger.Debug("supervisor: publish turn_aborted failed", "error", err)
			}
		default:
		}

		if err := s.deps.Session.PublishSessionEvent(ctx, remote.EventReady, nil); err != nil {
			s.deps.Logger.Debug("supervisor: publish ready event failed", "error", err)
		}

		select {
		case <-s.killCh:
			s.deps.Broker.Reset()
			return s.terminate(ctx, "kill requested")
		case <-s.switchCh:
			s.deps.Broker.SwitchToLocal()
			return s.transitionToLocal(ctx)
		default:
		}
	}
}

// forwardRecord publishes a classified child record as an assistant
// message. Permission requests are handled separately by the broker's
// own notifier wiring, not forwarded here.
func (s *Supervisor) forwardRecord(ctx context.Context, rec child.Record) error {
	kind := remote.MsgOutput
	switch rec.Kind {
	case child.RecordThinking:
		kind = remote.MsgThinking
	case child.RecordToolCall:
		kind = remote.MsgToolCall
	case child.RecordToolResult:
		kind = remote.MsgToolCallResult
	case child.RecordTaskStarted:
		kind = remote.MsgTaskStarted
	case child.RecordTaskComplete:
		kind = remote.MsgTaskComplete
	case child.RecordTurnAborted:
		kind = remote.MsgTurnAborted
	case child.RecordMessage:
		kind = remote.MsgMessage
	case child.RecordPermissionRequest:
		return nil
	}
	return s.deps.Session.PublishAssistantMessage(ctx, kind, rec.Raw)
}

func (s *Supervisor) terminate(ctx context.Context, reason string) error {
	s.mu.Lock()
	s.state = StateTerminating
	s.mu.Unlock()
	s.deps.Logger.Info("supervisor: terminating", "reason", reason)
	if s.deps.AgentState != nil {
		s.deps.AgentState.Archive()
	}
	if err := s.deps.Session.PublishSessionEvent(context.Background(), remote.EventDeath, nil); err != nil {
		s.deps.Logger.Debug("supervisor: publish death event failed", "error", err)
	}
	return nil
}

func (s *Supervisor) lastTranscriptID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTranscript
}

func (s *Supervisor) setLastTranscriptID(id string) {
	s.mu.Lock()
	s.lastTranscript = id
	s.mu.Unlock()
	if s.deps.Persist != nil {
		s.deps.Persist(id)
	}
}
