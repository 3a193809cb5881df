// Command happy wraps a local coding-assistant child process, handing
// control between the local terminal and a remote mobile client inside
// one logical session (the supervisor, component H).
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/slopus/happy-cli/internal/child"
	"github.com/slopus/happy-cli/internal/config"
	"github.com/slopus/happy-cli/internal/crypto"
	"github.com/slopus/happy-cli/internal/daemon"
	"github.com/slopus/happy-cli/internal/dedup"
	"github.com/slopus/happy-cli/internal/permission"
	"github.com/slopus/happy-cli/internal/queue"
	"github.com/slopus/happy-cli/internal/remote"
	"github.com/slopus/happy-cli/internal/store"
	"github.com/slopus/happy-cli/internal/supervisor"
)

// newInterruptContext cancels on SIGINT/SIGTERM, driving the graceful
// shutdown procedure in spec 6.4: the supervisor sees ctx.Done(), cancels
// the in-flight turn, emits session-death, flushes, and exits 0.
func newInterruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	var binary, resumeID string

	root := &cobra.Command{
		Use:   "happy",
		Short: "happy — run a coding assistant locally or from your phone",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), binary, resumeID)
		},
	}
	root.Flags().StringVar(&binary, "binary", envOr("HAPPY_CHILD_BINARY", "claude"), "coding-assistant binary to wrap")
	root.Flags().StringVar(&resumeID, "resume", "", "transcript session id to resume on first local turn")

	root.AddCommand(
		stubCommand("onboard", "interactive QR-code pairing"),
		stubCommand("doctor", "diagnose a broken install"),
		stubCommand("export", "export a session transcript"),
	)

	ctx, stop := newInterruptContext()
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "happy:", err)
		os.Exit(1)
	}
}

// stubCommand represents CLI surface explicitly out of scope for this
// build (spec line 12: onboarding UI, doctor/export are external
// collaborators) — present so cobra's subcommand surface is exercised
// the way the teacher exercises it, without pretending to implement
// functionality this build doesn't have.
func stubCommand(use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: not implemented in this build\n", use)
			return nil
		},
	}
}

func run(ctx context.Context, binary, resumeID string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	homeDir, err := config.HomeDir()
	if err != nil {
		return fmt.Errorf("resolve home dir: %w", err)
	}
	projectDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	creds, codec, err := loadOrProvisionCredentials(homeDir)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}

	st, err := store.Open(filepath.Join(homeDir, "happy.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	machineID, err := st.EnsureMachineID(uuid.NewString)
	if err != nil {
		return fmt.Errorf("ensure machine id: %w", err)
	}
	tag := config.ProjectSlug(projectDir)
	session, err := st.GetOrCreateSession(tag, machineID)
	if err != nil {
		return fmt.Errorf("get or create session: %w", err)
	}
	if resumeID != "" {
		session.LastTranscriptID = resumeID
	}
	logger.Info("happy: starting session", "tag", tag, "local_tty", isLocalTTY(), "resume", session.LastTranscriptID)

	serverURL := envOr("HAPPY_SERVER_URL", "wss://api.happy.engineering/session")
	client := remote.New(serverURL, creds.Token, "happy-cli", session.ID, remote.ScopeSession, codec, logger)

	agentState := remote.NewAgentStateStore(client, logger)
	broker := permission.New(agentState, agentState, logger)

	// A permission request with no remote reply forthcoming must not
	// block a tool call forever: expire everything outstanding once the
	// connection has been down long enough that a reply is no longer
	// expected (invariant 6's disconnect-timeout outcome).
	const permissionDisconnectTimeout = 30 * time.Second
	var expireMu sync.Mutex
	var expireTimer *time.Timer
	client.OnStateChange = func(connected bool, err error) {
		expireMu.Lock()
		defer expireMu.Unlock()
		if connected {
			if expireTimer != nil {
				expireTimer.Stop()
				expireTimer = nil
			}
			return
		}
		if expireTimer == nil {
			expireTimer = time.AfterFunc(permissionDisconnectTimeout, func() {
				broker.ExpireAll("disconnected from server")
			})
		}
	}

	pulse := remote.NewPulse(2*time.Second, func(ctx context.Context) error {
		return client.PublishSessionEvent(ctx, remote.EventReady, nil)
	}, logger)

	notifier := daemon.New(envOr("HAPPY_DAEMON_URL", ""), logger)
	notifier.SessionStarted(ctx, session.ID, map[string]string{
		"projectDir": projectDir,
		"machineId":  machineID,
	})
	defer notifier.SessionEnded(context.Background(), session.ID)

	q := queue.New()
	launcher := child.NewLauncher(logger)
	driver := child.NewDriver(logger)

	keystroke := child.NewKeystrokeWatcher(nil, logger) // OnKey wired below, after the supervisor exists

	initialMode := supervisor.StateLocal
	if !isLocalTTY() {
		initialMode = supervisor.StateRemote
	}

	sup := supervisor.New(supervisor.Deps{
		Binary:          binary,
		ProjectDir:      projectDir,
		Queue:           q,
		Dedup:           dedup.New(),
		Broker:          broker,
		Session:         client,
		Launcher:        launcher,
		Driver:          driverWithPermissions(driver, broker),
		Pulse:           pulse,
		Keystroke:       keystroke,
		AgentState:      agentState,
		InitialMode:     initialMode,
		InitialResumeID: session.LastTranscriptID,
		Persist: func(transcriptID string) {
			if err := st.SetLastTranscriptID(session.ID, transcriptID); err != nil {
				logger.Warn("happy: persist last transcript id failed", "error", err)
			}
		},
		Logger: logger,
	})
	keystroke.OnKey = sup.RequestLocalSwitch

	client.RegisterRPC("switch", func(ctx context.Context, params []byte) ([]byte, error) {
		sup.RequestLocalSwitch()
		return nil, nil
	})
	client.RegisterRPC("abort", func(ctx context.Context, params []byte) ([]byte, error) {
		sup.RequestAbort()
		return nil, nil
	})
	client.RegisterRPC("kill", func(ctx context.Context, params []byte) ([]byte, error) {
		sup.RequestKill()
		return nil, nil
	})
	client.RegisterRPC("permission", func(ctx context.Context, params []byte) ([]byte, error) {
		var reply struct {
			ID       string `json:"id"`
			Approved bool   `json:"approved"`
			Reason   string `json:"reason"`
		}
		if err := json.Unmarshal(params, &reply); err != nil {
			return nil, fmt.Errorf("decode permission reply: %w", err)
		}
		broker.Reply(reply.ID, reply.Approved, reply.Reason)
		return nil, nil
	})

	return sup.Run(ctx)
}

// driverWithPermissions adapts *child.Driver + *permission.Broker to
// supervisor.ChildDriver, threading the broker through DriverConfig on
// every invocation so a control_request always has somewhere to go.
type driverAdapter struct {
	driver *child.Driver
	broker *permission.Broker
}

func driverWithPermissions(d *child.Driver, b *permission.Broker) *driverAdapter {
	return &driverAdapter{driver: d, broker: b}
}

func (a *driverAdapter) Invoke(ctx context.Context, cfg child.DriverConfig, prompt string, out chan<- child.Record) (string, error) {
	cfg.Permissions = a.broker
	return a.driver.Invoke(ctx, cfg, prompt, out)
}

// loadOrProvisionCredentials picks the crypto profile per the
// Credentials shape (legacy shared secret vs. asymmetric data-key) and
// provisions a fresh legacy secret on first run, mirroring the
// teacher's generate-on-first-use discipline for its own key material.
func loadOrProvisionCredentials(homeDir string) (config.Credentials, remote.Codec, error) {
	creds, err := config.LoadCredentials(homeDir)
	if err != nil && !os.IsNotExist(err) {
		return config.Credentials{}, nil, err
	}
	if os.IsNotExist(err) {
		creds, err = config.ProvisionLegacySecret(homeDir)
		if err != nil {
			return config.Credentials{}, nil, err
		}
	}

	if creds.Encryption != nil {
		seed, err := crypto.EnsureMasterSeed(homeDir)
		if err != nil {
			return config.Credentials{}, nil, err
		}
		pair, err := crypto.KeyPairFromSeed(seed)
		if err != nil {
			return config.Credentials{}, nil, err
		}
		return creds, crypto.NewDataKeyCodec(pair), nil
	}

	secret, err := base64.StdEncoding.DecodeString(creds.Secret)
	if err != nil {
		return config.Credentials{}, nil, fmt.Errorf("decode legacy secret: %w", err)
	}
	codec, err := crypto.NewLegacyCodec(secret)
	if err != nil {
		return config.Credentials{}, nil, err
	}
	return creds, codec, nil
}

// isLocalTTY reports whether this process was started attached to a
// real terminal, as opposed to spawned headless by a surrounding
// daemon. Drives the supervisor's initial mode per spec 3: local when
// attached to a terminal, remote otherwise (a daemon-spawned process
// has no PTY to hand the child).
func isLocalTTY() bool {
	return isatty.IsTerminal(os.Stdin.Fd()) && isatty.IsTerminal(os.Stdout.Fd())
}
