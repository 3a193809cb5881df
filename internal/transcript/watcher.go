// Package transcript discovers and tails the newline-delimited-JSON
// conversation log the child coding assistant writes to disk (component
// C). It runs in two phases: discovery of the file the child just
// created for this run, then tailing that single file by byte offset
// until cancelled.
package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Record is one parsed line of the child's transcript file. Fields beyond
// the session id are passed through as raw JSON — the watcher doesn't need
// to understand the child's full message schema, only to locate the
// session id and hand the rest downstream.
type Record struct {
	Raw       json.RawMessage
	SessionID string
}

// partialRecord is just enough of the child's JSONL schema to recover a
// session id without committing to its full shape.
type partialRecord struct {
	SessionID string `json:"sessionId"`
}

// ProjectDir returns the per-project transcript directory: the operating
// system's user home joined with a well-known subpath, joined with the
// project slug (the absolute working directory with path separators and
// dots replaced by dashes, mirroring the child's own on-disk convention).
func ProjectDir(home, projectPath string) string {
	slug := slugify(projectPath)
	return filepath.Join(home, ".happy", "projects", slug)
}

func slugify(path string) string {
	replacer := strings.NewReplacer(string(filepath.Separator), "-", ".", "-")
	return replacer.Replace(path)
}

// pollInterval bounds discovery/tail latency when fsnotify delivers no
// event (e.g. network filesystems); spec requires only "bounded latency
// (≤ 1s typical)".
const pollInterval = 250 * time.Millisecond

// Watcher tails a single project's transcript directory. Zero value is
// not usable; construct with New.
type Watcher struct {
	dir       string
	sessionID string
	path      string
	offset    int64
}

func New(dir string) *Watcher {
	return &Watcher{dir: dir}
}

// SessionID returns the TranscriptSession id discovered so far, or "" if
// discovery hasn't completed.
func (w *Watcher) SessionID() string {
	return w.sessionID
}

// Run discovers the transcript file created after discovery starts (if
// SessionID is unset; see discover) and then tails it, sending each decoded record on out until ctx
// is cancelled. Parse errors on a line are logged and skipped — the line
// is treated as consumed, never retried. A non-existent directory or file
// is not an error; Run waits for it to appear.
func (w *Watcher) Run(ctx context.Context, out chan<- Record, logf func(format string, args ...any)) error {
	if logf == nil {
		logf = func(string, ...any) {}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	defer fsw.Close()

	if err := os.MkdirAll(w.dir, 0755); err == nil {
		_ = fsw.Add(w.dir)
	}

	if w.sessionID == "" {
		if err := w.discover(ctx, fsw, logf); err != nil {
			return err
		}
	}

	return w.tail(ctx, fsw, out, logf)
}

// discover watches the project directory for the first *.jsonl file to
// appear after discover starts and treats it as ours. Files already
// present in the directory at this point belong to an earlier turn
// (e.g. the just-exited child's previous conversation) and are never
// candidates — otherwise a freshly re-spawned child's new transcript
// would lose the race against its own predecessor's still-newer mtime.
func (w *Watcher) discover(ctx context.Context, fsw *fsnotify.Watcher, logf func(string, ...any)) error {
	before, err := listTranscripts(w.dir)
	if err != nil {
		before = nil
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if id, path, found := findUnseenTranscript(w.dir, before); found {
			w.sessionID = id
			w.path = path
			logf("transcript: discovered session %s at %s", id, path)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-fsw.Events:
		case <-ticker.C:
		}
	}
}

// listTranscripts returns the set of *.jsonl file names currently in
// dir, used by discover to exclude pre-existing files from candidacy.
func listTranscripts(dir string) (map[string]bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".jsonl") {
			seen[e.Name()] = true
		}
	}
	return seen, nil
}

// findUnseenTranscript returns the id/path of the most recently
// modified *.jsonl file in dir that wasn't already present in seen, if
// any.
func findUnseenTranscript(dir string, seen map[string]bool) (id, path string, found bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", "", false
	}
	var newestMod time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") || seen[e.Name()] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !found || info.ModTime().After(newestMod) {
			found = true
			newestMod = info.ModTime()
			id = strings.TrimSuffix(e.Name(), ".jsonl")
			path = filepath.Join(dir, e.Name())
		}
	}
	return id, path, found
}

// tail polls-or-subscribes to changes on the single known file, decoding
// each new appended line. A byte offset cursor ensures no line is emitted
// twice across file-system events. Truncation or replacement resets the
// cursor to zero.
func (w *Watcher) tail(ctx context.Context, fsw *fsnotify.Watcher, out chan<- Record, logf func(string, ...any)) error {
	if err := fsw.Add(w.path); err != nil {
		logf("transcript: watch %s: %v (falling back to polling)", w.path, err)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if err := w.readNewLines(out, logf); err != nil {
			logf("transcript: read error: %v", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-fsw.Events:
		case <-ticker.C:
		}
	}
}

func (w *Watcher) readNewLines(out chan<- Record, logf func(string, ...any)) error {
	f, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // waits for recreation on the next tick
		}
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() < w.offset {
		// Truncated or replaced — reset and re-read from the start.
		w.offset = 0
	}

	if _, err := f.Seek(w.offset, 0); err != nil {
		return err
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var consumed int64
	for scanner.Scan() {
		line := scanner.Bytes()
		consumed += int64(len(line)) + 1 // + newline
		if len(line) == 0 {
			continue
		}
		var partial partialRecord
		if err := json.Unmarshal(line, &partial); err != nil {
			logf("transcript: skipping unparseable line: %v", err)
			continue
		}
		rec := Record{
			Raw:       append(json.RawMessage(nil), line...),
			SessionID: partial.SessionID,
		}
		select {
		case out <- rec:
		default:
			// Slow consumer: drop rather than block the tail loop past
			// the cancellation token — correctness property 10 requires
			// a bounded-time clean termination, not delivery guarantees
			// on a stalled reader.
		}
	}
	w.offset += consumed
	return scanner.Err()
}
