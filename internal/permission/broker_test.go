package permission

import (
	"sync"
	"testing"
	"time"
)

type fakeState struct {
	mu         sync.Mutex
	pending    []Request
	completed  map[string]Status
	completedR map[string]string
}

func newFakeState() *fakeState {
	return &fakeState{completed: map[string]Status{}, completedR: map[string]string{}}
}

func (f *fakeState) AddPendingRequest(req Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, req)
}

func (f *fakeState) CompleteRequest(id string, status Status, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[id] = status
	f.completedR[id] = reason
}

type fakeNotifier struct {
	mu    sync.Mutex
	count int
}

func (n *fakeNotifier) NotifyPermissionRequested(req Request) error {
	n.mu.Lock()
	n.count++
	n.mu.Unlock()
	return nil
}

func TestRequestResolvesOnReply(t *testing.T) {
	state := newFakeState()
	notifier := &fakeNotifier{}
	b := New(state, notifier, nil)

	var outcome Outcome
	var reqID string
	done := make(chan struct{})
	go func() {
		defer close(done)
		// Capture the id the broker assigned via the fake state's record.
		o, _ := b.Request("bash", map[string]any{"cmd": "ls"})
		outcome = o
	}()

	// Wait for the request to register, then reply.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		state.mu.Lock()
		if len(state.pending) > 0 {
			reqID = state.pending[0].ID
			state.mu.Unlock()
			break
		}
		state.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	if reqID == "" {
		t.Fatal("request never registered")
	}

	b.Reply(reqID, true, "")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Request never returned")
	}

	if !outcome.Approved {
		t.Fatal("expected approved outcome")
	}
	if notifier.count != 1 {
		t.Fatalf("expected one notification, got %d", notifier.count)
	}
	if state.completed[reqID] != StatusApproved {
		t.Fatalf("expected StatusApproved in agent-state, got %v", state.completed[reqID])
	}
}

func TestDuplicateReplyIsDiscarded(t *testing.T) {
	state := newFakeState()
	b := New(state, &fakeNotifier{}, nil)

	done := make(chan Outcome, 1)
	go func() {
		o, _ := b.Request("bash", nil)
		done <- o
	}()

	var id string
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		state.mu.Lock()
		if len(state.pending) > 0 {
			id = state.pending[0].ID
		}
		state.mu.Unlock()
		if id != "" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	b.Reply(id, true, "")
	<-done

	// Second reply for the same (now-completed) id must be a no-op: it
	// must not panic, block, or alter the already-recorded status.
	b.Reply(id, false, "late")
	if state.completed[id] != StatusApproved {
		t.Fatalf("duplicate reply must not overwrite prior status, got %v", state.completed[id])
	}
}

func TestSwitchToLocalCancelsAllOutstanding(t *testing.T) {
	state := newFakeState()
	b := New(state, &fakeNotifier{}, nil)

	results := make(chan Outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			o, _ := b.Request("bash", nil)
			results <- o
		}()
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		state.mu.Lock()
		n := len(state.pending)
		state.mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	b.SwitchToLocal()

	for i := 0; i < 2; i++ {
		select {
		case o := <-results:
			if o.Approved {
				t.Fatal("switch to local must deny outstanding requests")
			}
			if o.Reason != "session switched to local mode" {
				t.Fatalf("unexpected reason: %q", o.Reason)
			}
		case <-time.After(time.Second):
			t.Fatal("outstanding request was never resolved")
		}
	}

	for _, status := range state.completed {
		if status != StatusCanceled {
			t.Fatalf("expected StatusCanceled, got %v", status)
		}
	}
}

func TestResetMarksAbort(t *testing.T) {
	state := newFakeState()
	b := New(state, &fakeNotifier{}, nil)

	done := make(chan Outcome, 1)
	go func() {
		o, _ := b.Request("bash", nil)
		done <- o
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		state.mu.Lock()
		n := len(state.pending)
		state.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	b.Reset()
	<-done

	for _, status := range state.completed {
		if status != StatusAbort {
			t.Fatalf("expected StatusAbort, got %v", status)
		}
	}
}

func TestExpireAllMarksExpired(t *testing.T) {
	state := newFakeState()
	b := New(state, &fakeNotifier{}, nil)

	done := make(chan Outcome, 1)
	go func() {
		o, _ := b.Request("bash", nil)
		done <- o
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		state.mu.Lock()
		n := len(state.pending)
		state.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	b.ExpireAll("disconnected from server")
	o := <-done
	if o.Approved {
		t.Fatal("expired outcome must not be approved")
	}

	for _, status := range state.completed {
		if status != StatusExpired {
			t.Fatalf("expected StatusExpired, got %v", status)
		}
	}
}
