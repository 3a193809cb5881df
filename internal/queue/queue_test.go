package queue

import (
	"context"
	"testing"
	"time"
)

func TestPushThenWaitReturnsImmediately(t *testing.T) {
	q := New()
	q.Push("hello", ModeDescriptor{PermissionMode: "default", Model: "opus"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	batch, _, ok := q.WaitForMessagesAsString(ctx)
	if !ok {
		t.Fatal("expected a batch")
	}
	if batch != "hello" {
		t.Fatalf("got %q want %q", batch, "hello")
	}
}

func TestBatchCutsAtFingerprintChange(t *testing.T) {
	q := New()
	modeA := ModeDescriptor{PermissionMode: "default", Model: "opus"}
	modeB := ModeDescriptor{PermissionMode: "plan", Model: "opus"}

	q.Push("a1", modeA)
	q.Push("a2", modeA)
	q.Push("b1", modeB)
	q.Push("a3", modeA)

	ctx := context.Background()

	batch, mode, ok := q.WaitForMessagesAsString(ctx)
	if !ok || batch != "a1a2" || mode != modeA {
		t.Fatalf("first batch = %q mode=%v ok=%v, want a1a2/modeA", batch, mode, ok)
	}

	batch, mode, ok = q.WaitForMessagesAsString(ctx)
	if !ok || batch != "b1" || mode != modeB {
		t.Fatalf("second batch = %q mode=%v ok=%v, want b1/modeB", batch, mode, ok)
	}

	batch, mode, ok = q.WaitForMessagesAsString(ctx)
	if !ok || batch != "a3" || mode != modeA {
		t.Fatalf("third batch = %q mode=%v ok=%v, want a3/modeA", batch, mode, ok)
	}
}

func TestWaitBlocksUntilPush(t *testing.T) {
	q := New()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan string, 1)
	go func() {
		batch, _, ok := q.WaitForMessagesAsString(ctx)
		if !ok {
			done <- "<cancelled>"
			return
		}
		done <- batch
	}()

	time.Sleep(50 * time.Millisecond)
	q.Push("late", ModeDescriptor{PermissionMode: "default"})

	select {
	case got := <-done:
		if got != "late" {
			t.Fatalf("got %q want %q", got, "late")
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForMessagesAsString never returned")
	}
}

func TestWaitReturnsFalseOnCancel(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, ok := q.WaitForMessagesAsString(ctx)
	if ok {
		t.Fatal("expected ok=false after context cancellation")
	}
}

func TestReset(t *testing.T) {
	q := New()
	q.Push("x", ModeDescriptor{})
	q.Push("y", ModeDescriptor{})
	q.Reset()
	if q.Size() != 0 {
		t.Fatalf("expected empty queue after Reset, got size %d", q.Size())
	}
}

func TestOnMessageFiresSynchronouslyOnPush(t *testing.T) {
	q := New()
	var gotText string
	var calls int
	q.SetOnMessage(func(text string, mode ModeDescriptor) {
		calls++
		gotText = text
	})

	q.Push("ping", ModeDescriptor{PermissionMode: "default"})
	if calls != 1 {
		t.Fatalf("expected onMessage called once, got %d", calls)
	}
	if gotText != "ping" {
		t.Fatalf("got %q want %q", gotText, "ping")
	}
}

func TestFingerprintStableForSameDescriptor(t *testing.T) {
	a := ModeDescriptor{PermissionMode: "default", Model: "opus"}
	b := ModeDescriptor{PermissionMode: "default", Model: "opus"}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical descriptors must produce identical fingerprints")
	}

	c := ModeDescriptor{PermissionMode: "plan", Model: "opus"}
	if a.Fingerprint() == c.Fingerprint() {
		t.Fatal("different permission modes must produce different fingerprints")
	}
}
