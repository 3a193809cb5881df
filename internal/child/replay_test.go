package child

import (
	"bytes"
	"testing"
)

func TestTerminalSnapshotUnderBudgetKeepsEverything(t *testing.T) {
	var s TerminalSnapshot
	s.Write([]byte("hello"))
	s.Write([]byte(" world"))
	if string(s.Bytes()) != "hello world" {
		t.Fatalf("got %q", s.Bytes())
	}
}

func TestTerminalSnapshotTrimsAtSafeCut(t *testing.T) {
	var s TerminalSnapshot
	filler := make([]byte, maxReplaySize)
	for i := range filler {
		filler[i] = 'x'
	}
	s.Write(filler)
	s.Write([]byte("\r\nafter-crlf"))

	if len(s.Bytes()) >= maxReplaySize+20 {
		t.Fatalf("expected trim to have occurred, buffer is %d bytes", len(s.Bytes()))
	}
	if len(s.Bytes()) == 0 {
		t.Fatal("trim must not discard everything")
	}
}

func TestTerminalSnapshotFiresOnAttentionOnRepeatedBell(t *testing.T) {
	var fired int
	s := TerminalSnapshot{OnAttention: func() { fired++ }}

	s.Write([]byte("\x07"))
	if fired != 0 {
		t.Fatalf("single bell must not fire attention, got %d", fired)
	}
	s.Write([]byte("\x07"))
	if fired != 1 {
		t.Fatalf("two consecutive bell writes should fire attention once, got %d", fired)
	}
	s.Write([]byte("quiet"))
	s.Write([]byte("\x07"))
	if fired != 1 {
		t.Fatalf("a non-bell write should reset the debounce, got %d fires", fired)
	}
}

func TestFindSafeCutPrefersSyncEndMarker(t *testing.T) {
	buf := append([]byte{}, bytes.Repeat([]byte{'a'}, 100)...)
	buf = append(buf, syncEnd...)
	buf = append(buf, bytes.Repeat([]byte{'b'}, 100)...)

	cut := findSafeCut(buf, 50)
	if cut != 100+len(syncEnd) {
		t.Fatalf("got cut=%d want %d", cut, 100+len(syncEnd))
	}
}
