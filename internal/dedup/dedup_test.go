package dedup

import "testing"

func TestConsumeMatchesRememberedText(t *testing.T) {
	w := New()
	w.Remember("hello world")

	if !w.Consume("hello world") {
		t.Fatal("expected a match for remembered text")
	}
	if w.Consume("hello world") {
		t.Fatal("entry must be consumed only once")
	}
}

func TestConsumeTrimsWhitespaceOnly(t *testing.T) {
	w := New()
	w.Remember("  hello world  \n")

	if !w.Consume("hello world") {
		t.Fatal("trivial whitespace difference should still match")
	}
}

func TestConsumeNoMatchReturnsFalse(t *testing.T) {
	w := New()
	w.Remember("foo")
	if w.Consume("bar") {
		t.Fatal("unrelated text must not match")
	}
}

func TestWindowBoundedCapacity(t *testing.T) {
	w := New()
	for i := 0; i < capacity+10; i++ {
		w.Remember(string(rune('a' + i%26)))
	}
	if w.entries.Len() > capacity {
		t.Fatalf("window exceeded capacity: %d > %d", w.entries.Len(), capacity)
	}
}

func TestConsumeOnlyRemovesFirstMatch(t *testing.T) {
	w := New()
	w.Remember("dup")
	w.Remember("dup")

	if !w.Consume("dup") {
		t.Fatal("expected first match to consume")
	}
	if !w.Consume("dup") {
		t.Fatal("second identical remembered entry should still be available")
	}
	if w.Consume("dup") {
		t.Fatal("both entries should now be consumed")
	}
}
