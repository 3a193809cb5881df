package child

import "bytes"

// maxReplaySize bounds the in-memory terminal snapshot: the spec caps it
// at 100KB, trimmed back to 50KB once exceeded.
const (
	maxReplaySize = 100 * 1024
	trimTarget    = 50 * 1024
)

// safe cut-point markers, searched for when trimming so a truncated
// buffer never starts mid-escape-sequence.
var (
	syncEnd   = []byte("\x1b[?2026l")
	eraseLine = []byte("\x1b[2K\x1b[G")
)

// TerminalSnapshot is the bounded replay buffer of local-child-screen
// output kept for the benefit of a remote observer reattaching mid-turn.
// Not safe for concurrent use; callers serialize access.
type TerminalSnapshot struct {
	buf []byte

	// OnAttention, if set, is called when two consecutive writes each
	// contain a BEL byte (0x07). A single BEL is usually just an OSC
	// terminator; repeated BELs across writes mean the child is
	// persistently pinging for the user's attention.
	OnAttention func()
	lastHadBell bool
}

// Write appends p, trimming from the front at a safe cut point once the
// buffer exceeds maxReplaySize so only the last trimTarget-ish bytes
// survive.
func (s *TerminalSnapshot) Write(p []byte) {
	s.checkBell(p)

	s.buf = append(s.buf, p...)
	if len(s.buf) <= maxReplaySize {
		return
	}
	excess := len(s.buf) - trimTarget
	cut := findSafeCut(s.buf, excess)
	s.buf = s.buf[cut:]
}

func (s *TerminalSnapshot) checkBell(p []byte) {
	if hasBell(p) {
		if s.lastHadBell && s.OnAttention != nil {
			s.OnAttention()
		}
		s.lastHadBell = true
	} else {
		s.lastHadBell = false
	}
}

// hasBell returns true if data contains any BEL character (0x07). Does
// not try to distinguish OSC terminators from a real bell; the
// repeated-write heuristic in checkBell handles that distinction.
func hasBell(data []byte) bool {
	return bytes.IndexByte(data, 0x07) >= 0
}

// Bytes returns the current snapshot contents. The returned slice
// aliases internal state and must not be retained past the next Write.
func (s *TerminalSnapshot) Bytes() []byte {
	return s.buf
}

// findSafeCut returns the first cut point at or after minOffset that
// lands after a known terminal-mode boundary, falling back to the
// nearest line break, and finally to minOffset itself.
func findSafeCut(buf []byte, minOffset int) int {
	searchEnd := minOffset + 64*1024
	if searchEnd > len(buf) {
		searchEnd = len(buf)
	}
	if minOffset >= searchEnd {
		return minOffset
	}
	window := buf[minOffset:searchEnd]

	if idx := bytes.Index(window, syncEnd); idx >= 0 {
		return minOffset + idx + len(syncEnd)
	}
	if idx := bytes.Index(window, eraseLine); idx >= 0 {
		return minOffset + idx
	}
	if idx := bytes.Index(window, []byte("\r\n")); idx >= 0 {
		return minOffset + idx + 2
	}
	return minOffset
}
