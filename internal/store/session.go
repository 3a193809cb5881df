package store

import (
	"database/sql"
	"fmt"
)

// Session is the durable row backing one HappySession: identity, the
// tag it was created with, and the last-known TranscriptSession id
// (invariant 7), memoized so it survives a process restart.
type Session struct {
	ID               string
	Tag              string
	LastTranscriptID string
	MachineID        string
}

// GetOrCreateSession implements the `getOrCreateSession(tag)` lookup:
// the first session row with a matching tag is reused; otherwise a new
// row is created with id equal to tag (callers are expected to pass an
// already-unique tag, e.g. a UUID).
func (s *Store) GetOrCreateSession(tag, machineID string) (Session, error) {
	var sess Session
	var lastTranscriptID sql.NullString
	err := s.db.QueryRow(`SELECT id, tag, last_transcript_id, machine_id FROM sessions WHERE tag = ?`, tag).
		Scan(&sess.ID, &sess.Tag, &lastTranscriptID, &sess.MachineID)
	if err == nil {
		sess.LastTranscriptID = lastTranscriptID.String
		return sess, nil
	}
	if err != sql.ErrNoRows {
		return Session{}, fmt.Errorf("lookup session: %w", err)
	}

	if _, err := s.db.Exec(`INSERT INTO sessions (id, tag, machine_id) VALUES (?, ?, ?)`, tag, tag, machineID); err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return Session{ID: tag, Tag: tag, MachineID: machineID}, nil
}

// SetLastTranscriptID persists the last-observed TranscriptSession id so
// the next child invocation can pass it as --resume even across a
// process restart.
func (s *Store) SetLastTranscriptID(sessionID, transcriptID string) error {
	_, err := s.db.Exec(`UPDATE sessions SET last_transcript_id = ? WHERE id = ?`, transcriptID, sessionID)
	if err != nil {
		return fmt.Errorf("set last transcript id: %w", err)
	}
	return nil
}

// EnsureMachineID returns the persisted machine id, generating and
// storing one via newID if none exists yet.
func (s *Store) EnsureMachineID(newID func() string) (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT id FROM machine LIMIT 1`).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("lookup machine id: %w", err)
	}

	id = newID()
	if _, err := s.db.Exec(`INSERT INTO machine (id) VALUES (?)`, id); err != nil {
		return "", fmt.Errorf("store machine id: %w", err)
	}
	return id, nil
}
