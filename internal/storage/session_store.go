package storage

import (
	"fmt"
)

// CreateSession inserts a new verification session.
func (d *DB) CreateSession(s *Session) error {
	_, err := d.db.Exec(
		`INSERT INTO sessions (id, public_key, fingerprint, challenge, status, challenge_signed, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.PublicKey, s.Fingerprint, s.Challenge, s.Status,
		boolToInt(s.ChallengeSigned), s.ExpiresAt, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (d *DB) GetSession(id string) (*Session, error) {
	s := &Session{}
	var signed int
	err := d.db.QueryRow(
		`SELECT id, public_key, fingerprint, challenge, status, challenge_signed, expires_at, created_at
		 FROM sessions WHERE id = ?`, id,
	).Scan(&s.ID, &s.PublicKey, &s.Fingerprint, &s.Challenge, &s.Status, &signed, &s.ExpiresAt, &s.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	s.ChallengeSigned = signed != 0
	return s, nil
}

// GetPendingSessionByFingerprint returns the newest pending, unexpired
// session for a key fingerprint. The external verifier addresses sessions by
// fingerprint, not ID.
func (d *DB) GetPendingSessionByFingerprint(fingerprint string, now int64) (*Session, error) {
	s := &Session{}
	var signed int
	err := d.db.QueryRow(
		`SELECT id, public_key, fingerprint, challenge, status, challenge_signed, expires_at, created_at
		 FROM sessions
		 WHERE fingerprint = ? AND status = ? AND expires_at > ?
		 ORDER BY created_at DESC LIMIT 1`,
		fingerprint, SessionPending, now,
	).Scan(&s.ID, &s.PublicKey, &s.Fingerprint, &s.Challenge, &s.Status, &signed, &s.ExpiresAt, &s.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get pending session by fingerprint: %w", err)
	}
	s.ChallengeSigned = signed != 0
	return s, nil
}

// SetChallengeSigned marks a pending session's challenge as self-signed. The
// flag is orthogonal to the session state machine.
func (d *DB) SetChallengeSigned(id string) error {
	res, err := d.db.Exec(
		`UPDATE sessions SET challenge_signed = 1 WHERE id = ? AND status = ?`,
		id, SessionPending,
	)
	if err != nil {
		return fmt.Errorf("set challenge signed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set challenge signed rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("set challenge signed: %w", ErrConflict)
	}
	return nil
}

// MarkSessionVerified transitions pending -> verified. Returns ErrConflict if
// the session already left pending.
func (d *DB) MarkSessionVerified(id string) error {
	res, err := d.db.Exec(
		`UPDATE sessions SET status = ? WHERE id = ? AND status = ?`,
		SessionVerified, id, SessionPending,
	)
	if err != nil {
		return fmt.Errorf("mark session verified: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark session verified rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("mark session verified: %w", ErrConflict)
	}
	return nil
}

// ExpireSession transitions pending -> expired. A zero-row update is not an
// error: the session was verified or already expired by another reader.
func (d *DB) ExpireSession(id string) error {
	_, err := d.db.Exec(
		`UPDATE sessions SET status = ? WHERE id = ? AND status = ?`,
		SessionExpired, id, SessionPending,
	)
	if err != nil {
		return fmt.Errorf("expire session: %w", err)
	}
	return nil
}

// DeleteDeadSessions removes expired and long-past-TTL sessions created
// before cutoff. Pruning only; lazy expiry on read is what guarantees
// correctness.
func (d *DB) DeleteDeadSessions(cutoff int64) (int, error) {
	res, err := d.db.Exec(
		`DELETE FROM sessions WHERE (status = ? OR status = ?) AND expires_at < ?`,
		SessionExpired, SessionPending, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete dead sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete dead sessions rows affected: %w", err)
	}
	return int(n), nil
}
