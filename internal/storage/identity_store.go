package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrHumanMismatch is returned when a key already bound to one human is asked
// to bind to a different one. The existing binding is never overwritten.
var ErrHumanMismatch = errors.New("storage: key already bound to a different human")

// CreateIdentity registers an agent key if it is not already known. Inserting
// a key that exists is a no-op, so registration is idempotent.
func (d *DB) CreateIdentity(id *AgentIdentity) error {
	_, err := d.db.Exec(
		`INSERT INTO identities (public_key, name, human_id, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(public_key) DO NOTHING`,
		id.PublicKey, id.Name, id.HumanID, id.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create identity: %w", err)
	}
	return nil
}

// GetIdentity retrieves an identity by canonical public key.
func (d *DB) GetIdentity(publicKey string) (*AgentIdentity, error) {
	id := &AgentIdentity{}
	var name, humanID sql.NullString
	err := d.db.QueryRow(
		`SELECT public_key, name, human_id, created_at FROM identities WHERE public_key = ?`,
		publicKey,
	).Scan(&id.PublicKey, &name, &humanID, &id.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get identity: %w", err)
	}
	id.Name = name.String
	if humanID.Valid {
		id.HumanID = &humanID.String
	}
	return id, nil
}

// BindIdentityHuman binds a key to a human, creating the identity row if the
// key was never registered. Binding is idempotent for the same human and
// fails closed for a different one. Racing writers are serialized by the
// primary key on public_key: the loser gets ErrConflict and must re-read.
func (d *DB) BindIdentityHuman(publicKey, name, humanID string, now int64) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("bind human: begin: %w", err)
	}
	defer tx.Rollback()

	var existing sql.NullString
	err = tx.QueryRow(`SELECT human_id FROM identities WHERE public_key = ?`, publicKey).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.Exec(
			`INSERT INTO identities (public_key, name, human_id, created_at) VALUES (?, ?, ?, ?)`,
			publicKey, name, humanID, now,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("bind human: %w", ErrConflict)
		}
		if err != nil {
			return fmt.Errorf("bind human: insert: %w", err)
		}
	case err != nil:
		return fmt.Errorf("bind human: %w", err)
	case existing.Valid && existing.String != humanID:
		return ErrHumanMismatch
	case existing.Valid:
		// Same human: idempotent success, nothing to write.
	default:
		res, err := tx.Exec(
			`UPDATE identities SET human_id = ? WHERE public_key = ? AND human_id IS NULL`,
			humanID, publicKey,
		)
		if err != nil {
			return fmt.Errorf("bind human: update: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("bind human: rows affected: %w", err)
		}
		if n == 0 {
			// A concurrent callback bound the key between our read and write.
			return fmt.Errorf("bind human: %w", ErrConflict)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("bind human: commit: %w", err)
	}
	return nil
}

// CountIdentitiesForHuman returns how many agent keys a human owns.
func (d *DB) CountIdentitiesForHuman(humanID string) (int, error) {
	var n int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM identities WHERE human_id = ?`, humanID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count identities for human: %w", err)
	}
	return n, nil
}
