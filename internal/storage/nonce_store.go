package storage

import (
	"fmt"
	"time"
)

// RememberNonce records an accepted (key, nonce) pair. A duplicate pair
// returns ErrConflict; the primary key serializes concurrent deliveries of
// the same envelope so exactly one wins.
func (d *DB) RememberNonce(publicKey, nonce string, seenAt time.Time) error {
	_, err := d.db.Exec(
		`INSERT INTO nonces (public_key, nonce, seen_at) VALUES (?, ?, ?)`,
		publicKey, nonce, seenAt.Unix(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("remember nonce: %w", ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("remember nonce: %w", err)
	}
	return nil
}

// PruneNonces deletes pairs seen before cutoff. Anything that old would fail
// the freshness check regardless, so deletion cannot re-open a replay.
func (d *DB) PruneNonces(cutoff time.Time) (int, error) {
	res, err := d.db.Exec(`DELETE FROM nonces WHERE seen_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune nonces: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune nonces rows affected: %w", err)
	}
	return int(n), nil
}
