package storage

import (
	"database/sql"
	"fmt"
)

// CreateChainAction inserts a new chain action row.
func (d *DB) CreateChainAction(a *ChainAction) error {
	_, err := d.db.Exec(
		`INSERT INTO chain_actions (id, public_key, kind, payload, result, tx_hash, status, created_at, confirmed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.PublicKey, a.Kind, a.Payload, a.Result, a.TxHash, a.Status, a.CreatedAt, a.ConfirmedAt,
	)
	if err != nil {
		return fmt.Errorf("create chain action: %w", err)
	}
	return nil
}

// GetChainAction retrieves a chain action by ID.
func (d *DB) GetChainAction(id string) (*ChainAction, error) {
	return d.scanChainAction(d.db.QueryRow(
		`SELECT id, public_key, kind, payload, result, tx_hash, status, created_at, confirmed_at
		 FROM chain_actions WHERE id = ?`, id,
	))
}

// LatestChainAction returns the newest action of a kind for an identity in
// the given status, or sql.ErrNoRows if none exists.
func (d *DB) LatestChainAction(publicKey, kind, status string) (*ChainAction, error) {
	return d.scanChainAction(d.db.QueryRow(
		`SELECT id, public_key, kind, payload, result, tx_hash, status, created_at, confirmed_at
		 FROM chain_actions
		 WHERE public_key = ? AND kind = ? AND status = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		publicKey, kind, status,
	))
}

// HasConfirmedChainAction reports whether the identity already has a
// confirmed action of the given kind. Non-repeatable kinds gate on this.
func (d *DB) HasConfirmedChainAction(publicKey, kind string) (bool, error) {
	var n int
	err := d.db.QueryRow(
		`SELECT COUNT(*) FROM chain_actions WHERE public_key = ? AND kind = ? AND status = ?`,
		publicKey, kind, ActionConfirmed,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has confirmed chain action: %w", err)
	}
	return n > 0, nil
}

// HasConfirmedChainActionForHuman reports whether any identity in a human's
// swarm has a confirmed action of the given kind. Sponsorship slots are
// per-human, not per-key.
func (d *DB) HasConfirmedChainActionForHuman(humanID, kind string) (bool, error) {
	var n int
	err := d.db.QueryRow(
		`SELECT COUNT(*) FROM chain_actions a
		 JOIN identities i ON i.public_key = a.public_key
		 WHERE i.human_id = ? AND a.kind = ? AND a.status = ?`,
		humanID, kind, ActionConfirmed,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has confirmed chain action for human: %w", err)
	}
	return n > 0, nil
}

// ConfirmChainAction transitions issued -> confirmed, recording the txHash
// and canonical result. Returns ErrConflict if the row already left issued;
// the stored result is never overwritten.
func (d *DB) ConfirmChainAction(id, txHash, result string, now int64) error {
	res, err := d.db.Exec(
		`UPDATE chain_actions SET status = ?, tx_hash = ?, result = ?, confirmed_at = ?
		 WHERE id = ? AND status = ?`,
		ActionConfirmed, txHash, result, now, id, ActionIssued,
	)
	if err != nil {
		return fmt.Errorf("confirm chain action: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("confirm chain action rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("confirm chain action: %w", ErrConflict)
	}
	return nil
}

// FailChainAction transitions issued -> failed with a reason in result. Used
// when a confirmation check proves the attempt can never succeed.
func (d *DB) FailChainAction(id, reason string) error {
	_, err := d.db.Exec(
		`UPDATE chain_actions SET status = ?, result = ? WHERE id = ? AND status = ?`,
		ActionFailed, reason, id, ActionIssued,
	)
	if err != nil {
		return fmt.Errorf("fail chain action: %w", err)
	}
	return nil
}

// ListChainActions returns all actions for an identity, newest first.
func (d *DB) ListChainActions(publicKey string) ([]ChainAction, error) {
	rows, err := d.db.Query(
		`SELECT id, public_key, kind, payload, result, tx_hash, status, created_at, confirmed_at
		 FROM chain_actions WHERE public_key = ? ORDER BY created_at DESC, id DESC`,
		publicKey,
	)
	if err != nil {
		return nil, fmt.Errorf("list chain actions: %w", err)
	}
	defer rows.Close()

	var actions []ChainAction
	for rows.Next() {
		a, err := scanChainActionRow(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, *a)
	}
	return actions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (d *DB) scanChainAction(row rowScanner) (*ChainAction, error) {
	a, err := scanChainActionRow(row)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func scanChainActionRow(row rowScanner) (*ChainAction, error) {
	a := &ChainAction{}
	var result, txHash sql.NullString
	var confirmedAt sql.NullInt64
	err := row.Scan(&a.ID, &a.PublicKey, &a.Kind, &a.Payload, &result, &txHash,
		&a.Status, &a.CreatedAt, &confirmedAt)
	if err != nil {
		return nil, fmt.Errorf("scan chain action: %w", err)
	}
	a.Result = result.String
	if txHash.Valid {
		a.TxHash = &txHash.String
	}
	if confirmedAt.Valid {
		a.ConfirmedAt = &confirmedAt.Int64
	}
	return a, nil
}
