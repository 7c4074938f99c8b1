package storage

import (
	"database/sql"
	"fmt"
)

// CreateSettlement inserts a new settlement in the initiated state. A second
// open settlement for the same binding key returns ErrConflict (partial
// unique index on binding_key while status = 'initiated').
func (d *DB) CreateSettlement(s *Settlement) error {
	_, err := d.db.Exec(
		`INSERT INTO settlements (id, skill_id, buyer_key, seller_key, amount, binding_key, tx_hash, payout_tx_hash, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.SkillID, s.BuyerKey, s.SellerKey, s.Amount, s.BindingKey,
		s.TxHash, s.PayoutTxHash, s.Status, s.CreatedAt, s.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("create settlement: %w", ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create settlement: %w", err)
	}
	return nil
}

// GetSettlement retrieves a settlement by ID.
func (d *DB) GetSettlement(id string) (*Settlement, error) {
	s := &Settlement{}
	var txHash, payoutTxHash sql.NullString
	err := d.db.QueryRow(
		`SELECT id, skill_id, buyer_key, seller_key, amount, binding_key, tx_hash, payout_tx_hash, status, created_at, updated_at
		 FROM settlements WHERE id = ?`, id,
	).Scan(&s.ID, &s.SkillID, &s.BuyerKey, &s.SellerKey, &s.Amount, &s.BindingKey,
		&txHash, &payoutTxHash, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get settlement: %w", err)
	}
	if txHash.Valid {
		s.TxHash = &txHash.String
	}
	if payoutTxHash.Valid {
		s.PayoutTxHash = &payoutTxHash.String
	}
	return s, nil
}

// MarkSettlementEscrowed transitions initiated -> escrowed, binding the
// transfer txHash. The global UNIQUE on tx_hash rejects a hash ever used by
// any other settlement, and the status condition rejects double transitions;
// both surface as ErrConflict.
func (d *DB) MarkSettlementEscrowed(id, txHash string, now int64) error {
	res, err := d.db.Exec(
		`UPDATE settlements SET status = ?, tx_hash = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		SettlementEscrowed, txHash, now, id, SettlementInitiated,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("mark settlement escrowed: %w", ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("mark settlement escrowed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark settlement escrowed rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("mark settlement escrowed: %w", ErrConflict)
	}
	return nil
}

// ResolveSettlement transitions escrowed -> released or refunded. Returns
// ErrConflict if the settlement is not currently escrowed; terminal states
// are immutable.
func (d *DB) ResolveSettlement(id, toStatus string, now int64) error {
	if toStatus != SettlementReleased && toStatus != SettlementRefunded {
		return fmt.Errorf("resolve settlement: invalid target status %q", toStatus)
	}
	res, err := d.db.Exec(
		`UPDATE settlements SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		toStatus, now, id, SettlementEscrowed,
	)
	if err != nil {
		return fmt.Errorf("resolve settlement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve settlement rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("resolve settlement: %w", ErrConflict)
	}
	return nil
}

// SetSettlementPayout records the platform-signed payout transaction hash
// after a settlement resolves.
func (d *DB) SetSettlementPayout(id, payoutTxHash string, now int64) error {
	_, err := d.db.Exec(
		`UPDATE settlements SET payout_tx_hash = ?, updated_at = ? WHERE id = ?`,
		payoutTxHash, now, id,
	)
	if err != nil {
		return fmt.Errorf("set settlement payout: %w", err)
	}
	return nil
}

// ListSettlementsForKey returns settlements where the key is buyer or
// seller, newest first.
func (d *DB) ListSettlementsForKey(publicKey string) ([]Settlement, error) {
	rows, err := d.db.Query(
		`SELECT id, skill_id, buyer_key, seller_key, amount, binding_key, tx_hash, payout_tx_hash, status, created_at, updated_at
		 FROM settlements WHERE buyer_key = ? OR seller_key = ? ORDER BY created_at DESC`,
		publicKey, publicKey,
	)
	if err != nil {
		return nil, fmt.Errorf("list settlements: %w", err)
	}
	defer rows.Close()

	var out []Settlement
	for rows.Next() {
		var s Settlement
		var txHash, payoutTxHash sql.NullString
		if err := rows.Scan(&s.ID, &s.SkillID, &s.BuyerKey, &s.SellerKey, &s.Amount, &s.BindingKey,
			&txHash, &payoutTxHash, &s.Status, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan settlement: %w", err)
		}
		if txHash.Valid {
			s.TxHash = &txHash.String
		}
		if payoutTxHash.Valid {
			s.PayoutTxHash = &payoutTxHash.String
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
