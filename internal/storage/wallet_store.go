package storage

import (
	"fmt"
)

// SetWallet registers or replaces the active wallet address for an identity.
func (d *DB) SetWallet(publicKey, address string, now int64) error {
	_, err := d.db.Exec(
		`INSERT INTO wallets (public_key, address, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(public_key) DO UPDATE SET address = excluded.address, updated_at = excluded.updated_at`,
		publicKey, address, now,
	)
	if err != nil {
		return fmt.Errorf("set wallet: %w", err)
	}
	return nil
}

// GetWallet retrieves the active wallet for an identity.
func (d *DB) GetWallet(publicKey string) (*Wallet, error) {
	w := &Wallet{}
	err := d.db.QueryRow(
		`SELECT public_key, address, updated_at FROM wallets WHERE public_key = ?`, publicKey,
	).Scan(&w.PublicKey, &w.Address, &w.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return w, nil
}
