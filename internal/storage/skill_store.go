package storage

import (
	"database/sql"
	"fmt"
)

// CreateSkill inserts a new marketplace listing.
func (d *DB) CreateSkill(s *Skill) error {
	_, err := d.db.Exec(
		`INSERT INTO skills (id, seller_key, name, description, price, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.SellerKey, s.Name, s.Description, s.Price, boolToInt(s.Active), s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create skill: %w", err)
	}
	return nil
}

// GetSkill retrieves a skill by ID.
func (d *DB) GetSkill(id string) (*Skill, error) {
	s := &Skill{}
	var desc sql.NullString
	var active int
	err := d.db.QueryRow(
		`SELECT id, seller_key, name, description, price, active, created_at FROM skills WHERE id = ?`, id,
	).Scan(&s.ID, &s.SellerKey, &s.Name, &desc, &s.Price, &active, &s.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get skill: %w", err)
	}
	s.Description = desc.String
	s.Active = active != 0
	return s, nil
}

// ListSkills returns listings, optionally only active ones, newest first.
func (d *DB) ListSkills(activeOnly bool) ([]Skill, error) {
	q := `SELECT id, seller_key, name, description, price, active, created_at FROM skills`
	if activeOnly {
		q += ` WHERE active = 1`
	}
	q += ` ORDER BY created_at DESC`

	rows, err := d.db.Query(q)
	if err != nil {
		return nil, fmt.Errorf("list skills: %w", err)
	}
	defer rows.Close()

	var skills []Skill
	for rows.Next() {
		var s Skill
		var desc sql.NullString
		var active int
		if err := rows.Scan(&s.ID, &s.SellerKey, &s.Name, &desc, &s.Price, &active, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan skill: %w", err)
		}
		s.Description = desc.String
		s.Active = active != 0
		skills = append(skills, s)
	}
	return skills, rows.Err()
}

// DeactivateSkill hides a listing from the marketplace. Only the seller may
// do this; the caller enforces ownership.
func (d *DB) DeactivateSkill(id string) error {
	res, err := d.db.Exec(`UPDATE skills SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deactivate skill: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate skill rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("deactivate skill: %w", sql.ErrNoRows)
	}
	return nil
}
