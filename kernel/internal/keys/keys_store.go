package keys

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// Store is a Postgres-backed signer registry. The kernel publishes its ledger
// signing key here so that ledgerctl can verify signatures after restarts.
type Store struct {
	db *sql.DB
}

// NewStore returns a Store. The signers table is created by the ledger migration.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// AddSigner inserts or updates a signer record.
func (s *Store) AddSigner(ctx context.Context, signerId string, pubKey []byte, algorithm string) error {
	pubB64 := base64.StdEncoding.EncodeToString(pubKey)
	const q = `
INSERT INTO signers (signer_id, algorithm, public_key, created_at)
VALUES ($1,$2,$3, now())
ON CONFLICT (signer_id) DO UPDATE
  SET algorithm = EXCLUDED.algorithm,
      public_key = EXCLUDED.public_key
`
	if _, err := s.db.ExecContext(ctx, q, signerId, algorithm, pubB64); err != nil {
		return fmt.Errorf("upsert signer %s: %w", signerId, err)
	}
	return nil
}

// GetSigner fetches a signer by id. Returns (nil,false,nil) if not found.
func (s *Store) GetSigner(ctx context.Context, signerId string) (*KeyInfo, bool, error) {
	const q = `SELECT signer_id, algorithm, public_key, created_at FROM signers WHERE signer_id=$1`
	var ki KeyInfo
	err := s.db.QueryRowContext(ctx, q, signerId).Scan(&ki.SignerId, &ki.Algorithm, &ki.PublicKey, &ki.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query signer: %w", err)
	}
	return &ki, true, nil
}

// LoadInto copies every stored signer into reg and returns how many were loaded.
func (s *Store) LoadInto(ctx context.Context, reg *Registry) (int, error) {
	const q = `SELECT signer_id, algorithm, public_key, created_at FROM signers ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("query signers: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var (
			ki        KeyInfo
			createdAt time.Time
		)
		if err := rows.Scan(&ki.SignerId, &ki.Algorithm, &ki.PublicKey, &createdAt); err != nil {
			return n, fmt.Errorf("scan signer row: %w", err)
		}
		ki.CreatedAt = createdAt
		reg.put(ki)
		n++
	}
	if err := rows.Err(); err != nil {
		return n, fmt.Errorf("rows error: %w", err)
	}
	return n, nil
}
