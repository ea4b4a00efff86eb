package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// NodeHub is the node id that owns hub-scoped secrets. Agents own their
// secrets under their agent id.
const NodeHub = "hub"

// Secret kinds. The kind decides how the plaintext is shaped and which
// components may resolve it.
const (
	SecretWebDAV   = "webdav"
	SecretAge      = "age_x25519"
	SecretWeComBot = "wecom_bot"
	SecretEmail    = "email"
)

// SecretRow is a sealed credential. The plaintext never touches the store;
// sealing and opening belong to the secretbox package.
type SecretRow struct {
	NodeID     string
	Kind       string // webdav | age_x25519 | wecom_bot | email | agent_key
	Name       string
	KID        string
	Nonce      []byte
	Ciphertext []byte
	UpdatedAt  int64
}

// PutSecret inserts or replaces the sealed credential for
// (node, kind, name).
func (s *Store) PutSecret(row *SecretRow) error {
	_, err := s.conn.Exec(`INSERT INTO secrets (node_id, kind, name, kid, nonce, ciphertext, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id, kind, name) DO UPDATE SET
			kid = excluded.kid,
			nonce = excluded.nonce,
			ciphertext = excluded.ciphertext,
			updated_at = excluded.updated_at`,
		row.NodeID, row.Kind, row.Name, row.KID, row.Nonce, row.Ciphertext, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put secret: %w", err)
	}
	return nil
}

// GetSecret returns the sealed credential, or ErrNotFound.
func (s *Store) GetSecret(nodeID, kind, name string) (*SecretRow, error) {
	var row SecretRow
	err := s.conn.QueryRow(`SELECT node_id, kind, name, kid, nonce, ciphertext, updated_at
		FROM secrets WHERE node_id = ? AND kind = ? AND name = ?`, nodeID, kind, name).
		Scan(&row.NodeID, &row.Kind, &row.Name, &row.KID, &row.Nonce, &row.Ciphertext, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get secret: %w", err)
	}
	return &row, nil
}

// DeleteSecret removes the credential for (node, kind, name).
func (s *Store) DeleteSecret(nodeID, kind, name string) error {
	res, err := s.conn.Exec("DELETE FROM secrets WHERE node_id = ? AND kind = ? AND name = ?", nodeID, kind, name)
	if err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete secret rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delete secret %s/%s/%s: %w", nodeID, kind, name, ErrNotFound)
	}
	return nil
}

// ListSecrets returns a node's sealed credentials, ordered by kind then
// name. Ciphertexts are included; callers that only display should drop
// them.
func (s *Store) ListSecrets(nodeID string) ([]*SecretRow, error) {
	rows, err := s.conn.Query(`SELECT node_id, kind, name, kid, nonce, ciphertext, updated_at
		FROM secrets WHERE node_id = ? ORDER BY kind, name`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	defer rows.Close()

	var list []*SecretRow
	for rows.Next() {
		var row SecretRow
		if err := rows.Scan(&row.NodeID, &row.Kind, &row.Name, &row.KID, &row.Nonce, &row.Ciphertext, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan secret: %w", err)
		}
		list = append(list, &row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate secrets: %w", err)
	}
	return list, nil
}
