package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// User is an operator account. Only the password hash is stored; hashing
// happens in the CLI layer.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    int64
}

// CreateUser inserts an operator account.
func (s *Store) CreateUser(u *User) error {
	_, err := s.conn.Exec(`INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Username, u.PasswordHash, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUserByUsername returns the account for a username, or ErrNotFound.
func (s *Store) GetUserByUsername(username string) (*User, error) {
	var u User
	err := s.conn.QueryRow(`SELECT id, username, password_hash, created_at FROM users WHERE username = ?`, username).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// ListUsers returns all accounts ordered by username.
func (s *Store) ListUsers() ([]*User, error) {
	rows, err := s.conn.Query(`SELECT id, username, password_hash, created_at FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}

// Session is a login session consumed by the admin HTTP surface.
type Session struct {
	ID        string
	UserID    string
	CSRFToken string
	CreatedAt int64
	ExpiresAt int64
}

// CreateSession inserts a session row.
func (s *Store) CreateSession(sess *Session) error {
	_, err := s.conn.Exec(`INSERT INTO sessions (id, user_id, csrf_token, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.CSRFToken, sess.CreatedAt, sess.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession returns a session by id, or ErrNotFound.
func (s *Store) GetSession(id string) (*Session, error) {
	var sess Session
	err := s.conn.QueryRow(`SELECT id, user_id, csrf_token, created_at, expires_at FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.UserID, &sess.CSRFToken, &sess.CreatedAt, &sess.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// DeleteSession removes a session.
func (s *Store) DeleteSession(id string) error {
	if _, err := s.conn.Exec("DELETE FROM sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// PurgeExpiredSessions removes sessions past their expiry and returns how
// many were deleted. The hub calls this on the same cadence as run
// retention pruning.
func (s *Store) PurgeExpiredSessions(now int64) (int64, error) {
	res, err := s.conn.Exec("DELETE FROM sessions WHERE expires_at < ?", now)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge sessions rows affected: %w", err)
	}
	return n, nil
}
