package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUserAndSessionLifecycle(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateUser(&User{ID: "u1", Username: "admin", PasswordHash: "bcrypt$x", CreatedAt: 100}))

	u, err := s.GetUserByUsername("admin")
	require.NoError(t, err)
	require.Equal(t, "u1", u.ID)

	_, err = s.GetUserByUsername("ghost")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.CreateSession(&Session{ID: "s1", UserID: "u1", CSRFToken: "tok", CreatedAt: 100, ExpiresAt: 500}))
	sess, err := s.GetSession("s1")
	require.NoError(t, err)
	require.Equal(t, "tok", sess.CSRFToken)

	require.NoError(t, s.DeleteSession("s1"))
	_, err = s.GetSession("s1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPurgeExpiredSessions(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateUser(&User{ID: "u1", Username: "admin", PasswordHash: "h", CreatedAt: 100}))
	require.NoError(t, s.CreateSession(&Session{ID: "old", UserID: "u1", CSRFToken: "a", CreatedAt: 100, ExpiresAt: 200}))
	require.NoError(t, s.CreateSession(&Session{ID: "live", UserID: "u1", CSRFToken: "b", CreatedAt: 100, ExpiresAt: 900}))

	n, err := s.PurgeExpiredSessions(500)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = s.GetSession("old")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetSession("live")
	require.NoError(t, err)
}

func TestSessionCascadeOnUserDelete(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateUser(&User{ID: "u1", Username: "admin", PasswordHash: "h", CreatedAt: 100}))
	require.NoError(t, s.CreateSession(&Session{ID: "s1", UserID: "u1", CSRFToken: "a", CreatedAt: 100, ExpiresAt: 900}))

	_, err := s.conn.Exec("DELETE FROM users WHERE id = 'u1'")
	require.NoError(t, err)

	_, err = s.GetSession("s1")
	require.ErrorIs(t, err, ErrNotFound)
}
