package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func seedNotification(t *testing.T, s *Store, id, runID string, due int64) {
	t.Helper()
	require.NoError(t, s.EnqueueNotification(&Notification{
		ID: id, RunID: runID, Channel: "wecom_bot", SecretName: "ops",
		CreatedAt: 100, UpdatedAt: 100, NextAttemptAt: due,
	}))
}

func TestNotificationClaimAndSend(t *testing.T) {
	s := newTestStore(t)
	seedJob(t, s, "j1")
	seedRun(t, s, "j1", "r1")
	seedNotification(t, s, "n1", "r1", 200)

	// Not due yet.
	n, err := s.ClaimDueNotification(150)
	require.NoError(t, err)
	require.Nil(t, n)

	n, err = s.ClaimDueNotification(200)
	require.NoError(t, err)
	require.NotNil(t, n)
	require.Equal(t, "n1", n.ID)
	require.Equal(t, NotifSending, n.Status)
	require.Equal(t, 1, n.Attempts)

	require.NoError(t, s.MarkNotificationSent("n1", 210))
	list, err := s.ListNotificationsForRun("r1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, NotifSent, list[0].Status)
}

func TestNotificationRetryThenFail(t *testing.T) {
	s := newTestStore(t)
	seedJob(t, s, "j1")
	seedRun(t, s, "j1", "r1")
	seedNotification(t, s, "n1", "r1", 100)

	n, err := s.ClaimDueNotification(100)
	require.NoError(t, err)
	require.NotNil(t, n)

	require.NoError(t, s.MarkNotificationRetry("n1", "http 503", 160, 100))
	list, err := s.ListNotificationsForRun("r1")
	require.NoError(t, err)
	require.Equal(t, NotifQueued, list[0].Status)
	require.Equal(t, "http 503", list[0].LastError)
	require.Equal(t, int64(160), list[0].NextAttemptAt)

	n, err = s.ClaimDueNotification(160)
	require.NoError(t, err)
	require.Equal(t, 2, n.Attempts)

	require.NoError(t, s.MarkNotificationFailed("n1", "http 403", 170))
	list, err = s.ListNotificationsForRun("r1")
	require.NoError(t, err)
	require.Equal(t, NotifFailed, list[0].Status)

	// Failed rows are out of the claim set for good.
	n, err = s.ClaimDueNotification(1 << 40)
	require.NoError(t, err)
	require.Nil(t, n)
}

func TestCancelNotificationOnlyQueued(t *testing.T) {
	s := newTestStore(t)
	seedJob(t, s, "j1")
	seedRun(t, s, "j1", "r1")
	seedNotification(t, s, "n1", "r1", 100)

	require.NoError(t, s.CancelNotification("n1", 110))
	list, err := s.ListNotificationsForRun("r1")
	require.NoError(t, err)
	require.Equal(t, NotifCanceled, list[0].Status)

	// Already canceled: the guard refuses.
	require.ErrorIs(t, s.CancelNotification("n1", 120), ErrNotFound)

	// Sending rows cannot be canceled either.
	seedNotification(t, s, "n2", "r1", 100)
	_, err = s.ClaimDueNotification(100)
	require.NoError(t, err)
	require.ErrorIs(t, s.CancelNotification("n2", 130), ErrNotFound)
}
