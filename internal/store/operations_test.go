package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOperationLifecycle(t *testing.T) {
	s := newTestStore(t)
	seedJob(t, s, "j1")
	seedRun(t, s, "j1", "r1")

	op := &Operation{ID: "op1", Kind: OpVerify, RunID: "r1", Status: OpRunning, StartedAt: 100}
	require.NoError(t, s.CreateOperation(op))

	_, err := s.AppendOperationEvent(&RunEvent{RunID: "op1", TS: 105, Level: "info", Kind: "verify_part", Message: "payload.part.00000 ok"})
	require.NoError(t, err)
	_, err = s.AppendOperationEvent(&RunEvent{RunID: "op1", TS: 106, Level: "info", Kind: "verify_part", Message: "payload.part.00001 ok"})
	require.NoError(t, err)

	events, err := s.ListOperationEvents("op1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, int64(1), events[0].Seq)
	require.Equal(t, int64(2), events[1].Seq)

	require.NoError(t, s.CompleteOperation("op1", OpSuccess, "", 110))
	got, err := s.GetOperation("op1")
	require.NoError(t, err)
	require.Equal(t, OpSuccess, got.Status)
	require.Equal(t, int64(110), got.EndedAt)

	// Already terminal: the guard refuses a second completion.
	require.ErrorIs(t, s.CompleteOperation("op1", OpFailed, "late", 120), ErrNotFound)
}

func TestOperationEventsIndependentOfRunEvents(t *testing.T) {
	s := newTestStore(t)
	seedJob(t, s, "j1")
	seedRun(t, s, "j1", "r1")
	require.NoError(t, s.CreateOperation(&Operation{ID: "op1", Kind: OpRestore, RunID: "r1", Status: OpRunning, StartedAt: 100}))

	_, err := s.AppendRunEvent(&RunEvent{RunID: "r1", TS: 100, Level: "info", Kind: "stage", Message: "m"})
	require.NoError(t, err)
	ev, err := s.AppendOperationEvent(&RunEvent{RunID: "op1", TS: 101, Level: "info", Kind: "restore_started", Message: "m"})
	require.NoError(t, err)

	// Both streams start at 1.
	require.Equal(t, int64(1), ev.Seq)
	runEvents, err := s.ListRunEvents("r1")
	require.NoError(t, err)
	require.Len(t, runEvents, 1)
}
