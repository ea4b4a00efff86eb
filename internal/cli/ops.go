package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/bastion-sh/bastion/internal/deferred"
	"github.com/bastion-sh/bastion/internal/events"
	"github.com/bastion-sh/bastion/internal/jobspec"
	"github.com/bastion-sh/bastion/internal/secretbox"
	"github.com/bastion-sh/bastion/internal/store"
	"github.com/bastion-sh/bastion/internal/target"
)

// resolveRunTarget locates a stored run's artifacts: parse the target
// snapshot pinned on the run row and build the matching mover. Runs
// without a snapshot never shipped artifacts the hub can reach.
func resolveRunTarget(st *store.Store, box *secretbox.Box, run *store.Run) (target.Store, error) {
	if run.TargetSnapshotJSON == "" {
		return nil, fmt.Errorf("run %s has no target snapshot; its artifacts are not reachable from this hub", run.ID)
	}
	snap, err := jobspec.ParseSnapshot(run.TargetSnapshotJSON)
	if err != nil {
		return nil, err
	}
	var creds target.Credentials
	if snap.Type == jobspec.TargetWebDAV {
		creds, err = deferred.WebDAVCredentials(st, box, snap.NodeID, snap.SecretName)
		if err != nil {
			return nil, err
		}
	}
	return target.FromSnapshot(snap, creds)
}

// ageIdentityFor resolves the identity that can open an encrypted run:
// an explicit identity file wins, otherwise the job spec names the
// sealed key to open. Unencrypted runs resolve to "".
func ageIdentityFor(st *store.Store, box *secretbox.Box, job *store.Job, identityFile string) (string, error) {
	if identityFile != "" {
		raw, err := os.ReadFile(identityFile)
		if err != nil {
			return "", fmt.Errorf("read identity file: %w", err)
		}
		for _, line := range strings.Split(string(raw), "\n") {
			line = strings.TrimSpace(line)
			if line != "" && !strings.HasPrefix(line, "#") {
				return line, nil
			}
		}
		return "", fmt.Errorf("no identity found in %s", identityFile)
	}

	spec, err := jobspec.Parse([]byte(job.SpecJSON))
	if err != nil {
		return "", fmt.Errorf("parse job spec: %w", err)
	}
	if spec.Pipeline.Encryption.Type != jobspec.EncryptionAgeX25519 {
		return "", nil
	}
	row, err := st.GetSecret(store.NodeHub, store.SecretAge, spec.Pipeline.Encryption.KeyName)
	if err != nil {
		return "", fmt.Errorf("resolve age key %q: %w", spec.Pipeline.Encryption.KeyName, err)
	}
	plain, err := box.OpenSecret(row.KID, row.Nonce, row.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("open age key %q: %w", spec.Pipeline.Encryption.KeyName, err)
	}
	return strings.TrimSpace(string(plain)), nil
}

// beginOperation creates the operation row and a sink that both records
// into its durable stream and echoes to the terminal.
func beginOperation(st *store.Store, kind store.OperationKind, runID string, out printer) (*store.Operation, events.Sink, error) {
	op := &store.Operation{
		ID:        uuid.NewString(),
		Kind:      kind,
		RunID:     runID,
		Status:    store.OpRunning,
		StartedAt: time.Now().Unix(),
	}
	if err := st.CreateOperation(op); err != nil {
		return nil, nil, err
	}
	rec := events.NewRecorder(st, events.NewBus(), hclog.NewNullLogger())
	sink := teeSink{
		durable: events.OperationSink{Rec: rec, OperationID: op.ID},
		out:     out,
	}
	return op, sink, nil
}

// finishOperation settles the operation row from the outcome.
func finishOperation(st *store.Store, op *store.Operation, err error) {
	status, msg := store.OpSuccess, ""
	if err != nil {
		status, msg = store.OpFailed, err.Error()
	}
	_ = st.CompleteOperation(op.ID, status, msg, time.Now().Unix())
}

type printer func(format string, args ...any)

// teeSink records events durably and prints the interesting ones.
type teeSink struct {
	durable events.Sink
	out     printer
}

func (s teeSink) Event(level events.Level, kind events.Kind, message string, fields any) {
	s.durable.Event(level, kind, message, fields)
	if kind == events.KindProgressSnapshot {
		return
	}
	s.out("%s  %s\n", kind, message)
}
