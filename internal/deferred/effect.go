package deferred

import (
	"context"
	"fmt"
	"time"

	"github.com/bastion-sh/bastion/internal/jobspec"
	"github.com/bastion-sh/bastion/internal/secretbox"
	"github.com/bastion-sh/bastion/internal/store"
	"github.com/bastion-sh/bastion/internal/target"
)

// EnqueueForRun upserts a task for a run that stored artifacts, copying
// the run's target snapshot onto the task row so the side effect
// outlives job edits and run pruning. The task becomes claimable at
// dueAt. Runs without a snapshot never touched a target; nothing is
// inserted.
func EnqueueForRun(st *store.Store, queue store.DeferredQueue, run *store.Run, now, dueAt time.Time) (bool, error) {
	if run.TargetSnapshotJSON == "" {
		return false, nil
	}
	snap, err := jobspec.ParseSnapshot(run.TargetSnapshotJSON)
	if err != nil {
		return false, fmt.Errorf("run %s: %w", run.ID, err)
	}
	ts := now.Unix()
	inserted, err := st.UpsertTaskIfMissing(queue, &store.DeferredTask{
		RunID:              run.ID,
		JobID:              run.JobID,
		NodeID:             snap.NodeID,
		TargetType:         string(snap.Type),
		TargetSnapshotJSON: run.TargetSnapshotJSON,
		CreatedAt:          ts,
		UpdatedAt:          ts,
		NextAttemptAt:      dueAt.Unix(),
	})
	if err != nil {
		return false, err
	}
	if inserted {
		if err := st.AppendTaskEvent(queue, run.ID, ts, "queued", ""); err != nil {
			return true, err
		}
	}
	return inserted, nil
}

// EnqueueRetentionDelete registers the artifact-delete task for a run
// that reached success, due when the run's retention window closes. The
// task row exists from the moment the run settles, so an operator can
// list or ignore it long before anything is deleted. Zero retention
// keeps artifacts until an operator intervenes; nothing is registered.
func EnqueueRetentionDelete(st *store.Store, run *store.Run, retentionDays int, now time.Time) (bool, error) {
	if retentionDays <= 0 {
		return false, nil
	}
	ended := run.EndedAt
	if ended <= 0 {
		ended = now.Unix()
	}
	due := time.Unix(ended+int64(retentionDays)*86400, 0)
	return EnqueueForRun(st, store.QueueDelete, run, now, due)
}

// DeleteEffect builds the side effect both queues share: remove the
// run's artifacts at the target pinned by the task's snapshot. WebDAV
// credentials are re-resolved by name at delete time, so a rotated
// password does not strand old tasks. Local directories on other nodes
// are unreachable from the hub; those tasks block as config errors.
func DeleteEffect(st *store.Store, box *secretbox.Box) Effect {
	return func(ctx context.Context, task *store.DeferredTask) error {
		snap, err := jobspec.ParseSnapshot(task.TargetSnapshotJSON)
		if err != nil {
			return &target.Error{Kind: target.KindConfig, Op: "parse target snapshot", Err: err}
		}

		var creds target.Credentials
		switch snap.Type {
		case jobspec.TargetWebDAV:
			creds, err = WebDAVCredentials(st, box, snap.NodeID, snap.SecretName)
			if err != nil {
				return err
			}
		case jobspec.TargetLocalDir:
			if snap.NodeID != store.NodeHub {
				return &target.Error{Kind: target.KindConfig, Op: "resolve target",
					Err: fmt.Errorf("local_dir artifacts live on node %q, not on this hub", snap.NodeID)}
			}
		}

		mover, err := target.FromSnapshot(snap, creds)
		if err != nil {
			return err
		}
		return mover.DeleteRun(ctx, task.JobID, task.RunID)
	}
}

// WebDAVCredentials opens the named webdav secret for a node. A missing
// or unreadable secret is a config failure: retrying cannot fix it.
func WebDAVCredentials(st *store.Store, box *secretbox.Box, nodeID, name string) (target.Credentials, error) {
	row, err := st.GetSecret(nodeID, store.SecretWebDAV, name)
	if err != nil {
		return target.Credentials{}, &target.Error{Kind: target.KindConfig, Op: "resolve webdav secret",
			Err: fmt.Errorf("%s/%s: %w", nodeID, name, err)}
	}
	plain, err := box.OpenSecret(row.KID, row.Nonce, row.Ciphertext)
	if err != nil {
		return target.Credentials{}, &target.Error{Kind: target.KindConfig, Op: "open webdav secret", Err: err}
	}
	v, err := secretbox.DecodeWebDAV(plain)
	if err != nil {
		return target.Credentials{}, &target.Error{Kind: target.KindConfig, Op: "decode webdav secret", Err: err}
	}
	return target.Credentials{URL: v.URL, Username: v.Username, Password: v.Password}, nil
}
