package jobspec

import (
	"encoding/json"
	"fmt"
)

// TargetSnapshotV1 pins where a run's artifacts physically live, resolved
// at dispatch time. Deferred deletion trusts only this snapshot, so a job
// retargeted or deleted later cannot orphan artifacts or delete the wrong
// ones. Credentials are not part of the snapshot; the webdav secret is
// re-resolved by name when the delete finally happens.
type TargetSnapshotV1 struct {
	V      int        `json:"v"`
	Type   TargetType `json:"type"`
	NodeID string     `json:"node_id"`

	// LocalDir.
	BaseDir string `json:"base_dir,omitempty"`

	// WebDAV.
	SecretName string `json:"secret_name,omitempty"`
	URL        string `json:"url,omitempty"`
}

// SnapshotForTarget builds the v1 snapshot for a validated target.
// webdavURL is the resolved base URL for webdav targets, recorded so the
// delete path does not depend on the secret still resolving to the same
// server.
func SnapshotForTarget(t Target, nodeID, webdavURL string) TargetSnapshotV1 {
	snap := TargetSnapshotV1{V: 1, Type: t.Type, NodeID: nodeID}
	switch t.Type {
	case TargetLocalDir:
		snap.BaseDir = t.BaseDir
	case TargetWebDAV:
		snap.SecretName = t.SecretName
		snap.URL = webdavURL
	}
	return snap
}

// Encode renders the snapshot as the JSON persisted on run and task rows.
func (snap TargetSnapshotV1) Encode() (string, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("encode target snapshot: %w", err)
	}
	return string(raw), nil
}

// ParseSnapshot decodes a persisted snapshot, rejecting unknown versions
// and shapes the delete path cannot act on.
func ParseSnapshot(raw string) (*TargetSnapshotV1, error) {
	var snap TargetSnapshotV1
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("decode target snapshot: %w", err)
	}
	if snap.V != 1 {
		return nil, fmt.Errorf("unsupported target snapshot version %d", snap.V)
	}
	switch snap.Type {
	case TargetLocalDir:
		if snap.BaseDir == "" {
			return nil, fmt.Errorf("target snapshot: base_dir is required for local_dir")
		}
	case TargetWebDAV:
		if snap.SecretName == "" || snap.URL == "" {
			return nil, fmt.Errorf("target snapshot: secret_name and url are required for webdav")
		}
	default:
		return nil, fmt.Errorf("target snapshot: unknown type %q", snap.Type)
	}
	if snap.NodeID == "" {
		return nil, fmt.Errorf("target snapshot: node_id is required")
	}
	return &snap, nil
}
