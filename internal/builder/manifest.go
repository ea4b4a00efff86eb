package builder

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"lukechampine.com/blake3"

	"github.com/bastion-sh/bastion/internal/jobspec"
	"github.com/bastion-sh/bastion/internal/target"
)

// ManifestEncryption is the manifest's encryption descriptor: the JSON
// string "none", or an object naming the scheme and key.
type ManifestEncryption struct {
	Type    jobspec.EncryptionType
	KeyName string
}

func (e ManifestEncryption) MarshalJSON() ([]byte, error) {
	if e.Type == "" || e.Type == jobspec.EncryptionNone {
		return json.Marshal("none")
	}
	return json.Marshal(struct {
		Type    string `json:"type"`
		KeyName string `json:"key_name"`
	}{string(e.Type), e.KeyName})
}

func (e *ManifestEncryption) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != "none" {
			return fmt.Errorf("unknown encryption %q", s)
		}
		*e = ManifestEncryption{Type: jobspec.EncryptionNone}
		return nil
	}
	var obj struct {
		Type    string `json:"type"`
		KeyName string `json:"key_name"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("decode encryption descriptor: %w", err)
	}
	*e = ManifestEncryption{Type: jobspec.EncryptionType(obj.Type), KeyName: obj.KeyName}
	return nil
}

// ManifestPipeline records the transforms the payload went through.
type ManifestPipeline struct {
	Compression string             `json:"compression"`
	Encryption  ManifestEncryption `json:"encryption"`
}

// ManifestArtifact describes one stored payload part.
type ManifestArtifact struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	HashAlg string `json:"hash_alg"`
	Hash    string `json:"hash"`
}

// ManifestIndex describes the entries index artifact.
type ManifestIndex struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	HashAlg string `json:"hash_alg"`
	Hash    string `json:"hash"`
	Count   int    `json:"count"`
}

// Manifest is manifest.json: the authoritative list of what a stored
// run contains.
type Manifest struct {
	V            int                `json:"v"`
	RunID        string             `json:"run_id"`
	JobID        string             `json:"job_id"`
	CreatedAt    time.Time          `json:"created_at"`
	Pipeline     ManifestPipeline   `json:"pipeline"`
	Artifacts    []ManifestArtifact `json:"artifacts"`
	EntriesIndex ManifestIndex      `json:"entries_index"`
}

// Complete is complete.json, the completion marker written last.
// ManifestHash is the blake3 of the manifest bytes as stored.
type Complete struct {
	V            int       `json:"v"`
	CompletedAt  time.Time `json:"completed_at"`
	ManifestHash string    `json:"manifest_hash"`
}

// ParseManifest decodes and sanity-checks a manifest document.
func ParseManifest(raw []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.V != 1 {
		return nil, fmt.Errorf("unsupported manifest version %d", m.V)
	}
	return &m, nil
}

// ParseComplete decodes a completion marker.
func ParseComplete(raw []byte) (*Complete, error) {
	var c Complete
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode completion marker: %w", err)
	}
	if c.V != 1 {
		return nil, fmt.Errorf("unsupported completion marker version %d", c.V)
	}
	return &c, nil
}

// writeManifest renders and stores manifest.json, returning its path
// and the hex blake3 of the stored bytes.
func writeManifest(req Request, parts []LocalArtifact, index *indexWriter) (string, string, error) {
	m := Manifest{
		V:         1,
		RunID:     req.RunID,
		JobID:     req.JobID,
		CreatedAt: time.Now().UTC(),
		Pipeline: ManifestPipeline{
			Compression: req.Spec.Pipeline.Compression,
			Encryption: ManifestEncryption{
				Type:    req.Spec.Pipeline.Encryption.Type,
				KeyName: req.Spec.Pipeline.Encryption.KeyName,
			},
		},
		Artifacts: make([]ManifestArtifact, 0, len(parts)),
		EntriesIndex: ManifestIndex{
			Name:    target.EntriesIndexName,
			Size:    index.size,
			HashAlg: "blake3",
			Hash:    index.Hash(),
			Count:   index.count,
		},
	}
	for _, p := range parts {
		m.Artifacts = append(m.Artifacts, ManifestArtifact{Name: p.Name, Size: p.Size, HashAlg: p.HashAlg, Hash: p.Hash})
	}

	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("encode manifest: %w", err)
	}
	raw = append(raw, '\n')

	p := filepath.Join(req.StageDir, target.ManifestName)
	if err := os.WriteFile(p, raw, 0o644); err != nil {
		return "", "", fmt.Errorf("write manifest: %w", err)
	}
	sum := blake3.Sum256(raw)
	return p, hex.EncodeToString(sum[:]), nil
}

// writeComplete stores the completion marker. This is the last write
// of a build; its presence commits the run.
func writeComplete(dir, manifestHash string) (string, error) {
	raw, err := json.Marshal(Complete{V: 1, CompletedAt: time.Now().UTC(), ManifestHash: manifestHash})
	if err != nil {
		return "", fmt.Errorf("encode completion marker: %w", err)
	}
	raw = append(raw, '\n')

	p := filepath.Join(dir, target.CompleteName)
	if err := os.WriteFile(p, raw, 0o644); err != nil {
		return "", fmt.Errorf("write completion marker: %w", err)
	}
	return p, nil
}
