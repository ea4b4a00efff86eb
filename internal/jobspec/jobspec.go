// Package jobspec defines the typed backup specification embedded in a job
// row: what to back up, how the payload pipeline is shaped, where the
// artifacts go, and who gets told about the outcome. The store keeps the
// spec as opaque JSON; everything that needs meaning goes through Parse.
package jobspec

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
)

// SourceType selects the run builder variant.
type SourceType string

const (
	SourceFilesystem  SourceType = "filesystem"
	SourceSqlite      SourceType = "sqlite"
	SourceVaultwarden SourceType = "vaultwarden"
)

// SymlinkPolicy controls what the filesystem walker does with symlinks.
type SymlinkPolicy string

const (
	// SymlinkRecord archives the link itself with its target path.
	SymlinkRecord SymlinkPolicy = "record"

	// SymlinkFollow archives the file the link points at.
	SymlinkFollow SymlinkPolicy = "follow"

	// SymlinkSkip omits symlinks entirely.
	SymlinkSkip SymlinkPolicy = "skip"
)

// HardlinkPolicy controls hardlink detection during the walk.
type HardlinkPolicy string

const (
	// HardlinkDetect groups entries by (dev, inode); later encounters are
	// archived as hardlinks to the group, not as data copies.
	HardlinkDetect HardlinkPolicy = "detect"

	// HardlinkIgnore archives every path as an independent file.
	HardlinkIgnore HardlinkPolicy = "ignore"
)

// ErrorPolicy controls how the walker reacts to unreadable entries.
type ErrorPolicy string

const (
	ErrorAbort    ErrorPolicy = "abort"
	ErrorContinue ErrorPolicy = "continue"
)

// EncryptionType selects the optional payload encryption layer.
type EncryptionType string

const (
	EncryptionNone      EncryptionType = "none"
	EncryptionAgeX25519 EncryptionType = "age_x25519"
)

// TargetType selects the artifact mover.
type TargetType string

const (
	TargetWebDAV   TargetType = "webdav"
	TargetLocalDir TargetType = "local_dir"
)

// TargetMode selects when artifacts reach the target.
type TargetMode string

const (
	// ModeStaged builds the whole run locally, then uploads everything.
	ModeStaged TargetMode = "staged"

	// ModeArchiveV1 streams each finalized part to the target while the
	// builder keeps producing, deleting the local copy after upload.
	ModeArchiveV1 TargetMode = "archive_v1"
)

// DefaultPartSizeBytes caps a payload part when the spec does not say.
const DefaultPartSizeBytes int64 = 256 << 20

// MinPartSizeBytes is the smallest accepted part cap.
const MinPartSizeBytes int64 = 1 << 20

// Source describes what a run archives. Type picks the variant; the other
// fields belong to one variant each and must be empty elsewhere.
type Source struct {
	Type SourceType `json:"type"`

	// Filesystem.
	Root           string         `json:"root,omitempty"`
	Include        []string       `json:"include,omitempty"`
	Exclude        []string       `json:"exclude,omitempty"`
	SymlinkPolicy  SymlinkPolicy  `json:"symlink_policy,omitempty"`
	HardlinkPolicy HardlinkPolicy `json:"hardlink_policy,omitempty"`
	ErrorPolicy    ErrorPolicy    `json:"error_policy,omitempty"`

	// Sqlite.
	Path string `json:"path,omitempty"`

	// Vaultwarden.
	DataDir string `json:"data_dir,omitempty"`
}

// Encryption describes the optional payload encryption layer. KeyName
// resolves to an age identity in the secrets store; the spec never holds
// key material.
type Encryption struct {
	Type    EncryptionType `json:"type"`
	KeyName string         `json:"key_name,omitempty"`
}

// Pipeline describes the payload transform chain. Compression is fixed to
// zstd; the field exists so manifests stay self-describing.
type Pipeline struct {
	Compression string     `json:"compression"`
	Encryption  Encryption `json:"encryption"`
}

// Target describes where artifacts are stored. WebDAV credentials live in
// the secrets store under SecretName; LocalDir stores under BaseDir.
type Target struct {
	Type TargetType `json:"type"`

	SecretName string `json:"secret_name,omitempty"`
	BaseDir    string `json:"base_dir,omitempty"`

	PartSizeBytes int64      `json:"part_size_bytes,omitempty"`
	Mode          TargetMode `json:"mode,omitempty"`
}

// Route is one notification destination for a finished run.
type Route struct {
	Channel    string `json:"channel"` // wecom_bot | email
	SecretName string `json:"secret_name"`
}

// Spec is the full typed job specification.
type Spec struct {
	Source   Source   `json:"source"`
	Pipeline Pipeline `json:"pipeline"`
	Target   Target   `json:"target"`
	Notify   []Route  `json:"notify,omitempty"`
}

// Parse decodes, canonicalizes, and validates a raw spec document.
func Parse(raw []byte) (*Spec, error) {
	var spec Spec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("decode job spec: %w", err)
	}
	spec.Canonicalize()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Canonicalize fills defaulted fields in place so downstream code never
// branches on the empty value.
func (s *Spec) Canonicalize() {
	if s.Source.Type == SourceFilesystem {
		if s.Source.SymlinkPolicy == "" {
			s.Source.SymlinkPolicy = SymlinkRecord
		}
		if s.Source.HardlinkPolicy == "" {
			s.Source.HardlinkPolicy = HardlinkDetect
		}
		if s.Source.ErrorPolicy == "" {
			s.Source.ErrorPolicy = ErrorAbort
		}
	}
	if s.Pipeline.Compression == "" {
		s.Pipeline.Compression = "zstd"
	}
	if s.Pipeline.Encryption.Type == "" {
		s.Pipeline.Encryption.Type = EncryptionNone
	}
	if s.Target.PartSizeBytes == 0 {
		s.Target.PartSizeBytes = DefaultPartSizeBytes
	}
	if s.Target.Mode == "" {
		s.Target.Mode = ModeStaged
	}
}

// Validate checks the canonicalized spec. Every failing section is
// reported together so one pass over the error fixes the whole
// document; each message names the offending field.
func (s *Spec) Validate() error {
	var mErr *multierror.Error
	if err := s.Source.validate(); err != nil {
		mErr = multierror.Append(mErr, err)
	}
	if err := s.Pipeline.validate(); err != nil {
		mErr = multierror.Append(mErr, err)
	}
	if err := s.Target.validate(); err != nil {
		mErr = multierror.Append(mErr, err)
	}
	for i, route := range s.Notify {
		switch route.Channel {
		case "wecom_bot", "email":
		default:
			mErr = multierror.Append(mErr,
				fmt.Errorf("notify[%d]: invalid channel %q (must be 'wecom_bot' or 'email')", i, route.Channel))
		}
		if route.SecretName == "" {
			mErr = multierror.Append(mErr, fmt.Errorf("notify[%d]: secret_name is required", i))
		}
	}
	return mErr.ErrorOrNil()
}

func (src *Source) validate() error {
	switch src.Type {
	case SourceFilesystem:
		if src.Root == "" {
			return fmt.Errorf("source.root is required for filesystem sources")
		}
		if !filepath.IsAbs(src.Root) {
			return fmt.Errorf("source.root must be absolute, got %q", src.Root)
		}
		switch src.SymlinkPolicy {
		case SymlinkRecord, SymlinkFollow, SymlinkSkip:
		default:
			return fmt.Errorf("invalid symlink_policy %q (must be 'record', 'follow', or 'skip')", src.SymlinkPolicy)
		}
		switch src.HardlinkPolicy {
		case HardlinkDetect, HardlinkIgnore:
		default:
			return fmt.Errorf("invalid hardlink_policy %q (must be 'detect' or 'ignore')", src.HardlinkPolicy)
		}
		switch src.ErrorPolicy {
		case ErrorAbort, ErrorContinue:
		default:
			return fmt.Errorf("invalid error_policy %q (must be 'abort' or 'continue')", src.ErrorPolicy)
		}
		for _, pattern := range src.Include {
			if _, err := filepath.Match(pattern, ""); err != nil {
				return fmt.Errorf("bad include pattern %q: %w", pattern, err)
			}
		}
		for _, pattern := range src.Exclude {
			if _, err := filepath.Match(pattern, ""); err != nil {
				return fmt.Errorf("bad exclude pattern %q: %w", pattern, err)
			}
		}
	case SourceSqlite:
		if src.Path == "" {
			return fmt.Errorf("source.path is required for sqlite sources")
		}
		if !filepath.IsAbs(src.Path) {
			return fmt.Errorf("source.path must be absolute, got %q", src.Path)
		}
	case SourceVaultwarden:
		if src.DataDir == "" {
			return fmt.Errorf("source.data_dir is required for vaultwarden sources")
		}
		if !filepath.IsAbs(src.DataDir) {
			return fmt.Errorf("source.data_dir must be absolute, got %q", src.DataDir)
		}
	default:
		return fmt.Errorf("invalid source.type %q (must be 'filesystem', 'sqlite', or 'vaultwarden')", src.Type)
	}
	return nil
}

func (p *Pipeline) validate() error {
	if p.Compression != "zstd" {
		return fmt.Errorf("invalid pipeline.compression %q (only 'zstd' is supported)", p.Compression)
	}
	switch p.Encryption.Type {
	case EncryptionNone:
		if p.Encryption.KeyName != "" {
			return fmt.Errorf("pipeline.encryption.key_name must be empty when encryption is 'none'")
		}
	case EncryptionAgeX25519:
		if p.Encryption.KeyName == "" {
			return fmt.Errorf("pipeline.encryption.key_name is required for age_x25519")
		}
	default:
		return fmt.Errorf("invalid pipeline.encryption.type %q (must be 'none' or 'age_x25519')", p.Encryption.Type)
	}
	return nil
}

func (t *Target) validate() error {
	switch t.Type {
	case TargetWebDAV:
		if t.SecretName == "" {
			return fmt.Errorf("target.secret_name is required for webdav targets")
		}
		if t.BaseDir != "" {
			return fmt.Errorf("target.base_dir must be empty for webdav targets")
		}
	case TargetLocalDir:
		if t.BaseDir == "" {
			return fmt.Errorf("target.base_dir is required for local_dir targets")
		}
		if !filepath.IsAbs(t.BaseDir) {
			return fmt.Errorf("target.base_dir must be absolute, got %q", t.BaseDir)
		}
		if t.SecretName != "" {
			return fmt.Errorf("target.secret_name must be empty for local_dir targets")
		}
	default:
		return fmt.Errorf("invalid target.type %q (must be 'webdav' or 'local_dir')", t.Type)
	}
	if t.PartSizeBytes < MinPartSizeBytes {
		return fmt.Errorf("target.part_size_bytes %d is below the minimum %d", t.PartSizeBytes, MinPartSizeBytes)
	}
	switch t.Mode {
	case ModeStaged, ModeArchiveV1:
	default:
		return fmt.Errorf("invalid target.mode %q (must be 'staged' or 'archive_v1')", t.Mode)
	}
	return nil
}

// SecretRef names one credential the spec depends on.
type SecretRef struct {
	Kind string
	Name string
}

// SecretRefs lists every credential the spec references, so job mutation
// can reject specs pointing at secrets that do not exist.
func (s *Spec) SecretRefs() []SecretRef {
	var refs []SecretRef
	if s.Target.Type == TargetWebDAV {
		refs = append(refs, SecretRef{Kind: "webdav", Name: s.Target.SecretName})
	}
	if s.Pipeline.Encryption.Type == EncryptionAgeX25519 {
		refs = append(refs, SecretRef{Kind: "age_x25519", Name: s.Pipeline.Encryption.KeyName})
	}
	for _, route := range s.Notify {
		refs = append(refs, SecretRef{Kind: route.Channel, Name: route.SecretName})
	}
	return refs
}
