package jobspec

// ResolvedTargetV1 is a target descriptor with credentials inlined. It
// exists only in flight (inside a Task frame to an agent) and in memory on
// the executing node; it is never persisted.
type ResolvedTargetV1 struct {
	Type TargetType `json:"type"`

	// LocalDir.
	BaseDir string `json:"base_dir,omitempty"`

	// WebDAV, resolved from the named secret.
	URL      string `json:"url,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	PartSizeBytes int64      `json:"part_size_bytes"`
	Mode          TargetMode `json:"mode"`
}

// ResolvedV1 is the fully resolved, self-contained execution order for one
// run: the spec with every secret reference replaced by its plaintext
// value. AgeRecipient carries only the public recipient, never the
// identity.
type ResolvedV1 struct {
	V       int    `json:"v"`
	JobID   string `json:"job_id"`
	JobName string `json:"job_name"`

	Source       Source           `json:"source"`
	Compression  string           `json:"compression"`
	AgeRecipient string           `json:"age_recipient,omitempty"`
	Target       ResolvedTargetV1 `json:"target"`
}

// Spec reconstructs the builder-facing spec from a resolved order. The
// encryption key name does not travel with the order, so the rebuilt
// spec carries only the encryption type.
func (r *ResolvedV1) Spec() *Spec {
	spec := &Spec{
		Source:   r.Source,
		Pipeline: Pipeline{Compression: r.Compression},
		Target: Target{
			Type:          r.Target.Type,
			BaseDir:       r.Target.BaseDir,
			PartSizeBytes: r.Target.PartSizeBytes,
			Mode:          r.Target.Mode,
		},
	}
	if r.AgeRecipient != "" {
		spec.Pipeline.Encryption = Encryption{Type: EncryptionAgeX25519}
	}
	return spec
}

// Resolve inlines the given credential values into a ResolvedV1. Callers
// look the values up from the secrets store; this keeps jobspec free of
// store and crypto dependencies.
func (s *Spec) Resolve(jobID, jobName string, webdavURL, webdavUser, webdavPass, ageRecipient string) *ResolvedV1 {
	resolved := &ResolvedV1{
		V:            1,
		JobID:        jobID,
		JobName:      jobName,
		Source:       s.Source,
		Compression:  s.Pipeline.Compression,
		AgeRecipient: ageRecipient,
		Target: ResolvedTargetV1{
			Type:          s.Target.Type,
			BaseDir:       s.Target.BaseDir,
			URL:           webdavURL,
			Username:      webdavUser,
			Password:      webdavPass,
			PartSizeBytes: s.Target.PartSizeBytes,
			Mode:          s.Target.Mode,
		},
	}
	return resolved
}
