package jobspec

import (
	"strings"
	"testing"
)

func validFilesystemSpec() string {
	return `{
		"source": {"type": "filesystem", "root": "/srv/data"},
		"pipeline": {"compression": "zstd", "encryption": {"type": "none"}},
		"target": {"type": "local_dir", "base_dir": "/backups"}
	}`
}

func TestParseAppliesDefaults(t *testing.T) {
	spec, err := Parse([]byte(validFilesystemSpec()))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if spec.Source.SymlinkPolicy != SymlinkRecord {
		t.Errorf("symlink_policy = %q, want record", spec.Source.SymlinkPolicy)
	}
	if spec.Source.HardlinkPolicy != HardlinkDetect {
		t.Errorf("hardlink_policy = %q, want detect", spec.Source.HardlinkPolicy)
	}
	if spec.Source.ErrorPolicy != ErrorAbort {
		t.Errorf("error_policy = %q, want abort", spec.Source.ErrorPolicy)
	}
	if spec.Target.PartSizeBytes != DefaultPartSizeBytes {
		t.Errorf("part_size_bytes = %d, want %d", spec.Target.PartSizeBytes, DefaultPartSizeBytes)
	}
	if spec.Target.Mode != ModeStaged {
		t.Errorf("mode = %q, want staged", spec.Target.Mode)
	}
}

func TestParseMinimalDefaultsPipeline(t *testing.T) {
	spec, err := Parse([]byte(`{
		"source": {"type": "sqlite", "path": "/var/lib/app/db.sqlite3"},
		"target": {"type": "local_dir", "base_dir": "/backups"}
	}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if spec.Pipeline.Compression != "zstd" {
		t.Errorf("compression = %q, want zstd", spec.Pipeline.Compression)
	}
	if spec.Pipeline.Encryption.Type != EncryptionNone {
		t.Errorf("encryption = %q, want none", spec.Pipeline.Encryption.Type)
	}
}

func TestParseRejections(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantMsg string
	}{
		{
			name:    "unknown source type",
			raw:     `{"source":{"type":"ftp"},"target":{"type":"local_dir","base_dir":"/b"}}`,
			wantMsg: "source.type",
		},
		{
			name:    "filesystem without root",
			raw:     `{"source":{"type":"filesystem"},"target":{"type":"local_dir","base_dir":"/b"}}`,
			wantMsg: "source.root",
		},
		{
			name:    "relative root",
			raw:     `{"source":{"type":"filesystem","root":"data"},"target":{"type":"local_dir","base_dir":"/b"}}`,
			wantMsg: "absolute",
		},
		{
			name:    "bad symlink policy",
			raw:     `{"source":{"type":"filesystem","root":"/d","symlink_policy":"mirror"},"target":{"type":"local_dir","base_dir":"/b"}}`,
			wantMsg: "symlink_policy",
		},
		{
			name:    "bad include glob",
			raw:     `{"source":{"type":"filesystem","root":"/d","include":["[unterminated"]},"target":{"type":"local_dir","base_dir":"/b"}}`,
			wantMsg: "include pattern",
		},
		{
			name:    "sqlite without path",
			raw:     `{"source":{"type":"sqlite"},"target":{"type":"local_dir","base_dir":"/b"}}`,
			wantMsg: "source.path",
		},
		{
			name:    "vaultwarden without data dir",
			raw:     `{"source":{"type":"vaultwarden"},"target":{"type":"local_dir","base_dir":"/b"}}`,
			wantMsg: "source.data_dir",
		},
		{
			name:    "unsupported compression",
			raw:     `{"source":{"type":"sqlite","path":"/d/x.db"},"pipeline":{"compression":"gzip"},"target":{"type":"local_dir","base_dir":"/b"}}`,
			wantMsg: "compression",
		},
		{
			name:    "age without key name",
			raw:     `{"source":{"type":"sqlite","path":"/d/x.db"},"pipeline":{"encryption":{"type":"age_x25519"}},"target":{"type":"local_dir","base_dir":"/b"}}`,
			wantMsg: "key_name",
		},
		{
			name:    "unknown encryption",
			raw:     `{"source":{"type":"sqlite","path":"/d/x.db"},"pipeline":{"encryption":{"type":"pgp"}},"target":{"type":"local_dir","base_dir":"/b"}}`,
			wantMsg: "encryption.type",
		},
		{
			name:    "webdav without secret",
			raw:     `{"source":{"type":"sqlite","path":"/d/x.db"},"target":{"type":"webdav"}}`,
			wantMsg: "target.secret_name",
		},
		{
			name:    "local_dir with secret",
			raw:     `{"source":{"type":"sqlite","path":"/d/x.db"},"target":{"type":"local_dir","base_dir":"/b","secret_name":"nas"}}`,
			wantMsg: "secret_name must be empty",
		},
		{
			name:    "unknown target type",
			raw:     `{"source":{"type":"sqlite","path":"/d/x.db"},"target":{"type":"s3"}}`,
			wantMsg: "target.type",
		},
		{
			name:    "part size below minimum",
			raw:     `{"source":{"type":"sqlite","path":"/d/x.db"},"target":{"type":"local_dir","base_dir":"/b","part_size_bytes":1024}}`,
			wantMsg: "part_size_bytes",
		},
		{
			name:    "unknown target mode",
			raw:     `{"source":{"type":"sqlite","path":"/d/x.db"},"target":{"type":"local_dir","base_dir":"/b","mode":"mirror"}}`,
			wantMsg: "target.mode",
		},
		{
			name:    "bad notify channel",
			raw:     `{"source":{"type":"sqlite","path":"/d/x.db"},"target":{"type":"local_dir","base_dir":"/b"},"notify":[{"channel":"pager","secret_name":"x"}]}`,
			wantMsg: "channel",
		},
		{
			name:    "notify without secret",
			raw:     `{"source":{"type":"sqlite","path":"/d/x.db"},"target":{"type":"local_dir","base_dir":"/b"},"notify":[{"channel":"email"}]}`,
			wantMsg: "secret_name is required",
		},
		{
			name:    "malformed json",
			raw:     `{"source":`,
			wantMsg: "decode job spec",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			if err == nil {
				t.Fatalf("Parse accepted %s", tt.raw)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestParseReportsEveryBadSection(t *testing.T) {
	// One document, three broken sections and a broken route: the error
	// must name all of them, not stop at the first.
	raw := `{
		"source": {"type": "filesystem"},
		"pipeline": {"compression": "gzip"},
		"target": {"type": "webdav"},
		"notify": [{"channel": "pager"}]
	}`
	_, err := Parse([]byte(raw))
	if err == nil {
		t.Fatal("Parse accepted a spec with four bad sections")
	}
	for _, want := range []string{
		"source.root",
		"compression",
		"target.secret_name",
		"invalid channel",
		"secret_name is required",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestSecretRefs(t *testing.T) {
	spec, err := Parse([]byte(`{
		"source": {"type": "filesystem", "root": "/srv/data"},
		"pipeline": {"encryption": {"type": "age_x25519", "key_name": "default"}},
		"target": {"type": "webdav", "secret_name": "nas"},
		"notify": [{"channel": "wecom_bot", "secret_name": "ops"}]
	}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	refs := spec.SecretRefs()
	want := []SecretRef{
		{Kind: "webdav", Name: "nas"},
		{Kind: "age_x25519", Name: "default"},
		{Kind: "wecom_bot", Name: "ops"},
	}
	if len(refs) != len(want) {
		t.Fatalf("SecretRefs() = %v, want %v", refs, want)
	}
	for i := range want {
		if refs[i] != want[i] {
			t.Errorf("ref[%d] = %v, want %v", i, refs[i], want[i])
		}
	}
}

func TestSecretRefsLocalPlainSpec(t *testing.T) {
	spec, err := Parse([]byte(validFilesystemSpec()))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if refs := spec.SecretRefs(); len(refs) != 0 {
		t.Errorf("SecretRefs() = %v, want none", refs)
	}
}

func TestResolveInlinesCredentials(t *testing.T) {
	spec, err := Parse([]byte(`{
		"source": {"type": "filesystem", "root": "/srv/data"},
		"pipeline": {"encryption": {"type": "age_x25519", "key_name": "default"}},
		"target": {"type": "webdav", "secret_name": "nas", "mode": "archive_v1"}
	}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	resolved := spec.Resolve("j1", "photos", "https://dav.example/b", "u", "p", "age1xyz")
	if resolved.V != 1 {
		t.Errorf("v = %d, want 1", resolved.V)
	}
	if resolved.Target.URL != "https://dav.example/b" || resolved.Target.Password != "p" {
		t.Errorf("target credentials not inlined: %+v", resolved.Target)
	}
	if resolved.Target.Mode != ModeArchiveV1 {
		t.Errorf("mode = %q, want archive_v1", resolved.Target.Mode)
	}
	if resolved.AgeRecipient != "age1xyz" {
		t.Errorf("age recipient = %q", resolved.AgeRecipient)
	}
	if resolved.Target.PartSizeBytes != DefaultPartSizeBytes {
		t.Errorf("part size = %d, want default", resolved.Target.PartSizeBytes)
	}
}
