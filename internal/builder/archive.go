package builder

import (
	"archive/tar"
	"fmt"
	"io"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"

	"github.com/bastion-sh/bastion/internal/jobspec"
	"github.com/bastion-sh/bastion/internal/secretbox"
)

type archiveConfig struct {
	Dir          string
	PartSize     int64
	Workers      int
	AgeRecipient string
	OnFinalize   func(LocalArtifact) error
}

// archiveWriter is the assembled payload pipeline: tar entries flow
// through the optional age encryptor into the zstd encoder and land in
// the rotating part writer.
type archiveWriter struct {
	pw *partWriter
	zw *zstd.Encoder
	aw io.WriteCloser
	tw *tar.Writer
}

func newArchiveWriter(cfg archiveConfig) (*archiveWriter, error) {
	if cfg.PartSize <= 0 {
		cfg.PartSize = jobspec.DefaultPartSizeBytes
	}
	pw := newPartWriter(cfg.Dir, cfg.PartSize, cfg.OnFinalize)

	opts := []zstd.EOption{zstd.WithEncoderLevel(zstd.SpeedDefault)}
	if cfg.Workers > 0 {
		opts = append(opts, zstd.WithEncoderConcurrency(cfg.Workers))
	}
	zw, err := zstd.NewWriter(pw, opts...)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}

	a := &archiveWriter{pw: pw, zw: zw}
	var sink io.Writer = zw
	if cfg.AgeRecipient != "" {
		recipient, err := secretbox.ParseAgeRecipient(cfg.AgeRecipient)
		if err != nil {
			zw.Close()
			return nil, err
		}
		aw, err := age.Encrypt(zw, recipient)
		if err != nil {
			zw.Close()
			return nil, fmt.Errorf("start age encryption: %w", err)
		}
		a.aw = aw
		sink = aw
	}
	a.tw = tar.NewWriter(sink)
	return a, nil
}

// Close flushes the stack innermost-out and finalizes the last part.
func (a *archiveWriter) Close() error {
	if err := a.tw.Close(); err != nil {
		return fmt.Errorf("close tar stream: %w", err)
	}
	if a.aw != nil {
		if err := a.aw.Close(); err != nil {
			return fmt.Errorf("close age stream: %w", err)
		}
	}
	if err := a.zw.Close(); err != nil {
		return fmt.Errorf("close zstd stream: %w", err)
	}
	return a.pw.Close()
}

// abort releases the encoder and drops the in-progress partial part.
// Already-finalized parts stay on disk for the cleanup queue to
// collect.
func (a *archiveWriter) abort() {
	a.zw.Close()
	a.pw.abort()
}

func (a *archiveWriter) parts() []LocalArtifact {
	return a.pw.finalized
}
