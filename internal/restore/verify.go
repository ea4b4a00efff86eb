// Package restore reads stored runs back: verify checks every artifact
// against the manifest, restore extracts the payload into a directory.
// Both refuse runs that never got their completion marker.
package restore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"lukechampine.com/blake3"

	"github.com/bastion-sh/bastion/internal/builder"
	"github.com/bastion-sh/bastion/internal/events"
	"github.com/bastion-sh/bastion/internal/target"
)

// ErrNotCommitted marks a run directory without complete.json. Nothing
// is read from such a run: it is either in flight or abandoned.
var ErrNotCommitted = errors.New("run has no completion marker")

// Options name the run to operate on and where it lives.
type Options struct {
	Store target.Store
	JobID string
	RunID string

	// Events receives the operation's event stream; nil drops it.
	Events events.Sink
}

// VerifyReport summarizes a successful verification.
type VerifyReport struct {
	Manifest     *builder.Manifest
	Parts        int
	PayloadBytes int64
}

// Verify fetches the completion marker and manifest, then re-reads
// every payload part and the entries index, checking sizes and blake3
// hashes against the manifest.
func Verify(ctx context.Context, opts Options) (*VerifyReport, error) {
	if opts.Events == nil {
		opts.Events = events.NopSink{}
	}
	opts.Events.Event(events.LevelInfo, events.KindVerifyStarted, "verify starting",
		map[string]any{"job_id": opts.JobID, "run_id": opts.RunID})

	rep, err := verifyRun(ctx, opts)
	if err != nil {
		opts.Events.Event(events.LevelError, events.KindVerifyFailed, err.Error(), nil)
		return nil, err
	}
	opts.Events.Event(events.LevelInfo, events.KindVerifyComplete, "verify complete",
		map[string]any{"parts": rep.Parts, "payload_bytes": rep.PayloadBytes})
	return rep, nil
}

func verifyRun(ctx context.Context, opts Options) (*VerifyReport, error) {
	c, err := fetchComplete(ctx, opts)
	if err != nil {
		return nil, err
	}

	manifestRaw, err := fetchAll(ctx, opts, target.ManifestName)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	sum := blake3.Sum256(manifestRaw)
	if got := hex.EncodeToString(sum[:]); got != c.ManifestHash {
		return nil, fmt.Errorf("manifest hash mismatch: marker has %s, stored manifest is %s", c.ManifestHash, got)
	}
	m, err := builder.ParseManifest(manifestRaw)
	if err != nil {
		return nil, err
	}

	rep := &VerifyReport{Manifest: m, Parts: len(m.Artifacts)}
	for _, part := range m.Artifacts {
		n, err := checkArtifact(ctx, opts, part.Name, part.Size, part.HashAlg, part.Hash)
		if err != nil {
			return nil, err
		}
		rep.PayloadBytes += n
		opts.Events.Event(events.LevelInfo, events.KindVerifyPart, "verified "+part.Name,
			map[string]any{"name": part.Name, "size": n})
	}

	idx := m.EntriesIndex
	if _, err := checkArtifact(ctx, opts, idx.Name, idx.Size, idx.HashAlg, idx.Hash); err != nil {
		return nil, err
	}
	return rep, nil
}

func fetchComplete(ctx context.Context, opts Options) (*builder.Complete, error) {
	raw, err := fetchAll(ctx, opts, target.CompleteName)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s/%s: %w", opts.JobID, opts.RunID, ErrNotCommitted)
		}
		return nil, fmt.Errorf("fetch completion marker: %w", err)
	}
	return builder.ParseComplete(raw)
}

func fetchAll(ctx context.Context, opts Options, name string) ([]byte, error) {
	rc, err := opts.Store.FetchFile(ctx, opts.JobID, opts.RunID, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// checkArtifact streams one stored artifact through blake3, comparing
// size and digest against the manifest's claim.
func checkArtifact(ctx context.Context, opts Options, name string, wantSize int64, alg, wantHash string) (int64, error) {
	if alg != "blake3" {
		return 0, fmt.Errorf("%s: unknown hash_alg %q", name, alg)
	}
	rc, err := opts.Store.FetchFile(ctx, opts.JobID, opts.RunID, name)
	if err != nil {
		return 0, fmt.Errorf("fetch %s: %w", name, err)
	}
	defer rc.Close()

	h := blake3.New(32, nil)
	n, err := io.Copy(h, rc)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", name, err)
	}
	if n != wantSize {
		return 0, fmt.Errorf("%s: size mismatch: manifest says %d, stored %d", name, wantSize, n)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != wantHash {
		return 0, fmt.Errorf("%s: hash mismatch: manifest says %s, stored %s", name, wantHash, got)
	}
	return n, nil
}
