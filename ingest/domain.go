// Package ingest defines the domain model shared by the ingestion pipeline:
// file identity, discovery results, extraction results, and the per-source
// ingestion specification.
package ingest

import (
	"fmt"
	"time"
)

// FileKey identifies one version of a raw file under one ingestion spec.
//
// Signature is a cheap content proxy (filename + size + mtime by default).
// SpecHash is included so that changing a spec forces reprocessing of files
// already checkpointed under the old spec. Two keys are equal iff all three
// fields match.
type FileKey struct {
	SourceName string
	Signature  string
	SpecHash   string
}

// DiscoveredFile is a raw file observed during a discovery scan.
// It is recomputed on every run and never persisted directly.
type DiscoveredFile struct {
	Key       FileKey
	Path      string // absolute
	SizeBytes int64
	MTimeUTC  time.Time
}

// RunContext scopes one orchestrator invocation. The run id doubles as the
// claim token namespacing temporary bundle directories.
type RunContext struct {
	RunID string
}

// ExtractionResult is the output of one successful extraction.
type ExtractionResult struct {
	BundleDir    string
	RowsTotal    int64
	SnapshotDate *time.Time // derived from the filename, nil when unconfigured
}

// LoadTarget is one planned write of a bundle artifact into a target table.
// The store derives the actual load statement; the planner only names the
// table and the artifact.
type LoadTarget struct {
	TableFQN        string // catalog.schema.table
	ArtifactRelPath string // relative to the bundle directory
}

// SignatureFunc computes the metadata signature part of a FileKey.
// It is injectable so that callers who need stronger guarantees can swap in
// a content digest; the default trades accuracy for a stat-only scan.
type SignatureFunc func(name string, size int64, mtime time.Time) string

// DefaultSignature is the name+size+mtime signature strategy. A file
// rewritten with identical bytes but a fresh mtime will be reprocessed.
func DefaultSignature(name string, size int64, mtime time.Time) string {
	return fmt.Sprintf("%s_%d_%d", name, size, mtime.UnixNano())
}
