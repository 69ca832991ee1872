package bundle

import (
	"encoding/json"
	"fmt"
	"os"
)

// StatusCompleted is the status recorded for a fully extracted bundle.
const StatusCompleted = "COMPLETED"

// ArtifactTypeData marks a loadable columnar artifact.
const ArtifactTypeData = "data"

// Manifest marks a bundle complete and describes its artifacts. Its presence
// on disk is the sole durability signal the pipeline trusts.
type Manifest struct {
	SourceName string          `json:"source_name"`
	RawFile    string          `json:"raw_file"`
	Status     string          `json:"status"`
	Metrics    ManifestMetrics `json:"metrics"`
	Artifacts  []Artifact      `json:"artifacts"`
}

// ManifestMetrics holds bundle-level counters.
type ManifestMetrics struct {
	TotalRows int64 `json:"total_rows"`
}

// Artifact describes one file inside a bundle.
type Artifact struct {
	RelPath string `json:"relpath"`
	Type    string `json:"type"`
	Count   int64  `json:"count"`
}

// WriteManifest serializes the manifest to a temp file in the bundle
// directory and renames it over the canonical path. The rename is the
// durability boundary: no process ever observes a half-written manifest.
func (l *Layout) WriteManifest(bundleDir string, m *Manifest) error {
	if err := l.EnsureDir(bundleDir); err != nil {
		return err
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	path := l.ManifestPath(bundleDir)
	tmpPath := path + ".tmp"

	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp manifest: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename manifest: %w", err)
	}
	return nil
}

// ReadManifest loads a bundle's manifest.
func (l *Layout) ReadManifest(bundleDir string) (*Manifest, error) {
	data, err := os.ReadFile(l.ManifestPath(bundleDir))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}
