package extract

import (
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/nathantapsas/lakehouse/bundle"
	"github.com/nathantapsas/lakehouse/ingest"
)

// DataArtifactName is the single columnar artifact each bundle carries.
const DataArtifactName = "data.parquet"

// Run extracts one raw file into a bundle (parquet + manifest) and promotes
// it into the final zone.
//
// Idempotent: if the final bundle is already complete, extraction is skipped
// and the existing manifest's row count is returned without re-reading the
// raw file. On any failure the in-progress tmp directory is removed before
// the error propagates; the final directory is never touched on failure.
func Run(spec *ingest.Spec, file ingest.DiscoveredFile, tmpDir, finalDir string, layout *bundle.Layout, logger *zap.Logger) (ingest.ExtractionResult, error) {
	if layout.IsComplete(finalDir) {
		m, err := layout.ReadManifest(finalDir)
		if err != nil {
			return ingest.ExtractionResult{}, err
		}
		snapshot, err := SnapshotDateFromFilename(filepath.Base(file.Path), spec.Source)
		if err != nil {
			return ingest.ExtractionResult{}, err
		}
		logger.Debug("reusing complete bundle",
			zap.String("bundle", finalDir),
			zap.Int64("rows", m.Metrics.TotalRows))
		return ingest.ExtractionResult{
			BundleDir:    finalDir,
			RowsTotal:    m.Metrics.TotalRows,
			SnapshotDate: snapshot,
		}, nil
	}

	result, err := extractIntoTmp(spec, file, tmpDir, finalDir, layout)
	if err != nil {
		layout.DeleteBundleDir(tmpDir)
		return ingest.ExtractionResult{}, err
	}
	return result, nil
}

func extractIntoTmp(spec *ingest.Spec, file ingest.DiscoveredFile, tmpDir, finalDir string, layout *bundle.Layout) (ingest.ExtractionResult, error) {
	if err := layout.EnsureDir(tmpDir); err != nil {
		return ingest.ExtractionResult{}, err
	}

	snapshot, err := SnapshotDateFromFilename(filepath.Base(file.Path), spec.Source)
	if err != nil {
		return ingest.ExtractionResult{}, err
	}

	sys := SystemColumns{
		SourceFile:   filepath.Base(file.Path),
		IngestedAt:   time.Now().UTC(),
		SnapshotDate: snapshot,
	}

	extractor := NewExtractor(spec)
	rows, err := extractor.ExtractToParquet(file.Path, filepath.Join(tmpDir, DataArtifactName), sys)
	if err != nil {
		return ingest.ExtractionResult{}, err
	}

	m := &bundle.Manifest{
		SourceName: spec.Name,
		RawFile:    file.Path,
		Status:     bundle.StatusCompleted,
		Metrics:    bundle.ManifestMetrics{TotalRows: rows},
		Artifacts: []bundle.Artifact{
			{RelPath: DataArtifactName, Type: bundle.ArtifactTypeData, Count: rows},
		},
	}
	if err := layout.WriteManifest(tmpDir, m); err != nil {
		return ingest.ExtractionResult{}, err
	}

	if err := layout.Finalize(tmpDir, finalDir); err != nil {
		return ingest.ExtractionResult{}, err
	}

	return ingest.ExtractionResult{
		BundleDir:    finalDir,
		RowsTotal:    rows,
		SnapshotDate: snapshot,
	}, nil
}

// SnapshotDateFromFilename parses the snapshot date out of a file name using
// the spec's regex/format pair. Returns nil when the spec does not configure
// one; a configured regex that fails to match is a format error.
func SnapshotDateFromFilename(name string, src ingest.SourceSpec) (*time.Time, error) {
	if src.FilenameDateRegex == "" || src.FilenameDateFormat == "" {
		return nil, nil
	}

	re, err := regexp.Compile(src.FilenameDateRegex)
	if err != nil {
		return nil, fmt.Errorf("invalid filename_date_regex: %w", err)
	}
	match := re.FindStringSubmatch(name)
	if match == nil || len(match) < 2 {
		return nil, formatErrorf(name, "no date match using %q", src.FilenameDateRegex)
	}

	t, err := time.Parse(src.FilenameDateFormat, match[1])
	if err != nil {
		return nil, formatErrorf(name, "failed to parse date %q with layout %q: %v", match[1], src.FilenameDateFormat, err)
	}
	return &t, nil
}
