package extract

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nathantapsas/lakehouse/bundle"
	"github.com/nathantapsas/lakehouse/ingest"
)

func datedSpec() *ingest.Spec {
	spec := customerSpec()
	spec.Source.FilenameDateRegex = `_(\d{8})\.csv$`
	spec.Source.FilenameDateFormat = "20060102"
	return spec
}

func seedRawFile(t *testing.T, name, content string) ingest.DiscoveredFile {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to seed raw file: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("failed to stat raw file: %v", err)
	}
	return ingest.DiscoveredFile{
		Key: ingest.FileKey{
			SourceName: "customers",
			Signature:  ingest.DefaultSignature(name, info.Size(), info.ModTime().UTC()),
			SpecHash:   "testhash",
		},
		Path:      path,
		SizeBytes: info.Size(),
		MTimeUTC:  info.ModTime().UTC(),
	}
}

func TestRunExtractsAndPromotes(t *testing.T) {
	layout := bundle.NewLayout(t.TempDir(), zap.NewNop())
	spec := customerSpec()
	file := seedRawFile(t, "customers.csv", "\"ID\",\"Name\"\n\"1\",\"Ada\"\n\"2\",\"Grace\"\n")
	tmp := layout.TmpBundleDir(file.Key, "run-1")
	final := layout.BundleDir(file.Key)

	result, err := Run(spec, file, tmp, final, layout, zap.NewNop())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if result.RowsTotal != 2 {
		t.Errorf("expected 2 rows, got %d", result.RowsTotal)
	}
	if result.BundleDir != final {
		t.Errorf("result should point at the final dir, got %s", result.BundleDir)
	}
	if !layout.IsComplete(final) {
		t.Fatal("final bundle must be complete")
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Errorf("tmp dir should be gone after promotion, stat err=%v", err)
	}

	m, err := layout.ReadManifest(final)
	if err != nil {
		t.Fatalf("failed to read manifest: %v", err)
	}
	if m.Status != bundle.StatusCompleted || m.Metrics.TotalRows != 2 {
		t.Errorf("unexpected manifest: %+v", m)
	}
	artifact := filepath.Join(final, DataArtifactName)
	if info, err := os.Stat(artifact); err != nil || info.Size() == 0 {
		t.Errorf("data artifact missing or empty: err=%v", err)
	}
}

func TestRunIsIdempotentOnCompleteBundle(t *testing.T) {
	layout := bundle.NewLayout(t.TempDir(), zap.NewNop())
	spec := customerSpec()
	file := seedRawFile(t, "customers.csv", "\"ID\",\"Name\"\n\"1\",\"Ada\"\n")
	final := layout.BundleDir(file.Key)

	if _, err := Run(spec, file, layout.TmpBundleDir(file.Key, "run-1"), final, layout, zap.NewNop()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	firstInfo, err := os.Stat(filepath.Join(final, DataArtifactName))
	if err != nil {
		t.Fatalf("failed to stat artifact: %v", err)
	}

	result, err := Run(spec, file, layout.TmpBundleDir(file.Key, "run-2"), final, layout, zap.NewNop())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if result.RowsTotal != 1 {
		t.Errorf("expected manifest row count 1, got %d", result.RowsTotal)
	}

	secondInfo, err := os.Stat(filepath.Join(final, DataArtifactName))
	if err != nil {
		t.Fatalf("failed to stat artifact: %v", err)
	}
	if !firstInfo.ModTime().Equal(secondInfo.ModTime()) {
		t.Error("artifact must not be rewritten when the bundle is already complete")
	}
}

func TestRunCleansUpTmpOnFailure(t *testing.T) {
	layout := bundle.NewLayout(t.TempDir(), zap.NewNop())
	spec := customerSpec()
	// Header is missing the required ID column.
	file := seedRawFile(t, "customers.csv", "\"Name\"\n\"Ada\"\n")
	tmp := layout.TmpBundleDir(file.Key, "run-1")
	final := layout.BundleDir(file.Key)

	_, err := Run(spec, file, tmp, final, layout, zap.NewNop())
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FormatError, got %v", err)
	}

	if _, statErr := os.Stat(tmp); !os.IsNotExist(statErr) {
		t.Errorf("tmp dir must be removed on failure, stat err=%v", statErr)
	}
	if _, statErr := os.Stat(final); !os.IsNotExist(statErr) {
		t.Errorf("final dir must not exist on failure, stat err=%v", statErr)
	}
}

func TestRunWritesEmptyArtifactForHeaderOnlyFile(t *testing.T) {
	layout := bundle.NewLayout(t.TempDir(), zap.NewNop())
	spec := customerSpec()
	file := seedRawFile(t, "customers.csv", "\"ID\",\"Name\"\n")

	result, err := Run(spec, file, layout.TmpBundleDir(file.Key, "run-1"), layout.BundleDir(file.Key), layout, zap.NewNop())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.RowsTotal != 0 {
		t.Errorf("expected 0 rows, got %d", result.RowsTotal)
	}
	// A schema-only artifact is still written so the loader can read it.
	if info, statErr := os.Stat(filepath.Join(result.BundleDir, DataArtifactName)); statErr != nil || info.Size() == 0 {
		t.Errorf("expected schema-only artifact, err=%v", statErr)
	}
}

func TestSnapshotDateFromFilename(t *testing.T) {
	src := datedSpec().Source

	t.Run("parses configured date", func(t *testing.T) {
		got, err := SnapshotDateFromFilename("customers_20260115.csv", src)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
		if got == nil || !got.Equal(want) {
			t.Errorf("snapshot date = %v, want %v", got, want)
		}
	})

	t.Run("nil when unconfigured", func(t *testing.T) {
		got, err := SnapshotDateFromFilename("customers.csv", customerSpec().Source)
		if err != nil || got != nil {
			t.Errorf("expected nil date and nil error, got %v, %v", got, err)
		}
	})

	t.Run("non-matching name is a format error", func(t *testing.T) {
		_, err := SnapshotDateFromFilename("customers.csv", src)
		var fe *FormatError
		if !errors.As(err, &fe) {
			t.Fatalf("expected FormatError, got %v", err)
		}
	})
}
