package orchestrator

import (
	"testing"

	"go.uber.org/zap"

	"github.com/nathantapsas/lakehouse/bundle"
	"github.com/nathantapsas/lakehouse/ingest"
)

func TestManifestPlanner(t *testing.T) {
	layout := bundle.NewLayout(t.TempDir(), zap.NewNop())
	spec := testSpec("customers", "*.csv")
	dir := layout.BundleDir(ingest.FileKey{SourceName: "customers", Signature: "sig", SpecHash: "hash"})

	planner := &ManifestPlanner{Layout: layout, Catalog: "lake", Schema: "main"}

	t.Run("missing manifest is an error", func(t *testing.T) {
		if _, err := planner.Plan(dir, spec); err == nil {
			t.Fatal("expected error for bundle without manifest")
		}
	})

	if err := layout.WriteManifest(dir, &bundle.Manifest{
		SourceName: "customers",
		Status:     bundle.StatusCompleted,
		Artifacts: []bundle.Artifact{
			{RelPath: "data.parquet", Type: bundle.ArtifactTypeData, Count: 5},
			{RelPath: "notes.txt", Type: "debug", Count: 0},
		},
	}); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}

	t.Run("plans data artifacts only", func(t *testing.T) {
		targets, err := planner.Plan(dir, spec)
		if err != nil {
			t.Fatalf("plan failed: %v", err)
		}
		if len(targets) != 1 {
			t.Fatalf("expected 1 target, got %d", len(targets))
		}
		if targets[0].TableFQN != "lake.main.customers" || targets[0].ArtifactRelPath != "data.parquet" {
			t.Errorf("unexpected target: %+v", targets[0])
		}
	})

	t.Run("manifest with no data artifacts is an error", func(t *testing.T) {
		empty := layout.BundleDir(ingest.FileKey{SourceName: "customers", Signature: "sig2", SpecHash: "hash"})
		if err := layout.WriteManifest(empty, &bundle.Manifest{Status: bundle.StatusCompleted}); err != nil {
			t.Fatalf("failed to write manifest: %v", err)
		}
		if _, err := planner.Plan(empty, spec); err == nil {
			t.Fatal("expected error for bundle with no data artifacts")
		}
	})
}
