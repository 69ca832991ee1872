package bundle

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/nathantapsas/lakehouse/ingest"
)

func testKey(source, sig, specHash string) ingest.FileKey {
	return ingest.FileKey{SourceName: source, Signature: sig, SpecHash: specHash}
}

func testLayout(t *testing.T) *Layout {
	t.Helper()
	return NewLayout(t.TempDir(), zap.NewNop())
}

func TestBundleDirIsDeterministicPerKey(t *testing.T) {
	l := testLayout(t)
	key := testKey("customers", "customers.csv_100_1", "abcdef0123456789")

	if l.BundleDir(key) != l.BundleDir(key) {
		t.Error("same key must map to the same final dir")
	}

	otherSpec := testKey("customers", "customers.csv_100_1", "ffffffffffffffff")
	if l.BundleDir(key) == l.BundleDir(otherSpec) {
		t.Error("changing the spec hash must change the bundle dir")
	}

	otherSig := testKey("customers", "customers.csv_100_2", "abcdef0123456789")
	if l.BundleDir(key) == l.BundleDir(otherSig) {
		t.Error("changing the signature must change the bundle dir")
	}

	if filepath.Dir(l.BundleDir(key)) != filepath.Join(l.Root(), "customers") {
		t.Errorf("bundle dir must live under the source dir, got %s", l.BundleDir(key))
	}
}

func TestManifestMarksBundleComplete(t *testing.T) {
	l := testLayout(t)
	dir := l.BundleDir(testKey("customers", "sig", "hash"))

	if l.IsComplete(dir) {
		t.Fatal("bundle must not be complete before manifest write")
	}

	m := &Manifest{
		SourceName: "customers",
		RawFile:    "/raw/customers.csv",
		Status:     StatusCompleted,
		Metrics:    ManifestMetrics{TotalRows: 42},
		Artifacts:  []Artifact{{RelPath: "data.parquet", Type: ArtifactTypeData, Count: 42}},
	}
	if err := l.WriteManifest(dir, m); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}
	if !l.IsComplete(dir) {
		t.Fatal("bundle must be complete once the manifest exists")
	}

	got, err := l.ReadManifest(dir)
	if err != nil {
		t.Fatalf("failed to read manifest: %v", err)
	}
	if got.Metrics.TotalRows != 42 || got.SourceName != "customers" {
		t.Errorf("manifest round trip mismatch: %+v", got)
	}
	if len(got.Artifacts) != 1 || got.Artifacts[0].RelPath != "data.parquet" {
		t.Errorf("unexpected artifacts: %+v", got.Artifacts)
	}
}

func TestFinalizePromotesAndPrunesTmp(t *testing.T) {
	l := testLayout(t)
	key := testKey("customers", "sig", "hash")
	tmp := l.TmpBundleDir(key, "run-1")
	final := l.BundleDir(key)

	if err := l.EnsureDir(tmp); err != nil {
		t.Fatalf("failed to create tmp dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, "data.parquet"), []byte("pq"), 0644); err != nil {
		t.Fatalf("failed to seed artifact: %v", err)
	}

	if err := l.Finalize(tmp, final); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(final, "data.parquet")); err != nil {
		t.Errorf("artifact missing from final dir: %v", err)
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Errorf("tmp bundle dir should be gone, stat err=%v", err)
	}
	// Empty run and source dirs under _tmp are pruned, the _tmp zone itself
	// is protected.
	if _, err := os.Stat(filepath.Join(l.Root(), "_tmp", "customers")); !os.IsNotExist(err) {
		t.Errorf("empty tmp source dir should be pruned, stat err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(l.Root(), "_tmp")); err != nil {
		t.Errorf("_tmp zone must never be pruned: %v", err)
	}
}

func TestFinalizeTrashesStaleFinalDir(t *testing.T) {
	l := testLayout(t)
	key := testKey("customers", "sig", "hash")
	final := l.BundleDir(key)

	// A previous extraction left a final dir behind (extracted but never
	// committed, then the spec's artifacts were regenerated).
	if err := l.EnsureDir(final); err != nil {
		t.Fatalf("failed to create stale final dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(final, "stale.parquet"), []byte("old"), 0644); err != nil {
		t.Fatalf("failed to seed stale artifact: %v", err)
	}

	tmp := l.TmpBundleDir(key, "run-2")
	if err := l.EnsureDir(tmp); err != nil {
		t.Fatalf("failed to create tmp dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, "data.parquet"), []byte("new"), 0644); err != nil {
		t.Fatalf("failed to seed new artifact: %v", err)
	}

	if err := l.Finalize(tmp, final); err != nil {
		t.Fatalf("finalize over stale dir failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(final, "data.parquet")); err != nil {
		t.Errorf("new artifact missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(final, "stale.parquet")); !os.IsNotExist(err) {
		t.Errorf("stale artifact must not survive promotion, stat err=%v", err)
	}

	trash, err := os.ReadDir(filepath.Join(l.Root(), "_trash"))
	if err != nil || len(trash) != 1 {
		t.Fatalf("expected exactly one trashed dir, got %d (err=%v)", len(trash), err)
	}

	l.CleanupTrash()
	trash, _ = os.ReadDir(filepath.Join(l.Root(), "_trash"))
	if len(trash) != 0 {
		t.Errorf("trash should be empty after cleanup, got %d entries", len(trash))
	}
}

func TestDeleteBundleDirPrunesEmptyAncestors(t *testing.T) {
	l := testLayout(t)
	key := testKey("customers", "sig", "hash")
	dir := l.BundleDir(key)

	if err := l.EnsureDir(dir); err != nil {
		t.Fatalf("failed to create bundle dir: %v", err)
	}
	l.DeleteBundleDir(dir)

	if _, err := os.Stat(filepath.Join(l.Root(), "customers")); !os.IsNotExist(err) {
		t.Errorf("empty source dir should be pruned, stat err=%v", err)
	}
	if _, err := os.Stat(l.Root()); err != nil {
		t.Errorf("staging root must never be pruned: %v", err)
	}
}

func TestStartupRecoveryKeepsCompleteBundles(t *testing.T) {
	l := testLayout(t)

	complete := l.BundleDir(testKey("customers", "sig-a", "hash"))
	if err := l.WriteManifest(complete, &Manifest{Status: StatusCompleted}); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}

	incomplete := l.BundleDir(testKey("customers", "sig-b", "hash"))
	if err := l.EnsureDir(incomplete); err != nil {
		t.Fatalf("failed to create incomplete bundle: %v", err)
	}
	if err := os.WriteFile(filepath.Join(incomplete, "data.parquet"), []byte("pq"), 0644); err != nil {
		t.Fatalf("failed to seed artifact: %v", err)
	}

	orphanTmp := l.TmpBundleDir(testKey("orders", "sig-c", "hash"), "dead-run")
	if err := l.EnsureDir(orphanTmp); err != nil {
		t.Fatalf("failed to create orphan tmp: %v", err)
	}

	l.CleanupTmpAndIncompleteBundles()

	if !l.IsComplete(complete) {
		t.Error("complete bundle must survive recovery")
	}
	if _, err := os.Stat(incomplete); !os.IsNotExist(err) {
		t.Errorf("incomplete bundle must be deleted, stat err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(l.Root(), "_tmp")); !os.IsNotExist(err) {
		t.Errorf("tmp zone must be wiped at startup, stat err=%v", err)
	}
}

func TestPruneTmpRunDirsIsRunScoped(t *testing.T) {
	l := testLayout(t)
	mine := filepath.Join(l.Root(), "_tmp", "customers", "run-mine")
	other := filepath.Join(l.Root(), "_tmp", "customers", "run-other")
	for _, d := range []string{mine, other} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatalf("failed to create tmp run dir: %v", err)
		}
	}

	l.PruneTmpRunDirs("run-mine")

	if _, err := os.Stat(mine); !os.IsNotExist(err) {
		t.Errorf("own empty run dir should be pruned, stat err=%v", err)
	}
	if _, err := os.Stat(other); err != nil {
		t.Errorf("another run's tmp dir must be left alone: %v", err)
	}
}
