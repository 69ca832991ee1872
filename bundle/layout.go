// Package bundle manages the staging filesystem tree for extraction bundles.
//
// Layout:
//
//	staging_root/
//	  _tmp/<source>/<run_id>/<bundle_id>/  -> working area for active extractions
//	  _trash/                              -> atomic-deletion holding area
//	  <source>/<bundle_id>/                -> completed bundles waiting for load
//
// A bundle is complete iff its manifest file exists; the manifest is written
// with a temp-file + rename so no reader ever observes a half-written one.
// Directory names starting with "_" mark internal zones and are never pruned.
package bundle

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nathantapsas/lakehouse/ingest"
)

const (
	tmpDirName   = "_tmp"
	trashDirName = "_trash"

	// ManifestFilename marks a bundle directory as complete.
	ManifestFilename = "bundle.json"

	finalizeRetries = 10
	finalizeBackoff = 50 * time.Millisecond
)

// Layout derives bundle paths from file keys and performs the crash-safe
// promote/trash/prune operations on the staging tree.
type Layout struct {
	root   string
	logger *zap.Logger
}

// NewLayout creates a layout rooted at stagingRoot.
func NewLayout(stagingRoot string, logger *zap.Logger) *Layout {
	return &Layout{root: stagingRoot, logger: logger}
}

// Root returns the staging root directory.
func (l *Layout) Root() string { return l.root }

func (l *Layout) tmpRoot() string   { return filepath.Join(l.root, tmpDirName) }
func (l *Layout) trashRoot() string { return filepath.Join(l.root, trashDirName) }

// bundleID derives the deterministic directory name for a key: a short hash
// of the metadata signature plus a prefix of the spec hash. Re-extracting the
// same file version under the same spec always maps to the same path.
func bundleID(key ingest.FileKey) string {
	sum := md5.Sum([]byte(key.Signature))
	sig := hex.EncodeToString(sum[:])[:16]
	specPrefix := key.SpecHash
	if len(specPrefix) > 12 {
		specPrefix = specPrefix[:12]
	}
	return sig + "_" + specPrefix
}

// BundleDir returns the final directory for a key. It does not depend on the
// run id, so repeated runs converge on the same location.
func (l *Layout) BundleDir(key ingest.FileKey) string {
	return filepath.Join(l.root, key.SourceName, bundleID(key))
}

// TmpBundleDir returns the run-scoped working directory for a key.
func (l *Layout) TmpBundleDir(key ingest.FileKey, runID string) string {
	return filepath.Join(l.tmpRoot(), key.SourceName, runID, bundleID(key))
}

// ManifestPath returns the manifest location inside a bundle directory.
func (l *Layout) ManifestPath(bundleDir string) string {
	return filepath.Join(bundleDir, ManifestFilename)
}

// IsComplete reports whether a bundle directory holds a manifest. This is the
// only completeness check in the system.
func (l *Layout) IsComplete(bundleDir string) bool {
	_, err := os.Stat(l.ManifestPath(bundleDir))
	return err == nil
}

// EnsureDir creates a bundle directory and its parents.
func (l *Layout) EnsureDir(bundleDir string) error {
	if err := os.MkdirAll(bundleDir, 0755); err != nil {
		return fmt.Errorf("failed to create bundle directory: %w", err)
	}
	return nil
}

// Finalize promotes a finished temporary bundle into the final zone.
//
// If a final directory already exists (re-extraction of the same version) it
// is first renamed into the trash zone under a unique name rather than
// deleted in place, so the promotion remains a single atomic rename. The
// rename is retried with linearly increasing delay for transient lock errors;
// exhausting the retries is fatal for this extraction.
func (l *Layout) Finalize(tmpDir, finalDir string) error {
	if err := os.MkdirAll(filepath.Dir(finalDir), 0755); err != nil {
		return fmt.Errorf("failed to create final parent directory: %w", err)
	}

	if _, err := os.Stat(finalDir); err == nil {
		if err := os.MkdirAll(l.trashRoot(), 0755); err != nil {
			return fmt.Errorf("failed to create trash directory: %w", err)
		}
		trashPath := filepath.Join(l.trashRoot(), filepath.Base(finalDir)+"_"+uuid.NewString())
		if err := os.Rename(finalDir, trashPath); err != nil {
			// Rename across the staging tree should not fail; fall back to
			// removing in place so the promotion below can proceed.
			l.logger.Warn("trash move failed, removing stale bundle in place",
				zap.String("dir", finalDir), zap.Error(err))
			os.RemoveAll(finalDir)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= finalizeRetries; attempt++ {
		if err := os.Rename(tmpDir, finalDir); err != nil {
			lastErr = err
			if attempt < finalizeRetries && isTransientFSError(err) {
				time.Sleep(finalizeBackoff * time.Duration(attempt))
				continue
			}
			return fmt.Errorf("failed to promote bundle to %s: %w", finalDir, lastErr)
		}
		l.pruneEmptyParents(filepath.Dir(tmpDir))
		return nil
	}
	return fmt.Errorf("failed to promote bundle to %s: %w", finalDir, lastErr)
}

// isTransientFSError reports whether the rename failure is worth retrying
// (file busy / permission micro-locks from scanners), as opposed to a logical
// conflict like a missing source directory.
func isTransientFSError(err error) bool {
	if errors.Is(err, os.ErrPermission) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "text file busy") ||
		strings.Contains(msg, "resource busy") ||
		strings.Contains(msg, "being used by another process")
}

// DeleteBundleDir removes a bundle directory (best effort) and prunes
// now-empty ancestors up to the staging root.
func (l *Layout) DeleteBundleDir(bundleDir string) {
	os.RemoveAll(bundleDir)
	l.pruneEmptyParents(filepath.Dir(bundleDir))
}

// isProtected reports whether a directory must never be pruned: the staging
// root itself and the "_"-prefixed internal zones.
func (l *Layout) isProtected(dir string) bool {
	return dir == l.root || strings.HasPrefix(filepath.Base(dir), "_")
}

// pruneEmptyParents walks upward removing empty directories until it reaches
// a non-empty directory, a protected directory, or the staging root.
// Returns the number of directories removed.
func (l *Layout) pruneEmptyParents(startDir string) int {
	removed := 0
	current := startDir

	for {
		rel, err := filepath.Rel(l.root, current)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			break
		}
		if l.isProtected(current) {
			break
		}

		entries, err := os.ReadDir(current)
		if err != nil || len(entries) > 0 {
			break
		}
		if err := os.Remove(current); err != nil {
			break
		}
		removed++
		current = filepath.Dir(current)
	}

	return removed
}

// FinalBundleDirs lists every directory in the final zone, complete or not.
func (l *Layout) FinalBundleDirs() []string {
	var bundles []string

	sources, err := os.ReadDir(l.root)
	if err != nil {
		return nil
	}
	for _, src := range sources {
		if !src.IsDir() || strings.HasPrefix(src.Name(), "_") {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(l.root, src.Name()))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				bundles = append(bundles, filepath.Join(l.root, src.Name(), e.Name()))
			}
		}
	}
	return bundles
}

// CleanupTrash empties the trash zone. Safe to call from concurrent runs.
func (l *Layout) CleanupTrash() {
	entries, err := os.ReadDir(l.trashRoot())
	if err != nil {
		return
	}
	for _, e := range entries {
		os.RemoveAll(filepath.Join(l.trashRoot(), e.Name()))
	}
}

// PruneTmpRunDirs removes empty _tmp/<source>/<run_id>/ directories left
// behind after promotions. Only the given run's directories are touched;
// other runs may still be active under _tmp.
func (l *Layout) PruneTmpRunDirs(runID string) int {
	removed := 0

	sources, err := os.ReadDir(l.tmpRoot())
	if err != nil {
		return 0
	}
	for _, src := range sources {
		if !src.IsDir() {
			continue
		}
		srcDir := filepath.Join(l.tmpRoot(), src.Name())
		runDir := filepath.Join(srcDir, runID)

		if entries, err := os.ReadDir(runDir); err == nil && len(entries) == 0 {
			if os.Remove(runDir) == nil {
				removed++
			}
		}
		if entries, err := os.ReadDir(srcDir); err == nil && len(entries) == 0 {
			if os.Remove(srcDir) == nil {
				removed++
			}
		}
	}
	return removed
}

// PruneEmptySourceDirs removes final-zone source directories that are empty.
func (l *Layout) PruneEmptySourceDirs() int {
	pruned := 0

	sources, err := os.ReadDir(l.root)
	if err != nil {
		return 0
	}
	for _, src := range sources {
		if !src.IsDir() || strings.HasPrefix(src.Name(), "_") {
			continue
		}
		dir := filepath.Join(l.root, src.Name())
		if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
			if os.Remove(dir) == nil {
				pruned++
			}
		}
	}
	return pruned
}

// CleanupAfterCommit is the lightweight cleanup run after each successful
// commit: prune this run's empty tmp directories, empty the trash, and drop
// empty source directories. It never wipes tmp wholesale.
func (l *Layout) CleanupAfterCommit(runID string) {
	l.PruneTmpRunDirs(runID)
	l.CleanupTrash()
	l.PruneEmptySourceDirs()
}

// CleanupTmpAndIncompleteBundles is the aggressive startup-recovery cleanup:
// wipe the whole tmp zone and delete any final bundle lacking a manifest.
// It must not be invoked mid-run; other orchestrators' in-progress work under
// _tmp would be destroyed.
func (l *Layout) CleanupTmpAndIncompleteBundles() int {
	deleted := 0

	if err := os.RemoveAll(l.tmpRoot()); err != nil {
		l.logger.Warn("failed to wipe tmp root", zap.Error(err))
	} else {
		deleted++
	}

	for _, dir := range l.FinalBundleDirs() {
		if !l.IsComplete(dir) {
			l.DeleteBundleDir(dir)
			deleted++
		}
	}
	return deleted
}
