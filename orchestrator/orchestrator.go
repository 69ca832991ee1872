// Package orchestrator coordinates one ingestion run: discover raw files,
// filter against the ledger checkpoint, fan extraction out to the worker
// pool, and commit finished bundles in hysteresis-batched transactions.
//
// The orchestrator holds all in-flight state in memory. The only durable
// state it trusts is the bundle manifests on disk and the checkpoint rows in
// the ledger, which is what makes a crashed run safely resumable.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/nathantapsas/lakehouse/bundle"
	"github.com/nathantapsas/lakehouse/extract"
	"github.com/nathantapsas/lakehouse/ingest"
	"github.com/nathantapsas/lakehouse/ledger"
	"github.com/nathantapsas/lakehouse/metrics"
	"github.com/nathantapsas/lakehouse/pipeline"
)

const (
	// collectWait bounds how long the coordinator blocks on worker results
	// before re-checking commit deadlines.
	collectWait = 100 * time.Millisecond

	// idleSleep paces the loop when workers are saturated and nothing
	// completed in the last pass.
	idleSleep = 50 * time.Millisecond
)

// Config tunes one orchestrator run.
type Config struct {
	// RawRoot is the directory source glob patterns are evaluated under.
	RawRoot string `yaml:"raw_root"`

	// Workers is the extraction parallelism.
	Workers int `yaml:"workers"`

	// BatchSize triggers a commit once this many extracted files are
	// buffered.
	BatchSize int `yaml:"batch_size"`

	// MaxCommitLatencySeconds triggers a commit of a non-empty buffer
	// regardless of size, bounding how long a finished file can sit
	// uncommitted (default: 30).
	MaxCommitLatencySeconds int `yaml:"max_commit_latency_seconds"`

	// MaxCommitLatency is derived from MaxCommitLatencySeconds by
	// ApplyDefaults.
	MaxCommitLatency time.Duration `yaml:"-"`

	// RecoverStaging wipes the tmp zone and incomplete final bundles at
	// startup. Leave false when multiple orchestrators share the staging
	// tree.
	RecoverStaging bool `yaml:"recover_staging"`
}

func (c *Config) ApplyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxCommitLatency <= 0 {
		if c.MaxCommitLatencySeconds <= 0 {
			c.MaxCommitLatencySeconds = 30
		}
		c.MaxCommitLatency = time.Duration(c.MaxCommitLatencySeconds) * time.Second
	}
}

// Ledger is the checkpoint surface the orchestrator needs from the store.
type Ledger interface {
	CompletedFileKeys(ctx context.Context) (map[ingest.FileKey]struct{}, error)
	StartRun(ctx context.Context, runID string, filesDiscovered int) error
	FinalizeRun(ctx context.Context, runID, status string, processed, committed int, errorMessage string) error
	CommitBatch(ctx context.Context, entries []ledger.BatchEntry, plans map[string][]string, fileTargets map[ingest.FileKey][]string, runID string) error
}

// Orchestrator drives one run end to end.
type Orchestrator struct {
	cfg     Config
	run     ingest.RunContext
	specs   []*ingest.Spec
	layout  *bundle.Layout
	store   Ledger
	planner LoadPlanner
	metrics *metrics.Metrics
	logger  *zap.Logger

	// Signature computes file identity; swapped in tests.
	Signature ingest.SignatureFunc

	// work performs one extraction; swapped in tests.
	work pipeline.WorkFunc
}

// New wires an orchestrator. The config must already have defaults applied.
func New(cfg Config, run ingest.RunContext, specs []*ingest.Spec, layout *bundle.Layout, store Ledger, planner LoadPlanner, m *metrics.Metrics, logger *zap.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		run:       run,
		specs:     specs,
		layout:    layout,
		store:     store,
		planner:   planner,
		metrics:   m,
		logger:    logger.With(zap.String("run_id", run.RunID)),
		Signature: ingest.DefaultSignature,
	}
	o.work = func(ctx context.Context, task pipeline.Task) (ingest.ExtractionResult, error) {
		return extractTask(task, layout, o.logger)
	}
	return o
}

// candidate pairs a discovered file with the spec that matched it.
type candidate struct {
	file ingest.DiscoveredFile
	spec *ingest.Spec
}

// Run executes the full run. Per-file failures are contained and reported in
// the summary; the returned error covers only run-level failures such as an
// unreadable raw root or a checkpoint read failure.
func (o *Orchestrator) Run(ctx context.Context) error {
	started := time.Now()

	if o.cfg.RecoverStaging {
		deleted := o.layout.CleanupTmpAndIncompleteBundles()
		o.logger.Info("staging recovery complete", zap.Int("deleted", deleted))
	}

	discovered, err := o.discover()
	if err != nil {
		return err
	}
	o.metrics.FilesDiscovered(len(discovered))

	completed, err := o.store.CompletedFileKeys(ctx)
	if err != nil {
		return err
	}
	pending := make([]candidate, 0, len(discovered))
	for _, c := range discovered {
		if _, done := completed[c.file.Key]; done {
			continue
		}
		pending = append(pending, c)
	}
	o.metrics.FilesSkipped(len(discovered) - len(pending))

	o.logger.Info("run starting",
		zap.Int("discovered", len(discovered)),
		zap.Int("already_loaded", len(discovered)-len(pending)),
		zap.Int("pending", len(pending)))

	if err := o.store.StartRun(ctx, o.run.RunID, len(discovered)); err != nil {
		return err
	}

	// End-of-run cleanup must run even if processing panics; it only
	// touches this run's tmp dirs, the trash zone, and empty source dirs.
	defer o.layout.CleanupAfterCommit(o.run.RunID)

	processed, committed, failed, runErr := o.process(ctx, pending)

	status := "COMPLETED"
	errMsg := ""
	switch {
	case runErr != nil:
		status = "FAILED"
		errMsg = runErr.Error()
	case failed > 0:
		status = "COMPLETED_WITH_ERRORS"
		errMsg = fmt.Sprintf("%d file(s) failed extraction or commit", failed)
	}
	if err := o.store.FinalizeRun(ctx, o.run.RunID, status, processed, committed, errMsg); err != nil {
		o.logger.Error("failed to finalize run record", zap.Error(err))
	}

	o.logger.Info("run finished",
		zap.String("status", status),
		zap.Int("processed", processed),
		zap.Int("committed", committed),
		zap.Int("failed", failed),
		zap.Duration("elapsed", time.Since(started)))
	return runErr
}

// discover evaluates every spec's glob under the raw root and computes file
// keys. Results are ordered by (source, path) so dispatch order is stable
// across runs.
func (o *Orchestrator) discover() ([]candidate, error) {
	var out []candidate
	for _, spec := range o.specs {
		pattern := filepath.Join(o.cfg.RawRoot, spec.Source.GlobPattern)
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid glob pattern for source %s: %w", spec.Name, err)
		}
		specHash := spec.Hash()
		for _, path := range matches {
			info, err := os.Stat(path)
			if err != nil || info.IsDir() {
				continue
			}
			mtime := info.ModTime().UTC()
			out = append(out, candidate{
				spec: spec,
				file: ingest.DiscoveredFile{
					Key: ingest.FileKey{
						SourceName: spec.Name,
						Signature:  o.Signature(info.Name(), info.Size(), mtime),
						SpecHash:   specHash,
					},
					Path:      path,
					SizeBytes: info.Size(),
					MTimeUTC:  mtime,
				},
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].spec.Name != out[j].spec.Name {
			return out[i].spec.Name < out[j].spec.Name
		}
		return out[i].file.Path < out[j].file.Path
	})
	return out, nil
}

// batchState accumulates extracted files between commits.
type batchState struct {
	entries     []ledger.BatchEntry
	plans       map[string][]string
	fileTargets map[ingest.FileKey][]string
	rows        int64
}

func newBatchState() *batchState {
	return &batchState{
		plans:       make(map[string][]string),
		fileTargets: make(map[ingest.FileKey][]string),
	}
}

// commitDue implements the hysteresis policy: flush on size, on time since
// the last flush, or unconditionally when draining.
func commitDue(buffered int, lastCommit time.Time, batchSize int, maxLatency time.Duration, draining bool) bool {
	if buffered == 0 {
		return false
	}
	return buffered >= batchSize || draining || time.Since(lastCommit) >= maxLatency
}

// process runs the dispatch / collect / commit loop over the pending queue.
func (o *Orchestrator) process(ctx context.Context, pending []candidate) (processed, committed, failed int, err error) {
	if len(pending) == 0 {
		return 0, 0, 0, nil
	}

	pool := pipeline.NewPool(o.cfg.Workers, o.work, o.logger)
	pool.Start(ctx)

	inFlight := make(map[ingest.FileKey]struct{})
	batch := newBatchState()
	lastCommit := time.Now()
	queue := pending
	draining := false

	flush := func() {
		if len(batch.entries) == 0 {
			return
		}
		start := time.Now()
		commitErr := o.store.CommitBatch(ctx, batch.entries, batch.plans, batch.fileTargets, o.run.RunID)
		o.metrics.BatchCommitted(len(batch.entries), batch.rows, commitErr, time.Since(start))
		if commitErr != nil {
			// Bundles stay on disk and will be picked up by the next
			// run without re-extraction; only the checkpoint is lost.
			o.logger.Error("batch commit failed, bundles retained for retry",
				zap.Int("files", len(batch.entries)),
				zap.Error(commitErr))
			failed += len(batch.entries)
		} else {
			committed += len(batch.entries)
			// Checkpointed data now lives in the lake; the staged bundles
			// have served their purpose and are reclaimed immediately.
			for _, e := range batch.entries {
				o.layout.DeleteBundleDir(e.Result.BundleDir)
			}
			o.layout.CleanupAfterCommit(o.run.RunID)
			o.logger.Info("batch committed",
				zap.Int("files", len(batch.entries)),
				zap.Int64("rows", batch.rows),
				zap.Duration("elapsed", time.Since(start)))
		}
		batch = newBatchState()
		lastCommit = time.Now()
	}

	shutdown := func() {
		if !draining {
			draining = true
			pool.Shutdown()
		}
	}

	for len(queue) > 0 || len(inFlight) > 0 || len(batch.entries) > 0 {
		if err := ctx.Err(); err != nil {
			shutdown()
			return processed, committed, failed, err
		}

		// Dispatch while worker capacity remains.
		for len(queue) > 0 && len(inFlight) < o.cfg.Workers {
			c := queue[0]
			queue = queue[1:]
			task := pipeline.Task{
				File:     c.file,
				Spec:     c.spec,
				TmpDir:   o.layout.TmpBundleDir(c.file.Key, o.run.RunID),
				FinalDir: o.layout.BundleDir(c.file.Key),
			}
			if err := pool.Submit(ctx, task); err != nil {
				shutdown()
				return processed, committed, failed, err
			}
			inFlight[c.file.Key] = struct{}{}
		}
		// Once everything is dispatched the pool can wind down; its result
		// buffer is sized so workers never block depositing their last
		// results.
		if len(queue) == 0 {
			shutdown()
		}
		o.metrics.SetPending(len(queue))
		o.metrics.SetInFlight(len(inFlight))

		// Collect with a bounded wait so commit deadlines stay honored.
		collectedAny := false
		if len(inFlight) > 0 {
			timer := time.NewTimer(collectWait)
			select {
			case res, ok := <-pool.Results():
				if ok {
					o.handleResult(res, batch, &processed, &failed)
					delete(inFlight, res.Task.File.Key)
					collectedAny = true
				}
			case <-timer.C:
			case <-ctx.Done():
			}
			timer.Stop()

			// Drain whatever else is already buffered.
			more := true
			for more {
				select {
				case res, ok := <-pool.Results():
					if !ok {
						more = false
						break
					}
					o.handleResult(res, batch, &processed, &failed)
					delete(inFlight, res.Task.File.Key)
					collectedAny = true
				default:
					more = false
				}
			}
		}

		if commitDue(len(batch.entries), lastCommit, o.cfg.BatchSize, o.cfg.MaxCommitLatency,
			len(queue) == 0 && len(inFlight) == 0) {
			flush()
		}

		if !collectedAny && len(inFlight) == 0 && len(queue) > 0 {
			time.Sleep(idleSleep)
		}
	}

	shutdown()
	o.metrics.SetPending(0)
	o.metrics.SetInFlight(0)
	return processed, committed, failed, nil
}

// handleResult folds one worker result into the batch buffer. Failures are
// contained: the file is logged and dropped from this run, its key stays
// absent from the ledger, and the next run retries it.
func (o *Orchestrator) handleResult(res pipeline.Result, batch *batchState, processed, failed *int) {
	*processed++
	o.metrics.ExtractionFinished(res.Err, res.Duration)

	if res.Err != nil {
		*failed++
		o.logger.Error("extraction failed",
			zap.String("source", res.Task.Spec.Name),
			zap.String("file", res.Task.File.Path),
			zap.Error(res.Err))
		return
	}

	targets, err := o.planner.Plan(res.Extraction.BundleDir, res.Task.Spec)
	if err != nil {
		*failed++
		o.logger.Error("load planning failed",
			zap.String("bundle", res.Extraction.BundleDir),
			zap.Error(err))
		return
	}

	batch.entries = append(batch.entries, ledger.BatchEntry{
		File:   res.Task.File,
		Result: res.Extraction,
	})
	batch.rows += res.Extraction.RowsTotal
	for _, t := range targets {
		artifact := filepath.Join(res.Extraction.BundleDir, t.ArtifactRelPath)
		batch.plans[t.TableFQN] = append(batch.plans[t.TableFQN], artifact)
		batch.fileTargets[res.Task.File.Key] = append(batch.fileTargets[res.Task.File.Key], t.TableFQN)
	}

	o.logger.Debug("file extracted",
		zap.String("source", res.Task.Spec.Name),
		zap.String("file", res.Task.File.Path),
		zap.Int64("rows", res.Extraction.RowsTotal),
		zap.Duration("elapsed", res.Duration))
}

var errNoSpec = errors.New("task has no spec")

// extractTask adapts the extract package to the pool's WorkFunc shape.
func extractTask(task pipeline.Task, layout *bundle.Layout, logger *zap.Logger) (ingest.ExtractionResult, error) {
	if task.Spec == nil {
		return ingest.ExtractionResult{}, errNoSpec
	}
	return extract.Run(task.Spec, task.File, task.TmpDir, task.FinalDir, layout, logger)
}
