// Package pipeline provides the bounded worker pool that turns raw files
// into staged bundles. Workers are pure with respect to the ledger: they
// touch only the filesystem, and every effect they produce is idempotent.
package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nathantapsas/lakehouse/ingest"
)

// Task is one unit of extraction work.
type Task struct {
	File     ingest.DiscoveredFile
	Spec     *ingest.Spec
	TmpDir   string
	FinalDir string
}

// Result carries a finished task back to the coordinator. Err is set when
// extraction failed; the bundle staging dir has already been cleaned up by
// then.
type Result struct {
	Task       Task
	Extraction ingest.ExtractionResult
	Err        error
	Duration   time.Duration
}

// WorkFunc performs the extraction for one task.
type WorkFunc func(ctx context.Context, task Task) (ingest.ExtractionResult, error)

// Pool runs tasks on a fixed number of worker goroutines.
type Pool struct {
	workers int
	work    WorkFunc
	tasks   chan Task
	results chan Result
	wg      sync.WaitGroup
	logger  *zap.Logger
}

// NewPool creates a pool with the given parallelism. Channels are buffered
// to one round of tasks so the coordinator can stay ahead of the workers.
func NewPool(workers int, work WorkFunc, logger *zap.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		workers: workers,
		work:    work,
		tasks:   make(chan Task, workers),
		results: make(chan Result, workers*2),
		logger:  logger,
	}
}

// Start launches the worker goroutines. Workers exit when the task channel
// is closed or the context is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			res := p.run(ctx, task)
			select {
			case p.results <- res:
			case <-ctx.Done():
				return
			}
		}
	}
}

// run executes one task with panic containment. A panicking task is reported
// as a failed result instead of taking the whole run down.
func (p *Pool) run(ctx context.Context, task Task) (res Result) {
	start := time.Now()
	res.Task = task
	defer func() {
		res.Duration = time.Since(start)
		if r := recover(); r != nil {
			p.logger.Error("worker panic",
				zap.String("file", task.File.Path),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			res.Err = fmt.Errorf("extraction panicked for %s: %v", task.File.Path, r)
		}
	}()
	res.Extraction, res.Err = p.work(ctx, task)
	return res
}

// Submit queues a task, blocking until a worker slot frees up or the context
// is cancelled.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results exposes the completion channel.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Shutdown signals no more tasks, waits for in-flight work, and closes the
// result channel so consumers can drain.
func (p *Pool) Shutdown() {
	close(p.tasks)
	p.wg.Wait()
	close(p.results)
}
