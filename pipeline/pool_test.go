package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/nathantapsas/lakehouse/ingest"
)

func TestPoolProcessesAllTasks(t *testing.T) {
	ctx := context.Background()
	pool := NewPool(4, func(ctx context.Context, task Task) (ingest.ExtractionResult, error) {
		return ingest.ExtractionResult{RowsTotal: task.File.SizeBytes}, nil
	}, zap.NewNop())
	pool.Start(ctx)

	const n = 20
	go func() {
		for i := 0; i < n; i++ {
			task := Task{File: ingest.DiscoveredFile{SizeBytes: int64(i)}}
			if err := pool.Submit(ctx, task); err != nil {
				t.Errorf("submit failed: %v", err)
			}
		}
		pool.Shutdown()
	}()

	var total int64
	var count int
	for res := range pool.Results() {
		if res.Err != nil {
			t.Errorf("unexpected task error: %v", res.Err)
		}
		total += res.Extraction.RowsTotal
		count++
	}
	if count != n {
		t.Fatalf("expected %d results, got %d", n, count)
	}
	if want := int64(n * (n - 1) / 2); total != want {
		t.Errorf("expected summed result %d, got %d", want, total)
	}
}

func TestPoolContainsWorkerPanic(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	pool := NewPool(2, func(ctx context.Context, task Task) (ingest.ExtractionResult, error) {
		if task.File.Path == "bad" {
			panic(boom)
		}
		return ingest.ExtractionResult{RowsTotal: 1}, nil
	}, zap.NewNop())
	pool.Start(ctx)

	go func() {
		for _, path := range []string{"ok-1", "bad", "ok-2"} {
			pool.Submit(ctx, Task{File: ingest.DiscoveredFile{Path: path}})
		}
		pool.Shutdown()
	}()

	var failures, successes int
	for res := range pool.Results() {
		if res.Err != nil {
			failures++
			if !strings.Contains(res.Err.Error(), "panicked") {
				t.Errorf("expected panic to surface in error, got %v", res.Err)
			}
			if res.Task.File.Path != "bad" {
				t.Errorf("panic attributed to wrong task: %s", res.Task.File.Path)
			}
		} else {
			successes++
		}
	}
	if failures != 1 || successes != 2 {
		t.Errorf("expected 1 failure and 2 successes, got %d and %d", failures, successes)
	}
}

func TestSubmitHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(1, func(ctx context.Context, task Task) (ingest.ExtractionResult, error) {
		return ingest.ExtractionResult{}, nil
	}, zap.NewNop())
	// Workers never started, so the buffered task slot is the only capacity.

	if err := pool.Submit(ctx, Task{}); err != nil {
		t.Fatalf("priming submit failed: %v", err)
	}
	cancel()
	if err := pool.Submit(ctx, Task{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
