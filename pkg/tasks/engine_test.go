package tasks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/pkg/quarryerr"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if cfg.MaxWorkers == 0 {
		cfg.MaxWorkers = 2
	}
	e := NewEngine(cfg)
	t.Cleanup(e.Close)
	return e
}

func TestEngine_AllItemsSucceed(t *testing.T) {
	e := newTestEngine(t, Config{})

	jobID, err := e.CreateUploadTask("u1", []string{"a", "b", "c"}, func(ctx context.Context, key string) (map[string]interface{}, error) {
		return map[string]interface{}{"document_id": "doc-" + key}, nil
	})
	require.NoError(t, err)
	e.Wait()

	view, err := e.Status("u1", jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, view.Status)
	assert.Equal(t, 3, view.Processed)
	assert.Equal(t, 3, view.Successful)
	assert.Equal(t, 0, view.Failed)
	assert.Equal(t, "doc-a", view.Items["a"].Result["document_id"])
}

func TestEngine_PartialFailureStillCompletes(t *testing.T) {
	e := newTestEngine(t, Config{})

	jobID, err := e.CreateUploadTask("u1", []string{"good", "bad"}, func(ctx context.Context, key string) (map[string]interface{}, error) {
		if key == "bad" {
			return nil, errors.New("parse exploded")
		}
		return nil, nil
	})
	require.NoError(t, err)
	e.Wait()

	view, err := e.Status("u1", jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, view.Status, "partial success keeps the job completed")
	assert.Equal(t, 1, view.Successful)
	assert.Equal(t, 1, view.Failed)
	assert.Equal(t, StatusFailed, view.Items["bad"].Status)
	assert.Contains(t, view.Items["bad"].Error, "parse exploded")
}

func TestEngine_AllItemsFailed(t *testing.T) {
	e := newTestEngine(t, Config{})

	jobID, err := e.CreateUploadTask("u1", []string{"x", "y"}, func(ctx context.Context, key string) (map[string]interface{}, error) {
		return nil, errors.New("boom")
	})
	require.NoError(t, err)
	e.Wait()

	view, err := e.Status("u1", jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, view.Status)
	assert.Equal(t, 2, view.Failed)
}

func TestEngine_ConcurrencyBound(t *testing.T) {
	e := newTestEngine(t, Config{MaxWorkers: 2})

	var current, peak int64
	keys := []string{"1", "2", "3", "4", "5", "6", "7", "8"}
	_, err := e.CreateUploadTask("u1", keys, func(ctx context.Context, key string) (map[string]interface{}, error) {
		n := atomic.AddInt64(&current, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&current, -1)
		return nil, nil
	})
	require.NoError(t, err)
	e.Wait()

	// Semaphore is 2x the worker pool.
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(4))
}

func TestEngine_Cancel(t *testing.T) {
	e := newTestEngine(t, Config{MaxWorkers: 1})

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var processedCount int64

	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	jobID, err := e.CreateUploadTask("u1", keys, func(ctx context.Context, key string) (map[string]interface{}, error) {
		once.Do(func() { close(started) })
		<-release
		atomic.AddInt64(&processedCount, 1)
		return nil, nil
	})
	require.NoError(t, err)

	<-started
	require.NoError(t, e.Cancel("u1", jobID))
	close(release)
	e.Wait()

	view, err := e.Status("u1", jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, view.Status)
	assert.Less(t, view.Processed, len(keys), "pending items must not be dispatched after cancel")

	// Cancelling a terminal job is rejected.
	assert.Error(t, e.Cancel("u1", jobID))
}

type fakePool struct {
	mu       sync.Mutex
	restarts int
}

func (f *fakePool) Restart(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	return nil
}

func TestEngine_WorkerCrashRecovery(t *testing.T) {
	pool := &fakePool{}
	e := newTestEngine(t, Config{MaxWorkers: 1, ParserPool: pool})

	var crashed atomic.Bool
	jobID, err := e.CreateUploadTask("u1", []string{"a", "b", "c"}, func(ctx context.Context, key string) (map[string]interface{}, error) {
		if crashed.CompareAndSwap(false, true) {
			return nil, quarryerr.Wrap(quarryerr.KindWorkerCrashed, "parse failed", errors.New("signal: killed"))
		}
		return nil, nil
	})
	require.NoError(t, err)
	e.Wait()

	view, err := e.Status("u1", jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, view.Status)
	assert.Equal(t, 2, view.Successful)
	assert.Equal(t, 1, view.Failed)

	var crashErrors int
	for _, item := range view.Items {
		if item.Status == StatusFailed {
			assert.Contains(t, item.Error, "WORKER_CRASHED")
			crashErrors++
		}
	}
	assert.Equal(t, 1, crashErrors)

	pool.mu.Lock()
	defer pool.mu.Unlock()
	assert.Equal(t, 1, pool.restarts, "pool is rebuilt exactly once per job")
}

func TestEngine_ListTasksMostRecentFirst(t *testing.T) {
	e := newTestEngine(t, Config{})

	noop := func(ctx context.Context, key string) (map[string]interface{}, error) { return nil, nil }
	first, err := e.CreateUploadTask("u1", []string{"a"}, noop)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := e.CreateUploadTask("u1", []string{"b"}, noop)
	require.NoError(t, err)
	e.Wait()

	views := e.ListTasks("u1")
	require.Len(t, views, 2)
	assert.Equal(t, second, views[0].JobID)
	assert.Equal(t, first, views[1].JobID)

	assert.Empty(t, e.ListTasks("someone-else"))
}

func TestEngine_StatusUnknownJob(t *testing.T) {
	e := newTestEngine(t, Config{})

	_, err := e.Status("u1", "nope")
	assert.True(t, quarryerr.IsKind(err, quarryerr.KindNotFound))
}

func TestEngine_ProcessorPanicFailsItem(t *testing.T) {
	e := newTestEngine(t, Config{})

	jobID, err := e.CreateUploadTask("u1", []string{"a"}, func(ctx context.Context, key string) (map[string]interface{}, error) {
		panic("segfault in disguise")
	})
	require.NoError(t, err)
	e.Wait()

	view, err := e.Status("u1", jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, view.Status)
	assert.Contains(t, view.Items["a"].Error, "panic")
}

func TestEngine_Sweep(t *testing.T) {
	e := newTestEngine(t, Config{RetentionTTL: time.Millisecond})

	jobID, err := e.CreateUploadTask("u1", []string{"a"}, func(ctx context.Context, key string) (map[string]interface{}, error) {
		return nil, nil
	})
	require.NoError(t, err)
	e.Wait()

	time.Sleep(5 * time.Millisecond)
	e.sweep(time.Now().UTC())

	_, err = e.Status("u1", jobID)
	assert.True(t, quarryerr.IsKind(err, quarryerr.KindNotFound))
}
