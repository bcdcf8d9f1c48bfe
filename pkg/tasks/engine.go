// Package tasks tracks multi-file ingestion jobs in memory and bounds the
// concurrency of their item processors.
//
// A job owns one ItemTask per input item. Item processors run concurrently
// under a per-job semaphore; aggregate counters are recomputed under the
// job's lock on every terminal item transition, so progress views never
// disagree with item states.
package tasks

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/quarrylabs/quarry/pkg/quarryerr"
)

// Status is a job or item lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// terminal reports whether a status is final.
func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ProcessFunc handles one item of a job. The returned result is recorded on
// the item; a non-nil error marks the item failed with the error string.
type ProcessFunc func(ctx context.Context, itemKey string) (map[string]interface{}, error)

// PoolRestarter rebuilds the parser worker pool after a crash. Satisfied by
// parser.Pool.
type PoolRestarter interface {
	Restart(ctx context.Context) error
}

// ItemTask is the state of one item within a job.
type ItemTask struct {
	ItemKey    string                 `json:"item_key"`
	Status     Status                 `json:"status"`
	Result     map[string]interface{} `json:"result,omitempty"`
	Error      string                 `json:"error,omitempty"`
	RetryCount int                    `json:"retry_count"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// job is engine-internal job state. All mutation happens under mu.
type job struct {
	mu sync.Mutex

	id         string
	userID     string
	totalItems int
	processed  int
	successful int
	failed     int
	status     Status
	createdAt  time.Time
	updatedAt  time.Time
	items      map[string]*ItemTask
	order      []string

	cancelled     bool
	poolRestarted bool
}

// Config configures the engine.
type Config struct {
	// MaxWorkers overrides the detected pool size when > 0.
	MaxWorkers int

	// ParserPool, when set, is rebuilt once per job after a worker crash.
	ParserPool PoolRestarter

	// RetentionTTL evicts terminal jobs after this long. Default 24h.
	RetentionTTL time.Duration

	// SweepInterval is the eviction cadence. Clamped to at least 1h.
	SweepInterval time.Duration

	Logger hclog.Logger
}

// Engine schedules ingestion jobs.
type Engine struct {
	workers       int
	parserPool    PoolRestarter
	retentionTTL  time.Duration
	sweepInterval time.Duration
	logger        hclog.Logger

	mu   sync.RWMutex
	jobs map[string]map[string]*job // userID -> jobID

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewEngine creates an engine and starts the retention sweeper.
func NewEngine(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	workers := cfg.MaxWorkers
	if workers <= 0 {
		workers = detectWorkers()
	}
	if cfg.RetentionTTL <= 0 {
		cfg.RetentionTTL = 24 * time.Hour
	}
	if cfg.SweepInterval < time.Hour {
		cfg.SweepInterval = time.Hour
	}

	e := &Engine{
		workers:       workers,
		parserPool:    cfg.ParserPool,
		retentionTTL:  cfg.RetentionTTL,
		sweepInterval: cfg.SweepInterval,
		logger:        cfg.Logger.Named("task-engine"),
		jobs:          make(map[string]map[string]*job),
		stop:          make(chan struct{}),
	}

	e.wg.Add(1)
	go e.sweepLoop()

	e.logger.Info("task engine started", "workers", workers)
	return e
}

// detectWorkers sizes the pool from the host. Parsing competes with GPU
// models for memory, so hosts with a GPU get a smaller pool.
func detectWorkers() int {
	cpus := runtime.NumCPU()
	if !gpuPresent() {
		return cpus
	}
	w := cpus / 2
	if w > 4 {
		w = 4
	}
	if w < 1 {
		w = 1
	}
	return w
}

func gpuPresent() bool {
	if os.Getenv("CUDA_VISIBLE_DEVICES") != "" || os.Getenv("NVIDIA_VISIBLE_DEVICES") != "" {
		return true
	}
	_, err := os.Stat("/dev/nvidia0")
	return err == nil
}

// Workers returns the configured pool size.
func (e *Engine) Workers() int {
	return e.workers
}

// CreateUploadTask creates a job over the given item keys, processed by fn.
func (e *Engine) CreateUploadTask(userID string, itemKeys []string, fn ProcessFunc) (string, error) {
	return e.createJob(userID, itemKeys, fn)
}

// CreateCustomTask creates a job with a pluggable processor. Connector jobs
// use this to pull remote content before ingesting.
func (e *Engine) CreateCustomTask(userID string, itemKeys []string, fn ProcessFunc) (string, error) {
	return e.createJob(userID, itemKeys, fn)
}

func (e *Engine) createJob(userID string, itemKeys []string, fn ProcessFunc) (string, error) {
	if userID == "" {
		return "", quarryerr.New(quarryerr.KindUnauthenticated, "job creation requires a user id")
	}
	if len(itemKeys) == 0 {
		return "", quarryerr.New(quarryerr.KindInvalidInput, "job requires at least one item")
	}
	if fn == nil {
		return "", quarryerr.New(quarryerr.KindInvalidInput, "job requires a processor")
	}

	now := time.Now().UTC()
	j := &job{
		id:         uuid.NewString(),
		userID:     userID,
		totalItems: len(itemKeys),
		status:     StatusPending,
		createdAt:  now,
		updatedAt:  now,
		items:      make(map[string]*ItemTask, len(itemKeys)),
	}
	for _, key := range itemKeys {
		if _, dup := j.items[key]; dup {
			return "", quarryerr.Newf(quarryerr.KindInvalidInput, "duplicate item key %q", key)
		}
		j.items[key] = &ItemTask{
			ItemKey:   key,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		j.order = append(j.order, key)
	}

	e.mu.Lock()
	if e.jobs[userID] == nil {
		e.jobs[userID] = make(map[string]*job)
	}
	e.jobs[userID][j.id] = j
	e.mu.Unlock()

	e.wg.Add(1)
	go e.runJob(j, fn)

	e.logger.Info("created job", "job_id", j.id, "user_id", userID, "items", len(itemKeys))
	return j.id, nil
}

// runJob dispatches items under a semaphore sized for I/O overlap without
// oversubscribing the CPU-bound parse workers.
func (e *Engine) runJob(j *job, fn ProcessFunc) {
	defer e.wg.Done()

	j.mu.Lock()
	if j.status == StatusPending {
		j.status = StatusRunning
		j.updatedAt = time.Now().UTC()
	}
	order := j.order
	j.mu.Unlock()

	sem := make(chan struct{}, 2*e.workers)
	var itemWG sync.WaitGroup

	for _, key := range order {
		j.mu.Lock()
		cancelled := j.cancelled
		j.mu.Unlock()
		if cancelled {
			break
		}

		sem <- struct{}{}
		itemWG.Add(1)
		go func(itemKey string) {
			defer itemWG.Done()
			defer func() { <-sem }()
			e.runItem(j, itemKey, fn)
		}(key)
	}

	itemWG.Wait()
}

func (e *Engine) runItem(j *job, itemKey string, fn ProcessFunc) {
	j.mu.Lock()
	item := j.items[itemKey]
	item.Status = StatusRunning
	item.UpdatedAt = time.Now().UTC()
	j.mu.Unlock()

	result, err := e.safeProcess(fn, itemKey)

	j.mu.Lock()
	now := time.Now().UTC()
	item.UpdatedAt = now
	j.updatedAt = now
	j.processed++
	if err != nil {
		item.Status = StatusFailed
		item.Error = err.Error()
		j.failed++
	} else {
		item.Status = StatusCompleted
		item.Result = result
		j.successful++
	}
	e.recomputeStatusLocked(j)
	crashed := quarryerr.IsKind(err, quarryerr.KindWorkerCrashed)
	restartNeeded := crashed && !j.poolRestarted && e.parserPool != nil
	if restartNeeded {
		j.poolRestarted = true
	}
	j.mu.Unlock()

	if err != nil {
		e.logger.Warn("job item failed",
			"job_id", j.id,
			"item", itemKey,
			"error", err,
		)
	}

	// One pool rebuild per job: a crashed worker fails its own item, and the
	// remaining items should land on healthy processes.
	if restartNeeded {
		e.logger.Warn("rebuilding parser pool after worker crash", "job_id", j.id)
		if restartErr := e.parserPool.Restart(context.Background()); restartErr != nil {
			e.logger.Error("parser pool rebuild failed", "job_id", j.id, "error", restartErr)
		}
	}
}

// safeProcess shields the scheduler from panicking processors.
func (e *Engine) safeProcess(fn ProcessFunc, itemKey string) (result map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return fn(context.Background(), itemKey)
}

// recomputeStatusLocked derives the job status from its counters. Callers
// hold j.mu. A cancelled job keeps its status.
func (e *Engine) recomputeStatusLocked(j *job) {
	if j.status == StatusCancelled {
		return
	}
	switch {
	case j.processed == j.totalItems && j.totalItems > 0 && j.successful == 0:
		j.status = StatusFailed
	case j.processed == j.totalItems:
		j.status = StatusCompleted
	default:
		j.status = StatusRunning
	}
}

// Status returns a snapshot of one job.
func (e *Engine) Status(userID, jobID string) (*JobView, error) {
	e.mu.RLock()
	j := e.jobs[userID][jobID]
	e.mu.RUnlock()
	if j == nil {
		return nil, quarryerr.Newf(quarryerr.KindNotFound, "job %s not found", jobID)
	}
	return j.view(), nil
}

// ListTasks returns snapshots of the user's jobs, most recent first.
func (e *Engine) ListTasks(userID string) []*JobView {
	e.mu.RLock()
	views := make([]*JobView, 0, len(e.jobs[userID]))
	for _, j := range e.jobs[userID] {
		views = append(views, j.view())
	}
	e.mu.RUnlock()

	sort.Slice(views, func(a, b int) bool {
		return views[a].CreatedAt.After(views[b].CreatedAt)
	})
	return views
}

// Cancel marks a job cancelled. In-flight items finish; pending items are
// never dispatched.
func (e *Engine) Cancel(userID, jobID string) error {
	e.mu.RLock()
	j := e.jobs[userID][jobID]
	e.mu.RUnlock()
	if j == nil {
		return quarryerr.Newf(quarryerr.KindNotFound, "job %s not found", jobID)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.terminal() {
		return quarryerr.Newf(quarryerr.KindInvalidInput, "job %s is already %s", jobID, j.status)
	}
	j.cancelled = true
	j.status = StatusCancelled
	j.updatedAt = time.Now().UTC()
	e.logger.Info("cancelled job", "job_id", jobID, "user_id", userID)
	return nil
}

// Wait blocks until all job goroutines have drained. Test helper.
func (e *Engine) Wait() {
	e.mu.RLock()
	jobs := make([]*job, 0)
	for _, byID := range e.jobs {
		for _, j := range byID {
			jobs = append(jobs, j)
		}
	}
	e.mu.RUnlock()

	for {
		done := true
		for _, j := range jobs {
			j.mu.Lock()
			st := j.status
			processed := j.processed
			total := j.totalItems
			cancelled := j.cancelled
			j.mu.Unlock()
			if !st.terminal() || (!cancelled && processed < total) {
				done = false
			}
		}
		if done {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Close stops the retention sweeper.
func (e *Engine) Close() {
	e.stopOnce.Do(func() { close(e.stop) })
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.sweep(time.Now().UTC())
		}
	}
}

// sweep evicts terminal jobs older than the retention TTL.
func (e *Engine) sweep(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	evicted := 0
	for userID, byID := range e.jobs {
		for id, j := range byID {
			j.mu.Lock()
			expired := j.status.terminal() && now.Sub(j.updatedAt) > e.retentionTTL
			j.mu.Unlock()
			if expired {
				delete(byID, id)
				evicted++
			}
		}
		if len(byID) == 0 {
			delete(e.jobs, userID)
		}
	}
	if evicted > 0 {
		e.logger.Debug("evicted expired jobs", "count", evicted)
	}
}
