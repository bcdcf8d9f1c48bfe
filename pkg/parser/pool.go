package parser

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"github.com/quarrylabs/quarry/pkg/quarryerr"
)

// ErrWorkerCrashed reports that a subprocess worker died while handling a
// request.
var ErrWorkerCrashed = errors.New("parser worker crashed")

// ErrPoolClosed reports a request against a closed pool.
var ErrPoolClosed = errors.New("parser pool is closed")

// ErrNoWorkers reports that every worker has crashed and the pool cannot
// serve until Restart rebuilds it.
var ErrNoWorkers = errors.New("no live parser workers")

// PoolConfig configures the subprocess worker pool.
type PoolConfig struct {
	// Argv is the command to spawn for each worker. Defaults to re-executing
	// the current binary with the parse-worker subcommand.
	Argv []string

	// Workers is the pool size. Defaults to 1.
	Workers int

	Logger hclog.Logger
}

// Pool runs parse requests on isolated subprocess workers.
type Pool struct {
	argv   []string
	size   int
	logger hclog.Logger

	mu      sync.Mutex
	workers chan *worker
	drained chan struct{} // closed when the last worker dies
	live    int
	closed  bool
	nextID  atomic.Uint64
}

// NewPool spawns the worker subprocesses and returns the pool.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if len(cfg.Argv) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve executable for worker argv: %w", err)
		}
		cfg.Argv = []string{exe, "parse-worker"}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	p := &Pool{
		argv:   cfg.Argv,
		size:   cfg.Workers,
		logger: cfg.Logger.Named("parser-pool"),
	}
	if err := p.spawnAll(); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pool) spawnAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.workers = make(chan *worker, p.size)
	p.drained = make(chan struct{})
	p.live = 0
	for i := 0; i < p.size; i++ {
		w, err := startWorker(p.argv)
		if err != nil {
			return fmt.Errorf("failed to start parser worker %d: %w", i, err)
		}
		p.workers <- w
		p.live++
	}
	p.logger.Debug("spawned parser workers", "count", p.size)
	return nil
}

// Parse runs one request on an idle worker. A worker that dies mid-request
// is discarded and the request fails with a WORKER_CRASHED error; remaining
// workers keep serving. Once the last worker has died the pool fails fast
// with ErrNoWorkers instead of queueing, until Restart rebuilds it.
func (p *Pool) Parse(ctx context.Context, req Request) (*Document, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	ch := p.workers
	drained := p.drained
	p.mu.Unlock()

	var w *worker
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-drained:
		return nil, quarryerr.Wrap(quarryerr.KindWorkerCrashed, "parse failed", ErrNoWorkers)
	case w = <-ch:
	}

	doc, err := w.parse(ctx, p.nextID.Add(1), req)
	if err != nil {
		if errors.Is(err, ErrWorkerCrashed) {
			p.logger.Error("parser worker crashed", "error", err)
			w.stop()
			p.mu.Lock()
			p.live--
			if p.live == 0 {
				close(p.drained)
			}
			p.mu.Unlock()
			return nil, quarryerr.Wrap(quarryerr.KindWorkerCrashed, "parse failed", err)
		}
		ch <- w
		return nil, err
	}

	ch <- w
	return doc, nil
}

// LiveWorkers returns the number of workers currently serving.
func (p *Pool) LiveWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// Restart tears down all workers and spawns a fresh pool. Callers invoke it
// after a crash; in-flight requests on other workers finish first because
// teardown drains the idle channel.
func (p *Pool) Restart(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	old := p.workers
	remaining := p.live
	p.mu.Unlock()

	// Collect surviving idle workers and stop them.
	for i := 0; i < remaining; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case w := <-old:
			w.stop()
		}
	}

	p.logger.Info("restarting parser worker pool", "workers", p.size)
	return p.spawnAll()
}

// Close stops every worker. The pool cannot be reused afterwards.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	ch := p.workers
	remaining := p.live
	p.mu.Unlock()

	for i := 0; i < remaining; i++ {
		w := <-ch
		w.stop()
	}
}

// worker is one subprocess speaking the stdio protocol.
type worker struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner
}

func startWorker(argv []string) (*worker, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	return &worker{cmd: cmd, stdin: stdin, stdout: scanner}, nil
}

// parse sends one request and waits for its response. Any transport failure
// is treated as a crash: the protocol is strictly request/response, so a
// short read or write means the process died.
func (w *worker) parse(ctx context.Context, id uint64, req Request) (*Document, error) {
	raw, err := json.Marshal(wireRequest{ID: id, Request: req})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal parse request: %w", err)
	}
	raw = append(raw, '\n')

	if _, err := w.stdin.Write(raw); err != nil {
		return nil, fmt.Errorf("%w: write: %v", ErrWorkerCrashed, err)
	}

	type result struct {
		resp wireResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		if !w.stdout.Scan() {
			err := w.stdout.Err()
			if err == nil {
				err = io.EOF
			}
			done <- result{err: fmt.Errorf("%w: read: %v", ErrWorkerCrashed, err)}
			return
		}
		var resp wireResponse
		if err := json.Unmarshal(w.stdout.Bytes(), &resp); err != nil {
			done <- result{err: fmt.Errorf("%w: malformed response: %v", ErrWorkerCrashed, err)}
			return
		}
		done <- result{resp: resp}
	}()

	select {
	case <-ctx.Done():
		w.stop()
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if r.resp.ID != id {
			return nil, fmt.Errorf("%w: response id %d for request %d", ErrWorkerCrashed, r.resp.ID, id)
		}
		if r.resp.Error != "" {
			return nil, errors.New(r.resp.Error)
		}
		return r.resp.Document, nil
	}
}

func (w *worker) stop() {
	_ = w.stdin.Close()
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
	_ = w.cmd.Wait()
}
