package parser

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/pkg/quarryerr"
)

// TestMain doubles as the worker subprocess entry point: pool tests re-exec
// the test binary with QUARRY_TEST_WORKER set.
func TestMain(m *testing.M) {
	switch os.Getenv("QUARRY_TEST_WORKER") {
	case "serve":
		if err := RunWorkerLoop(&BasicParser{}, os.Stdin, os.Stdout); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	case "crash":
		os.Exit(3)
	}
	os.Exit(m.Run())
}

func TestBasicParser_PlainText(t *testing.T) {
	p := &BasicParser{}

	doc, err := p.Parse(context.Background(), Request{
		Content:  []byte("# Hello\n\nworld"),
		Filename: "hello.md",
	})
	require.NoError(t, err)
	require.Len(t, doc.Pages, 1)
	assert.Equal(t, 1, doc.Pages[0].PageNo)
	assert.Equal(t, "# Hello\n\nworld", doc.Pages[0].Text)
	assert.Empty(t, doc.Tables)
}

func TestBasicParser_CSV(t *testing.T) {
	p := &BasicParser{}

	doc, err := p.Parse(context.Background(), Request{
		Content:  []byte("name,qty\nwidget,4\n"),
		Filename: "inventory.csv",
	})
	require.NoError(t, err)
	assert.Empty(t, doc.Pages)
	require.Len(t, doc.Tables, 1)
	assert.Equal(t, [][]string{{"name", "qty"}, {"widget", "4"}}, doc.Tables[0].Rows)
}

func TestRunWorkerLoop_RoundTrip(t *testing.T) {
	in := strings.NewReader(`{"id":7,"request":{"content":"aGVsbG8=","filename":"a.txt"}}` + "\n")
	var out bytes.Buffer

	require.NoError(t, RunWorkerLoop(&BasicParser{}, in, &out))
	assert.Contains(t, out.String(), `"id":7`)
	assert.Contains(t, out.String(), "hello")
}

func TestPool_Parse(t *testing.T) {
	t.Setenv("QUARRY_TEST_WORKER", "serve")

	pool, err := NewPool(PoolConfig{Argv: []string{os.Args[0]}, Workers: 2})
	require.NoError(t, err)
	defer pool.Close()

	doc, err := pool.Parse(context.Background(), Request{
		Content:  []byte("subprocess content"),
		Filename: "f.txt",
	})
	require.NoError(t, err)
	require.Len(t, doc.Pages, 1)
	assert.Equal(t, "subprocess content", doc.Pages[0].Text)
}

func TestPool_ParseErrorIsNotACrash(t *testing.T) {
	t.Setenv("QUARRY_TEST_WORKER", "serve")

	pool, err := NewPool(PoolConfig{Argv: []string{os.Args[0]}, Workers: 1})
	require.NoError(t, err)
	defer pool.Close()

	// No content and no path: the parser reports an error but stays alive.
	_, err = pool.Parse(context.Background(), Request{Filename: "f.txt"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrWorkerCrashed))
	assert.Equal(t, 1, pool.LiveWorkers())

	// The same worker still serves.
	doc, err := pool.Parse(context.Background(), Request{Content: []byte("ok"), Filename: "f.txt"})
	require.NoError(t, err)
	assert.Equal(t, "ok", doc.Pages[0].Text)
}

func TestPool_WorkerCrash(t *testing.T) {
	t.Setenv("QUARRY_TEST_WORKER", "crash")

	pool, err := NewPool(PoolConfig{Argv: []string{os.Args[0]}, Workers: 1})
	require.NoError(t, err)
	defer pool.Close()

	_, err = pool.Parse(context.Background(), Request{Content: []byte("x"), Filename: "f.txt"})
	require.Error(t, err)
	assert.True(t, quarryerr.IsKind(err, quarryerr.KindWorkerCrashed), "crash must carry WORKER_CRASHED: %v", err)
	assert.Equal(t, 0, pool.LiveWorkers())

	// Rebuilding brings workers back; with the serve mode they answer again.
	t.Setenv("QUARRY_TEST_WORKER", "serve")
	require.NoError(t, pool.Restart(context.Background()))
	assert.Equal(t, 1, pool.LiveWorkers())

	doc, err := pool.Parse(context.Background(), Request{Content: []byte("recovered"), Filename: "f.txt"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", doc.Pages[0].Text)
}

func TestPool_FailsFastAfterLastWorkerDies(t *testing.T) {
	t.Setenv("QUARRY_TEST_WORKER", "crash")

	pool, err := NewPool(PoolConfig{Argv: []string{os.Args[0]}, Workers: 1})
	require.NoError(t, err)
	defer pool.Close()

	_, err = pool.Parse(context.Background(), Request{Content: []byte("x"), Filename: "f.txt"})
	require.Error(t, err)
	require.Equal(t, 0, pool.LiveWorkers())

	// A rebuild that only yields crashing workers drains the pool again.
	require.NoError(t, pool.Restart(context.Background()))
	_, err = pool.Parse(context.Background(), Request{Content: []byte("x"), Filename: "f.txt"})
	require.Error(t, err)
	require.Equal(t, 0, pool.LiveWorkers())

	// With no workers left, Parse must return immediately rather than wait
	// on the empty pool. A background context gives it no deadline to lean
	// on, so the pool itself has to refuse.
	done := make(chan error, 1)
	go func() {
		_, err := pool.Parse(context.Background(), Request{Content: []byte("y"), Filename: "g.txt"})
		done <- err
	}()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNoWorkers), "expected ErrNoWorkers, got: %v", err)
		assert.True(t, quarryerr.IsKind(err, quarryerr.KindWorkerCrashed))
	case <-time.After(5 * time.Second):
		t.Fatal("Parse blocked on a pool with no live workers")
	}

	// Restart with healthy workers brings the pool back.
	t.Setenv("QUARRY_TEST_WORKER", "serve")
	require.NoError(t, pool.Restart(context.Background()))
	doc, err := pool.Parse(context.Background(), Request{Content: []byte("back"), Filename: "f.txt"})
	require.NoError(t, err)
	assert.Equal(t, "back", doc.Pages[0].Text)
}
