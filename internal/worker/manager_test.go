package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"oip/dprelay/internal/domains"
	"oip/dprelay/pkg/config"
	"oip/dprelay/pkg/logger"
)

type countingWorker struct {
	runs *atomic.Int32
}

func (w *countingWorker) Name() string { return "counting" }

// Run 立即返回，模拟空闲退出
func (w *countingWorker) Run(ctx context.Context) error {
	w.runs.Inc()
	return nil
}

type blockingWorker struct {
	stopped *atomic.Bool
}

func (w *blockingWorker) Name() string { return "blocking" }

func (w *blockingWorker) Run(ctx context.Context) error {
	<-ctx.Done()
	w.stopped.Store(true)
	return nil
}

type fakeRunner struct {
	startErr error
	started  *atomic.Bool
	stopped  *atomic.Bool
}

func (r *fakeRunner) Start(ctx context.Context) error {
	if r.startErr != nil {
		return r.startErr
	}
	r.started.Store(true)
	return nil
}

func (r *fakeRunner) Stop() { r.stopped.Store(true) }

func TestManager_StartAndShutdown(t *testing.T) {
	runner := &fakeRunner{started: atomic.NewBool(false), stopped: atomic.NewBool(false)}
	blocking := &blockingWorker{stopped: atomic.NewBool(false)}

	var mu sync.Mutex
	var closed []string
	closer := func(name string) Closer {
		return Closer{Name: name, Close: func() error {
			mu.Lock()
			defer mu.Unlock()
			closed = append(closed, name)
			return nil
		}}
	}

	m := NewManagerInstance(logger.NewNop(),
		WithStreamRunner(runner),
		WithWorkers(blocking),
		WithClosers(closer("nats"), closer("redis")),
	)

	done := make(chan error, 1)
	go func() { done <- m.Start() }()

	require.Eventually(t, runner.started.Load, time.Second, time.Millisecond)

	m.Shutdown()
	m.Shutdown()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Shutdown")
	}

	assert.True(t, runner.stopped.Load())
	assert.True(t, blocking.stopped.Load())
	assert.Equal(t, []string{"nats", "redis"}, closed)
}

func TestManager_RestartsIdleWorker(t *testing.T) {
	w := &countingWorker{runs: atomic.NewInt32(0)}
	m := NewManagerInstance(logger.NewNop(), WithWorkers(w), WithRestartBackoff(time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- m.Start() }()

	require.Eventually(t, func() bool { return w.runs.Load() >= 3 }, time.Second, time.Millisecond)
	m.Shutdown()
	require.NoError(t, <-done)
}

func TestManager_RunnerStartError(t *testing.T) {
	runner := &fakeRunner{startErr: errors.New("stream missing"), started: atomic.NewBool(false), stopped: atomic.NewBool(false)}
	m := NewManagerInstance(logger.NewNop(), WithStreamRunner(runner))

	err := m.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream missing")
	m.Shutdown()
}

func TestManager_ShutdownBeforeStart(t *testing.T) {
	m := NewManagerInstance(nil)
	m.Shutdown()
	assert.NoError(t, m.Start())
}

func TestBootstrap_QueuesOnly(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := &config.Config{
		Redis: config.RedisConfig{Addr: mr.Addr()},
		Queues: []config.QueueConfig{
			{Name: domains.DiagnoseQueue, Retries: 3, Backoff: time.Second, Parallelism: 1},
			{Name: "audit", Retries: 0, Backoff: time.Second, Parallelism: 1},
		},
	}

	app, err := Bootstrap(cfg, logger.NewNop())
	require.NoError(t, err)

	assert.Len(t, app.Admins, 2)
	assert.Nil(t, app.Publisher)
	// 未配置 mysql 时诊断队列只提供管理接口
	assert.Empty(t, app.Manager.workers)

	n, err := app.Admins["audit"].Length(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	app.Manager.Shutdown()
}

func TestBootstrap_RedisUnreachable(t *testing.T) {
	cfg := &config.Config{
		Redis:  config.RedisConfig{Addr: "127.0.0.1:1"},
		Queues: []config.QueueConfig{{Name: "audit", Parallelism: 1}},
	}

	_, err := Bootstrap(cfg, logger.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect redis")
}
