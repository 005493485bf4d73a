package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"oip/dprelay/pkg/logger"
)

const defaultRestartBackoff = time.Second

// Manager 接口
type Manager interface {
	Start() error
	Shutdown()
}

// StreamRunner 流消费者（stream.Runner 实现）
type StreamRunner interface {
	Start(ctx context.Context) error
	Stop()
}

// Closer 退出时需要释放的资源
type Closer struct {
	Name  string
	Close func() error
}

// Option Manager 选项
type Option func(*ManagerInstance)

// WithWorkers 追加 Worker
func WithWorkers(workers ...Worker) Option {
	return func(m *ManagerInstance) {
		m.workers = append(m.workers, workers...)
	}
}

// WithStreamRunner 设置流消费者
func WithStreamRunner(r StreamRunner) Option {
	return func(m *ManagerInstance) {
		m.runner = r
	}
}

// WithClosers 追加退出时按顺序关闭的资源
func WithClosers(closers ...Closer) Option {
	return func(m *ManagerInstance) {
		m.closers = append(m.closers, closers...)
	}
}

// WithRestartBackoff Worker 返回后重新进入前的等待时间
func WithRestartBackoff(d time.Duration) Option {
	return func(m *ManagerInstance) {
		if d > 0 {
			m.restartBackoff = d
		}
	}
}

// ManagerInstance Manager 实例
type ManagerInstance struct {
	ctx            context.Context
	cancel         context.CancelFunc
	workers        []Worker
	runner         StreamRunner
	closers        []Closer
	restartBackoff time.Duration
	closing        *atomic.Bool
	shutdownCh     chan struct{}
	wg             sync.WaitGroup
	logger         logger.Logger
}

// NewManagerInstance 创建 Manager
func NewManagerInstance(log logger.Logger, opts ...Option) *ManagerInstance {
	if log == nil {
		log = logger.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	m := &ManagerInstance{
		ctx:            ctx,
		cancel:         cancel,
		workers:        make([]Worker, 0),
		restartBackoff: defaultRestartBackoff,
		closing:        atomic.NewBool(false),
		shutdownCh:     make(chan struct{}),
		logger:         log,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start 启动流消费者和所有 Worker，阻塞直到 Shutdown 完成
func (m *ManagerInstance) Start() error {
	if m.closing.Load() {
		return nil
	}
	m.logger.Infof(m.ctx, "[Manager] Starting...")

	// 1. 流消费者：stream 缺失等启动错误直接返回
	if m.runner != nil {
		if err := m.runner.Start(m.ctx); err != nil {
			return fmt.Errorf("failed to start stream runner: %w", err)
		}
	}

	// 2. 启动所有 Worker（每个 Worker 在独立 goroutine）
	for _, worker := range m.workers {
		w := worker
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			supervise(m.ctx, w, m.restartBackoff, m.logger)
		}()
	}

	m.logger.Infof(m.ctx, "[Manager] Start success, workers: %d", len(m.workers))

	// 3. 阻塞等待退出信号
	<-m.shutdownCh

	return nil
}

// Shutdown 优雅退出
func (m *ManagerInstance) Shutdown() {
	m.logger.Infof(m.ctx, "[Manager] Began to close")

	// 原子操作，保证并发安全
	if m.closing.CAS(false, true) {
		// 1. 停止拉取并等待处理中的消息
		if m.runner != nil {
			m.runner.Stop()
		}

		// 2. 取消 Worker 并等待退出
		m.cancel()
		m.wg.Wait()

		// 3. 释放资源
		for _, c := range m.closers {
			if err := c.Close(); err != nil {
				m.logger.Warnf(m.ctx, "[Manager] Close %s failed: %v", c.Name, err)
			}
		}

		// 4. 关闭信号通道
		close(m.shutdownCh)

		m.logger.Infof(m.ctx, "[Manager] Shutdown complete")
	}
}
