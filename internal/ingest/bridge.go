// Package ingest 把旧的 lmstfy 任务队列桥接到工作队列
//
// 桥接是流式生产者：每拉到一条任务就无条件追加到目标队列，追加成功后才 ACK。
// 追加失败不 ACK，由 lmstfy 的 TTR 机制重投。
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"oip/dprelay/pkg/logger"
)

// Job 源队列中的任务
type Job struct {
	ID    string
	Queue string
	Data  []byte
}

// Source 任务来源（lmstfy 适配器实现）
type Source interface {
	// Consume 消费任务（阻塞直到拉到任务或超时，超时返回 nil）
	Consume(queue string, timeout time.Duration, ttr time.Duration) (*Job, error)
	// Ack 确认任务
	Ack(queue string, jobID string) error
}

// Sink 目标工作队列
type Sink[T any] interface {
	Name() string
	Push(ctx context.Context, items ...T) error
}

// Config 桥接配置
type Config struct {
	Queue        string        // 源队列
	Timeout      time.Duration // 拉取超时
	TTR          time.Duration // Time-To-Run
	ErrorBackoff time.Duration // 错误退避时间
}

// Bridge 源队列 → 工作队列
type Bridge[T any] struct {
	cfg    Config
	source Source
	sink   Sink[T]
	logger logger.Logger
}

// NewBridge 创建桥接
func NewBridge[T any](cfg Config, source Source, sink Sink[T], log logger.Logger) *Bridge[T] {
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Bridge[T]{
		cfg:    cfg,
		source: source,
		sink:   sink,
		logger: log,
	}
}

// Name 名称
func (b *Bridge[T]) Name() string {
	return fmt.Sprintf("ingest:%s->%s", b.cfg.Queue, b.sink.Name())
}

// Run 拉取循环，直到 ctx 取消
func (b *Bridge[T]) Run(ctx context.Context) error {
	b.logger.Infof(ctx, "[Ingest] Bridging %s -> %s", b.cfg.Queue, b.sink.Name())

	for {
		if ctx.Err() != nil {
			b.logger.Infof(ctx, "[Ingest] Context cancelled, exiting")
			return nil
		}

		job, err := b.source.Consume(b.cfg.Queue, b.cfg.Timeout, b.cfg.TTR)
		if err != nil {
			// 容错：网络抖动不退出，只记录日志
			b.logger.Warnf(ctx, "[Ingest] Consume error: %v, retrying...", err)
			if !b.backoff(ctx) {
				return nil
			}
			continue
		}

		// 超时未拉到
		if job == nil {
			continue
		}

		if !b.forward(ctx, job) && !b.backoff(ctx) {
			return nil
		}
	}
}

// forward 解析并追加一条任务，返回 false 表示需要退避
func (b *Bridge[T]) forward(ctx context.Context, job *Job) bool {
	var item T
	if err := json.Unmarshal(job.Data, &item); err != nil {
		// 解析失败直接 ACK，避免死循环
		b.logger.Error(ctx, fmt.Errorf("decode job %s failed: %w", job.ID, err), string(job.Data))
		b.ack(ctx, job)
		return true
	}

	if err := b.sink.Push(ctx, item); err != nil {
		b.logger.Errorf(ctx, "[Ingest] Push job %s failed: %v", job.ID, err)
		return false
	}

	b.ack(ctx, job)
	b.logger.Debugf(ctx, "[Ingest] Forwarded job %s", job.ID)
	return true
}

func (b *Bridge[T]) ack(ctx context.Context, job *Job) {
	if err := b.source.Ack(b.cfg.Queue, job.ID); err != nil {
		b.logger.Errorf(ctx, "[Ingest] Ack job %s failed: %v", job.ID, err)
	}
}

func (b *Bridge[T]) backoff(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(b.cfg.ErrorBackoff):
		return true
	}
}
