package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"oip/dprelay/pkg/errorutil"
	"oip/dprelay/pkg/logger"
	"oip/dprelay/pkg/retry"
)

const (
	DefaultIdleRetries = 5
	DefaultIdleBackoff = time.Second
)

// Handler 任务处理函数
// 返回 errorutil 重试信号表示稍后重试，其他错误表示放弃该任务
type Handler[T any] func(ctx context.Context, item T) error

// Worker 绑定了处理函数的队列消费者（供 Manager 使用）
type Worker interface {
	Name() string
	Run(ctx context.Context) error
}

// WorkOption Work 可选项
type WorkOption func(*workOptions)

type workOptions struct {
	parallelism int
	idleRetries int
	idleBackoff time.Duration
	logger      logger.Logger
}

// WithParallelism 并发消费协程数
func WithParallelism(n int) WorkOption {
	return func(o *workOptions) {
		if n > 0 {
			o.parallelism = n
		}
	}
}

// WithLogger 记录每次调用的 payload 与错误
func WithLogger(l logger.Logger) WorkOption {
	return func(o *workOptions) {
		o.logger = l
	}
}

// WithIdle 队列为空时的等待预算，耗尽后消费协程退出
func WithIdle(retries int, backoff time.Duration) WorkOption {
	return func(o *workOptions) {
		if retries >= 0 {
			o.idleRetries = retries
		}
		if backoff >= 0 {
			o.idleBackoff = backoff
		}
	}
}

// Work 启动 parallelism 个消费协程，阻塞直到全部退出
// 空闲等待耗尽或 ctx 取消属于正常退出；仅存储层错误会被返回
func (q *Queue[T]) Work(ctx context.Context, handler Handler[T], opts ...WorkOption) error {
	o := workOptions{
		parallelism: 1,
		idleRetries: DefaultIdleRetries,
		idleBackoff: DefaultIdleBackoff,
	}
	for _, opt := range opts {
		opt(&o)
	}

	log := o.logger
	if log == nil {
		log = logger.NewNop()
	} else {
		log = log.Child(map[string]interface{}{"queue": q.name})
		handler = WrapHandler(handler, log)
	}

	errs := make([]error, o.parallelism)
	var wg sync.WaitGroup
	for i := 0; i < o.parallelism; i++ {
		workerID := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[workerID] = q.loop(ctx, workerID, handler, &o, log)
		}()
	}
	wg.Wait()

	return errors.Join(errs...)
}

// Bind 绑定处理函数，得到可交给 Manager 的 Worker
func (q *Queue[T]) Bind(handler Handler[T], opts ...WorkOption) Worker {
	return &boundWorker[T]{q: q, handler: handler, opts: opts}
}

type boundWorker[T any] struct {
	q       *Queue[T]
	handler Handler[T]
	opts    []WorkOption
}

func (w *boundWorker[T]) Name() string {
	return w.q.name
}

func (w *boundWorker[T]) Run(ctx context.Context) error {
	return w.q.Work(ctx, w.handler, w.opts...)
}

// loop 单个消费协程
func (q *Queue[T]) loop(ctx context.Context, workerID int, handler Handler[T], o *workOptions, log logger.Logger) error {
	ctx = context.WithValue(ctx, logger.WorkerIDKey, workerID)
	log.Debugf(ctx, "[Queue-%d] Started", workerID)

	for {
		if ctx.Err() != nil {
			log.Infof(ctx, "[Queue-%d] Context cancelled, exiting", workerID)
			return nil
		}

		token, raw, ok, err := q.next(ctx, o)
		if err != nil {
			if ctx.Err() != nil {
				log.Infof(ctx, "[Queue-%d] Context cancelled, exiting", workerID)
				return nil
			}
			return fmt.Errorf("queue %s worker %d: pop failed: %w", q.name, workerID, err)
		}
		if !ok {
			log.Infof(ctx, "[Queue-%d] Queue idle, exiting", workerID)
			return nil
		}

		q.process(ctx, workerID, token, raw, handler, log)
	}
}

// next 出队一条任务；队列为空时以重试信号在空闲预算内轮询
func (q *Queue[T]) next(ctx context.Context, o *workOptions) (token, raw string, ok bool, err error) {
	err = retry.Do(ctx, o.idleRetries, o.idleBackoff, func(ctx context.Context, attempt int) error {
		t := newToken()
		v, err := popScript.Run(ctx, q.rdb, []string{q.name, q.deadLetter}, t).Text()
		if errors.Is(err, redis.Nil) {
			return errorutil.Retriable("queue empty")
		}
		if err != nil {
			return err
		}
		token, raw, ok = t, v, true
		return nil
	})
	return token, raw, ok, err
}

// process 处理单条任务，成功后删除死信记录
func (q *Queue[T]) process(ctx context.Context, workerID int, token, raw string, handler Handler[T], log logger.Logger) {
	item, err := q.decode(raw)
	if err != nil {
		log.Error(ctx, err, raw)
		return
	}

	done := false
	err = retry.Do(ctx, q.retries, q.backoff, func(ctx context.Context, attempt int) error {
		if err := call(ctx, handler, item); err != nil {
			return err
		}
		done = true
		return nil
	})

	switch {
	case err != nil && ctx.Err() != nil:
		log.Warnf(ctx, "[Queue-%d] Interrupted, job kept in %s", workerID, q.deadLetter)
		return
	case err != nil:
		log.Error(ctx, err, raw)
		log.Warnf(ctx, "[Queue-%d] Job failed, kept in %s", workerID, q.deadLetter)
		return
	case !done:
		log.Warnf(ctx, "[Queue-%d] Retries exhausted (%d), job kept in %s", workerID, q.retries, q.deadLetter)
		return
	}

	// 处理已经成功，删除记录不受取消影响
	if err := q.rdb.HDel(context.WithoutCancel(ctx), q.deadLetter, token).Err(); err != nil {
		log.Errorf(ctx, "[Queue-%d] Delete dead letter %s failed: %v", workerID, token, err)
	}
}

// call 调用处理函数并将 panic 转为终止错误
func call[T any](ctx context.Context, handler Handler[T], item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, item)
}

// WrapHandler 调用前记录 payload，出错时记录错误与 payload 并原样返回
func WrapHandler[T any](handler Handler[T], log logger.Logger) Handler[T] {
	if log == nil {
		return handler
	}
	return func(ctx context.Context, item T) error {
		log.Log(ctx, item)
		err := handler(ctx, item)
		if err != nil {
			log.Error(ctx, err, item)
		}
		return err
	}
}
