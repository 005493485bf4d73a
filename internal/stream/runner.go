// Package stream 按注册表为每个 (group, subject) 打开 durable pull 订阅并驱动处理
//
// 每个订阅一个顺序处理协程，订阅之间互不阻塞。成功 ACK；重试信号不 ACK，
// 等 ack-wait 超时后由 broker 重投；其他错误记录后仍然 ACK。
// 每处理 BatchSize 条消息补发一次同样大小的拉取请求。
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"oip/dprelay/internal/registry"
	"oip/dprelay/pkg/errorutil"
	"oip/dprelay/pkg/logger"
)

const (
	MinBatchSize = 1
	MaxBatchSize = 1000

	defaultErrorBackoff = time.Second
)

var (
	// ErrStreamNotFound 注册表引用的 stream 在上游不存在
	ErrStreamNotFound = errors.New("stream: stream not found")
	// ErrInvalidBatchSize batch_size 超出 1..1000
	ErrInvalidBatchSize = errors.New("stream: batch size must be within 1..1000")
)

// Config 消费者配置
type Config struct {
	Namespace       string
	BatchSize       int
	AckWait         time.Duration
	SampleFrequency string
	ErrorBackoff    time.Duration // Next 出错后的退避
}

// ErrorHook 非重试错误的观测回调
type ErrorHook func(ctx context.Context, h registry.Handler, msg *registry.Message, err error)

// Option Runner 可选项
type Option func(*Runner)

// WithErrorHook 注册错误回调
func WithErrorHook(hook ErrorHook) Option {
	return func(r *Runner) {
		r.onError = hook
	}
}

// Runner 流消费者
type Runner struct {
	cfg        Config
	broker     Broker
	handlers   []registry.Handler
	logger     logger.Logger
	onError    ErrorHook
	cancelFunc context.CancelFunc
	subs       []Subscription
	wg         sync.WaitGroup
	mu         sync.Mutex
}

// NewRunner 创建流消费者
func NewRunner(cfg Config, broker Broker, handlers []registry.Handler, log logger.Logger, opts ...Option) (*Runner, error) {
	if cfg.BatchSize < MinBatchSize || cfg.BatchSize > MaxBatchSize {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidBatchSize, cfg.BatchSize)
	}
	if cfg.Namespace == "" {
		return nil, fmt.Errorf("stream: namespace is required")
	}
	if broker == nil {
		return nil, fmt.Errorf("stream: broker is required")
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = defaultErrorBackoff
	}
	if log == nil {
		log = logger.NewNop()
	}

	r := &Runner{
		cfg:      cfg,
		broker:   broker,
		handlers: handlers,
		logger:   log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Start 校验 stream、打开订阅、发出首次拉取并启动处理协程
// 任一 stream 不存在时直接失败，不打开任何订阅
func (r *Runner) Start(parentCtx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancelFunc != nil {
		return fmt.Errorf("stream: runner already started")
	}

	if err := r.checkStreams(parentCtx); err != nil {
		return err
	}

	subs := make([]Subscription, 0, len(r.handlers))
	for _, h := range r.handlers {
		sub, err := r.broker.PullSubscribe(parentCtx, SubscribeOptions{
			Stream:          h.Group,
			Durable:         DurableName(h.Group, r.cfg.Namespace, h.Subject),
			FilterSubject:   h.Subject,
			AckWait:         r.cfg.AckWait,
			SampleFrequency: r.cfg.SampleFrequency,
		})
		if err != nil {
			closeAll(subs)
			return fmt.Errorf("stream: subscribe %s/%s failed: %w", h.Group, h.Subject, err)
		}
		subs = append(subs, sub)
	}

	ctx, cancel := context.WithCancel(parentCtx)
	for i, sub := range subs {
		if err := sub.Pull(ctx, r.cfg.BatchSize); err != nil {
			cancel()
			closeAll(subs)
			return fmt.Errorf("stream: initial pull %s failed: %w", r.handlers[i].Subject, err)
		}
	}

	r.cancelFunc = cancel
	r.subs = subs

	for i := range subs {
		h, sub := r.handlers[i], subs[i]
		r.wg.Add(1)
		go r.loop(ctx, h, sub)
		r.logger.Infof(ctx, "[Stream] Subscribed %s/%s (batch=%d)", h.Group, h.Subject, r.cfg.BatchSize)
	}

	return nil
}

// Stop 停止拉取，等待处理中的消息完成后关闭订阅
// 未 ACK 的消息会在 ack-wait 过期后于下次启动时重投
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancelFunc
	subs := r.subs
	r.mu.Unlock()

	r.logger.Infof(context.Background(), "[Stream] Stopping...")
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	closeAll(subs)
	r.logger.Infof(context.Background(), "[Stream] All subscriptions closed")
}

func (r *Runner) checkStreams(ctx context.Context) error {
	seen := make(map[string]struct{})
	for _, h := range r.handlers {
		if _, ok := seen[h.Group]; ok {
			continue
		}
		seen[h.Group] = struct{}{}

		ok, err := r.broker.StreamExists(ctx, h.Group)
		if err != nil {
			return fmt.Errorf("stream: lookup %s failed: %w", h.Group, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrStreamNotFound, h.Group)
		}
	}
	return nil
}

// loop 单个订阅的顺序处理循环
func (r *Runner) loop(ctx context.Context, h registry.Handler, sub Subscription) {
	defer r.wg.Done()

	ctx = context.WithValue(ctx, logger.SubjectKey, h.Subject)
	win := &window{size: r.cfg.BatchSize}

	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrSubscriptionClosed) {
				r.logger.Infof(ctx, "[Stream] %s/%s exiting", h.Group, h.Subject)
				return
			}
			r.logger.Warnf(ctx, "[Stream] %s/%s next failed: %v, retrying...", h.Group, h.Subject, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.cfg.ErrorBackoff):
				continue
			}
		}

		// 处理中的消息不受关闭影响
		r.handle(context.WithoutCancel(ctx), h, msg)

		if win.advance() {
			if ctx.Err() != nil {
				return
			}
			if err := sub.Pull(ctx, r.cfg.BatchSize); err != nil {
				r.logger.Errorf(ctx, "[Stream] %s/%s pull failed: %v", h.Group, h.Subject, err)
			}
		}
	}
}

// handle 处理单条消息并决定 ACK 与否
func (r *Runner) handle(ctx context.Context, h registry.Handler, m Message) {
	msg := &registry.Message{Subject: m.Subject(), Data: m.Data()}
	payload := decodeForLog(msg.Data)

	log := r.logger.Child(map[string]interface{}{
		"group":   h.Group,
		"subject": msg.Subject,
	})
	log.Log(ctx, payload)

	err := invoke(ctx, h, msg)
	switch {
	case err == nil:
		r.ack(ctx, log, m)
	case errorutil.IsRetry(err):
		log.Debugf(ctx, "[Stream] Retry requested, leaving unacknowledged: %v", err)
	default:
		log.Error(ctx, err, payload)
		r.ack(ctx, log, m)
		if r.onError != nil {
			r.onError(ctx, h, msg, err)
		}
	}
}

func (r *Runner) ack(ctx context.Context, log logger.Logger, m Message) {
	if err := m.Ack(); err != nil {
		log.Errorf(ctx, "[Stream] Ack failed: %v", err)
	}
}

// invoke 调用处理链，panic 视为终止错误
func invoke(ctx context.Context, h registry.Handler, msg *registry.Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h.Invoke(ctx, msg)
}

func decodeForLog(data []byte) interface{} {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	return v
}

func closeAll(subs []Subscription) {
	for _, sub := range subs {
		_ = sub.Close()
	}
}

// window 拉取窗口：自上次拉取以来处理的消息数
type window struct {
	size    int
	handled int
}

// advance 记一条；满一批时归零并返回 true
func (w *window) advance() bool {
	w.handled++
	if w.handled >= w.size {
		w.handled = 0
		return true
	}
	return false
}
