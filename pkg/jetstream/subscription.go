package jetstream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"oip/dprelay/internal/stream"
)

// subscription 把"拉取请求 + 逐条接收"映射到 FetchBatch
// Pull 只累加待拉取数量，由唯一的 fetch 协程按剩余需求持续拉取，
// 一次 FetchBatch 超时未满时会对剩余部分重新发起请求。
type subscription struct {
	sub       *nats.Subscription
	fetchWait time.Duration
	demand    chan int
	msgs      chan *nats.Msg
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newSubscription(sub *nats.Subscription, fetchWait time.Duration) *subscription {
	ctx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		sub:       sub,
		fetchWait: fetchWait,
		demand:    make(chan int, 64),
		msgs:      make(chan *nats.Msg),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.wg.Add(1)
	go s.fetchLoop()
	return s
}

func (s *subscription) Pull(ctx context.Context, batch int) error {
	if batch <= 0 {
		return nil
	}
	select {
	case s.demand <- batch:
		return nil
	case <-s.ctx.Done():
		return stream.ErrSubscriptionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *subscription) Next(ctx context.Context) (stream.Message, error) {
	select {
	case m := <-s.msgs:
		return message{m}, nil
	case <-s.ctx.Done():
		return nil, stream.ErrSubscriptionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close 停止拉取并取消本地订阅；broker 端 durable 保留
func (s *subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		err = s.sub.Unsubscribe()
		if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrConnectionDraining) {
			err = nil
		}
	})
	return err
}

func (s *subscription) fetchLoop() {
	defer s.wg.Done()

	want := 0
	for {
		if want == 0 {
			select {
			case n := <-s.demand:
				want += n
			case <-s.ctx.Done():
				return
			}
		}
		// 合并已到达的请求
		for drained := false; !drained; {
			select {
			case n := <-s.demand:
				want += n
			default:
				drained = true
			}
		}

		if !s.fetch(&want) {
			return
		}
	}
}

// fetch 发起一次 FetchBatch 并把收到的消息交给 Next，返回 false 表示订阅已关闭
func (s *subscription) fetch(want *int) bool {
	fctx, cancel := context.WithTimeout(s.ctx, s.fetchWait)
	defer cancel()

	batch, err := s.sub.FetchBatch(*want, nats.Context(fctx))
	if err != nil {
		if s.ctx.Err() != nil {
			return false
		}
		// 连接抖动：稍后重试
		select {
		case <-s.ctx.Done():
			return false
		case <-time.After(s.fetchWait / 5):
		}
		return true
	}

	for m := range batch.Messages() {
		select {
		case s.msgs <- m:
			*want--
		case <-s.ctx.Done():
			return false
		}
	}
	return s.ctx.Err() == nil
}

type message struct {
	m *nats.Msg
}

func (m message) Subject() string { return m.m.Subject }
func (m message) Data() []byte    { return m.m.Data }
func (m message) Ack() error      { return m.m.Ack() }
