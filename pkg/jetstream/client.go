package jetstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"oip/dprelay/internal/stream"
)

const defaultFetchWait = 5 * time.Second

// Client JetStream 客户端封装（实现 stream.Broker / stream.Publisher）
type Client struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	fetchWait time.Duration
}

// Connect 连接 NATS 并获取 JetStream 上下文
func Connect(url, name string) (*Client, error) {
	nc, err := nats.Connect(url, nats.Name(name))
	if err != nil {
		return nil, fmt.Errorf("nats connect failed: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context failed: %w", err)
	}

	return &Client{
		nc:        nc,
		js:        js,
		fetchWait: defaultFetchWait,
	}, nil
}

// StreamExists 查询 stream 是否存在
func (c *Client) StreamExists(ctx context.Context, name string) (bool, error) {
	_, err := c.js.StreamInfo(name, nats.Context(ctx))
	if errors.Is(err, nats.ErrStreamNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("jetstream stream info failed: %w", err)
	}
	return true, nil
}

// PullSubscribe 创建（或复用）durable 消费者并绑定 pull 订阅
func (c *Client) PullSubscribe(ctx context.Context, opts stream.SubscribeOptions) (stream.Subscription, error) {
	_, err := c.js.AddConsumer(opts.Stream, ConsumerConfig(opts), nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrConsumerNameAlreadyInUse) {
		return nil, fmt.Errorf("jetstream add consumer %s failed: %w", opts.Durable, err)
	}

	sub, err := c.js.PullSubscribe(opts.FilterSubject, opts.Durable,
		nats.Bind(opts.Stream, opts.Durable),
		nats.ManualAck(),
	)
	if err != nil {
		return nil, fmt.Errorf("jetstream pull subscribe %s failed: %w", opts.Durable, err)
	}

	return newSubscription(sub, c.fetchWait), nil
}

// ConsumerConfig 订阅参数对应的 durable 消费者配置
func ConsumerConfig(opts stream.SubscribeOptions) *nats.ConsumerConfig {
	return &nats.ConsumerConfig{
		Durable:         opts.Durable,
		FilterSubject:   opts.FilterSubject,
		AckPolicy:       nats.AckExplicitPolicy,
		AckWait:         opts.AckWait,
		DeliverPolicy:   nats.DeliverNewPolicy,
		ReplayPolicy:    nats.ReplayInstantPolicy,
		SampleFrequency: opts.SampleFrequency,
	}
}

// Publish 发布消息，msgID 作为去重键；为空时生成一个
func (c *Client) Publish(ctx context.Context, subject string, data []byte, msgID string) error {
	if msgID == "" {
		msgID = uuid.NewString()
	}
	if _, err := c.js.Publish(subject, data, nats.MsgId(msgID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("jetstream publish %s failed: %w", subject, err)
	}
	return nil
}

// Close 排空连接
func (c *Client) Close() error {
	return c.nc.Drain()
}
