package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrSubscriptionClosed 订阅已关闭，Next 不会再返回消息
var ErrSubscriptionClosed = errors.New("stream: subscription closed")

// Broker 事件流 broker（JetStream 适配器实现）
type Broker interface {
	// StreamExists 检查 stream 是否存在；本引擎只订阅，不创建 stream
	StreamExists(ctx context.Context, stream string) (bool, error)
	// PullSubscribe 打开一个 durable pull 订阅
	PullSubscribe(ctx context.Context, opts SubscribeOptions) (Subscription, error)
}

// Publisher 带幂等键的发布
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, msgID string) error
}

// Subscription pull 订阅
type Subscription interface {
	// Pull 追加一次拉取请求（batch 条）
	Pull(ctx context.Context, batch int) error
	// Next 阻塞直到下一条消息
	Next(ctx context.Context) (Message, error)
	// Close 释放订阅，broker 侧 durable 游标保留
	Close() error
}

// Message broker 投递的消息
type Message interface {
	Subject() string
	Data() []byte
	Ack() error
}

// SubscribeOptions 订阅参数
// 适配器固定使用：显式 ACK、手动 ACK、只投递新消息、instant replay
type SubscribeOptions struct {
	Stream          string
	Durable         string
	FilterSubject   string
	AckWait         time.Duration
	SampleFrequency string
}

var durableReplacer = strings.NewReplacer(
	".", "-",
	"*", "_star_",
	">", "_gt_",
	" ", "_",
)

// DurableName 由 (stream, namespace, subject) 生成稳定的 durable 名
// 进程重启后得到同一个名字，broker 端恢复原游标而不是新建消费者
func DurableName(stream, namespace, subject string) string {
	return fmt.Sprintf("%s_%s_%s",
		durableReplacer.Replace(namespace),
		durableReplacer.Replace(stream),
		durableReplacer.Replace(subject),
	)
}
