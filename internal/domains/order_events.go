package domains

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"oip/dprelay/internal/registry"
	"oip/dprelay/pkg/errorutil"
	"oip/dprelay/pkg/infra/mysql"
	"oip/dprelay/pkg/logger"
)

// EventStore 事件归档（mysql.EventDAO 实现）
type EventStore interface {
	Archive(ctx context.Context, record *mysql.EventRecord) error
	MarkProcessed(ctx context.Context, id string) error
}

// JobQueue 诊断任务队列（queue.Queue[DiagnoseJob] 实现）
type JobQueue interface {
	Push(ctx context.Context, items ...DiagnoseJob) error
}

// OrderEvents 订单事件消费者
type OrderEvents struct {
	store  EventStore
	jobs   JobQueue
	logger logger.Logger
}

// NewOrderEvents 创建消费者实例
func NewOrderEvents(store EventStore, jobs JobQueue, log logger.Logger) *OrderEvents {
	if log == nil {
		log = logger.NewNop()
	}
	return &OrderEvents{
		store:  store,
		jobs:   jobs,
		logger: log,
	}
}

// OrderEventsDeclaration 订单事件的注册声明
func OrderEventsDeclaration() *registry.Consumer[*OrderEvents] {
	return registry.NewConsumer[*OrderEvents](OrderEventsConsumer, OrdersGroup, RequireJSON()).
		Handle(SubjectOrderCreated, func(c *OrderEvents) registry.HandlerFunc {
			return c.OnCreated
		}, WithTrace()).
		Handle(SubjectOrderUpdated, func(c *OrderEvents) registry.HandlerFunc {
			return c.OnUpdated
		}, WithTrace())
}

// OnCreated 处理 order.created
func (c *OrderEvents) OnCreated(ctx context.Context, msg *registry.Message) error {
	var evt OrderEvent
	if err := msg.Decode(&evt); err != nil {
		return errorutil.NonRetriableWithDetails("bad order event", err.Error())
	}
	if evt.OrderID == "" {
		return errorutil.NonRetriable("order_id is required")
	}
	return c.accept(ctx, msg, &evt)
}

// OnUpdated 处理 order.<id>.updated，order_id 缺失时取 subject 中间段
func (c *OrderEvents) OnUpdated(ctx context.Context, msg *registry.Message) error {
	var evt OrderEvent
	if err := msg.Decode(&evt); err != nil {
		return errorutil.NonRetriableWithDetails("bad order event", err.Error())
	}
	if evt.OrderID == "" {
		evt.OrderID = orderIDFromSubject(msg.Subject)
	}
	if evt.OrderID == "" {
		return errorutil.NonRetriable("order_id is required")
	}
	return c.accept(ctx, msg, &evt)
}

// accept 归档事件并投递诊断任务，存储故障返回重试信号
func (c *OrderEvents) accept(ctx context.Context, msg *registry.Message, evt *OrderEvent) error {
	if evt.EventID == "" {
		evt.EventID = uuid.New().String()
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return errorutil.NonRetriableWithDetails("marshal order event failed", err.Error())
	}

	record := &mysql.EventRecord{
		ID:        evt.EventID,
		Subject:   msg.Subject,
		OrderID:   evt.OrderID,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	if err := c.store.Archive(ctx, record); err != nil {
		c.logger.Warnf(ctx, "[OrderEvents] Archive %s failed: %v", evt.EventID, err)
		return errorutil.Retry(err)
	}

	job := DiagnoseJob{
		EventID:    evt.EventID,
		RequestID:  evt.RequestID,
		OrderID:    evt.OrderID,
		AccountID:  evt.AccountID,
		Subject:    msg.Subject,
		EnqueuedAt: time.Now(),
	}
	if err := c.jobs.Push(ctx, job); err != nil {
		c.logger.Warnf(ctx, "[OrderEvents] Enqueue %s failed: %v", evt.EventID, err)
		return errorutil.Retry(fmt.Errorf("enqueue diagnose job: %w", err))
	}

	c.logger.Infof(ctx, "[OrderEvents] Accepted %s: order_id=%s, event_id=%s", msg.Subject, evt.OrderID, evt.EventID)
	return nil
}

func orderIDFromSubject(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) != 3 {
		return ""
	}
	return parts[1]
}
