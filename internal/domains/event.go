package domains

import "time"

// 路由常量
const (
	// OrderEventsConsumer 消费者名称（Resolver 使用）
	OrderEventsConsumer = "order_events"
	// OrdersGroup group 名即 stream 名
	OrdersGroup = "ORDERS"

	SubjectOrderCreated = "order.created"
	SubjectOrderUpdated = "order.*.updated"

	// DiagnoseQueue 诊断任务队列
	DiagnoseQueue = "order_diagnose"
)

// OrderEvent 订单事件（stream 消息体）
type OrderEvent struct {
	EventID   string                 `json:"event_id"`
	RequestID string                 `json:"request_id"` // 请求 ID（TraceID）
	OrgID     string                 `json:"org_id"`
	OrderID   string                 `json:"order_id"`
	AccountID int64                  `json:"account_id"`
	Status    string                 `json:"status,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"` // 具体业务数据
}

// DiagnoseJob 诊断任务（工作队列元素）
type DiagnoseJob struct {
	EventID    string    `json:"event_id"`
	RequestID  string    `json:"request_id"`
	OrderID    string    `json:"order_id"`
	AccountID  int64     `json:"account_id"`
	Subject    string    `json:"subject"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
