package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 事件归档状态
const (
	EventStatusReceived  = "RECEIVED"
	EventStatusProcessed = "PROCESSED"
)

// ErrEventNotFound 归档记录不存在
var ErrEventNotFound = errors.New("event not found")

// EventRecord 事件归档表
type EventRecord struct {
	ID          string         `gorm:"column:id;primaryKey;type:varchar(64)"`
	Subject     string         `gorm:"column:subject;type:varchar(255);index"`
	OrderID     string         `gorm:"column:order_id;type:varchar(64);index"`
	Payload     datatypes.JSON `gorm:"column:payload"`
	Status      string         `gorm:"column:status;type:varchar(32)"`
	CreatedAt   time.Time      `gorm:"column:created_at"`
	ProcessedAt *time.Time     `gorm:"column:processed_at"`
}

// TableName 表名
func (EventRecord) TableName() string {
	return "relay_events"
}

// EventDAO 事件归档数据访问对象
type EventDAO struct {
	db *gorm.DB
}

// NewEventDAO 创建 EventDAO 实例
func NewEventDAO(dsn string) (*EventDAO, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &EventDAO{
		db: db,
	}, nil
}

// AutoMigrate 建表
func (dao *EventDAO) AutoMigrate() error {
	return dao.db.AutoMigrate(&EventRecord{})
}

// Archive 归档事件
// 同一事件可能被重投，主键冲突时忽略
func (dao *EventDAO) Archive(ctx context.Context, record *EventRecord) error {
	if record.Status == "" {
		record.Status = EventStatusReceived
	}

	result := dao.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(record)
	if result.Error != nil {
		return fmt.Errorf("failed to archive event %s: %w", record.ID, result.Error)
	}
	return nil
}

// MarkProcessed 标记事件已处理
func (dao *EventDAO) MarkProcessed(ctx context.Context, id string) error {
	now := time.Now()
	result := dao.db.WithContext(ctx).
		Model(&EventRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       EventStatusProcessed,
			"processed_at": now,
		})

	if result.Error != nil {
		return fmt.Errorf("failed to update event: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}

	return nil
}

// GetEvent 根据 ID 获取归档事件
func (dao *EventDAO) GetEvent(ctx context.Context, id string) (*EventRecord, error) {
	var record EventRecord
	result := dao.db.WithContext(ctx).Where("id = ?", id).First(&record)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get event: %w", result.Error)
	}
	return &record, nil
}

// Close 关闭数据库连接
func (dao *EventDAO) Close() error {
	sqlDB, err := dao.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
