// Package queue 基于 Redis List 的 FIFO 工作队列
//
// 出队与死信备份在同一个 Lua 脚本中完成：任一条正在处理或重试耗尽的任务
// 都在 <queue>:dead-letter 哈希中留有一份记录，仅在处理成功后删除。
// Requeue 在一个 MULTI/EXEC 中把死信全部放回队尾并清空死信。
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"oip/dprelay/pkg/errorutil"
	"oip/dprelay/pkg/retry"
)

const (
	DefaultRetries = 3
	DefaultBackoff = 10 * time.Second

	deadLetterSuffix = ":dead-letter"

	requeueRetries = 5
	requeueBackoff = 10 * time.Millisecond
)

var (
	// ErrNameRequired 队列名为空
	ErrNameRequired = errors.New("queue: name is required")
	// ErrRequeueConflict 死信在多次尝试中都被并发修改
	ErrRequeueConflict = errors.New("queue: requeue conflicted with concurrent writers")
)

// popScript 原子出队并写入死信备份
var popScript = redis.NewScript(`
local v = redis.call('LPOP', KEYS[1])
if not v then
	return false
end
redis.call('HSET', KEYS[2], ARGV[1], v)
return v
`)

// Config 队列配置
type Config struct {
	Name    string
	Retries int
	Backoff time.Duration
}

// Admin 队列的非泛型管理视图
type Admin interface {
	Name() string
	Length(ctx context.Context) (int64, error)
	DeadLetterCount(ctx context.Context) (int64, error)
	DeadLetterPayloads(ctx context.Context) ([]json.RawMessage, error)
	Requeue(ctx context.Context) (bool, error)
}

// Queue 工作队列，自身无状态，所有可变状态都在 Redis 中
type Queue[T any] struct {
	rdb        redis.UniversalClient
	name       string
	deadLetter string
	retries    int
	backoff    time.Duration
}

// New 创建队列
func New[T any](rdb redis.UniversalClient, cfg Config) (*Queue[T], error) {
	if cfg.Name == "" {
		return nil, ErrNameRequired
	}
	if rdb == nil {
		return nil, fmt.Errorf("queue %s: redis client is required", cfg.Name)
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	}

	return &Queue[T]{
		rdb:        rdb,
		name:       cfg.Name,
		deadLetter: DeadLetterKey(cfg.Name),
		retries:    cfg.Retries,
		backoff:    cfg.Backoff,
	}, nil
}

// DeadLetterKey 队列对应的死信哈希键
func DeadLetterKey(name string) string {
	return name + deadLetterSuffix
}

// Name 队列名
func (q *Queue[T]) Name() string {
	return q.name
}

// DeadLetterKey 死信哈希键
func (q *Queue[T]) DeadLetterKey() string {
	return q.deadLetter
}

// Fill 批量写入
// 队列非空时不写入并返回 false，避免 leader 重复灌入 follower 仍在消费的队列。
// 检查与写入在 WATCH 事务中完成，期间队列被他人修改同样返回 false。
func (q *Queue[T]) Fill(ctx context.Context, items []T) (bool, error) {
	if len(items) == 0 {
		return false, nil
	}

	values, err := q.encodeAll(items)
	if err != nil {
		return false, err
	}

	filled := false
	err = q.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.LLen(ctx, q.name).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, q.name, values...)
			return nil
		})
		if err == nil {
			filled = true
		}
		return err
	}, q.name)

	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("queue %s: fill failed: %w", q.name, err)
	}

	return filled, nil
}

// FillStream 流式写入，每个分片无条件追加
// 返回已写入的条数；channel 关闭时正常结束
func (q *Queue[T]) FillStream(ctx context.Context, chunks <-chan []T) (int, error) {
	appended := 0
	for {
		select {
		case <-ctx.Done():
			return appended, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return appended, nil
			}
			if len(chunk) == 0 {
				continue
			}
			if err := q.Push(ctx, chunk...); err != nil {
				return appended, err
			}
			appended += len(chunk)
		}
	}
}

// Push 无条件原子追加到队尾
func (q *Queue[T]) Push(ctx context.Context, items ...T) error {
	if len(items) == 0 {
		return nil
	}

	values, err := q.encodeAll(items)
	if err != nil {
		return err
	}

	if err := q.rdb.RPush(ctx, q.name, values...).Err(); err != nil {
		return fmt.Errorf("queue %s: push failed: %w", q.name, err)
	}
	return nil
}

// Length 未消费的任务数
func (q *Queue[T]) Length(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.name).Result()
	if err != nil {
		return 0, fmt.Errorf("queue %s: length failed: %w", q.name, err)
	}
	return n, nil
}

// Requeue 把全部死信放回队尾并清空死信，返回是否有内容被放回
func (q *Queue[T]) Requeue(ctx context.Context) (bool, error) {
	moved := false
	conflict := false

	err := retry.Do(ctx, requeueRetries, requeueBackoff, func(ctx context.Context, attempt int) error {
		err := q.rdb.Watch(ctx, func(tx *redis.Tx) error {
			vals, err := tx.HVals(ctx, q.deadLetter).Result()
			if err != nil {
				return err
			}
			if len(vals) == 0 {
				moved = false
				return nil
			}

			args := make([]interface{}, len(vals))
			for i, v := range vals {
				args[i] = v
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.RPush(ctx, q.name, args...)
				pipe.Del(ctx, q.deadLetter)
				return nil
			})
			if err == nil {
				moved = true
			}
			return err
		}, q.deadLetter)

		conflict = errors.Is(err, redis.TxFailedErr)
		if conflict {
			return errorutil.Retry(err)
		}
		return err
	})

	if err != nil {
		return false, fmt.Errorf("queue %s: requeue failed: %w", q.name, err)
	}
	if conflict {
		return false, ErrRequeueConflict
	}

	return moved, nil
}

// DeadLetters 解码后的全部死信
func (q *Queue[T]) DeadLetters(ctx context.Context) ([]T, error) {
	raws, err := q.DeadLetterPayloads(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]T, 0, len(raws))
	for _, raw := range raws {
		item, err := q.decode(string(raw))
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// DeadLetterPayloads 死信原始内容
func (q *Queue[T]) DeadLetterPayloads(ctx context.Context) ([]json.RawMessage, error) {
	vals, err := q.rdb.HVals(ctx, q.deadLetter).Result()
	if err != nil {
		return nil, fmt.Errorf("queue %s: read dead letters failed: %w", q.name, err)
	}

	raws := make([]json.RawMessage, len(vals))
	for i, v := range vals {
		raws[i] = json.RawMessage(v)
	}
	return raws, nil
}

// DeadLetterCount 死信条数（处理中 + 重试耗尽）
func (q *Queue[T]) DeadLetterCount(ctx context.Context) (int64, error) {
	n, err := q.rdb.HLen(ctx, q.deadLetter).Result()
	if err != nil {
		return 0, fmt.Errorf("queue %s: count dead letters failed: %w", q.name, err)
	}
	return n, nil
}

func (q *Queue[T]) encodeAll(items []T) ([]interface{}, error) {
	values := make([]interface{}, len(items))
	for i, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("queue %s: encode item %d failed: %w", q.name, i, err)
		}
		values[i] = string(data)
	}
	return values, nil
}

func (q *Queue[T]) decode(raw string) (T, error) {
	var item T
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return item, fmt.Errorf("queue %s: decode failed: %w", q.name, err)
	}
	return item, nil
}

// newToken 32 位随机十六进制备份键
func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
