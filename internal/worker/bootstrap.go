package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"oip/dprelay/internal/domains"
	"oip/dprelay/internal/ingest"
	"oip/dprelay/internal/queue"
	"oip/dprelay/internal/registry"
	"oip/dprelay/internal/stream"
	"oip/dprelay/pkg/config"
	"oip/dprelay/pkg/infra/mysql"
	infraredis "oip/dprelay/pkg/infra/redis"
	"oip/dprelay/pkg/jetstream"
	"oip/dprelay/pkg/lmstfy"
	"oip/dprelay/pkg/logger"
)

// App 按配置装配完成的进程
type App struct {
	Manager   *ManagerInstance
	Admins    map[string]queue.Admin
	Publisher stream.Publisher // 未配置 nats 时为 nil
}

// Bootstrap 按配置初始化所有客户端、队列与消费者
// 任一依赖初始化失败都会释放已打开的资源并返回错误
func Bootstrap(cfg *config.Config, log logger.Logger) (*App, error) {
	if log == nil {
		log = logger.NewNop()
	}
	ctx := context.Background()
	b := &bootstrap{cfg: cfg, logger: log, admins: make(map[string]queue.Admin)}

	app, err := b.build(ctx)
	if err != nil {
		b.closeAll()
		return nil, err
	}
	return app, nil
}

type bootstrap struct {
	cfg     *config.Config
	logger  logger.Logger
	rdb     *redis.Client
	store   *mysql.EventDAO
	diag    *queue.Queue[domains.DiagnoseJob]
	admins  map[string]queue.Admin
	workers []Worker
	closers []Closer
}

func (b *bootstrap) build(ctx context.Context) (*App, error) {
	// 1. 基础设施
	if err := b.initRedis(ctx); err != nil {
		return nil, err
	}
	if err := b.initMySQL(); err != nil {
		return nil, err
	}

	// 2. 工作队列
	if err := b.initQueues(); err != nil {
		return nil, err
	}

	// 3. 旧任务入口
	if err := b.initIngest(); err != nil {
		return nil, err
	}

	app := &App{Admins: b.admins}
	opts := []Option{WithWorkers(b.workers...)}

	// 4. 流消费者
	if b.cfg.NATS.URL != "" {
		js, err := jetstream.Connect(b.cfg.NATS.URL, b.cfg.NATS.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to connect nats: %w", err)
		}
		// 先于 redis/mysql 关闭：Runner 停止后才会执行
		b.closers = append([]Closer{{Name: "nats", Close: js.Close}}, b.closers...)
		app.Publisher = js

		runner, err := b.initRunner(js)
		if err != nil {
			return nil, err
		}
		if runner != nil {
			opts = append(opts, WithStreamRunner(runner))
		}
	}

	opts = append(opts, WithClosers(b.closers...))
	app.Manager = NewManagerInstance(b.logger, opts...)
	return app, nil
}

func (b *bootstrap) initRedis(ctx context.Context) error {
	if b.cfg.Redis.Addr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     b.cfg.Redis.Addr,
		Password: b.cfg.Redis.Password,
		DB:       b.cfg.Redis.DB,
	})
	b.closers = append(b.closers, Closer{Name: "redis", Close: rdb.Close})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("failed to connect redis %s: %w", b.cfg.Redis.Addr, err)
	}

	b.rdb = rdb
	b.logger.Infof(ctx, "[Bootstrap] Redis connected: %s", b.cfg.Redis.Addr)
	return nil
}

func (b *bootstrap) initMySQL() error {
	if b.cfg.MySQL.DSN == "" {
		return nil
	}
	dao, err := mysql.NewEventDAO(b.cfg.MySQL.DSN)
	if err != nil {
		return err
	}
	b.closers = append(b.closers, Closer{Name: "mysql", Close: dao.Close})
	b.store = dao
	return nil
}

func (b *bootstrap) initQueues() error {
	for _, qc := range b.cfg.Queues {
		qcfg := queue.Config{Name: qc.Name, Retries: qc.Retries, Backoff: qc.Backoff}
		wopts := []queue.WorkOption{
			queue.WithParallelism(qc.Parallelism),
			queue.WithLogger(b.logger),
		}
		if qc.IdleRetries > 0 {
			wopts = append(wopts, queue.WithIdle(qc.IdleRetries, qc.IdleBackoff))
		}

		if qc.Name != domains.DiagnoseQueue {
			// 没有处理函数的队列只提供查看与重放
			q, err := queue.New[json.RawMessage](b.redisClient(), qcfg)
			if err != nil {
				return err
			}
			b.admins[qc.Name] = q
			continue
		}

		q, err := queue.New[domains.DiagnoseJob](b.redisClient(), qcfg)
		if err != nil {
			return err
		}
		b.admins[qc.Name] = q
		b.diag = q
		if b.store != nil {
			b.workers = append(b.workers, q.Bind(domains.NewDiagnoseHandler(b.store, infraredis.NewPubSub(b.rdb, b.cfg.Redis.NotifyChannel), b.logger), wopts...))
		}
	}
	return nil
}

func (b *bootstrap) initIngest() error {
	lc := b.cfg.Lmstfy
	if lc.Host == "" {
		return nil
	}
	target := b.cfg.Queue(lc.Target)
	if target == nil {
		return fmt.Errorf("lmstfy target %q is not a configured queue", lc.Target)
	}

	sink, err := queue.New[json.RawMessage](b.redisClient(), queue.Config{
		Name:    target.Name,
		Retries: target.Retries,
		Backoff: target.Backoff,
	})
	if err != nil {
		return err
	}

	source := lmstfy.NewClient(lc.Host, lc.Port, lc.Namespace, lc.Token)
	b.workers = append(b.workers, ingest.NewBridge[json.RawMessage](ingest.Config{
		Queue:   lc.Queue,
		Timeout: lc.Timeout,
		TTR:     lc.TTR,
	}, source, sink, b.logger))
	return nil
}

func (b *bootstrap) initRunner(js *jetstream.Client) (*stream.Runner, error) {
	instances := make(map[string]interface{})
	reg := registry.New(registry.Instances(instances))

	if b.store != nil && b.diag != nil {
		instances[domains.OrderEventsConsumer] = domains.NewOrderEvents(b.store, b.diag, b.logger)
		if err := reg.Register(domains.OrderEventsDeclaration()); err != nil {
			return nil, err
		}
	} else {
		b.logger.Warnf(context.Background(), "[Bootstrap] Order events disabled: mysql.dsn or %s queue missing", domains.DiagnoseQueue)
	}

	handlers, err := reg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build registry: %w", err)
	}
	if len(handlers) == 0 {
		return nil, nil
	}

	cc := b.cfg.Consumer
	return stream.NewRunner(stream.Config{
		Namespace:       cc.Namespace,
		BatchSize:       cc.BatchSize,
		AckWait:         cc.Timeout,
		SampleFrequency: cc.SampleFrequency,
		ErrorBackoff:    cc.ErrorBackoff,
	}, js, handlers, b.logger, stream.WithErrorHook(b.reportError))
}

// reportError 终止错误只记录，消息已 ACK
func (b *bootstrap) reportError(ctx context.Context, h registry.Handler, msg *registry.Message, err error) {
	b.logger.Error(ctx, err, map[string]interface{}{
		"group":    h.Group,
		"subject":  msg.Subject,
		"consumer": h.Consumer,
		"payload":  string(msg.Data),
	})
}

// redisClient 未配置 redis 时返回 nil 接口，交给 queue.New 报错
func (b *bootstrap) redisClient() redis.UniversalClient {
	if b.rdb == nil {
		return nil
	}
	return b.rdb
}

func (b *bootstrap) closeAll() {
	for _, c := range b.closers {
		_ = c.Close()
	}
}
