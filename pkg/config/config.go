package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	DefaultQueueRetries     = 3
	DefaultQueueBackoff     = 10 * time.Second
	DefaultQueueParallelism = 1
	DefaultBatchSize        = 10
	DefaultAckWait          = 30 * time.Second
	DefaultSampleFrequency  = "100"
)

// Config 全局配置
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Consumer ConsumerConfig `mapstructure:"consumer"`
	Queues   []QueueConfig  `mapstructure:"queues" validate:"dive"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Lmstfy   LmstfyConfig   `mapstructure:"lmstfy"`
	Server   ServerConfig   `mapstructure:"server"`
}

// AppConfig 应用配置
type AppConfig struct {
	Name     string `mapstructure:"name" validate:"required"`
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// RedisConfig Redis 配置（工作队列存储）
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// NotifyChannel 处理完成通知频道
	NotifyChannel string `mapstructure:"notify_channel"`
}

// NATSConfig JetStream 连接配置
type NATSConfig struct {
	URL  string `mapstructure:"url"`
	Name string `mapstructure:"name"`
}

// ConsumerConfig 流消费者配置
type ConsumerConfig struct {
	Namespace       string        `mapstructure:"namespace"`
	BatchSize       int           `mapstructure:"batch_size" validate:"min=1,max=1000"`
	Timeout         time.Duration `mapstructure:"timeout" validate:"gt=0"` // ack-wait
	SampleFrequency string        `mapstructure:"sample_frequency"`
	ErrorBackoff    time.Duration `mapstructure:"error_backoff"`
}

// QueueConfig 工作队列配置
type QueueConfig struct {
	Name        string        `mapstructure:"name" validate:"required"`
	Retries     int           `mapstructure:"retries" validate:"min=0"`
	Backoff     time.Duration `mapstructure:"backoff"`
	Parallelism int           `mapstructure:"parallelism" validate:"min=1"`
	IdleRetries int           `mapstructure:"idle_retries" validate:"min=0"`
	IdleBackoff time.Duration `mapstructure:"idle_backoff"`
}

// MySQLConfig MySQL 配置（事件归档）
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// LmstfyConfig Lmstfy 配置（旧任务入口桥接）
type LmstfyConfig struct {
	Host      string        `mapstructure:"host"`
	Port      int           `mapstructure:"port"`
	Namespace string        `mapstructure:"namespace"`
	Token     string        `mapstructure:"token"`
	Queue     string        `mapstructure:"queue"`  // lmstfy 源队列
	Target    string        `mapstructure:"target"` // 写入的工作队列
	Timeout   time.Duration `mapstructure:"timeout"`
	TTR       time.Duration `mapstructure:"ttr"`
}

// ServerConfig 管理接口配置
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load 加载配置文件
// 使用独立的 viper 实例，支持 DPRELAY_ 前缀的环境变量覆盖
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("DPRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config failed: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config failed: %w", err)
	}

	cfg.applyQueueDefaults(v.Get("queues"))

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.log_level", "info")
	v.SetDefault("consumer.batch_size", DefaultBatchSize)
	v.SetDefault("consumer.timeout", DefaultAckWait)
	v.SetDefault("consumer.sample_frequency", DefaultSampleFrequency)
	v.SetDefault("consumer.error_backoff", time.Second)
	v.SetDefault("lmstfy.timeout", 10*time.Second)
	v.SetDefault("lmstfy.ttr", 60*time.Second)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("redis.notify_channel", "dprelay:events:processed")
}

// applyQueueDefaults 列表项无法使用 viper 默认值，这里逐项补齐
// retries 需要区分"未配置"与显式 0，因此对照原始配置判断
func (c *Config) applyQueueDefaults(raw interface{}) {
	items, _ := raw.([]interface{})
	for i := range c.Queues {
		q := &c.Queues[i]
		if !hasKey(items, i, "retries") {
			q.Retries = DefaultQueueRetries
		}
		if q.Backoff == 0 {
			q.Backoff = DefaultQueueBackoff
		}
		if q.Parallelism == 0 {
			q.Parallelism = DefaultQueueParallelism
		}
	}
}

func hasKey(items []interface{}, i int, key string) bool {
	if i >= len(items) {
		return false
	}
	switch m := items[i].(type) {
	case map[string]interface{}:
		_, ok := m[key]
		return ok
	case map[interface{}]interface{}:
		_, ok := m[key]
		return ok
	}
	return false
}

// Validate 验证配置
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if len(c.Queues) > 0 && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when queues are configured")
	}
	if c.NATS.URL != "" && c.Consumer.Namespace == "" {
		return fmt.Errorf("consumer.namespace is required when nats.url is set")
	}
	if c.Lmstfy.Host != "" && (c.Lmstfy.Queue == "" || c.Lmstfy.Target == "") {
		return fmt.Errorf("lmstfy.queue and lmstfy.target are required when lmstfy.host is set")
	}
	if c.Lmstfy.Target != "" && c.Queue(c.Lmstfy.Target) == nil {
		return fmt.Errorf("lmstfy.target %q is not a configured queue", c.Lmstfy.Target)
	}
	return nil
}

// Queue 按名称查找队列配置
func (c *Config) Queue(name string) *QueueConfig {
	for i := range c.Queues {
		if c.Queues[i].Name == name {
			return &c.Queues[i]
		}
	}
	return nil
}
