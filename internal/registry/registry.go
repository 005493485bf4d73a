// Package registry 把声明式的消费者注册表构建成 (group, subject) → 已绑定处理链
//
// 消费者类型通过 NewConsumer 声明所属 group（即 stream 名）和 group 级中间件，
// 通过 Handle 声明每个 subject 的处理方法和方法级中间件。实例由外部 Resolver
// 提供，Build 时解析一次并把方法绑定到实例上，之后调用不再需要解析。
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrAlreadyBuilt Build 之后不允许再注册
var ErrAlreadyBuilt = errors.New("registry: already built")

// Message 交给处理链的消息
type Message struct {
	Subject string
	Data    []byte
}

// Decode 将 payload 解析为 JSON
func (m *Message) Decode(v interface{}) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s payload failed: %w", m.Subject, err)
	}
	return nil
}

// HandlerFunc 消息处理函数
type HandlerFunc func(ctx context.Context, msg *Message) error

// Next 继续执行处理链
type Next func(ctx context.Context) error

// Middleware 中间件，不调用 next 即短路后续中间件与处理函数
type Middleware func(ctx context.Context, msg *Message, next Next) error

// Resolver 按消费者名称返回已就绪的实例
type Resolver func(name string) (interface{}, error)

// Declaration 消费者声明（由 NewConsumer 产生）
type Declaration interface {
	Name() string
	Group() string
	bind(instance interface{}) ([]Handler, error)
}

// Handler 绑定完成的处理器
type Handler struct {
	Group      string
	Subject    string
	Consumer   string
	Middleware []Middleware

	fn HandlerFunc
}

// Invoke 按 group 中间件 → handler 中间件 → 处理函数 的顺序执行
func (h Handler) Invoke(ctx context.Context, msg *Message) error {
	return compose(h.Middleware, h.fn)(ctx, msg)
}

// compose 组合中间件链
func compose(mws []Middleware, fn HandlerFunc) HandlerFunc {
	return func(ctx context.Context, msg *Message) error {
		var call func(i int, ctx context.Context) error
		call = func(i int, ctx context.Context) error {
			if i == len(mws) {
				return fn(ctx, msg)
			}
			return mws[i](ctx, msg, func(ctx context.Context) error {
				return call(i+1, ctx)
			})
		}
		return call(0, ctx)
	}
}

// Registry 处理器注册表，Build 之后只读
type Registry struct {
	resolve  Resolver
	decls    []Declaration
	handlers []Handler
	index    map[string]int
	built    bool
}

// New 创建注册表
func New(resolve Resolver) *Registry {
	return &Registry{
		resolve: resolve,
		index:   make(map[string]int),
	}
}

// Register 收集消费者声明
func (r *Registry) Register(decls ...Declaration) error {
	if r.built {
		return ErrAlreadyBuilt
	}
	r.decls = append(r.decls, decls...)
	return nil
}

// Build 解析实例并展开为处理器列表
func (r *Registry) Build() ([]Handler, error) {
	if r.built {
		return r.Handlers(), nil
	}
	if r.resolve == nil {
		return nil, fmt.Errorf("registry: resolver is required")
	}

	handlers := make([]Handler, 0)
	index := make(map[string]int)
	for _, decl := range r.decls {
		if decl.Group() == "" {
			return nil, fmt.Errorf("registry: consumer %s has no group", decl.Name())
		}

		instance, err := r.resolve(decl.Name())
		if err != nil {
			return nil, fmt.Errorf("registry: resolve %s failed: %w", decl.Name(), err)
		}

		bound, err := decl.bind(instance)
		if err != nil {
			return nil, err
		}

		for _, h := range bound {
			key := routeKey(h.Group, h.Subject)
			if _, dup := index[key]; dup {
				return nil, fmt.Errorf("registry: duplicate handler for %s/%s", h.Group, h.Subject)
			}
			index[key] = len(handlers)
			handlers = append(handlers, h)
		}
	}

	r.handlers = handlers
	r.index = index
	r.built = true
	return r.Handlers(), nil
}

// Handlers 处理器副本
func (r *Registry) Handlers() []Handler {
	out := make([]Handler, len(r.handlers))
	copy(out, r.handlers)
	return out
}

// Groups 去重后的 group 列表，保持注册顺序
func (r *Registry) Groups() []string {
	seen := make(map[string]struct{})
	groups := make([]string, 0)
	for _, h := range r.handlers {
		if _, ok := seen[h.Group]; ok {
			continue
		}
		seen[h.Group] = struct{}{}
		groups = append(groups, h.Group)
	}
	return groups
}

// Lookup 查找 (group, subject) 对应的处理器
func (r *Registry) Lookup(group, subject string) (Handler, bool) {
	i, ok := r.index[routeKey(group, subject)]
	if !ok {
		return Handler{}, false
	}
	return r.handlers[i], true
}

func routeKey(group, subject string) string {
	return group + "\x00" + subject
}

// Instances 基于固定实例表的 Resolver
func Instances(instances map[string]interface{}) Resolver {
	return func(name string) (interface{}, error) {
		inst, ok := instances[name]
		if !ok {
			return nil, fmt.Errorf("no instance registered for %s", name)
		}
		return inst, nil
	}
}
