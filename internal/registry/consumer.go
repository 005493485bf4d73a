package registry

import "fmt"

// Consumer 类型级声明：T 为消费者实例类型
type Consumer[T any] struct {
	name       string
	group      string
	middleware []Middleware
	methods    []method[T]
}

type method[T any] struct {
	subject    string
	middleware []Middleware
	bind       func(T) HandlerFunc
}

// NewConsumer 声明一个消费者，name 交给 Resolver 获取实例
func NewConsumer[T any](name, group string, middleware ...Middleware) *Consumer[T] {
	return &Consumer[T]{
		name:       name,
		group:      group,
		middleware: middleware,
	}
}

// Handle 方法级声明：subject 可以是通配模式
func (c *Consumer[T]) Handle(subject string, bind func(T) HandlerFunc, middleware ...Middleware) *Consumer[T] {
	c.methods = append(c.methods, method[T]{
		subject:    subject,
		middleware: middleware,
		bind:       bind,
	})
	return c
}

// Name 消费者名称
func (c *Consumer[T]) Name() string {
	return c.name
}

// Group 所属 group
func (c *Consumer[T]) Group() string {
	return c.group
}

func (c *Consumer[T]) bind(instance interface{}) ([]Handler, error) {
	typed, ok := instance.(T)
	if !ok {
		var zero T
		return nil, fmt.Errorf("registry: consumer %s resolved to %T, want %T", c.name, instance, zero)
	}

	handlers := make([]Handler, 0, len(c.methods))
	for _, m := range c.methods {
		if m.subject == "" {
			return nil, fmt.Errorf("registry: consumer %s has a handler without subject", c.name)
		}
		fn := m.bind(typed)
		if fn == nil {
			return nil, fmt.Errorf("registry: consumer %s bound nil handler for %s", c.name, m.subject)
		}

		chain := make([]Middleware, 0, len(c.middleware)+len(m.middleware))
		chain = append(chain, c.middleware...)
		chain = append(chain, m.middleware...)

		handlers = append(handlers, Handler{
			Group:      c.group,
			Subject:    m.subject,
			Consumer:   c.name,
			Middleware: chain,
			fn:         fn,
		})
	}
	return handlers, nil
}
