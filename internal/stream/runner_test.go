package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oip/dprelay/internal/registry"
	"oip/dprelay/pkg/errorutil"
	"oip/dprelay/pkg/logger"
)

// fakeBroker 内存 broker：订阅只在有拉取额度时投递
type fakeBroker struct {
	mu      sync.Mutex
	streams map[string]bool
	subs    map[string]*fakeSub
	opened  []SubscribeOptions
}

func newFakeBroker(streams ...string) *fakeBroker {
	b := &fakeBroker{streams: map[string]bool{}, subs: map[string]*fakeSub{}}
	for _, s := range streams {
		b.streams[s] = true
	}
	return b
}

func (b *fakeBroker) StreamExists(ctx context.Context, stream string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streams[stream], nil
}

func (b *fakeBroker) PullSubscribe(ctx context.Context, opts SubscribeOptions) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &fakeSub{opts: opts, notify: make(chan struct{}, 1)}
	b.subs[opts.FilterSubject] = sub
	b.opened = append(b.opened, opts)
	return sub, nil
}

func (b *fakeBroker) sub(subject string) *fakeSub {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs[subject]
}

type fakeSub struct {
	opts    SubscribeOptions
	mu      sync.Mutex
	pulls   []int
	credit  int
	pending []*fakeMsg
	acked   []string
	closed  bool
	notify  chan struct{}
}

func (s *fakeSub) Pull(ctx context.Context, batch int) error {
	s.mu.Lock()
	s.pulls = append(s.pulls, batch)
	s.credit += batch
	s.mu.Unlock()
	s.wake()
	return nil
}

func (s *fakeSub) Next(ctx context.Context) (Message, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrSubscriptionClosed
		}
		if s.credit > 0 && len(s.pending) > 0 {
			m := s.pending[0]
			s.pending = s.pending[1:]
			s.credit--
			s.mu.Unlock()
			return m, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.notify:
		}
	}
}

func (s *fakeSub) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
	return nil
}

func (s *fakeSub) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *fakeSub) publish(id, data string) {
	s.mu.Lock()
	s.pending = append(s.pending, &fakeMsg{id: id, subject: s.opts.FilterSubject, data: []byte(data), sub: s})
	s.mu.Unlock()
	s.wake()
}

// redeliver 模拟 ack-wait 过期后的重投
func (s *fakeSub) redeliver(m *fakeMsg) {
	s.mu.Lock()
	s.pending = append(s.pending, m)
	s.mu.Unlock()
	s.wake()
}

func (s *fakeSub) snapshot() (pulls []int, acked []string, credit int, closed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.pulls...), append([]string(nil), s.acked...), s.credit, s.closed
}

type fakeMsg struct {
	id      string
	subject string
	data    []byte
	sub     *fakeSub
}

func (m *fakeMsg) Subject() string { return m.subject }
func (m *fakeMsg) Data() []byte    { return m.data }
func (m *fakeMsg) Ack() error {
	m.sub.mu.Lock()
	m.sub.acked = append(m.sub.acked, m.id)
	m.sub.mu.Unlock()
	return nil
}

type handlerHost struct{}

func buildHandlers(t *testing.T, routes map[string]registry.HandlerFunc, group string, order ...string) []registry.Handler {
	t.Helper()
	decl := registry.NewConsumer[*handlerHost]("host", group)
	for _, subject := range order {
		fn := routes[subject]
		decl.Handle(subject, func(*handlerHost) registry.HandlerFunc { return fn })
	}

	reg := registry.New(registry.Instances(map[string]interface{}{"host": &handlerHost{}}))
	require.NoError(t, reg.Register(decl))
	handlers, err := reg.Build()
	require.NoError(t, err)
	return handlers
}

func testConfig(batch int) Config {
	return Config{
		Namespace:    "billing",
		BatchSize:    batch,
		AckWait:      30 * time.Second,
		ErrorBackoff: time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 2*time.Millisecond)
}

func TestDurableName(t *testing.T) {
	a := DurableName("USERS", "billing", "user.*.created")
	b := DurableName("USERS", "billing", "user.*.created")
	assert.Equal(t, a, b)
	assert.NotContains(t, a, ".")
	assert.NotContains(t, a, "*")
	assert.NotContains(t, a, ">")

	assert.Equal(t, "billing_USERS_user-created", DurableName("USERS", "billing", "user.created"))
	assert.Equal(t, "billing_USERS_user-_gt_", DurableName("USERS", "billing", "user.>"))
	assert.NotEqual(t, DurableName("USERS", "billing", "user.*"), DurableName("USERS", "billing", "user.>"))
	assert.NotEqual(t, DurableName("USERS", "a", "user.created"), DurableName("USERS", "b", "user.created"))
}

func TestNewRunner_BatchSizeBounds(t *testing.T) {
	broker := newFakeBroker()
	for _, size := range []int{0, -1, 1001} {
		_, err := NewRunner(testConfig(size), broker, nil, nil)
		assert.ErrorIs(t, err, ErrInvalidBatchSize)
	}
	_, err := NewRunner(testConfig(1000), broker, nil, nil)
	assert.NoError(t, err)
}

func TestStart_StreamMissing(t *testing.T) {
	broker := newFakeBroker("OTHER")
	handlers := buildHandlers(t, map[string]registry.HandlerFunc{
		"user.created": func(ctx context.Context, msg *registry.Message) error { return nil },
	}, "USERS", "user.created")

	r, err := NewRunner(testConfig(2), broker, handlers, logger.NewNop())
	require.NoError(t, err)

	err = r.Start(context.Background())
	assert.ErrorIs(t, err, ErrStreamNotFound)
	assert.Empty(t, broker.opened)
}

func TestStart_SubscribeOptions(t *testing.T) {
	broker := newFakeBroker("USERS")
	noop := func(ctx context.Context, msg *registry.Message) error { return nil }
	handlers := buildHandlers(t, map[string]registry.HandlerFunc{
		"user.created": noop,
		"user.*":       noop,
	}, "USERS", "user.created", "user.*")

	cfg := testConfig(5)
	cfg.SampleFrequency = "100"
	r, err := NewRunner(cfg, broker, handlers, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	require.Len(t, broker.opened, 2)
	opts := broker.opened[1]
	assert.Equal(t, "USERS", opts.Stream)
	assert.Equal(t, "user.*", opts.FilterSubject)
	assert.Equal(t, DurableName("USERS", "billing", "user.*"), opts.Durable)
	assert.Equal(t, 30*time.Second, opts.AckWait)
	assert.Equal(t, "100", opts.SampleFrequency)

	pulls, _, _, _ := broker.sub("user.created").snapshot()
	assert.Equal(t, []int{5}, pulls)
}

func TestRunner_PullWindowRefill(t *testing.T) {
	broker := newFakeBroker("USERS")
	var mu sync.Mutex
	var handled []string
	handlers := buildHandlers(t, map[string]registry.HandlerFunc{
		"user.created": func(ctx context.Context, msg *registry.Message) error {
			mu.Lock()
			handled = append(handled, string(msg.Data))
			mu.Unlock()
			return nil
		},
	}, "USERS", "user.created")

	r, err := NewRunner(testConfig(2), broker, handlers, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	sub := broker.sub("user.created")
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		sub.publish(id, `"`+id+`"`)
	}

	waitFor(t, func() bool {
		_, acked, _, _ := sub.snapshot()
		return len(acked) == 5
	})

	pulls, acked, credit, _ := sub.snapshot()
	assert.Equal(t, []int{2, 2, 2}, pulls)
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, acked)
	assert.Equal(t, 1, credit)

	mu.Lock()
	assert.Equal(t, []string{`"1"`, `"2"`, `"3"`, `"4"`, `"5"`}, handled)
	mu.Unlock()
}

func TestRunner_RetrySignalLeavesUnacked(t *testing.T) {
	broker := newFakeBroker("USERS")
	var mu sync.Mutex
	attempts := 0
	handlers := buildHandlers(t, map[string]registry.HandlerFunc{
		"user.created": func(ctx context.Context, msg *registry.Message) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts == 1 {
				return errorutil.Retriable("downstream busy")
			}
			return nil
		},
	}, "USERS", "user.created")

	r, err := NewRunner(testConfig(10), broker, handlers, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	sub := broker.sub("user.created")
	sub.publish("m1", `{}`)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts == 1
	})
	time.Sleep(10 * time.Millisecond)
	_, acked, _, _ := sub.snapshot()
	assert.Empty(t, acked)

	// broker 在 ack-wait 后重投
	sub.redeliver(&fakeMsg{id: "m1", subject: "user.created", data: []byte(`{}`), sub: sub})
	waitFor(t, func() bool {
		_, acked, _, _ := sub.snapshot()
		return len(acked) == 1
	})
	mu.Lock()
	assert.Equal(t, 2, attempts)
	mu.Unlock()
}

func TestRunner_TerminalErrorAcksAndReports(t *testing.T) {
	broker := newFakeBroker("USERS")
	boom := errors.New("boom")
	handlers := buildHandlers(t, map[string]registry.HandlerFunc{
		"user.created": func(ctx context.Context, msg *registry.Message) error {
			if string(msg.Data) == `"panic"` {
				panic("bad state")
			}
			return boom
		},
	}, "USERS", "user.created")

	var mu sync.Mutex
	var reported []error
	r, err := NewRunner(testConfig(10), broker, handlers, logger.NewNop(),
		WithErrorHook(func(ctx context.Context, h registry.Handler, msg *registry.Message, err error) {
			mu.Lock()
			reported = append(reported, err)
			mu.Unlock()
		}))
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	sub := broker.sub("user.created")
	sub.publish("m1", `{"id":1}`)
	sub.publish("m2", `"panic"`)

	waitFor(t, func() bool {
		_, acked, _, _ := sub.snapshot()
		return len(acked) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 2)
	assert.ErrorIs(t, reported[0], boom)
	assert.Contains(t, reported[1].Error(), "panic")
}

func TestRunner_SubjectsIndependent(t *testing.T) {
	broker := newFakeBroker("USERS")
	release := make(chan struct{})
	var mu sync.Mutex
	var order []string

	handlers := buildHandlers(t, map[string]registry.HandlerFunc{
		"user.slow": func(ctx context.Context, msg *registry.Message) error {
			<-release
			mu.Lock()
			order = append(order, "slow")
			mu.Unlock()
			return nil
		},
		"user.fast": func(ctx context.Context, msg *registry.Message) error {
			mu.Lock()
			order = append(order, "fast")
			mu.Unlock()
			return nil
		},
	}, "USERS", "user.slow", "user.fast")

	r, err := NewRunner(testConfig(10), broker, handlers, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	broker.sub("user.slow").publish("s1", `{}`)
	broker.sub("user.fast").publish("f1", `{}`)

	waitFor(t, func() bool {
		_, acked, _, _ := broker.sub("user.fast").snapshot()
		return len(acked) == 1
	})
	close(release)
	waitFor(t, func() bool {
		_, acked, _, _ := broker.sub("user.slow").snapshot()
		return len(acked) == 1
	})

	mu.Lock()
	assert.Equal(t, []string{"fast", "slow"}, order)
	mu.Unlock()
}

func TestRunner_StopWaitsForInFlight(t *testing.T) {
	broker := newFakeBroker("USERS")
	entered := make(chan struct{})
	release := make(chan struct{})
	var handlerCtxErr error

	handlers := buildHandlers(t, map[string]registry.HandlerFunc{
		"user.created": func(ctx context.Context, msg *registry.Message) error {
			close(entered)
			<-release
			handlerCtxErr = ctx.Err()
			return nil
		},
	}, "USERS", "user.created")

	r, err := NewRunner(testConfig(1), broker, handlers, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))

	sub := broker.sub("user.created")
	sub.publish("m1", `{}`)
	<-entered

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned before in-flight handler finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	pulls, acked, _, closed := sub.snapshot()
	assert.NoError(t, handlerCtxErr)
	assert.Equal(t, []string{"m1"}, acked)
	// 关闭中不再补发拉取
	assert.Equal(t, []int{1}, pulls)
	assert.True(t, closed)
}

func TestWindow(t *testing.T) {
	w := &window{size: 3}
	var fired []bool
	for i := 0; i < 7; i++ {
		fired = append(fired, w.advance())
	}
	assert.Equal(t, []bool{false, false, true, false, false, true, false}, fired)
}
