package routers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oip/dprelay/internal/queue"
	"oip/dprelay/internal/server/handlers/events"
	"oip/dprelay/internal/server/handlers/queues"
	"oip/dprelay/internal/stream"
	"oip/dprelay/pkg/ginx"
)

type published struct {
	subject string
	data    []byte
	msgID   string
}

type fakePublisher struct {
	calls []published
	err   error
}

func (p *fakePublisher) Publish(ctx context.Context, subject string, data []byte, msgID string) error {
	if p.err != nil {
		return p.err
	}
	p.calls = append(p.calls, published{subject: subject, data: data, msgID: msgID})
	return nil
}

type job struct {
	ID string `json:"id"`
}

func setup(t *testing.T, pub stream.Publisher) (*gin.Engine, *queue.Queue[job]) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q, err := queue.New[job](rdb, queue.Config{Name: "jobs", Retries: 1})
	require.NoError(t, err)

	r := SetupRoutes("dprelay",
		queues.NewQueueHandler(map[string]queue.Admin{"jobs": q}, nil),
		events.NewEventHandler(pub, nil),
		nil,
	)
	return r, q
}

func do(r http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, ginx.Response) {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp ginx.Response
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestHealth(t *testing.T) {
	r, _ := setup(t, nil)
	w, _ := do(r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"service":"dprelay"`)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestQueueStats(t *testing.T) {
	r, q := setup(t, nil)
	require.NoError(t, q.Push(context.Background(), job{ID: "a"}, job{ID: "b"}))

	w, resp := do(r, http.MethodGet, "/api/v1/queues/jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, float64(2), data["length"])
	assert.Equal(t, float64(0), data["dead_letters"])

	w, _ = do(r, http.MethodGet, "/api/v1/queues/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeadLettersAndRequeue(t *testing.T) {
	r, q := setup(t, nil)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, job{ID: "a"}))

	// 终止错误：元素留在死信中
	err := q.Work(ctx, func(ctx context.Context, item job) error {
		return errors.New("boom")
	}, queue.WithIdle(0, 0))
	require.NoError(t, err)

	w, resp := do(r, http.MethodGet, "/api/v1/queues/jobs/dead-letters", nil)
	require.Equal(t, http.StatusOK, w.Code)
	items := resp.Data.(map[string]interface{})["items"].([]interface{})
	require.Len(t, items, 1)
	assert.Equal(t, "a", items[0].(map[string]interface{})["id"])

	w, resp = do(r, http.MethodPost, "/api/v1/queues/jobs/requeue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp.Data.(map[string]interface{})["moved"])

	n, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	w, resp = do(r, http.MethodPost, "/api/v1/queues/jobs/requeue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, resp.Data.(map[string]interface{})["moved"])
}

func TestPublish(t *testing.T) {
	pub := &fakePublisher{}
	r, _ := setup(t, pub)

	w, _ := do(r, http.MethodPost, "/api/v1/events", map[string]interface{}{
		"subject":         "order.created",
		"data":            map[string]string{"order_id": "o1"},
		"idempotency_key": "k1",
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, pub.calls, 1)
	assert.Equal(t, "order.created", pub.calls[0].subject)
	assert.Equal(t, "k1", pub.calls[0].msgID)
	assert.JSONEq(t, `{"order_id":"o1"}`, string(pub.calls[0].data))
}

func TestPublish_Validation(t *testing.T) {
	r, _ := setup(t, &fakePublisher{})

	w, resp := do(r, http.MethodPost, "/api/v1/events", map[string]interface{}{"data": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	require.NotEmpty(t, resp.Meta.Details)
	assert.Equal(t, "Subject", resp.Meta.Details[0].Path)

	w, _ = do(r, http.MethodPost, "/api/v1/events", map[string]interface{}{"subject": "order.*", "data": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPublish_NotConfigured(t *testing.T) {
	r, _ := setup(t, nil)
	w, _ := do(r, http.MethodPost, "/api/v1/events", map[string]interface{}{"subject": "order.created", "data": 1})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
