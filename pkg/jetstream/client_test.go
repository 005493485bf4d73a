package jetstream

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"

	"oip/dprelay/internal/stream"
)

func TestConsumerConfig(t *testing.T) {
	cfg := ConsumerConfig(stream.SubscribeOptions{
		Stream:          "USERS",
		Durable:         stream.DurableName("USERS", "billing", "user.*"),
		FilterSubject:   "user.*",
		AckWait:         45 * time.Second,
		SampleFrequency: "100",
	})

	assert.Equal(t, "billing_USERS_user-_star_", cfg.Durable)
	assert.Equal(t, "user.*", cfg.FilterSubject)
	assert.Equal(t, nats.AckExplicitPolicy, cfg.AckPolicy)
	assert.Equal(t, nats.DeliverNewPolicy, cfg.DeliverPolicy)
	assert.Equal(t, nats.ReplayInstantPolicy, cfg.ReplayPolicy)
	assert.Equal(t, 45*time.Second, cfg.AckWait)
	assert.Equal(t, "100", cfg.SampleFrequency)
}
