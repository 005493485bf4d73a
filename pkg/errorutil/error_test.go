package errorutil

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetry(t *testing.T) {
	assert.True(t, IsRetry(Retriable("queue empty")))
	assert.True(t, IsRetry(fmt.Errorf("handler: %w", Retriable("later"))))
	assert.False(t, IsRetry(NonRetriable("bad input")))
	assert.False(t, IsRetry(errors.New("boom")))
	assert.False(t, IsRetry(nil))
}

func TestRetryKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Retry(cause)

	assert.True(t, IsRetry(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "connection reset", err.Error())
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil))

	retry := Retriable("again")
	assert.Same(t, retry, Wrap(fmt.Errorf("ctx: %w", retry)))

	plain := Wrap(errors.New("boom"))
	assert.False(t, plain.Retryable)
	assert.Equal(t, 500, plain.Code)
}
