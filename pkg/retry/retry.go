package retry

import (
	"context"
	"time"

	"oip/dprelay/pkg/errorutil"
)

// AttemptFunc 单次尝试，attempt 从 0 开始
type AttemptFunc func(ctx context.Context, attempt int) error

// Do 有界重试执行器
//
// fn 返回重试信号（errorutil.IsRetry）时，若仍有剩余次数则退避后重试；
// 最后一次仍是重试信号视为"正常耗尽"，返回 nil，由调用方决定是否致命。
// 其他错误立即返回，不重试。retries=0 表示只执行一次。
//
// 退避线性增长：第 n 次重试前等待 backoff*n，保证单调不减。
func Do(ctx context.Context, retries int, backoff time.Duration, fn AttemptFunc) error {
	if retries < 0 {
		retries = 0
	}

	for attempt := 0; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if !errorutil.IsRetry(err) {
			return err
		}
		if attempt >= retries {
			return nil
		}

		if err := sleep(ctx, Backoff(backoff, attempt+1)); err != nil {
			return err
		}
	}
}

// Backoff 第 n 次重试前的等待时间
func Backoff(base time.Duration, n int) time.Duration {
	if n < 1 || base <= 0 {
		return 0
	}
	return base * time.Duration(n)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
