package broker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Limiter 为账户级调用限流：限制并发数并保证相邻调用的最小间隔。
type Limiter struct {
	sem         *semaphore.Weighted
	minInterval time.Duration

	mu   sync.Mutex
	next time.Time
}

// NewLimiter 创建限流器，concurrency<=0 时退化为串行。
func NewLimiter(concurrency int64, minInterval time.Duration) *Limiter {
	if concurrency <= 0 {
		concurrency = 1
	}
	if minInterval < 0 {
		minInterval = 0
	}
	return &Limiter{
		sem:         semaphore.NewWeighted(concurrency),
		minInterval: minInterval,
	}
}

// Acquire 获取一个调用名额，返回的 release 必须调用。
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	release := func() { l.sem.Release(1) }

	if l.minInterval == 0 {
		return release, nil
	}

	l.mu.Lock()
	now := time.Now()
	slot := l.next
	if slot.Before(now) {
		slot = now
	}
	l.next = slot.Add(l.minInterval)
	l.mu.Unlock()

	if wait := time.Until(slot); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			release()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return release, nil
}
