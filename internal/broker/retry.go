package broker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"spreads-ai/internal/config"
)

// RetryPolicy 统一控制券商调用的超时与指数退避重试，仅重试临时错误。
type RetryPolicy struct {
	MaxAttempts int
	MinDelay    time.Duration
	MaxDelay    time.Duration
	CallTimeout time.Duration

	logger *zap.Logger
}

// NewRetryPolicy 根据配置创建重试策略。
func NewRetryPolicy(cfg config.RetryConfig, callTimeout time.Duration, logger *zap.Logger) RetryPolicy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		MinDelay:    cfg.MinDelay,
		MaxDelay:    cfg.MaxDelay,
		CallTimeout: callTimeout,
		logger:      logger,
	}
}

// Do 执行 fn，临时错误按指数退避重试直至达到最大次数。
func (p RetryPolicy) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	attempt := 0
	delay := p.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := p.Once(ctx, operation, fn)
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				p.logger.Info("券商调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		if !IsTransient(err) || attempt >= maxAttempts {
			p.logger.Warn("券商调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(err),
			)
			return err
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		p.logger.Warn("券商调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// Once 执行单次调用并施加超时，不做重试；下单等非幂等操作使用。
func (p RetryPolicy) Once(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	callCtx := ctx
	cancel := func() {}
	if p.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, p.CallTimeout)
	}
	defer cancel()

	start := time.Now()
	err := fn(callCtx)
	observeCall(operation, err, time.Since(start))
	if err == nil {
		return nil
	}

	// 调用超时但上层仍有效，视为结果未知的临时错误。
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return Transient(operation, err)
	}
	return Classify(operation, err)
}
