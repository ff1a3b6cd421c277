package broker

import (
	"context"

	"go.uber.org/zap"
)

// Guarded 包装 Broker，为每次调用施加账户级限流、单次超时与重试。
// 下单只尝试一次：超时的结果由调用方通过 FindOrder 判定。
type Guarded struct {
	next    Broker
	policy  RetryPolicy
	limiter *Limiter
	logger  *zap.Logger
}

var _ Broker = (*Guarded)(nil)

// NewGuarded 创建受保护的券商客户端。
func NewGuarded(next Broker, policy RetryPolicy, limiter *Limiter, logger *zap.Logger) *Guarded {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limiter == nil {
		limiter = NewLimiter(1, 0)
	}
	return &Guarded{
		next:    next,
		policy:  policy,
		limiter: limiter,
		logger:  logger,
	}
}

func (g *Guarded) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	var orderID string
	err := g.policy.Once(ctx, "submit_order", func(ctx context.Context) error {
		return g.limited(ctx, func(ctx context.Context) error {
			id, err := g.next.SubmitOrder(ctx, req)
			if err != nil {
				return err
			}
			orderID = id
			return nil
		})
	})
	return orderID, err
}

func (g *Guarded) GetOrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	var status OrderStatus
	err := g.policy.Do(ctx, "get_order_status", func(ctx context.Context) error {
		return g.limited(ctx, func(ctx context.Context) error {
			s, err := g.next.GetOrderStatus(ctx, orderID)
			if err != nil {
				return err
			}
			status = s
			return nil
		})
	})
	return status, err
}

func (g *Guarded) CancelOrder(ctx context.Context, orderID string) error {
	return g.policy.Do(ctx, "cancel_order", func(ctx context.Context) error {
		return g.limited(ctx, func(ctx context.Context) error {
			return g.next.CancelOrder(ctx, orderID)
		})
	})
}

func (g *Guarded) FindOrder(ctx context.Context, symbol, clientOrderID string) (OrderStatus, error) {
	var status OrderStatus
	err := g.policy.Do(ctx, "find_order", func(ctx context.Context) error {
		return g.limited(ctx, func(ctx context.Context) error {
			s, err := g.next.FindOrder(ctx, symbol, clientOrderID)
			if err != nil {
				return err
			}
			status = s
			return nil
		})
	})
	return status, err
}

func (g *Guarded) GetAllPositions(ctx context.Context) ([]Position, error) {
	var positions []Position
	err := g.policy.Do(ctx, "get_all_positions", func(ctx context.Context) error {
		return g.limited(ctx, func(ctx context.Context) error {
			p, err := g.next.GetAllPositions(ctx)
			if err != nil {
				return err
			}
			positions = p
			return nil
		})
	})
	return positions, err
}

func (g *Guarded) GetClock(ctx context.Context) (Clock, error) {
	var clock Clock
	err := g.policy.Do(ctx, "get_clock", func(ctx context.Context) error {
		return g.limited(ctx, func(ctx context.Context) error {
			c, err := g.next.GetClock(ctx)
			if err != nil {
				return err
			}
			clock = c
			return nil
		})
	})
	return clock, err
}

func (g *Guarded) limited(ctx context.Context, fn func(ctx context.Context) error) error {
	release, err := g.limiter.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}
