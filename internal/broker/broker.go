package broker

import "context"

// Broker 抽象券商接口，真实券商与模拟盘均实现该接口。
type Broker interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (string, error)
	GetOrderStatus(ctx context.Context, orderID string) (OrderStatus, error)
	CancelOrder(ctx context.Context, orderID string) error
	// FindOrder 通过客户端订单号查找订单，用于判定超时提交的真实结果。
	FindOrder(ctx context.Context, symbol, clientOrderID string) (OrderStatus, error)
	GetAllPositions(ctx context.Context) ([]Position, error)
	GetClock(ctx context.Context) (Clock, error)
}
