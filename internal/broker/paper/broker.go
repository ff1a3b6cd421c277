package paper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spreads-ai/internal/broker"
)

// SubmitResult 决定模拟盘对一次下单的响应。
type SubmitResult struct {
	State broker.OrderState
	Err   error
	// Lost 为 true 时订单已在模拟盘生效，但调用方仍收到 Err（模拟超时后结果未知）。
	Lost bool
}

// SubmitHook 按下单序号（从 1 开始）返回响应。
type SubmitHook func(n int, req broker.OrderRequest) SubmitResult

// StatusHook 可改写订单查询结果。
type StatusHook func(status broker.OrderStatus) (broker.OrderStatus, error)

// CancelHook 返回非 nil 错误时撤单失败。
type CancelHook func(status broker.OrderStatus) error

// PositionsHook 可改写持仓查询结果。
type PositionsHook func(positions []broker.Position) ([]broker.Position, error)

// Call 记录一次券商调用，便于核对调用顺序。
type Call struct {
	Op      string
	Symbol  string
	Side    broker.OrderSide
	OrderID string
}

// Broker 为内存模拟盘：默认所有订单立即按限价（或最新价）成交。
type Broker struct {
	mu     sync.Mutex
	logger *zap.Logger

	clock     broker.Clock
	orders    map[string]*broker.OrderStatus
	sequence  []string
	requests  map[string]broker.OrderRequest
	byClient  map[string]string
	positions map[string]*broker.Position
	marks     map[string]decimal.Decimal
	submitted int
	calls     []Call

	submitHook    SubmitHook
	statusHook    StatusHook
	cancelHook    CancelHook
	positionsHook PositionsHook
}

var _ broker.Broker = (*Broker)(nil)

// New 创建模拟盘。
func New(logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		logger:    logger,
		clock:     broker.Clock{IsOpen: true},
		orders:    make(map[string]*broker.OrderStatus),
		requests:  make(map[string]broker.OrderRequest),
		byClient:  make(map[string]string),
		positions: make(map[string]*broker.Position),
		marks:     make(map[string]decimal.Decimal),
	}
}

// OnSubmit 设置下单钩子。
func (b *Broker) OnSubmit(hook SubmitHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitHook = hook
}

// OnStatus 设置订单查询钩子。
func (b *Broker) OnStatus(hook StatusHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statusHook = hook
}

// OnCancel 设置撤单钩子。
func (b *Broker) OnCancel(hook CancelHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelHook = hook
}

// OnPositions 设置持仓查询钩子。
func (b *Broker) OnPositions(hook PositionsHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positionsHook = hook
}

// SetClock 设置交易时段。
func (b *Broker) SetClock(clock broker.Clock) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clock = clock
}

// SetMark 设置合约最新价。
func (b *Broker) SetMark(symbol string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marks[symbol] = price
	if pos, ok := b.positions[symbol]; ok {
		pos.CurrentPrice = price
	}
}

// SeedPosition 直接写入持仓。
func (b *Broker) SeedPosition(pos broker.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pos.Quantity == 0 {
		delete(b.positions, pos.Symbol)
		return
	}
	p := pos
	if p.CurrentPrice.IsZero() {
		if mark, ok := b.marks[p.Symbol]; ok {
			p.CurrentPrice = mark
		} else {
			p.CurrentPrice = p.AvgEntryPrice
		}
	}
	b.positions[p.Symbol] = &p
}

// Fill 将挂单置为成交并更新持仓。
func (b *Broker) Fill(orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.orders[orderID]
	if !ok {
		return broker.ErrOrderNotFound
	}
	if order.State == broker.StateFilled {
		return nil
	}
	b.applyFill(order, b.requests[orderID])
	return nil
}

// Calls 返回调用记录副本。
func (b *Broker) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

// Orders 返回所有订单的快照，按下单顺序排列。
func (b *Broker) Orders() []broker.OrderStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]broker.OrderStatus, 0, len(b.sequence))
	for _, id := range b.sequence {
		out = append(out, *b.orders[id])
	}
	return out
}

func (b *Broker) SubmitOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.submitted++
	b.calls = append(b.calls, Call{Op: "submit", Symbol: req.Symbol, Side: req.Side})

	if req.Quantity <= 0 {
		return "", broker.Permanent("submit_order", fmt.Errorf("数量必须为正: %d", req.Quantity))
	}
	if req.ClientOrderID != "" {
		if _, dup := b.byClient[req.ClientOrderID]; dup {
			return "", broker.Permanent("submit_order", fmt.Errorf("客户端订单号重复: %s", req.ClientOrderID))
		}
	}

	result := SubmitResult{State: broker.StateFilled}
	if b.submitHook != nil {
		result = b.submitHook(b.submitted, req)
	}
	if result.Err != nil && !result.Lost {
		return "", result.Err
	}

	id := uuid.NewString()
	order := &broker.OrderStatus{
		ID:            id,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		State:         broker.StateAccepted,
		Quantity:      req.Quantity,
		UpdatedAt:     time.Now().UTC(),
	}
	b.orders[id] = order
	b.sequence = append(b.sequence, id)
	b.requests[id] = req
	if req.ClientOrderID != "" {
		b.byClient[req.ClientOrderID] = id
	}
	b.calls[len(b.calls)-1].OrderID = id

	switch result.State {
	case broker.StateFilled:
		b.applyFill(order, req)
	case "":
	default:
		order.State = result.State
	}

	b.logger.Debug("模拟盘收到订单",
		zap.String("order_id", id),
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Int64("qty", req.Quantity),
		zap.String("state", string(order.State)),
	)

	if result.Err != nil {
		return "", result.Err
	}
	return id, nil
}

func (b *Broker) GetOrderStatus(ctx context.Context, orderID string) (broker.OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return broker.OrderStatus{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls = append(b.calls, Call{Op: "status", OrderID: orderID})
	order, ok := b.orders[orderID]
	if !ok {
		return broker.OrderStatus{}, broker.ErrOrderNotFound
	}
	status := *order
	b.calls[len(b.calls)-1].Symbol = status.Symbol
	if b.statusHook != nil {
		return b.statusHook(status)
	}
	return status, nil
}

func (b *Broker) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls = append(b.calls, Call{Op: "cancel", OrderID: orderID})
	order, ok := b.orders[orderID]
	if !ok {
		return broker.ErrOrderNotFound
	}
	b.calls[len(b.calls)-1].Symbol = order.Symbol
	if b.cancelHook != nil {
		if err := b.cancelHook(*order); err != nil {
			return err
		}
	}

	switch {
	case order.State == broker.StateFilled:
		return broker.Permanent("cancel_order", errors.New("订单已成交，无法撤销"))
	case order.State.IsTerminalFailure():
		return nil
	default:
		order.State = broker.StateCanceled
		order.UpdatedAt = time.Now().UTC()
		return nil
	}
}

func (b *Broker) FindOrder(ctx context.Context, symbol, clientOrderID string) (broker.OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return broker.OrderStatus{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls = append(b.calls, Call{Op: "find", Symbol: symbol})
	id, ok := b.byClient[clientOrderID]
	if !ok {
		return broker.OrderStatus{}, broker.ErrOrderNotFound
	}
	b.calls[len(b.calls)-1].OrderID = id
	return *b.orders[id], nil
}

func (b *Broker) GetAllPositions(ctx context.Context) ([]broker.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls = append(b.calls, Call{Op: "positions"})
	out := make([]broker.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })

	if b.positionsHook != nil {
		return b.positionsHook(out)
	}
	return out, nil
}

func (b *Broker) GetClock(ctx context.Context) (broker.Clock, error) {
	if err := ctx.Err(); err != nil {
		return broker.Clock{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls = append(b.calls, Call{Op: "clock"})
	clock := b.clock
	if clock.Timestamp.IsZero() {
		clock.Timestamp = time.Now().UTC()
	}
	return clock, nil
}

// applyFill 按成交更新持仓，调用方需持有锁。
func (b *Broker) applyFill(order *broker.OrderStatus, req broker.OrderRequest) {
	order.State = broker.StateFilled
	order.FilledQuantity = order.Quantity
	order.UpdatedAt = time.Now().UTC()

	price := req.LimitPrice
	if req.Type == broker.OrderTypeMarket || price.IsZero() {
		price = b.marks[req.Symbol]
	}

	delta := order.Quantity
	if order.Side == broker.OrderSideSell {
		delta = -delta
	}

	pos, ok := b.positions[order.Symbol]
	if !ok {
		b.positions[order.Symbol] = &broker.Position{
			Symbol:        order.Symbol,
			Quantity:      delta,
			AvgEntryPrice: price,
			CurrentPrice:  b.markOr(order.Symbol, price),
		}
		return
	}

	prev := pos.Quantity
	next := prev + delta
	switch {
	case next == 0:
		delete(b.positions, order.Symbol)
		return
	case sameSign(prev, delta):
		// 加仓时按数量加权入场价。
		total := decimal.NewFromInt(abs(prev)).Mul(pos.AvgEntryPrice).Add(decimal.NewFromInt(abs(delta)).Mul(price))
		pos.AvgEntryPrice = total.Div(decimal.NewFromInt(abs(next)))
	case !sameSign(prev, next):
		// 反手时剩余部分以成交价为入场价。
		pos.AvgEntryPrice = price
	}
	pos.Quantity = next
}

func (b *Broker) markOr(symbol string, fallback decimal.Decimal) decimal.Decimal {
	if mark, ok := b.marks[symbol]; ok {
		return mark
	}
	return fallback
}

func sameSign(a, b int64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
