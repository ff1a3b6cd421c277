package broker

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide 表示下单方向。
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite 返回反向方向，用于平仓或补偿。
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType 表示委托类型。
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// TimeInForce 表示委托有效期。
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
	TimeInForceIOC TimeInForce = "ioc"
)

// PositionIntent 标记开仓或平仓意图。
type PositionIntent string

const (
	IntentBuyToOpen   PositionIntent = "buy_to_open"
	IntentSellToOpen  PositionIntent = "sell_to_open"
	IntentBuyToClose  PositionIntent = "buy_to_close"
	IntentSellToClose PositionIntent = "sell_to_close"
)

// OrderState 为订单生命周期状态。
type OrderState string

const (
	StatePending         OrderState = "pending"
	StateAccepted        OrderState = "accepted"
	StatePartiallyFilled OrderState = "partially_filled"
	StateFilled          OrderState = "filled"
	StateRejected        OrderState = "rejected"
	StateCanceled        OrderState = "canceled"
	StateExpired         OrderState = "expired"
)

// IsAccepted 表示券商已接受订单（含部分或全部成交）。
func (s OrderState) IsAccepted() bool {
	switch s {
	case StateAccepted, StatePartiallyFilled, StateFilled:
		return true
	default:
		return false
	}
}

// IsTerminalFailure 表示订单已终结且未被接受。
func (s OrderState) IsTerminalFailure() bool {
	switch s {
	case StateRejected, StateCanceled, StateExpired:
		return true
	default:
		return false
	}
}

// OrderRequest 描述单腿委托。
type OrderRequest struct {
	Symbol         string
	Side           OrderSide
	Quantity       int64
	Type           OrderType
	LimitPrice     decimal.Decimal
	TimeInForce    TimeInForce
	ClientOrderID  string
	PositionIntent PositionIntent
}

// OrderStatus 为订单查询结果。
type OrderStatus struct {
	ID             string
	ClientOrderID  string
	Symbol         string
	Side           OrderSide
	State          OrderState
	Quantity       int64
	FilledQuantity int64
	UpdatedAt      time.Time
}

// Position 为券商返回的单个持仓，Quantity 为带符号张数（空头为负）。
type Position struct {
	Symbol        string
	Quantity      int64
	AvgEntryPrice decimal.Decimal
	CurrentPrice  decimal.Decimal
}

// Clock 描述交易时段。
type Clock struct {
	Timestamp time.Time
	IsOpen    bool
	NextOpen  time.Time
	NextClose time.Time
}
