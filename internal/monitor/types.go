package monitor

import (
	"time"

	"spreads-ai/internal/execution"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventBatch        EventType = "batch"
	EventExitDecision EventType = "exit_decision"
	EventSaga         EventType = "saga"
	EventSignal       EventType = "signal"
	EventBlocked      EventType = "safety_blocked"
	EventHalt         EventType = "halt"
	EventError        EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	ID        int64     `json:"id,omitempty"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// BatchPayload 记录一次批处理的汇总。
type BatchPayload struct {
	MarketOpen bool           `json:"market_open"`
	Spreads    int            `json:"spreads"`
	Exits      int            `json:"exits"`
	Opens      int            `json:"opens"`
	Statuses   map[string]int `json:"statuses,omitempty"`
	Errors     []string       `json:"errors,omitempty"`
	Elapsed    string         `json:"elapsed"`
}

// ExitDecisionPayload 记录单个价差的平仓判定。
type ExitDecisionPayload struct {
	Spread     string `json:"spread"`
	Structure  string `json:"structure"`
	ShouldExit bool   `json:"should_exit"`
	Reason     string `json:"reason"`
	Detail     string `json:"detail"`
	DTE        int    `json:"dte"`
	Credit     string `json:"credit"`
	PnL        string `json:"pnl"`
}

// LegPayload 为计划中一腿的快照。
type LegPayload struct {
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Quantity   int64  `json:"quantity"`
	Type       string `json:"type"`
	LimitPrice string `json:"limit_price,omitempty"`
	Role       string `json:"role"`
	OrderID    string `json:"order_id,omitempty"`
}

// SagaPayload 记录一次多腿执行的完整轨迹。
type SagaPayload struct {
	PlanID     string                 `json:"plan_id"`
	Intent     string                 `json:"intent"`
	Underlying string                 `json:"underlying"`
	Structure  string                 `json:"structure"`
	Reason     string                 `json:"reason"`
	Status     string                 `json:"status"`
	Detail     string                 `json:"detail"`
	Legs       []LegPayload           `json:"legs"`
	History    []execution.Transition `json:"history"`
	LastError  string                 `json:"last_error,omitempty"`
	Elapsed    string                 `json:"elapsed"`
}

// SignalPayload 记录模型决策。
type SignalPayload struct {
	Underlying string  `json:"underlying"`
	Action     string  `json:"action"`
	Expiry     string  `json:"expiry,omitempty"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// BlockedPayload 记录被安全闸门拦截的开仓。
type BlockedPayload struct {
	Underlying string `json:"underlying"`
	Reason     string `json:"reason"`
	Contracts  int64  `json:"contracts"`
}

// HaltPayload 记录标的暂停或解除。
type HaltPayload struct {
	Underlying string `json:"underlying"`
	Action     string `json:"action"`
	Reason     string `json:"reason,omitempty"`
	PlanID     string `json:"plan_id,omitempty"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string         `json:"message"`
	Error   string         `json:"error"`
	Context map[string]any `json:"context,omitempty"`
}

// AlertRecord 为持久化的人工告警。
type AlertRecord struct {
	ID         int64      `json:"id"`
	Severity   string     `json:"severity"`
	Kind       string     `json:"kind"`
	PlanID     string     `json:"plan_id,omitempty"`
	Underlying string     `json:"underlying"`
	Message    string     `json:"message"`
	Symbols    []string   `json:"symbols,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	AckedAt    *time.Time `json:"acked_at,omitempty"`
}
