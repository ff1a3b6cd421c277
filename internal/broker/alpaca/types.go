package alpaca

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"spreads-ai/internal/broker"
)

type orderRequest struct {
	Symbol         string `json:"symbol"`
	Qty            string `json:"qty"`
	Side           string `json:"side"`
	Type           string `json:"type"`
	TimeInForce    string `json:"time_in_force"`
	LimitPrice     string `json:"limit_price,omitempty"`
	ClientOrderID  string `json:"client_order_id,omitempty"`
	PositionIntent string `json:"position_intent,omitempty"`
}

type order struct {
	ID            string    `json:"id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Qty           string    `json:"qty"`
	FilledQty     string    `json:"filled_qty"`
	Status        string    `json:"status"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (o order) toStatus() broker.OrderStatus {
	qty, _ := parseQty(o.Qty)
	filled, _ := parseQty(o.FilledQty)
	return broker.OrderStatus{
		ID:             o.ID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         o.Symbol,
		Side:           broker.OrderSide(strings.ToLower(o.Side)),
		State:          mapStatus(o.Status),
		Quantity:       qty,
		FilledQuantity: filled,
		UpdatedAt:      o.UpdatedAt.UTC(),
	}
}

// mapStatus 将 Alpaca 订单状态映射为统一状态。
func mapStatus(status string) broker.OrderState {
	switch strings.ToLower(status) {
	case "new", "accepted", "done_for_day", "pending_cancel", "pending_replace", "replaced", "calculated", "stopped":
		// stopped 表示已保证成交，仍按已接受处理。
		return broker.StateAccepted
	case "partially_filled":
		return broker.StatePartiallyFilled
	case "filled":
		return broker.StateFilled
	case "rejected":
		return broker.StateRejected
	case "canceled":
		return broker.StateCanceled
	case "expired":
		return broker.StateExpired
	default:
		return broker.StatePending
	}
}

type position struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	AvgEntryPrice string `json:"avg_entry_price"`
	CurrentPrice  string `json:"current_price"`
}

func (p position) toPosition() (broker.Position, error) {
	qty, err := parseQty(p.Qty)
	if err != nil {
		return broker.Position{}, err
	}
	if strings.EqualFold(p.Side, "short") && qty > 0 {
		qty = -qty
	}
	return broker.Position{
		Symbol:        strings.ToUpper(p.Symbol),
		Quantity:      qty,
		AvgEntryPrice: parsePrice(p.AvgEntryPrice),
		CurrentPrice:  parsePrice(p.CurrentPrice),
	}, nil
}

type clock struct {
	Timestamp time.Time `json:"timestamp"`
	IsOpen    bool      `json:"is_open"`
	NextOpen  time.Time `json:"next_open"`
	NextClose time.Time `json:"next_close"`
}

// APIError 为 Alpaca 返回的错误响应。
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("alpaca: API 错误 (%d): %s", e.StatusCode, msg)
}

// IsNotFound 是否为 404。
func (e *APIError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// IsRetryable 限流与服务端错误可重试。
func (e *APIError) IsRetryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// CheckResponse 将非 2xx 响应转换为 *APIError。
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}

	body, err := io.ReadAll(resp.Body)
	if err != nil || len(body) == 0 {
		return apiErr
	}

	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		apiErr.Message = strings.TrimSpace(string(body))
		return apiErr
	}
	apiErr.Code = errResp.Code
	apiErr.Message = errResp.Message
	return apiErr
}
