package alpaca

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spreads-ai/internal/broker"
	"spreads-ai/internal/config"
)

const defaultBaseURL = "https://paper-api.alpaca.markets"

// Client 为 Alpaca 交易 REST 接口的 broker.Broker 实现。
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	apiKey    string
	apiSecret string
	logger    *zap.Logger
}

var _ broker.Broker = (*Client)(nil)

// NewClient 根据券商配置创建客户端。
func NewClient(cfg config.BrokerConfig, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("alpaca: api_key 与 api_secret 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout + 5*time.Second},
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		logger:     logger,
	}, nil
}

func (c *Client) SubmitOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	body := orderRequest{
		Symbol:         req.Symbol,
		Qty:            fmt.Sprintf("%d", req.Quantity),
		Side:           string(req.Side),
		Type:           string(req.Type),
		TimeInForce:    string(req.TimeInForce),
		ClientOrderID:  req.ClientOrderID,
		PositionIntent: string(req.PositionIntent),
	}
	if body.TimeInForce == "" {
		body.TimeInForce = string(broker.TimeInForceDay)
	}
	if req.Type == broker.OrderTypeLimit {
		if !req.LimitPrice.IsPositive() {
			return "", broker.Permanent("submit_order", fmt.Errorf("限价单价格必须为正: %s", req.LimitPrice))
		}
		body.LimitPrice = req.LimitPrice.StringFixed(2)
	}

	var out order
	if err := c.call(ctx, "submit_order", http.MethodPost, "/v2/orders", body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (broker.OrderStatus, error) {
	var out order
	if err := c.call(ctx, "get_order_status", http.MethodGet, "/v2/orders/"+url.PathEscape(orderID), nil, &out); err != nil {
		return broker.OrderStatus{}, err
	}
	return out.toStatus(), nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	return c.call(ctx, "cancel_order", http.MethodDelete, "/v2/orders/"+url.PathEscape(orderID), nil, nil)
}

func (c *Client) FindOrder(ctx context.Context, symbol, clientOrderID string) (broker.OrderStatus, error) {
	query := url.Values{}
	query.Set("client_order_id", clientOrderID)

	var out order
	if err := c.call(ctx, "find_order", http.MethodGet, "/v2/orders:by_client_order_id?"+query.Encode(), nil, &out); err != nil {
		return broker.OrderStatus{}, err
	}
	if symbol != "" && !strings.EqualFold(out.Symbol, symbol) {
		return broker.OrderStatus{}, fmt.Errorf("alpaca: 订单 %s 合约不符 %s != %s: %w", clientOrderID, out.Symbol, symbol, broker.ErrOrderNotFound)
	}
	return out.toStatus(), nil
}

func (c *Client) GetAllPositions(ctx context.Context) ([]broker.Position, error) {
	var raw []position
	if err := c.call(ctx, "get_all_positions", http.MethodGet, "/v2/positions", nil, &raw); err != nil {
		return nil, err
	}

	positions := make([]broker.Position, 0, len(raw))
	for _, p := range raw {
		converted, err := p.toPosition()
		if err != nil {
			c.logger.Warn("忽略无法解析的持仓", zap.String("symbol", p.Symbol), zap.Error(err))
			continue
		}
		positions = append(positions, converted)
	}
	return positions, nil
}

func (c *Client) GetClock(ctx context.Context) (broker.Clock, error) {
	var out clock
	if err := c.call(ctx, "get_clock", http.MethodGet, "/v2/clock", nil, &out); err != nil {
		return broker.Clock{}, err
	}
	return broker.Clock{
		Timestamp: out.Timestamp.UTC(),
		IsOpen:    out.IsOpen,
		NextOpen:  out.NextOpen.UTC(),
		NextClose: out.NextClose.UTC(),
	}, nil
}

func (c *Client) call(ctx context.Context, op, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return broker.Permanent(op, fmt.Errorf("序列化请求失败: %w", err))
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return broker.Permanent(op, fmt.Errorf("创建请求失败: %w", err))
	}
	req.Header.Set("APCA-API-KEY-ID", c.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", c.apiSecret)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return err
		}
		return broker.Transient(op, fmt.Errorf("请求失败: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if err := CheckResponse(resp); err != nil {
		return classify(op, err)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return broker.Transient(op, fmt.Errorf("解析响应失败: %w", err))
	}
	return nil
}

func classify(op string, err error) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return broker.Classify(op, err)
	}
	switch {
	case apiErr.IsNotFound():
		return fmt.Errorf("alpaca: %s: %w", op, broker.ErrOrderNotFound)
	case apiErr.IsRetryable():
		return broker.Transient(op, apiErr)
	default:
		return broker.Permanent(op, apiErr)
	}
}

func parseQty(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("数量非法 %q: %w", raw, err)
	}
	if !d.Equal(d.Truncate(0)) {
		return 0, fmt.Errorf("期权数量必须为整数 %q", raw)
	}
	return d.IntPart(), nil
}

func parsePrice(raw string) decimal.Decimal {
	if raw == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}
