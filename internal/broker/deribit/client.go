package deribit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spreads-ai/internal/broker"
	"spreads-ai/internal/config"
)

type exchangeClient interface {
	CreateOrder(symbol string, typeVar string, side string, amount float64, options ...ccxt.CreateOrderOptions) (ccxt.Order, error)
	FetchOrder(id string, options ...ccxt.FetchOrderOptions) (ccxt.Order, error)
	CancelOrder(id string, options ...ccxt.CancelOrderOptions) (ccxt.Order, error)
	FetchOpenOrders(options ...ccxt.FetchOpenOrdersOptions) ([]ccxt.Order, error)
	FetchClosedOrders(options ...ccxt.FetchClosedOrdersOptions) ([]ccxt.Order, error)
	FetchPositions(options ...ccxt.FetchPositionsOptions) ([]ccxt.Position, error)
}

// Client 通过 ccxt 对接 Deribit 期权，实现 broker.Broker。
type Client struct {
	exchange     exchangeClient
	symbols      symbolMapper
	contractSize float64
	logger       *zap.Logger
}

var _ broker.Broker = (*Client)(nil)

// NewClient 构造 Deribit 客户端。
func NewClient(cfg config.DeribitConfig, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("deribit: api_key 与 api_secret 不能为空")
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"apiKey":          cfg.APIKey,
		"secret":          cfg.APISecret,
		"options": map[string]interface{}{
			"defaultType": "option",
		},
	}
	ex := ccxt.NewDeribit(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return newClient(ex, cfg, logger), nil
}

func newClient(ex exchangeClient, cfg config.DeribitConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	quote := cfg.Quote
	if quote == "" {
		quote = "USD"
	}
	size := cfg.ContractSize
	if size <= 0 {
		size = 1
	}
	return &Client{
		exchange:     ex,
		symbols:      symbolMapper{quote: quote, settle: cfg.Settle},
		contractSize: size,
		logger:       logger,
	}
}

func (c *Client) SubmitOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	market, err := c.symbols.fromOCC(req.Symbol)
	if err != nil {
		return "", broker.Permanent("submit_order", err)
	}

	params := map[string]interface{}{}
	if req.ClientOrderID != "" {
		params["label"] = req.ClientOrderID
	}
	if req.TimeInForce != "" {
		params["timeInForce"] = deribitTIF(req.TimeInForce)
	}
	if req.PositionIntent == broker.IntentBuyToClose || req.PositionIntent == broker.IntentSellToClose {
		params["reduceOnly"] = true
	}

	opts := []ccxt.CreateOrderOptions{ccxt.WithCreateOrderParams(params)}
	if req.Type == broker.OrderTypeLimit {
		price, _ := req.LimitPrice.Float64()
		opts = append(opts, ccxt.WithCreateOrderPrice(price))
	}

	order, err := c.exchange.CreateOrder(market, string(req.Type), string(req.Side), float64(req.Quantity)*c.contractSize, opts...)
	if err != nil {
		return "", classifyError("submit_order", err)
	}

	id := derefString(order.Id)
	c.logger.Debug("Deribit 下单成功",
		zap.String("market", market),
		zap.String("order_id", id),
		zap.String("label", req.ClientOrderID),
	)
	return id, nil
}

func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (broker.OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return broker.OrderStatus{}, err
	}
	order, err := c.exchange.FetchOrder(orderID)
	if err != nil {
		return broker.OrderStatus{}, classifyError("get_order_status", err)
	}
	return c.toStatus(order), nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.exchange.CancelOrder(orderID); err != nil {
		return classifyError("cancel_order", err)
	}
	return nil
}

func (c *Client) FindOrder(ctx context.Context, symbol, clientOrderID string) (broker.OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return broker.OrderStatus{}, err
	}
	market, err := c.symbols.fromOCC(symbol)
	if err != nil {
		return broker.OrderStatus{}, broker.Permanent("find_order", err)
	}

	open, err := c.exchange.FetchOpenOrders(ccxt.WithFetchOpenOrdersSymbol(market))
	if err != nil {
		return broker.OrderStatus{}, classifyError("find_order", err)
	}
	if order, ok := matchLabel(open, clientOrderID); ok {
		return c.toStatus(order), nil
	}

	closed, err := c.exchange.FetchClosedOrders(ccxt.WithFetchClosedOrdersSymbol(market))
	if err != nil {
		return broker.OrderStatus{}, classifyError("find_order", err)
	}
	if order, ok := matchLabel(closed, clientOrderID); ok {
		return c.toStatus(order), nil
	}

	return broker.OrderStatus{}, broker.ErrOrderNotFound
}

func (c *Client) GetAllPositions(ctx context.Context) ([]broker.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := c.exchange.FetchPositions()
	if err != nil {
		return nil, classifyError("get_all_positions", err)
	}

	positions := make([]broker.Position, 0, len(raw))
	for _, p := range raw {
		market := derefString(p.Symbol)
		contracts := derefFloat(p.Contracts)
		if market == "" || contracts == 0 {
			continue
		}
		if !isOption(market) {
			// 永续与期货持仓不属于期权价差。
			c.logger.Debug("跳过非期权持仓", zap.String("market", market))
			continue
		}
		symbol, err := c.symbols.toOCC(market)
		if err != nil {
			// 无法编码的期权保留原始代码，由分组器标记为 UNRECOGNIZED。
			c.logger.Warn("期权持仓无法转换为 OCC 代码", zap.String("market", market), zap.Error(err))
			symbol = market
		}

		qty := int64(math.Round(math.Abs(contracts) / c.contractSize))
		if strings.EqualFold(derefString(p.Side), "short") || contracts < 0 {
			qty = -qty
		}
		positions = append(positions, broker.Position{
			Symbol:        symbol,
			Quantity:      qty,
			AvgEntryPrice: decimal.NewFromFloat(derefFloat(p.EntryPrice)),
			CurrentPrice:  decimal.NewFromFloat(derefFloat(p.MarkPrice)),
		})
	}
	return positions, nil
}

// GetClock Deribit 全天候交易，始终返回开盘。
func (c *Client) GetClock(ctx context.Context) (broker.Clock, error) {
	if err := ctx.Err(); err != nil {
		return broker.Clock{}, err
	}
	now := time.Now().UTC()
	return broker.Clock{Timestamp: now, IsOpen: true, NextOpen: now}, nil
}

func (c *Client) toStatus(order ccxt.Order) broker.OrderStatus {
	symbol := derefString(order.Symbol)
	if converted, err := c.symbols.toOCC(symbol); err == nil {
		symbol = converted
	}
	filled := int64(math.Round(derefFloat(order.Filled) / c.contractSize))
	amount := int64(math.Round(derefFloat(order.Amount) / c.contractSize))

	status := broker.OrderStatus{
		ID:             derefString(order.Id),
		ClientOrderID:  orderLabel(order),
		Symbol:         symbol,
		Side:           broker.OrderSide(strings.ToLower(derefString(order.Side))),
		State:          mapStatus(derefString(order.Status), filled),
		Quantity:       amount,
		FilledQuantity: filled,
	}
	if order.Timestamp != nil {
		status.UpdatedAt = time.UnixMilli(*order.Timestamp).UTC()
	}
	return status
}

func mapStatus(status string, filled int64) broker.OrderState {
	switch strings.ToLower(status) {
	case "open":
		if filled > 0 {
			return broker.StatePartiallyFilled
		}
		return broker.StateAccepted
	case "closed":
		return broker.StateFilled
	case "canceled", "cancelled":
		return broker.StateCanceled
	case "expired":
		return broker.StateExpired
	case "rejected":
		return broker.StateRejected
	default:
		return broker.StatePending
	}
}

func matchLabel(orders []ccxt.Order, label string) (ccxt.Order, bool) {
	for _, o := range orders {
		if label != "" && orderLabel(o) == label {
			return o, true
		}
	}
	return ccxt.Order{}, false
}

func orderLabel(order ccxt.Order) string {
	if id := derefString(order.ClientOrderId); id != "" {
		return id
	}
	if order.Info != nil {
		if label, ok := order.Info["label"].(string); ok {
			return label
		}
	}
	return ""
}

func deribitTIF(tif broker.TimeInForce) string {
	switch tif {
	case broker.TimeInForceIOC:
		return "IOC"
	case broker.TimeInForceGTC:
		return "GTC"
	default:
		// Deribit 的 good_til_day 对应日内有效。
		return "GTD"
	}
}

// classifyError 将 ccxt 错误归类为临时或永久错误。
func classifyError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return broker.Transient(op, err)
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType,
			ccxt.OnMaintenanceErrType:
			return broker.Transient(op, err)
		case ccxt.OrderNotFoundErrType:
			return fmt.Errorf("deribit: %s: %w", op, broker.ErrOrderNotFound)
		default:
			return broker.Permanent(op, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return broker.Transient(op, err)
	}

	return broker.Permanent(op, err)
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
