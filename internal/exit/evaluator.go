package exit

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spreads-ai/internal/broker"
	"spreads-ai/internal/config"
	"spreads-ai/internal/execution"
	"spreads-ai/internal/position"
)

// Reason 为平仓判定原因。
type Reason string

const (
	Hold         Reason = "HOLD"
	DTEExit      Reason = "DTE_EXIT"
	ProfitTarget Reason = "PROFIT_TARGET"
	StopLoss     Reason = "STOP_LOSS"
	// SignalClose 由信号模型发起的平仓，不经过规则判定。
	SignalClose Reason = "SIGNAL_CLOSE"
)

var decisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "spreads_exit_decisions_total",
	Help: "平仓判定结果计数",
}, []string{"reason"})

// Decision 为单个价差的判定结果。
type Decision struct {
	Key        string
	ShouldExit bool
	Reason     Reason
	Detail     string
	DTE        int
	// PnLRatio 为 浮动盈亏 / 收取权利金，权利金为 0 时无意义。
	PnLRatio decimal.Decimal
}

// Evaluator 按 DTE、止盈、止损的顺序判定是否平仓。
type Evaluator struct {
	dteThreshold int
	profitTarget decimal.Decimal
	stopLoss     decimal.Decimal
	slippage     decimal.Decimal
	orderType    broker.OrderType
	tif          broker.TimeInForce
	logger       *zap.Logger
}

// NewEvaluator 创建平仓判定器。
func NewEvaluator(exitCfg config.ExitConfig, execCfg config.ExecutionConfig, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	orderType := broker.OrderType(strings.ToLower(execCfg.OrderType))
	if orderType == "" {
		orderType = broker.OrderTypeLimit
	}
	tif := broker.TimeInForce(strings.ToLower(execCfg.TimeInForce))
	if tif == "" {
		tif = broker.TimeInForceDay
	}
	return &Evaluator{
		dteThreshold: exitCfg.DTEThreshold,
		profitTarget: decimal.NewFromFloat(exitCfg.ProfitTargetRatio),
		stopLoss:     decimal.NewFromFloat(exitCfg.StopLossRatio),
		slippage:     decimal.NewFromFloat(exitCfg.Slippage),
		orderType:    orderType,
		tif:          tif,
		logger:       logger,
	}
}

// Evaluate 判定价差是否需要平仓，首个命中的规则生效。
func (e *Evaluator) Evaluate(spread position.SpreadPosition, now time.Time) Decision {
	d := e.evaluate(spread, now)
	decisions.WithLabelValues(string(d.Reason)).Inc()

	fields := []zap.Field{
		zap.String("spread", d.Key),
		zap.String("structure", string(spread.Structure)),
		zap.String("reason", string(d.Reason)),
		zap.Int("dte", d.DTE),
		zap.String("credit", spread.CreditReceived.StringFixed(2)),
		zap.String("pnl", spread.CurrentPnL.StringFixed(2)),
	}
	if d.ShouldExit {
		e.logger.Info("价差触发平仓", append(fields, zap.String("detail", d.Detail))...)
	} else {
		e.logger.Debug("价差继续持有", append(fields, zap.String("detail", d.Detail))...)
	}
	return d
}

func (e *Evaluator) evaluate(spread position.SpreadPosition, now time.Time) Decision {
	d := Decision{Key: spread.Key(), Reason: Hold}

	if spread.Structure == position.Unrecognized {
		d.Detail = "unrecognized symbol, manual review"
		return d
	}

	d.DTE = spread.DTE(now)
	if d.DTE <= e.dteThreshold {
		d.ShouldExit = true
		d.Reason = DTEExit
		d.Detail = fmt.Sprintf("%d days to expiration (threshold %d)", d.DTE, e.dteThreshold)
		return d
	}

	if !spread.CreditReceived.IsPositive() {
		d.Detail = "insufficient data: no credit received"
		return d
	}

	d.PnLRatio = spread.CurrentPnL.Div(spread.CreditReceived)
	switch {
	case d.PnLRatio.GreaterThanOrEqual(e.profitTarget):
		d.ShouldExit = true
		d.Reason = ProfitTarget
		d.Detail = fmt.Sprintf("pnl/credit %s >= %s", d.PnLRatio.StringFixed(4), e.profitTarget.String())
	case d.PnLRatio.LessThanOrEqual(e.stopLoss.Neg()):
		d.ShouldExit = true
		d.Reason = StopLoss
		d.Detail = fmt.Sprintf("pnl/credit %s <= -%s", d.PnLRatio.StringFixed(4), e.stopLoss.String())
	default:
		d.Detail = fmt.Sprintf("pnl/credit %s", d.PnLRatio.StringFixed(4))
	}
	return d
}

// ClosingPlan 为价差生成平仓计划：先买回空头腿，再卖出多头腿；每腿方向与持仓相反。
// 限价 = 现价 ± 让价，取整到分；无现价时改用市价单。
func (e *Evaluator) ClosingPlan(spread position.SpreadPosition, reason Reason) (execution.Plan, error) {
	if spread.Structure == position.Unrecognized {
		return execution.Plan{}, fmt.Errorf("exit: %s 无法识别，需人工处理", spread.Key())
	}

	legs := make([]position.OptionLeg, 0, len(spread.Legs))
	for _, leg := range spread.Legs {
		if leg.Quantity != 0 {
			legs = append(legs, leg)
		}
	}
	if len(legs) == 0 {
		return execution.Plan{}, fmt.Errorf("exit: %s 没有可平仓的腿", spread.Key())
	}
	sort.SliceStable(legs, func(i, j int) bool {
		return legs[i].IsShort() && !legs[j].IsShort()
	})

	orders := make([]execution.LegOrder, 0, len(legs))
	for _, leg := range legs {
		order := execution.LegOrder{
			Symbol:      leg.Symbol,
			Side:        broker.OrderSideSell,
			Quantity:    leg.AbsQuantity(),
			Type:        e.orderType,
			TimeInForce: e.tif,
			Role:        execution.RoleRiskIncreasing,
		}
		if leg.IsShort() {
			order.Side = broker.OrderSideBuy
			order.Role = execution.RoleRiskReducing
		}

		if e.orderType == broker.OrderTypeLimit {
			price := e.limitPrice(leg.CurrentPrice, order.Side)
			if price.IsPositive() {
				order.LimitPrice = price
			} else {
				order.Type = broker.OrderTypeMarket
				e.logger.Warn("缺少有效现价，平仓改用市价单", zap.String("symbol", leg.Symbol))
			}
		}
		orders = append(orders, order)
	}

	return execution.NewPlan(execution.IntentClose, spread.Underlying, spread.Structure, string(reason), orders)
}

// limitPrice 买入加价、卖出减价，结果取整到 0.01。
func (e *Evaluator) limitPrice(current decimal.Decimal, side broker.OrderSide) decimal.Decimal {
	if !current.IsPositive() {
		return decimal.Zero
	}
	price := current.Sub(e.slippage)
	if side == broker.OrderSideBuy {
		price = current.Add(e.slippage)
	}
	return price.Round(2)
}
