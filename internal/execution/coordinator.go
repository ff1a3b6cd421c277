package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"spreads-ai/internal/broker"
	"spreads-ai/internal/config"
)

// ErrPollTimeout 表示订单状态未能在期限内确认。
var ErrPollTimeout = errors.New("execution: 订单状态确认超时")

// Severity 为告警级别。
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// Alert 为需要人工处理的告警。
type Alert struct {
	Severity   Severity
	Kind       string
	PlanID     string
	Underlying string
	Message    string
	Symbols    []string
}

// AlertSink 接收告警，实现方负责持久化或推送。
type AlertSink interface {
	Raise(ctx context.Context, alert Alert) error
}

// Options 控制执行节奏。
type Options struct {
	DryRun            bool
	PollInterval      time.Duration
	PollTimeout       time.Duration
	ReconcileAttempts int
	ReconcileDelay    time.Duration
}

// OptionsFromConfig 从配置生成执行参数。
func OptionsFromConfig(cfg config.ExecutionConfig) Options {
	return Options{
		DryRun:            cfg.DryRun,
		PollInterval:      cfg.PollInterval,
		PollTimeout:       cfg.PollTimeout,
		ReconcileAttempts: cfg.ReconcileAttempts,
		ReconcileDelay:    cfg.ReconcileDelay,
	}
}

// Coordinator 逐腿执行计划，失败时反向补偿。
type Coordinator struct {
	broker broker.Broker
	alerts AlertSink
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

// NewCoordinator 创建执行协调器。
func NewCoordinator(b broker.Broker, alerts AlertSink, opts Options, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.PollTimeout < opts.PollInterval {
		opts.PollTimeout = opts.PollInterval
	}
	if opts.ReconcileAttempts <= 0 {
		opts.ReconcileAttempts = 1
	}
	return &Coordinator{
		broker: b,
		alerts: alerts,
		opts:   opts,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type legOutcome int

const (
	legAccepted legOutcome = iota
	legRejected
	legTimedOut
	legUnknown
)

// exposure 为已送达券商、补偿时需要处理的一腿。
type exposure struct {
	index   int
	leg     LegOrder
	orderID string
}

// Execute 执行计划。ORPHAN 返回 *OrphanPositionError，UNCONFIRMED 返回 *ReconciliationError；
// 普通失败只体现在 Result.Status 与 State.LastError 中。
func (c *Coordinator) Execute(ctx context.Context, plan Plan) (Result, error) {
	result := Result{
		PlanID:     plan.ID,
		Intent:     plan.Intent,
		Underlying: plan.Underlying,
		StartedAt:  c.now(),
		State:      newSagaState(c.now()),
	}
	logger := c.logger.With(
		zap.String("plan_id", plan.ID),
		zap.String("intent", string(plan.Intent)),
		zap.String("underlying", plan.Underlying),
		zap.String("structure", string(plan.Structure)),
	)

	if len(plan.Legs) == 0 {
		return result, errors.New("execution: 计划没有任何腿")
	}

	if c.opts.DryRun {
		for i, leg := range plan.Legs {
			logger.Info("[dry-run] 计划腿",
				zap.Int("leg", i+1),
				zap.String("symbol", leg.Symbol),
				zap.String("side", string(leg.Side)),
				zap.Int64("qty", leg.Quantity),
				zap.String("type", string(leg.Type)),
				zap.String("limit", leg.LimitPrice.String()),
				zap.String("role", string(leg.Role)),
			)
		}
		result.Status = StatusDryRun
		result.Detail = "dry run, no orders sent"
		return c.finish(result, logger), nil
	}

	// 首腿提交前尊重批次取消；一旦提交必须执行到终态。
	if err := ctx.Err(); err != nil {
		result.State.LastError = err
		result.State.moveTo(PhaseFailed, c.now(), "批次已取消")
		result.Status = StatusFailed
		result.Detail = "batch cancelled before submission"
		return c.finish(result, logger), err
	}
	sagaCtx := context.WithoutCancel(ctx)

	logger.Info("开始执行多腿计划", zap.Int("legs", len(plan.Legs)), zap.String("reason", plan.Reason))

	var exposures []exposure
	for k, leg := range plan.Legs {
		outcome, exp, err := c.runLeg(sagaCtx, plan, k, leg, &result.State, logger)
		if outcome == legAccepted {
			exposures = append(exposures, *exp)
			continue
		}

		result.State.LastError = err
		logger.Warn("腿执行失败，停止后续提交",
			zap.Int("leg", k+1),
			zap.String("symbol", leg.Symbol),
			zap.Error(err),
		)
		if exp != nil {
			exposures = append(exposures, *exp)
		}
		var unknown *LegOrder
		if outcome == legUnknown {
			unknown = &plan.Legs[k]
		}
		return c.abort(sagaCtx, plan, k, exposures, unknown, err, result, logger)
	}

	mismatches, recErr := c.reconcile(sagaCtx, plan)
	if len(mismatches) > 0 || recErr != nil {
		rec := &ReconciliationError{
			PlanID:     plan.ID,
			Underlying: plan.Underlying,
			Mismatches: mismatches,
			Err:        recErr,
		}
		result.State.LastError = rec
		result.Status = StatusUnconfirmed
		result.Detail = "legs accepted but holdings not confirmed"
		c.raise(sagaCtx, Alert{
			Severity:   SeverityWarning,
			Kind:       "unconfirmed",
			PlanID:     plan.ID,
			Underlying: plan.Underlying,
			Message:    rec.Error(),
			Symbols:    legSymbols(plan.Legs),
		}, logger)
		return c.finish(result, logger), rec
	}

	result.State.moveTo(PhaseComplete, c.now(), "")
	result.Status = StatusComplete
	return c.finish(result, logger), nil
}

// runLeg 提交并确认第 k 腿。返回的 exposure 非空时表示该腿已送达券商。
func (c *Coordinator) runLeg(ctx context.Context, plan Plan, k int, leg LegOrder, state *SagaState, logger *zap.Logger) (legOutcome, *exposure, error) {
	req := broker.OrderRequest{
		Symbol:         leg.Symbol,
		Side:           leg.Side,
		Quantity:       leg.Quantity,
		Type:           leg.Type,
		LimitPrice:     leg.LimitPrice,
		TimeInForce:    leg.TimeInForce,
		ClientOrderID:  uuid.NewString(),
		PositionIntent: positionIntent(plan.Intent, leg.Side),
	}

	orderID, outcome, err := c.submit(ctx, req, logger)
	state.moveTo(LegSubmitted(k+1), c.now(), leg.Symbol)
	switch outcome {
	case legRejected:
		return legRejected, nil, fmt.Errorf("第 %d 腿 %s 下单被拒: %w", k+1, leg.Symbol, err)
	case legUnknown:
		return legUnknown, nil, fmt.Errorf("第 %d 腿 %s 下单结果无法确认: %w", k+1, leg.Symbol, err)
	}
	state.SubmittedOrderIDs[k] = orderID
	exp := &exposure{index: k, leg: leg, orderID: orderID}

	status, err := c.await(ctx, orderID, func(s broker.OrderState) bool {
		return s.IsAccepted() || s.IsTerminalFailure()
	})
	if err != nil {
		return legTimedOut, exp, fmt.Errorf("第 %d 腿 %s 状态未确认: %w", k+1, leg.Symbol, err)
	}
	if status.State.IsTerminalFailure() {
		err := fmt.Errorf("第 %d 腿 %s 状态为 %s", k+1, leg.Symbol, status.State)
		if status.FilledQuantity > 0 {
			return legRejected, exp, err
		}
		return legRejected, nil, err
	}

	state.moveTo(LegVerified(k+1), c.now(), string(status.State))
	logger.Info("腿已确认",
		zap.Int("leg", k+1),
		zap.String("symbol", leg.Symbol),
		zap.String("order_id", orderID),
		zap.String("state", string(status.State)),
	)
	return legAccepted, exp, nil
}

// submit 下单；超时等结果未知的情况通过客户端订单号查询确认。
func (c *Coordinator) submit(ctx context.Context, req broker.OrderRequest, logger *zap.Logger) (string, legOutcome, error) {
	orderID, err := c.broker.SubmitOrder(ctx, req)
	if err == nil {
		return orderID, legAccepted, nil
	}
	if broker.IsPermanent(err) || errors.Is(err, broker.ErrMarketClosed) {
		return "", legRejected, err
	}

	logger.Warn("下单结果未知，按客户端订单号查询",
		zap.String("symbol", req.Symbol),
		zap.String("client_order_id", req.ClientOrderID),
		zap.Error(err),
	)
	found, findErr := c.broker.FindOrder(ctx, req.Symbol, req.ClientOrderID)
	switch {
	case findErr == nil:
		logger.Info("已找到结果未知的订单", zap.String("order_id", found.ID), zap.String("state", string(found.State)))
		return found.ID, legAccepted, nil
	case errors.Is(findErr, broker.ErrOrderNotFound):
		return "", legRejected, fmt.Errorf("订单未送达券商: %w", err)
	default:
		return "", legUnknown, multierr.Combine(err, findErr)
	}
}

// await 轮询订单直到 done 返回 true，间隔指数增长，超过 PollTimeout 返回 ErrPollTimeout。
func (c *Coordinator) await(ctx context.Context, orderID string, done func(broker.OrderState) bool) (broker.OrderStatus, error) {
	deadline := time.Now().Add(c.opts.PollTimeout)
	wait := c.opts.PollInterval
	maxWait := c.opts.PollInterval * 8

	var (
		last    broker.OrderStatus
		lastErr error
	)
	for {
		status, err := c.broker.GetOrderStatus(ctx, orderID)
		if err == nil {
			last = status
			if done(status.State) {
				return status, nil
			}
		} else {
			lastErr = err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			err := fmt.Errorf("%w: 订单 %s 最后状态 %q", ErrPollTimeout, orderID, last.State)
			if lastErr != nil {
				err = multierr.Append(err, lastErr)
			}
			return last, err
		}
		if wait > remaining {
			wait = remaining
		}
		if err := sleep(ctx, wait); err != nil {
			return last, err
		}
		wait *= 2
		if wait > maxWait {
			wait = maxWait
		}
	}
}

// abort 在第 failed 腿失败后反向补偿已送达的腿。
func (c *Coordinator) abort(ctx context.Context, plan Plan, failed int, exposures []exposure, unknown *LegOrder, cause error, result Result, logger *zap.Logger) (Result, error) {
	if len(exposures) == 0 && unknown == nil {
		result.State.moveTo(PhaseFailed, c.now(), cause.Error())
		result.Status = StatusFailed
		result.Detail = fmt.Sprintf("leg %d rejected, nothing exposed", failed+1)
		return c.finish(result, logger), nil
	}

	var (
		compErr error
		exposed []string
	)
	if len(exposures) > 0 {
		result.State.moveTo(PhaseCompensating, c.now(), fmt.Sprintf("%d 腿待补偿", len(exposures)))
	}
	for i := len(exposures) - 1; i >= 0; i-- {
		exp := exposures[i]
		if err := c.compensate(ctx, plan, exp, logger); err != nil {
			logger.Error("补偿失败",
				zap.Int("leg", exp.index+1),
				zap.String("symbol", exp.leg.Symbol),
				zap.Error(err),
			)
			compErr = multierr.Append(compErr, err)
			exposed = append(exposed, exp.leg.Symbol)
			continue
		}
		logger.Info("补偿完成", zap.Int("leg", exp.index+1), zap.String("symbol", exp.leg.Symbol))
	}
	if unknown != nil {
		compErr = multierr.Append(compErr, cause)
		exposed = append(exposed, unknown.Symbol)
	}

	if compErr == nil {
		result.State.moveTo(PhaseFailed, c.now(), "aborted cleanly")
		result.Status = StatusFailed
		result.Detail = "aborted cleanly"
		return c.finish(result, logger), nil
	}

	orphan := &OrphanPositionError{
		PlanID:     plan.ID,
		Underlying: plan.Underlying,
		Exposed:    exposed,
		Err:        compErr,
	}
	result.State.LastError = orphan
	result.State.moveTo(PhaseOrphan, c.now(), compErr.Error())
	result.Status = StatusOrphan
	result.Detail = "compensation failed, manual intervention required"
	c.raise(ctx, Alert{
		Severity:   SeverityCritical,
		Kind:       "orphan",
		PlanID:     plan.ID,
		Underlying: plan.Underlying,
		Message:    orphan.Error(),
		Symbols:    exposed,
	}, logger)
	return c.finish(result, logger), orphan
}

// compensate 撤销仍在工作的委托；已成交部分按市价反向平仓并确认成交。
func (c *Coordinator) compensate(ctx context.Context, plan Plan, exp exposure, logger *zap.Logger) error {
	status, err := c.broker.GetOrderStatus(ctx, exp.orderID)
	if err != nil {
		return fmt.Errorf("查询 %s 订单状态失败: %w", exp.leg.Symbol, err)
	}

	if status.State != broker.StateFilled && !status.State.IsTerminalFailure() {
		if cancelErr := c.broker.CancelOrder(ctx, exp.orderID); cancelErr != nil {
			// 撤单与成交竞争：订单可能在查询后已成交，此时改为市价反向平仓。
			status, err = c.broker.GetOrderStatus(ctx, exp.orderID)
			if err != nil || (status.State != broker.StateFilled && status.State != broker.StatePartiallyFilled) {
				compensations.WithLabelValues("cancel", "failed").Inc()
				return fmt.Errorf("撤销 %s 委托失败: %w", exp.leg.Symbol, cancelErr)
			}
			logger.Warn("撤单失败但订单已成交，转为反向平仓",
				zap.String("symbol", exp.leg.Symbol),
				zap.String("state", string(status.State)),
				zap.Error(cancelErr),
			)
		} else {
			status, err = c.await(ctx, exp.orderID, func(s broker.OrderState) bool {
				return s == broker.StateFilled || s.IsTerminalFailure()
			})
			if err != nil {
				compensations.WithLabelValues("cancel", "failed").Inc()
				return fmt.Errorf("确认 %s 撤单失败: %w", exp.leg.Symbol, err)
			}
			compensations.WithLabelValues("cancel", "ok").Inc()
		}
	}

	filled := status.FilledQuantity
	if status.State == broker.StateFilled && filled == 0 {
		filled = status.Quantity
	}
	if filled <= 0 {
		return nil
	}

	reverse := IntentClose
	if plan.Intent == IntentClose {
		reverse = IntentOpen
	}
	side := exp.leg.Side.Opposite()
	req := broker.OrderRequest{
		Symbol:         exp.leg.Symbol,
		Side:           side,
		Quantity:       filled,
		Type:           broker.OrderTypeMarket,
		TimeInForce:    broker.TimeInForceDay,
		ClientOrderID:  uuid.NewString(),
		PositionIntent: positionIntent(reverse, side),
	}
	logger.Warn("已成交腿按市价反向平仓",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Int64("qty", req.Quantity),
	)

	orderID, outcome, err := c.submit(ctx, req, logger)
	if outcome != legAccepted {
		compensations.WithLabelValues("close", "failed").Inc()
		return fmt.Errorf("%s 反向平仓下单失败: %w", exp.leg.Symbol, err)
	}
	closed, err := c.await(ctx, orderID, func(s broker.OrderState) bool {
		return s == broker.StateFilled || s.IsTerminalFailure()
	})
	if err != nil {
		compensations.WithLabelValues("close", "failed").Inc()
		return fmt.Errorf("%s 反向平仓未确认: %w", exp.leg.Symbol, err)
	}
	if closed.State != broker.StateFilled {
		compensations.WithLabelValues("close", "failed").Inc()
		return fmt.Errorf("%s 反向平仓状态为 %s", exp.leg.Symbol, closed.State)
	}
	compensations.WithLabelValues("close", "ok").Inc()
	return nil
}

// reconcile 读取持仓核对每腿：开仓腿需按方向出现，平仓腿需归零。
func (c *Coordinator) reconcile(ctx context.Context, plan Plan) ([]string, error) {
	var (
		mismatches []string
		lastErr    error
	)
	for attempt := 1; attempt <= c.opts.ReconcileAttempts; attempt++ {
		positions, err := c.broker.GetAllPositions(ctx)
		if err == nil {
			lastErr = nil
			mismatches = compareHoldings(plan, positions)
			if len(mismatches) == 0 {
				return nil, nil
			}
		} else {
			lastErr = fmt.Errorf("读取持仓失败: %w", err)
		}

		if attempt < c.opts.ReconcileAttempts {
			if err := sleep(ctx, c.opts.ReconcileDelay); err != nil {
				return mismatches, err
			}
		}
	}
	return mismatches, lastErr
}

func compareHoldings(plan Plan, positions []broker.Position) []string {
	held := make(map[string]int64, len(positions))
	for _, p := range positions {
		held[p.Symbol] += p.Quantity
	}

	var mismatches []string
	for _, leg := range plan.Legs {
		qty := held[leg.Symbol]
		if plan.Intent == IntentClose {
			if qty != 0 {
				mismatches = append(mismatches, fmt.Sprintf("%s 平仓后仍持有 %d", leg.Symbol, qty))
			}
			continue
		}
		switch {
		case qty == 0:
			mismatches = append(mismatches, fmt.Sprintf("%s 未出现在持仓中", leg.Symbol))
		case leg.Side == broker.OrderSideSell && qty > 0, leg.Side == broker.OrderSideBuy && qty < 0:
			mismatches = append(mismatches, fmt.Sprintf("%s 持仓方向不符 (%d)", leg.Symbol, qty))
		}
	}
	return mismatches
}

func (c *Coordinator) raise(ctx context.Context, alert Alert, logger *zap.Logger) {
	logger.Error("触发人工告警",
		zap.String("severity", string(alert.Severity)),
		zap.String("kind", alert.Kind),
		zap.Strings("symbols", alert.Symbols),
		zap.String("message", alert.Message),
	)
	if c.alerts == nil {
		return
	}
	if err := c.alerts.Raise(ctx, alert); err != nil {
		logger.Error("告警写入失败", zap.Error(err))
	}
}

func (c *Coordinator) finish(result Result, logger *zap.Logger) Result {
	result.FinishedAt = c.now()
	observeResult(result)

	fields := []zap.Field{
		zap.String("status", string(result.Status)),
		zap.String("detail", result.Detail),
		zap.String("phase", string(result.State.Phase)),
		zap.Duration("elapsed", result.FinishedAt.Sub(result.StartedAt)),
	}
	switch result.Status {
	case StatusOrphan:
		logger.Error("多腿计划执行结束", fields...)
	case StatusFailed, StatusUnconfirmed:
		logger.Warn("多腿计划执行结束", fields...)
	default:
		logger.Info("多腿计划执行结束", fields...)
	}
	return result
}

func legSymbols(legs []LegOrder) []string {
	out := make([]string, 0, len(legs))
	for _, leg := range legs {
		out = append(out, leg.Symbol)
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
