package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"spreads-ai/internal/broker"
	"spreads-ai/internal/config"
	"spreads-ai/internal/execution"
	"spreads-ai/internal/exit"
	"spreads-ai/internal/monitor"
	"spreads-ai/internal/position"
	"spreads-ai/internal/safety"
	"spreads-ai/internal/signal"
)

// decider 产出单个标的的信号决策。
type decider interface {
	Decide(ctx context.Context, in signal.PromptInput) (signal.Decision, error)
}

// BlockedOpen 为被安全闸门拦截的开仓。
type BlockedOpen struct {
	Underlying string        `json:"underlying"`
	Reason     safety.Reason `json:"reason"`
}

// BatchReport 汇总一次批处理。
type BatchReport struct {
	StartedAt  time.Time
	FinishedAt time.Time
	MarketOpen bool
	Spreads    []position.SpreadPosition
	Decisions  []exit.Decision
	Results    []execution.Result
	Blocked    []BlockedOpen
	// Err 汇总批次中所有未能恢复的错误。
	Err error
}

// Failed 任一执行失败或存在未恢复错误时为真。
func (r BatchReport) Failed() bool {
	if r.Err != nil {
		return true
	}
	for _, res := range r.Results {
		if res.Status.IsFailure() {
			return true
		}
	}
	return false
}

type orchestratorDeps struct {
	broker      broker.Broker
	grouper     *position.Grouper
	exits       *exit.Evaluator
	coordinator *execution.Coordinator
	gate        *safety.Gate
	halts       *safety.HaltRegistry
	monitor     *monitor.Service
	signals     decider
	underlyings []string
	safety      config.SafetyConfig
	execution   config.ExecutionConfig
	exit        config.ExitConfig
	workers     int
}

type orchestrator struct {
	orchestratorDeps
	logger *zap.Logger
	now    func() time.Time
}

func newOrchestrator(deps orchestratorDeps, logger *zap.Logger) *orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.workers <= 0 {
		deps.workers = 1
	}
	return &orchestrator{
		orchestratorDeps: deps,
		logger:           logger,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// batch 为单次批处理的共享状态，worker 之间通过 mu 同步。
type batch struct {
	mu     sync.Mutex
	report *BatchReport
	halted map[string]struct{}
	// closed 记录本批次已成功平仓的价差键。
	closed map[string]struct{}
	// opened 与 openedContracts 为本批次成功开仓的价差数与张数。
	opened          int
	openedContracts int64
}

func (b *batch) addResult(res execution.Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.report.Results = append(b.report.Results, res)
}

func (b *batch) addErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.report.Err = multierr.Append(b.report.Err, err)
}

func (b *batch) isHalted(underlying string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.halted[underlying]
	return ok
}

func (b *batch) halt(underlying string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.halted[underlying] = struct{}{}
}

// Tick 执行一次批处理：检查交易时段、拉取持仓、并发判定平仓，随后处理信号开仓。
func (o *orchestrator) Tick(ctx context.Context) (report BatchReport, err error) {
	report.StartedAt = o.now()
	b := &batch{report: &report, closed: make(map[string]struct{})}
	defer func() {
		report.FinishedAt = o.now()
		o.recordBatch(ctx, report)
	}()

	clock, err := o.broker.GetClock(ctx)
	if err != nil {
		err = fmt.Errorf("app: 查询交易时段失败: %w", err)
		o.monitor.RecordError(ctx, "查询交易时段失败", err, nil)
		report.Err = err
		return report, err
	}
	report.MarketOpen = clock.IsOpen
	if !clock.IsOpen {
		o.logger.Info("市场未开盘，跳过本批次", zap.Time("next_open", clock.NextOpen))
		return report, nil
	}

	positions, err := o.broker.GetAllPositions(ctx)
	if err != nil {
		err = fmt.Errorf("app: 拉取持仓失败: %w", err)
		o.monitor.RecordError(ctx, "拉取持仓失败", err, nil)
		report.Err = err
		return report, err
	}
	spreads := o.grouper.Group(positions)
	report.Spreads = spreads

	opensAllowed := true
	b.halted, err = o.halts.Halted(ctx)
	if err != nil {
		// 无法确认暂停状态时本批次只平仓不开仓。
		opensAllowed = false
		b.halted = make(map[string]struct{})
		b.addErr(fmt.Errorf("app: 读取暂停标的失败: %w", err))
		o.logger.Error("读取暂停标的失败，本批次禁止开仓", zap.Error(err))
	}

	decisions := make([]exit.Decision, len(spreads))
	var g errgroup.Group
	g.SetLimit(o.workers)
	for i := range spreads {
		g.Go(func() error {
			decisions[i] = o.manageSpread(ctx, spreads[i], b)
			return nil
		})
	}
	_ = g.Wait()
	report.Decisions = decisions

	if o.signals != nil && opensAllowed {
		for _, underlying := range o.underlyings {
			if ctx.Err() != nil {
				o.logger.Info("批次已取消，停止信号处理")
				break
			}
			o.runSignal(ctx, strings.ToUpper(underlying), spreads, b)
		}
	}

	o.logger.Info("批次完成",
		zap.Int("spreads", len(spreads)),
		zap.Int("executions", len(report.Results)),
		zap.Int("blocked", len(report.Blocked)),
		zap.Error(report.Err),
	)
	return report, report.Err
}

// manageSpread 判定单个价差，需要平仓时执行平仓计划。
func (o *orchestrator) manageSpread(ctx context.Context, spread position.SpreadPosition, b *batch) exit.Decision {
	decision := o.exits.Evaluate(spread, o.now())
	o.monitor.RecordExit(ctx, spread, decision)
	if !decision.ShouldExit {
		return decision
	}
	if b.isHalted(spread.Underlying) {
		o.logger.Warn("标的已暂停，跳过自动平仓",
			zap.String("spread", decision.Key),
			zap.String("reason", string(decision.Reason)),
		)
		return decision
	}
	o.closeSpread(ctx, spread, decision.Reason, b)
	return decision
}

func (o *orchestrator) closeSpread(ctx context.Context, spread position.SpreadPosition, reason exit.Reason, b *batch) {
	plan, err := o.exits.ClosingPlan(spread, reason)
	if err != nil {
		b.addErr(err)
		o.monitor.RecordError(ctx, "生成平仓计划失败", err, map[string]any{"spread": spread.Key()})
		return
	}
	res := o.execute(ctx, plan, b)
	if res.Status == execution.StatusComplete {
		b.mu.Lock()
		b.closed[spread.Key()] = struct{}{}
		b.mu.Unlock()
	}
}

// execute 执行计划并记录结果；ORPHAN 与 UNCONFIRMED 会暂停该标的。
func (o *orchestrator) execute(ctx context.Context, plan execution.Plan, b *batch) execution.Result {
	res, err := o.coordinator.Execute(ctx, plan)
	o.monitor.RecordSaga(ctx, plan, res)
	b.addResult(res)
	if plan.Intent == execution.IntentOpen && res.Status == execution.StatusComplete {
		b.mu.Lock()
		b.opened++
		b.openedContracts += plan.Contracts()
		b.mu.Unlock()
	}

	switch res.Status {
	case execution.StatusOrphan, execution.StatusUnconfirmed:
		b.halt(plan.Underlying)
		reason := fmt.Sprintf("%s: %s", res.Status, res.Detail)
		if haltErr := o.halts.Halt(context.WithoutCancel(ctx), plan.Underlying, reason, plan.ID); haltErr != nil {
			err = multierr.Append(err, haltErr)
			o.logger.Error("暂停标的失败", zap.String("underlying", plan.Underlying), zap.Error(haltErr))
		} else {
			o.monitor.RecordHalt(ctx, monitor.HaltPayload{
				Underlying: plan.Underlying,
				Action:     "halt",
				Reason:     reason,
				PlanID:     plan.ID,
			})
		}
	}
	if err != nil {
		b.addErr(err)
	}
	return res
}

// runSignal 请求模型决策并按决策平仓或开仓。
func (o *orchestrator) runSignal(ctx context.Context, underlying string, spreads []position.SpreadPosition, b *batch) {
	if b.isHalted(underlying) {
		o.logger.Info("标的已暂停，跳过信号", zap.String("underlying", underlying))
		return
	}

	var own []position.SpreadPosition
	for _, s := range spreads {
		if s.Underlying == underlying {
			own = append(own, s)
		}
	}
	openSpreads, _ := o.openCounts(spreads, b)

	decision, err := o.signals.Decide(ctx, signal.PromptInput{
		Underlying:     underlying,
		Now:            o.now(),
		Spreads:        own,
		OpenSpreads:    openSpreads,
		MaxOpenSpreads: o.safety.MaxOpenSpreads,
		MaxContracts:   o.safety.MaxContracts,
		MinDTE:         o.exit.DTEThreshold,
	})
	if err != nil {
		// 模型输出不合规只影响该标的，不计入批次失败。
		o.monitor.RecordError(ctx, "信号决策失败", err, map[string]any{"underlying": underlying})
		return
	}
	o.monitor.RecordSignal(ctx, decision)

	switch {
	case decision.Action == signal.Hold:
	case decision.Action == signal.Close:
		for _, s := range own {
			if !decision.Expiry.IsZero() && !s.Expiry.Equal(decision.Expiry) {
				continue
			}
			if s.Structure == position.Unrecognized {
				continue
			}
			b.mu.Lock()
			_, done := b.closed[s.Key()]
			b.mu.Unlock()
			if done {
				continue
			}
			o.closeSpread(ctx, s, exit.SignalClose, b)
		}
	case decision.Action.IsOpen():
		spec := *decision.Open
		if _, _, err := o.open(ctx, spec, spreads, b); err != nil {
			var verr *safety.ValidationError
			if !errors.As(err, &verr) {
				b.addErr(err)
			}
		}
	}
}

// open 经安全闸门校验后执行开仓计划。
func (o *orchestrator) open(ctx context.Context, spec execution.OpenSpec, spreads []position.SpreadPosition, b *batch) (execution.Result, bool, error) {
	if spec.OrderType == "" {
		spec.OrderType = broker.OrderType(strings.ToLower(o.execution.OrderType))
	}
	if spec.TimeInForce == "" {
		spec.TimeInForce = broker.TimeInForce(strings.ToLower(o.execution.TimeInForce))
	}
	plan, err := execution.NewOpenPlan(spec)
	if err != nil {
		return execution.Result{}, false, err
	}

	openSpreads, openContracts := o.openCounts(spreads, b)
	b.mu.Lock()
	halted := make(map[string]struct{}, len(b.halted))
	for k := range b.halted {
		halted[k] = struct{}{}
	}
	b.mu.Unlock()

	err = o.gate.Check(safety.Intent{
		Symbol:            plan.Underlying,
		OpenSpreads:       openSpreads,
		OpenContracts:     openContracts,
		IntendedSpreads:   1,
		IntendedContracts: plan.Contracts(),
		Halted:            halted,
	}, o.now())
	if err != nil {
		reason := safety.ReasonOf(err)
		b.mu.Lock()
		b.report.Blocked = append(b.report.Blocked, BlockedOpen{Underlying: plan.Underlying, Reason: reason})
		b.mu.Unlock()
		o.monitor.RecordBlocked(ctx, plan.Underlying, string(reason), plan.Contracts())
		return execution.Result{}, false, err
	}

	return o.execute(ctx, plan, b), true, nil
}

// openCounts 统计可识别价差的数量与张数，本批次已平仓的价差不计入。
func (o *orchestrator) openCounts(spreads []position.SpreadPosition, b *batch) (int, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var (
		count     int
		contracts int64
	)
	for _, s := range spreads {
		if s.Structure == position.Unrecognized {
			continue
		}
		if _, done := b.closed[s.Key()]; done {
			continue
		}
		count++
		contracts += s.Contracts()
	}
	return count + b.opened, contracts + b.openedContracts
}

// OpenSpread 在批处理之外开一组价差，供命令行使用。
func (o *orchestrator) OpenSpread(ctx context.Context, spec execution.OpenSpec) (execution.Result, error) {
	positions, err := o.broker.GetAllPositions(ctx)
	if err != nil {
		return execution.Result{}, fmt.Errorf("app: 拉取持仓失败: %w", err)
	}
	halted, err := o.halts.Halted(ctx)
	if err != nil {
		return execution.Result{}, fmt.Errorf("app: 读取暂停标的失败: %w", err)
	}

	report := BatchReport{StartedAt: o.now(), MarketOpen: true}
	b := &batch{report: &report, halted: halted, closed: make(map[string]struct{})}
	res, executed, err := o.open(ctx, spec, o.grouper.Group(positions), b)
	if err != nil {
		return res, err
	}
	if executed && report.Err != nil {
		return res, report.Err
	}
	return res, nil
}

// Positions 返回当前分组后的价差视图。
func (o *orchestrator) Positions(ctx context.Context) ([]position.SpreadPosition, error) {
	positions, err := o.broker.GetAllPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: 拉取持仓失败: %w", err)
	}
	return o.grouper.Group(positions), nil
}

func (o *orchestrator) recordBatch(ctx context.Context, report BatchReport) {
	payload := monitor.BatchPayload{
		MarketOpen: report.MarketOpen,
		Spreads:    len(report.Spreads),
		Statuses:   make(map[string]int),
		Elapsed:    report.FinishedAt.Sub(report.StartedAt).String(),
	}
	for _, d := range report.Decisions {
		if d.ShouldExit {
			payload.Exits++
		}
	}
	for _, res := range report.Results {
		payload.Statuses[string(res.Status)]++
		if res.Intent == execution.IntentOpen {
			payload.Opens++
		}
	}
	for _, err := range multierr.Errors(report.Err) {
		payload.Errors = append(payload.Errors, err.Error())
	}
	o.monitor.RecordBatch(context.WithoutCancel(ctx), payload)
}
