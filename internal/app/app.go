package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"spreads-ai/internal/broker"
	"spreads-ai/internal/broker/alpaca"
	"spreads-ai/internal/broker/deribit"
	"spreads-ai/internal/broker/paper"
	"spreads-ai/internal/config"
	"spreads-ai/internal/execution"
	"spreads-ai/internal/exit"
	"spreads-ai/internal/monitor"
	"spreads-ai/internal/position"
	"spreads-ai/internal/safety"
	"spreads-ai/internal/signal"
	"spreads-ai/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store

	monitor *monitor.Service
	halts   *safety.HaltRegistry
	orch    *orchestrator
}

// New 创建 App 实例并装配全部组件。
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, st *store.Store) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: 配置不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	monitorSvc, err := monitor.NewService(ctx, st, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}

	halts, err := safety.NewHaltRegistry(ctx, st, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化暂停登记失败: %w", err)
	}

	b, err := newBroker(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化券商客户端失败: %w", err)
	}

	var signals decider
	if cfg.OpenAI.Enabled {
		client, err := signal.NewClient(cfg.OpenAI, logger)
		if err != nil {
			return nil, fmt.Errorf("初始化信号客户端失败: %w", err)
		}
		signals = client
	}

	if cfg.Execution.DryRun {
		logger.Info("执行器处于 dry-run 模式，不会发送任何订单")
	}

	orch := newOrchestrator(orchestratorDeps{
		broker:      b,
		grouper:     position.NewGrouper(logger),
		exits:       exit.NewEvaluator(cfg.Exit, cfg.Execution, logger),
		coordinator: execution.NewCoordinator(b, monitorSvc, execution.OptionsFromConfig(cfg.Execution), logger),
		gate:        safety.NewGate(safety.NewConfig(cfg.Safety), logger),
		halts:       halts,
		monitor:     monitorSvc,
		signals:     signals,
		underlyings: cfg.OpenAI.Underlyings,
		safety:      cfg.Safety,
		execution:   cfg.Execution,
		exit:        cfg.Exit,
		workers:     cfg.Scheduler.Workers,
	}, logger)

	return &App{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		monitor: monitorSvc,
		halts:   halts,
		orch:    orch,
	}, nil
}

// newBroker 按配置创建券商客户端，并统一包装重试与限流。
func newBroker(cfg *config.Config, logger *zap.Logger) (broker.Broker, error) {
	var (
		next broker.Broker
		err  error
	)
	switch strings.ToLower(cfg.Broker.Name) {
	case "alpaca":
		next, err = alpaca.NewClient(cfg.Broker, logger)
	case "deribit":
		next, err = deribit.NewClient(cfg.Deribit, logger)
	case "paper":
		logger.Info("使用内存模拟盘")
		next = paper.New(logger)
	default:
		err = fmt.Errorf("不支持的券商 %q", cfg.Broker.Name)
	}
	if err != nil {
		return nil, err
	}

	policy := broker.NewRetryPolicy(cfg.Broker.Retry, cfg.Broker.CallTimeout, logger)
	limiter := broker.NewLimiter(cfg.Broker.RateLimit.Concurrency, cfg.Broker.RateLimit.MinInterval)
	return broker.NewGuarded(next, policy, limiter, logger), nil
}

// Monitor 返回监控服务。
func (a *App) Monitor() *monitor.Service {
	return a.monitor
}

// Halts 返回暂停登记表。
func (a *App) Halts() *safety.HaltRegistry {
	return a.halts
}

// RunOnce 执行单个批次。
func (a *App) RunOnce(ctx context.Context) (BatchReport, error) {
	return a.orch.Tick(ctx)
}

// OpenSpread 开一组价差。
func (a *App) OpenSpread(ctx context.Context, spec execution.OpenSpec) (execution.Result, error) {
	return a.orch.OpenSpread(ctx, spec)
}

// Positions 返回分组后的持仓。
func (a *App) Positions(ctx context.Context) ([]position.SpreadPosition, error) {
	return a.orch.Positions(ctx)
}

// Run 按固定间隔循环执行批次，直到收到退出信号。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("价差管理系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("broker", a.cfg.Broker.Name),
		zap.Bool("dry_run", a.cfg.Execution.DryRun),
		zap.Bool("signals", a.cfg.OpenAI.Enabled),
	)

	if a.cfg.Monitor.Enabled {
		startMonitorServer(ctx, newMonitorRouter(a.monitor, a.halts, a.logger), a.cfg.Monitor.Port, a.logger)
	}

	loopInterval := a.cfg.Scheduler.LoopInterval
	if loopInterval <= 0 {
		loopInterval = 5 * time.Minute
	}

	if _, err := a.orch.Tick(ctx); err != nil {
		a.logger.Error("首次执行失败", zap.Error(err))
	}

	ticker := time.NewTicker(loopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("系统异常退出: %w", err)
			}
			a.logger.Info("系统收到退出信号，正在停止")
			return nil
		case <-ticker.C:
			if _, err := a.orch.Tick(ctx); err != nil {
				a.logger.Error("执行调度失败", zap.Error(err))
			}
		}
	}
}
