package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"spreads-ai/internal/app"
	"spreads-ai/internal/config"
	"spreads-ai/internal/log"
	"spreads-ai/internal/store"
)

// errExecutionFailed 表示存在 FAILED / ORPHAN / UNCONFIRMED 的执行，命令以非零码退出。
var errExecutionFailed = errors.New("存在未成功完成的执行，请检查告警")

type rootOptions struct {
	configPath string
	dryRun     bool
	jsonOutput bool
}

// session 为单次命令所需的已装配组件。
type session struct {
	logger *zap.Logger
	store  *store.Store
	app    *app.App
}

func (s *session) Close() {
	if err := s.store.Close(); err != nil {
		s.logger.Warn("关闭数据库失败", zap.Error(err))
	}
	_ = s.logger.Sync()
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "spreadbot",
		Short: "多腿期权信用价差生命周期管理",
		Long: `管理牛市看跌价差、熊市看涨价差与铁鹰的开仓、平仓与异常处理。

示例:
  spreadbot manage --dry-run        # 执行一个批次，只打印计划不下单
  spreadbot run                     # 循环执行批次并启动监控接口
  spreadbot open --structure bull_put --underlying SPY --expiry 2025-03-21 \
      --qty 1 --put-short 445 --put-long 440 --put-short-price 1.20 --put-long-price 0.55`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	cmd.PersistentFlags().BoolVar(&opts.dryRun, "dry-run", false, "只记录计划，不向券商发送订单")
	cmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "以 JSON 格式输出")

	cmd.AddCommand(
		newRunCmd(opts),
		newManageCmd(opts),
		newOpenCmd(opts),
		newPositionsCmd(opts),
		newAlertsCmd(opts),
		newHaltsCmd(opts),
	)
	return cmd
}

// bootstrap 加载配置并装配应用；调用方负责 Close。
func bootstrap(ctx context.Context, opts *rootOptions) (*session, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if opts.dryRun {
		cfg.Execution.DryRun = true
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	sqliteStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}

	application, err := app.New(ctx, cfg, logger, sqliteStore)
	if err != nil {
		_ = sqliteStore.Close()
		_ = logger.Sync()
		return nil, err
	}

	return &session{logger: logger, store: sqliteStore, app: application}, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
