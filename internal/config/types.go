package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Deribit   DeribitConfig   `mapstructure:"deribit"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Safety    SafetyConfig    `mapstructure:"safety"`
	Exit      ExitConfig      `mapstructure:"exit"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// BrokerConfig 描述券商连接信息。
type BrokerConfig struct {
	// Name 取值 alpaca | deribit | paper。
	Name        string          `mapstructure:"name"`
	BaseURL     string          `mapstructure:"base_url"`
	APIKey      string          `mapstructure:"api_key"`
	APISecret   string          `mapstructure:"api_secret"`
	CallTimeout time.Duration   `mapstructure:"call_timeout"`
	Retry       RetryConfig     `mapstructure:"retry"`
	RateLimit   RateLimitConfig `mapstructure:"rate_limit"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// RateLimitConfig 控制账户级调用并发与间隔。
type RateLimitConfig struct {
	Concurrency int64         `mapstructure:"concurrency"`
	MinInterval time.Duration `mapstructure:"min_interval"`
}

// DeribitConfig 描述 Deribit 期权账户。
type DeribitConfig struct {
	APIKey       string  `mapstructure:"api_key"`
	APISecret    string  `mapstructure:"api_secret"`
	UseSandbox   bool    `mapstructure:"use_sandbox"`
	Quote        string  `mapstructure:"quote"`
	Settle       string  `mapstructure:"settle"`
	ContractSize float64 `mapstructure:"contract_size"`
}

// OpenAIConfig 描述信号模型调用参数。
type OpenAIConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Underlyings []string      `mapstructure:"underlyings"`
}

// SafetyConfig 为开仓前的安全闸门参数，运行期间只读。
type SafetyConfig struct {
	Whitelist      []string                    `mapstructure:"whitelist"`
	MaxOpenSpreads int                         `mapstructure:"max_open_spreads"`
	MaxContracts   int64                       `mapstructure:"max_contracts"`
	Blackouts      map[string][]BlackoutWindow `mapstructure:"blackouts"`
}

// BlackoutWindow 为财报禁入区间，首尾日期均包含在内。
type BlackoutWindow struct {
	Start time.Time `mapstructure:"start"`
	End   time.Time `mapstructure:"end"`
}

// ExitConfig 控制平仓规则。
type ExitConfig struct {
	DTEThreshold      int     `mapstructure:"dte_threshold"`
	ProfitTargetRatio float64 `mapstructure:"profit_target_ratio"`
	StopLossRatio     float64 `mapstructure:"stop_loss_ratio"`
	// Slippage 为平仓限价相对现价的让价（每张合约美元）。
	Slippage float64 `mapstructure:"slippage"`
}

// ExecutionConfig 控制多腿执行的节奏。
type ExecutionConfig struct {
	DryRun            bool          `mapstructure:"dry_run"`
	OrderType         string        `mapstructure:"order_type"`
	TimeInForce       string        `mapstructure:"time_in_force"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	PollTimeout       time.Duration `mapstructure:"poll_timeout"`
	ReconcileAttempts int           `mapstructure:"reconcile_attempts"`
	ReconcileDelay    time.Duration `mapstructure:"reconcile_delay"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string        `mapstructure:"level"`
	Encoding         string        `mapstructure:"encoding"`
	Development      bool          `mapstructure:"development"`
	OutputPaths      []string      `mapstructure:"output_paths"`
	ErrorOutputPaths []string      `mapstructure:"error_output_paths"`
	File             LogFileConfig `mapstructure:"file"`
}

// LogFileConfig 控制滚动日志文件，Path 为空时不写文件。
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// SchedulerConfig 控制主循环节奏。
type SchedulerConfig struct {
	LoopInterval time.Duration `mapstructure:"loop_interval"`
	Workers      int           `mapstructure:"workers"`
}

// MonitorConfig 控制监控 HTTP 接口。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// NormalizedBlackouts 返回以大写标的为键的禁入区间（viper 会将 map 键转为小写）。
func (s SafetyConfig) NormalizedBlackouts() map[string][]BlackoutWindow {
	out := make(map[string][]BlackoutWindow, len(s.Blackouts))
	for ticker, windows := range s.Blackouts {
		key := strings.ToUpper(strings.TrimSpace(ticker))
		out[key] = append(out[key], windows...)
	}
	return out
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}

	switch strings.ToLower(c.Broker.Name) {
	case "alpaca":
		if c.Broker.APIKey == "" || c.Broker.APISecret == "" {
			err = multierr.Append(err, errors.New("alpaca 需要配置 broker.api_key 与 broker.api_secret"))
		}
	case "deribit":
		if c.Deribit.APIKey == "" || c.Deribit.APISecret == "" {
			err = multierr.Append(err, errors.New("deribit 需要配置 deribit.api_key 与 deribit.api_secret"))
		}
	case "paper":
	default:
		err = multierr.Append(err, fmt.Errorf("broker.name 取值非法: %q", c.Broker.Name))
	}
	if c.Broker.CallTimeout <= 0 {
		err = multierr.Append(err, errors.New("broker.call_timeout 必须大于0"))
	}
	if c.Broker.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("broker.retry.max_attempts 必须大于0"))
	}
	if c.Broker.Retry.MinDelay <= 0 || c.Broker.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("broker.retry.delay 必须为正"))
	}
	if c.Broker.Retry.MinDelay > c.Broker.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("broker.retry.min_delay 不能大于 max_delay"))
	}
	if c.Broker.RateLimit.Concurrency <= 0 {
		err = multierr.Append(err, errors.New("broker.rate_limit.concurrency 必须大于0"))
	}
	if c.Broker.RateLimit.MinInterval < 0 {
		err = multierr.Append(err, errors.New("broker.rate_limit.min_interval 不能为负"))
	}

	if c.OpenAI.Enabled {
		if c.OpenAI.APIKey == "" {
			err = multierr.Append(err, errors.New("openai.api_key 不能为空"))
		}
		if c.OpenAI.Model == "" {
			err = multierr.Append(err, errors.New("openai.model 不能为空"))
		}
		if c.OpenAI.Timeout <= 0 {
			err = multierr.Append(err, errors.New("openai.timeout 必须大于0"))
		}
		if len(c.OpenAI.Underlyings) == 0 {
			err = multierr.Append(err, errors.New("openai.underlyings 至少包含一个标的"))
		}
	}

	if len(c.Safety.Whitelist) == 0 {
		err = multierr.Append(err, errors.New("safety.whitelist 至少包含一个标的"))
	}
	if c.Safety.MaxOpenSpreads <= 0 {
		err = multierr.Append(err, errors.New("safety.max_open_spreads 必须大于0"))
	}
	if c.Safety.MaxContracts <= 0 {
		err = multierr.Append(err, errors.New("safety.max_contracts 必须大于0"))
	}
	for ticker, windows := range c.Safety.Blackouts {
		for _, w := range windows {
			if w.Start.IsZero() || w.End.IsZero() {
				err = multierr.Append(err, fmt.Errorf("safety.blackouts.%s 起止日期不能为空", ticker))
				continue
			}
			if w.End.Before(w.Start) {
				err = multierr.Append(err, fmt.Errorf("safety.blackouts.%s 结束日期早于开始日期", ticker))
			}
		}
	}

	if c.Exit.DTEThreshold < 0 {
		err = multierr.Append(err, errors.New("exit.dte_threshold 不能为负"))
	}
	if c.Exit.ProfitTargetRatio <= 0 || c.Exit.ProfitTargetRatio > 1 {
		err = multierr.Append(err, errors.New("exit.profit_target_ratio 必须位于(0,1]"))
	}
	if c.Exit.StopLossRatio <= 0 {
		err = multierr.Append(err, errors.New("exit.stop_loss_ratio 必须大于0"))
	}
	if c.Exit.Slippage < 0 {
		err = multierr.Append(err, errors.New("exit.slippage 不能为负"))
	}

	switch strings.ToLower(c.Execution.OrderType) {
	case "limit", "market":
	default:
		err = multierr.Append(err, fmt.Errorf("execution.order_type 取值非法: %q", c.Execution.OrderType))
	}
	switch strings.ToLower(c.Execution.TimeInForce) {
	case "day", "gtc", "ioc":
	default:
		err = multierr.Append(err, fmt.Errorf("execution.time_in_force 取值非法: %q", c.Execution.TimeInForce))
	}
	if c.Execution.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("execution.poll_interval 必须大于0"))
	}
	if c.Execution.PollTimeout < c.Execution.PollInterval {
		err = multierr.Append(err, errors.New("execution.poll_timeout 不应小于 poll_interval"))
	}
	if c.Execution.ReconcileAttempts <= 0 {
		err = multierr.Append(err, errors.New("execution.reconcile_attempts 必须大于0"))
	}
	if c.Execution.ReconcileDelay < 0 {
		err = multierr.Append(err, errors.New("execution.reconcile_delay 不能为负"))
	}

	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}

	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if c.Scheduler.LoopInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.loop_interval 必须大于0"))
	}
	if c.Scheduler.Workers <= 0 {
		err = multierr.Append(err, errors.New("scheduler.workers 必须大于0"))
	}

	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 必须位于[1,65535]"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
