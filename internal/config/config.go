package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "spreads"
	dateLayout        = "2006-01-02"
)

// Load 读取配置文件并结合环境变量返回 Config；当前目录存在 .env 时先加载。
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("加载 .env 失败: %w", err)
	}

	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.Safety.Blackouts = cfg.Safety.NormalizedBlackouts()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("broker.name", "paper")
	v.SetDefault("broker.base_url", "https://paper-api.alpaca.markets")
	v.SetDefault("broker.call_timeout", "10s")
	v.SetDefault("broker.retry.max_attempts", 4)
	v.SetDefault("broker.retry.min_delay", "500ms")
	v.SetDefault("broker.retry.max_delay", "5s")
	v.SetDefault("broker.rate_limit.concurrency", 1)
	v.SetDefault("broker.rate_limit.min_interval", "300ms")

	v.SetDefault("deribit.use_sandbox", true)
	v.SetDefault("deribit.quote", "USD")
	v.SetDefault("deribit.contract_size", 1.0)

	v.SetDefault("openai.enabled", false)
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "gpt-4.1")
	v.SetDefault("openai.timeout", "15s")

	v.SetDefault("safety.max_open_spreads", 5)
	v.SetDefault("safety.max_contracts", 20)

	v.SetDefault("exit.dte_threshold", 7)
	v.SetDefault("exit.profit_target_ratio", 0.5)
	v.SetDefault("exit.stop_loss_ratio", 2.0)
	v.SetDefault("exit.slippage", 0.05)

	v.SetDefault("execution.dry_run", false)
	v.SetDefault("execution.order_type", "limit")
	v.SetDefault("execution.time_in_force", "day")
	v.SetDefault("execution.poll_interval", "1s")
	v.SetDefault("execution.poll_timeout", "30s")
	v.SetDefault("execution.reconcile_attempts", 3)
	v.SetDefault("execution.reconcile_delay", "2s")

	v.SetDefault("database.path", "data/spreads_ai.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
	v.SetDefault("logging.file.max_size", 100)
	v.SetDefault("logging.file.max_backups", 7)
	v.SetDefault("logging.file.max_age", 30)
	v.SetDefault("logging.file.compress", true)

	v.SetDefault("scheduler.loop_interval", "5m")
	v.SetDefault("scheduler.workers", 4)

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.port", 8090)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToTimeHookFunc(dateLayout),
		)
	}
}
