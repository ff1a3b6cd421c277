package safety

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"spreads-ai/internal/config"
	"spreads-ai/internal/occ"
)

// Reason 为闸门判定结果。
type Reason string

const (
	Allowed              Reason = "ALLOWED"
	BlockedTicker        Reason = "BLOCKED_TICKER"
	BlockedEarnings      Reason = "BLOCKED_EARNINGS"
	BlockedPositionLimit Reason = "BLOCKED_POSITION_LIMIT"
	BlockedHalted        Reason = "BLOCKED_HALTED"
)

// Window 为禁入区间，按 UTC 日历日比较，首尾均包含。
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains 判断 now 是否落在区间内。
func (w Window) Contains(now time.Time) bool {
	day := dayOf(now)
	return !day.Before(dayOf(w.Start)) && !day.After(dayOf(w.End))
}

// Config 为闸门的只读参数快照。
type Config struct {
	Whitelist      map[string]struct{}
	Blackouts      map[string][]Window
	MaxOpenSpreads int
	MaxContracts   int64
}

// NewConfig 从配置构建闸门参数，标的统一转为大写。
func NewConfig(cfg config.SafetyConfig) Config {
	out := Config{
		Whitelist:      make(map[string]struct{}, len(cfg.Whitelist)),
		Blackouts:      make(map[string][]Window, len(cfg.Blackouts)),
		MaxOpenSpreads: cfg.MaxOpenSpreads,
		MaxContracts:   cfg.MaxContracts,
	}
	for _, ticker := range cfg.Whitelist {
		out.Whitelist[strings.ToUpper(strings.TrimSpace(ticker))] = struct{}{}
	}
	for ticker, windows := range cfg.NormalizedBlackouts() {
		for _, w := range windows {
			out.Blackouts[ticker] = append(out.Blackouts[ticker], Window{Start: w.Start, End: w.End})
		}
	}
	return out
}

// Intent 描述一次开仓意图以及判定所需的状态快照。
type Intent struct {
	// Symbol 可以是标的代码或 OCC 期权代码。
	Symbol            string
	OpenSpreads       int
	OpenContracts     int64
	IntendedSpreads   int
	IntendedContracts int64
	// Halted 为当前被暂停的标的集合。
	Halted map[string]struct{}
}

// Validate 按固定顺序执行检查，返回首个不通过的原因。无副作用。
func Validate(intent Intent, cfg Config, now time.Time) (bool, Reason) {
	underlying, err := occ.UnderlyingOf(intent.Symbol)
	if err != nil {
		return false, BlockedTicker
	}
	if _, ok := cfg.Whitelist[underlying]; !ok {
		return false, BlockedTicker
	}

	for _, w := range cfg.Blackouts[underlying] {
		if w.Contains(now) {
			return false, BlockedEarnings
		}
	}

	if intent.OpenSpreads+intent.IntendedSpreads > cfg.MaxOpenSpreads {
		return false, BlockedPositionLimit
	}
	if intent.OpenContracts+intent.IntendedContracts > cfg.MaxContracts {
		return false, BlockedPositionLimit
	}

	if _, halted := intent.Halted[underlying]; halted {
		return false, BlockedHalted
	}

	return true, Allowed
}

// Gate 在 Validate 之上附加日志与错误返回。
type Gate struct {
	cfg    Config
	logger *zap.Logger
}

// NewGate 创建闸门。
func NewGate(cfg Config, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{cfg: cfg, logger: logger}
}

// Check 判定开仓意图，拒绝时返回 *ValidationError。
func (g *Gate) Check(intent Intent, now time.Time) error {
	allowed, reason := Validate(intent, g.cfg, now)
	if allowed {
		g.logger.Debug("安全检查通过", zap.String("symbol", intent.Symbol))
		return nil
	}

	g.logger.Warn("安全检查拒绝开仓",
		zap.String("symbol", intent.Symbol),
		zap.String("reason", string(reason)),
		zap.Int("open_spreads", intent.OpenSpreads),
		zap.Int64("open_contracts", intent.OpenContracts),
		zap.Int("intended_spreads", intent.IntendedSpreads),
		zap.Int64("intended_contracts", intent.IntendedContracts),
	)
	return &ValidationError{Symbol: intent.Symbol, Reason: reason}
}

func dayOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
