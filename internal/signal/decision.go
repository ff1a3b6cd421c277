package signal

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"spreads-ai/internal/broker"
	"spreads-ai/internal/execution"
	"spreads-ai/internal/occ"
	"spreads-ai/internal/position"
)

// Action 为模型可返回的封闭动作集合。
type Action string

const (
	OpenBullPut    Action = "OPEN_BULL_PUT"
	OpenBearCall   Action = "OPEN_BEAR_CALL"
	OpenIronCondor Action = "OPEN_IRON_CONDOR"
	Close          Action = "CLOSE"
	Hold           Action = "HOLD"
)

const (
	expiryLayout = "2006-01-02"
	// maxSignalContracts 为单条信号允许的最大张数，最终仍受安全闸门限制。
	maxSignalContracts = 100
)

// Vertical 与执行层保持一致。
type Vertical = execution.Vertical

var structures = map[Action]position.StructureType{
	OpenBullPut:    position.BullPutSpread,
	OpenBearCall:   position.BearCallSpread,
	OpenIronCondor: position.IronCondor,
}

// IsOpen 是否为开仓动作。
func (a Action) IsOpen() bool {
	_, ok := structures[a]
	return ok
}

// Decision 为校验通过的类型化决策。
type Decision struct {
	Action     Action
	Underlying string
	// Expiry 仅 CLOSE 可选，零值表示该标的全部价差。
	Expiry     time.Time
	Confidence float64
	Reasoning  string
	// Open 仅开仓动作非空。
	Open *execution.OpenSpec
}

type wireVertical struct {
	ShortStrike string `json:"short_strike"`
	LongStrike  string `json:"long_strike"`
	ShortPrice  string `json:"short_price"`
	LongPrice   string `json:"long_price"`
}

// wireDecision 为模型输出的 JSON 结构，不允许出现未知字段。
type wireDecision struct {
	Action     string        `json:"action"`
	Underlying string        `json:"underlying"`
	Expiry     string        `json:"expiry"`
	Quantity   int64         `json:"quantity"`
	Puts       *wireVertical `json:"puts"`
	Calls      *wireVertical `json:"calls"`
	Confidence float64       `json:"confidence"`
	Reasoning  string        `json:"reasoning"`
}

// Parse 将模型原始输出严格解析为决策，任何不符合结构的内容都会被拒绝。
func Parse(content string) (Decision, error) {
	payload, err := stripFence(content)
	if err != nil {
		return Decision{}, err
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()

	var wire wireDecision
	if err := dec.Decode(&wire); err != nil {
		return Decision{}, fmt.Errorf("signal: 决策 JSON 不符合结构: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Decision{}, errors.New("signal: 决策 JSON 之后存在多余内容")
	}

	return wire.validate()
}

// stripFence 只接受纯 JSON 对象或被单个 ``` 代码块包裹的 JSON 对象。
func stripFence(content string) ([]byte, error) {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			lang := strings.TrimSpace(s[:nl])
			if lang != "" && !strings.EqualFold(lang, "json") {
				return nil, fmt.Errorf("signal: 不支持的代码块类型 %q", lang)
			}
			s = s[nl+1:]
		}
		if !strings.HasSuffix(s, "```") {
			return nil, errors.New("signal: 代码块未闭合")
		}
		s = strings.TrimSpace(strings.TrimSuffix(s, "```"))
	}
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return nil, errors.New("signal: 模型输出不是 JSON 对象")
	}
	return []byte(s), nil
}

func (w wireDecision) validate() (Decision, error) {
	action := Action(strings.ToUpper(strings.TrimSpace(w.Action)))
	d := Decision{
		Action:     action,
		Underlying: strings.ToUpper(strings.TrimSpace(w.Underlying)),
		Confidence: w.Confidence,
		Reasoning:  strings.TrimSpace(w.Reasoning),
	}

	var errs error
	switch {
	case action == Hold, action == Close, action.IsOpen():
	default:
		return Decision{}, fmt.Errorf("signal: action 取值非法 %q", w.Action)
	}
	if d.Underlying == "" {
		errs = multierr.Append(errs, errors.New("underlying 不能为空"))
	}
	if w.Confidence < 0 || w.Confidence > 1 {
		errs = multierr.Append(errs, fmt.Errorf("confidence 必须位于 [0,1]，当前为 %f", w.Confidence))
	}
	if d.Reasoning == "" {
		errs = multierr.Append(errs, errors.New("reasoning 不能为空"))
	}

	if w.Expiry != "" {
		expiry, err := time.ParseInLocation(expiryLayout, w.Expiry, time.UTC)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("expiry 格式非法 %q", w.Expiry))
		}
		d.Expiry = expiry
	}

	if !action.IsOpen() {
		if w.Puts != nil || w.Calls != nil || w.Quantity != 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s 不应包含开仓字段", action))
		}
		if errs != nil {
			return Decision{}, fmt.Errorf("signal: 决策校验失败: %w", errs)
		}
		return d, nil
	}

	if d.Expiry.IsZero() {
		errs = multierr.Append(errs, errors.New("开仓必须给出 expiry"))
	}
	if w.Quantity <= 0 || w.Quantity > maxSignalContracts {
		errs = multierr.Append(errs, fmt.Errorf("quantity 必须位于 [1,%d]，当前为 %d", maxSignalContracts, w.Quantity))
	}
	wantPuts := action == OpenBullPut || action == OpenIronCondor
	wantCalls := action == OpenBearCall || action == OpenIronCondor
	if wantPuts != (w.Puts != nil) {
		errs = multierr.Append(errs, fmt.Errorf("%s 的 puts 字段与动作不符", action))
	}
	if wantCalls != (w.Calls != nil) {
		errs = multierr.Append(errs, fmt.Errorf("%s 的 calls 字段与动作不符", action))
	}
	if errs != nil {
		return Decision{}, fmt.Errorf("signal: 决策校验失败: %w", errs)
	}

	spec := &execution.OpenSpec{
		Structure: structures[action],
		Quantity:  w.Quantity,
		Reason:    "signal: " + d.Reasoning,
	}
	if w.Puts != nil {
		v, err := w.Puts.vertical(d.Underlying, d.Expiry, occ.Put)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("puts: %w", err))
		}
		spec.Puts = v
	}
	if w.Calls != nil {
		v, err := w.Calls.vertical(d.Underlying, d.Expiry, occ.Call)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("calls: %w", err))
		}
		spec.Calls = v
	}
	if errs != nil {
		return Decision{}, fmt.Errorf("signal: 决策校验失败: %w", errs)
	}

	// 结构一致性由计划构建器复核，这里提前拒绝。
	if _, err := execution.NewOpenPlan(withMarket(*spec)); err != nil {
		return Decision{}, fmt.Errorf("signal: 决策无法构成有效价差: %w", err)
	}

	d.Open = spec
	return d, nil
}

func (v wireVertical) vertical(underlying string, expiry time.Time, typ occ.OptionType) (*Vertical, error) {
	short, err := encodeLeg(underlying, expiry, typ, v.ShortStrike)
	if err != nil {
		return nil, err
	}
	long, err := encodeLeg(underlying, expiry, typ, v.LongStrike)
	if err != nil {
		return nil, err
	}
	shortPrice, err := optionalPrice(v.ShortPrice)
	if err != nil {
		return nil, fmt.Errorf("short_price: %w", err)
	}
	longPrice, err := optionalPrice(v.LongPrice)
	if err != nil {
		return nil, fmt.Errorf("long_price: %w", err)
	}
	return &Vertical{Short: short, Long: long, ShortPrice: shortPrice, LongPrice: longPrice}, nil
}

func encodeLeg(underlying string, expiry time.Time, typ occ.OptionType, strike string) (string, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(strike))
	if err != nil {
		return "", fmt.Errorf("行权价非法 %q", strike)
	}
	return occ.Encode(occ.Contract{Underlying: underlying, Expiry: expiry, Type: typ, Strike: value})
}

func optionalPrice(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("价格非法 %q", raw)
	}
	if price.IsNegative() {
		return decimal.Zero, fmt.Errorf("价格不能为负 %q", raw)
	}
	return price, nil
}

func withMarket(spec execution.OpenSpec) execution.OpenSpec {
	spec.OrderType = broker.OrderTypeMarket
	return spec
}
