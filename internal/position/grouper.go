package position

import (
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"spreads-ai/internal/broker"
	"spreads-ai/internal/occ"
)

// Grouper 将券商持仓重建为价差结构。
type Grouper struct {
	logger *zap.Logger
}

// NewGrouper 创建分组器。
func NewGrouper(logger *zap.Logger) *Grouper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Grouper{logger: logger}
}

// Group 解析券商持仓并分组。正股被忽略；无法解析的期权代码各自成为 UNRECOGNIZED 分组。
func (g *Grouper) Group(holdings []broker.Position) []SpreadPosition {
	legs := make([]OptionLeg, 0, len(holdings))
	for _, h := range holdings {
		if h.Quantity == 0 {
			continue
		}
		leg, err := LegFromPosition(h)
		if err != nil {
			if occ.IsEquity(err) {
				g.logger.Debug("忽略正股持仓", zap.String("symbol", h.Symbol))
				continue
			}
			var malformed *occ.MalformedSymbolError
			if errors.As(err, &malformed) {
				g.logger.Warn("持仓代码无法解析，标记为 UNRECOGNIZED",
					zap.String("symbol", h.Symbol),
					zap.String("reason", malformed.Reason),
				)
			}
		}
		legs = append(legs, leg)
	}
	return g.GroupLegs(legs)
}

// GroupLegs 对腿按（标的, 到期日）分组并识别结构，输出顺序确定。未解析的腿各自成组。
func (g *Grouper) GroupLegs(legs []OptionLeg) []SpreadPosition {
	type groupKey struct {
		underlying string
		expiry     int64
	}

	buckets := make(map[groupKey][]OptionLeg)
	var unknown []SpreadPosition
	for _, leg := range legs {
		if leg.Underlying == "" || leg.Expiry.IsZero() {
			unknown = append(unknown, NewSpread("", time.Time{}, Unrecognized, []OptionLeg{leg}))
			continue
		}
		key := groupKey{underlying: leg.Underlying, expiry: leg.Expiry.Unix()}
		buckets[key] = append(buckets[key], leg)
	}

	spreads := make([]SpreadPosition, 0, len(buckets)+len(unknown))
	for key, bucket := range buckets {
		sortLegs(bucket)
		structure := Classify(bucket)
		if structure == Partial {
			g.logger.Warn("发现不完整或无法识别的价差组合",
				zap.String("underlying", key.underlying),
				zap.Time("expiry", bucket[0].Expiry),
				zap.Int("legs", len(bucket)),
				zap.Strings("symbols", symbols(bucket)),
			)
		}
		spreads = append(spreads, NewSpread(key.underlying, bucket[0].Expiry, structure, bucket))
	}
	spreads = append(spreads, unknown...)
	sortSpreads(spreads)
	return spreads
}

// Classify 识别腿组的结构，调用方需保证腿属于同一标的与到期日。
func Classify(legs []OptionLeg) StructureType {
	var puts, calls []OptionLeg
	for _, leg := range legs {
		if leg.Quantity == 0 {
			return Partial
		}
		switch leg.Type {
		case occ.Put:
			puts = append(puts, leg)
		case occ.Call:
			calls = append(calls, leg)
		default:
			return Partial
		}
	}

	switch {
	case len(legs) == 2 && len(puts) == 2:
		if isVertical(puts) && shortOf(puts).Strike.GreaterThan(longOf(puts).Strike) {
			return BullPutSpread
		}
	case len(legs) == 2 && len(calls) == 2:
		if isVertical(calls) && shortOf(calls).Strike.LessThan(longOf(calls).Strike) {
			return BearCallSpread
		}
	case len(legs) == 4 && len(puts) == 2 && len(calls) == 2:
		if isIronCondor(puts, calls) {
			return IronCondor
		}
	}
	return Partial
}

// isVertical 一空一多且张数相等。
func isVertical(pair []OptionLeg) bool {
	if len(pair) != 2 {
		return false
	}
	a, b := pair[0], pair[1]
	return a.IsShort() != b.IsShort() && a.AbsQuantity() == b.AbsQuantity()
}

// isIronCondor 要求：低行权价看跌多头、高行权价看跌空头、低行权价看涨空头、高行权价看涨多头，四腿张数相等。
func isIronCondor(puts, calls []OptionLeg) bool {
	lowPut, highPut := byStrike(puts)
	lowCall, highCall := byStrike(calls)

	if lowPut.IsShort() || !highPut.IsShort() || !lowCall.IsShort() || highCall.IsShort() {
		return false
	}
	size := lowPut.AbsQuantity()
	if highPut.AbsQuantity() != size || lowCall.AbsQuantity() != size || highCall.AbsQuantity() != size {
		return false
	}
	return !highPut.Strike.GreaterThan(lowCall.Strike)
}

func byStrike(pair []OptionLeg) (low, high OptionLeg) {
	if pair[0].Strike.LessThanOrEqual(pair[1].Strike) {
		return pair[0], pair[1]
	}
	return pair[1], pair[0]
}

func shortOf(pair []OptionLeg) OptionLeg {
	if pair[0].IsShort() {
		return pair[0]
	}
	return pair[1]
}

func longOf(pair []OptionLeg) OptionLeg {
	if pair[0].IsShort() {
		return pair[1]
	}
	return pair[0]
}

func sortLegs(legs []OptionLeg) {
	sort.SliceStable(legs, func(i, j int) bool {
		a, b := legs[i], legs[j]
		if a.Type != b.Type {
			return a.Type == occ.Put
		}
		if !a.Strike.Equal(b.Strike) {
			return a.Strike.LessThan(b.Strike)
		}
		return a.Symbol < b.Symbol
	})
}

func sortSpreads(spreads []SpreadPosition) {
	sort.SliceStable(spreads, func(i, j int) bool {
		a, b := spreads[i], spreads[j]
		aUnknown, bUnknown := a.Structure == Unrecognized, b.Structure == Unrecognized
		if aUnknown != bUnknown {
			return !aUnknown
		}
		if a.Underlying != b.Underlying {
			return a.Underlying < b.Underlying
		}
		if !a.Expiry.Equal(b.Expiry) {
			return a.Expiry.Before(b.Expiry)
		}
		return a.Legs[0].Symbol < b.Legs[0].Symbol
	})
}

func symbols(legs []OptionLeg) []string {
	out := make([]string, 0, len(legs))
	for _, leg := range legs {
		out = append(out, leg.Symbol)
	}
	return out
}
