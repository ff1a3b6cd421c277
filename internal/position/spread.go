package position

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"spreads-ai/internal/occ"
)

// ContractMultiplier 为每张期权合约对应的标的股数。
const ContractMultiplier = 100

var multiplier = decimal.NewFromInt(ContractMultiplier)

// StructureType 为价差结构分类。
type StructureType string

const (
	BullPutSpread  StructureType = "BULL_PUT_SPREAD"
	BearCallSpread StructureType = "BEAR_CALL_SPREAD"
	IronCondor     StructureType = "IRON_CONDOR"
	Partial        StructureType = "PARTIAL"
	Unrecognized   StructureType = "UNRECOGNIZED"
)

// IsComplete 表示结构属于可管理的完整价差。
func (s StructureType) IsComplete() bool {
	switch s {
	case BullPutSpread, BearCallSpread, IronCondor:
		return true
	default:
		return false
	}
}

// OptionLeg 为单腿持仓快照，Quantity 为带符号张数（空头为负）。
type OptionLeg struct {
	Symbol       string
	Underlying   string
	Expiry       time.Time
	Type         occ.OptionType
	Strike       decimal.Decimal
	Quantity     int64
	EntryPrice   decimal.Decimal
	CurrentPrice decimal.Decimal
}

// IsShort 是否为空头腿。
func (l OptionLeg) IsShort() bool {
	return l.Quantity < 0
}

// AbsQuantity 返回张数绝对值。
func (l OptionLeg) AbsQuantity() int64 {
	if l.Quantity < 0 {
		return -l.Quantity
	}
	return l.Quantity
}

// UnrealizedPnL = (现价 - 入场价) × 带符号张数 × 100。
func (l OptionLeg) UnrealizedPnL() decimal.Decimal {
	return l.CurrentPrice.Sub(l.EntryPrice).Mul(decimal.NewFromInt(l.Quantity)).Mul(multiplier)
}

// Credit 空头腿的入场权利金收入，多头腿为 0。
func (l OptionLeg) Credit() decimal.Decimal {
	if !l.IsShort() {
		return decimal.Zero
	}
	return l.EntryPrice.Mul(decimal.NewFromInt(l.AbsQuantity())).Mul(multiplier)
}

// SpreadPosition 为同一标的、同一到期日的腿分组。Legs 非空。
type SpreadPosition struct {
	Underlying     string
	Expiry         time.Time
	Structure      StructureType
	Legs           []OptionLeg
	CreditReceived decimal.Decimal
	CurrentPnL     decimal.Decimal
}

// NewSpread 根据腿计算权利金与浮动盈亏。
func NewSpread(underlying string, expiry time.Time, structure StructureType, legs []OptionLeg) SpreadPosition {
	credit := decimal.Zero
	pnl := decimal.Zero
	for _, leg := range legs {
		credit = credit.Add(leg.Credit())
		pnl = pnl.Add(leg.UnrealizedPnL())
	}
	return SpreadPosition{
		Underlying:     underlying,
		Expiry:         expiry,
		Structure:      structure,
		Legs:           legs,
		CreditReceived: credit,
		CurrentPnL:     pnl,
	}
}

// Key 返回分组键。
func (s SpreadPosition) Key() string {
	if s.Structure == Unrecognized && len(s.Legs) > 0 {
		return s.Legs[0].Symbol
	}
	return fmt.Sprintf("%s %s", s.Underlying, s.Expiry.Format("2006-01-02"))
}

// DTE 返回距到期的自然日数（按 UTC 日历日计算，已过期为负）。
func (s SpreadPosition) DTE(now time.Time) int {
	return DaysBetween(now, s.Expiry)
}

// Contracts 返回价差规模（各腿张数绝对值的最大值）。
func (s SpreadPosition) Contracts() int64 {
	var max int64
	for _, leg := range s.Legs {
		if q := leg.AbsQuantity(); q > max {
			max = q
		}
	}
	return max
}

// DaysBetween 计算两个时间点之间的 UTC 日历日差。
func DaysBetween(from, to time.Time) int {
	f := from.UTC()
	t := to.UTC()
	fd := time.Date(f.Year(), f.Month(), f.Day(), 0, 0, 0, 0, time.UTC)
	td := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return int(td.Sub(fd).Hours() / 24)
}
