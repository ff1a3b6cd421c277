package position

import (
	"spreads-ai/internal/broker"
	"spreads-ai/internal/occ"
)

// LegFromPosition 将券商持仓解析为期权腿。解析失败时仍返回仅含代码与价格的腿以及错误。
func LegFromPosition(p broker.Position) (OptionLeg, error) {
	leg := OptionLeg{
		Symbol:       p.Symbol,
		Quantity:     p.Quantity,
		EntryPrice:   p.AvgEntryPrice,
		CurrentPrice: p.CurrentPrice,
	}

	contract, err := occ.Decode(p.Symbol)
	if err != nil {
		return leg, err
	}

	leg.Underlying = contract.Underlying
	leg.Expiry = contract.Expiry
	leg.Type = contract.Type
	leg.Strike = contract.Strike
	return leg, nil
}
