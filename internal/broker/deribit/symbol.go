package deribit

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"spreads-ai/internal/occ"
)

// symbolMapper 在 ccxt 统一期权代码（BTC/USD:BTC-250328-60000-C）与 OCC 代码之间转换。
type symbolMapper struct {
	quote  string
	settle string
}

// isOption 按 ccxt 期权代码形态（结算币-到期日-行权价-类型）判断，永续与期货返回 false。
func isOption(unified string) bool {
	idx := strings.Index(unified, ":")
	if idx < 0 {
		return false
	}
	return len(strings.Split(unified[idx+1:], "-")) == 4
}

func (m symbolMapper) toOCC(unified string) (string, error) {
	if !isOption(unified) {
		return "", fmt.Errorf("deribit: 非期权代码 %q", unified)
	}
	idx := strings.Index(unified, ":")
	parts := strings.Split(unified[idx+1:], "-")

	slash := strings.Index(unified, "/")
	if slash <= 0 || slash > idx {
		return "", fmt.Errorf("deribit: 缺少标的 %q", unified)
	}
	base := unified[:slash]

	expiry, err := time.ParseInLocation("060102", parts[1], time.UTC)
	if err != nil {
		return "", fmt.Errorf("deribit: 到期日非法 %q: %w", unified, err)
	}
	strike, err := decimal.NewFromString(parts[2])
	if err != nil {
		return "", fmt.Errorf("deribit: 行权价非法 %q: %w", unified, err)
	}

	var typ occ.OptionType
	switch strings.ToUpper(parts[3]) {
	case "C":
		typ = occ.Call
	case "P":
		typ = occ.Put
	default:
		return "", fmt.Errorf("deribit: 期权类型非法 %q", unified)
	}

	return occ.Encode(occ.Contract{
		Underlying: base,
		Expiry:     expiry,
		Type:       typ,
		Strike:     strike,
	})
}

func (m symbolMapper) fromOCC(symbol string) (string, error) {
	contract, err := occ.Decode(symbol)
	if err != nil {
		return "", err
	}
	settle := m.settle
	if settle == "" {
		settle = contract.Underlying
	}
	return fmt.Sprintf("%s/%s:%s-%s-%s-%s",
		contract.Underlying,
		m.quote,
		settle,
		contract.Expiry.Format("060102"),
		contract.Strike.String(),
		contract.Type.Code(),
	), nil
}
