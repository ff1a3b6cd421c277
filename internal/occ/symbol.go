package occ

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// equityMaxLen 长度不超过该值的代码视为正股。
	equityMaxLen = 10
	maxRootLen   = 6
	dateLayout   = "060102"
	strikeDigits = 8
	// strikeScale 行权价以千分之一美元编码。
	strikeScale = 3

	// 两位年份按 00-68 解析为 2000-2068，超出范围的年份无法往返。
	minExpiryYear = 2000
	maxExpiryYear = 2068
)

// OptionType 表示看涨或看跌。
type OptionType string

const (
	Put  OptionType = "PUT"
	Call OptionType = "CALL"
)

// Code 返回 OCC 代码中的类型字符。
func (t OptionType) Code() string {
	switch t {
	case Put:
		return "P"
	case Call:
		return "C"
	default:
		return ""
	}
}

// Contract 为解析后的期权合约。
type Contract struct {
	Underlying string
	Expiry     time.Time
	Type       OptionType
	Strike     decimal.Decimal
}

// Equal 比较两个合约是否指向同一标的。
func (c Contract) Equal(other Contract) bool {
	return c.Underlying == other.Underlying &&
		c.Expiry.Equal(other.Expiry) &&
		c.Type == other.Type &&
		c.Strike.Equal(other.Strike)
}

// Decode 将 OCC 期权代码解析为合约，失败时返回 *MalformedSymbolError。
func Decode(symbol string) (Contract, error) {
	s := normalize(symbol)
	if len(s) <= equityMaxLen {
		return Contract{}, malformed(symbol, "长度不足，视为正股代码", ErrEquity)
	}

	idx := strings.IndexFunc(s, isDigit)
	if idx <= 0 {
		return Contract{}, malformed(symbol, "缺少标的代码", nil)
	}
	root := s[:idx]
	if len(root) > maxRootLen || !allLetters(root) {
		return Contract{}, malformed(symbol, fmt.Sprintf("标的代码非法 %q", root), nil)
	}

	rest := s[idx:]
	if len(rest) < len(dateLayout)+2 {
		return Contract{}, malformed(symbol, "长度不足以包含到期日、类型与行权价", nil)
	}

	datePart := rest[:len(dateLayout)]
	if !allDigits(datePart) {
		return Contract{}, malformed(symbol, fmt.Sprintf("到期日非法 %q", datePart), nil)
	}
	expiry, err := time.ParseInLocation(dateLayout, datePart, time.UTC)
	if err != nil {
		return Contract{}, malformed(symbol, fmt.Sprintf("到期日非法 %q", datePart), err)
	}

	var typ OptionType
	switch rest[len(dateLayout)] {
	case 'P':
		typ = Put
	case 'C':
		typ = Call
	default:
		return Contract{}, malformed(symbol, fmt.Sprintf("期权类型非法 %q", rest[len(dateLayout)]), nil)
	}

	strikePart := rest[len(dateLayout)+1:]
	if len(strikePart) == 0 || len(strikePart) > strikeDigits || !allDigits(strikePart) {
		return Contract{}, malformed(symbol, fmt.Sprintf("行权价非法 %q", strikePart), nil)
	}
	strikePart += strings.Repeat("0", strikeDigits-len(strikePart))

	raw, err := decimal.NewFromString(strikePart)
	if err != nil {
		return Contract{}, malformed(symbol, fmt.Sprintf("行权价非法 %q", strikePart), err)
	}

	return Contract{
		Underlying: root,
		Expiry:     expiry,
		Type:       typ,
		Strike:     raw.Shift(-strikeScale),
	}, nil
}

// Encode 将合约编码为 OCC 代码。
func Encode(c Contract) (string, error) {
	root := strings.ToUpper(strings.TrimSpace(c.Underlying))
	if root == "" || len(root) > maxRootLen || !allLetters(root) {
		return "", fmt.Errorf("occ: 标的代码非法 %q", c.Underlying)
	}
	if c.Expiry.IsZero() {
		return "", fmt.Errorf("occ: 到期日不能为空")
	}
	code := c.Type.Code()
	if code == "" {
		return "", fmt.Errorf("occ: 期权类型非法 %q", c.Type)
	}
	if !c.Strike.IsPositive() {
		return "", fmt.Errorf("occ: 行权价必须为正，当前为 %s", c.Strike)
	}

	scaled := c.Strike.Shift(strikeScale)
	if !scaled.Equal(scaled.Truncate(0)) {
		return "", fmt.Errorf("occ: 行权价精度超过千分之一 %s", c.Strike)
	}
	units := scaled.IntPart()
	if units >= 100_000_000 {
		return "", fmt.Errorf("occ: 行权价超出编码范围 %s", c.Strike)
	}

	expiry := c.Expiry.UTC()
	if y := expiry.Year(); y < minExpiryYear || y > maxExpiryYear {
		return "", fmt.Errorf("occ: 到期年份超出编码范围 %d", y)
	}
	return fmt.Sprintf("%s%s%s%08d", root, expiry.Format(dateLayout), code, units), nil
}

// UnderlyingOf 返回期权代码的标的；正股直接返回规范化后的代码。
func UnderlyingOf(symbol string) (string, error) {
	contract, err := Decode(symbol)
	if err == nil {
		return contract.Underlying, nil
	}
	if IsEquity(err) {
		s := normalize(symbol)
		if s == "" || !allLetters(s) {
			return "", err
		}
		return s, nil
	}
	return "", err
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(symbol), " ", ""))
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

func allDigits(s string) bool {
	for _, r := range s {
		if !isDigit(r) {
			return false
		}
	}
	return true
}

func allLetters(s string) bool {
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
