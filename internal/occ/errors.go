package occ

import (
	"errors"
	"fmt"
)

// ErrEquity 表示代码长度过短，应按正股处理而非期权。
var ErrEquity = errors.New("occ: 正股代码")

// MalformedSymbolError 表示代码无法解析为期权合约。
type MalformedSymbolError struct {
	Symbol string
	Reason string
	Err    error
}

func (e *MalformedSymbolError) Error() string {
	return fmt.Sprintf("occ: 无法解析期权代码 %q: %s", e.Symbol, e.Reason)
}

func (e *MalformedSymbolError) Unwrap() error {
	return e.Err
}

// IsEquity 判断解析失败是否源于正股代码。
func IsEquity(err error) bool {
	return errors.Is(err, ErrEquity)
}

func malformed(symbol, reason string, cause error) error {
	return &MalformedSymbolError{Symbol: symbol, Reason: reason, Err: cause}
}
