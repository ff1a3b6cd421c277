package safety

import (
	"errors"
	"fmt"
)

// ValidationError 表示开仓意图被安全闸门拒绝。
type ValidationError struct {
	Symbol string
	Reason Reason
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("safety: %s 被拒绝: %s", e.Symbol, e.Reason)
}

// ReasonOf 提取拒绝原因，非 ValidationError 时返回空串。
func ReasonOf(err error) Reason {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return ""
}
