package execution

import (
	"fmt"
	"strings"
)

// OrphanPositionError 表示补偿失败，账户存在未对冲的敞口，需人工介入。
type OrphanPositionError struct {
	PlanID     string
	Underlying string
	// Exposed 为可能仍持有敞口的合约代码。
	Exposed []string
	Err     error
}

func (e *OrphanPositionError) Error() string {
	return fmt.Sprintf("execution: 计划 %s (%s) 补偿失败，可能存在未对冲敞口 [%s]: %v",
		e.PlanID, e.Underlying, strings.Join(e.Exposed, ", "), e.Err)
}

func (e *OrphanPositionError) Unwrap() error {
	return e.Err
}

// ReconciliationError 表示订单已确认但持仓核对不一致。
type ReconciliationError struct {
	PlanID     string
	Underlying string
	Mismatches []string
	Err        error
}

func (e *ReconciliationError) Error() string {
	msg := fmt.Sprintf("execution: 计划 %s (%s) 持仓核对不一致", e.PlanID, e.Underlying)
	if len(e.Mismatches) > 0 {
		msg += ": " + strings.Join(e.Mismatches, "; ")
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *ReconciliationError) Unwrap() error {
	return e.Err
}
