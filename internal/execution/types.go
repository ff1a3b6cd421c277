package execution

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"spreads-ai/internal/broker"
	"spreads-ai/internal/position"
)

// Intent 表示计划是开仓还是平仓。
type Intent string

const (
	IntentOpen  Intent = "OPEN"
	IntentClose Intent = "CLOSE"
)

// Role 标记单腿在提交顺序中的角色。
type Role string

const (
	RoleRiskReducing   Role = "RISK_REDUCING"
	RoleRiskIncreasing Role = "RISK_INCREASING"
)

// LegOrder 为计划中的一腿。
type LegOrder struct {
	Symbol      string
	Side        broker.OrderSide
	Quantity    int64
	Type        broker.OrderType
	LimitPrice  decimal.Decimal
	TimeInForce broker.TimeInForce
	Role        Role
}

// Plan 为一次多腿执行计划，Legs 按提交顺序排列。
type Plan struct {
	ID         string
	Intent     Intent
	Underlying string
	Structure  position.StructureType
	Reason     string
	Legs       []LegOrder
	CreatedAt  time.Time
}

// Phase 为 saga 状态。
type Phase string

const (
	PhaseInit         Phase = "INIT"
	PhaseCompensating Phase = "COMPENSATING"
	PhaseComplete     Phase = "COMPLETE"
	PhaseFailed       Phase = "FAILED"
	PhaseOrphan       Phase = "ORPHAN"
)

// LegSubmitted 返回第 k 腿（从 1 开始）已提交的状态。
func LegSubmitted(k int) Phase {
	return Phase(fmt.Sprintf("LEG%d_SUBMITTED", k))
}

// LegVerified 返回第 k 腿（从 1 开始）已确认的状态。
func LegVerified(k int) Phase {
	return Phase(fmt.Sprintf("LEG%d_VERIFIED", k))
}

// Status 为执行结果。
type Status string

const (
	StatusComplete    Status = "COMPLETE"
	StatusUnconfirmed Status = "UNCONFIRMED"
	StatusFailed      Status = "FAILED"
	StatusOrphan      Status = "ORPHAN"
	StatusDryRun      Status = "DRY_RUN"
)

// IsFailure 表示需要让命令行返回非零的结果。
func (s Status) IsFailure() bool {
	switch s {
	case StatusFailed, StatusOrphan, StatusUnconfirmed:
		return true
	default:
		return false
	}
}

// Transition 记录一次状态变化。
type Transition struct {
	Phase Phase     `json:"phase"`
	At    time.Time `json:"at"`
	Note  string    `json:"note,omitempty"`
}

// SagaState 为单次执行的状态，仅由协调器在执行期间修改。
type SagaState struct {
	Phase Phase
	// SubmittedOrderIDs 以腿序号（从 0 开始）为键。
	SubmittedOrderIDs map[int]string
	LastError         error
	History           []Transition
}

func newSagaState(now time.Time) SagaState {
	return SagaState{
		Phase:             PhaseInit,
		SubmittedOrderIDs: make(map[int]string),
		History:           []Transition{{Phase: PhaseInit, At: now}},
	}
}

func (s *SagaState) moveTo(phase Phase, now time.Time, note string) {
	s.Phase = phase
	s.History = append(s.History, Transition{Phase: phase, At: now, Note: note})
}

// Result 为执行结果摘要。
type Result struct {
	PlanID     string
	Intent     Intent
	Underlying string
	Status     Status
	// Detail 为人类可读的结果说明，如 "aborted cleanly"。
	Detail     string
	State      SagaState
	StartedAt  time.Time
	FinishedAt time.Time
}
