package safety

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"spreads-ai/internal/store"
)

// Halt 为一条标的暂停记录。
type Halt struct {
	Underlying string    `json:"underlying"`
	Reason     string    `json:"reason"`
	PlanID     string    `json:"plan_id,omitempty"`
	HaltedAt   time.Time `json:"halted_at"`
}

// HaltRegistry 维护因执行异常而暂停开仓的标的，需人工解除。
type HaltRegistry struct {
	store  *store.Store
	logger *zap.Logger
}

// NewHaltRegistry 创建暂停登记表并初始化表结构。
func NewHaltRegistry(ctx context.Context, st *store.Store, logger *zap.Logger) (*HaltRegistry, error) {
	if st == nil {
		return nil, errors.New("safety: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	err := st.Migrate(ctx, "safety",
		`CREATE TABLE IF NOT EXISTS underlying_halts (
			underlying TEXT PRIMARY KEY,
			reason TEXT NOT NULL,
			plan_id TEXT,
			halted_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS halt_activity_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at TEXT NOT NULL,
			event_type TEXT NOT NULL,
			underlying TEXT NOT NULL,
			message TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_halt_activity_underlying ON halt_activity_log(underlying);`,
	)
	if err != nil {
		return nil, err
	}

	return &HaltRegistry{store: st, logger: logger}, nil
}

// Halt 暂停标的；重复暂停会覆盖原因。
func (r *HaltRegistry) Halt(ctx context.Context, underlying, reason, planID string) error {
	underlying = strings.ToUpper(strings.TrimSpace(underlying))
	if underlying == "" {
		return errors.New("safety: 标的不能为空")
	}
	now := time.Now().UTC().Format(time.RFC3339)

	err := r.store.InTx(ctx, "safety", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO underlying_halts (underlying, reason, plan_id, halted_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(underlying) DO UPDATE SET reason = excluded.reason, plan_id = excluded.plan_id, halted_at = excluded.halted_at`,
			underlying, reason, planID, now,
		); err != nil {
			return fmt.Errorf("safety: 写入暂停记录失败: %w", err)
		}
		return r.logEventTx(ctx, tx, "halt", underlying, reason)
	})
	if err != nil {
		return err
	}

	r.logger.Warn("标的已暂停开仓", zap.String("underlying", underlying), zap.String("reason", reason), zap.String("plan_id", planID))
	return nil
}

// Clear 解除暂停，返回是否存在对应记录。
func (r *HaltRegistry) Clear(ctx context.Context, underlying string) (bool, error) {
	underlying = strings.ToUpper(strings.TrimSpace(underlying))

	var affected int64
	err := r.store.InTx(ctx, "safety", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM underlying_halts WHERE underlying = ?`, underlying)
		if err != nil {
			return fmt.Errorf("safety: 删除暂停记录失败: %w", err)
		}
		if affected, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("safety: 读取影响行数失败: %w", err)
		}
		if affected == 0 {
			return nil
		}
		return r.logEventTx(ctx, tx, "clear", underlying, "人工解除暂停")
	})
	if err != nil {
		return false, err
	}

	if affected > 0 {
		r.logger.Info("标的暂停已解除", zap.String("underlying", underlying))
	}
	return affected > 0, nil
}

// Halted 返回当前暂停标的集合的快照。
func (r *HaltRegistry) Halted(ctx context.Context) (map[string]struct{}, error) {
	halts, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(halts))
	for _, h := range halts {
		out[h.Underlying] = struct{}{}
	}
	return out, nil
}

// List 列出全部暂停记录。
func (r *HaltRegistry) List(ctx context.Context) ([]Halt, error) {
	rows, err := r.store.DB().QueryContext(ctx,
		`SELECT underlying, reason, COALESCE(plan_id, ''), halted_at FROM underlying_halts ORDER BY underlying`)
	if err != nil {
		return nil, fmt.Errorf("safety: 查询暂停记录失败: %w", err)
	}
	defer rows.Close()

	var halts []Halt
	for rows.Next() {
		var (
			h  Halt
			ts string
		)
		if err := rows.Scan(&h.Underlying, &h.Reason, &h.PlanID, &ts); err != nil {
			return nil, fmt.Errorf("safety: 解析暂停记录失败: %w", err)
		}
		if parsed, perr := time.Parse(time.RFC3339, ts); perr == nil {
			h.HaltedAt = parsed
		}
		halts = append(halts, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("safety: 遍历暂停记录失败: %w", err)
	}
	return halts, nil
}

func (r *HaltRegistry) logEventTx(ctx context.Context, tx *sql.Tx, eventType, underlying, message string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO halt_activity_log (occurred_at, event_type, underlying, message) VALUES (?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), eventType, underlying, message,
	)
	if err != nil {
		return fmt.Errorf("safety: 记录暂停事件失败: %w", err)
	}
	return nil
}
