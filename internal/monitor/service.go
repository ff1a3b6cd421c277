package monitor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"spreads-ai/internal/execution"
	"spreads-ai/internal/exit"
	"spreads-ai/internal/position"
	"spreads-ai/internal/signal"
	"spreads-ai/internal/store"
)

var alertsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "spreads_alerts_total",
	Help: "人工告警数量",
}, []string{"severity", "kind"})

// Service 负责持久化监控事件与人工告警。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewService 初始化监控服务，创建所需表结构。
func NewService(ctx context.Context, st *store.Store, logger *zap.Logger) (*Service, error) {
	if st == nil {
		return nil, errors.New("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	err := st.Migrate(ctx, "monitor",
		`CREATE TABLE IF NOT EXISTS monitor_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);`,
		`CREATE TABLE IF NOT EXISTS operator_alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			severity TEXT NOT NULL,
			kind TEXT NOT NULL,
			plan_id TEXT,
			underlying TEXT NOT NULL,
			message TEXT NOT NULL,
			symbols TEXT NOT NULL,
			created_at TEXT NOT NULL,
			acked_at TEXT
		);`,
	)
	if err != nil {
		return nil, err
	}

	return &Service{
		db:     st.DB(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, payload, created_at) VALUES (?, ?, ?)`,
		string(event.Type), string(payload), event.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

func (s *Service) record(ctx context.Context, typ EventType, payload any, what string) {
	if err := s.Record(ctx, Event{Type: typ, Payload: payload}); err != nil {
		s.logger.Warn("记录"+what+"事件失败", zap.Error(err))
	}
}

// RecordBatch 记录批处理汇总。
func (s *Service) RecordBatch(ctx context.Context, payload BatchPayload) {
	s.record(ctx, EventBatch, payload, "批处理")
}

// RecordExit 记录平仓判定。
func (s *Service) RecordExit(ctx context.Context, spread position.SpreadPosition, d exit.Decision) {
	s.record(ctx, EventExitDecision, ExitDecisionPayload{
		Spread:     d.Key,
		Structure:  string(spread.Structure),
		ShouldExit: d.ShouldExit,
		Reason:     string(d.Reason),
		Detail:     d.Detail,
		DTE:        d.DTE,
		Credit:     spread.CreditReceived.StringFixed(2),
		PnL:        spread.CurrentPnL.StringFixed(2),
	}, "平仓判定")
}

// RecordSaga 记录多腿执行结果。
func (s *Service) RecordSaga(ctx context.Context, plan execution.Plan, result execution.Result) {
	legs := make([]LegPayload, 0, len(plan.Legs))
	for i, leg := range plan.Legs {
		lp := LegPayload{
			Symbol:   leg.Symbol,
			Side:     string(leg.Side),
			Quantity: leg.Quantity,
			Type:     string(leg.Type),
			Role:     string(leg.Role),
			OrderID:  result.State.SubmittedOrderIDs[i],
		}
		if leg.LimitPrice.IsPositive() {
			lp.LimitPrice = leg.LimitPrice.StringFixed(2)
		}
		legs = append(legs, lp)
	}

	payload := SagaPayload{
		PlanID:     plan.ID,
		Intent:     string(plan.Intent),
		Underlying: plan.Underlying,
		Structure:  string(plan.Structure),
		Reason:     plan.Reason,
		Status:     string(result.Status),
		Detail:     result.Detail,
		Legs:       legs,
		History:    result.State.History,
		Elapsed:    result.FinishedAt.Sub(result.StartedAt).String(),
	}
	if result.State.LastError != nil {
		payload.LastError = result.State.LastError.Error()
	}
	s.record(ctx, EventSaga, payload, "执行")
}

// RecordSignal 记录模型决策。
func (s *Service) RecordSignal(ctx context.Context, d signal.Decision) {
	payload := SignalPayload{
		Underlying: d.Underlying,
		Action:     string(d.Action),
		Confidence: d.Confidence,
		Reasoning:  d.Reasoning,
	}
	if !d.Expiry.IsZero() {
		payload.Expiry = d.Expiry.Format("2006-01-02")
	}
	s.record(ctx, EventSignal, payload, "信号")
}

// RecordBlocked 记录被安全闸门拦截的开仓。
func (s *Service) RecordBlocked(ctx context.Context, underlying, reason string, contracts int64) {
	s.record(ctx, EventBlocked, BlockedPayload{
		Underlying: underlying,
		Reason:     reason,
		Contracts:  contracts,
	}, "拦截")
}

// RecordHalt 记录标的暂停或解除。
func (s *Service) RecordHalt(ctx context.Context, payload HaltPayload) {
	s.record(ctx, EventHalt, payload, "暂停")
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]any) {
	payload := ErrorPayload{Message: msg, Context: ctxMap}
	if err != nil {
		payload.Error = err.Error()
	}
	s.record(ctx, EventError, payload, "异常")
}

// ListEvents 按类型检索最近事件，eventType 为空时返回全部类型。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, event_type, payload, created_at FROM monitor_events`
	args := make([]any, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			id      int64
			typ     string
			payload string
			created string
		)
		if scanErr := rows.Scan(&id, &typ, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		events = append(events, Event{
			ID:        id,
			Type:      EventType(typ),
			Timestamp: parseTime(created),
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}

// Raise 持久化人工告警，实现 execution.AlertSink。
func (s *Service) Raise(ctx context.Context, alert execution.Alert) error {
	symbols, err := json.Marshal(alert.Symbols)
	if err != nil {
		return fmt.Errorf("monitor: 序列化告警合约失败: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO operator_alerts (severity, kind, plan_id, underlying, message, symbols, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(alert.Severity), alert.Kind, alert.PlanID, strings.ToUpper(alert.Underlying),
		alert.Message, string(symbols), s.now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入告警失败: %w", err)
	}

	alertsRaised.WithLabelValues(string(alert.Severity), alert.Kind).Inc()
	s.logger.Warn("人工告警已记录",
		zap.String("severity", string(alert.Severity)),
		zap.String("kind", alert.Kind),
		zap.String("underlying", alert.Underlying),
		zap.String("plan_id", alert.PlanID),
	)
	return nil
}

// ListAlerts 返回最近的告警，pendingOnly 为真时只返回未确认告警。
func (s *Service) ListAlerts(ctx context.Context, pendingOnly bool, limit int) ([]AlertRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, severity, kind, plan_id, underlying, message, symbols, created_at, acked_at FROM operator_alerts`
	if pendingOnly {
		query += ` WHERE acked_at IS NULL`
	}
	query += ` ORDER BY id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询告警失败: %w", err)
	}
	defer rows.Close()

	var alerts []AlertRecord
	for rows.Next() {
		var (
			rec     AlertRecord
			planID  sql.NullString
			symbols string
			created string
			acked   sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.Severity, &rec.Kind, &planID, &rec.Underlying,
			&rec.Message, &symbols, &created, &acked); err != nil {
			return nil, fmt.Errorf("monitor: 解析告警失败: %w", err)
		}
		rec.PlanID = planID.String
		rec.CreatedAt = parseTime(created)
		if acked.Valid {
			ts := parseTime(acked.String)
			rec.AckedAt = &ts
		}
		if err := json.Unmarshal([]byte(symbols), &rec.Symbols); err != nil {
			s.logger.Warn("告警合约列表无法解析", zap.Int64("id", rec.ID), zap.Error(err))
		}
		alerts = append(alerts, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取告警失败: %w", err)
	}

	return alerts, nil
}

// AckAlert 确认告警；告警不存在或已确认时返回 false。
func (s *Service) AckAlert(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE operator_alerts SET acked_at = ? WHERE id = ? AND acked_at IS NULL`,
		s.now().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return false, fmt.Errorf("monitor: 确认告警失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("monitor: 确认告警失败: %w", err)
	}
	if n > 0 {
		s.logger.Info("告警已确认", zap.Int64("id", id))
	}
	return n > 0, nil
}

func parseTime(raw string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}
