package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"spreads-ai/internal/broker"
	"spreads-ai/internal/broker/paper"
	"spreads-ai/internal/position"
)

const (
	shortPut  = "SPY250117P00450000"
	longPut   = "SPY250117P00445000"
	shortCall = "SPY250117C00480000"
	longCall  = "SPY250117C00485000"
)

type recordingSink struct {
	mu     sync.Mutex
	alerts []Alert
}

func (s *recordingSink) Raise(_ context.Context, alert Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
	return nil
}

func (s *recordingSink) all() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Alert(nil), s.alerts...)
}

// lostFind 模拟查询订单也失败的券商。
type lostFind struct {
	*paper.Broker
}

func (b lostFind) FindOrder(context.Context, string, string) (broker.OrderStatus, error) {
	return broker.OrderStatus{}, broker.Transient("find_order", errors.New("connection reset"))
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testOptions() Options {
	return Options{
		PollInterval:      time.Millisecond,
		PollTimeout:       30 * time.Millisecond,
		ReconcileAttempts: 1,
	}
}

func bullPutPlan(t *testing.T) Plan {
	t.Helper()
	plan, err := NewOpenPlan(OpenSpec{
		Structure: position.BullPutSpread,
		Quantity:  2,
		Puts:      &Vertical{Short: shortPut, Long: longPut, ShortPrice: dec("3.20"), LongPrice: dec("2.10")},
	})
	if err != nil {
		t.Fatalf("NewOpenPlan returned error: %v", err)
	}
	return plan
}

func ironCondorPlan(t *testing.T) Plan {
	t.Helper()
	plan, err := NewOpenPlan(OpenSpec{
		Structure: position.IronCondor,
		Quantity:  1,
		Puts:      &Vertical{Short: shortPut, Long: longPut, ShortPrice: dec("3.20"), LongPrice: dec("2.10")},
		Calls:     &Vertical{Short: shortCall, Long: longCall, ShortPrice: dec("2.00"), LongPrice: dec("1.00")},
	})
	if err != nil {
		t.Fatalf("NewOpenPlan returned error: %v", err)
	}
	return plan
}

func submits(calls []paper.Call) []paper.Call {
	var out []paper.Call
	for _, c := range calls {
		if c.Op == "submit" {
			out = append(out, c)
		}
	}
	return out
}

func countOp(calls []paper.Call, op string) int {
	n := 0
	for _, c := range calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

func rejectAt(k int) paper.SubmitHook {
	return func(n int, req broker.OrderRequest) paper.SubmitResult {
		if n == k {
			return paper.SubmitResult{Err: broker.Permanent("submit_order", errors.New("insufficient buying power"))}
		}
		return paper.SubmitResult{State: broker.StateFilled}
	}
}

func TestExecute_OpensBullPutSpread(t *testing.T) {
	pb := paper.New(nil)
	sink := &recordingSink{}
	coord := NewCoordinator(pb, sink, testOptions(), nil)

	result, err := coord.Execute(context.Background(), bullPutPlan(t))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.Status != StatusComplete {
		t.Fatalf("expected COMPLETE, got %s (%v)", result.Status, result.State.LastError)
	}

	sent := submits(pb.Calls())
	if len(sent) != 2 {
		t.Fatalf("expected 2 submissions, got %d", len(sent))
	}
	if sent[0].Symbol != shortPut || sent[0].Side != broker.OrderSideSell {
		t.Errorf("expected short leg first, got %+v", sent[0])
	}
	if sent[1].Symbol != longPut || sent[1].Side != broker.OrderSideBuy {
		t.Errorf("expected long leg second, got %+v", sent[1])
	}

	wantPhases := []Phase{PhaseInit, LegSubmitted(1), LegVerified(1), LegSubmitted(2), LegVerified(2), PhaseComplete}
	if len(result.State.History) != len(wantPhases) {
		t.Fatalf("unexpected history %+v", result.State.History)
	}
	for i, phase := range wantPhases {
		if result.State.History[i].Phase != phase {
			t.Errorf("history[%d]: expected %s, got %s", i, phase, result.State.History[i].Phase)
		}
	}
	if len(result.State.SubmittedOrderIDs) != 2 {
		t.Errorf("expected 2 order ids, got %v", result.State.SubmittedOrderIDs)
	}
	if len(sink.all()) != 0 {
		t.Errorf("expected no alerts, got %+v", sink.all())
	}

	positions, _ := pb.GetAllPositions(context.Background())
	held := map[string]int64{}
	for _, p := range positions {
		held[p.Symbol] = p.Quantity
	}
	if held[shortPut] != -2 || held[longPut] != 2 {
		t.Errorf("unexpected holdings %v", held)
	}
}

func TestExecute_FirstLegRejectedSubmitsNothingElse(t *testing.T) {
	pb := paper.New(nil)
	pb.OnSubmit(rejectAt(1))
	coord := NewCoordinator(pb, nil, testOptions(), nil)

	result, err := coord.Execute(context.Background(), bullPutPlan(t))
	if err != nil {
		t.Fatalf("expected no error for ordinary failure, got %v", err)
	}
	if result.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", result.Status)
	}
	if n := len(submits(pb.Calls())); n != 1 {
		t.Fatalf("expected only the short leg to be submitted, got %d submissions", n)
	}
	if result.State.LastError == nil || !broker.IsPermanent(result.State.LastError) {
		t.Errorf("expected permanent broker error recorded, got %v", result.State.LastError)
	}
}

func TestExecute_SecondLegRejectedAbortsCleanly(t *testing.T) {
	pb := paper.New(nil)
	pb.SetMark(shortPut, dec("3.30"))
	pb.OnSubmit(rejectAt(2))
	sink := &recordingSink{}
	coord := NewCoordinator(pb, sink, testOptions(), nil)

	result, err := coord.Execute(context.Background(), bullPutPlan(t))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.Status != StatusFailed || result.Detail != "aborted cleanly" {
		t.Fatalf("expected clean abort, got %s / %s", result.Status, result.Detail)
	}

	sent := submits(pb.Calls())
	if len(sent) != 3 {
		t.Fatalf("expected short, long, and compensating close, got %+v", sent)
	}
	if sent[2].Symbol != shortPut || sent[2].Side != broker.OrderSideBuy {
		t.Errorf("expected buy-to-close of the short leg, got %+v", sent[2])
	}
	positions, _ := pb.GetAllPositions(context.Background())
	if len(positions) != 0 {
		t.Errorf("expected flat account, got %+v", positions)
	}
	if len(sink.all()) != 0 {
		t.Errorf("clean abort must not raise alerts")
	}
}

func TestExecute_OrphanWhenCancelFails(t *testing.T) {
	pb := paper.New(nil)
	pb.OnSubmit(func(n int, req broker.OrderRequest) paper.SubmitResult {
		if n == 1 {
			return paper.SubmitResult{State: broker.StateAccepted}
		}
		return paper.SubmitResult{Err: broker.Permanent("submit_order", errors.New("rejected"))}
	})
	pb.OnCancel(func(broker.OrderStatus) error {
		return broker.Permanent("cancel_order", errors.New("order is not cancelable"))
	})
	sink := &recordingSink{}
	coord := NewCoordinator(pb, sink, testOptions(), nil)

	result, err := coord.Execute(context.Background(), bullPutPlan(t))
	var orphan *OrphanPositionError
	if !errors.As(err, &orphan) {
		t.Fatalf("expected OrphanPositionError, got %v", err)
	}
	if result.Status != StatusOrphan || result.State.Phase != PhaseOrphan {
		t.Fatalf("expected ORPHAN, got %s / %s", result.Status, result.State.Phase)
	}
	if len(orphan.Exposed) != 1 || orphan.Exposed[0] != shortPut {
		t.Errorf("unexpected exposed legs %v", orphan.Exposed)
	}

	alerts := sink.all()
	if len(alerts) != 1 {
		t.Fatalf("expected one operator alert, got %d", len(alerts))
	}
	if alerts[0].Severity != SeverityCritical || alerts[0].Kind != "orphan" || alerts[0].PlanID != result.PlanID {
		t.Errorf("unexpected alert %+v", alerts[0])
	}
	if countOp(pb.Calls(), "cancel") != 1 {
		t.Errorf("expected one cancel attempt")
	}
}

func TestExecute_CancelRacingFillFallsBackToMarketClose(t *testing.T) {
	pb := paper.New(nil)
	pb.OnSubmit(func(n int, req broker.OrderRequest) paper.SubmitResult {
		if n == 2 {
			return paper.SubmitResult{Err: broker.Permanent("submit_order", errors.New("rejected"))}
		}
		return paper.SubmitResult{State: broker.StateFilled}
	})
	// 撤单前查询到的空头腿仍为 accepted，撤单时已成交。
	cancelled := false
	pb.OnStatus(func(status broker.OrderStatus) (broker.OrderStatus, error) {
		if !cancelled && status.Symbol == shortPut {
			status.State = broker.StateAccepted
			status.FilledQuantity = 0
		}
		return status, nil
	})
	pb.OnCancel(func(broker.OrderStatus) error {
		cancelled = true
		return nil
	})
	sink := &recordingSink{}
	coord := NewCoordinator(pb, sink, testOptions(), nil)

	result, err := coord.Execute(context.Background(), bullPutPlan(t))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.Status != StatusFailed {
		t.Fatalf("expected FAILED after market close, got %s", result.Status)
	}
	if countOp(pb.Calls(), "cancel") != 1 {
		t.Errorf("expected one cancel attempt")
	}

	sent := submits(pb.Calls())
	if len(sent) != 3 {
		t.Fatalf("expected short, long and compensating submissions, got %d", len(sent))
	}
	if sent[2].Symbol != shortPut || sent[2].Side != broker.OrderSideBuy {
		t.Errorf("expected market buy-back of %s, got %+v", shortPut, sent[2])
	}
	if len(sink.all()) != 0 {
		t.Errorf("expected no operator alert, got %d", len(sink.all()))
	}
}

func TestExecute_OrphanWhenMarketCloseRejected(t *testing.T) {
	pb := paper.New(nil)
	pb.OnSubmit(func(n int, req broker.OrderRequest) paper.SubmitResult {
		if n == 1 {
			return paper.SubmitResult{State: broker.StateFilled}
		}
		return paper.SubmitResult{Err: broker.Permanent("submit_order", errors.New("rejected"))}
	})
	sink := &recordingSink{}
	coord := NewCoordinator(pb, sink, testOptions(), nil)

	result, err := coord.Execute(context.Background(), bullPutPlan(t))
	if result.Status != StatusOrphan {
		t.Fatalf("expected ORPHAN, got %s", result.Status)
	}
	var orphan *OrphanPositionError
	if !errors.As(err, &orphan) {
		t.Fatalf("expected OrphanPositionError, got %v", err)
	}
	if !broker.IsPermanent(err) {
		t.Errorf("expected underlying close rejection to be reachable, got %v", err)
	}
	if len(sink.all()) != 1 {
		t.Errorf("expected one alert")
	}
}

func TestExecute_IronCondorCompensatesInReverseOrder(t *testing.T) {
	pb := paper.New(nil)
	pb.OnSubmit(rejectAt(4))
	coord := NewCoordinator(pb, nil, testOptions(), nil)

	plan := ironCondorPlan(t)
	result, err := coord.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.Status != StatusFailed || result.Detail != "aborted cleanly" {
		t.Fatalf("expected clean abort, got %s / %s", result.Status, result.Detail)
	}

	sent := submits(pb.Calls())
	if len(sent) != 7 {
		t.Fatalf("expected 4 forward and 3 compensating submissions, got %d", len(sent))
	}
	for i, want := range []int{2, 1, 0} {
		got := sent[4+i]
		leg := plan.Legs[want]
		if got.Symbol != leg.Symbol || got.Side != leg.Side.Opposite() {
			t.Errorf("compensation %d: expected reverse of leg %d (%s), got %+v", i, want+1, leg.Symbol, got)
		}
	}
}

func TestExecute_NoLegSubmittedAfterRejection(t *testing.T) {
	for reject := 1; reject <= 4; reject++ {
		pb := paper.New(nil)
		pb.OnSubmit(rejectAt(reject))
		coord := NewCoordinator(pb, nil, testOptions(), nil)

		plan := ironCondorPlan(t)
		if _, err := coord.Execute(context.Background(), plan); err != nil {
			t.Fatalf("reject=%d: unexpected error %v", reject, err)
		}

		sent := submits(pb.Calls())
		forward := sent
		if len(forward) > reject {
			forward = forward[:reject]
		}
		for i, call := range forward {
			if call.Symbol != plan.Legs[i].Symbol || call.Side != plan.Legs[i].Side {
				t.Errorf("reject=%d: forward submission %d out of order: %+v", reject, i+1, call)
			}
		}
		// 被拒之后只允许出现补偿单（已接受腿的反向单）。
		for _, call := range sent[reject:] {
			found := false
			for _, leg := range plan.Legs[:reject-1] {
				if call.Symbol == leg.Symbol && call.Side == leg.Side.Opposite() {
					found = true
				}
			}
			if !found {
				t.Errorf("reject=%d: unexpected submission after rejection %+v", reject, call)
			}
		}
	}
}

func TestExecute_UnknownSubmitResolvedByClientOrderID(t *testing.T) {
	pb := paper.New(nil)
	pb.OnSubmit(func(n int, req broker.OrderRequest) paper.SubmitResult {
		if n == 1 {
			return paper.SubmitResult{
				State: broker.StateFilled,
				Err:   broker.Transient("submit_order", context.DeadlineExceeded),
				Lost:  true,
			}
		}
		return paper.SubmitResult{State: broker.StateFilled}
	})
	coord := NewCoordinator(pb, nil, testOptions(), nil)

	result, err := coord.Execute(context.Background(), bullPutPlan(t))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.Status != StatusComplete {
		t.Fatalf("expected COMPLETE after resolving lost order, got %s", result.Status)
	}
	if countOp(pb.Calls(), "find") != 1 {
		t.Errorf("expected one lookup by client order id")
	}
	if len(submits(pb.Calls())) != 2 {
		t.Errorf("lost order must not be resubmitted")
	}
}

func TestExecute_UnknownSubmitNotFoundIsRejection(t *testing.T) {
	pb := paper.New(nil)
	pb.OnSubmit(func(n int, req broker.OrderRequest) paper.SubmitResult {
		return paper.SubmitResult{Err: broker.Transient("submit_order", context.DeadlineExceeded)}
	})
	coord := NewCoordinator(pb, nil, testOptions(), nil)

	result, err := coord.Execute(context.Background(), bullPutPlan(t))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", result.Status)
	}
	if len(submits(pb.Calls())) != 1 {
		t.Errorf("expected no further submissions")
	}
}

func TestExecute_UnresolvableSubmitIsOrphan(t *testing.T) {
	pb := paper.New(nil)
	pb.OnSubmit(func(n int, req broker.OrderRequest) paper.SubmitResult {
		if n == 2 {
			return paper.SubmitResult{Err: broker.Transient("submit_order", context.DeadlineExceeded)}
		}
		return paper.SubmitResult{State: broker.StateFilled}
	})
	sink := &recordingSink{}
	coord := NewCoordinator(lostFind{pb}, sink, testOptions(), nil)

	result, err := coord.Execute(context.Background(), bullPutPlan(t))
	var orphan *OrphanPositionError
	if !errors.As(err, &orphan) {
		t.Fatalf("expected OrphanPositionError, got %v", err)
	}
	if result.Status != StatusOrphan {
		t.Fatalf("expected ORPHAN, got %s", result.Status)
	}
	// 已确认的空头腿仍被平掉，未知的多头腿需人工确认。
	if len(orphan.Exposed) != 1 || orphan.Exposed[0] != longPut {
		t.Errorf("unexpected exposed legs %v", orphan.Exposed)
	}
	sent := submits(pb.Calls())
	if len(sent) != 3 || sent[2].Symbol != shortPut {
		t.Errorf("expected compensating close of the short leg, got %+v", sent)
	}
	if len(sink.all()) != 1 {
		t.Errorf("expected one alert")
	}
}

func TestExecute_PollTimeoutTreatedAsRejection(t *testing.T) {
	pb := paper.New(nil)
	pb.OnSubmit(func(n int, req broker.OrderRequest) paper.SubmitResult {
		if n == 2 {
			return paper.SubmitResult{State: broker.StatePending}
		}
		return paper.SubmitResult{State: broker.StateFilled}
	})
	coord := NewCoordinator(pb, nil, testOptions(), nil)

	result, err := coord.Execute(context.Background(), bullPutPlan(t))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.Status != StatusFailed || result.Detail != "aborted cleanly" {
		t.Fatalf("expected clean abort, got %s / %s", result.Status, result.Detail)
	}
	if !errors.Is(result.State.LastError, ErrPollTimeout) {
		t.Errorf("expected poll timeout recorded, got %v", result.State.LastError)
	}

	orders := pb.Orders()
	if len(orders) != 3 {
		t.Fatalf("expected 3 orders, got %d", len(orders))
	}
	if orders[1].State != broker.StateCanceled {
		t.Errorf("expected unresolved long leg to be canceled, got %s", orders[1].State)
	}
	if orders[2].Symbol != shortPut || orders[2].Side != broker.OrderSideBuy {
		t.Errorf("expected short leg closed, got %+v", orders[2])
	}
}

func TestExecute_ReconciliationMismatchIsUnconfirmed(t *testing.T) {
	pb := paper.New(nil)
	pb.OnPositions(func([]broker.Position) ([]broker.Position, error) {
		return nil, nil
	})
	sink := &recordingSink{}
	opts := testOptions()
	opts.ReconcileAttempts = 2
	coord := NewCoordinator(pb, sink, opts, nil)

	result, err := coord.Execute(context.Background(), bullPutPlan(t))
	var rec *ReconciliationError
	if !errors.As(err, &rec) {
		t.Fatalf("expected ReconciliationError, got %v", err)
	}
	if result.Status != StatusUnconfirmed {
		t.Fatalf("expected UNCONFIRMED, got %s", result.Status)
	}
	if len(rec.Mismatches) != 2 {
		t.Errorf("expected both legs missing, got %v", rec.Mismatches)
	}
	if countOp(pb.Calls(), "positions") != 2 {
		t.Errorf("expected 2 reconciliation reads")
	}
	alerts := sink.all()
	if len(alerts) != 1 || alerts[0].Severity != SeverityWarning {
		t.Errorf("expected one warning alert, got %+v", alerts)
	}
}

func TestExecute_ClosePlanReconcilesToFlat(t *testing.T) {
	pb := paper.New(nil)
	pb.SeedPosition(broker.Position{Symbol: shortPut, Quantity: -1, AvgEntryPrice: dec("3.00")})
	pb.SeedPosition(broker.Position{Symbol: longPut, Quantity: 1, AvgEntryPrice: dec("2.00")})
	coord := NewCoordinator(pb, nil, testOptions(), nil)

	plan, err := NewPlan(IntentClose, "SPY", position.BullPutSpread, "PROFIT_TARGET", []LegOrder{
		{Symbol: shortPut, Side: broker.OrderSideBuy, Quantity: 1, Type: broker.OrderTypeMarket, Role: RoleRiskReducing},
		{Symbol: longPut, Side: broker.OrderSideSell, Quantity: 1, Type: broker.OrderTypeMarket, Role: RoleRiskIncreasing},
	})
	if err != nil {
		t.Fatalf("NewPlan returned error: %v", err)
	}

	result, err := coord.Execute(context.Background(), plan)
	if err != nil || result.Status != StatusComplete {
		t.Fatalf("expected COMPLETE, got %s / %v", result.Status, err)
	}
}

func TestExecute_CancelledBatchSubmitsNothing(t *testing.T) {
	pb := paper.New(nil)
	coord := NewCoordinator(pb, nil, testOptions(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := coord.Execute(ctx, bullPutPlan(t))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if result.Status != StatusFailed {
		t.Errorf("expected FAILED, got %s", result.Status)
	}
	if len(pb.Calls()) != 0 {
		t.Errorf("expected no broker calls, got %+v", pb.Calls())
	}
}

func TestExecute_CancellationAfterFirstSubmitRunsToCompletion(t *testing.T) {
	pb := paper.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pb.OnSubmit(func(n int, req broker.OrderRequest) paper.SubmitResult {
		if n == 1 {
			cancel()
		}
		return paper.SubmitResult{State: broker.StateFilled}
	})
	coord := NewCoordinator(pb, nil, testOptions(), nil)

	result, err := coord.Execute(ctx, bullPutPlan(t))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.Status != StatusComplete {
		t.Fatalf("expected saga to finish despite cancellation, got %s", result.Status)
	}
	if len(submits(pb.Calls())) != 2 {
		t.Errorf("expected both legs submitted")
	}
}

func TestExecute_DryRunMakesNoBrokerCalls(t *testing.T) {
	pb := paper.New(nil)
	opts := testOptions()
	opts.DryRun = true
	coord := NewCoordinator(pb, nil, opts, nil)

	result, err := coord.Execute(context.Background(), ironCondorPlan(t))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.Status != StatusDryRun {
		t.Fatalf("expected DRY_RUN, got %s", result.Status)
	}
	if result.Status.IsFailure() {
		t.Errorf("dry run must not count as failure")
	}
	if len(pb.Calls()) != 0 {
		t.Errorf("expected no broker calls, got %+v", pb.Calls())
	}
}
