package models

import "testing"

func newTestCycle() *Cycle {
	return NewCycle("bot-1", "acct-1", "EURUSD", 1234, CycleBuy, DirectionBuy, 1.10000)
}

func TestTransitionStatus_Lifecycle(t *testing.T) {
	c := newTestCycle()

	if err := c.TransitionStatus(StatusActive, "follow_on_order"); err != nil {
		t.Fatalf("initial -> active: %v", err)
	}
	if c.Status != StatusActive {
		t.Errorf("status = %s, want active", c.Status)
	}

	if err := c.TransitionStatus(StatusRecovery, "recovery_entered"); err != nil {
		t.Fatalf("active -> recovery: %v", err)
	}
	if err := c.TransitionStatus(StatusActive, "recovery_exited"); err != nil {
		t.Fatalf("recovery -> active: %v", err)
	}

	if err := c.TransitionStatus(StatusClosed, "take_profit"); err != nil {
		t.Fatalf("active -> closed: %v", err)
	}
	if !c.IsClosed {
		t.Error("closing the cycle should set is_closed")
	}
	if c.CloseTime.IsZero() {
		t.Error("closing the cycle should stamp close_time")
	}
}

func TestTransitionStatus_ClosedIsTerminal(t *testing.T) {
	c := newTestCycle()
	if err := c.TransitionStatus(StatusClosed, "close_all"); err != nil {
		t.Fatalf("initial -> closed: %v", err)
	}

	if err := c.TransitionStatus(StatusActive, "follow_on_order"); err == nil {
		t.Error("transition out of closed must fail")
	}
	if c.Status != StatusClosed {
		t.Errorf("status should remain closed, got %s", c.Status)
	}
}

func TestTransitionStatus_InvalidPath(t *testing.T) {
	c := newTestCycle()

	// Recovery requires an active cycle first.
	if err := c.TransitionStatus(StatusRecovery, "recovery_entered"); err == nil {
		t.Error("initial -> recovery must fail")
	}
	if c.Status != StatusInitial {
		t.Errorf("failed transition must leave status unchanged, got %s", c.Status)
	}
}

func TestTransitionStatus_SameStatusNoop(t *testing.T) {
	c := newTestCycle()
	if err := c.TransitionStatus(StatusInitial, ""); err != nil {
		t.Errorf("same-status transition should be a no-op, got %v", err)
	}
}

func TestValidateStatus(t *testing.T) {
	c := newTestCycle()
	if err := c.ValidateStatus(); err != nil {
		t.Errorf("fresh cycle should validate, got %v", err)
	}

	c.Status = StatusRecovery
	if err := c.ValidateStatus(); err == nil {
		t.Error("recovery without a recovery zone base must fail validation")
	}
	c.RecoveryZoneBase = 1.08
	if err := c.ValidateStatus(); err != nil {
		t.Errorf("recovery with zone base should validate, got %v", err)
	}

	c.Status = StatusClosed
	c.IsClosed = false
	if err := c.ValidateStatus(); err == nil {
		t.Error("closed status with is_closed=false must fail validation")
	}
}

func TestStrategyKind_FamilyHooks(t *testing.T) {
	cases := []struct {
		kind    StrategyKind
		hedging bool
		batch   bool
		candle  bool
		reswith bool
	}{
		{StrategyAdaptiveHedge, true, false, false, false},
		{StrategyCycleTrader, false, false, true, false},
		{StrategyAdvancedCyclesTrader, true, true, false, false},
		{StrategyMoveGuard, false, false, false, true},
		{StrategyStockTrader, false, false, true, false},
	}
	for _, tc := range cases {
		if got := tc.kind.SupportsHedging(); got != tc.hedging {
			t.Errorf("%s SupportsHedging = %v, want %v", tc.kind, got, tc.hedging)
		}
		if got := tc.kind.SupportsBatchStopLoss(); got != tc.batch {
			t.Errorf("%s SupportsBatchStopLoss = %v, want %v", tc.kind, got, tc.batch)
		}
		if got := tc.kind.SupportsCandleTrading(); got != tc.candle {
			t.Errorf("%s SupportsCandleTrading = %v, want %v", tc.kind, got, tc.candle)
		}
		if got := tc.kind.AllowsRepeatedSwitch(); got != tc.reswith {
			t.Errorf("%s AllowsRepeatedSwitch = %v, want %v", tc.kind, got, tc.reswith)
		}
		if tc.kind.TablePrefix() == "" {
			t.Errorf("%s should map to a table prefix", tc.kind)
		}
		if tc.kind.CycleCollection() == "" {
			t.Errorf("%s should map to a remote collection", tc.kind)
		}
	}
}

func TestEventContent_DecodeStringOrObject(t *testing.T) {
	var inline EventContent
	if err := inline.UnmarshalJSON([]byte(`{"event_type":"stop_bot","source":"flutter_app","user_name":"ops"}`)); err != nil {
		t.Fatalf("inline decode: %v", err)
	}
	if inline.EventType != "stop_bot" || inline.Source != SourceFlutterApp {
		t.Errorf("inline content decoded wrong: %+v", inline)
	}

	var quoted EventContent
	raw := `"{\"event_type\":\"open_order\",\"details\":{\"price\":1.2345,\"ticket\":\"42\"}}"`
	if err := quoted.UnmarshalJSON([]byte(raw)); err != nil {
		t.Fatalf("quoted decode: %v", err)
	}
	if quoted.EventType != "open_order" {
		t.Errorf("quoted content decoded wrong: %+v", quoted)
	}
	if got := quoted.DetailFloat("price", 0); got != 1.2345 {
		t.Errorf("price detail = %v, want 1.2345", got)
	}
	if got := quoted.DetailUint("ticket"); got != 42 {
		t.Errorf("ticket detail = %d, want 42", got)
	}
}
