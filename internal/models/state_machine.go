package models

import (
	"fmt"
	"time"
)

// CycleStatus represents the lifecycle state of a cycle.
type CycleStatus string

const (
	StatusInitial  CycleStatus = "initial"  // Only the initial order exists
	StatusActive   CycleStatus = "active"   // At least one follow-on order fired
	StatusRecovery CycleStatus = "recovery" // Recovery zone in force (Advanced family)
	StatusClosed   CycleStatus = "closed"   // Terminal
)

// Valid returns true if the CycleStatus is one of the defined constants.
func (s CycleStatus) Valid() bool {
	switch s {
	case StatusInitial, StatusActive, StatusRecovery, StatusClosed:
		return true
	default:
		return false
	}
}

// Transition conditions, also recorded as the closing method on close.
const (
	ConditionFollowOnOrder = "follow_on_order"
	ConditionRecoveryEnter = "recovery_entered"
	ConditionRecoveryExit  = "recovery_exited"
	ConditionCloseAll      = "close_all"
	ConditionTakeProfit    = "take_profit"
	ConditionBatchCloseAll = "batch_close_all"
)

// Close reasons. OrdersGone marks a closure inferred from every order looking
// closed at the terminal; only those closures qualify for reopening.
const (
	CloseReasonOrdersGone  = "all_orders_closed"
	CloseReasonUserRequest = "user_request"
	CloseReasonTakeProfit  = "take_profit_reached"
	CloseReasonBatchStop   = "batch_stop_loss"
)

// StatusTransition defines one valid cycle status transition.
type StatusTransition struct {
	From        CycleStatus
	To          CycleStatus
	Condition   string
	Description string
}

// Valid cycle status transitions.
var ValidStatusTransitions = []StatusTransition{
	{StatusInitial, StatusActive, ConditionFollowOnOrder, "First grid, hedge or reversal order fired"},

	// Recovery mode is entered and left only while active.
	{StatusActive, StatusRecovery, ConditionRecoveryEnter, "Per-order stop loss hit, recovery zone pinned"},
	{StatusRecovery, StatusActive, ConditionRecoveryExit, "Recovery cycle completed"},

	// Any state closes on close-all, take-profit or batch close-all.
	{StatusInitial, StatusClosed, ConditionCloseAll, "All orders closed before activation"},
	{StatusInitial, StatusClosed, ConditionTakeProfit, "Take profit reached on the initial order"},
	{StatusInitial, StatusClosed, ConditionBatchCloseAll, "Batch stop loss before activation"},
	{StatusActive, StatusClosed, ConditionCloseAll, "All orders closed"},
	{StatusActive, StatusClosed, ConditionTakeProfit, "Take profit reached"},
	{StatusActive, StatusClosed, ConditionBatchCloseAll, "Batch stop loss closed every order"},
	{StatusRecovery, StatusClosed, ConditionCloseAll, "All orders closed during recovery"},
	{StatusRecovery, StatusClosed, ConditionTakeProfit, "Take profit reached during recovery"},
	{StatusRecovery, StatusClosed, ConditionBatchCloseAll, "Batch stop loss during recovery"},
}

// CanTransition reports whether moving from the cycle's current status to the
// target under the given condition is defined.
func (c *Cycle) CanTransition(to CycleStatus, condition string) bool {
	for _, t := range ValidStatusTransitions {
		if t.From != c.Status || t.To != to {
			continue
		}
		if t.Condition == "" || t.Condition == condition {
			return true
		}
	}
	return false
}

// TransitionStatus moves the cycle to a new status, applying close side
// effects. Closed is terminal: any further transition is an error.
func (c *Cycle) TransitionStatus(to CycleStatus, condition string) error {
	if c.Status == to {
		return nil
	}
	if !c.CanTransition(to, condition) {
		return fmt.Errorf("invalid cycle transition from %s to %s with condition %q", c.Status, to, condition)
	}
	c.Status = to
	if to == StatusClosed {
		c.MarkClosed(condition, condition, time.Now().UTC())
	}
	return nil
}

// ValidateStatus checks per-status invariants on the cycle.
func (c *Cycle) ValidateStatus() error {
	if !c.Status.Valid() {
		return fmt.Errorf("unknown cycle status %q", c.Status)
	}
	switch c.Status {
	case StatusClosed:
		if !c.IsClosed {
			return fmt.Errorf("cycle %s: status closed but is_closed false", c.ID)
		}
	case StatusRecovery:
		if c.RecoveryZoneBase == 0 {
			return fmt.Errorf("cycle %s: recovery status without recovery zone base", c.ID)
		}
		fallthrough
	case StatusInitial, StatusActive:
		if c.IsClosed {
			return fmt.Errorf("cycle %s: is_closed set while status %s", c.ID, c.Status)
		}
	}
	if !c.CurrentDirection.Valid() {
		return fmt.Errorf("cycle %s: invalid direction %q", c.ID, c.CurrentDirection)
	}
	if c.NextOrderIndex < 0 {
		return fmt.Errorf("cycle %s: negative next_order_index", c.ID)
	}
	return nil
}
