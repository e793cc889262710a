package errors

import (
	"fmt"
	"testing"
)

func TestOrderErrorUnwrap(t *testing.T) {
	err := NewOrderError("ord-1", "XYZ", "BUY", "rejected by broker", ErrOrderRejected)
	wrapped := fmt.Errorf("watcher: %w", err)

	if !Is(wrapped, ErrOrderRejected) {
		t.Fatalf("expected wrapped order error to match ErrOrderRejected")
	}

	var oe *OrderError
	if !As(wrapped, &oe) {
		t.Fatalf("expected errors.As to find *OrderError")
	}
	if oe.OrderID != "ord-1" {
		t.Errorf("OrderID = %q, want ord-1", oe.OrderID)
	}
}

func TestLedgerErrorUnwrap(t *testing.T) {
	err := NewLedgerError("apply_fill", 7, ErrConflict)
	if !Is(err, ErrConflict) {
		t.Fatalf("expected ledger error to unwrap to ErrConflict")
	}
	if got := err.Error(); got != "ledger error [apply_fill] instance 7: concurrent instance update" {
		t.Errorf("unexpected message: %s", got)
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, "context") != nil {
		t.Errorf("Wrap(nil) should return nil")
	}
}
