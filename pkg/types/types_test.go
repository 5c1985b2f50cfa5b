package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestRuntimeStateCloneIsIndependent(t *testing.T) {
	t.Parallel()

	s := RuntimeState{
		BotState:     StateRunning,
		ActiveLevels: map[int]struct{}{1: {}, 2: {}},
		Inventory:    map[string]decimal.Decimal{"base": decimal.NewFromInt(10)},
	}

	clone := s.Clone()
	clone.ActiveLevels[3] = struct{}{}
	clone.Inventory["base"] = decimal.NewFromInt(99)

	if _, ok := s.ActiveLevels[3]; ok {
		t.Fatal("mutating clone's ActiveLevels leaked into original")
	}
	if !s.Inventory["base"].Equal(decimal.NewFromInt(10)) {
		t.Fatal("mutating clone's Inventory leaked into original")
	}
}

func TestTickerMidPrefersBidAsk(t *testing.T) {
	t.Parallel()

	tk := Ticker{
		Bid:  decimal.NewFromFloat(99),
		Ask:  decimal.NewFromFloat(101),
		Last: decimal.NewFromFloat(50),
	}
	if !tk.Mid().Equal(decimal.NewFromFloat(100)) {
		t.Fatalf("Mid() = %v, want 100", tk.Mid())
	}
}

func TestTickerMidFallsBackToLast(t *testing.T) {
	t.Parallel()

	tk := Ticker{Last: decimal.NewFromFloat(42)}
	if !tk.Mid().Equal(decimal.NewFromFloat(42)) {
		t.Fatalf("Mid() = %v, want 42", tk.Mid())
	}
}

func TestValidatorRejectionError(t *testing.T) {
	t.Parallel()

	err := NewValidatorRejection(ReasonBelowMinSize, "size 0.001 < min 0.01")
	want := "below_min_size: size 0.001 < min 0.01"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}
