package quantizer

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"gridbot/pkg/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testTable() *Table {
	t := NewTable()
	t.Set(types.VenueA, "THB_BTC", Rule{
		MinSize:     dec("0.0001"),
		MinNotional: dec("10"),
		SizeStep:    dec("0.0001"),
		PriceTick:   dec("0.01"),
	})
	return t
}

// Universal property 2: round_price(round_price(x)) == round_price(x).
func TestRoundPriceIdempotent(t *testing.T) {
	t.Parallel()

	tick := dec("0.01")
	for _, x := range []string{"100.004", "99.999", "0.001", "12345.678"} {
		once := RoundPrice(dec(x), tick)
		twice := RoundPrice(once, tick)
		if !once.Equal(twice) {
			t.Errorf("round_price not idempotent for %s: once=%s twice=%s", x, once, twice)
		}
	}
}

func TestRoundSizeIdempotent(t *testing.T) {
	t.Parallel()

	step := dec("0.0001")
	for _, x := range []string{"1.23456", "0.00005", "99.99999"} {
		once := RoundSize(dec(x), step)
		twice := RoundSize(once, step)
		if !once.Equal(twice) {
			t.Errorf("round_size not idempotent for %s: once=%s twice=%s", x, once, twice)
		}
	}
}

func TestValidateBelowMinSize(t *testing.T) {
	t.Parallel()

	tbl := testTable()
	known, err := Validate(tbl, types.VenueA, "THB_BTC", dec("0.00001"), dec("100"))
	if !known {
		t.Fatal("expected known symbol")
	}
	var rej *types.ValidatorRejection
	if !errors.As(err, &rej) || rej.Reason != types.ReasonBelowMinSize {
		t.Fatalf("expected BelowMinSize rejection, got %v", err)
	}
}

func TestValidateBelowMinNotional(t *testing.T) {
	t.Parallel()

	tbl := testTable()
	known, err := Validate(tbl, types.VenueA, "THB_BTC", dec("0.001"), dec("100"))
	if !known {
		t.Fatal("expected known symbol")
	}
	var rej *types.ValidatorRejection
	if !errors.As(err, &rej) || rej.Reason != types.ReasonBelowMinNotional {
		t.Fatalf("expected BelowMinNotional rejection, got %v", err)
	}
}

func TestValidateBadPriceTick(t *testing.T) {
	t.Parallel()

	tbl := testTable()
	known, err := Validate(tbl, types.VenueA, "THB_BTC", dec("1"), dec("100.0037"))
	if !known {
		t.Fatal("expected known symbol")
	}
	var rej *types.ValidatorRejection
	if !errors.As(err, &rej) || rej.Reason != types.ReasonBadPriceTick {
		t.Fatalf("expected BadPriceTick rejection, got %v", err)
	}
}

func TestValidateWithinStepToleranceOk(t *testing.T) {
	t.Parallel()

	tbl := testTable()
	// 0.01 tick, 0.1% tolerance of 0.01 = 0.00001 — a sub-tolerance
	// deviation must pass.
	known, err := Validate(tbl, types.VenueA, "THB_BTC", dec("1"), dec("100.000005"))
	if !known {
		t.Fatal("expected known symbol")
	}
	if err != nil {
		t.Fatalf("expected no rejection within tolerance, got %v", err)
	}
}

func TestValidateOk(t *testing.T) {
	t.Parallel()

	tbl := testTable()
	known, err := Validate(tbl, types.VenueA, "THB_BTC", dec("1"), dec("100.00"))
	if !known {
		t.Fatal("expected known symbol")
	}
	if err != nil {
		t.Fatalf("expected valid order, got %v", err)
	}
}

func TestValidateUnknownSymbolPassesPermissively(t *testing.T) {
	t.Parallel()

	tbl := NewTable()
	known, err := Validate(tbl, types.VenueA, "UNKNOWN_SYM", dec("0.00000001"), dec("1"))
	if known {
		t.Fatal("expected unknown symbol")
	}
	if err != nil {
		t.Fatalf("expected permissive pass, got %v", err)
	}
}
