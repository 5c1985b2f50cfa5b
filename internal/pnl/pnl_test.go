package pnl

import (
	"testing"
	"time"

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

func TestOnFillBuyRollsAverageEntry(t *testing.T) {
	t.Parallel()

	tr := New()
	tr.OnFill(Fill{Side: types.Buy, Price: dec("100"), Size: dec("1"), Timestamp: time.Now()})
	tr.OnFill(Fill{Side: types.Buy, Price: dec("200"), Size: dec("1"), Timestamp: time.Now()})

	snap := tr.Snapshot()
	if !snap.BaseQty.Equal(dec("2")) {
		t.Errorf("BaseQty = %s, want 2", snap.BaseQty)
	}
	if !snap.AvgEntry.Equal(dec("150")) {
		t.Errorf("AvgEntry = %s, want 150", snap.AvgEntry)
	}
}

func TestOnFillSellRealizesPnL(t *testing.T) {
	t.Parallel()

	tr := New()
	tr.OnFill(Fill{Side: types.Buy, Price: dec("100"), Size: dec("2"), Timestamp: time.Now()})
	tr.OnFill(Fill{Side: types.Sell, Price: dec("120"), Size: dec("1"), Timestamp: time.Now()})

	snap := tr.Snapshot()
	if !snap.RealizedPnL.Equal(dec("20")) {
		t.Errorf("RealizedPnL = %s, want 20", snap.RealizedPnL)
	}
	if !snap.BaseQty.Equal(dec("1")) {
		t.Errorf("BaseQty = %s, want 1", snap.BaseQty)
	}
}

func TestOnFillSellClosingPositionZeroesAvgEntry(t *testing.T) {
	t.Parallel()

	tr := New()
	tr.OnFill(Fill{Side: types.Buy, Price: dec("100"), Size: dec("1"), Timestamp: time.Now()})
	tr.OnFill(Fill{Side: types.Sell, Price: dec("110"), Size: dec("1"), Timestamp: time.Now()})

	snap := tr.Snapshot()
	if !snap.BaseQty.IsZero() || !snap.AvgEntry.IsZero() {
		t.Errorf("expected flat position, got BaseQty=%s AvgEntry=%s", snap.BaseQty, snap.AvgEntry)
	}
}

func TestUpdateMarkToMarket(t *testing.T) {
	t.Parallel()

	tr := New()
	tr.OnFill(Fill{Side: types.Buy, Price: dec("100"), Size: dec("2"), Timestamp: time.Now()})
	tr.UpdateMarkToMarket(dec("110"))

	snap := tr.Snapshot()
	if !snap.UnrealizedPnL.Equal(dec("20")) {
		t.Errorf("UnrealizedPnL = %s, want 20", snap.UnrealizedPnL)
	}
}
