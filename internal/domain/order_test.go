package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestValidAccountID(t *testing.T) {
	valid := []string{"acct-1", "ACCT_22", "a", "0123456789"}
	for _, id := range valid {
		if !ValidAccountID(id) {
			t.Errorf("Expected %q to be valid", id)
		}
	}

	invalid := []string{"", "has space", "acct!", "acct.1", "acct/1",
		"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"} // 65 chars
	for _, id := range invalid {
		if ValidAccountID(id) {
			t.Errorf("Expected %q to be invalid", id)
		}
	}
}

func TestNormalizeSide(t *testing.T) {
	cases := map[string]string{
		"buy":    SideBuy,
		" SELL ": SideSell,
		"Buy":    SideBuy,
		"hold":   "HOLD",
	}
	for in, want := range cases {
		if got := NormalizeSide(in); got != want {
			t.Errorf("NormalizeSide(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestOrder_Notional(t *testing.T) {
	o := Order{Quantity: decimal.NewFromInt(100), LimitPrice: decimal.NewFromInt(50)}
	if !o.Notional().Equal(decimal.NewFromInt(5000)) {
		t.Errorf("Expected notional 5000, got %s", o.Notional())
	}
}

func TestPositionKey(t *testing.T) {
	o := Order{AccountID: "acct-1", Symbol: "AAPL"}
	e := Execution{AccountID: "acct-1", Symbol: "AAPL"}
	p := Position{AccountID: "acct-1", Symbol: "AAPL"}

	if o.PositionKey() != "acct-1|AAPL" {
		t.Errorf("Unexpected key %q", o.PositionKey())
	}
	if o.PositionKey() != e.PositionKey() || e.PositionKey() != p.Key() {
		t.Error("Order, execution and position must share the linearization key")
	}
}
