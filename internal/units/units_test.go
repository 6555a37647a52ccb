package units

import (
	"math/big"
	"testing"
)

func TestFormat(t *testing.T) {
	cases := []struct {
		raw      string
		decimals uint8
		want     string
	}{
		{"0", 6, "0"},
		{"1000000", 6, "1"},
		{"1500000", 6, "1.5"},
		{"1050000", 6, "1.05"},
		{"123", 6, "0.000123"},
		{"-2500000", 6, "-2.5"},
		{"100000000", 8, "1"},
	}

	for _, tc := range cases {
		raw, ok := new(big.Int).SetString(tc.raw, 10)
		if !ok {
			t.Fatalf("bad fixture: %s", tc.raw)
		}
		if got := Format(raw, tc.decimals); got != tc.want {
			t.Fatalf("Format(%s, %d) = %q, want %q", tc.raw, tc.decimals, got, tc.want)
		}
	}
}

func TestParseRoundTrip(t *testing.T) {
	for _, s := range []string{"1", "1.5", "0.000123", "60000"} {
		raw, err := Parse(s, 6)
		if err != nil {
			t.Fatalf("parse %q: %v", s, err)
		}
		if got := Format(raw, 6); got != s {
			t.Fatalf("round trip %q -> %q", s, got)
		}
	}
}

func TestParseRejectsExcessPrecision(t *testing.T) {
	if _, err := Parse("1.1234567", 6); err == nil {
		t.Fatalf("expected error for 7 fractional digits at 6 decimals")
	}
}

func TestFraction(t *testing.T) {
	got := Fraction(big.NewInt(1000), 9000, 10000)
	if got.Int64() != 900 {
		t.Fatalf("Fraction = %d, want 900", got.Int64())
	}
}
