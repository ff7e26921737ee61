package money

import "testing"

func TestAmountRoundsHalfUp(t *testing.T) {
	cases := map[string]string{
		"1.005":  "1.01",
		"2.004":  "2",
		"-1.005": "-1.01",
		"10":     "10",
	}
	for in, want := range cases {
		got := Amount(MustParse(in))
		if !got.Equal(MustParse(want)) {
			t.Fatalf("Amount(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestQuantityKeepsFourDecimals(t *testing.T) {
	got := Quantity(MustParse("1.23456"))
	if got.String() != "1.2346" {
		t.Fatalf("expected 1.2346, got %s", got)
	}
	if Stock(MustParse("0.0005")).String() != "0.001" {
		t.Fatalf("expected stock rounding to 3 decimals")
	}
}

func TestSplit(t *testing.T) {
	in, out := Split(MustParse("-12.5"))
	if !in.IsZero() || !out.Equal(MustParse("12.5")) {
		t.Fatalf("negative net should land in out, got in=%s out=%s", in, out)
	}
	in, out = Split(MustParse("3"))
	if !in.Equal(MustParse("3")) || !out.IsZero() {
		t.Fatalf("positive net should land in in, got in=%s out=%s", in, out)
	}
}
