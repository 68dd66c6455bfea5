package models

import "testing"

func TestRefundableAmount(t *testing.T) {
	cases := []struct {
		total    int64
		refunded int64
		want     int64
	}{
		{total: 1000, refunded: 0, want: 1000},
		{total: 1000, refunded: 400, want: 600},
		{total: 1000, refunded: 1000, want: 0},
		{total: 1000, refunded: 1200, want: 0},
	}
	for _, tc := range cases {
		if got := RefundableAmount(tc.total, tc.refunded); got != tc.want {
			t.Fatalf("refundable(%d, %d) = %d, want %d", tc.total, tc.refunded, got, tc.want)
		}
	}
}

func TestMinorYuanConversion(t *testing.T) {
	if got := MinorToYuan(1000); got != "10.00" {
		t.Fatalf("unexpected yuan: %s", got)
	}
	if got := MinorToYuan(1); got != "0.01" {
		t.Fatalf("unexpected yuan: %s", got)
	}
	minor, err := YuanToMinor("10.50")
	if err != nil {
		t.Fatalf("convert yuan failed: %v", err)
	}
	if minor != 1050 {
		t.Fatalf("unexpected minor: %d", minor)
	}
	if _, err := YuanToMinor("0.001"); err == nil {
		t.Fatalf("expected precision error")
	}
	if _, err := YuanToMinor("abc"); err == nil {
		t.Fatalf("expected parse error")
	}
}
