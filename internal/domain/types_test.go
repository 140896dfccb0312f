package domain

import (
	"testing"
	"time"
)

func TestOrderIsExpired(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	cases := []struct {
		name    string
		order   Order
		expired bool
	}{
		{
			name:    "unpaid online past window",
			order:   Order{PaymentStatus: PaymentStatusUnpaid, PaymentMethod: PaymentMethodOnline, ExpiresAt: now.Add(-time.Second)},
			expired: true,
		},
		{
			name:    "unpaid online inside window",
			order:   Order{PaymentStatus: PaymentStatusUnpaid, PaymentMethod: PaymentMethodOnline, ExpiresAt: now.Add(time.Minute)},
			expired: false,
		},
		{
			name:    "unpaid online exactly at deadline",
			order:   Order{PaymentStatus: PaymentStatusUnpaid, PaymentMethod: PaymentMethodOnline, ExpiresAt: now},
			expired: false,
		},
		{
			name:    "paid online past window",
			order:   Order{PaymentStatus: PaymentStatusPaid, PaymentMethod: PaymentMethodOnline, ExpiresAt: now.Add(-time.Hour)},
			expired: false,
		},
		{
			name:    "unpaid at delivery past window",
			order:   Order{PaymentStatus: PaymentStatusUnpaid, PaymentMethod: PaymentMethodAtDelivery, ExpiresAt: now.Add(-time.Hour)},
			expired: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.order.IsExpired(now); got != tc.expired {
				t.Fatalf("IsExpired = %v, want %v", got, tc.expired)
			}
		})
	}
}

func TestOrderTransactionIsReusable(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	pending := OrderTransaction{Status: TransactionStatusPending, Meta: TransactionMeta{ExpiresAt: now.Add(time.Minute)}}
	if !pending.IsReusable(now) {
		t.Fatalf("pending attempt inside its window must be reusable")
	}

	stale := OrderTransaction{Status: TransactionStatusPending, Meta: TransactionMeta{ExpiresAt: now.Add(-time.Minute)}}
	if stale.IsReusable(now) {
		t.Fatalf("stale attempt must not be reusable")
	}

	settled := OrderTransaction{Status: TransactionStatusSuccess, Meta: TransactionMeta{ExpiresAt: now.Add(time.Minute)}}
	if settled.IsReusable(now) {
		t.Fatalf("settled attempt must not be reusable")
	}
}
