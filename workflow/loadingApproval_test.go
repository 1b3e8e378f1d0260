package workflow

import (
	"testing"
	"time"

	"github.com/mmdatafocus/freshledger/models"
)

func TestCheckApprovalPreconditions(t *testing.T) {
	approvedAt := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	paid := func() *models.Order {
		return &models.Order{ID: 1, OrderNumber: "ORD-1", Status: models.OrderStatusConfirmed, PaymentStatus: models.PaymentStatusPaid}
	}

	cases := []struct {
		name    string
		order   *models.Order
		active  int64
		expired int64
		want    models.ErrorKind
	}{
		{name: "missing order", order: nil, active: 1, want: models.ErrorKindOrderNotFound},
		{name: "already approved wins over unpaid", order: &models.Order{OrderNumber: "ORD-2", LoadingApprovedAt: &approvedAt, PaymentStatus: models.PaymentStatusPending}, active: 1, want: models.ErrorKindAlreadyApproved},
		{name: "unpaid", order: &models.Order{OrderNumber: "ORD-3", PaymentStatus: models.PaymentStatusPending}, active: 1, want: models.ErrorKindPaymentNotConfirmed},
		{name: "payment failed", order: &models.Order{OrderNumber: "ORD-4", PaymentStatus: models.PaymentStatusFailed}, active: 1, want: models.ErrorKindPaymentNotConfirmed},
		{name: "cancelled", order: &models.Order{OrderNumber: "ORD-5", Status: models.OrderStatusCancelled, PaymentStatus: models.PaymentStatusPaid}, active: 1, want: models.ErrorKindInvalidOrderState},
		{name: "nothing reserved", order: paid(), want: models.ErrorKindNoActiveReservations},
		{name: "reservations lapsed", order: paid(), expired: 2, want: models.ErrorKindNoActiveReservations},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := checkApprovalPreconditions(tc.order, 99, tc.active, tc.expired)
			if res == nil {
				t.Fatalf("expected refusal %s, got nil", tc.want)
			}
			if res.Success || res.Kind != tc.want {
				t.Fatalf("kind = %s, want %s (%s)", res.Kind, tc.want, res.Message)
			}
		})
	}

	if res := checkApprovalPreconditions(paid(), 1, 2, 0); res != nil {
		t.Fatalf("paid order with live reservations refused: %s", res.Message)
	}
}
