package workflow

import (
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/freshledger/models"
)

func (f *fixture) pay(t *testing.T, orderId int) {
	t.Helper()
	res, err := f.engine.Orders.ConfirmPayment(f.ctx, orderId, "")
	if err != nil || !res.Success {
		t.Fatalf("ConfirmPayment(%d): %v %+v", orderId, err, res)
	}
}

func (f *fixture) backdateReservations(t *testing.T, orderId int) {
	t.Helper()
	past := time.Now().UTC().Add(-time.Minute)
	if err := f.engine.DB.Model(&models.Reservation{}).
		Where("order_id = ? AND is_active = ?", orderId, true).
		Update("expires_at", past).Error; err != nil {
		t.Fatalf("backdate reservations: %v", err)
	}
}

func (f *fixture) activeReservations(t *testing.T, orderId int) int64 {
	t.Helper()
	var count int64
	if err := f.engine.DB.Model(&models.Reservation{}).
		Where("order_id = ? AND is_active = ?", orderId, true).
		Count(&count).Error; err != nil {
		t.Fatalf("count reservations: %v", err)
	}
	return count
}

func (f *fixture) assertPalletsUntouched(t *testing.T) {
	t.Helper()
	for _, p := range f.pallets(t) {
		if !p.CurrentWeight.Equal(p.InitialWeight) {
			t.Fatalf("pallet %d = %s, want %s", p.ID, p.CurrentWeight, p.InitialWeight)
		}
	}
}

func TestIntegrationReleaseReservationsIsIdempotent(t *testing.T) {
	f := newFixture(t, "30", "50")
	placed := f.placeOrder(t, 101, "40")
	if !placed.Success {
		t.Fatalf("place refused: %s", placed.Message)
	}
	orderId := placed.Order.ID

	released, err := f.engine.Reservations.ReleaseReservations(f.ctx, orderId)
	if err != nil {
		t.Fatalf("ReleaseReservations: %v", err)
	}
	if released != 2 {
		t.Fatalf("released = %d, want 2", released)
	}
	again, err := f.engine.Reservations.ReleaseReservations(f.ctx, orderId)
	if err != nil {
		t.Fatalf("second ReleaseReservations: %v", err)
	}
	if again != 0 {
		t.Fatalf("second release = %d, want 0", again)
	}

	res, err := f.engine.Reservations.ConvertReservationsToAllocations(f.ctx, orderId)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if res.Kind != models.ErrorKindNoActiveReservations {
		t.Fatalf("convert after release kind = %s", res.Kind)
	}
	f.assertPalletsUntouched(t)

	// released stock is available again
	if next := f.placeOrder(t, 102, "80"); !next.Success {
		t.Fatalf("place after release refused: %s", next.Message)
	}
}

func TestIntegrationExtendReservation(t *testing.T) {
	f := newFixture(t, "30", "50")
	placed := f.placeOrder(t, 101, "40")
	if !placed.Success {
		t.Fatalf("place refused: %s", placed.Message)
	}
	orderId := placed.Order.ID

	invalid, err := f.engine.Reservations.ExtendReservation(f.ctx, orderId, 0)
	if err != nil {
		t.Fatalf("extend by zero: %v", err)
	}
	if invalid.Kind != models.ErrorKindInvalidInput {
		t.Fatalf("extend by zero kind = %s", invalid.Kind)
	}

	before := map[int]time.Time{}
	for _, r := range placed.Reservations {
		before[r.ID] = r.ExpiresAt
	}
	res, err := f.engine.Reservations.ExtendReservation(f.ctx, orderId, 15*time.Minute)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if !res.Success {
		t.Fatalf("extend refused: %s", res.Message)
	}

	var reservations []models.Reservation
	f.engine.DB.Where("order_id = ?", orderId).Find(&reservations)
	latest := time.Time{}
	for _, r := range reservations {
		want := before[r.ID].Add(15 * time.Minute)
		if r.ExpiresAt.Sub(want).Abs() > time.Second {
			t.Fatalf("reservation %d expires %s, want %s", r.ID, r.ExpiresAt, want)
		}
		if r.ExpiresAt.After(latest) {
			latest = r.ExpiresAt
		}
	}
	order, err := models.GetOrder(f.ctx, orderId)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if order.ReservationExpiresAt == nil || order.ReservationExpiresAt.Sub(latest).Abs() > time.Second {
		t.Fatalf("order expiry = %v, want %s", order.ReservationExpiresAt, latest)
	}

	f.backdateReservations(t, orderId)
	lapsed, err := f.engine.Reservations.ExtendReservation(f.ctx, orderId, 15*time.Minute)
	if err != nil {
		t.Fatalf("extend lapsed: %v", err)
	}
	if lapsed.Kind != models.ErrorKindReservationExpired {
		t.Fatalf("extend lapsed kind = %s", lapsed.Kind)
	}
	if n := f.activeReservations(t, orderId); n != 0 {
		t.Fatalf("lapsed reservations still active: %d", n)
	}

	none, err := f.engine.Reservations.ExtendReservation(f.ctx, orderId, 15*time.Minute)
	if err != nil {
		t.Fatalf("extend released: %v", err)
	}
	if none.Kind != models.ErrorKindNoActiveReservations {
		t.Fatalf("extend released kind = %s", none.Kind)
	}
}

func TestIntegrationSweepThenConvert(t *testing.T) {
	f := newFixture(t, "30", "50")
	placed := f.placeOrder(t, 101, "40")
	if !placed.Success {
		t.Fatalf("place refused: %s", placed.Message)
	}
	orderId := placed.Order.ID
	f.pay(t, orderId)
	f.backdateReservations(t, orderId)

	sweep, err := f.engine.SweepExpired(f.ctx)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if sweep.Count != 2 || len(sweep.Orders) != 1 || sweep.Orders[0].OrderId != orderId {
		t.Fatalf("sweep = %+v", sweep)
	}
	if !sweep.Orders[0].Weight.Equal(kg("40")) {
		t.Fatalf("swept weight = %s, want 40", sweep.Orders[0].Weight)
	}
	second, err := f.engine.SweepExpired(f.ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if second.Count != 0 {
		t.Fatalf("second sweep count = %d", second.Count)
	}

	res, err := f.engine.Reservations.ConvertReservationsToAllocations(f.ctx, orderId)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if res.Kind != models.ErrorKindReservationExpired {
		t.Fatalf("convert after sweep kind = %s", res.Kind)
	}
	approve, err := f.engine.Approvals.ApproveOrderLoading(f.ctx, orderId, 9)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approve.Kind != models.ErrorKindNoActiveReservations {
		t.Fatalf("approve after sweep kind = %s", approve.Kind)
	}
	f.assertPalletsUntouched(t)

	var alerts []models.Alert
	f.engine.DB.Where("type = ?", models.AlertTypeReservationExpired).Find(&alerts)
	if len(alerts) != 1 || alerts[0].UserId == nil || *alerts[0].UserId != 101 {
		t.Fatalf("reservation alerts = %+v", alerts)
	}
}

func TestIntegrationReReserveAfterExpiry(t *testing.T) {
	f := newFixture(t, "30", "50")
	placed := f.placeOrder(t, 101, "40")
	if !placed.Success {
		t.Fatalf("place refused: %s", placed.Message)
	}
	orderId := placed.Order.ID
	f.backdateReservations(t, orderId)
	if _, err := f.engine.SweepExpired(f.ctx); err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}

	again, err := f.engine.Reservations.CreateReservations(f.ctx, orderId, f.product.ID, kg("40"), nil, 0)
	if err != nil {
		t.Fatalf("CreateReservations: %v", err)
	}
	if !again.Success {
		t.Fatalf("re-reserve refused: %s", again.Message)
	}

	res, err := f.engine.Reservations.ConvertReservationsToAllocations(f.ctx, orderId)
	if err != nil || !res.Success {
		t.Fatalf("convert: %v %+v", err, res)
	}
	repeat, err := f.engine.Reservations.ConvertReservationsToAllocations(f.ctx, orderId)
	if err != nil {
		t.Fatalf("repeat convert: %v", err)
	}
	if repeat.Kind != models.ErrorKindNoActiveReservations {
		t.Fatalf("repeat convert kind = %s, want NoActiveReservations", repeat.Kind)
	}

	converted, err := f.engine.Reservations.CreateReservations(f.ctx, orderId, f.product.ID, kg("10"), nil, 0)
	if err != nil {
		t.Fatalf("reserve converted order: %v", err)
	}
	if converted.Kind != models.ErrorKindInvalidOrderState {
		t.Fatalf("reserve converted order kind = %s", converted.Kind)
	}
}

func TestIntegrationCancelOrder(t *testing.T) {
	f := newFixture(t, "30", "50")
	placed := f.placeOrder(t, 101, "40")
	if !placed.Success {
		t.Fatalf("place refused: %s", placed.Message)
	}
	orderId := placed.Order.ID

	res, err := f.engine.Orders.CancelOrder(f.ctx, orderId)
	if err != nil || !res.Success {
		t.Fatalf("CancelOrder: %v %+v", err, res)
	}
	if n := f.activeReservations(t, orderId); n != 0 {
		t.Fatalf("cancelled order still holds %d reservations", n)
	}
	order, err := models.GetOrder(f.ctx, orderId)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if order.Status != models.OrderStatusCancelled || order.ReservationExpiresAt != nil {
		t.Fatalf("order after cancel: status=%s expires=%v", order.Status, order.ReservationExpiresAt)
	}

	twice, err := f.engine.Orders.CancelOrder(f.ctx, orderId)
	if err != nil || !twice.Success {
		t.Fatalf("second CancelOrder: %v %+v", err, twice)
	}
	convert, err := f.engine.Reservations.ConvertReservationsToAllocations(f.ctx, orderId)
	if err != nil {
		t.Fatalf("convert cancelled: %v", err)
	}
	if convert.Kind != models.ErrorKindInvalidOrderState {
		t.Fatalf("convert cancelled kind = %s", convert.Kind)
	}
	missing, err := f.engine.Orders.CancelOrder(f.ctx, 9999)
	if err != nil {
		t.Fatalf("cancel missing: %v", err)
	}
	if missing.Kind != models.ErrorKindOrderNotFound {
		t.Fatalf("cancel missing kind = %s", missing.Kind)
	}

	if next := f.placeOrder(t, 102, "80"); !next.Success {
		t.Fatalf("place after cancel refused: %s", next.Message)
	}
}

func TestIntegrationConvertedOrderCannotBeCancelledOrRefunded(t *testing.T) {
	f := newFixture(t, "30", "50")
	placed := f.placeOrder(t, 101, "40")
	if !placed.Success {
		t.Fatalf("place refused: %s", placed.Message)
	}
	orderId := placed.Order.ID
	f.pay(t, orderId)

	res, err := f.engine.Reservations.ConvertReservationsToAllocations(f.ctx, orderId)
	if err != nil || !res.Success {
		t.Fatalf("convert: %v %+v", err, res)
	}

	cancel, err := f.engine.Orders.CancelOrder(f.ctx, orderId)
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if cancel.Kind != models.ErrorKindInvalidOrderState {
		t.Fatalf("cancel converted kind = %s", cancel.Kind)
	}
	refund, err := f.engine.Orders.MarkPaymentRefunded(f.ctx, orderId)
	if err != nil {
		t.Fatalf("MarkPaymentRefunded: %v", err)
	}
	if refund.Kind != models.ErrorKindInvalidOrderState {
		t.Fatalf("refund converted kind = %s", refund.Kind)
	}

	order, err := models.GetOrder(f.ctx, orderId)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if order.Status == models.OrderStatusCancelled || order.PaymentStatus != models.PaymentStatusPaid {
		t.Fatalf("order changed: status=%s payment=%s", order.Status, order.PaymentStatus)
	}
	pallets := f.pallets(t)
	if !pallets[0].CurrentWeight.IsZero() || !pallets[1].CurrentWeight.Equal(kg("40")) {
		t.Fatalf("pallets = %s, %s; want 0, 40", pallets[0].CurrentWeight, pallets[1].CurrentWeight)
	}

	repeat, err := f.engine.Reservations.ConvertReservationsToAllocations(f.ctx, orderId)
	if err != nil {
		t.Fatalf("repeat convert: %v", err)
	}
	if repeat.Kind != models.ErrorKindNoActiveReservations {
		t.Fatalf("repeat convert kind = %s, want NoActiveReservations", repeat.Kind)
	}

	// nothing is left for loading approval to convert
	approve, err := f.engine.Approvals.ApproveOrderLoading(f.ctx, orderId, 9)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approve.Kind != models.ErrorKindNoActiveReservations {
		t.Fatalf("approve converted kind = %s", approve.Kind)
	}
}

func TestIntegrationBulkApproveIsolatesFailures(t *testing.T) {
	f := newFixture(t, "100")
	first := f.placeOrder(t, 101, "20")
	unpaid := f.placeOrder(t, 102, "20")
	third := f.placeOrder(t, 103, "20")
	for _, p := range []*PlaceOrderResult{first, unpaid, third} {
		if !p.Success {
			t.Fatalf("place refused: %s", p.Message)
		}
	}
	f.pay(t, first.Order.ID)
	f.pay(t, third.Order.ID)

	ids := []int{first.Order.ID, unpaid.Order.ID, third.Order.ID, 9999}
	results := f.engine.Approvals.BulkApproveLoading(f.ctx, ids, 9)
	if len(results) != len(ids) {
		t.Fatalf("results = %d, want %d", len(results), len(ids))
	}
	want := []struct {
		success bool
		kind    models.ErrorKind
	}{
		{true, models.ErrorKindNone},
		{false, models.ErrorKindPaymentNotConfirmed},
		{true, models.ErrorKindNone},
		{false, models.ErrorKindOrderNotFound},
	}
	for i, r := range results {
		if r.OrderId != ids[i] {
			t.Fatalf("result %d order = %d, want %d", i, r.OrderId, ids[i])
		}
		if r.Success != want[i].success || r.Kind != want[i].kind {
			t.Fatalf("result %d = success %v kind %s, want %v %s", i, r.Success, r.Kind, want[i].success, want[i].kind)
		}
	}

	pallet := f.pallets(t)[0]
	if !pallet.CurrentWeight.Equal(kg("60")) {
		t.Fatalf("pallet = %s, want 60 after two 20 kg approvals", pallet.CurrentWeight)
	}
	if n := f.activeReservations(t, unpaid.Order.ID); n != 1 {
		t.Fatalf("unpaid order reservations = %d, want 1", n)
	}
}

func TestIntegrationApprovalsAndPlacementsRunConcurrently(t *testing.T) {
	f := newFixture(t, "100")
	const paid = 5
	const incoming = 6

	paidIds := make([]int, 0, paid)
	for i := 0; i < paid; i++ {
		placed := f.placeOrder(t, 300+i, "10")
		if !placed.Success {
			t.Fatalf("place refused: %s", placed.Message)
		}
		f.pay(t, placed.Order.ID)
		paidIds = append(paidIds, placed.Order.ID)
	}

	var wg sync.WaitGroup
	approvals := make([]*models.OperationResult, paid)
	approvalErrs := make([]error, paid)
	placements := make([]*PlaceOrderResult, incoming)
	placementErrs := make([]error, incoming)
	for i, orderId := range paidIds {
		wg.Add(1)
		go func(i, orderId int) {
			defer wg.Done()
			approvals[i], approvalErrs[i] = f.engine.Approvals.ApproveOrderLoading(f.ctx, orderId, 9)
		}(i, orderId)
	}
	for i := 0; i < incoming; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			placements[i], placementErrs[i] = f.engine.Orders.PlaceOrder(f.ctx, &NewOrder{
				DistributorId: 400 + i,
				Items:         []NewOrderLine{{ProductId: f.product.ID, Weight: kg("10")}},
			})
		}(i)
	}
	wg.Wait()

	for i := range approvals {
		if approvalErrs[i] != nil {
			t.Fatalf("approval %d: %v", i, approvalErrs[i])
		}
		if !approvals[i].Success {
			t.Fatalf("approval %d refused: %s", i, approvals[i].Message)
		}
	}
	placed := 0
	for i := range placements {
		if placementErrs[i] != nil {
			t.Fatalf("placement %d: %v", i, placementErrs[i])
		}
		if placements[i].Success {
			placed++
		} else if placements[i].Kind != models.ErrorKindInsufficientStock {
			t.Fatalf("placement %d refused with %s", i, placements[i].Kind)
		}
	}
	if placed != 5 {
		t.Fatalf("placed = %d, want 5 (50 kg left after five 10 kg loads)", placed)
	}

	pallet := f.pallets(t)[0]
	if !pallet.CurrentWeight.Equal(kg("50")) {
		t.Fatalf("pallet = %s, want 50", pallet.CurrentWeight)
	}
}
