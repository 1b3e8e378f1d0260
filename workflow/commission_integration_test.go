package workflow

import (
	"testing"
	"time"

	"github.com/mmdatafocus/freshledger/models"
)

type commissionFixture struct {
	*fixture
	cycle *models.SalesCycle
}

func newCommissionFixture(t *testing.T) *commissionFixture {
	t.Helper()
	f := newFixture(t, "500")
	lead := 100
	custom := kg("12")
	profiles := []*models.NewDistributorProfile{
		{UserId: 100, Name: "Daw Hla", Role: models.DistributorRoleTeamLeader},
		{UserId: 101, Name: "Ko Min", TeamLeaderId: &lead, CustomCommissionRate: &custom},
		{UserId: 102, Name: "Ma Aye", TeamLeaderId: &lead},
	}
	for _, p := range profiles {
		if _, err := models.UpsertDistributorProfile(f.ctx, p); err != nil {
			t.Fatalf("UpsertDistributorProfile(%d): %v", p.UserId, err)
		}
	}
	start := time.Now().UTC()
	cycle, err := models.CreateSalesCycle(f.ctx, &models.NewSalesCycle{Name: "Cycle 1", StartDate: start, EndDate: start.AddDate(0, 0, 13)})
	if err != nil {
		t.Fatalf("CreateSalesCycle: %v", err)
	}
	if res, err := f.engine.Cycles.ActivateCycle(f.ctx, cycle.ID); err != nil || !res.Success {
		t.Fatalf("ActivateCycle: %v %+v", err, res)
	}
	return &commissionFixture{fixture: f, cycle: cycle}
}

func (f *commissionFixture) placePaid(t *testing.T, distributorId int, weights ...string) []int {
	t.Helper()
	ids := make([]int, 0, len(weights))
	for _, w := range weights {
		placed := f.placeOrder(t, distributorId, w)
		if !placed.Success {
			t.Fatalf("place refused: %s", placed.Message)
		}
		f.pay(t, placed.Order.ID)
		ids = append(ids, placed.Order.ID)
	}
	return ids
}

func TestIntegrationCycleCommissionUsesCumulativeTier(t *testing.T) {
	f := newCommissionFixture(t)
	// two orders in the 15% tier on their own, 60 kg together
	f.placePaid(t, 101, "25", "35")

	for i := 0; i < 2; i++ {
		res, err := f.engine.Commissions.CalculateCycleCommission(f.ctx, 101, f.cycle.ID)
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if !res.Success || len(res.Commissions) != 1 {
			t.Fatalf("run %d: %+v", i, res)
		}
		row := res.Commissions[0]
		// the negotiated 12% does not apply to cycle totals
		if !row.Rate.Equal(kg("17")) || !row.CommissionAmount.Equal(kg("51")) {
			t.Fatalf("run %d: rate %s amount %s, want 17%% and 51", i, row.Rate, row.CommissionAmount)
		}
		if !row.TotalWeight.Equal(kg("60")) || !row.BaseAmount.Equal(kg("300")) {
			t.Fatalf("run %d: weight %s base %s", i, row.TotalWeight, row.BaseAmount)
		}
		if row.CycleId == nil || *row.CycleId != f.cycle.ID {
			t.Fatalf("run %d: cycle id = %v", i, row.CycleId)
		}
	}

	var rows int64
	f.engine.DB.Model(&models.Commission{}).
		Where("window_key = ? AND user_id = ?", models.CycleWindowKey(f.cycle.ID), 101).
		Count(&rows)
	if rows != 1 {
		t.Fatalf("cycle commission rows = %d, want 1", rows)
	}
}

func TestIntegrationCycleCommissionTopTierSkipsUnpaid(t *testing.T) {
	f := newCommissionFixture(t)
	f.placePaid(t, 102, "20", "20", "20", "20")
	if unpaid := f.placeOrder(t, 102, "20"); !unpaid.Success {
		t.Fatalf("place refused: %s", unpaid.Message)
	}

	res, err := f.engine.Commissions.CalculateCycleCommission(f.ctx, 102, f.cycle.ID)
	if err != nil {
		t.Fatalf("CalculateCycleCommission: %v", err)
	}
	if !res.Success || len(res.Commissions) != 1 {
		t.Fatalf("result: %+v", res)
	}
	row := res.Commissions[0]
	if !row.TotalWeight.Equal(kg("80")) || !row.Rate.Equal(kg("20")) || !row.CommissionAmount.Equal(kg("80")) {
		t.Fatalf("weight %s rate %s amount %s, want 80 kg at 20%% = 80", row.TotalWeight, row.Rate, row.CommissionAmount)
	}

	none, err := f.engine.Commissions.CalculateCycleCommission(f.ctx, 103, f.cycle.ID)
	if err != nil {
		t.Fatalf("distributor without orders: %v", err)
	}
	if none.Kind != models.ErrorKindNoPaidOrders {
		t.Fatalf("distributor without orders kind = %s", none.Kind)
	}
}

func TestIntegrationTeamLeaderCycleCommission(t *testing.T) {
	f := newCommissionFixture(t)
	f.placePaid(t, 101, "25", "35")
	f.placePaid(t, 102, "20", "20", "20", "20")

	for i := 0; i < 2; i++ {
		res, err := f.engine.Commissions.CalculateTeamLeaderCycleCommission(f.ctx, 100, f.cycle.ID)
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if !res.Success || len(res.Commissions) != 1 {
			t.Fatalf("run %d: %+v", i, res)
		}
		row := res.Commissions[0]
		if row.CommissionType != models.CommissionTypeTeamLeader {
			t.Fatalf("run %d: type = %s", i, row.CommissionType)
		}
		// 140 kg of team revenue at 5/kg = 700, 5% of that
		if !row.BaseAmount.Equal(kg("700")) || !row.CommissionAmount.Equal(kg("35")) {
			t.Fatalf("run %d: base %s amount %s, want 700 and 35", i, row.BaseAmount, row.CommissionAmount)
		}
	}

	var rows int64
	f.engine.DB.Model(&models.Commission{}).
		Where("window_key = ? AND user_id = ?", models.CycleWindowKey(f.cycle.ID), 100).
		Count(&rows)
	if rows != 1 {
		t.Fatalf("team leader cycle rows = %d, want 1", rows)
	}

	notLead, err := f.engine.Commissions.CalculateTeamLeaderCycleCommission(f.ctx, 101, f.cycle.ID)
	if err != nil {
		t.Fatalf("non-lead: %v", err)
	}
	if notLead.Kind != models.ErrorKindInvalidInput {
		t.Fatalf("non-lead kind = %s", notLead.Kind)
	}
}

func TestIntegrationOrderCommissionHonoursCustomRate(t *testing.T) {
	f := newCommissionFixture(t)
	ids := f.placePaid(t, 101, "25")

	res, err := f.engine.Commissions.CalculateOrderCommission(f.ctx, ids[0])
	if err != nil {
		t.Fatalf("CalculateOrderCommission: %v", err)
	}
	if !res.Success || len(res.Commissions) != 2 {
		t.Fatalf("result: %+v", res)
	}
	distributor, lead := res.Commissions[0], res.Commissions[1]
	// 125 * 12% and 125 * 5%
	if !distributor.Rate.Equal(kg("12")) || !distributor.CommissionAmount.Equal(kg("15")) {
		t.Fatalf("distributor rate %s amount %s, want 12%% and 15", distributor.Rate, distributor.CommissionAmount)
	}
	if lead.UserId != 100 || !lead.CommissionAmount.Equal(kg("6.25")) {
		t.Fatalf("lead row user %d amount %s, want 100 and 6.25", lead.UserId, lead.CommissionAmount)
	}
}

func TestIntegrationCycleCommissionNeedsActivatedCycle(t *testing.T) {
	f := newCommissionFixture(t)
	start := time.Now().UTC().AddDate(0, 0, 14)
	draft, err := models.CreateSalesCycle(f.ctx, &models.NewSalesCycle{Name: "Cycle 2", StartDate: start, EndDate: start.AddDate(0, 0, 13)})
	if err != nil {
		t.Fatalf("CreateSalesCycle: %v", err)
	}
	for _, cycleId := range []int{draft.ID, 9999} {
		res, err := f.engine.Commissions.CalculateCycleCommission(f.ctx, 101, cycleId)
		if err != nil {
			t.Fatalf("cycle %d: %v", cycleId, err)
		}
		if res.Kind != models.ErrorKindCycleNotFoundOrInactive {
			t.Fatalf("cycle %d kind = %s", cycleId, res.Kind)
		}
	}
}
