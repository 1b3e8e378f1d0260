package workflow

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/mmdatafocus/freshledger/config"
	"github.com/mmdatafocus/freshledger/models"
	"github.com/mmdatafocus/freshledger/utils"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const integrationPort = 55433

var (
	pgOnce    sync.Once
	pgErr     error
	pgServer  *embeddedpostgres.EmbeddedPostgres
	pgRuntime string
)

func TestMain(m *testing.M) {
	code := m.Run()
	if pgServer != nil {
		_ = pgServer.Stop()
	}
	if pgRuntime != "" {
		_ = os.RemoveAll(pgRuntime)
	}
	os.Exit(code)
}

// integrationDB starts one embedded Postgres per test binary and hands every test an empty,
// migrated schema.
func integrationDB(t *testing.T) *gorm.DB {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (downloads embedded postgres)")
	}
	pgOnce.Do(func() {
		pgRuntime, pgErr = os.MkdirTemp("", "freshledger-pg-")
		if pgErr != nil {
			return
		}
		pgServer = embeddedpostgres.NewDatabase(embeddedpostgres.DefaultConfig().
			Username("postgres").
			Password("postgres").
			Database("freshledger_test").
			Port(integrationPort).
			RuntimePath(pgRuntime).
			StartTimeout(90 * time.Second).
			Logger(io.Discard))
		if pgErr = pgServer.Start(); pgErr != nil {
			pgServer = nil
			return
		}
		dsn := fmt.Sprintf("host=127.0.0.1 port=%d user=postgres password=postgres dbname=freshledger_test sslmode=disable TimeZone=UTC", integrationPort)
		var db *gorm.DB
		if db, pgErr = config.OpenDatabase(postgres.Open(dsn)); pgErr != nil {
			return
		}
		if pgErr = models.MigrateTable(db); pgErr != nil {
			return
		}
		config.SetDB(db)
	})
	if pgErr != nil {
		t.Fatalf("embedded postgres: %v", pgErr)
	}

	db := config.GetDB()
	tables, err := db.Migrator().GetTables()
	if err != nil {
		t.Fatalf("list tables: %v", err)
	}
	quoted := make([]string, 0, len(tables))
	for _, name := range tables {
		quoted = append(quoted, `"`+name+`"`)
	}
	if err := db.Exec("TRUNCATE TABLE " + strings.Join(quoted, ", ") + " RESTART IDENTITY CASCADE").Error; err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return db
}

type fixture struct {
	ctx       context.Context
	engine    *Engine
	warehouse *models.Warehouse
	product   *models.Product
}

func newFixture(t *testing.T, palletWeights ...string) *fixture {
	t.Helper()
	db := integrationDB(t)
	ctx := utils.SetUserNameInContext(utils.SetUserIdInContext(context.Background(), 1), "Test")

	settings := config.EngineSettings{
		ReservationTimeout: 30 * time.Minute,
		LowStockThreshold:  kg("100"),
	}
	engine := NewEngine(db, config.GetLogger(), settings)

	days := 7
	warehouse, err := models.CreateWarehouse(ctx, &models.NewWarehouse{
		Name:              "Cold Store",
		StorageMode:       models.StorageModeCooling,
		CapacityKg:        kg("10000"),
		SpoilageAlertDays: &days,
	})
	if err != nil {
		t.Fatalf("CreateWarehouse: %v", err)
	}
	product, err := models.CreateProduct(ctx, &models.NewProduct{Name: "Mango", Sku: "MANGO", PricePerKg: kg("5")})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	entry := time.Now().UTC().AddDate(0, 0, -len(palletWeights))
	for i, w := range palletWeights {
		at := entry.AddDate(0, 0, i)
		if _, err := models.ReceivePallet(ctx, &models.NewPallet{
			WarehouseId:  warehouse.ID,
			ProductId:    product.ID,
			Weight:       kg(w),
			EntryDate:    &at,
			IsFreshFruit: true,
		}); err != nil {
			t.Fatalf("ReceivePallet: %v", err)
		}
	}
	return &fixture{ctx: ctx, engine: engine, warehouse: warehouse, product: product}
}

func (f *fixture) placeOrder(t *testing.T, distributorId int, weight string) *PlaceOrderResult {
	t.Helper()
	res, err := f.engine.Orders.PlaceOrder(f.ctx, &NewOrder{
		DistributorId: distributorId,
		Items:         []NewOrderLine{{ProductId: f.product.ID, Weight: kg(weight)}},
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	return res
}

func (f *fixture) pallets(t *testing.T) []models.Pallet {
	t.Helper()
	var pallets []models.Pallet
	if err := f.engine.DB.Order("entry_date ASC").Find(&pallets).Error; err != nil {
		t.Fatalf("load pallets: %v", err)
	}
	return pallets
}

func TestIntegrationPlacePayApprove(t *testing.T) {
	f := newFixture(t, "30", "50")

	placed := f.placeOrder(t, 101, "40")
	if !placed.Success {
		t.Fatalf("place refused: %s", placed.Message)
	}
	if len(placed.Reservations) != 2 {
		t.Fatalf("expected reservations on both pallets, got %d", len(placed.Reservations))
	}
	if !placed.Order.TotalAmount.Equal(kg("200")) {
		t.Fatalf("total amount = %s, want 200", placed.Order.TotalAmount)
	}
	orderId := placed.Order.ID

	refused, err := f.engine.Approvals.ApproveOrderLoading(f.ctx, orderId, 9)
	if err != nil {
		t.Fatalf("approve unpaid: %v", err)
	}
	if refused.Kind != models.ErrorKindPaymentNotConfirmed {
		t.Fatalf("unpaid approval kind = %s", refused.Kind)
	}

	paid, err := f.engine.Orders.ConfirmPayment(f.ctx, orderId, "TX-1")
	if err != nil || !paid.Success {
		t.Fatalf("ConfirmPayment: %v %+v", err, paid)
	}

	approved, err := f.engine.Approvals.ApproveOrderLoading(f.ctx, orderId, 9)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !approved.Success {
		t.Fatalf("approve refused: %s", approved.Message)
	}

	pallets := f.pallets(t)
	if !pallets[0].CurrentWeight.IsZero() || !pallets[0].IsDepleted {
		t.Fatalf("oldest pallet = %s depleted=%v, want 0 depleted", pallets[0].CurrentWeight, pallets[0].IsDepleted)
	}
	if !pallets[1].CurrentWeight.Equal(kg("40")) {
		t.Fatalf("newer pallet = %s, want 40", pallets[1].CurrentWeight)
	}

	allocations, err := models.ListOrderAllocations(f.ctx, orderId)
	if err != nil {
		t.Fatalf("ListOrderAllocations: %v", err)
	}
	total := decimal.Zero
	for _, a := range allocations {
		total = total.Add(a.AllocatedWeight)
	}
	if len(allocations) != 2 || !total.Equal(kg("40")) {
		t.Fatalf("allocations = %d totalling %s", len(allocations), total)
	}

	order, err := models.GetOrder(f.ctx, orderId)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if order.Status != models.OrderStatusPacked || order.LoadingApprovedBy == nil || *order.LoadingApprovedBy != 9 {
		t.Fatalf("order after approval: status=%s approvedBy=%v", order.Status, order.LoadingApprovedBy)
	}

	again, err := f.engine.Approvals.ApproveOrderLoading(f.ctx, orderId, 9)
	if err != nil {
		t.Fatalf("second approve: %v", err)
	}
	if again.Kind != models.ErrorKindAlreadyApproved {
		t.Fatalf("second approve kind = %s", again.Kind)
	}

	var events int64
	f.engine.DB.Model(&models.OutboxEvent{}).Where("aggregate_id = ?", orderId).Count(&events)
	if events == 0 {
		t.Fatalf("expected outbox events for order %d", orderId)
	}
}

func TestIntegrationInsufficientStockLeavesNothing(t *testing.T) {
	f := newFixture(t, "30", "50")

	res := f.placeOrder(t, 101, "80.001")
	if res.Success || res.Kind != models.ErrorKindInsufficientStock {
		t.Fatalf("expected InsufficientStock, got %+v", res.OperationResult)
	}

	var orders, reservations int64
	f.engine.DB.Model(&models.Order{}).Count(&orders)
	f.engine.DB.Model(&models.Reservation{}).Count(&reservations)
	if orders != 0 || reservations != 0 {
		t.Fatalf("refused order left rows behind: orders=%d reservations=%d", orders, reservations)
	}
}

func TestIntegrationExpiredReservationBlocksConversion(t *testing.T) {
	f := newFixture(t, "30", "50")

	placed := f.placeOrder(t, 101, "40")
	if !placed.Success {
		t.Fatalf("place refused: %s", placed.Message)
	}
	orderId := placed.Order.ID
	if res, err := f.engine.Orders.ConfirmPayment(f.ctx, orderId, ""); err != nil || !res.Success {
		t.Fatalf("ConfirmPayment: %v %+v", err, res)
	}

	// expire one of the two reservations
	past := time.Now().UTC().Add(-time.Minute)
	if err := f.engine.DB.Model(&models.Reservation{}).
		Where("id = ?", placed.Reservations[0].ID).
		Update("expires_at", past).Error; err != nil {
		t.Fatalf("expire reservation: %v", err)
	}

	res, err := f.engine.Reservations.ConvertReservationsToAllocations(f.ctx, orderId)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if res.Kind != models.ErrorKindReservationExpired {
		t.Fatalf("kind = %s, want ReservationExpired", res.Kind)
	}

	var allocations int64
	f.engine.DB.Model(&models.Allocation{}).Where("order_id = ?", orderId).Count(&allocations)
	if allocations != 0 {
		t.Fatalf("partial conversion wrote %d allocations", allocations)
	}
	for _, p := range f.pallets(t) {
		if p.CurrentWeight.LessThan(p.InitialWeight) {
			t.Fatalf("pallet %d was decremented", p.ID)
		}
	}
	var expired models.Reservation
	if err := f.engine.DB.First(&expired, placed.Reservations[0].ID).Error; err != nil {
		t.Fatalf("load reservation: %v", err)
	}
	if expired.IsActive {
		t.Fatalf("expired reservation should have been released")
	}
}

func TestIntegrationConcurrentOrdersNeverOverReserve(t *testing.T) {
	f := newFixture(t, "100")

	const workers = 10
	var wg sync.WaitGroup
	results := make([]*PlaceOrderResult, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.engine.Orders.PlaceOrder(f.ctx, &NewOrder{
				DistributorId: 200 + i,
				Items:         []NewOrderLine{{ProductId: f.product.ID, Weight: kg("15")}},
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if results[i].Success {
			succeeded++
		} else if results[i].Kind != models.ErrorKindInsufficientStock {
			t.Fatalf("worker %d refused with %s", i, results[i].Kind)
		}
	}
	if succeeded != 6 {
		t.Fatalf("succeeded = %d, want 6 (6 x 15 kg fits in 100 kg)", succeeded)
	}

	var reservations []models.Reservation
	f.engine.DB.Where("is_active = ?", true).Find(&reservations)
	reserved := decimal.Zero
	for _, r := range reservations {
		reserved = reserved.Add(r.ReservedWeight)
	}
	if reserved.GreaterThan(kg("100")) {
		t.Fatalf("reserved %s kg on a 100 kg pallet", reserved)
	}
}

func TestIntegrationOrderCommissionIsIdempotent(t *testing.T) {
	f := newFixture(t, "100")
	if _, err := models.UpsertDistributorProfile(f.ctx, &models.NewDistributorProfile{
		UserId: 101,
		Name:   "Ko Min",
		Role:   models.DistributorRoleDistributor,
	}); err != nil {
		t.Fatalf("UpsertDistributorProfile: %v", err)
	}

	placed := f.placeOrder(t, 101, "40")
	if !placed.Success {
		t.Fatalf("place refused: %s", placed.Message)
	}
	orderId := placed.Order.ID

	unpaid, err := f.engine.Commissions.CalculateOrderCommission(f.ctx, orderId)
	if err != nil {
		t.Fatalf("commission on unpaid order: %v", err)
	}
	if unpaid.Kind != models.ErrorKindPaymentNotConfirmed {
		t.Fatalf("unpaid kind = %s", unpaid.Kind)
	}

	if res, err := f.engine.Orders.ConfirmPayment(f.ctx, orderId, "TX-2"); err != nil || !res.Success {
		t.Fatalf("ConfirmPayment: %v %+v", err, res)
	}
	for i := 0; i < 2; i++ {
		res, err := f.engine.Commissions.CalculateOrderCommission(f.ctx, orderId)
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if !res.Success || len(res.Commissions) != 1 {
			t.Fatalf("run %d: %+v", i, res)
		}
		// 40 kg sits in the 15% tier: 200 * 15% = 30
		if !res.Commissions[0].CommissionAmount.Equal(kg("30")) {
			t.Fatalf("run %d: amount = %s, want 30", i, res.Commissions[0].CommissionAmount)
		}
	}

	var rows int64
	f.engine.DB.Model(&models.Commission{}).Where("window_key = ?", models.OrderWindowKey(orderId)).Count(&rows)
	if rows != 1 {
		t.Fatalf("commission rows = %d, want 1", rows)
	}
}

func TestIntegrationSingleActiveCycle(t *testing.T) {
	f := newFixture(t)
	start := time.Now().UTC()
	first, err := models.CreateSalesCycle(f.ctx, &models.NewSalesCycle{Name: "Cycle A", StartDate: start, EndDate: start.AddDate(0, 0, 13)})
	if err != nil {
		t.Fatalf("CreateSalesCycle: %v", err)
	}
	second, err := models.CreateSalesCycle(f.ctx, &models.NewSalesCycle{Name: "Cycle B", StartDate: start.AddDate(0, 0, 14), EndDate: start.AddDate(0, 0, 27)})
	if err != nil {
		t.Fatalf("CreateSalesCycle: %v", err)
	}

	if res, err := f.engine.Cycles.ActivateCycle(f.ctx, first.ID); err != nil || !res.Success {
		t.Fatalf("activate first: %v %+v", err, res)
	}
	res, err := f.engine.Cycles.ActivateCycle(f.ctx, second.ID)
	if err != nil {
		t.Fatalf("activate second: %v", err)
	}
	if res.Kind != models.ErrorKindAnotherCycleActive {
		t.Fatalf("second activation kind = %s", res.Kind)
	}

	closed, err := f.engine.Cycles.CloseCycle(f.ctx, first.ID)
	if err != nil || !closed.Success {
		t.Fatalf("close first: %v %+v", err, closed)
	}
	if res, err := f.engine.Cycles.ActivateCycle(f.ctx, second.ID); err != nil || !res.Success {
		t.Fatalf("activate second after close: %v %+v", err, res)
	}
}
