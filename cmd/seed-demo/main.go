// seed-demo loads a small demo data set: two warehouses, three products, aged pallets,
// a team with one leader and two distributors, and an active sales cycle.
//
// Usage:
//
//	DB_DRIVER=postgres DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/seed-demo
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mmdatafocus/freshledger/config"
	"github.com/mmdatafocus/freshledger/models"
	"github.com/mmdatafocus/freshledger/utils"
	"github.com/mmdatafocus/freshledger/workflow"
	"github.com/shopspring/decimal"
)

func main() {
	migrate := flag.Bool("migrate", true, "Run AutoMigrate before seeding")
	cycleDays := flag.Int("cycle-days", 14, "Length of the seeded sales cycle in days")
	flag.Parse()

	ctx := context.Background()
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Seed")

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	if *migrate {
		if err := models.MigrateTable(db); err != nil {
			fail("migrate", err)
		}
	}

	spoilageDays := 7
	cold, err := models.CreateWarehouse(ctx, &models.NewWarehouse{
		Name:              "Cold Store A",
		StorageMode:       models.StorageModeCooling,
		CapacityKg:        decimal.NewFromInt(20000),
		SpoilageAlertDays: &spoilageDays,
		Address:           "Yard 1",
	})
	if err != nil {
		fail("create cooling warehouse", err)
	}
	freezer, err := models.CreateWarehouse(ctx, &models.NewWarehouse{
		Name:        "Freezer B",
		StorageMode: models.StorageModeFreezing,
		CapacityKg:  decimal.NewFromInt(50000),
		Address:     "Yard 2",
	})
	if err != nil {
		fail("create freezing warehouse", err)
	}

	products := []models.NewProduct{
		{Name: "Mango", Sku: "FRU-MANGO", PricePerKg: decimal.RequireFromString("3.20")},
		{Name: "Durian", Sku: "FRU-DURIAN", PricePerKg: decimal.RequireFromString("7.50")},
		{Name: "Frozen Prawn", Sku: "SEA-PRAWN", PricePerKg: decimal.RequireFromString("12.00")},
	}
	productIds := make([]int, 0, len(products))
	for i := range products {
		p, err := models.CreateProduct(ctx, &products[i])
		if err != nil {
			fail("create product "+products[i].Sku, err)
		}
		productIds = append(productIds, p.ID)
	}

	now := time.Now().UTC()
	pallets := []models.NewPallet{
		{WarehouseId: cold.ID, ProductId: productIds[0], Weight: decimal.NewFromInt(40), EntryDate: daysAgo(now, 9), IsFreshFruit: true},
		{WarehouseId: cold.ID, ProductId: productIds[0], Weight: decimal.NewFromInt(60), EntryDate: daysAgo(now, 3), IsFreshFruit: true},
		{WarehouseId: cold.ID, ProductId: productIds[1], Weight: decimal.NewFromInt(80), EntryDate: daysAgo(now, 2), IsFreshFruit: true},
		{WarehouseId: freezer.ID, ProductId: productIds[2], Weight: decimal.NewFromInt(500), EntryDate: daysAgo(now, 20)},
	}
	for i := range pallets {
		if _, err := models.ReceivePallet(ctx, &pallets[i]); err != nil {
			fail("receive pallet", err)
		}
	}

	leadId := 100
	team := []models.NewDistributorProfile{
		{UserId: leadId, Name: "Aye Aye", Role: models.DistributorRoleTeamLeader},
		{UserId: 101, Name: "Ko Min", Role: models.DistributorRoleDistributor, TeamLeaderId: &leadId},
		{UserId: 102, Name: "Ma Hnin", Role: models.DistributorRoleDistributor, TeamLeaderId: &leadId, PrefersGoodsPayment: true},
	}
	for i := range team {
		if _, err := models.UpsertDistributorProfile(ctx, &team[i]); err != nil {
			fail("upsert distributor", err)
		}
	}

	cycle, err := models.CreateSalesCycle(ctx, &models.NewSalesCycle{
		Name:               "Demo cycle " + now.Format("2006-01-02"),
		StartDate:          now.AddDate(0, 0, -1),
		EndDate:            now.AddDate(0, 0, *cycleDays-1),
		MinimumOrderWeight: decimal.NewFromInt(50),
	})
	if err != nil {
		fail("create sales cycle", err)
	}
	engine := workflow.NewEngine(db, config.GetLogger(), config.LoadEngineSettings())
	res, err := engine.Cycles.ActivateCycle(ctx, cycle.ID)
	if err != nil {
		fail("activate sales cycle", err)
	}
	if !res.Success {
		fmt.Fprintf(os.Stderr, "cycle %d left in draft: %s\n", cycle.ID, res.Message)
	}

	fmt.Printf("seeded warehouses=%d,%d products=%v cycle=%d\n", cold.ID, freezer.ID, productIds, cycle.ID)
}

func daysAgo(now time.Time, days int) *time.Time {
	t := now.AddDate(0, 0, -days)
	return &t
}

func fail(step string, err error) {
	fmt.Fprintf(os.Stderr, "%s failed: %v\n", step, err)
	os.Exit(1)
}
