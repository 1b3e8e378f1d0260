package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mmdatafocus/freshledger/config"
	"github.com/mmdatafocus/freshledger/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AlertEngine runs read-only scans over the ledger and persists what it finds as alerts.
type AlertEngine struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	Settings config.EngineSettings
	Now      func() time.Time
}

func NewAlertEngine(db *gorm.DB, logger *logrus.Logger, settings config.EngineSettings) *AlertEngine {
	return &AlertEngine{DB: db, Logger: logger, Settings: settings, Now: nowUTC}
}

type AlertRunResult struct {
	models.OperationResult
	PerformanceAlerts []*models.Alert `json:"performance_alerts"`
	SpoilageAlerts    []*models.Alert `json:"spoilage_alerts"`
	LowStockAlerts    []*models.Alert `json:"low_stock_alerts"`
}

func (e *AlertEngine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return nowUTC()
}

/* evaluators */

type DistributorCycleTotals struct {
	DistributorId int
	Weight        decimal.Decimal
	Revenue       decimal.Decimal
	OrderCount    int
}

type PerformanceFinding struct {
	DistributorCycleTotals
	Shortfall decimal.Decimal
}

// EvaluatePerformance returns distributors whose cycle weight is below the cycle minimum,
// ordered by distributor id.
func EvaluatePerformance(minimum decimal.Decimal, totals []DistributorCycleTotals) []PerformanceFinding {
	var findings []PerformanceFinding
	for _, t := range totals {
		if t.Weight.LessThan(minimum) {
			findings = append(findings, PerformanceFinding{DistributorCycleTotals: t, Shortfall: minimum.Sub(t.Weight)})
		}
	}
	sort.Slice(findings, func(i, j int) bool { return findings[i].DistributorId < findings[j].DistributorId })
	return findings
}

type SpoilageFinding struct {
	Pallet     models.Pallet
	DaysStored int
}

// EvaluateSpoilage flags fresh, non-depleted pallets stored longer than the warehouse threshold.
// Warehouses that are not cooling or have no threshold are never flagged.
func EvaluateSpoilage(warehouse models.Warehouse, pallets []models.Pallet, now time.Time) []SpoilageFinding {
	if !warehouse.HasSpoilageWatch() {
		return nil
	}
	limit := time.Duration(*warehouse.SpoilageAlertDays) * 24 * time.Hour
	var findings []SpoilageFinding
	for _, p := range pallets {
		if p.WarehouseId != warehouse.ID || p.IsDepleted || !p.IsFreshFruit || !p.CurrentWeight.IsPositive() {
			continue
		}
		stored := now.Sub(p.EntryDate)
		if stored > limit {
			findings = append(findings, SpoilageFinding{Pallet: p, DaysStored: int(stored.Hours() / 24)})
		}
	}
	return findings
}

type StockFinding struct {
	Product     models.Product
	TotalWeight decimal.Decimal
}

// EvaluateLowStock flags active products whose non-depleted weight is below threshold.
// Products with no stock at all count as zero.
func EvaluateLowStock(products []models.Product, stock map[int]decimal.Decimal, threshold decimal.Decimal) []StockFinding {
	var findings []StockFinding
	for _, p := range products {
		if !p.Active() {
			continue
		}
		total := stock[p.ID]
		if total.LessThan(threshold) {
			findings = append(findings, StockFinding{Product: p, TotalWeight: total})
		}
	}
	return findings
}

/* checks */

// CheckPerformance snapshots every distributor's cycle totals and raises a low_performance
// alert for each one below the minimum.
func (e *AlertEngine) CheckPerformance(ctx context.Context, cycle *models.SalesCycle) ([]*models.Alert, error) {
	ctx, span := startSpan(ctx, "AlertEngine.CheckPerformance", attribute.Int("cycle_id", cycle.ID))
	var spanErr error
	defer func() { endSpan(span, spanErr) }()

	db := e.DB.WithContext(ctx)
	totals, err := cycleTotals(db, cycle)
	if err != nil {
		spanErr = err
		return nil, err
	}

	now := e.now()
	for _, t := range totals {
		metric := models.PerformanceMetric{
			DistributorId:       t.DistributorId,
			CycleId:             cycle.ID,
			TotalWeight:         t.Weight,
			TotalRevenue:        t.Revenue,
			OrderCount:          t.OrderCount,
			MinimumOrderWeight:  cycle.MinimumOrderWeight,
			MetMinimumThreshold: !t.Weight.LessThan(cycle.MinimumOrderWeight),
			CalculatedAt:        now,
		}
		if err := db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "distributor_id"}, {Name: "cycle_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"total_weight", "total_revenue", "order_count", "minimum_order_weight",
				"met_minimum_threshold", "calculated_at", "updated_at",
			}),
		}).Create(&metric).Error; err != nil {
			spanErr = err
			return nil, err
		}
	}

	var alerts []*models.Alert
	for _, f := range EvaluatePerformance(cycle.MinimumOrderWeight, totals) {
		userId := f.DistributorId
		alert, err := models.NewAlert(&userId,
			"Below minimum order weight",
			fmt.Sprintf("Distributor %d ordered %s kg in cycle %s, %s kg short of the %s kg minimum.",
				f.DistributorId, f.Weight.StringFixed(3), cycle.Name, f.Shortfall.StringFixed(3), cycle.MinimumOrderWeight.StringFixed(3)),
			fmt.Sprintf("%s:cycle:%d:user:%d", models.AlertTypeLowPerformance, cycle.ID, f.DistributorId),
			models.PerformanceMetadata(models.PerformanceAlertData{
				CycleId:            cycle.ID,
				CycleName:          cycle.Name,
				TotalWeight:        f.Weight,
				MinimumOrderWeight: cycle.MinimumOrderWeight,
				Shortfall:          f.Shortfall,
			}))
		if err != nil {
			spanErr = err
			return nil, err
		}
		saved, err := e.raise(ctx, alert)
		if err != nil {
			spanErr = err
			return nil, err
		}
		if saved != nil {
			alerts = append(alerts, saved)
		}
	}
	return alerts, nil
}

// cycleTotals aggregates paid, non-cancelled orders per distributor in the cycle window and
// includes active distributors with no orders at zero.
func cycleTotals(db *gorm.DB, cycle *models.SalesCycle) ([]DistributorCycleTotals, error) {
	from, to := cycle.Window()
	var orders []models.Order
	if err := db.Select("id", "distributor_id", "total_weight", "total_amount").
		Where("payment_status = ? AND status <> ?", models.PaymentStatusPaid, models.OrderStatusCancelled).
		Where("order_date >= ? AND order_date < ?", from, to).
		Find(&orders).Error; err != nil {
		return nil, err
	}
	byDistributor := map[int]*DistributorCycleTotals{}
	for _, o := range orders {
		t, ok := byDistributor[o.DistributorId]
		if !ok {
			t = &DistributorCycleTotals{DistributorId: o.DistributorId, Weight: decimal.Zero, Revenue: decimal.Zero}
			byDistributor[o.DistributorId] = t
		}
		t.Weight = t.Weight.Add(o.TotalWeight)
		t.Revenue = t.Revenue.Add(o.TotalAmount)
		t.OrderCount++
	}

	var distributorIds []int
	if err := db.Model(&models.DistributorProfile{}).
		Where("role = ? AND is_active = ?", models.DistributorRoleDistributor, true).
		Pluck("user_id", &distributorIds).Error; err != nil {
		return nil, err
	}
	for _, id := range distributorIds {
		if _, ok := byDistributor[id]; !ok {
			byDistributor[id] = &DistributorCycleTotals{DistributorId: id, Weight: decimal.Zero, Revenue: decimal.Zero}
		}
	}

	result := make([]DistributorCycleTotals, 0, len(byDistributor))
	for _, t := range byDistributor {
		result = append(result, *t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DistributorId < result[j].DistributorId })
	return result, nil
}

// CheckSpoilage raises one spoilage_warning per aged fresh pallet in watched cooling warehouses.
func (e *AlertEngine) CheckSpoilage(ctx context.Context) ([]*models.Alert, error) {
	ctx, span := startSpan(ctx, "AlertEngine.CheckSpoilage")
	var spanErr error
	defer func() { endSpan(span, spanErr) }()

	db := e.DB.WithContext(ctx)
	var warehouses []models.Warehouse
	if err := db.Where("storage_mode = ? AND spoilage_alert_days IS NOT NULL AND spoilage_alert_days > 0", models.StorageModeCooling).
		Order("id ASC").
		Find(&warehouses).Error; err != nil {
		spanErr = err
		return nil, err
	}

	now := e.now()
	var alerts []*models.Alert
	for _, w := range warehouses {
		var pallets []models.Pallet
		if err := db.Where("warehouse_id = ? AND is_depleted = ? AND is_fresh_fruit = ?", w.ID, false, true).
			Order("entry_date ASC").Order("id ASC").
			Find(&pallets).Error; err != nil {
			spanErr = err
			return nil, err
		}
		for _, f := range EvaluateSpoilage(w, pallets, now) {
			alert, err := models.NewAlert(nil,
				"Spoilage risk",
				fmt.Sprintf("Batch %s in %s has been stored %d days (limit %d) with %s kg remaining.",
					f.Pallet.BatchNumber, w.Name, f.DaysStored, *w.SpoilageAlertDays, f.Pallet.CurrentWeight.StringFixed(3)),
				fmt.Sprintf("%s:pallet:%d", models.AlertTypeSpoilageWarning, f.Pallet.ID),
				models.SpoilageMetadata(models.SpoilageAlertData{
					PalletId:      f.Pallet.ID,
					BatchNumber:   f.Pallet.BatchNumber,
					WarehouseId:   w.ID,
					WarehouseName: w.Name,
					ProductId:     f.Pallet.ProductId,
					CurrentWeight: f.Pallet.CurrentWeight,
					DaysStored:    f.DaysStored,
					ThresholdDays: *w.SpoilageAlertDays,
				}))
			if err != nil {
				spanErr = err
				return nil, err
			}
			saved, err := e.raise(ctx, alert)
			if err != nil {
				spanErr = err
				return nil, err
			}
			if saved != nil {
				alerts = append(alerts, saved)
			}
		}
	}
	return alerts, nil
}

// CheckLowStock raises one stock_low alert per active product below threshold.
func (e *AlertEngine) CheckLowStock(ctx context.Context, threshold decimal.Decimal) ([]*models.Alert, error) {
	ctx, span := startSpan(ctx, "AlertEngine.CheckLowStock")
	var spanErr error
	defer func() { endSpan(span, spanErr) }()

	db := e.DB.WithContext(ctx)
	var products []models.Product
	if err := db.Where("is_active = ?", true).Order("id ASC").Find(&products).Error; err != nil {
		spanErr = err
		return nil, err
	}
	var pallets []models.Pallet
	if err := db.Select("id", "product_id", "current_weight").
		Where("is_depleted = ?", false).
		Find(&pallets).Error; err != nil {
		spanErr = err
		return nil, err
	}
	stock := map[int]decimal.Decimal{}
	for _, p := range pallets {
		stock[p.ProductId] = stock[p.ProductId].Add(p.CurrentWeight)
	}

	var alerts []*models.Alert
	for _, f := range EvaluateLowStock(products, stock, threshold) {
		alert, err := models.NewAlert(nil,
			"Low stock",
			fmt.Sprintf("%s (%s) has %s kg on hand, below the %s kg threshold.",
				f.Product.Name, f.Product.Sku, f.TotalWeight.StringFixed(3), threshold.StringFixed(3)),
			fmt.Sprintf("%s:product:%d", models.AlertTypeStockLow, f.Product.ID),
			models.StockMetadata(models.StockAlertData{
				ProductId:   f.Product.ID,
				ProductName: f.Product.Name,
				TotalWeight: f.TotalWeight,
				Threshold:   threshold,
			}))
		if err != nil {
			spanErr = err
			return nil, err
		}
		saved, err := e.raise(ctx, alert)
		if err != nil {
			spanErr = err
			return nil, err
		}
		if saved != nil {
			alerts = append(alerts, saved)
		}
	}
	return alerts, nil
}

// RaiseReservationExpired records one reservation_expired alert per order touched by a sweep.
func (e *AlertEngine) RaiseReservationExpired(ctx context.Context, sweep *SweepResult) ([]*models.Alert, error) {
	if sweep == nil || len(sweep.Orders) == 0 {
		return nil, nil
	}
	db := e.DB.WithContext(ctx)
	var alerts []*models.Alert
	for _, expired := range sweep.Orders {
		var order models.Order
		if err := db.Select("id", "order_number", "distributor_id").First(&order, expired.OrderId).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			return nil, err
		}
		distributorId := order.DistributorId
		alert, err := models.NewAlert(&distributorId,
			"Reservation expired",
			fmt.Sprintf("Reservations on order %s (%s kg) expired and the stock was returned.",
				order.OrderNumber, expired.Weight.StringFixed(3)),
			fmt.Sprintf("%s:order:%d", models.AlertTypeReservationExpired, order.ID),
			models.ReservationMetadata(models.ReservationAlertData{
				OrderId:        order.ID,
				OrderNumber:    order.OrderNumber,
				ReservationIds: expired.ReservationIds,
				ExpiredWeight:  expired.Weight,
			}))
		if err != nil {
			return nil, err
		}
		saved, err := e.raise(ctx, alert)
		if err != nil {
			return nil, err
		}
		if saved != nil {
			alerts = append(alerts, saved)
		}
	}
	return alerts, nil
}

// RunAlertChecks runs the performance, spoilage and low-stock checks. Without a cycle id the
// active cycle is used, and the performance check is skipped when none is active.
func (e *AlertEngine) RunAlertChecks(ctx context.Context, cycleId *int) (*AlertRunResult, error) {
	out := &AlertRunResult{
		PerformanceAlerts: []*models.Alert{},
		SpoilageAlerts:    []*models.Alert{},
		LowStockAlerts:    []*models.Alert{},
	}

	var cycle *models.SalesCycle
	if cycleId != nil {
		var c models.SalesCycle
		if err := e.DB.WithContext(ctx).First(&c, *cycleId).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				out.OperationResult = *models.Failed(models.ErrorKindCycleNotFoundOrInactive, "sales cycle %d not found", *cycleId)
				return out, nil
			}
			return nil, err
		}
		cycle = &c
	} else {
		var err error
		if cycle, err = models.GetActiveSalesCycle(ctx); err != nil {
			return nil, err
		}
	}

	if cycle != nil {
		alerts, err := e.CheckPerformance(ctx, cycle)
		if err != nil {
			config.LogError(e.Logger, "Workflow", "RunAlertChecks", "performance check", cycle.ID, err)
			return nil, err
		}
		out.PerformanceAlerts = append(out.PerformanceAlerts, alerts...)
	}
	spoilage, err := e.CheckSpoilage(ctx)
	if err != nil {
		config.LogError(e.Logger, "Workflow", "RunAlertChecks", "spoilage check", nil, err)
		return nil, err
	}
	out.SpoilageAlerts = append(out.SpoilageAlerts, spoilage...)

	lowStock, err := e.CheckLowStock(ctx, e.Settings.LowStockThreshold)
	if err != nil {
		config.LogError(e.Logger, "Workflow", "RunAlertChecks", "low stock check", nil, err)
		return nil, err
	}
	out.LowStockAlerts = append(out.LowStockAlerts, lowStock...)

	out.OperationResult = *models.Succeeded(fmt.Sprintf("%d performance, %d spoilage, %d low stock alert(s)",
		len(out.PerformanceAlerts), len(out.SpoilageAlerts), len(out.LowStockAlerts)))
	e.Logger.WithFields(logFields(ctx, logrus.Fields{
		"performance": len(out.PerformanceAlerts),
		"spoilage":    len(out.SpoilageAlerts),
		"low_stock":   len(out.LowStockAlerts),
	})).Info("alert checks finished")
	return out, nil
}

// raise stores the alert and its outbox event. With duplicate suppression on, nothing is
// stored while an unresolved alert with the same condition key exists, and nil is returned.
func (e *AlertEngine) raise(ctx context.Context, alert *models.Alert) (*models.Alert, error) {
	var stored *models.Alert
	err := e.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if e.Settings.SuppressOpenDuplicateAlerts {
			var open int64
			if err := tx.Model(&models.Alert{}).
				Where("condition_key = ? AND is_resolved = ?", alert.ConditionKey, false).
				Count(&open).Error; err != nil {
				return err
			}
			if open > 0 {
				return nil
			}
		}
		if err := tx.Create(alert).Error; err != nil {
			return err
		}
		if err := models.RecordEvent(ctx, tx, models.EventAlertRaised, models.AggregateAlert, alert.ID, map[string]interface{}{
			"alert_id":      alert.ID,
			"type":          alert.Type,
			"user_id":       alert.UserId,
			"title":         alert.Title,
			"condition_key": alert.ConditionKey,
		}); err != nil {
			return err
		}
		stored = alert
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}
