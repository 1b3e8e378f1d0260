package workflow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mmdatafocus/freshledger/config"
	"github.com/mmdatafocus/freshledger/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// ReservationManager is the only component that creates or deactivates reservations.
type ReservationManager struct {
	DB             *gorm.DB
	Logger         *logrus.Logger
	Now            func() time.Time
	DefaultTimeout time.Duration
}

func NewReservationManager(db *gorm.DB, logger *logrus.Logger, settings config.EngineSettings) *ReservationManager {
	return &ReservationManager{
		DB:             db,
		Logger:         logger,
		Now:            nowUTC,
		DefaultTimeout: settings.ReservationTimeout,
	}
}

type PreviewResult struct {
	models.OperationResult
	Plan *AllocationPlan `json:"plan,omitempty"`
}

type ReservationResult struct {
	models.OperationResult
	Reservations []*models.Reservation `json:"reservations"`
	Plan         *AllocationPlan       `json:"plan,omitempty"`
}

// ExpiredOrder groups the reservations of one order deactivated by a sweep.
type ExpiredOrder struct {
	OrderId        int             `json:"order_id"`
	ReservationIds []int           `json:"reservation_ids"`
	Weight         decimal.Decimal `json:"weight"`
}

type SweepResult struct {
	Count  int64          `json:"count"`
	Orders []ExpiredOrder `json:"orders"`
}

func (m *ReservationManager) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return nowUTC()
}

func (m *ReservationManager) timeoutOrDefault(timeout time.Duration) time.Duration {
	if timeout > 0 {
		return timeout
	}
	if m.DefaultTimeout > 0 {
		return m.DefaultTimeout
	}
	return 30 * time.Minute
}

// Allocate is the read-only preview used by order screens. It takes no locks.
func (m *ReservationManager) Allocate(ctx context.Context, productId int, weight decimal.Decimal, warehouseId *int) (*PreviewResult, error) {
	if !weight.IsPositive() {
		return &PreviewResult{OperationResult: *models.Failed(models.ErrorKindInvalidInput, "weight must be greater than zero")}, nil
	}
	db := m.DB.WithContext(ctx)
	found, err := productExists(db, productId)
	if err != nil {
		return nil, err
	}
	if !found {
		return &PreviewResult{OperationResult: *models.Failed(models.ErrorKindProductNotFound, "product %d not found", productId)}, nil
	}
	pallets, err := loadPalletAvailability(db, palletFilter{ProductId: productId, WarehouseId: warehouseId}, m.now(), false)
	if err != nil {
		return nil, err
	}
	plan := PlanFIFO(productId, weight, pallets)
	if !plan.FullyFulfilled {
		res := models.Failed(models.ErrorKindInsufficientStock, "insufficient stock for product %d: short by %s kg", productId, plan.Shortfall.String())
		return &PreviewResult{OperationResult: *res, Plan: &plan}, nil
	}
	return &PreviewResult{OperationResult: *models.Succeeded("stock available"), Plan: &plan}, nil
}

// CreateReservations reserves weight of one product for an existing order. Nothing is written
// unless the whole weight can be reserved.
func (m *ReservationManager) CreateReservations(ctx context.Context, orderId int, productId int, weight decimal.Decimal, warehouseId *int, timeout time.Duration) (*ReservationResult, error) {
	ctx, span := startSpan(ctx, "ReservationManager.CreateReservations",
		attribute.Int("order_id", orderId), attribute.Int("product_id", productId))
	var spanErr error
	defer func() { endSpan(span, spanErr) }()

	if !weight.IsPositive() {
		return &ReservationResult{OperationResult: *models.Failed(models.ErrorKindInvalidInput, "weight must be greater than zero")}, nil
	}

	now := m.now()
	expiresAt := now.Add(m.timeoutOrDefault(timeout))
	var out ReservationResult
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := lockOrder(tx, orderId)
		if err != nil {
			return err
		}
		if order == nil {
			return models.Rollback(orderNotFound(orderId))
		}
		if res := checkOrderReservable(order); res != nil {
			return models.Rollback(res)
		}
		if res, err := refuseIfConverted(tx, order, "reserved again"); err != nil || res != nil {
			return rollbackOr(res, err)
		}
		found, err := productExists(tx, productId)
		if err != nil {
			return err
		}
		if !found {
			return models.Rollback(models.Failed(models.ErrorKindProductNotFound, "product %d not found", productId))
		}

		var orderItemId *int
		if item := order.ItemForProduct(productId); item != nil {
			orderItemId = &item.ID
		}
		reservations, plan, res, err := m.reserveTx(ctx, tx, order.ID, orderItemId, productId, weight, warehouseId, now, expiresAt)
		if err != nil {
			return err
		}
		out.Plan = plan
		if res != nil {
			return models.Rollback(res)
		}
		if err := stampOrderExpiry(tx, order.ID); err != nil {
			return err
		}
		out.Reservations = reservations
		return nil
	})
	if err != nil {
		result, settleErr := settle(nil, err)
		if settleErr != nil {
			spanErr = settleErr
			return nil, settleErr
		}
		out.OperationResult = *result
		m.Logger.WithFields(logFields(ctx, logrus.Fields{
			"order_id":   orderId,
			"product_id": productId,
			"kind":       result.Kind,
		})).Info("reservation refused: " + result.Message)
		return &out, nil
	}
	out.OperationResult = *models.Succeeded(fmt.Sprintf("reserved %s kg across %d pallet(s) until %s",
		weight.String(), len(out.Reservations), expiresAt.Format(time.RFC3339)))
	return &out, nil
}

// reserveTx plans and writes reservations inside tx. A non-nil result means the request could
// not be satisfied and the caller must roll back.
func (m *ReservationManager) reserveTx(ctx context.Context, tx *gorm.DB, orderId int, orderItemId *int, productId int, weight decimal.Decimal, warehouseId *int, now, expiresAt time.Time) ([]*models.Reservation, *AllocationPlan, *models.OperationResult, error) {
	pallets, err := loadPalletAvailability(tx, palletFilter{ProductId: productId, WarehouseId: warehouseId}, now, true)
	if err != nil {
		return nil, nil, nil, err
	}
	plan := PlanFIFO(productId, weight, pallets)
	if !plan.FullyFulfilled {
		return nil, &plan, models.Failed(models.ErrorKindInsufficientStock,
			"insufficient stock for product %d: requested %s kg, available %s kg",
			productId, weight.String(), plan.TotalAllocated.String()), nil
	}

	reservations := make([]*models.Reservation, 0, len(plan.Allocations))
	for _, line := range plan.Allocations {
		reservations = append(reservations, &models.Reservation{
			OrderId:        orderId,
			OrderItemId:    orderItemId,
			PalletId:       line.PalletId,
			ProductId:      productId,
			ReservedWeight: line.Weight,
			ExpiresAt:      expiresAt,
			IsActive:       true,
		})
	}
	if err := tx.Create(&reservations).Error; err != nil {
		return nil, nil, nil, err
	}
	if err := models.RecordEvent(ctx, tx, models.EventReservationCreated, models.AggregateOrder, orderId, map[string]interface{}{
		"order_id":     orderId,
		"product_id":   productId,
		"weight":       weight,
		"expires_at":   expiresAt,
		"reservations": reservations,
	}); err != nil {
		return nil, nil, nil, err
	}
	return reservations, &plan, nil, nil
}

// ReleaseReservations deactivates every active reservation of the order. Calling it again is a
// no-op that returns 0.
func (m *ReservationManager) ReleaseReservations(ctx context.Context, orderId int) (int64, error) {
	var count int64
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		count, err = releaseOrderTx(ctx, tx, orderId, models.ReleaseReasonReleased, m.now())
		return err
	})
	if err != nil {
		return 0, err
	}
	if count > 0 {
		m.Logger.WithFields(logFields(ctx, logrus.Fields{"order_id": orderId, "count": count})).Info("reservations released")
	}
	return count, nil
}

// releaseOrderTx deactivates all active reservations of an order with the given reason.
func releaseOrderTx(ctx context.Context, tx *gorm.DB, orderId int, reason models.ReleaseReason, now time.Time) (int64, error) {
	var ids []int
	if err := tx.Model(&models.Reservation{}).
		Where("order_id = ? AND is_active = ?", orderId, true).
		Clauses(lockForUpdate).
		Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := deactivateReservations(tx, ids, reason, now); err != nil {
		return 0, err
	}
	eventType := models.EventReservationReleased
	if reason == models.ReleaseReasonExpired {
		eventType = models.EventReservationExpired
	}
	if err := models.RecordEvent(ctx, tx, eventType, models.AggregateOrder, orderId, map[string]interface{}{
		"order_id":        orderId,
		"reservation_ids": ids,
		"reason":          reason,
	}); err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}

func deactivateReservations(tx *gorm.DB, ids []int, reason models.ReleaseReason, now time.Time) error {
	return tx.Model(&models.Reservation{}).
		Where("id IN ? AND is_active = ?", ids, true).
		Updates(map[string]interface{}{
			"is_active":      false,
			"released_at":    now,
			"release_reason": reason,
		}).Error
}

// ConvertReservationsToAllocations turns the order's reservations into allocations and
// decrements pallet weight. If any reservation has expired, the expired ones are released,
// that release is committed, and nothing is converted.
func (m *ReservationManager) ConvertReservationsToAllocations(ctx context.Context, orderId int) (*models.OperationResult, error) {
	ctx, span := startSpan(ctx, "ReservationManager.ConvertReservationsToAllocations", attribute.Int("order_id", orderId))
	var spanErr error
	defer func() { endSpan(span, spanErr) }()

	var result *models.OperationResult
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := lockOrder(tx, orderId)
		if err != nil {
			return err
		}
		if order == nil {
			return models.Rollback(orderNotFound(orderId))
		}
		if order.Status == models.OrderStatusCancelled {
			return models.Rollback(models.Failed(models.ErrorKindInvalidOrderState, "order %s is cancelled", order.OrderNumber))
		}
		res, commit, err := m.convertTx(ctx, tx, order)
		if err != nil {
			return err
		}
		result = res
		if !res.Success && !commit {
			return models.Rollback(res)
		}
		return nil
	})
	result, err = settle(result, err)
	spanErr = err
	if err == nil && !result.Success {
		m.Logger.WithFields(logFields(ctx, logrus.Fields{"order_id": orderId, "kind": result.Kind})).Warn("conversion refused: " + result.Message)
	}
	return result, err
}

// convertTx does the conversion inside the caller's transaction, which must hold the order lock.
// commit reports whether a failed result still carries writes that must be committed
// (the release of expired reservations).
func (m *ReservationManager) convertTx(ctx context.Context, tx *gorm.DB, order *models.Order) (result *models.OperationResult, commit bool, err error) {
	now := m.now()
	var active []*models.Reservation
	if err := tx.Where("order_id = ? AND is_active = ?", order.ID, true).
		Order("id ASC").
		Clauses(lockForUpdate).
		Find(&active).Error; err != nil {
		return nil, false, err
	}
	if len(active) == 0 {
		converted, err := countAllocations(tx, order.ID)
		if err != nil {
			return nil, false, err
		}
		if converted > 0 {
			return models.Failed(models.ErrorKindNoActiveReservations,
				"order %s has no active reservations: it was already converted", order.OrderNumber), false, nil
		}
		expired, err := countExpiredReservations(tx, order.ID)
		if err != nil {
			return nil, false, err
		}
		if expired > 0 {
			return models.Failed(models.ErrorKindReservationExpired,
				"reservations for order %s expired before conversion", order.OrderNumber), false, nil
		}
		return models.Failed(models.ErrorKindNoActiveReservations,
			"order %s has no active reservations", order.OrderNumber), false, nil
	}

	var expiredIds []int
	for _, r := range active {
		if !r.ExpiresAt.After(now) {
			expiredIds = append(expiredIds, r.ID)
		}
	}
	if len(expiredIds) > 0 {
		if err := deactivateReservations(tx, expiredIds, models.ReleaseReasonExpired, now); err != nil {
			return nil, false, err
		}
		if err := models.RecordEvent(ctx, tx, models.EventReservationExpired, models.AggregateOrder, order.ID, map[string]interface{}{
			"order_id":        order.ID,
			"reservation_ids": expiredIds,
			"reason":          models.ReleaseReasonExpired,
		}); err != nil {
			return nil, false, err
		}
		return models.Failed(models.ErrorKindReservationExpired,
			"%d reservation(s) for order %s expired before conversion; expired reservations were released",
			len(expiredIds), order.OrderNumber), true, nil
	}

	itemIds, res := matchReservationsToItems(order, active)
	if res != nil {
		return res, false, nil
	}

	pallets, err := lockPallets(tx, active)
	if err != nil {
		return nil, false, err
	}

	total := decimal.Zero
	convertedIds := make([]int, 0, len(active))
	for _, r := range active {
		pallet := pallets[r.PalletId]
		if pallet == nil {
			return nil, false, fmt.Errorf("pallet %d for reservation %d not found", r.PalletId, r.ID)
		}
		allocation := models.Allocation{
			OrderId:         order.ID,
			OrderItemId:     itemIds[r.ID],
			PalletId:        r.PalletId,
			ReservationId:   r.ID,
			AllocatedWeight: r.ReservedWeight,
		}
		if err := tx.Create(&allocation).Error; err != nil {
			return nil, false, err
		}
		if err := pallet.DecrementWeight(tx, r.ReservedWeight); err != nil {
			return nil, false, err
		}
		total = total.Add(r.ReservedWeight)
		convertedIds = append(convertedIds, r.ID)
	}
	if err := deactivateReservations(tx, convertedIds, models.ReleaseReasonConverted, now); err != nil {
		return nil, false, err
	}
	return models.Succeeded(fmt.Sprintf("converted %d reservation(s) totalling %s kg", len(convertedIds), total.String())), false, nil
}

// matchReservationsToItems maps each reservation to the order item for the same product.
// A reservation already linked to an item keeps that link.
func matchReservationsToItems(order *models.Order, reservations []*models.Reservation) (map[int]int, *models.OperationResult) {
	itemIds := make(map[int]int, len(reservations))
	for _, r := range reservations {
		if r.OrderItemId != nil && *r.OrderItemId > 0 {
			itemIds[r.ID] = *r.OrderItemId
			continue
		}
		item := order.ItemForProduct(r.ProductId)
		if item == nil {
			return nil, models.Failed(models.ErrorKindNoMatchingOrderItem,
				"order %s has no line for product %d reserved by reservation %d", order.OrderNumber, r.ProductId, r.ID)
		}
		itemIds[r.ID] = item.ID
	}
	return itemIds, nil
}

// lockPallets locks the pallets behind the reservations ordered by (product_id, id), the same
// order reservers take them in.
func lockPallets(tx *gorm.DB, reservations []*models.Reservation) (map[int]*models.Pallet, error) {
	ids := make([]int, 0, len(reservations))
	seen := map[int]bool{}
	for _, r := range reservations {
		if !seen[r.PalletId] {
			seen[r.PalletId] = true
			ids = append(ids, r.PalletId)
		}
	}
	sort.Ints(ids)
	var pallets []*models.Pallet
	if err := tx.Where("id IN ?", ids).Order("product_id ASC").Order("id ASC").Clauses(lockForUpdate).Find(&pallets).Error; err != nil {
		return nil, err
	}
	byId := make(map[int]*models.Pallet, len(pallets))
	for _, p := range pallets {
		byId[p.ID] = p
	}
	return byId, nil
}

func countExpiredReservations(tx *gorm.DB, orderId int) (int64, error) {
	var count int64
	err := tx.Model(&models.Reservation{}).
		Where("order_id = ? AND release_reason = ?", orderId, models.ReleaseReasonExpired).
		Count(&count).Error
	return count, err
}

func countAllocations(tx *gorm.DB, orderId int) (int64, error) {
	var count int64
	err := tx.Model(&models.Allocation{}).
		Where("order_id = ?", orderId).
		Count(&count).Error
	return count, err
}

func countActiveReservations(tx *gorm.DB, orderId int) (int64, error) {
	var count int64
	err := tx.Model(&models.Reservation{}).
		Where("order_id = ? AND is_active = ?", orderId, true).
		Count(&count).Error
	return count, err
}

// ReleaseExpiredReservations deactivates reservations whose expiry has passed. Rows locked by
// an in-flight conversion are skipped and picked up by the next sweep.
func (m *ReservationManager) ReleaseExpiredReservations(ctx context.Context) (*SweepResult, error) {
	ctx, span := startSpan(ctx, "ReservationManager.ReleaseExpiredReservations")
	var spanErr error
	defer func() { endSpan(span, spanErr) }()

	const batchSize = 500
	result := &SweepResult{Orders: []ExpiredOrder{}}
	byOrder := map[int]int{}
	for {
		now := m.now()
		var batch []models.Reservation
		err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("is_active = ? AND expires_at <= ?", true, now).
				Order("id ASC").
				Limit(batchSize).
				Clauses(skipLockedForUpdate).
				Find(&batch).Error; err != nil {
				return err
			}
			if len(batch) == 0 {
				return nil
			}
			ids := make([]int, 0, len(batch))
			perOrder := map[int][]int{}
			for _, r := range batch {
				ids = append(ids, r.ID)
				perOrder[r.OrderId] = append(perOrder[r.OrderId], r.ID)
			}
			if err := deactivateReservations(tx, ids, models.ReleaseReasonExpired, now); err != nil {
				return err
			}
			orderIds := make([]int, 0, len(perOrder))
			for orderId := range perOrder {
				orderIds = append(orderIds, orderId)
			}
			sort.Ints(orderIds)
			for _, orderId := range orderIds {
				if err := models.RecordEvent(ctx, tx, models.EventReservationExpired, models.AggregateOrder, orderId, map[string]interface{}{
					"order_id":        orderId,
					"reservation_ids": perOrder[orderId],
					"reason":          models.ReleaseReasonExpired,
				}); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			spanErr = err
			config.LogError(m.Logger, "Workflow", "ReleaseExpiredReservations", "sweep batch", nil, err)
			return nil, err
		}
		for _, r := range batch {
			idx, ok := byOrder[r.OrderId]
			if !ok {
				idx = len(result.Orders)
				byOrder[r.OrderId] = idx
				result.Orders = append(result.Orders, ExpiredOrder{OrderId: r.OrderId, Weight: decimal.Zero})
			}
			result.Orders[idx].ReservationIds = append(result.Orders[idx].ReservationIds, r.ID)
			result.Orders[idx].Weight = result.Orders[idx].Weight.Add(r.ReservedWeight)
		}
		result.Count += int64(len(batch))
		if len(batch) < batchSize {
			break
		}
	}
	if result.Count > 0 {
		m.Logger.WithFields(logFields(ctx, logrus.Fields{
			"count":  result.Count,
			"orders": len(result.Orders),
		})).Info("expired reservations released")
	}
	return result, nil
}

// ExtendReservation pushes out the expiry of every active reservation of the order.
// Reservations that already lapsed cannot be revived; they are released instead.
func (m *ReservationManager) ExtendReservation(ctx context.Context, orderId int, additional time.Duration) (*models.OperationResult, error) {
	if additional <= 0 {
		return models.Failed(models.ErrorKindInvalidInput, "additional time must be positive"), nil
	}
	var result *models.OperationResult
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := lockOrder(tx, orderId)
		if err != nil {
			return err
		}
		if order == nil {
			return models.Rollback(orderNotFound(orderId))
		}
		now := m.now()
		var active []*models.Reservation
		if err := tx.Where("order_id = ? AND is_active = ?", orderId, true).
			Clauses(lockForUpdate).
			Find(&active).Error; err != nil {
			return err
		}
		if len(active) == 0 {
			return models.Rollback(models.Failed(models.ErrorKindNoActiveReservations,
				"order %s has no active reservations to extend", order.OrderNumber))
		}
		for _, r := range active {
			if !r.ExpiresAt.After(now) {
				count, err := releaseOrderTx(ctx, tx, orderId, models.ReleaseReasonExpired, now)
				if err != nil {
					return err
				}
				result = models.Failed(models.ErrorKindReservationExpired,
					"reservations for order %s already expired; %d released", order.OrderNumber, count)
				return nil
			}
		}
		for _, r := range active {
			if err := tx.Model(&models.Reservation{}).
				Where("id = ?", r.ID).
				Update("expires_at", r.ExpiresAt.Add(additional)).Error; err != nil {
				return err
			}
		}
		if err := stampOrderExpiry(tx, orderId); err != nil {
			return err
		}
		result = models.Succeeded(fmt.Sprintf("extended %d reservation(s) by %s", len(active), additional))
		return nil
	})
	return settle(result, err)
}

// stampOrderExpiry copies the latest live expiry onto the order.
func stampOrderExpiry(tx *gorm.DB, orderId int) error {
	var latest []time.Time
	if err := tx.Model(&models.Reservation{}).
		Where("order_id = ? AND is_active = ?", orderId, true).
		Order("expires_at DESC").
		Limit(1).
		Pluck("expires_at", &latest).Error; err != nil {
		return err
	}
	var expiresAt *time.Time
	if len(latest) > 0 {
		t := latest[0].UTC()
		expiresAt = &t
	}
	return tx.Model(&models.Order{}).Where("id = ?", orderId).Update("reservation_expires_at", expiresAt).Error
}

// checkOrderReservable refuses reservations on orders past the point where stock can change.
func checkOrderReservable(order *models.Order) *models.OperationResult {
	if order.Status == models.OrderStatusCancelled {
		return models.Failed(models.ErrorKindInvalidOrderState, "order %s is cancelled", order.OrderNumber)
	}
	if order.IsLoadingApproved() {
		return models.Failed(models.ErrorKindAlreadyApproved, "order %s loading already approved", order.OrderNumber)
	}
	return nil
}

func productExists(db *gorm.DB, productId int) (bool, error) {
	var count int64
	if err := db.Model(&models.Product{}).Where("id = ?", productId).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}
