package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/freshledger/config"
	"github.com/mmdatafocus/freshledger/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CommissionEngine struct {
	DB     *gorm.DB
	Logger *logrus.Logger
	Now    func() time.Time
}

func NewCommissionEngine(db *gorm.DB, logger *logrus.Logger) *CommissionEngine {
	return &CommissionEngine{DB: db, Logger: logger, Now: nowUTC}
}

type CommissionResult struct {
	models.OperationResult
	Commissions []*models.Commission `json:"commissions"`
}

func (e *CommissionEngine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return nowUTC()
}

// CalculateOrderCommission computes the distributor commission for one paid order at the tier
// of that order's own weight, plus the team lead override when the distributor has a lead.
func (e *CommissionEngine) CalculateOrderCommission(ctx context.Context, orderId int) (*CommissionResult, error) {
	ctx, span := startSpan(ctx, "CommissionEngine.CalculateOrderCommission", attribute.Int("order_id", orderId))
	var spanErr error
	defer func() { endSpan(span, spanErr) }()

	out := &CommissionResult{Commissions: []*models.Commission{}}
	err := e.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order models.Order
		if err := tx.Preload("Items").First(&order, orderId).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return models.Rollback(orderNotFound(orderId))
			}
			return err
		}
		if order.Status == models.OrderStatusCancelled {
			return models.Rollback(models.Failed(models.ErrorKindInvalidOrderState, "order %s is cancelled", order.OrderNumber))
		}
		if !order.IsPaid() {
			return models.Rollback(models.Failed(models.ErrorKindPaymentNotConfirmed, "payment for order %s is not confirmed", order.OrderNumber))
		}

		profile, err := models.GetDistributorProfileTx(tx, order.DistributorId)
		if err != nil {
			return err
		}
		window := models.OrderWindowKey(order.ID)
		totals := SummarizeOrders([]models.Order{order})

		row, err := e.buildRow(tx, window, order.DistributorId, models.CommissionTypeDistributor, profile,
			totals, DistributorRate(profile, totals.Weight), nil)
		if err != nil {
			return err
		}
		saved, err := e.upsert(ctx, tx, row)
		if err != nil {
			return err
		}
		out.Commissions = append(out.Commissions, saved)

		if profile != nil && profile.TeamLeaderId != nil {
			lead, err := models.GetDistributorProfileTx(tx, *profile.TeamLeaderId)
			if err != nil {
				return err
			}
			leadRow, err := e.buildRow(tx, window, *profile.TeamLeaderId, models.CommissionTypeTeamLeader, lead,
				totals, TeamLeaderRate, nil)
			if err != nil {
				return err
			}
			saved, err := e.upsert(ctx, tx, leadRow)
			if err != nil {
				return err
			}
			out.Commissions = append(out.Commissions, saved)
		}
		return nil
	})
	return e.finish(ctx, out, err, &spanErr, logrus.Fields{"order_id": orderId})
}

// CalculateCycleCommission computes one distributor commission for a whole sales cycle. The
// rate is always the tier of the cumulative cycle weight; a negotiated rate on the profile
// applies to per-order commissions only.
func (e *CommissionEngine) CalculateCycleCommission(ctx context.Context, distributorId int, cycleId int) (*CommissionResult, error) {
	ctx, span := startSpan(ctx, "CommissionEngine.CalculateCycleCommission",
		attribute.Int("distributor_id", distributorId), attribute.Int("cycle_id", cycleId))
	var spanErr error
	defer func() { endSpan(span, spanErr) }()

	out := &CommissionResult{Commissions: []*models.Commission{}}
	err := e.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cycle, res, err := loadCommissionCycle(tx, cycleId)
		if err != nil {
			return err
		}
		if res != nil {
			return models.Rollback(res)
		}
		from, to := cycle.Window()
		orders, err := loadPaidOrders(tx, []int{distributorId}, from, to)
		if err != nil {
			return err
		}
		if len(orders) == 0 {
			return models.Rollback(models.Failed(models.ErrorKindNoPaidOrders,
				"distributor %d has no paid orders in cycle %s", distributorId, cycle.Name))
		}
		profile, err := models.GetDistributorProfileTx(tx, distributorId)
		if err != nil {
			return err
		}
		totals := SummarizeOrders(orders)
		row, err := e.buildRow(tx, models.CycleWindowKey(cycle.ID), distributorId, models.CommissionTypeDistributor, profile,
			totals, TierRate(totals.Weight), &cycle.ID)
		if err != nil {
			return err
		}
		saved, err := e.upsert(ctx, tx, row)
		if err != nil {
			return err
		}
		out.Commissions = append(out.Commissions, saved)
		return nil
	})
	return e.finish(ctx, out, err, &spanErr, logrus.Fields{"distributor_id": distributorId, "cycle_id": cycleId})
}

// CalculateTeamLeaderCycleCommission pays the lead the flat rate on all revenue of the
// distributors reporting to them within the cycle.
func (e *CommissionEngine) CalculateTeamLeaderCycleCommission(ctx context.Context, teamLeadId int, cycleId int) (*CommissionResult, error) {
	ctx, span := startSpan(ctx, "CommissionEngine.CalculateTeamLeaderCycleCommission",
		attribute.Int("team_lead_id", teamLeadId), attribute.Int("cycle_id", cycleId))
	var spanErr error
	defer func() { endSpan(span, spanErr) }()

	out := &CommissionResult{Commissions: []*models.Commission{}}
	err := e.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cycle, res, err := loadCommissionCycle(tx, cycleId)
		if err != nil {
			return err
		}
		if res != nil {
			return models.Rollback(res)
		}
		lead, err := models.GetDistributorProfileTx(tx, teamLeadId)
		if err != nil {
			return err
		}
		if lead == nil || lead.Role != models.DistributorRoleTeamLeader {
			return models.Rollback(models.Failed(models.ErrorKindInvalidInput, "user %d is not a team leader", teamLeadId))
		}
		members, err := models.ListTeamMembers(tx, teamLeadId)
		if err != nil {
			return err
		}
		if len(members) == 0 {
			return models.Rollback(models.Failed(models.ErrorKindNoPaidOrders, "team leader %d has no distributors", teamLeadId))
		}
		from, to := cycle.Window()
		orders, err := loadPaidOrders(tx, members, from, to)
		if err != nil {
			return err
		}
		if len(orders) == 0 {
			return models.Rollback(models.Failed(models.ErrorKindNoPaidOrders,
				"team of leader %d has no paid orders in cycle %s", teamLeadId, cycle.Name))
		}
		totals := SummarizeOrders(orders)
		row, err := e.buildRow(tx, models.CycleWindowKey(cycle.ID), teamLeadId, models.CommissionTypeTeamLeader, lead,
			totals, TeamLeaderRate, &cycle.ID)
		if err != nil {
			return err
		}
		saved, err := e.upsert(ctx, tx, row)
		if err != nil {
			return err
		}
		out.Commissions = append(out.Commissions, saved)
		return nil
	})
	return e.finish(ctx, out, err, &spanErr, logrus.Fields{"team_lead_id": teamLeadId, "cycle_id": cycleId})
}

func (e *CommissionEngine) finish(ctx context.Context, out *CommissionResult, err error, spanErr *error, fields logrus.Fields) (*CommissionResult, error) {
	result, err := settle(nil, err)
	if err != nil {
		*spanErr = err
		config.LogError(e.Logger, "Workflow", "CommissionEngine", "calculate commission", fields, err)
		return nil, err
	}
	if result != nil {
		out.OperationResult = *result
		out.Commissions = []*models.Commission{}
		fields["kind"] = result.Kind
		e.Logger.WithFields(logFields(ctx, fields)).Info("commission not calculated: " + result.Message)
		return out, nil
	}
	total := decimal.Zero
	for _, c := range out.Commissions {
		total = total.Add(c.CommissionAmount)
	}
	out.OperationResult = *models.Succeeded(fmt.Sprintf("%d commission row(s) totalling %s", len(out.Commissions), total.StringFixed(2)))
	e.Logger.WithFields(logFields(ctx, fields)).Info(out.Message)
	return out, nil
}

// loadCommissionCycle accepts active or closed cycles. Draft cycles have not started yet.
func loadCommissionCycle(tx *gorm.DB, cycleId int) (*models.SalesCycle, *models.OperationResult, error) {
	var cycle models.SalesCycle
	if err := tx.First(&cycle, cycleId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.Failed(models.ErrorKindCycleNotFoundOrInactive, "sales cycle %d not found", cycleId), nil
		}
		return nil, nil, err
	}
	if cycle.Status == models.SalesCycleStatusDraft {
		return nil, models.Failed(models.ErrorKindCycleNotFoundOrInactive, "sales cycle %s has not been activated", cycle.Name), nil
	}
	return &cycle, nil, nil
}

// loadPaidOrders returns paid, non-cancelled orders of the distributors dated in [from, to).
func loadPaidOrders(tx *gorm.DB, distributorIds []int, from, to time.Time) ([]models.Order, error) {
	var orders []models.Order
	err := tx.Preload("Items").
		Where("distributor_id IN ? AND payment_status = ? AND status <> ?", distributorIds, models.PaymentStatusPaid, models.OrderStatusCancelled).
		Where("order_date >= ? AND order_date < ?", from, to).
		Order("id ASC").
		Find(&orders).Error
	return orders, err
}

func (e *CommissionEngine) buildRow(tx *gorm.DB, window string, userId int, commissionType models.CommissionType, profile *models.DistributorProfile, totals WindowTotals, rate decimal.Decimal, cycleId *int) (*models.Commission, error) {
	row := &models.Commission{
		WindowKey:        window,
		UserId:           userId,
		CommissionType:   commissionType,
		OrderId:          totals.AnchorOrderId,
		CycleId:          cycleId,
		TotalWeight:      totals.Weight,
		BaseAmount:       totals.Revenue,
		Rate:             rate,
		CommissionAmount: CommissionAmount(totals.Revenue, rate),
		CalculatedAt:     e.now(),
	}
	if profile != nil && profile.PrefersGoodsPayment && totals.DominantProductId > 0 {
		var product models.Product
		if err := tx.First(&product, totals.DominantProductId).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, err
			}
		} else if qty, ok := GoodsQuantity(row.CommissionAmount, product.PricePerKg); ok {
			row.GoodsProductId = &product.ID
			row.GoodsQuantity = &qty
		}
	}
	return row, nil
}

// upsert writes the row keyed by (window, user, type). A row already paid out is left as is.
func (e *CommissionEngine) upsert(ctx context.Context, tx *gorm.DB, row *models.Commission) (*models.Commission, error) {
	var existing models.Commission
	err := tx.Clauses(lockForUpdate).
		Where("window_key = ? AND user_id = ? AND commission_type = ?", row.WindowKey, row.UserId, row.CommissionType).
		First(&existing).Error
	if err == nil && existing.IsPaid {
		return &existing, nil
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "window_key"}, {Name: "user_id"}, {Name: "commission_type"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"order_id", "cycle_id", "total_weight", "base_amount", "rate", "commission_amount",
			"goods_product_id", "goods_quantity", "calculated_at", "updated_at",
		}),
	}).Create(row).Error; err != nil {
		return nil, err
	}

	var saved models.Commission
	if err := tx.Where("window_key = ? AND user_id = ? AND commission_type = ?", row.WindowKey, row.UserId, row.CommissionType).
		First(&saved).Error; err != nil {
		return nil, err
	}
	if err := models.RecordEvent(ctx, tx, models.EventCommissionCalculated, models.AggregateCommission, saved.ID, saved); err != nil {
		return nil, err
	}
	return &saved, nil
}
