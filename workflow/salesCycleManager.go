package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/freshledger/config"
	"github.com/mmdatafocus/freshledger/models"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// SalesCycleManager moves cycles through draft -> active -> closed. At most one cycle is active,
// enforced by the unique active_slot column.
type SalesCycleManager struct {
	DB          *gorm.DB
	Logger      *logrus.Logger
	Commissions *CommissionEngine
	Alerts      *AlertEngine
	Now         func() time.Time
}

func NewSalesCycleManager(db *gorm.DB, logger *logrus.Logger, commissions *CommissionEngine, alerts *AlertEngine) *SalesCycleManager {
	return &SalesCycleManager{DB: db, Logger: logger, Commissions: commissions, Alerts: alerts, Now: nowUTC}
}

type CycleResult struct {
	models.OperationResult
	Cycle *models.SalesCycle `json:"cycle,omitempty"`
}

type CloseCycleResult struct {
	CycleResult
	PerformanceAlerts []*models.Alert      `json:"performance_alerts"`
	Commissions       []*models.Commission `json:"commissions"`
	Skipped           []string             `json:"skipped"`
}

func (m *SalesCycleManager) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return nowUTC()
}

// ActivateCycle makes a draft cycle the active one.
func (m *SalesCycleManager) ActivateCycle(ctx context.Context, cycleId int) (*CycleResult, error) {
	ctx, span := startSpan(ctx, "SalesCycleManager.ActivateCycle", attribute.Int("cycle_id", cycleId))
	var spanErr error
	defer func() { endSpan(span, spanErr) }()

	out := &CycleResult{}
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cycle models.SalesCycle
		if err := tx.Where("id = ?", cycleId).Clauses(lockForUpdate).Limit(1).Find(&cycle).Error; err != nil {
			return err
		}
		if cycle.ID == 0 {
			return models.Rollback(models.Failed(models.ErrorKindCycleNotFoundOrInactive, "sales cycle %d not found", cycleId))
		}
		if cycle.IsActive() {
			out.Cycle = &cycle
			return nil
		}
		if cycle.Status != models.SalesCycleStatusDraft {
			return models.Rollback(models.Failed(models.ErrorKindInvalidInput, "sales cycle %s is %s and cannot be activated", cycle.Name, cycle.Status))
		}
		var active models.SalesCycle
		if err := tx.Where("active_slot = ?", models.ActiveCycleSlot).Limit(1).Find(&active).Error; err != nil {
			return err
		}
		if active.ID != 0 {
			return models.Rollback(anotherCycleActive(active.Name))
		}

		now := m.now()
		slot := models.ActiveCycleSlot
		if err := tx.Model(&cycle).Updates(map[string]interface{}{
			"status":       models.SalesCycleStatusActive,
			"active_slot":  slot,
			"activated_at": now,
		}).Error; err != nil {
			if isDuplicateKeyErr(err) {
				return models.Rollback(anotherCycleActive(""))
			}
			return err
		}
		cycle.Status = models.SalesCycleStatusActive
		cycle.ActiveSlot = &slot
		cycle.ActivatedAt = &now
		if err := models.RecordEvent(ctx, tx, models.EventSalesCycleTransitioned, models.AggregateSalesCycle, cycle.ID, map[string]interface{}{
			"cycle_id": cycle.ID,
			"name":     cycle.Name,
			"status":   cycle.Status,
		}); err != nil {
			return err
		}
		out.Cycle = &cycle
		return nil
	})
	if err != nil && isDuplicateKeyErr(err) {
		// the unique index caught a concurrent activation at commit
		err = models.Rollback(anotherCycleActive(""))
	}
	result, err := settle(models.Succeeded(fmt.Sprintf("sales cycle %d active", cycleId)), err)
	if err != nil {
		spanErr = err
		config.LogError(m.Logger, "Workflow", "ActivateCycle", "activate cycle", cycleId, err)
		return nil, err
	}
	out.OperationResult = *result
	if !result.Success {
		out.Cycle = nil
	}
	m.Logger.WithFields(logFields(ctx, logrus.Fields{"cycle_id": cycleId, "success": result.Success})).Info(result.Message)
	return out, nil
}

func anotherCycleActive(name string) *models.OperationResult {
	if name == "" {
		return models.Failed(models.ErrorKindAnotherCycleActive, "another sales cycle is already active")
	}
	return models.Failed(models.ErrorKindAnotherCycleActive, "sales cycle %s is already active", name)
}

// CloseCycle runs the final performance check and cycle commissions, then closes the cycle.
// Distributors and leads with no paid orders are skipped.
func (m *SalesCycleManager) CloseCycle(ctx context.Context, cycleId int) (*CloseCycleResult, error) {
	ctx, span := startSpan(ctx, "SalesCycleManager.CloseCycle", attribute.Int("cycle_id", cycleId))
	var spanErr error
	defer func() { endSpan(span, spanErr) }()

	out := &CloseCycleResult{
		PerformanceAlerts: []*models.Alert{},
		Commissions:       []*models.Commission{},
		Skipped:           []string{},
	}
	db := m.DB.WithContext(ctx)
	var cycle models.SalesCycle
	if err := db.Where("id = ?", cycleId).Limit(1).Find(&cycle).Error; err != nil {
		spanErr = err
		return nil, err
	}
	if cycle.ID == 0 || !cycle.IsActive() {
		out.OperationResult = *models.Failed(models.ErrorKindCycleNotFoundOrInactive, "sales cycle %d is not active", cycleId)
		return out, nil
	}

	if m.Alerts != nil {
		alerts, err := m.Alerts.CheckPerformance(ctx, &cycle)
		if err != nil {
			spanErr = err
			config.LogError(m.Logger, "Workflow", "CloseCycle", "performance check", cycleId, err)
			return nil, err
		}
		out.PerformanceAlerts = append(out.PerformanceAlerts, alerts...)
	}

	var profiles []models.DistributorProfile
	if err := db.Where("is_active = ?", true).Order("user_id ASC").Find(&profiles).Error; err != nil {
		spanErr = err
		return nil, err
	}
	for _, p := range profiles {
		var (
			res *CommissionResult
			err error
		)
		if p.Role == models.DistributorRoleTeamLeader {
			res, err = m.Commissions.CalculateTeamLeaderCycleCommission(ctx, p.UserId, cycle.ID)
		} else {
			res, err = m.Commissions.CalculateCycleCommission(ctx, p.UserId, cycle.ID)
		}
		if err != nil {
			spanErr = err
			config.LogError(m.Logger, "Workflow", "CloseCycle", "cycle commission", p.UserId, err)
			return nil, err
		}
		if !res.Success {
			out.Skipped = append(out.Skipped, fmt.Sprintf("user %d: %s", p.UserId, res.Message))
			continue
		}
		out.Commissions = append(out.Commissions, res.Commissions...)
	}

	now := m.now()
	err := db.Transaction(func(tx *gorm.DB) error {
		updated := tx.Model(&models.SalesCycle{}).
			Where("id = ? AND status = ?", cycle.ID, models.SalesCycleStatusActive).
			Updates(map[string]interface{}{
				"status":      models.SalesCycleStatusClosed,
				"active_slot": nil,
				"closed_at":   now,
			})
		if updated.Error != nil {
			return updated.Error
		}
		if updated.RowsAffected == 0 {
			return models.Rollback(models.Failed(models.ErrorKindCycleNotFoundOrInactive, "sales cycle %s was closed concurrently", cycle.Name))
		}
		return models.RecordEvent(ctx, tx, models.EventSalesCycleTransitioned, models.AggregateSalesCycle, cycle.ID, map[string]interface{}{
			"cycle_id":    cycle.ID,
			"name":        cycle.Name,
			"status":      models.SalesCycleStatusClosed,
			"commissions": len(out.Commissions),
		})
	})
	result, err := settle(models.Succeeded(fmt.Sprintf("sales cycle %s closed with %d commission row(s)", cycle.Name, len(out.Commissions))), err)
	if err != nil {
		spanErr = err
		config.LogError(m.Logger, "Workflow", "CloseCycle", "close cycle", cycleId, err)
		return nil, err
	}
	if result.Success {
		cycle.Status = models.SalesCycleStatusClosed
		cycle.ActiveSlot = nil
		cycle.ClosedAt = &now
		out.Cycle = &cycle
	}
	out.OperationResult = *result
	m.Logger.WithFields(logFields(ctx, logrus.Fields{
		"cycle_id":    cycleId,
		"commissions": len(out.Commissions),
		"skipped":     len(out.Skipped),
	})).Info(result.Message)
	return out, nil
}
