package workflow

import (
	"context"

	"github.com/mmdatafocus/freshledger/config"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Engine wires the components over one database handle.
type Engine struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	Settings     config.EngineSettings
	Reservations *ReservationManager
	Approvals    *LoadingApproval
	Orders       *OrderService
	Commissions  *CommissionEngine
	Alerts       *AlertEngine
	Cycles       *SalesCycleManager
}

func NewEngine(db *gorm.DB, logger *logrus.Logger, settings config.EngineSettings) *Engine {
	reservations := NewReservationManager(db, logger, settings)
	commissions := NewCommissionEngine(db, logger)
	alerts := NewAlertEngine(db, logger, settings)
	return &Engine{
		DB:           db,
		Logger:       logger,
		Settings:     settings,
		Reservations: reservations,
		Approvals:    NewLoadingApproval(db, logger, reservations),
		Orders:       NewOrderService(db, logger, reservations, commissions, settings),
		Commissions:  commissions,
		Alerts:       alerts,
		Cycles:       NewSalesCycleManager(db, logger, commissions, alerts),
	}
}

// SweepExpired releases lapsed reservations and raises one reservation_expired alert per
// affected order.
func (e *Engine) SweepExpired(ctx context.Context) (*SweepResult, error) {
	sweep, err := e.Reservations.ReleaseExpiredReservations(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := e.Alerts.RaiseReservationExpired(ctx, sweep); err != nil {
		// the release is committed; a missing alert is logged, not retried
		config.LogError(e.Logger, "Workflow", "SweepExpired", "raise reservation alerts", sweep.Count, err)
	}
	return sweep, nil
}
