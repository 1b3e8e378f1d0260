package models

import (
	"gorm.io/gorm"
)

// AllModels lists every table owned by this service, in dependency order.
func AllModels() []interface{} {
	return []interface{}{
		&Warehouse{}, &Product{}, &Pallet{},
		&Order{}, &OrderItem{},
		&Reservation{}, &Allocation{},
		&SalesCycle{}, &DistributorProfile{},
		&Commission{}, &PerformanceMetric{},
		&Alert{},
		&OutboxEvent{}, &IdempotencyKey{},
	}
}

func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(AllModels()...)
}
