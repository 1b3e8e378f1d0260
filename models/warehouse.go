package models

import (
	"context"
	"strings"
	"time"

	"github.com/mmdatafocus/freshledger/config"
	"github.com/mmdatafocus/freshledger/utils"
	"github.com/shopspring/decimal"
)

type Warehouse struct {
	ID                int             `gorm:"primary_key" json:"id"`
	Name              string          `gorm:"size:100;not null;uniqueIndex" json:"name"`
	StorageMode       StorageMode     `gorm:"size:20;not null;index" json:"storage_mode"`
	CapacityKg        decimal.Decimal `gorm:"type:decimal(20,3);not null;default:0" json:"capacity_kg"`
	SpoilageAlertDays *int            `json:"spoilage_alert_days"`
	Address           string          `gorm:"type:text" json:"address"`
	IsActive          *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewWarehouse struct {
	Name              string          `json:"name" validate:"required,max=100"`
	StorageMode       StorageMode     `json:"storage_mode" validate:"required"`
	CapacityKg        decimal.Decimal `json:"capacity_kg"`
	SpoilageAlertDays *int            `json:"spoilage_alert_days" validate:"omitempty,gt=0"`
	Address           string          `json:"address"`
}

// validate input for both create & update. (id = 0 for create)
func (input *NewWarehouse) validate(ctx context.Context, id int) error {
	input.Name = strings.TrimSpace(input.Name)
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}
	if !input.StorageMode.IsValid() {
		return utils.InvalidInput("storage mode must be freezing or cooling")
	}
	if input.CapacityKg.IsNegative() {
		return utils.InvalidInput("capacity must not be negative")
	}
	if err := utils.ValidateUnique[Warehouse](ctx, "name", input.Name, id); err != nil {
		return err
	}
	return nil
}

func CreateWarehouse(ctx context.Context, input *NewWarehouse) (*Warehouse, error) {
	if err := input.validate(ctx, 0); err != nil {
		return nil, err
	}

	warehouse := Warehouse{
		Name:              input.Name,
		StorageMode:       input.StorageMode,
		CapacityKg:        input.CapacityKg,
		SpoilageAlertDays: input.SpoilageAlertDays,
		Address:           input.Address,
		IsActive:          utils.NewTrue(),
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&warehouse).Error; err != nil {
		return nil, err
	}
	return &warehouse, nil
}

func UpdateWarehouse(ctx context.Context, id int, input *NewWarehouse) (*Warehouse, error) {
	if err := input.validate(ctx, id); err != nil {
		return nil, err
	}
	warehouse, err := utils.FetchModel[Warehouse](ctx, id)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Model(warehouse).Updates(map[string]interface{}{
		"Name":              input.Name,
		"StorageMode":       input.StorageMode,
		"CapacityKg":        input.CapacityKg,
		"SpoilageAlertDays": input.SpoilageAlertDays,
		"Address":           input.Address,
	}).Error
	if err != nil {
		return nil, err
	}
	if err := utils.RemoveRedisItem[Warehouse](id); err != nil {
		config.LogError(config.GetLogger(), "Warehouse", "UpdateWarehouse", "clear cache", id, err)
	}
	return warehouse, nil
}

func GetWarehouse(ctx context.Context, id int) (*Warehouse, error) {
	return GetCachedResource[Warehouse](ctx, id)
}

func ListWarehouses(ctx context.Context, storageMode *StorageMode) ([]*Warehouse, error) {
	db := config.GetDB()
	var results []*Warehouse
	dbCtx := db.WithContext(ctx)
	if storageMode != nil && *storageMode != "" {
		dbCtx = dbCtx.Where("storage_mode = ?", *storageMode)
	}
	if err := dbCtx.Order("name").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// HasSpoilageWatch reports whether fresh batches stored here should be checked for age.
func (w *Warehouse) HasSpoilageWatch() bool {
	return w.StorageMode == StorageModeCooling && w.SpoilageAlertDays != nil && *w.SpoilageAlertDays > 0
}
