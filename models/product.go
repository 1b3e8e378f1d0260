package models

import (
	"context"
	"strings"
	"time"

	"github.com/mmdatafocus/freshledger/config"
	"github.com/mmdatafocus/freshledger/utils"
	"github.com/shopspring/decimal"
)

type Product struct {
	ID         int             `gorm:"primary_key" json:"id"`
	Name       string          `gorm:"size:100;not null" json:"name"`
	Sku        string          `gorm:"size:50;not null;uniqueIndex" json:"sku"`
	PricePerKg decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"price_per_kg"`
	IsActive   *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewProduct struct {
	Name       string          `json:"name" validate:"required,max=100"`
	Sku        string          `json:"sku" validate:"required,max=50"`
	PricePerKg decimal.Decimal `json:"price_per_kg"`
}

func (input *NewProduct) validate(ctx context.Context, id int) error {
	input.Name = strings.TrimSpace(input.Name)
	input.Sku = strings.ToUpper(strings.TrimSpace(input.Sku))
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}
	if !input.PricePerKg.IsPositive() {
		return utils.InvalidInput("price per kg must be greater than zero")
	}
	if err := utils.ValidateUnique[Product](ctx, "sku", input.Sku, id); err != nil {
		return err
	}
	return nil
}

func CreateProduct(ctx context.Context, input *NewProduct) (*Product, error) {
	if err := input.validate(ctx, 0); err != nil {
		return nil, err
	}
	product := Product{
		Name:       input.Name,
		Sku:        input.Sku,
		PricePerKg: utils.RoundMoney(input.PricePerKg),
		IsActive:   utils.NewTrue(),
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&product).Error; err != nil {
		return nil, err
	}
	return &product, nil
}

// UpdateProductPrice changes the price used for new orders and goods conversions.
// Existing order lines keep the unit price they were placed at.
func UpdateProductPrice(ctx context.Context, id int, pricePerKg decimal.Decimal) (*Product, error) {
	if !pricePerKg.IsPositive() {
		return nil, utils.InvalidInput("price per kg must be greater than zero")
	}
	product, err := utils.FetchModel[Product](ctx, id)
	if err != nil {
		return nil, err
	}
	db := config.GetDB()
	price := utils.RoundMoney(pricePerKg)
	if err := db.WithContext(ctx).Model(product).Update("PricePerKg", price).Error; err != nil {
		return nil, err
	}
	product.PricePerKg = price
	if err := utils.RemoveRedisItem[Product](id); err != nil {
		config.LogError(config.GetLogger(), "Product", "UpdateProductPrice", "clear cache", id, err)
	}
	return product, nil
}

func GetProduct(ctx context.Context, id int) (*Product, error) {
	return GetCachedResource[Product](ctx, id)
}

func ListProducts(ctx context.Context, activeOnly bool) ([]*Product, error) {
	db := config.GetDB()
	var results []*Product
	dbCtx := db.WithContext(ctx)
	if activeOnly {
		dbCtx = dbCtx.Where("is_active = ?", true)
	}
	if err := dbCtx.Order("name").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (p *Product) Active() bool {
	return utils.DereferencePtr(p.IsActive, true)
}
