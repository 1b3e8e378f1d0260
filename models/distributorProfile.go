package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mmdatafocus/freshledger/config"
	"github.com/mmdatafocus/freshledger/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DistributorProfile holds the commission settings for a seller. UserId is the identity
// issued by the external user service.
type DistributorProfile struct {
	ID                   int              `gorm:"primary_key" json:"id"`
	UserId               int              `gorm:"not null;uniqueIndex" json:"user_id"`
	Name                 string           `gorm:"size:100;not null" json:"name"`
	Phone                string           `gorm:"size:20" json:"phone"`
	Role                 DistributorRole  `gorm:"size:20;not null;index;default:'distributor'" json:"role"`
	TeamLeaderId         *int             `gorm:"index" json:"team_leader_id"`
	CustomCommissionRate *decimal.Decimal `gorm:"type:decimal(5,2)" json:"custom_commission_rate"`
	PrefersGoodsPayment  bool             `gorm:"not null;default:false" json:"prefers_goods_payment"`
	IsActive             *bool            `gorm:"not null;default:true" json:"is_active"`
	CreatedAt            time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewDistributorProfile struct {
	UserId               int              `json:"user_id" validate:"required,gt=0"`
	Name                 string           `json:"name" validate:"required,max=100"`
	Phone                string           `json:"phone"`
	Role                 DistributorRole  `json:"role"`
	TeamLeaderId         *int             `json:"team_leader_id"`
	CustomCommissionRate *decimal.Decimal `json:"custom_commission_rate"`
	PrefersGoodsPayment  bool             `json:"prefers_goods_payment"`
}

func (input *NewDistributorProfile) validate(ctx context.Context) error {
	input.Name = strings.TrimSpace(input.Name)
	input.Phone = strings.TrimSpace(input.Phone)
	if input.Role == "" {
		input.Role = DistributorRoleDistributor
	}
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}
	if !input.Role.IsValid() {
		return utils.InvalidInput("role must be distributor or team_leader")
	}
	if input.Phone != "" {
		phone, err := utils.FormatPhoneNumber(input.Phone, utils.CountryCode)
		if err != nil {
			return err
		}
		input.Phone = phone
	}
	if rate := input.CustomCommissionRate; rate != nil {
		if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(100)) {
			return utils.InvalidInput("custom commission rate must be between 0 and 100")
		}
	}
	if input.TeamLeaderId != nil {
		if *input.TeamLeaderId == input.UserId {
			return utils.InvalidInput("distributor cannot lead themselves")
		}
		lead, err := GetDistributorProfile(ctx, *input.TeamLeaderId)
		if err != nil {
			return err
		}
		if lead == nil || lead.Role != DistributorRoleTeamLeader {
			return utils.InvalidInput("team leader not found")
		}
	}
	return nil
}

// UpsertDistributorProfile creates or replaces the profile keyed by user id.
func UpsertDistributorProfile(ctx context.Context, input *NewDistributorProfile) (*DistributorProfile, error) {
	if err := input.validate(ctx); err != nil {
		return nil, err
	}
	profile := DistributorProfile{
		UserId:               input.UserId,
		Name:                 input.Name,
		Phone:                input.Phone,
		Role:                 input.Role,
		TeamLeaderId:         input.TeamLeaderId,
		CustomCommissionRate: input.CustomCommissionRate,
		PrefersGoodsPayment:  input.PrefersGoodsPayment,
		IsActive:             utils.NewTrue(),
	}
	db := config.GetDB()
	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "phone", "role", "team_leader_id", "custom_commission_rate", "prefers_goods_payment", "updated_at",
		}),
	}).Create(&profile).Error
	if err != nil {
		return nil, err
	}
	return GetDistributorProfile(ctx, input.UserId)
}

// GetDistributorProfile looks a profile up by user id. Returns nil when none is on file.
func GetDistributorProfile(ctx context.Context, userId int) (*DistributorProfile, error) {
	return getDistributorProfile(config.GetDB().WithContext(ctx), userId)
}

func GetDistributorProfileTx(tx *gorm.DB, userId int) (*DistributorProfile, error) {
	return getDistributorProfile(tx, userId)
}

func getDistributorProfile(db *gorm.DB, userId int) (*DistributorProfile, error) {
	var profile DistributorProfile
	err := db.Where("user_id = ?", userId).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// ListTeamMembers returns the distributor user ids reporting to leadUserId.
func ListTeamMembers(tx *gorm.DB, leadUserId int) ([]int, error) {
	var ids []int
	err := tx.Model(&DistributorProfile{}).
		Where("team_leader_id = ?", leadUserId).
		Order("user_id ASC").
		Pluck("user_id", &ids).Error
	return ids, err
}

func ListDistributorProfiles(ctx context.Context, role *DistributorRole) ([]*DistributorProfile, error) {
	db := config.GetDB()
	var results []*DistributorProfile
	q := db.WithContext(ctx)
	if role != nil && *role != "" {
		q = q.Where("role = ?", *role)
	}
	if err := q.Order("name").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
