package utils

import (
	"context"
	"errors"

	"github.com/mmdatafocus/freshledger/config"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

/* DB fetching */

// fetch model from db
// (may return RecordNotFound)
func FetchModel[T any](ctx context.Context, id int, associations ...string) (*T, error) {
	db := config.GetDB()
	dbCtx := db.WithContext(ctx)
	for _, field := range associations {
		dbCtx = dbCtx.Preload(field)
	}
	var result T
	err := dbCtx.First(&result, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrorRecordNotFound
		}
		return nil, err
	}
	return &result, nil
}

// FetchModelForUpdate reads a row inside tx holding a row lock (SELECT ... FOR UPDATE).
// Returns ErrorRecordNotFound when the row does not exist.
func FetchModelForUpdate[T any](tx *gorm.DB, id int, associations ...string) (*T, error) {
	q := tx.Clauses(clause.Locking{Strength: "UPDATE"})
	for _, field := range associations {
		q = q.Preload(field)
	}
	var result T
	if err := q.First(&result, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrorRecordNotFound
		}
		return nil, err
	}
	return &result, nil
}
