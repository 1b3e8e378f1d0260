package utils

import (
	"context"

	"github.com/mmdatafocus/freshledger/config"
)

// check if id exists, return RecordNotFound Error
func ValidateResourceId[T any](ctx context.Context, id interface{}) error {
	count, err := ResourceCountWhere[T](ctx, "id = ?", id)
	if err != nil {
		return err
	}
	if count <= 0 {
		return ErrorRecordNotFound
	}
	return nil
}

// ValidateUnique fails when another row (id != exceptId) already has column = value.
func ValidateUnique[T any](ctx context.Context, column string, value interface{}, exceptId interface{}) error {
	count, err := ResourceCountWhere[T](ctx, column+" = ? AND id <> ?", value, exceptId)
	if err != nil {
		return err
	}
	if count > 0 {
		return InvalidInput("duplicate %s", column)
	}
	return nil
}

func ResourceCountWhere[T any](ctx context.Context, condition string, value ...interface{}) (int64, error) {
	db := config.GetDB()
	var count int64
	var model T
	err := db.WithContext(ctx).Model(&model).Where(condition, value...).Count(&count).Error
	return count, err
}
