package models

import (
	"context"

	"github.com/mmdatafocus/freshledger/config"
	"github.com/mmdatafocus/freshledger/utils"
)

// first find in redis, then in db, cache result
// (may return RecordNotFound error)
func GetCachedResource[T any](ctx context.Context, id int) (*T, error) {
	result, err := utils.RetrieveRedis[T](id)
	if err != nil {
		// cache trouble must not block reads
		config.LogError(config.GetLogger(), "Models", "GetCachedResource", "retrieve redis", id, err)
		result = nil
	}
	if result != nil {
		return result, nil
	}

	result, err = utils.FetchModel[T](ctx, id)
	if err != nil {
		return nil, err
	}
	if err := utils.StoreRedis[T](result, id); err != nil {
		config.LogError(config.GetLogger(), "Models", "GetCachedResource", "store redis", id, err)
	}
	return result, nil
}

// ToggleActive flips the is_active column and drops the cached copy.
func ToggleActive[T any](ctx context.Context, id int, isActive bool) (*T, error) {
	result, err := utils.FetchModel[T](ctx, id)
	if err != nil {
		return nil, err
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Model(result).UpdateColumn("is_active", isActive).Error; err != nil {
		return nil, err
	}
	if err := utils.RemoveRedisItem[T](id); err != nil {
		config.LogError(config.GetLogger(), "Models", "ToggleActive", "clear cache", id, err)
	}
	return utils.FetchModel[T](ctx, id)
}
