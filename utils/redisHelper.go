package utils

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mmdatafocus/freshledger/config"
)

func GetCacheLifespan() time.Duration {
	lifespan, err := strconv.Atoi(os.Getenv("CACHE_LIFESPAN"))
	if err != nil || lifespan <= 0 {
		lifespan = 1
	}
	return time.Duration(lifespan) * time.Hour
}

/* Redis */

// check if model has expiration date
func typeHasExpiration(typeName string) bool {
	expirableTypes := map[string]bool{
		"Product":   true,
		"Warehouse": true,
	}
	return expirableTypes[typeName]
}

func redisItemKey[T any](id int) string {
	return GetTypeName[T]() + ":" + fmt.Sprint(id)
}

// store instance, obj should be a pointer
func StoreRedis[T any](obj *T, id int) error {
	var duration time.Duration
	if typeHasExpiration(GetTypeName[T]()) {
		duration = GetCacheLifespan()
	}
	return config.SetRedisObject(redisItemKey[T](id), obj, duration)
}

// get from redis
// returns nil if does not exist
func RetrieveRedis[T any](id int) (*T, error) {
	var result *T
	exists, err := config.GetRedisObject(redisItemKey[T](id), &result)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	return result, nil
}

// remove an instance, Type:$id
func RemoveRedisItem[T any](id int) error {
	return config.RemoveRedisKey(redisItemKey[T](id))
}
