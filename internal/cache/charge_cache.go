package cache

import (
	"context"
	"time"

	"github.com/dujiao-next/transaction/internal/models"
)

func chargeCacheKey(id string) string {
	return "charge:" + id
}

// GetCharge 读取收单查询缓存
func GetCharge(ctx context.Context, id string) (*models.Charge, bool, error) {
	var charge models.Charge
	hit, err := GetJSON(ctx, chargeCacheKey(id), &charge)
	if err != nil || !hit {
		return nil, false, err
	}
	return &charge, true, nil
}

// SetCharge 写入收单查询缓存
func SetCharge(ctx context.Context, charge *models.Charge, ttl time.Duration) error {
	if charge == nil || ttl <= 0 {
		return nil
	}
	return SetJSON(ctx, chargeCacheKey(charge.ID), charge, ttl)
}

// InvalidateCharge 删除收单查询缓存
func InvalidateCharge(ctx context.Context, id string) error {
	return Del(ctx, chargeCacheKey(id))
}
