package adapter

import (
	"context"

	"flashsale/internal/pkg/redis"
	"flashsale/internal/service/sale/domain"

	"github.com/pkg/errors"
)

// InventoryRedisAdapter 是 port.InventoryStore 的 Redis 实现。
// 每个操作都是单条原子命令，不做边界检查。
type InventoryRedisAdapter struct {
	redisClient *redis.Client
}

func NewInventoryRedisAdapter(redisClient *redis.Client) *InventoryRedisAdapter {
	return &InventoryRedisAdapter{redisClient: redisClient}
}

// Initialize 使用 SETNX，进程重启后重复初始化不会覆盖已有计数
func (a *InventoryRedisAdapter) Initialize(ctx context.Context, itemID string, remaining int64) (bool, error) {
	ok, err := a.redisClient.GetClient().SetNX(ctx, domain.InventoryKey(itemID), remaining, 0).Result()
	if err != nil {
		return false, errors.Wrapf(err, "initialize inventory of item %s", itemID)
	}
	return ok, nil
}

func (a *InventoryRedisAdapter) Decrement(ctx context.Context, itemID string, n int64) (int64, error) {
	v, err := a.redisClient.GetClient().DecrBy(ctx, domain.InventoryKey(itemID), n).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "decrement inventory of item %s", itemID)
	}
	return v, nil
}

func (a *InventoryRedisAdapter) Increment(ctx context.Context, itemID string, n int64) (int64, error) {
	v, err := a.redisClient.GetClient().IncrBy(ctx, domain.InventoryKey(itemID), n).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "increment inventory of item %s", itemID)
	}
	return v, nil
}

func (a *InventoryRedisAdapter) Read(ctx context.Context, itemID string) (int64, bool, error) {
	v, err := a.redisClient.GetClient().Get(ctx, domain.InventoryKey(itemID)).Int64()
	if err != nil {
		if redis.IsNil(err) {
			return 0, false, nil
		}
		return 0, false, errors.Wrapf(err, "read inventory of item %s", itemID)
	}
	return v, true, nil
}

// SetMarkerIfAbsent 写入幂等标记，值为订单号，永不过期
func (a *InventoryRedisAdapter) SetMarkerIfAbsent(ctx context.Context, itemID, userID, token string) (bool, error) {
	ok, err := a.redisClient.GetClient().SetNX(ctx, domain.MarkerKey(itemID, userID), token, 0).Result()
	if err != nil {
		return false, errors.Wrapf(err, "set purchase marker for %s/%s", itemID, userID)
	}
	return ok, nil
}

func (a *InventoryRedisAdapter) GetMarker(ctx context.Context, itemID, userID string) (string, bool, error) {
	v, err := a.redisClient.GetClient().Get(ctx, domain.MarkerKey(itemID, userID)).Result()
	if err != nil {
		if redis.IsNil(err) {
			return "", false, nil
		}
		return "", false, errors.Wrapf(err, "get purchase marker for %s/%s", itemID, userID)
	}
	return v, true, nil
}
