package adapter

import (
	"context"
	"fmt"
	"time"

	"flashsale/internal/pkg/redis"
	"flashsale/internal/service/sale/domain/port"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const releaseLockScriptName = "release_lock"

// LockRedisAdapter 是基于 SET NX PX 的非阻塞分布式锁
type LockRedisAdapter struct {
	redisClient *redis.Client
}

// NewLockRedisAdapter 创建锁适配器，并在创建时注册释放锁的 Lua 脚本
func NewLockRedisAdapter(redisClient *redis.Client) (*LockRedisAdapter, error) {
	if err := redisClient.LoadScriptFromContent(releaseLockScriptName, releaseLockScript); err != nil {
		return nil, fmt.Errorf("failed to load critical release-lock script: %w", err)
	}
	return &LockRedisAdapter{redisClient: redisClient}, nil
}

// Acquire 一次 SET key token NX PX ttl，忙时返回 port.ErrLockBusy
func (a *LockRedisAdapter) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := a.redisClient.GetClient().SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", errors.Wrapf(err, "acquire lock %s", key)
	}
	if !ok {
		return "", port.ErrLockBusy
	}
	return token, nil
}

// Release 比较并删除在脚本内原子完成，绝不会删掉别人的锁
func (a *LockRedisAdapter) Release(ctx context.Context, key, token string) (bool, error) {
	res, err := a.redisClient.RunScript(ctx, releaseLockScriptName, []string{key}, token)
	if err != nil {
		return false, err
	}
	n, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected result type from release script: %T", res)
	}
	return n == 1, nil
}

var releaseLockScript = `
-- KEYS[1]: 锁的 key, 例如 lock:<item_id>:<user_id>
-- ARGV[1]: 持有者 token

if redis.call('get', KEYS[1]) == ARGV[1] then
    return redis.call('del', KEYS[1])
end
return 0
`
