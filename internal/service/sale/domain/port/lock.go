package port

import (
	"context"
	"errors"
	"time"
)

// ErrLockBusy 锁已被其他持有者占用
var ErrLockBusy = errors.New("lock is held by another owner")

// Locker 是非阻塞的分布式互斥锁。
type Locker interface {
	// Acquire 一次原子的 set-if-absent，忙时立即返回 ErrLockBusy
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	// Release 只有 token 匹配时才删除锁；不匹配时是空操作并返回 false
	Release(ctx context.Context, key, token string) (bool, error)
}
