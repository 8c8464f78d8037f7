// internal/zookeeper/lock.go
package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"flashsale/internal/pkg/logger"
	"flashsale/internal/service/sale/domain/port"

	"github.com/go-zookeeper/zk"
	"github.com/google/uuid"
)

const (
	defaultLockRoot = "/flashsale_locks" // 所有分布式锁的根节点
)

// conn 是 *zk.Conn 中锁用到的部分
type conn interface {
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Get(path string) ([]byte, *zk.Stat, error)
	Delete(path string, version int32) error
	Exists(path string) (bool, *zk.Stat, error)
}

// Dial 连接 ZooKeeper 集群，servers 形如 "zk1:2181,zk2:2181"
func Dial(servers string, sessionTimeout time.Duration) (*zk.Conn, error) {
	var list []string
	for _, s := range strings.Split(servers, ",") {
		if s = strings.TrimSpace(s); s != "" {
			list = append(list, s)
		}
	}
	if len(list) == 0 {
		return nil, errors.New("zookeeper: empty server list")
	}
	c, _, err := zk.Connect(list, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect zookeeper %s: %w", servers, err)
	}
	logger.L().Info().Str("servers", servers).Msg("✅ Successfully connected to ZooKeeper.")
	return c, nil
}

// TTLLock 是基于临时节点的非阻塞锁，实现 port.Locker。
// 节点数据保存持有者 token 和过期时间；会话断开时临时节点自动消失，
// 会话存活但持有者卡死时，过期的节点可以被下一个竞争者删除。
type TTLLock struct {
	conn conn
	root string
	now  func() time.Time
}

// NewTTLLock 创建锁并确保根节点存在
func NewTTLLock(c conn, root string) (*TTLLock, error) {
	if root == "" {
		root = defaultLockRoot
	}
	exists, _, err := c.Exists(root)
	if err != nil {
		return nil, fmt.Errorf("failed to check lock root node: %w", err)
	}
	if !exists {
		if _, err := c.Create(root, []byte(""), 0, zk.WorldACL(zk.PermAll)); err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return nil, fmt.Errorf("failed to create lock root node: %w", err)
		}
	}
	return &TTLLock{conn: c, root: root, now: time.Now}, nil
}

func (l *TTLLock) path(key string) string {
	return l.root + "/" + strings.ReplaceAll(key, "/", "_")
}

// Acquire 只尝试一次。已被占用且未过期时返回 port.ErrLockBusy。
func (l *TTLLock) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	token := uuid.NewString()
	data := encodeLockData(token, l.now().Add(ttl))
	path := l.path(key)

	// 最多两轮：第二轮只在清理掉过期节点后发生
	for round := 0; round < 2; round++ {
		_, err := l.conn.Create(path, data, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, zk.ErrNodeExists) {
			return "", fmt.Errorf("failed to create lock node %s: %w", path, err)
		}

		raw, stat, err := l.conn.Get(path)
		if errors.Is(err, zk.ErrNoNode) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to read lock node %s: %w", path, err)
		}
		_, deadline, ok := decodeLockData(raw)
		if ok && l.now().Before(deadline) {
			return "", port.ErrLockBusy
		}

		// 持有者已过期，按版本号删除，避免删掉刚被别人重新创建的节点
		if err := l.conn.Delete(path, stat.Version); err != nil &&
			!errors.Is(err, zk.ErrNoNode) && !errors.Is(err, zk.ErrBadVersion) {
			return "", fmt.Errorf("failed to expire lock node %s: %w", path, err)
		}
		logger.Ctx(ctx).Warn().Str("lock", key).Msg("expired lock node removed")
	}
	return "", port.ErrLockBusy
}

// Release 只删除 token 匹配的节点
func (l *TTLLock) Release(ctx context.Context, key, token string) (bool, error) {
	path := l.path(key)
	raw, stat, err := l.conn.Get(path)
	if errors.Is(err, zk.ErrNoNode) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read lock node %s: %w", path, err)
	}
	holder, _, _ := decodeLockData(raw)
	if holder != token {
		return false, nil
	}
	if err := l.conn.Delete(path, stat.Version); err != nil {
		if errors.Is(err, zk.ErrNoNode) || errors.Is(err, zk.ErrBadVersion) {
			return false, nil
		}
		return false, fmt.Errorf("failed to delete lock node %s: %w", path, err)
	}
	return true, nil
}

func encodeLockData(token string, deadline time.Time) []byte {
	return []byte(token + "|" + strconv.FormatInt(deadline.UnixMilli(), 10))
}

func decodeLockData(raw []byte) (token string, deadline time.Time, ok bool) {
	tok, ms, found := strings.Cut(string(raw), "|")
	if !found {
		return string(raw), time.Time{}, false
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return tok, time.Time{}, false
	}
	return tok, time.UnixMilli(n), true
}
