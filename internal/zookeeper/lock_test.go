package zookeeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"flashsale/internal/service/sale/domain/port"

	"github.com/go-zookeeper/zk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memNode struct {
	data    []byte
	version int32
	flags   int32
}

// memConn 是内存版的 ZooKeeper，只实现锁用到的语义
type memConn struct {
	mu    sync.Mutex
	nodes map[string]*memNode
}

func newMemConn() *memConn {
	return &memConn{nodes: map[string]*memNode{}}
}

func (c *memConn) Create(path string, data []byte, flags int32, _ []zk.ACL) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nodes[path]; ok {
		return "", zk.ErrNodeExists
	}
	c.nodes[path] = &memNode{data: append([]byte(nil), data...), flags: flags}
	return path, nil
}

func (c *memConn) Get(path string) ([]byte, *zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[path]
	if !ok {
		return nil, nil, zk.ErrNoNode
	}
	return n.data, &zk.Stat{Version: n.version}, nil
}

func (c *memConn) Delete(path string, version int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[path]
	if !ok {
		return zk.ErrNoNode
	}
	if version != -1 && version != n.version {
		return zk.ErrBadVersion
	}
	delete(c.nodes, path)
	return nil
}

func (c *memConn) Exists(path string) (bool, *zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[path]
	if !ok {
		return false, nil, nil
	}
	return true, &zk.Stat{Version: n.version}, nil
}

func (c *memConn) node(path string) (*memNode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[path]
	return n, ok
}

func newTestLock(t *testing.T, now *time.Time) (*TTLLock, *memConn) {
	t.Helper()
	c := newMemConn()
	l, err := NewTTLLock(c, "")
	require.NoError(t, err)
	l.now = func() time.Time { return *now }
	return l, c
}

func TestNewTTLLock_CreatesRoot(t *testing.T) {
	now := time.Now()
	_, c := newTestLock(t, &now)
	n, ok := c.node(defaultLockRoot)
	require.True(t, ok)
	assert.Zero(t, n.flags, "root is persistent")

	// 根节点已存在时不报错
	_, err := NewTTLLock(c, defaultLockRoot)
	assert.NoError(t, err)
}

func TestTTLLock_AcquireAndRelease(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l, c := newTestLock(t, &now)
	ctx := context.Background()

	token, err := l.Acquire(ctx, "lock:i1:u1", 10*time.Second)
	require.NoError(t, err)
	n, ok := c.node(defaultLockRoot + "/lock:i1:u1")
	require.True(t, ok)
	assert.Equal(t, int32(zk.FlagEphemeral), n.flags)

	_, err = l.Acquire(ctx, "lock:i1:u1", 10*time.Second)
	assert.ErrorIs(t, err, port.ErrLockBusy)

	// 其它 key 互不影响
	_, err = l.Acquire(ctx, "lock:i1:u2", 10*time.Second)
	assert.NoError(t, err)

	released, err := l.Release(ctx, "lock:i1:u1", "wrong")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = l.Release(ctx, "lock:i1:u1", token)
	require.NoError(t, err)
	assert.True(t, released)

	released, err = l.Release(ctx, "lock:i1:u1", token)
	require.NoError(t, err)
	assert.False(t, released, "second release is a no-op")
}

func TestTTLLock_ExpiredHolderIsReplaced(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l, _ := newTestLock(t, &now)
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	fresh, err := l.Acquire(ctx, "k", 10*time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, stale, fresh)

	// 过期的持有者不能删掉新锁
	released, err := l.Release(ctx, "k", stale)
	require.NoError(t, err)
	assert.False(t, released)

	released, err = l.Release(ctx, "k", fresh)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestTTLLock_MutualExclusion(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l, _ := newTestLock(t, &now)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Acquire(context.Background(), "k", time.Minute); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestTTLLock_CancelledContext(t *testing.T) {
	now := time.Now()
	l, _ := newTestLock(t, &now)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Acquire(ctx, "k", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLockData(t *testing.T) {
	deadline := time.UnixMilli(1_750_000_000_000)
	tok, got, ok := decodeLockData(encodeLockData("abc", deadline))
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)
	assert.True(t, deadline.Equal(got))

	_, _, ok = decodeLockData([]byte("garbage"))
	assert.False(t, ok)
}

func TestDial_EmptyServers(t *testing.T) {
	_, err := Dial(" , ", time.Second)
	assert.Error(t, err)
}
