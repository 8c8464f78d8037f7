// internal/pkg/redis/client.go
package redis

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
)

// Client 封装了 go-redis 的 UniversalClient，并管理业务方注册的 Lua 脚本。
// 单个地址时使用单机客户端，多个地址时自动切换为集群客户端。
type Client struct {
	rdb goredis.UniversalClient

	mu      sync.RWMutex
	scripts map[string]*goredis.Script
}

// NewClient 根据 "host1:port1,host2:port2" 格式的地址创建客户端并检查连通性
func NewClient(addrs string) (*Client, error) {
	var list []string
	for _, a := range strings.Split(addrs, ",") {
		if a = strings.TrimSpace(a); a != "" {
			list = append(list, a)
		}
	}
	if len(list) == 0 {
		return nil, errors.New("redis: empty address list")
	}

	rdb := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:    list,
		Password: os.Getenv("REDIS_PASSWORD"),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "failed to ping redis at %s", addrs)
	}
	return NewClientFrom(rdb), nil
}

// NewClientFrom 包装一个已经创建好的 go-redis 客户端（测试中配合 miniredis 使用）
func NewClientFrom(rdb goredis.UniversalClient) *Client {
	return &Client{
		rdb:     rdb,
		scripts: make(map[string]*goredis.Script),
	}
}

// GetClient 返回底层的 go-redis 客户端
func (c *Client) GetClient() goredis.UniversalClient {
	return c.rdb
}

// LoadScriptFromContent 以 name 注册一段 Lua 脚本。重复注册同名脚本会覆盖旧的。
func (c *Client) LoadScriptFromContent(name, src string) error {
	if strings.TrimSpace(src) == "" {
		return fmt.Errorf("script %q is empty", name)
	}
	c.mu.Lock()
	c.scripts[name] = goredis.NewScript(src)
	c.mu.Unlock()
	return nil
}

// RunScript 执行已注册的脚本。内部使用 EVALSHA，脚本缓存丢失时回退到 EVAL。
func (c *Client) RunScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	c.mu.RLock()
	script, ok := c.scripts[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("script %q is not loaded", name)
	}

	res, err := script.Run(ctx, c.rdb, keys, args...).Result()
	if err != nil && err != goredis.Nil {
		return nil, errors.Wrapf(err, "run script %s", name)
	}
	return res, nil
}

// Close 关闭连接池
func (c *Client) Close() error {
	return c.rdb.Close()
}

// IsNil 判断错误是否为 key 不存在
func IsNil(err error) bool {
	return errors.Is(err, goredis.Nil)
}
