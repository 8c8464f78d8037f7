package port

import "context"

// InventoryStore 是快路径库存存储的出站端口。
// Decrement / Increment 不做边界检查，边界由调用方的补偿逻辑保证。
type InventoryStore interface {
	// Initialize 仅在计数器不存在时写入，返回是否写入
	Initialize(ctx context.Context, itemID string, remaining int64) (bool, error)
	Decrement(ctx context.Context, itemID string, n int64) (int64, error)
	Increment(ctx context.Context, itemID string, n int64) (int64, error)
	// Read 计数器不存在时 ok 为 false
	Read(ctx context.Context, itemID string) (value int64, ok bool, err error)

	// SetMarkerIfAbsent 原子地写入幂等标记，已存在时返回 false
	SetMarkerIfAbsent(ctx context.Context, itemID, userID, token string) (bool, error)
	GetMarker(ctx context.Context, itemID, userID string) (token string, ok bool, err error)
}
