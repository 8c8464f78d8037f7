package domain

// 快路径 key 布局
func InventoryKey(itemID string) string {
	return "inventory:" + itemID
}

func MarkerKey(itemID, userID string) string {
	return "purchase-marker:" + itemID + ":" + userID
}

func LockKey(itemID, userID string) string {
	return "lock:" + itemID + ":" + userID
}
