package domain

import "errors"

// RejectionCode 是面向请求层的稳定拒绝码
type RejectionCode string

const (
	CodeLockUnavailable  RejectionCode = "LOCK_UNAVAILABLE"
	CodeOutOfStock       RejectionCode = "OUT_OF_STOCK"
	CodeSaleNotActive    RejectionCode = "SALE_NOT_ACTIVE"
	CodeAlreadyPurchased RejectionCode = "ALREADY_PURCHASED"
	CodeItemNotFound     RejectionCode = "ITEM_NOT_FOUND"
)

// Rejection 是一次业务拒绝，不携带任何内部错误细节
type Rejection struct {
	Code      RejectionCode
	Message   string
	Retryable bool
}

func (r *Rejection) Error() string {
	return string(r.Code) + ": " + r.Message
}

// Is 按拒绝码比较，使包装过的副本也能匹配哨兵值
func (r *Rejection) Is(target error) bool {
	t, ok := target.(*Rejection)
	return ok && t.Code == r.Code
}

var (
	ErrLockUnavailable  = &Rejection{Code: CodeLockUnavailable, Message: "another request for this user is in progress, retry later", Retryable: true}
	ErrOutOfStock       = &Rejection{Code: CodeOutOfStock, Message: "product is out of stock"}
	ErrSaleNotActive    = &Rejection{Code: CodeSaleNotActive, Message: "sale is not active"}
	ErrAlreadyPurchased = &Rejection{Code: CodeAlreadyPurchased, Message: "you have already purchased this item"}
	ErrItemNotFound     = &Rejection{Code: CodeItemNotFound, Message: "product not found"}
)

// AsRejection 从错误链中取出业务拒绝
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

var (
	// ErrPersistenceTransient 账本写入暂时失败，由队列按退避策略重试
	ErrPersistenceTransient = errors.New("ledger write failed transiently")
	// ErrPersistenceExhausted 重试次数用尽，任务已进入死信通道
	ErrPersistenceExhausted = errors.New("persistence retries exhausted")
)
