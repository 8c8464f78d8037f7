package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"flashsale/internal/pkg/clock"
	"flashsale/internal/pkg/mq"
	"flashsale/internal/service/sale/domain"
	"flashsale/internal/service/sale/domain/port"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	items  *fakeItems
	ledger *fakeLedger
	store  *fakeStore
	locker *fakeLocker
	queue  *fakeQueue
	svc    *AdmissionService
}

func newHarness(t *testing.T, items ...*domain.Item) *harness {
	t.Helper()
	fi := newFakeItems(items...)
	h := &harness{
		items:  fi,
		ledger: newFakeLedger(fi),
		store:  newFakeStore(),
		locker: newFakeLocker(),
		queue:  newFakeQueue(),
	}
	h.svc = NewAdmissionService(fi, h.ledger, h.store, h.locker, h.queue, clock.NewFixed(testNow), nil, AdmissionConfig{
		LockTTL:   time.Second,
		OpTimeout: time.Second,
		Retry:     mq.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	})
	t.Cleanup(h.svc.WaitForHandoffs)
	return h
}

func activeItem(id string, total int64) *domain.Item {
	return &domain.Item{
		ID:            id,
		Name:          "item " + id,
		Price:         decimal.NewFromInt(10),
		TotalQuantity: total,
		Status:        domain.SaleStatusActive,
		CreatedAt:     testNow,
	}
}

func completedOrder(id, itemID, userID string) *domain.Order {
	at := testNow
	return &domain.Order{
		ID: id, ItemID: itemID, UserID: userID, Quantity: 1,
		Price: decimal.NewFromInt(10), Status: domain.OrderStatusCompleted, CompletedAt: &at,
	}
}

func (h *harness) admit(itemID, userID string) (*AdmitResult, error) {
	return h.svc.Admit(context.Background(), AdmitRequest{ItemID: itemID, UserID: userID})
}

func (h *harness) assertCounter(t *testing.T, itemID string, want int64) {
	t.Helper()
	v, ok := h.store.counter(itemID)
	require.True(t, ok, "counter should exist")
	assert.Equal(t, want, v)
}

func TestAdmit_Success(t *testing.T) {
	h := newHarness(t, activeItem("i1", 5))

	res, err := h.svc.Admit(context.Background(), AdmitRequest{ItemID: "i1", UserID: "u1", Metadata: map[string]any{"channel": "app"}})
	require.NoError(t, err)
	assert.NotEmpty(t, res.OrderID)
	assert.Equal(t, domain.OrderStatusCompleted, res.Status)
	assert.Equal(t, 1, res.Quantity)
	assert.True(t, res.Total.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, testNow, res.CompletedAt)

	h.assertCounter(t, "i1", 4)
	marker, ok, _ := h.store.GetMarker(context.Background(), "i1", "u1")
	require.True(t, ok)
	assert.Equal(t, res.OrderID, marker)

	h.svc.WaitForHandoffs()
	tasks := h.queue.enqueued(port.TaskPersistOrder)
	require.Len(t, tasks, 1)
	assert.Equal(t, res.OrderID, tasks[0].Key)
	assert.Contains(t, string(tasks[0].Payload), `"channel":"app"`)
	assert.Zero(t, h.locker.heldCount())
}

func TestAdmit_SingleUnitTwoUsers(t *testing.T) {
	h := newHarness(t, activeItem("i1", 1))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.admit("i1", fmt.Sprintf("u%d", i))
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrOutOfStock)
	}
	assert.Equal(t, 1, successes)
	h.assertCounter(t, "i1", 0)
	h.svc.WaitForHandoffs()
	assert.Len(t, h.queue.enqueued(port.TaskPersistOrder), 1)
}

func TestAdmit_SameUserTwice(t *testing.T) {
	h := newHarness(t, activeItem("i1", 5))

	_, err := h.admit("i1", "u1")
	require.NoError(t, err)
	_, err = h.admit("i1", "u1")
	assert.ErrorIs(t, err, domain.ErrAlreadyPurchased)

	h.assertCounter(t, "i1", 4)
	assert.Zero(t, h.locker.heldCount())
}

func TestAdmit_SaleNotActive(t *testing.T) {
	item := activeItem("i1", 5)
	item.Status = domain.SaleStatusUpcoming
	h := newHarness(t, item)

	_, err := h.admit("i1", "u1")
	assert.ErrorIs(t, err, domain.ErrSaleNotActive)
	h.assertCounter(t, "i1", 5)
	assert.Zero(t, h.locker.heldCount())
}

func TestAdmit_OutOfStock(t *testing.T) {
	h := newHarness(t, activeItem("i1", 0))

	_, err := h.admit("i1", "u1")
	assert.ErrorIs(t, err, domain.ErrOutOfStock)
	h.assertCounter(t, "i1", 0)
	assert.Zero(t, h.locker.heldCount())
}

func TestAdmit_ItemNotFound(t *testing.T) {
	h := newHarness(t)

	_, err := h.admit("missing", "u1")
	assert.ErrorIs(t, err, domain.ErrItemNotFound)
	assert.Zero(t, h.locker.heldCount())
}

func TestAdmit_LedgerBlocksRepurchaseWithoutMarker(t *testing.T) {
	h := newHarness(t, activeItem("i1", 5))
	h.ledger.add(completedOrder("o-old", "i1", "u1"))

	_, err := h.admit("i1", "u1")
	assert.ErrorIs(t, err, domain.ErrAlreadyPurchased)
	// 懒加载以账本为准：5 - 1
	h.assertCounter(t, "i1", 4)
}

func TestAdmit_MarkerWriteFailureRestoresCounter(t *testing.T) {
	h := newHarness(t, activeItem("i1", 5))
	h.store.markerErr = errInjected

	_, err := h.admit("i1", "u1")
	require.Error(t, err)
	assert.ErrorIs(t, err, errInjected)
	_, isRejection := domain.AsRejection(err)
	assert.False(t, isRejection)

	h.assertCounter(t, "i1", 5)
	assert.Zero(t, h.locker.heldCount())
	h.svc.WaitForHandoffs()
	assert.Empty(t, h.queue.enqueued(port.TaskPersistOrder))
}

func TestAdmit_MarkerRaceRestoresCounter(t *testing.T) {
	h := newHarness(t, activeItem("i1", 5))
	h.store.beforeSetMarker = func() { h.store.putMarker("i1", "u1", "someone-else") }

	_, err := h.admit("i1", "u1")
	assert.ErrorIs(t, err, domain.ErrAlreadyPurchased)
	h.assertCounter(t, "i1", 5)
	h.svc.WaitForHandoffs()
	assert.Empty(t, h.queue.enqueued(port.TaskPersistOrder))
}

func TestAdmit_LockBusy(t *testing.T) {
	h := newHarness(t, activeItem("i1", 5))
	token, err := h.locker.Acquire(context.Background(), domain.LockKey("i1", "u1"), time.Second)
	require.NoError(t, err)

	_, err = h.admit("i1", "u1")
	assert.ErrorIs(t, err, domain.ErrLockUnavailable)
	_, seeded := h.store.counter("i1")
	assert.False(t, seeded, "nothing should be touched without the lock")

	// 其它用户不受影响
	_, err = h.admit("i1", "u2")
	assert.NoError(t, err)

	released, err := h.locker.Release(context.Background(), domain.LockKey("i1", "u1"), token)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestAdmit_LazySeedFromLedger(t *testing.T) {
	h := newHarness(t, activeItem("i1", 5))
	h.ledger.add(completedOrder("o1", "i1", "ua"))
	h.ledger.add(completedOrder("o2", "i1", "ub"))

	_, err := h.admit("i1", "u3")
	require.NoError(t, err)
	h.assertCounter(t, "i1", 2)
}

func TestAdmit_NoOversellUnderContention(t *testing.T) {
	const capacity, users = 10, 200
	h := newHarness(t, activeItem("i1", capacity))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		other     []error
	)
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.admit("i1", fmt.Sprintf("user-%d", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, domain.ErrOutOfStock):
			default:
				other = append(other, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Empty(t, other)
	assert.Equal(t, capacity, successes)
	h.assertCounter(t, "i1", 0)
	assert.Zero(t, h.locker.heldCount())
	h.svc.WaitForHandoffs()
	assert.Len(t, h.queue.enqueued(port.TaskPersistOrder), capacity)
}

func TestAdmit_HandOffRetriesEnqueue(t *testing.T) {
	h := newHarness(t, activeItem("i1", 5))
	h.queue.failures = 2

	res, err := h.admit("i1", "u1")
	require.NoError(t, err)

	h.svc.WaitForHandoffs()
	tasks := h.queue.enqueued(port.TaskPersistOrder)
	require.Len(t, tasks, 1)
	assert.Equal(t, res.OrderID, tasks[0].Key)
}

func TestAdmit_HandOffExhaustedStillAdmits(t *testing.T) {
	h := newHarness(t, activeItem("i1", 5))
	h.queue.failures = 100

	_, err := h.admit("i1", "u1")
	require.NoError(t, err, "admission outcome does not depend on persistence")
	h.svc.WaitForHandoffs()
	assert.Empty(t, h.queue.enqueued(port.TaskPersistOrder))
	h.assertCounter(t, "i1", 4)
}

func TestShutdown_InterruptsHandOffBackoff(t *testing.T) {
	h := newHarness(t, activeItem("i1", 5))
	h.svc = NewAdmissionService(h.items, h.ledger, h.store, h.locker, h.queue, clock.NewFixed(testNow), nil, AdmissionConfig{
		LockTTL:   time.Second,
		OpTimeout: time.Second,
		Retry:     mq.RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour},
	})
	h.queue.failures = 1

	res, err := h.admit("i1", "u1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, h.svc.Shutdown(ctx))
	assert.Less(t, time.Since(start), time.Second)

	// 退避被打断后立即做了最后一次尝试
	tasks := h.queue.enqueued(port.TaskPersistOrder)
	require.Len(t, tasks, 1)
	assert.Equal(t, res.OrderID, tasks[0].Key)
}

func TestShutdown_ReportsPendingHandOffs(t *testing.T) {
	h := newHarness(t, activeItem("i1", 5))
	block := make(chan struct{})
	h.svc = NewAdmissionService(h.items, h.ledger, h.store, h.locker, blockingQueue(block), clock.NewFixed(testNow), nil, AdmissionConfig{
		LockTTL:   time.Second,
		OpTimeout: time.Second,
	})
	defer close(block)

	_, err := h.admit("i1", "u1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.svc.Shutdown(ctx), context.DeadlineExceeded)
}

// blockingQueue 的 Enqueue 一直阻塞到 release 关闭
type blockingQueue chan struct{}

func (q blockingQueue) Enqueue(context.Context, string, any, string, mq.RetryPolicy) error {
	<-q
	return nil
}

func TestAdmit_CancelledRequestStillReleasesLock(t *testing.T) {
	h := newHarness(t, activeItem("i1", 5))
	h.store.markerErr = context.Canceled
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.svc.Admit(ctx, AdmitRequest{ItemID: "i1", UserID: "u1"})
	require.Error(t, err)
	h.assertCounter(t, "i1", 5)
	assert.Zero(t, h.locker.heldCount())
}

func TestStatus(t *testing.T) {
	h := newHarness(t, activeItem("i1", 5))

	st, err := h.svc.Status(context.Background(), "i1")
	require.NoError(t, err)
	assert.EqualValues(t, 5, st.AvailableQuantity)
	assert.Equal(t, domain.SaleStatusActive, st.Status)
	h.assertCounter(t, "i1", 5)

	h.store.counters["i1"] = -1
	st, err = h.svc.Status(context.Background(), "i1")
	require.NoError(t, err)
	assert.Zero(t, st.AvailableQuantity)

	_, err = h.svc.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrItemNotFound)
}

func TestLatest(t *testing.T) {
	older := activeItem("old", 5)
	newer := activeItem("new", 3)
	newer.CreatedAt = testNow.Add(time.Hour)
	h := newHarness(t, older, newer)

	st, err := h.svc.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new", st.Item.ID)
	assert.EqualValues(t, 3, st.AvailableQuantity)
}

func TestUserStatus(t *testing.T) {
	h := newHarness(t, activeItem("i1", 5))
	ctx := context.Background()

	st, err := h.svc.UserStatus(ctx, "i1", "u1")
	require.NoError(t, err)
	assert.False(t, st.HasPurchased)

	res, err := h.admit("i1", "u1")
	require.NoError(t, err)
	st, err = h.svc.UserStatus(ctx, "i1", "u1")
	require.NoError(t, err)
	assert.True(t, st.HasPurchased)
	assert.Nil(t, st.Order, "order is not in the ledger yet")

	h.ledger.add(completedOrder(res.OrderID, "i1", "u1"))
	st, err = h.svc.UserStatus(ctx, "i1", "u1")
	require.NoError(t, err)
	require.NotNil(t, st.Order)
	assert.Equal(t, res.OrderID, st.Order.ID)

	h.ledger.add(completedOrder("o-ledger", "i1", "u2"))
	st, err = h.svc.UserStatus(ctx, "i1", "u2")
	require.NoError(t, err)
	assert.True(t, st.HasPurchased)
	assert.Equal(t, "o-ledger", st.Order.ID)
}

func TestWarmUp(t *testing.T) {
	upcoming := activeItem("up", 7)
	upcoming.Status = domain.SaleStatusUpcoming
	ended := activeItem("done", 3)
	ended.Status = domain.SaleStatusEnded
	h := newHarness(t, activeItem("act", 5), upcoming, ended)
	h.store.counters["act"] = 2

	n, err := h.svc.WarmUp(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	h.assertCounter(t, "act", 2)
	h.assertCounter(t, "up", 7)
	_, ok := h.store.counter("done")
	assert.False(t, ok)
}
