package application

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"flashsale/internal/pkg/mq"
	"flashsale/internal/service/sale/domain"
	"flashsale/internal/service/sale/domain/port"
)

var errInjected = errors.New("injected failure")

type fakeItems struct {
	mu        sync.Mutex
	items     map[string]*domain.Item
	updateErr error
}

func newFakeItems(items ...*domain.Item) *fakeItems {
	f := &fakeItems{items: map[string]*domain.Item{}}
	for _, it := range items {
		f.items[it.ID] = it
	}
	return f
}

func (f *fakeItems) get(id string) domain.Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.items[id]
}

func (f *fakeItems) FindByID(_ context.Context, id string) (*domain.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[id]
	if !ok {
		return nil, domain.ErrItemNotFound
	}
	cp := *it
	return &cp, nil
}

func (f *fakeItems) FindLatest(_ context.Context) (*domain.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *domain.Item
	for _, it := range f.items {
		if latest == nil || it.CreatedAt.After(latest.CreatedAt) {
			latest = it
		}
	}
	if latest == nil {
		return nil, domain.ErrItemNotFound
	}
	cp := *latest
	return &cp, nil
}

func (f *fakeItems) ListByStatus(_ context.Context, statuses ...domain.SaleStatus) ([]*domain.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Item
	for _, it := range f.items {
		for _, s := range statuses {
			if it.Status == s {
				cp := *it
				out = append(out, &cp)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeItems) UpdateStatus(_ context.Context, id string, from, to domain.SaleStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return false, f.updateErr
	}
	it, ok := f.items[id]
	if !ok || it.Status != from {
		return false, nil
	}
	it.Status = to
	return true, nil
}

func (f *fakeItems) Create(_ context.Context, item *domain.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *item
	f.items[item.ID] = &cp
	return nil
}

func (f *fakeItems) setSold(id string, fn func(int64) int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[id]
	if !ok {
		return domain.ErrItemNotFound
	}
	it.SoldQuantity = fn(it.SoldQuantity)
	return nil
}

// fakeLedger 用一把事务锁串行化所有事务，近似可串行化隔离
type fakeLedger struct {
	txMu sync.Mutex
	mu   sync.Mutex

	items      *fakeItems
	orders     map[string]*domain.Order
	insertErrs int // 前 N 次 InsertOrder 返回错误
	inserts    int
	// hideCompleted 让 FindCompletedOrder 看不到已提交的订单，模拟并发事务的可见性窗口
	hideCompleted bool
}

func newFakeLedger(items *fakeItems) *fakeLedger {
	return &fakeLedger{items: items, orders: map[string]*domain.Order{}}
}

func (l *fakeLedger) add(o *domain.Order) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orders[o.ID] = o
}

func (l *fakeLedger) all() []*domain.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*domain.Order, 0, len(l.orders))
	for _, o := range l.orders {
		out = append(out, o)
	}
	return out
}

func (l *fakeLedger) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	l.txMu.Lock()
	defer l.txMu.Unlock()
	return fn(ctx)
}

func (l *fakeLedger) FindOrderByID(_ context.Context, id string) (*domain.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if o, ok := l.orders[id]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, nil
}

func (l *fakeLedger) FindCompletedOrder(_ context.Context, itemID, userID string) (*domain.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hideCompleted {
		return nil, nil
	}
	for _, o := range l.orders {
		if o.ItemID == itemID && o.UserID == userID && o.Status == domain.OrderStatusCompleted {
			cp := *o
			return &cp, nil
		}
	}
	return nil, nil
}

func (l *fakeLedger) CountCompleted(_ context.Context, itemID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for _, o := range l.orders {
		if o.ItemID == itemID && o.Status == domain.OrderStatusCompleted {
			n++
		}
	}
	return n, nil
}

func (l *fakeLedger) InsertOrder(_ context.Context, order *domain.Order) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inserts++
	if l.inserts <= l.insertErrs {
		return false, errInjected
	}
	if _, ok := l.orders[order.ID]; ok {
		return false, nil
	}
	if order.Status == domain.OrderStatusCompleted {
		for _, o := range l.orders {
			if o.ItemID == order.ItemID && o.UserID == order.UserID && o.Status == domain.OrderStatusCompleted {
				return false, nil
			}
		}
	}
	cp := *order
	l.orders[order.ID] = &cp
	return true, nil
}

func (l *fakeLedger) IncrementSold(_ context.Context, itemID string, n int64) error {
	return l.items.setSold(itemID, func(v int64) int64 { return v + n })
}

func (l *fakeLedger) SetSold(_ context.Context, itemID string, sold int64) error {
	return l.items.setSold(itemID, func(int64) int64 { return sold })
}

type fakeStore struct {
	mu        sync.Mutex
	counters  map[string]int64
	markers   map[string]string
	markerErr error
	// beforeSetMarker 在 SetMarkerIfAbsent 写入前调用，用于模拟并发写入
	beforeSetMarker func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{counters: map[string]int64{}, markers: map[string]string{}}
}

func (s *fakeStore) counter(itemID string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.counters[itemID]
	return v, ok
}

func (s *fakeStore) Initialize(_ context.Context, itemID string, remaining int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.counters[itemID]; ok {
		return false, nil
	}
	s.counters[itemID] = remaining
	return true, nil
}

func (s *fakeStore) Decrement(_ context.Context, itemID string, n int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[itemID] -= n
	return s.counters[itemID], nil
}

func (s *fakeStore) Increment(_ context.Context, itemID string, n int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[itemID] += n
	return s.counters[itemID], nil
}

func (s *fakeStore) Read(_ context.Context, itemID string) (int64, bool, error) {
	v, ok := s.counter(itemID)
	return v, ok, nil
}

func (s *fakeStore) SetMarkerIfAbsent(_ context.Context, itemID, userID, token string) (bool, error) {
	if s.beforeSetMarker != nil {
		s.beforeSetMarker()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markerErr != nil {
		return false, s.markerErr
	}
	key := domain.MarkerKey(itemID, userID)
	if _, ok := s.markers[key]; ok {
		return false, nil
	}
	s.markers[key] = token
	return true, nil
}

func (s *fakeStore) GetMarker(_ context.Context, itemID, userID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.markers[domain.MarkerKey(itemID, userID)]
	return v, ok, nil
}

func (s *fakeStore) putMarker(itemID, userID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[domain.MarkerKey(itemID, userID)] = token
}

type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]string
	acquired int
	released int
	seq      int
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: map[string]string{}}
}

func (l *fakeLocker) Acquire(_ context.Context, key string, _ time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return "", port.ErrLockBusy
	}
	l.seq++
	token := key + "#" + strconv.Itoa(l.seq)
	l.held[key] = token
	l.acquired++
	return token, nil
}

func (l *fakeLocker) Release(_ context.Context, key, token string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] != token {
		return false, nil
	}
	delete(l.held, key)
	l.released++
	return true, nil
}

func (l *fakeLocker) heldCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

type enqueuedTask struct {
	Type    string
	Key     string
	Payload []byte
}

type fakeQueue struct {
	mu       sync.Mutex
	seen     map[string]bool
	tasks    []enqueuedTask
	failures int // 前 N 次 Enqueue 返回错误
	calls    int
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{seen: map[string]bool{}}
}

func (q *fakeQueue) Enqueue(_ context.Context, taskType string, payload any, dedupKey string, _ mq.RetryPolicy) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if q.calls <= q.failures {
		return errInjected
	}
	if q.seen[taskType+":"+dedupKey] {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	q.seen[taskType+":"+dedupKey] = true
	q.tasks = append(q.tasks, enqueuedTask{Type: taskType, Key: dedupKey, Payload: body})
	return nil
}

func (q *fakeQueue) enqueued(taskType string) []enqueuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []enqueuedTask
	for _, t := range q.tasks {
		if t.Type == taskType {
			out = append(out, t)
		}
	}
	return out
}
