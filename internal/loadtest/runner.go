package loadtest

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"slices"
	"sync"
	"time"

	"flashsale/internal/pkg/httpclient"
	"flashsale/internal/pkg/logger"

	"golang.org/x/sync/errgroup"
)

const (
	ScenarioStatus     = "check_status"
	ScenarioPurchase   = "attempt_purchase"
	ScenarioUserStatus = "user_status"
)

// Options 控制一次压测
type Options struct {
	Users             []string
	Duration          time.Duration
	PurchaseWorkers   int
	StatusWorkers     int
	UserStatusWorkers int
	Pause             time.Duration // 每个 worker 两次请求之间的间隔
}

// GenerateUsers 生成 user-1 ... user-n
func GenerateUsers(n int) []string {
	users := make([]string, n)
	for i := range users {
		users[i] = fmt.Sprintf("user-%d", i+1)
	}
	return users
}

// ScenarioStats 是单个场景的统计
type ScenarioStats struct {
	Requests  int
	Errors    int // 网络错误或 5xx
	ByStatus  map[int]int
	latencies []time.Duration
}

// P95 返回 95 分位延迟
func (s *ScenarioStats) P95() time.Duration {
	if len(s.latencies) == 0 {
		return 0
	}
	sorted := slices.Clone(s.latencies)
	slices.Sort(sorted)
	return sorted[(len(sorted)*95-1)/100]
}

// ErrorRate 返回失败请求占比
func (s *ScenarioStats) ErrorRate() float64 {
	if s.Requests == 0 {
		return 0
	}
	return float64(s.Errors) / float64(s.Requests)
}

// Report 汇总压测结果和售卖结束后的一致性检查
type Report struct {
	ProductID     string
	Scenarios     map[string]*ScenarioStats
	Purchased     map[string]string // user -> order id
	DoubleOrders  []string          // 同一用户拿到了两个不同订单号
	TotalQuantity int64
	Available     int64
}

// Oversold 成功下单数超过库存
func (r *Report) Oversold() bool {
	return int64(len(r.Purchased)) > r.TotalQuantity
}

type statusBody struct {
	Product struct {
		ID            string `json:"id"`
		TotalQuantity int64  `json:"total_quantity"`
	} `json:"product"`
	AvailableQuantity int64 `json:"available_quantity"`
	Status            string `json:"status"`
}

type purchaseBody struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// Runner 对秒杀服务发起并发请求
type Runner struct {
	client *httpclient.Client
	opts   Options

	mu     sync.Mutex
	report *Report
}

func NewRunner(client *httpclient.Client, opts Options) *Runner {
	if opts.Duration <= 0 {
		opts.Duration = 30 * time.Second
	}
	if len(opts.Users) == 0 {
		opts.Users = GenerateUsers(1000)
	}
	return &Runner{client: client, opts: opts}
}

// Run 先通过 /api/sale/first 找到商品，然后并发执行三个场景直到 Duration 结束
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	var first statusBody
	if _, err := r.client.DoJSON(ctx, http.MethodGet, "/api/sale/first", nil, nil, &first); err != nil {
		return nil, fmt.Errorf("fetch first product: %w", err)
	}
	if first.Product.ID == "" {
		return nil, errors.New("no product returned from /api/sale/first")
	}

	r.report = &Report{
		ProductID: first.Product.ID,
		Scenarios: map[string]*ScenarioStats{
			ScenarioStatus:     {ByStatus: map[int]int{}},
			ScenarioPurchase:   {ByStatus: map[int]int{}},
			ScenarioUserStatus: {ByStatus: map[int]int{}},
		},
		Purchased: map[string]string{},
	}
	logger.Ctx(ctx).Info().Str("product_id", first.Product.ID).Int("users", len(r.opts.Users)).
		Dur("duration", r.opts.Duration).Msg("load test started")

	runCtx, cancel := context.WithTimeout(ctx, r.opts.Duration)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	spawn := func(n int, fn func(context.Context)) {
		for range n {
			g.Go(func() error {
				r.loop(gctx, fn)
				return nil
			})
		}
	}
	spawn(r.opts.StatusWorkers, r.checkStatus)
	spawn(r.opts.PurchaseWorkers, r.attemptPurchase)
	spawn(r.opts.UserStatusWorkers, r.checkUserStatus)
	_ = g.Wait()

	// 最终状态用外层 ctx 查询，压测窗口已经结束
	var final statusBody
	if _, err := r.client.DoJSON(ctx, http.MethodGet, "/api/sale/status/"+r.report.ProductID, nil, nil, &final); err != nil {
		return r.report, fmt.Errorf("fetch final status: %w", err)
	}
	r.report.TotalQuantity = final.Product.TotalQuantity
	r.report.Available = final.AvailableQuantity
	return r.report, nil
}

func (r *Runner) loop(ctx context.Context, fn func(context.Context)) {
	for ctx.Err() == nil {
		fn(ctx)
		if r.opts.Pause > 0 {
			select {
			case <-time.After(r.opts.Pause):
			case <-ctx.Done():
			}
		}
	}
}

func (r *Runner) pickUser() string {
	return r.opts.Users[rand.IntN(len(r.opts.Users))]
}

func (r *Runner) checkStatus(ctx context.Context) {
	start := time.Now()
	code, err := r.client.DoJSON(ctx, http.MethodGet, "/api/sale/status/"+r.report.ProductID, nil, nil, nil)
	r.record(ctx, ScenarioStatus, code, err, time.Since(start))
}

func (r *Runner) attemptPurchase(ctx context.Context) {
	user := r.pickUser()
	header := http.Header{"X-User-ID": []string{user}}
	var out purchaseBody

	start := time.Now()
	code, err := r.client.DoJSON(ctx, http.MethodPost, "/api/sale/purchase", header,
		map[string]string{"product_id": r.report.ProductID}, &out)
	if r.record(ctx, ScenarioPurchase, code, err, time.Since(start)) && err == nil {
		r.mu.Lock()
		if prev, ok := r.report.Purchased[user]; ok && prev != out.OrderID {
			r.report.DoubleOrders = append(r.report.DoubleOrders, user)
		} else {
			r.report.Purchased[user] = out.OrderID
		}
		r.mu.Unlock()
	}
}

func (r *Runner) checkUserStatus(ctx context.Context) {
	header := http.Header{"X-User-ID": []string{r.pickUser()}}
	start := time.Now()
	code, err := r.client.DoJSON(ctx, http.MethodGet, "/api/sale/user-status/"+r.report.ProductID, header, nil, nil)
	r.record(ctx, ScenarioUserStatus, code, err, time.Since(start))
}

// record 记录一次请求，返回它是否应计入统计。窗口结束被取消的请求不计入
func (r *Runner) record(ctx context.Context, scenario string, code int, err error, latency time.Duration) bool {
	if code == 0 && ctx.Err() != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.report.Scenarios[scenario]
	s.Requests++
	s.latencies = append(s.latencies, latency)
	if code != 0 {
		s.ByStatus[code]++
	}
	var se *httpclient.StatusError
	if code == 0 || (errors.As(err, &se) && se.StatusCode >= 500) {
		s.Errors++
	}
	return true
}
