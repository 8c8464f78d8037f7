package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"flashsale/internal/pkg/logger"
	"flashsale/internal/service/sale/application"
	"flashsale/internal/service/sale/domain"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const userIDHeader = "X-User-ID"

// SaleService 是 HTTP 层依赖的应用服务能力
type SaleService interface {
	Admit(ctx context.Context, req application.AdmitRequest) (*application.AdmitResult, error)
	Status(ctx context.Context, itemID string) (*application.ItemStatus, error)
	Latest(ctx context.Context) (*application.ItemStatus, error)
	UserStatus(ctx context.Context, itemID, userID string) (*application.UserPurchaseStatus, error)
}

// SaleHandler 封装了秒杀服务的 HTTP 处理器
type SaleHandler struct {
	service SaleService
}

// NewSaleHandler 创建一个新的 HTTP 处理器实例
func NewSaleHandler(service SaleService) *SaleHandler {
	return &SaleHandler{service: service}
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *SaleHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("POST /api/sale/purchase", h.purchase)
	mux.HandleFunc("GET /api/sale/status/{id}", h.status)
	mux.HandleFunc("GET /api/sale/first", h.latest)
	mux.HandleFunc("GET /api/sale/user-status/{id}", h.userStatus)
}

type purchaseRequest struct {
	ProductID string         `json:"product_id"`
	Metadata  map[string]any `json:"metadata"`
}

type itemResponse struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	Price         decimal.Decimal `json:"price"`
	TotalQuantity int64           `json:"total_quantity"`
	SoldQuantity  int64           `json:"sold_quantity"`
	SaleStartAt   *time.Time      `json:"sale_start_at,omitempty"`
	SaleEndAt     *time.Time      `json:"sale_end_at,omitempty"`
}

type statusResponse struct {
	Product           itemResponse      `json:"product"`
	AvailableQuantity int64             `json:"available_quantity"`
	Status            domain.SaleStatus `json:"status"`
}

type orderResponse struct {
	ID          string             `json:"id"`
	ProductID   string             `json:"product_id"`
	Quantity    int                `json:"quantity"`
	Price       decimal.Decimal    `json:"price"`
	Total       decimal.Decimal    `json:"total"`
	Status      domain.OrderStatus `json:"status"`
	PurchasedAt *time.Time         `json:"purchased_at,omitempty"`
}

type userStatusResponse struct {
	HasPurchased bool           `json:"has_purchased"`
	Order        *orderResponse `json:"order"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *SaleHandler) purchase(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	userID := strings.TrimSpace(r.Header.Get(userIDHeader))
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Code: "UNAUTHENTICATED", Message: "missing " + userIDHeader + " header"})
		return
	}
	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProductID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "product_id is required"})
		return
	}

	res, err := h.service.Admit(ctx, application.AdmitRequest{
		ItemID:   req.ProductID,
		UserID:   userID,
		Metadata: req.Metadata,
	})
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *SaleHandler) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatusResponse(st))
}

func (h *SaleHandler) latest(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.Latest(r.Context())
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatusResponse(st))
}

func (h *SaleHandler) userStatus(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.Header.Get(userIDHeader))
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Code: "UNAUTHENTICATED", Message: "missing " + userIDHeader + " header"})
		return
	}
	st, err := h.service.UserStatus(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	resp := userStatusResponse{HasPurchased: st.HasPurchased}
	if o := st.Order; o != nil {
		resp.Order = &orderResponse{
			ID:          o.ID,
			ProductID:   o.ItemID,
			Quantity:    o.Quantity,
			Price:       o.Price,
			Total:       o.Total(),
			Status:      o.Status,
			PurchasedAt: o.CompletedAt,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeError 把业务拒绝映射为稳定的状态码，其它错误一律 500 且不暴露细节
func (h *SaleHandler) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	rej, ok := domain.AsRejection(err)
	if !ok {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Code: "UNAVAILABLE", Message: "request timed out"})
			return
		}
		logger.Ctx(ctx).Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Code: "INTERNAL", Message: "internal error"})
		return
	}

	status := http.StatusConflict
	switch rej.Code {
	case domain.CodeLockUnavailable:
		status = http.StatusTooManyRequests
		w.Header().Set("Retry-After", "1")
	case domain.CodeItemNotFound:
		status = http.StatusNotFound
	}
	writeJSON(w, status, errorResponse{Code: string(rej.Code), Message: rej.Message})
}

func newStatusResponse(st *application.ItemStatus) statusResponse {
	it := st.Item
	return statusResponse{
		Product: itemResponse{
			ID:            it.ID,
			Name:          it.Name,
			Description:   it.Description,
			Price:         it.Price,
			TotalQuantity: it.TotalQuantity,
			SoldQuantity:  it.SoldQuantity,
			SaleStartAt:   it.SaleStartAt,
			SaleEndAt:     it.SaleEndAt,
		},
		AvailableQuantity: st.AvailableQuantity,
		Status:            st.Status,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
