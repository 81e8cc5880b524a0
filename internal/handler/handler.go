// Package handler содержит HTTP-обработчики API сервиса покупки номеров.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/virtnum/otpbuyer/internal/fivesim"
	"github.com/virtnum/otpbuyer/internal/middleware"
	"github.com/virtnum/otpbuyer/internal/model"
	"github.com/virtnum/otpbuyer/internal/repository"
	"github.com/virtnum/otpbuyer/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	GetBalance(ctx context.Context, ident service.Identity) (*model.Balance, error)
	History(ctx context.Context, ident service.Identity) ([]model.Order, error)
	Countries(ctx context.Context) map[string]fivesim.Country
	Products(ctx context.Context, country string) (map[string]fivesim.Product, error)
	BuyNumber(ctx context.Context, ident service.Identity, country, serviceCode string) (*model.Order, error)
	CheckOrder(ctx context.Context, ident service.Identity, orderID int64) (*service.CheckResult, error)
	CancelOrder(ctx context.Context, ident service.Identity, orderID int64) (*model.Order, error)
	BanOrder(ctx context.Context, ident service.Identity, orderID int64) (*model.Order, error)
	FinishOrder(ctx context.Context, ident service.Identity, orderID int64) (*model.Order, error)
}

// Handler реализует HTTP-обработчики API сервиса покупки номеров.
type Handler struct {
	service Service
	logger  *zap.Logger
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger) *Handler {
	return &Handler{
		service: s,
		logger:  logger,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError переводит ошибку нижних слоёв в структурированный JSON-ответ.
// Наружу уходит только сообщение самого 5sim, внутренние детали не протекают.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var provErr *fivesim.Error

	switch {
	case errors.Is(err, repository.ErrInsufficientBalance):
		writeJSON(w, http.StatusPaymentRequired, errorResponse{Error: "insufficient balance"})
	case errors.Is(err, repository.ErrOrderNotFound), errors.Is(err, repository.ErrUserNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, service.ErrProductUnavailable):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "product is unavailable"})
	case errors.Is(err, service.ErrInvalidOrderState):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "operation is not allowed in current order state"})
	case errors.Is(err, repository.ErrFivesimOrderExists):
		h.logger.Error("provider order id collision", zap.Error(err))
		writeJSON(w, http.StatusConflict, errorResponse{Error: "order conflicts with an existing one"})
	case errors.Is(err, service.ErrReconciliationRequired):
		h.logger.Error("reconciliation required", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "purchase could not be recorded, support has been notified"})
	case errors.Is(err, fivesim.ErrNotConfigured), errors.Is(err, fivesim.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "number provider is temporarily unavailable"})
	case errors.As(err, &provErr):
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: provErr.Message})
	default:
		h.logger.Error("internal error", zap.Error(err), zap.String("path", r.URL.Path))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func identityOr401(w http.ResponseWriter, r *http.Request) (service.Identity, bool) {
	ident, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
	}
	return ident, ok
}

func orderIDOr404(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "orderId"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
		return 0, false
	}
	return id, true
}

// GetBalance возвращает локальный баланс текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	ident, ok := identityOr401(w, r)
	if !ok {
		return
	}

	balance, err := h.service.GetBalance(r.Context(), ident)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, balance)
}

type historyItem struct {
	Date    string `json:"date"`
	Service string `json:"service"`
	Number  string `json:"number"`
	Status  string `json:"status"`
}

// GetHistory возвращает последние покупки текущего пользователя.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	ident, ok := identityOr401(w, r)
	if !ok {
		return
	}

	orders, err := h.service.History(r.Context(), ident)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	items := make([]historyItem, 0, len(orders))
	for _, o := range orders {
		items = append(items, historyItem{
			Date:    o.CreatedAt.Format(time.RFC3339),
			Service: o.ServiceCode,
			Number:  o.PhoneNumber,
			Status:  string(o.Status),
		})
	}

	writeJSON(w, http.StatusOK, items)
}

// GetCountries возвращает каталог стран.
func (h *Handler) GetCountries(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Countries(r.Context()))
}

// GetProducts возвращает цены и доступность сервисов для страны.
func (h *Handler) GetProducts(w http.ResponseWriter, r *http.Request) {
	country := chi.URLParam(r, "country")
	if country == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "country is required"})
		return
	}

	products, err := h.service.Products(r.Context(), country)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, products)
}

type buyRequest struct {
	Country string `json:"country"`
	Service string `json:"service"`
}

type buyResponse struct {
	OrderID int64   `json:"orderId"`
	Phone   string  `json:"phone"`
	Country string  `json:"country"`
	Service string  `json:"service"`
	Price   float64 `json:"price"`
}

// Buy покупает номер для активации указанного сервиса.
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	ident, ok := identityOr401(w, r)
	if !ok {
		return
	}

	var req buyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad request"})
		return
	}
	defer r.Body.Close()

	if req.Country == "" || req.Service == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "country and service are required"})
		return
	}

	order, err := h.service.BuyNumber(r.Context(), ident, req.Country, req.Service)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, buyResponse{
		OrderID: order.ID,
		Phone:   order.PhoneNumber,
		Country: order.CountryCode,
		Service: order.ServiceCode,
		Price:   float64(order.PriceCents) / 100,
	})
}

type checkResponse struct {
	OTP    *string `json:"otp"`
	Status string  `json:"status"`
}

// Check опрашивает заказ и возвращает код из SMS, если он получен.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	ident, ok := identityOr401(w, r)
	if !ok {
		return
	}

	orderID, ok := orderIDOr404(w, r)
	if !ok {
		return
	}

	res, err := h.service.CheckOrder(r.Context(), ident, orderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, checkResponse{
		OTP:    res.OTP,
		Status: string(res.Order.Status),
	})
}

type revokeResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request,
	op func(context.Context, service.Identity, int64) (*model.Order, error)) {
	ident, ok := identityOr401(w, r)
	if !ok {
		return
	}

	orderID, ok := orderIDOr404(w, r)
	if !ok {
		return
	}

	order, err := op(r.Context(), ident, orderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, revokeResponse{
		Success: true,
		Status:  string(order.Status),
	})
}

// Cancel отменяет заказ и возвращает его цену на баланс.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.revoke(w, r, h.service.CancelOrder)
}

// Ban помечает номер как непригодный и возвращает цену заказа на баланс.
func (h *Handler) Ban(w http.ResponseWriter, r *http.Request) {
	h.revoke(w, r, h.service.BanOrder)
}

// Finish подтверждает использование кода и завершает заказ.
func (h *Handler) Finish(w http.ResponseWriter, r *http.Request) {
	h.revoke(w, r, h.service.FinishOrder)
}
