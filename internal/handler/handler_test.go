package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/virtnum/otpbuyer/internal/fivesim"
	"github.com/virtnum/otpbuyer/internal/model"
	"github.com/virtnum/otpbuyer/internal/repository"
	"github.com/virtnum/otpbuyer/internal/service"
)

type stubService struct {
	balanceResp *model.Balance
	balanceErr  error

	historyResp []model.Order
	historyErr  error

	buyResp *model.Order
	buyErr  error

	checkResp *service.CheckResult
	checkErr  error

	revokeResp *model.Order
	revokeErr  error
}

func (s *stubService) GetBalance(ctx context.Context, ident service.Identity) (*model.Balance, error) {
	return s.balanceResp, s.balanceErr
}

func (s *stubService) History(ctx context.Context, ident service.Identity) ([]model.Order, error) {
	return s.historyResp, s.historyErr
}

func (s *stubService) Countries(ctx context.Context) map[string]fivesim.Country {
	return map[string]fivesim.Country{"russia": {TextEn: "Russia", ISO: "RU", Prefix: "7"}}
}

func (s *stubService) Products(ctx context.Context, country string) (map[string]fivesim.Product, error) {
	return map[string]fivesim.Product{"telegram": {Category: "activation", Qty: 10, Price: 3}}, nil
}

func (s *stubService) BuyNumber(ctx context.Context, ident service.Identity, country, serviceCode string) (*model.Order, error) {
	return s.buyResp, s.buyErr
}

func (s *stubService) CheckOrder(ctx context.Context, ident service.Identity, orderID int64) (*service.CheckResult, error) {
	return s.checkResp, s.checkErr
}

func (s *stubService) CancelOrder(ctx context.Context, ident service.Identity, orderID int64) (*model.Order, error) {
	return s.revokeResp, s.revokeErr
}

func (s *stubService) BanOrder(ctx context.Context, ident service.Identity, orderID int64) (*model.Order, error) {
	return s.revokeResp, s.revokeErr
}

func (s *stubService) FinishOrder(ctx context.Context, ident service.Identity, orderID int64) (*model.Order, error) {
	return s.revokeResp, s.revokeErr
}

func newTestServer(svc Service) *httptest.Server {
	h := NewHandler(svc, zap.NewNop())
	return httptest.NewServer(h.SetupRouter())
}

func doRequest(t *testing.T, ts *httptest.Server, method, path string, body []byte, withIdentity bool) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, ts.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if withIdentity {
		req.Header.Set("X-Telegram-ID", "100")
		req.Header.Set("X-Telegram-Username", "tester")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func TestGetBalance_OK(t *testing.T) {
	svc := &stubService{
		balanceResp: &model.Balance{Amount: 2.5, Currency: "USD"},
	}
	ts := newTestServer(svc)
	defer ts.Close()

	resp := doRequest(t, ts, http.MethodGet, "/api/user/balance", nil, true)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var payload struct {
		Balance  float64 `json:"balance"`
		Currency string  `json:"currency"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Balance != 2.5 || payload.Currency != "USD" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestGetBalance_Unauthorized(t *testing.T) {
	ts := newTestServer(&stubService{})
	defer ts.Close()

	resp := doRequest(t, ts, http.MethodGet, "/api/user/balance", nil, false)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}

	var payload errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Error == "" {
		t.Fatalf("401 must carry the error envelope")
	}
}

func TestGetHistory_OK(t *testing.T) {
	now := time.Now()
	svc := &stubService{
		historyResp: []model.Order{
			{
				ServiceCode: "telegram",
				PhoneNumber: "+79000000001",
				Status:      model.OrderStatusCompleted,
				CreatedAt:   now,
			},
		},
	}
	ts := newTestServer(svc)
	defer ts.Close()

	resp := doRequest(t, ts, http.MethodGet, "/api/user/history", nil, true)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var items []historyItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(items) != 1 || items[0].Service != "telegram" || items[0].Status != "COMPLETED" {
		t.Fatalf("unexpected history: %+v", items)
	}
}

func TestBuy_OK(t *testing.T) {
	fivesimID := int64(777)
	svc := &stubService{
		buyResp: &model.Order{
			ID:             1,
			FivesimOrderID: &fivesimID,
			ServiceCode:    "telegram",
			CountryCode:    "russia",
			PhoneNumber:    "+79000000001",
			PriceCents:     300,
			Status:         model.OrderStatusWaitingOTP,
		},
	}
	ts := newTestServer(svc)
	defer ts.Close()

	body := []byte(`{"country":"russia","service":"telegram"}`)
	resp := doRequest(t, ts, http.MethodPost, "/api/buy", body, true)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var payload buyResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.OrderID != 1 || payload.Phone != "+79000000001" || payload.Price != 3.0 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestBuy_InsufficientBalance(t *testing.T) {
	svc := &stubService{buyErr: repository.ErrInsufficientBalance}
	ts := newTestServer(svc)
	defer ts.Close()

	body := []byte(`{"country":"russia","service":"telegram"}`)
	resp := doRequest(t, ts, http.MethodPost, "/api/buy", body, true)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", resp.StatusCode)
	}

	var payload errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Error == "" {
		t.Fatalf("error payload is empty")
	}
}

func TestBuy_ProviderErrorSurfacesMessage(t *testing.T) {
	svc := &stubService{
		buyErr: &fivesim.Error{StatusCode: 400, Message: "no free phones"},
	}
	ts := newTestServer(svc)
	defer ts.Close()

	body := []byte(`{"country":"russia","service":"telegram"}`)
	resp := doRequest(t, ts, http.MethodPost, "/api/buy", body, true)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}

	var payload errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Error != "no free phones" {
		t.Fatalf("error = %q, want provider message", payload.Error)
	}
}

func TestBuy_DuplicateProviderOrder(t *testing.T) {
	svc := &stubService{buyErr: repository.ErrFivesimOrderExists}
	ts := newTestServer(svc)
	defer ts.Close()

	body := []byte(`{"country":"russia","service":"telegram"}`)
	resp := doRequest(t, ts, http.MethodPost, "/api/buy", body, true)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}

	var payload errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Error == "" {
		t.Fatalf("error payload is empty")
	}
}

func TestBuy_BadRequest(t *testing.T) {
	ts := newTestServer(&stubService{})
	defer ts.Close()

	resp := doRequest(t, ts, http.MethodPost, "/api/buy", []byte(`{"country":""}`), true)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCheck_NoCodeYet(t *testing.T) {
	svc := &stubService{
		checkResp: &service.CheckResult{
			Order: &model.Order{ID: 1, Status: model.OrderStatusWaitingOTP},
		},
	}
	ts := newTestServer(svc)
	defer ts.Close()

	resp := doRequest(t, ts, http.MethodGet, "/api/check/1", nil, true)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var payload checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.OTP != nil {
		t.Fatalf("otp = %v, want null", *payload.OTP)
	}
	if payload.Status != "WAITING_OTP" {
		t.Fatalf("status = %q, want WAITING_OTP", payload.Status)
	}
}

func TestCheck_ReturnsCode(t *testing.T) {
	code := "482913"
	svc := &stubService{
		checkResp: &service.CheckResult{
			Order: &model.Order{ID: 1, Status: model.OrderStatusOTPReceived, OTPCode: &code},
			OTP:   &code,
		},
	}
	ts := newTestServer(svc)
	defer ts.Close()

	resp := doRequest(t, ts, http.MethodGet, "/api/check/1", nil, true)
	defer resp.Body.Close()

	var payload checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.OTP == nil || *payload.OTP != "482913" {
		t.Fatalf("otp = %v, want 482913", payload.OTP)
	}
}

func TestCheck_NotFound(t *testing.T) {
	svc := &stubService{checkErr: repository.ErrOrderNotFound}
	ts := newTestServer(svc)
	defer ts.Close()

	resp := doRequest(t, ts, http.MethodGet, "/api/check/999", nil, true)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCancel_OK(t *testing.T) {
	svc := &stubService{
		revokeResp: &model.Order{ID: 1, Status: model.OrderStatusRefunded},
	}
	ts := newTestServer(svc)
	defer ts.Close()

	resp := doRequest(t, ts, http.MethodPost, "/api/cancel/1", nil, true)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var payload revokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !payload.Success || payload.Status != "REFUNDED" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestCancel_InvalidOrderID(t *testing.T) {
	ts := newTestServer(&stubService{})
	defer ts.Close()

	resp := doRequest(t, ts, http.MethodPost, "/api/cancel/abc", nil, true)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCatalog_NoIdentityRequired(t *testing.T) {
	ts := newTestServer(&stubService{})
	defer ts.Close()

	resp := doRequest(t, ts, http.MethodGet, "/api/catalog/countries", nil, false)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var countries map[string]fivesim.Country
	if err := json.NewDecoder(resp.Body).Decode(&countries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if countries["russia"].ISO != "RU" {
		t.Fatalf("unexpected countries: %+v", countries)
	}
}
