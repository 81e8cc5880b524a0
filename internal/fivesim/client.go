// Package fivesim предоставляет клиент для API сервиса аренды номеров 5sim.
package fivesim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL — базовый адрес API 5sim.
const DefaultBaseURL = "https://5sim.net/v1"

const (
	authTimeout  = 20 * time.Second
	guestTimeout = 10 * time.Second
)

// ErrUnavailable возвращается при сетевой ошибке или таймауте обращения к 5sim.
var ErrUnavailable = errors.New("5sim is unavailable")

// ErrNotConfigured возвращается при вызове авторизованных операций без API-ключа.
var ErrNotConfigured = errors.New("5sim API key is not configured")

// Error описывает отказ 5sim: HTTP-статус и сообщение из тела ответа.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("5sim error (%d): %s", e.StatusCode, e.Message)
}

// Client инкапсулирует HTTP-взаимодействие с 5sim.
type Client struct {
	baseURL     string
	apiKey      string
	authClient  *http.Client
	guestClient *http.Client
}

// NewClient создаёт клиент 5sim с указанным базовым адресом и API-ключом.
// Пустой ключ оставляет доступными только гостевые операции каталога.
func NewClient(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		authClient:  &http.Client{Timeout: authTimeout},
		guestClient: &http.Client{Timeout: guestTimeout},
	}
}

// Configured сообщает, задан ли API-ключ для авторизованных операций.
func (c *Client) Configured() bool {
	return c != nil && c.apiKey != ""
}

// Profile описывает ответ 5sim на запрос профиля пользователя.
type Profile struct {
	ID      int64   `json:"id"`
	Email   string  `json:"email"`
	Balance float64 `json:"balance"`
	Rating  float64 `json:"rating"`
}

// Country описывает страну из каталога 5sim.
type Country struct {
	TextEn string `json:"text_en"`
	ISO    string `json:"iso"`
	Prefix string `json:"prefix"`
}

// Product описывает цену и доступность продукта в каталоге 5sim.
type Product struct {
	Category string  `json:"Category"`
	Qty      int     `json:"Qty"`
	Price    float64 `json:"Price"`
}

// SMS описывает одно полученное сообщение с кодом.
type SMS struct {
	Code   string    `json:"code"`
	Text   string    `json:"text"`
	Sender string    `json:"sender"`
	Date   time.Time `json:"date"`
}

// Activation описывает заказ активации на стороне 5sim.
type Activation struct {
	ID      int64     `json:"id"`
	Phone   string    `json:"phone"`
	Product string    `json:"product"`
	Price   float64   `json:"price"`
	Status  string    `json:"status"`
	Expires time.Time `json:"expires"`
	SMS     []SMS     `json:"sms"`
	Country string    `json:"country"`
}

// Статусы заказа на стороне 5sim.
const (
	ActivationStatusPending  = "PENDING"
	ActivationStatusReceived = "RECEIVED"
	ActivationStatusCanceled = "CANCELED"
	ActivationStatusTimeout  = "TIMEOUT"
	ActivationStatusFinished = "FINISHED"
	ActivationStatusBanned   = "BANNED"
)

func (c *Client) do(ctx context.Context, httpClient *http.Client, path string, auth bool, out any) error {
	if auth && c.apiKey == "" {
		return ErrNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if auth {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{
			StatusCode: resp.StatusCode,
			Message:    errorMessage(resp),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("malformed response body: %v", err),
		}
	}
	return nil
}

// errorMessage извлекает поле message из JSON-тела ошибки, иначе возвращает сырое тело или статусную строку.
func errorMessage(resp *http.Response) string {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || len(body) == 0 {
		return resp.Status
	}

	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return strings.TrimSpace(string(body))
}

// GetBalance возвращает баланс аккаунта на 5sim.
func (c *Client) GetBalance(ctx context.Context) (*Profile, error) {
	var p Profile
	if err := c.do(ctx, c.authClient, "/user/profile", true, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// defaultCountries используется как запасной каталог, если 5sim недоступен.
// Покупка при этом не деградирует: страница продукта всегда запрашивается заново.
var defaultCountries = map[string]Country{
	"russia":     {TextEn: "Russia", ISO: "RU", Prefix: "7"},
	"kazakhstan": {TextEn: "Kazakhstan", ISO: "KZ", Prefix: "7"},
	"ukraine":    {TextEn: "Ukraine", ISO: "UA", Prefix: "380"},
	"india":      {TextEn: "India", ISO: "IN", Prefix: "91"},
}

// GetCountries возвращает каталог стран. При любой ошибке обращения к 5sim
// возвращается встроенная таблица, чтобы просмотр каталога оставался доступным.
func (c *Client) GetCountries(ctx context.Context) map[string]Country {
	var countries map[string]Country
	if err := c.do(ctx, c.guestClient, "/guest/countries", false, &countries); err != nil || len(countries) == 0 {
		return defaultCountries
	}
	return countries
}

// GetProducts возвращает цены и доступность продуктов для страны и оператора.
func (c *Client) GetProducts(ctx context.Context, country, operator string) (map[string]Product, error) {
	if operator == "" {
		operator = "any"
	}
	var products map[string]Product
	if err := c.do(ctx, c.guestClient, "/guest/products/"+country+"/"+operator, false, &products); err != nil {
		return nil, err
	}
	return products, nil
}

// BuyActivation покупает номер для активации указанного сервиса.
func (c *Client) BuyActivation(ctx context.Context, country, operator, service string) (*Activation, error) {
	if operator == "" {
		operator = "any"
	}
	var a Activation
	path := fmt.Sprintf("/user/buy/activation/%s/%s/%s", country, operator, service)
	if err := c.do(ctx, c.authClient, path, true, &a); err != nil {
		return nil, err
	}
	if a.ID == 0 || a.Phone == "" {
		return nil, &Error{
			StatusCode: http.StatusOK,
			Message:    "buy response is missing order id or phone",
		}
	}
	return &a, nil
}

// CheckOrder возвращает состояние заказа и список полученных SMS, последние — в конце.
func (c *Client) CheckOrder(ctx context.Context, orderID int64) (*Activation, error) {
	var a Activation
	if err := c.do(ctx, c.authClient, fmt.Sprintf("/user/check/%d", orderID), true, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// FinishOrder завершает заказ после использования кода.
func (c *Client) FinishOrder(ctx context.Context, orderID int64) error {
	return c.do(ctx, c.authClient, fmt.Sprintf("/user/finish/%d", orderID), true, nil)
}

// CancelOrder отменяет заказ. Возврат средств на 5sim происходит на их стороне.
func (c *Client) CancelOrder(ctx context.Context, orderID int64) error {
	return c.do(ctx, c.authClient, fmt.Sprintf("/user/cancel/%d", orderID), true, nil)
}

// BanOrder помечает номер как непригодный.
func (c *Client) BanOrder(ctx context.Context, orderID int64) error {
	return c.do(ctx, c.authClient, fmt.Sprintf("/user/ban/%d", orderID), true, nil)
}
