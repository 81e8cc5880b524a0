// Package service реализует координацию жизненного цикла заказов аренды номеров.
package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/virtnum/otpbuyer/internal/fivesim"
	"github.com/virtnum/otpbuyer/internal/model"
	"github.com/virtnum/otpbuyer/internal/repository"
)

// ErrProductUnavailable возвращается, если запрошенный сервис отсутствует в каталоге страны.
var (
	ErrProductUnavailable = errors.New("product is unavailable for this country")
	// ErrInvalidOrderState возвращается при операции, недопустимой для текущего статуса заказа.
	ErrInvalidOrderState = errors.New("operation is not allowed in current order state")
	// ErrReconciliationRequired возвращается, если после успешной покупки на 5sim
	// не удалось ни записать заказ локально, ни отменить его на 5sim.
	ErrReconciliationRequired = errors.New("order state diverged from 5sim, manual reconciliation required")
)

const (
	defaultOperator = "any"
	historyLimit    = 10
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	GetOrCreateUser(ctx context.Context, telegramID int64, username, firstName string) (*model.User, error)
	CreateOrderWithDebit(ctx context.Context, p repository.CreateOrderParams) (*model.Order, error)
	GetOrder(ctx context.Context, orderID int64) (*model.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, status model.OrderStatus, otpCode *string) (*model.Order, error)
	RefundOrder(ctx context.Context, orderID int64, viaStatus model.OrderStatus) (*model.Order, error)
	ListOrdersForUser(ctx context.Context, telegramID int64, limit int) ([]model.Order, error)
}

// Provider описывает контракт клиента 5sim, используемый сервисом.
type Provider interface {
	Configured() bool
	GetCountries(ctx context.Context) map[string]fivesim.Country
	GetProducts(ctx context.Context, country, operator string) (map[string]fivesim.Product, error)
	BuyActivation(ctx context.Context, country, operator, service string) (*fivesim.Activation, error)
	CheckOrder(ctx context.Context, orderID int64) (*fivesim.Activation, error)
	FinishOrder(ctx context.Context, orderID int64) error
	CancelOrder(ctx context.Context, orderID int64) error
	BanOrder(ctx context.Context, orderID int64) error
}

// Identity идентифицирует пользователя Telegram в рамках одного запроса.
type Identity struct {
	TelegramID int64
	Username   string
	FirstName  string
}

// Service координирует покупку номера, учёт заказа и его статусные переходы.
type Service struct {
	repo            Repository
	provider        Provider
	validityMinutes int

	// Последовательность операций над одним заказом обеспечивается мьютексом
	// на внутренний идентификатор: два конкурентных check или cancel не могут
	// дважды записать код или дважды вернуть деньги.
	orderLocks sync.Map
}

// NewService создаёт сервис с указанным репозиторием и клиентом 5sim.
func NewService(repo Repository, provider Provider, validityMinutes int) *Service {
	if validityMinutes <= 0 {
		validityMinutes = 15
	}
	return &Service{
		repo:            repo,
		provider:        provider,
		validityMinutes: validityMinutes,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

func (s *Service) lockOrder(orderID int64) func() {
	v, _ := s.orderLocks.LoadOrStore(orderID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// forgetOrderLock удаляет мьютекс заказа, достигшего конечного статуса:
// дальнейшие операции над ним — no-op, а сериализацию конкурентных возвратов
// гарантирует блокировка строки в БД.
func (s *Service) forgetOrderLock(orderID int64) {
	s.orderLocks.Delete(orderID)
}

func toCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// GetBalance возвращает локальный баланс пользователя.
func (s *Service) GetBalance(ctx context.Context, ident Identity) (*model.Balance, error) {
	u, err := s.repo.GetOrCreateUser(ctx, ident.TelegramID, ident.Username, ident.FirstName)
	if err != nil {
		return nil, err
	}
	return &model.Balance{
		Amount:   float64(u.BalanceCents) / 100,
		Currency: u.Currency,
	}, nil
}

// History возвращает последние заказы пользователя, новые — первыми.
func (s *Service) History(ctx context.Context, ident Identity) ([]model.Order, error) {
	if _, err := s.repo.GetOrCreateUser(ctx, ident.TelegramID, ident.Username, ident.FirstName); err != nil {
		return nil, err
	}
	return s.repo.ListOrdersForUser(ctx, ident.TelegramID, historyLimit)
}

// Countries возвращает каталог стран 5sim.
func (s *Service) Countries(ctx context.Context) map[string]fivesim.Country {
	return s.provider.GetCountries(ctx)
}

// Products возвращает цены и доступность сервисов для страны.
func (s *Service) Products(ctx context.Context, country string) (map[string]fivesim.Product, error) {
	return s.provider.GetProducts(ctx, country, defaultOperator)
}

// BuyNumber покупает номер для активации сервиса. Баланс проверяется по свежей
// цене каталога до обращения к 5sim; списание и запись заказа выполняются одной
// транзакцией по цене из ответа на покупку. Если локальная запись не удалась,
// заказ на 5sim отменяется, чтобы не оставить оплаченную покупку без учёта.
func (s *Service) BuyNumber(ctx context.Context, ident Identity, country, serviceCode string) (*model.Order, error) {
	user, err := s.repo.GetOrCreateUser(ctx, ident.TelegramID, ident.Username, ident.FirstName)
	if err != nil {
		return nil, err
	}

	products, err := s.provider.GetProducts(ctx, country, defaultOperator)
	if err != nil {
		return nil, err
	}

	product, ok := products[serviceCode]
	if !ok || product.Qty <= 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrProductUnavailable, country, serviceCode)
	}

	if user.BalanceCents < toCents(product.Price) {
		return nil, repository.ErrInsufficientBalance
	}

	activation, err := s.provider.BuyActivation(ctx, country, defaultOperator, serviceCode)
	if err != nil {
		return nil, err
	}

	// Списываем цену из ответа на покупку, а не из предварительной проверки:
	// каталог мог устареть между запросами.
	order, err := s.repo.CreateOrderWithDebit(ctx, repository.CreateOrderParams{
		TelegramID:      ident.TelegramID,
		FivesimOrderID:  activation.ID,
		ServiceCode:     serviceCode,
		CountryCode:     country,
		PhoneNumber:     activation.Phone,
		PriceCents:      toCents(activation.Price),
		ValidityMinutes: s.validityMinutes,
	})
	if err != nil {
		return nil, s.compensateBuy(activation.ID, err)
	}

	return order, nil
}

// compensateBuy отменяет купленный на 5sim заказ, который не удалось записать локально.
func (s *Service) compensateBuy(fivesimOrderID int64, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer cancel()

	if cancelErr := s.provider.CancelOrder(ctx, fivesimOrderID); cancelErr != nil {
		return fmt.Errorf("%w: order %d: %v (after: %v)",
			ErrReconciliationRequired, fivesimOrderID, cancelErr, cause)
	}
	return cause
}

// CheckResult содержит заказ и код из SMS, если он получен.
type CheckResult struct {
	Order *model.Order
	OTP   *string
}

// CheckOrder опрашивает состояние заказа. Записанный код возвращается без
// обращения к 5sim. Пришедший код имеет приоритет над истечением срока:
// заказ, получивший код, никогда не попадает в TIMEOUT_NO_OTP.
func (s *Service) CheckOrder(ctx context.Context, ident Identity, orderID int64) (*CheckResult, error) {
	if _, err := s.repo.GetOrCreateUser(ctx, ident.TelegramID, ident.Username, ident.FirstName); err != nil {
		return nil, err
	}

	unlock := s.lockOrder(orderID)
	defer unlock()

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != ident.TelegramID {
		return nil, repository.ErrOrderNotFound
	}

	// Первый записанный код — окончательный.
	if order.OTPCode != nil {
		if order.Status.Terminal() {
			s.forgetOrderLock(order.ID)
		}
		return &CheckResult{Order: order, OTP: order.OTPCode}, nil
	}
	if order.Status.Terminal() {
		s.forgetOrderLock(order.ID)
		return &CheckResult{Order: order}, nil
	}
	if order.FivesimOrderID == nil {
		return nil, fmt.Errorf("order %d has no 5sim id", order.ID)
	}

	activation, err := s.provider.CheckOrder(ctx, *order.FivesimOrderID)
	if err != nil {
		return nil, err
	}

	if len(activation.SMS) > 0 {
		code := activation.SMS[len(activation.SMS)-1].Code
		order, err = s.repo.UpdateOrderStatus(ctx, order.ID, model.OrderStatusOTPReceived, &code)
		if err != nil {
			return nil, err
		}
		return &CheckResult{Order: order, OTP: order.OTPCode}, nil
	}

	if time.Now().After(order.ExpiresAt) {
		order, err = s.repo.UpdateOrderStatus(ctx, order.ID, model.OrderStatusTimeoutNoOTP, nil)
		if err != nil {
			return nil, err
		}
		s.forgetOrderLock(order.ID)
	}

	return &CheckResult{Order: order}, nil
}

// CancelOrder отменяет заказ на 5sim и возвращает его цену на баланс владельца.
// Отмена заказа в конечном статусе — no-op, возвращающий текущее состояние.
func (s *Service) CancelOrder(ctx context.Context, ident Identity, orderID int64) (*model.Order, error) {
	return s.revokeOrder(ctx, ident, orderID, s.provider.CancelOrder)
}

// BanOrder помечает непригодный номер на 5sim и возвращает цену заказа на
// баланс владельца. Для заказов в конечном статусе — no-op, как и отмена.
func (s *Service) BanOrder(ctx context.Context, ident Identity, orderID int64) (*model.Order, error) {
	return s.revokeOrder(ctx, ident, orderID, s.provider.BanOrder)
}

func (s *Service) revokeOrder(ctx context.Context, ident Identity, orderID int64, revoke func(context.Context, int64) error) (*model.Order, error) {
	if _, err := s.repo.GetOrCreateUser(ctx, ident.TelegramID, ident.Username, ident.FirstName); err != nil {
		return nil, err
	}

	unlock := s.lockOrder(orderID)
	defer unlock()

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != ident.TelegramID {
		return nil, repository.ErrOrderNotFound
	}

	if order.Status.Terminal() {
		s.forgetOrderLock(order.ID)
		return order, nil
	}
	if order.FivesimOrderID == nil {
		return nil, fmt.Errorf("order %d has no 5sim id", order.ID)
	}

	if err := revoke(ctx, *order.FivesimOrderID); err != nil {
		return nil, err
	}

	refunded, err := s.repo.RefundOrder(ctx, order.ID, model.OrderStatusCanceledByUser)
	if err != nil {
		return nil, err
	}
	s.forgetOrderLock(refunded.ID)
	return refunded, nil
}

// FinishOrder подтверждает использование кода и завершает заказ на 5sim.
func (s *Service) FinishOrder(ctx context.Context, ident Identity, orderID int64) (*model.Order, error) {
	if _, err := s.repo.GetOrCreateUser(ctx, ident.TelegramID, ident.Username, ident.FirstName); err != nil {
		return nil, err
	}

	unlock := s.lockOrder(orderID)
	defer unlock()

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != ident.TelegramID {
		return nil, repository.ErrOrderNotFound
	}

	if order.Status == model.OrderStatusCompleted {
		s.forgetOrderLock(order.ID)
		return order, nil
	}
	if order.Status != model.OrderStatusOTPReceived {
		return nil, fmt.Errorf("%w: %s", ErrInvalidOrderState, order.Status)
	}
	if order.FivesimOrderID == nil {
		return nil, fmt.Errorf("order %d has no 5sim id", order.ID)
	}

	if err := s.provider.FinishOrder(ctx, *order.FivesimOrderID); err != nil {
		return nil, err
	}

	finished, err := s.repo.UpdateOrderStatus(ctx, order.ID, model.OrderStatusCompleted, nil)
	if err != nil {
		return nil, err
	}
	s.forgetOrderLock(finished.ID)
	return finished, nil
}
