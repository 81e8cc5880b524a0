// Package model содержит доменные сущности сервиса покупки номеров.
package model

import "time"

// User представляет пользователя Telegram с локальным балансом.
type User struct {
	ID           int64
	TelegramID   int64
	Username     string
	FirstName    string
	BalanceCents int64
	Currency     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// OrderStatus описывает статус заказа на активацию.
type OrderStatus string

const (
	// OrderStatusPendingPayment зарезервирован: покупка атомарна и никогда не оставляет заказ в этом статусе.
	OrderStatusPendingPayment OrderStatus = "PENDING_PAYMENT"
	OrderStatusWaitingOTP     OrderStatus = "WAITING_OTP"
	OrderStatusOTPReceived    OrderStatus = "OTP_RECEIVED"
	OrderStatusCompleted      OrderStatus = "COMPLETED"
	OrderStatusTimeoutNoOTP   OrderStatus = "TIMEOUT_NO_OTP"
	OrderStatusCanceledByUser OrderStatus = "CANCELED_BY_USER"
	OrderStatusRefunded       OrderStatus = "REFUNDED"
	OrderStatusError          OrderStatus = "ERROR"
)

// Terminal сообщает, является ли статус конечным: из него заказ больше не меняется.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusCompleted, OrderStatusTimeoutNoOTP, OrderStatusCanceledByUser,
		OrderStatusRefunded, OrderStatusError:
		return true
	}
	return false
}

var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusWaitingOTP: {
		OrderStatusOTPReceived,
		OrderStatusTimeoutNoOTP,
		OrderStatusCanceledByUser,
		OrderStatusError,
	},
	OrderStatusOTPReceived: {
		OrderStatusCompleted,
		OrderStatusCanceledByUser,
		OrderStatusError,
	},
	OrderStatusCanceledByUser: {OrderStatusRefunded},
	OrderStatusTimeoutNoOTP:   {OrderStatusRefunded},
}

// CanTransition проверяет допустимость перехода между статусами заказа.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Order описывает один заказ аренды номера: от покупки до конечного статуса.
type Order struct {
	ID             int64
	UserID         int64
	FivesimOrderID *int64
	ServiceCode    string
	CountryCode    string
	PhoneNumber    string
	OTPCode        *string
	PriceCents     int64
	Status         OrderStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      time.Time
}

// Balance содержит баланс пользователя в валюте счёта.
type Balance struct {
	Amount   float64 `json:"balance"`
	Currency string  `json:"currency"`
}
