package model

import "testing"

func TestOrderStatusTerminal(t *testing.T) {
	terminal := []OrderStatus{
		OrderStatusCompleted,
		OrderStatusTimeoutNoOTP,
		OrderStatusCanceledByUser,
		OrderStatusRefunded,
		OrderStatusError,
	}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s must be terminal", s)
		}
	}

	active := []OrderStatus{
		OrderStatusPendingPayment,
		OrderStatusWaitingOTP,
		OrderStatusOTPReceived,
	}
	for _, s := range active {
		if s.Terminal() {
			t.Errorf("%s must not be terminal", s)
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from OrderStatus
		to   OrderStatus
		want bool
	}{
		{OrderStatusWaitingOTP, OrderStatusOTPReceived, true},
		{OrderStatusWaitingOTP, OrderStatusTimeoutNoOTP, true},
		{OrderStatusWaitingOTP, OrderStatusCanceledByUser, true},
		{OrderStatusWaitingOTP, OrderStatusCompleted, false},
		{OrderStatusOTPReceived, OrderStatusCompleted, true},
		{OrderStatusOTPReceived, OrderStatusTimeoutNoOTP, false},
		{OrderStatusCanceledByUser, OrderStatusRefunded, true},
		{OrderStatusTimeoutNoOTP, OrderStatusRefunded, true},
		{OrderStatusCompleted, OrderStatusRefunded, false},
		{OrderStatusRefunded, OrderStatusWaitingOTP, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
