// Package middleware содержит HTTP middleware сервиса покупки номеров.
package middleware

import (
	"context"
	"net/http"
	"strconv"

	"github.com/virtnum/otpbuyer/internal/service"
)

type contextKey string

const identityKey contextKey = "identity"

// Заголовки, которыми Telegram WebApp фронтенд передаёт данные пользователя.
const (
	headerTelegramID        = "X-Telegram-ID"
	headerTelegramUsername  = "X-Telegram-Username"
	headerTelegramFirstName = "X-Telegram-First-Name"
)

// Ответы об отказе идут в том же JSON-конверте, что и ошибки API.
func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
}

// Identity проверяет заголовки Telegram-пользователя и кладёт его данные в контекст запроса.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawID := r.Header.Get(headerTelegramID)
		if rawID == "" {
			writeUnauthorized(w)
			return
		}

		telegramID, err := strconv.ParseInt(rawID, 10, 64)
		if err != nil || telegramID <= 0 {
			writeUnauthorized(w)
			return
		}

		ident := service.Identity{
			TelegramID: telegramID,
			Username:   r.Header.Get(headerTelegramUsername),
			FirstName:  r.Header.Get(headerTelegramFirstName),
		}

		ctx := context.WithValue(r.Context(), identityKey, ident)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetIdentityFromContext извлекает данные пользователя из контекста запроса.
func GetIdentityFromContext(ctx context.Context) (service.Identity, bool) {
	ident, ok := ctx.Value(identityKey).(service.Identity)
	return ident, ok
}
