package middleware

import (
	"crypto/subtle"
	"net/http"
)

const webhookTokenHeader = "X-Webhook-Token"

// WebhookToken пропускает запросы платёжного шлюза с общим секретом в
// заголовке X-Webhook-Token. Пустой секрет закрывает эндпоинт.
func WebhookToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(webhookTokenHeader)
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
