package middleware

import (
	"encoding/json"
	"net/http"
	"runtime/debug"

	"riskguard/pkg/utils"
)

// Recovery - middleware для восстановления после паники в handlers
//
// Перехватывает panic, логирует stack trace и возвращает клиенту 500.
// Процесс, который держит замок торговли, не имеет права падать из-за
// одного запроса.
//
// Текст паники клиенту не отдается: внутренности сервиса не для
// внешнего потребителя, подробности остаются в логе.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				utils.Error("panic в обработчике запроса",
					utils.Any("panic", rec),
					utils.String("method", r.Method),
					utils.String("path", r.URL.Path),
					utils.String("stack", string(debug.Stack())))

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]string{
					"error": "Internal server error",
				})
			}
		}()

		next.ServeHTTP(w, r)
	})
}
