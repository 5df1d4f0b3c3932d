package middleware

import (
	"crypto/subtle"
	"net/http"

	"riskguard/pkg/crypto"
	"riskguard/pkg/ratelimit"
	"riskguard/pkg/utils"
)

// Скорость пополнения и запас токенов для попыток аутентификации.
// Проверка bcrypt дорогая, поэтому отсечка стоит ДО нее: иначе
// скриптовый перебор паролей превращается в выедание CPU.
const (
	authAttemptsPerSec = 1.0
	authAttemptsBurst  = 5.0
)

// BasicAuth - middleware для мутирующих операций (запуск и сброс паники)
//
// Назначение:
// Второй рубеж после IP-списка. HTTP Basic против bcrypt-хеша пароля
// из конфигурации. Сам пароль нигде не хранится.
//
// Если учетные данные не сконфигурированы, запросы проходят без
// проверки: кнопка, до которой оператор не может дотянуться в
// аварии, хуже кнопки без второго рубежа. IP-список при этом
// продолжает действовать.
//
// Ответы:
// - 401 Unauthorized: нет заголовка или неверные данные
// - 429 Too Many Requests: перебор попыток
func BasicAuth(username, passwordHash string) func(http.Handler) http.Handler {
	limiter := ratelimit.NewRateLimiter(authAttemptsPerSec, authAttemptsBurst)
	enabled := username != "" && passwordHash != ""

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled {
				next.ServeHTTP(w, r)
				return
			}

			if !limiter.Allow() {
				utils.Warn("перебор попыток аутентификации",
					utils.String("client_ip", remoteIP(r)))
				http.Error(w, "Too many authentication attempts", http.StatusTooManyRequests)
				return
			}

			user, pass, ok := r.BasicAuth()
			if !ok {
				w.Header().Set("WWW-Authenticate", `Basic realm="Panic control"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			userMatch := subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1
			passMatch := crypto.CheckPasswordMatch(pass, passwordHash)

			if !userMatch || !passMatch {
				utils.Warn("неудачная попытка аутентификации",
					utils.String("client_ip", remoteIP(r)),
					utils.String("path", r.URL.Path))
				w.Header().Set("WWW-Authenticate", `Basic realm="Panic control"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
