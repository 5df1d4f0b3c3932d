package middleware

import (
	"net/http"
	"os"
	"strings"
)

// originSet - множество origins, которым разрешен браузерный доступ.
type originSet map[string]struct{}

func (s originSet) contains(origin string) bool {
	_, ok := s[origin]
	return ok
}

// allowedOrigins собирает множество из дефолтов панели оператора и
// переменной окружения CORS_ALLOWED_ORIGINS (домены через запятую).
func allowedOrigins() originSet {
	set := originSet{
		"http://localhost:3000": {},
		"http://127.0.0.1:3000": {},
		"http://localhost:8080": {},
		"http://127.0.0.1:8080": {},
	}
	for _, origin := range strings.Split(os.Getenv("CORS_ALLOWED_ORIGINS"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			set[origin] = struct{}{}
		}
	}
	return set
}

// CORS - middleware для браузерного доступа к статусным endpoints
//
// Панель оператора живет на другом порту, поэтому статусные запросы
// приходят кросс-доменно. API обслуживает только GET и POST, список
// методов этим и ограничен.
//
// Запросы без Origin (curl, интеграции) проходят как есть: CORS -
// браузерный механизм, к ним он отношения не имеет. Неизвестным
// origins заголовки не выставляются, браузер заблокирует ответ сам.
func CORS(next http.Handler) http.Handler {
	allowed := allowedOrigins()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); allowed.contains(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
