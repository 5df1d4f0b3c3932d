package middleware

import (
	"encoding/json"
	"net"
	"net/http"

	"riskguard/pkg/utils"
)

// accessDeniedResponse - тело ответа 403 для запросов вне списка
type accessDeniedResponse struct {
	Error    string `json:"error"`
	ClientIP string `json:"client_ip"`
}

// Allowlist - middleware для ограничения доступа по IP
//
// Назначение:
// Аварийная кнопка не должна быть доступна из произвольной сети.
// Список разрешенных адресов задается в конфигурации: отдельные IP
// и подсети в нотации CIDR. Пустой список сводится к loopback
// (127.0.0.1 и ::1).
//
// Сверяется адрес прямого пира (r.RemoteAddr), а не заголовки
// X-Forwarded-For: заголовкам доверять нельзя, пока их не
// перезаписывает собственный reverse proxy.
//
// Ответы:
// - 403 Forbidden: адрес не в списке, в теле error и client_ip
func Allowlist(allowed []string) func(http.Handler) http.Handler {
	allowedSet := make(map[string]struct{}, len(allowed))
	var allowedNets []*net.IPNet
	for _, entry := range allowed {
		if _, ipNet, err := net.ParseCIDR(entry); err == nil {
			allowedNets = append(allowedNets, ipNet)
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			allowedSet[ip.String()] = struct{}{}
		}
	}
	if len(allowedSet) == 0 && len(allowedNets) == 0 {
		allowedSet["127.0.0.1"] = struct{}{}
		allowedSet["::1"] = struct{}{}
	}

	permitted := func(clientIP string) bool {
		if _, ok := allowedSet[clientIP]; ok {
			return true
		}
		ip := net.ParseIP(clientIP)
		if ip == nil {
			return false
		}
		for _, ipNet := range allowedNets {
			if ipNet.Contains(ip) {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := remoteIP(r)

			if !permitted(clientIP) {
				utils.Warn("запрос отклонен: адрес не в списке",
					utils.String("client_ip", clientIP),
					utils.String("path", r.URL.Path))

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				json.NewEncoder(w).Encode(accessDeniedResponse{
					Error:    "Access denied",
					ClientIP: clientIP,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// remoteIP извлекает IP прямого пира в канонической форме
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return host
}
