package middleware

import (
	"bufio"
	"net"
	"net/http"
	"time"

	"riskguard/pkg/utils"

	"github.com/google/uuid"
)

// responseWriter перехватывает статус и размер ответа
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Hijack пробрасывает Hijacker исходного соединения. Без него
// обертка прячет интерфейс и апгрейд WebSocket на /ws не проходит.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}

// Logging - middleware для логирования HTTP запросов
//
// Каждому запросу присваивается request_id (возвращается в заголовке
// X-Request-ID), по нему логи запроса сшиваются с логами прогона.
// /healthz и /metrics опрашиваются автоматикой и пишутся на Debug,
// чтобы не засорять журнал.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.New().String()
		w.Header().Set("X-Request-ID", requestID)

		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		logFn := utils.Info
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			logFn = utils.Debug
		}
		logFn("HTTP запрос",
			utils.RequestID(requestID),
			utils.String("method", r.Method),
			utils.String("path", r.URL.Path),
			utils.Int("status", wrapped.statusCode),
			utils.Latency(float64(duration.Microseconds())/1000.0),
			utils.String("client_ip", remoteIP(r)),
			utils.Int64("bytes", wrapped.written),
		)
	})
}
