// Package exchange реализует шлюз к бирже для подсистемы защиты счёта.
package exchange

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// httpclient.go - транспорт REST-запросов к бирже
//
// Аварийный путь не должен ждать соединения: пул прогретых Keep-Alive
// соединений и короткий таймаут на каждом этапе. Все таймауты заметно
// короче окна верификации, чтобы один зависший запрос не съел прогон.

// HTTPClientConfig - таймауты и размеры пула REST-транспорта.
type HTTPClientConfig struct {
	ConnectTimeout  time.Duration // установка TCP соединения
	ResponseTimeout time.Duration // ожидание заголовков ответа
	TotalTimeout    time.Duration // запрос целиком, включая чтение тела

	MaxIdleConnsPerHost int           // прогретые соединения к хосту API
	MaxConnsPerHost     int           // жёсткий предел соединений к хосту
	IdleConnTimeout     time.Duration // жизнь простаивающего соединения
}

func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		ConnectTimeout:      5 * time.Second,
		ResponseTimeout:     10 * time.Second,
		TotalTimeout:        30 * time.Second,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
}

// NewHTTPClient собирает http.Client под биржевой REST.
//
// Сжатие выключено ради латентности коротких JSON-ответов, HTTP/2
// включён: Bybit мультиплексирует параллельные запросы flatten-фазы
// по одному соединению.
func NewHTTPClient(cfg HTTPClientConfig) *http.Client {
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        cfg.MaxConnsPerHost,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,

		TLSHandshakeTimeout: cfg.ConnectTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},

		DisableCompression:    true,
		ForceAttemptHTTP2:     true,
		ResponseHeaderTimeout: cfg.ResponseTimeout,
		ExpectContinueTimeout: time.Second,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.TotalTimeout,
	}
}
