package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tunables - защитные настройки, которые оператор меняет чаще прочих:
// границы режимов, тайминги верификации, backoff отмены, IP-список.
// Файл опционален (путь в RISKGUARD_CONFIG); отсутствующие поля
// остаются на значениях по умолчанию, окружение перекрывает файл.
type Tunables struct {
	Risk struct {
		WarnAt               float64 `yaml:"warn_at"`
		DeriskAt             float64 `yaml:"derisk_at"`
		CapAt                float64 `yaml:"cap_at"`
		HaltAt               float64 `yaml:"halt_at"`
		TargetAfterDerisk    float64 `yaml:"target_after_derisk"`
		TargetAfterEmergency float64 `yaml:"target_after_emergency"`
	} `yaml:"risk"`

	Verify struct {
		TimeoutSec int `yaml:"timeout_sec"`
		PollMs     int `yaml:"poll_ms"`
	} `yaml:"verify"`

	Backoff struct {
		MaxAttempts int     `yaml:"max_attempts"`
		InitialMs   int     `yaml:"initial_ms"`
		MaxMs       int     `yaml:"max_ms"`
		Multiplier  float64 `yaml:"multiplier"`
	} `yaml:"backoff"`

	Breaker struct {
		Enabled         bool    `yaml:"enabled"`
		MaxDailyLossPct float64 `yaml:"max_daily_loss_pct"`
	} `yaml:"breaker"`

	HTTP struct {
		Allowlist []string `yaml:"allowlist"`
	} `yaml:"http"`
}

// defaultTunables возвращает настройки по умолчанию
func defaultTunables() Tunables {
	var t Tunables
	t.Risk.WarnAt = 0.60
	t.Risk.DeriskAt = 0.70
	t.Risk.CapAt = 0.80
	t.Risk.HaltAt = 0.90
	t.Risk.TargetAfterDerisk = 0.60
	t.Risk.TargetAfterEmergency = 0.58
	t.Verify.TimeoutSec = 120
	t.Verify.PollMs = 200
	t.Backoff.MaxAttempts = 3
	t.Backoff.InitialMs = 250
	t.Backoff.MaxMs = 2000
	t.Backoff.Multiplier = 2.0
	t.Breaker.Enabled = true
	t.Breaker.MaxDailyLossPct = 5.0
	return t
}

// loadTunables читает YAML поверх значений по умолчанию.
// Пустой путь означает "файла нет", это не ошибка.
func loadTunables(path string) (Tunables, error) {
	t := defaultTunables()
	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("parse %s: %w", path, err)
	}

	return t, nil
}
