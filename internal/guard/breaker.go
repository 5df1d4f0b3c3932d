package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"riskguard/internal/alert"
	"riskguard/internal/models"
	"riskguard/pkg/utils"
)

// ============================================================
// Дневной ограничитель потерь
// ============================================================

// BreakerConfig - конфигурация дневного ограничителя потерь
type BreakerConfig struct {
	// Выключенный ограничитель игнорирует наблюдения и не трогает флаг торговли
	Enabled bool

	// Максимальная дневная просадка в процентах от якорного капитала
	MaxDailyLossPct float64
}

// DefaultBreakerConfig возвращает конфигурацию по умолчанию
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:         true,
		MaxDailyLossPct: 5.0,
	}
}

// DailyBreaker следит за дневной просадкой капитала и запрещает торговлю
// до конца UTC-дня при превышении лимита.
//
// Якорь просадки - первый наблюденный капитал каждого UTC-дня.
// Ограничитель выставляет только флаг запрета торговли и никогда не
// взводит аварийный замок: просадка - повод перестать открываться,
// а не эвакуировать позиции. Хранилище замка само не дает снять запрет,
// пока замок взведен, поэтому снятие в новый день безопасно в любом
// состоянии.
type DailyBreaker struct {
	locks  LockStore
	alerts alert.Sink
	hub    Broadcaster
	logger *utils.Logger
	config BreakerConfig

	mu           sync.Mutex
	anchorDay    time.Time
	anchorEquity float64
	tripped      bool
	tripDay      time.Time
	lastDrawdown float64
}

// NewDailyBreaker создает ограничитель. Наблюдения поступают через
// Observe, обычно подписанный на монитор риска через Monitor.OnState.
func NewDailyBreaker(
	locks LockStore,
	alerts alert.Sink,
	hub Broadcaster,
	config BreakerConfig,
) *DailyBreaker {
	if config.MaxDailyLossPct <= 0 {
		config.MaxDailyLossPct = 5.0
	}
	return &DailyBreaker{
		locks:  locks,
		alerts: alerts,
		hub:    hub,
		logger: utils.L().WithComponent("breaker"),
		config: config,
	}
}

// Observe обрабатывает очередной снимок маржинального состояния.
// Время берется из снимка: смену UTC-дня определяют данные,
// а не момент вызова. Вызывается из одной горутины монитора.
func (b *DailyBreaker) Observe(state *models.AccountMarginState) {
	if !b.config.Enabled || state == nil || state.TotalEquity <= 0 {
		return
	}
	now := state.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}

	b.mu.Lock()
	if b.anchorDay.IsZero() || !utils.IsSameUTCDay(b.anchorDay, now) {
		b.anchorDay = utils.GetDayStartFrom(now)
		b.anchorEquity = state.TotalEquity
		b.logger.Info("якорь дневного капитала установлен",
			utils.String("day", b.anchorDay.Format("2006-01-02")),
			utils.Equity(b.anchorEquity))
	}
	drawdown := utils.CalculateDrawdownPct(b.anchorEquity, state.TotalEquity)
	b.lastDrawdown = drawdown
	tripped := b.tripped
	staleTrip := tripped && !utils.IsSameUTCDay(b.tripDay, now)
	b.mu.Unlock()

	UpdateBreaker(drawdown, tripped)

	switch {
	case staleTrip:
		b.lift(drawdown)
	case tripped:
		// Стоим до конца UTC-дня, восстановление капитала флаг не снимает
	case drawdown >= b.config.MaxDailyLossPct:
		b.trip(now, drawdown)
	}
}

// trip запрещает торговлю до конца UTC-дня. Флаг tripped взводится
// только после успешной записи: при ошибке хранилища следующий опрос
// повторит попытку.
func (b *DailyBreaker) trip(now time.Time, drawdown float64) {
	reason := fmt.Sprintf("Daily loss %.2f%% exceeded limit %.2f%%", drawdown, b.config.MaxDailyLossPct)
	if err := b.locks.SetTradingDisabled(true, reason); err != nil {
		b.logger.Error("не удалось запретить торговлю", utils.Err(err))
		return
	}

	b.mu.Lock()
	b.tripped = true
	b.tripDay = utils.GetDayStartFrom(now)
	b.mu.Unlock()

	UpdateBreaker(drawdown, true)
	b.broadcastFlag(true, reason)
	b.logger.Error("дневной лимит потерь превышен, торговля запрещена",
		utils.Float64("drawdown_pct", drawdown),
		utils.Float64("limit_pct", b.config.MaxDailyLossPct))
	b.sendAlert(fmt.Sprintf(
		"🛑 DAILY LOSS LIMIT HIT\nDrawdown: %.2f%% (limit %.2f%%)\nTrading disabled until next UTC day",
		drawdown, b.config.MaxDailyLossPct))
}

// lift снимает запрет с началом нового UTC-дня. При ошибке хранилища
// tripped остается взведенным и следующий опрос повторит снятие.
func (b *DailyBreaker) lift(drawdown float64) {
	if err := b.locks.SetTradingDisabled(false, ""); err != nil {
		b.logger.Error("не удалось снять запрет торговли", utils.Err(err))
		return
	}

	b.mu.Lock()
	b.tripped = false
	b.tripDay = time.Time{}
	b.mu.Unlock()

	UpdateBreaker(drawdown, false)
	b.broadcastFlag(false, "")
	b.logger.Warn("дневной лимит потерь снят, начался новый UTC-день")
	b.sendAlert("✅ DAILY LOSS BREAKER RESET\nNew UTC day, trading re-enabled")
}

func (b *DailyBreaker) broadcastFlag(disabled bool, reason string) {
	if b.hub == nil {
		return
	}
	b.hub.BroadcastEvent("trading_flag", map[string]interface{}{
		"trading_disabled": disabled,
		"reason":           reason,
	})
	RecordWSEvent("trading_flag")
}

func (b *DailyBreaker) sendAlert(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.alerts.Send(ctx, text); err != nil {
		b.logger.Warn("не удалось отправить уведомление", utils.Err(err))
	}
}

// BreakerStatus - моментальный снимок состояния ограничителя
type BreakerStatus struct {
	Enabled         bool    `json:"enabled"`
	Tripped         bool    `json:"tripped"`
	AnchorDay       string  `json:"anchor_day,omitempty"`
	AnchorEquity    float64 `json:"anchor_equity,omitempty"`
	DrawdownPct     float64 `json:"drawdown_pct"`
	MaxDailyLossPct float64 `json:"max_daily_loss_pct"`
}

// Status возвращает моментальный снимок для статусного эндпоинта
func (b *DailyBreaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := BreakerStatus{
		Enabled:         b.config.Enabled,
		Tripped:         b.tripped,
		AnchorEquity:    b.anchorEquity,
		DrawdownPct:     b.lastDrawdown,
		MaxDailyLossPct: b.config.MaxDailyLossPct,
	}
	if !b.anchorDay.IsZero() {
		st.AnchorDay = b.anchorDay.Format("2006-01-02")
	}
	return st
}
