package models

import "time"

// PhaseTiming - хронометраж одной фазы аварийной остановки.
// Список фаз в отчёте упорядочен и только дописывается по ходу прогона.
type PhaseTiming struct {
	Phase       string  `json:"phase"`
	DurationSec float64 `json:"duration_sec"`
	Success     bool    `json:"success"`
}

// PanicReport - итоговый отчёт одного прогона аварийной остановки.
//
// Отчёт создаётся при trigger(), дополняется по фазам и финализируется
// в терминальном состоянии. success == true только если верификация
// подтвердила пустой аккаунт; locked == true в ЛЮБОМ терминальном исходе.
type PanicReport struct {
	RunID            string        `json:"run_id"`
	Reason           string        `json:"reason,omitempty"`
	StartedAt        time.Time     `json:"started_at"`
	EndedAt          *time.Time    `json:"ended_at,omitempty"`
	Success          bool          `json:"success"`
	Locked           bool          `json:"locked"`
	OrdersCanceled   int           `json:"orders_canceled"`
	PositionsClosed  int           `json:"positions_closed"`
	SymbolsTouched   []string      `json:"symbols_touched"`
	PhaseTimings     []PhaseTiming `json:"phase_timings"`
	Warnings         []string      `json:"warnings"`
	ErrorMessage     string        `json:"error_message,omitempty"`
	TotalDurationSec float64       `json:"total_duration_sec"`
}

// AddPhase дописывает хронометраж фазы в конец списка
func (r *PanicReport) AddPhase(phase string, d time.Duration, success bool) {
	r.PhaseTimings = append(r.PhaseTimings, PhaseTiming{
		Phase:       phase,
		DurationSec: d.Seconds(),
		Success:     success,
	})
}

// AddWarning добавляет предупреждение (ошибка по одному символу не валит прогон)
func (r *PanicReport) AddWarning(w string) {
	r.Warnings = append(r.Warnings, w)
}

// Finalize закрывает отчёт: фиксирует время окончания, длительность и исход
func (r *PanicReport) Finalize(success, locked bool) {
	now := time.Now().UTC()
	r.EndedAt = &now
	r.Success = success
	r.Locked = locked
	r.TotalDurationSec = now.Sub(r.StartedAt).Seconds()
}

// Clone возвращает глубокую копию отчёта.
// Читатели статуса получают копию, чтобы видеть согласованный снимок,
// пока идущий прогон дописывает оригинал.
func (r *PanicReport) Clone() *PanicReport {
	if r == nil {
		return nil
	}
	c := *r
	c.SymbolsTouched = append([]string(nil), r.SymbolsTouched...)
	c.PhaseTimings = append([]PhaseTiming(nil), r.PhaseTimings...)
	c.Warnings = append([]string(nil), r.Warnings...)
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	return &c
}
