package repository

import (
	"database/sql"
	"errors"
	"time"

	"riskguard/internal/models"
)

// Ошибки репозитория замка
var (
	ErrLockNotFound = errors.New("lock state not found")
)

// LockRepository - работа с таблицей panic_locks
//
// Одна строка (id=1) держит и замок счёта (armed), и независимый флаг
// запрета торговли (trading_disabled). Замок влечет запрет торговли,
// обратное неверно: дневной стоп-лосс запрещает торговлю, не ставя замок.
type LockRepository struct {
	db *sql.DB
}

// NewLockRepository создает новый экземпляр репозитория
func NewLockRepository(db *sql.DB) *LockRepository {
	return &LockRepository{db: db}
}

// Get возвращает текущее состояние замка
func (r *LockRepository) Get() (*models.LockState, error) {
	query := `
		SELECT armed, armed_at, reason, trading_disabled, disabled_reason, updated_at
		FROM panic_locks
		WHERE id = 1`

	state := &models.LockState{}
	err := r.db.QueryRow(query).Scan(
		&state.Armed,
		&state.ArmedAt,
		&state.Reason,
		&state.TradingDisabled,
		&state.DisabledReason,
		&state.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Если строки нет, создаем ее в исходном состоянии
			return r.createDefault()
		}
		return nil, err
	}

	return state, nil
}

// Arm ставит замок и запрет торговли одним стейтментом.
// Работает и при отсутствии строки: постановка замка не должна
// зависеть от состояния таблицы.
func (r *LockRepository) Arm(reason string) error {
	query := `
		INSERT INTO panic_locks (id, armed, armed_at, reason, trading_disabled, disabled_reason, updated_at)
		VALUES (1, true, $1, $2, true, $2, $1)
		ON CONFLICT (id) DO UPDATE SET
			armed = true,
			armed_at = EXCLUDED.armed_at,
			reason = EXCLUDED.reason,
			trading_disabled = true,
			disabled_reason = EXCLUDED.disabled_reason,
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.Exec(query, time.Now(), reason)
	return err
}

// ClearLock снимает замок и запрет торговли после успешного reset.
// Дневной стоп-лосс, если его порог все еще превышен, снова выставит
// запрет на ближайшем цикле проверки.
func (r *LockRepository) ClearLock() error {
	query := `
		UPDATE panic_locks
		SET armed = false, armed_at = NULL, reason = '',
			trading_disabled = false, disabled_reason = '', updated_at = $1
		WHERE id = 1`

	result, err := r.db.Exec(query, time.Now())
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrLockNotFound
	}

	return nil
}

// SetTradingDisabled выставляет или снимает запрет торговли, не трогая замок.
// Для заблокированного счёта (armed) запрет остается в силе независимо
// от переданного значения.
func (r *LockRepository) SetTradingDisabled(disabled bool, reason string) error {
	query := `
		INSERT INTO panic_locks (id, armed, armed_at, reason, trading_disabled, disabled_reason, updated_at)
		VALUES (1, false, NULL, '', $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			trading_disabled = (panic_locks.armed OR EXCLUDED.trading_disabled),
			disabled_reason = EXCLUDED.disabled_reason,
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.Exec(query, disabled, reason, time.Now())
	return err
}

// TradingAllowed сообщает, разрешена ли сейчас торговля
func (r *LockRepository) TradingAllowed() (bool, error) {
	state, err := r.Get()
	if err != nil {
		return false, err
	}

	return state.TradingAllowed(), nil
}

// createDefault создает строку замка в исходном состоянии
func (r *LockRepository) createDefault() (*models.LockState, error) {
	state := &models.LockState{
		Armed:           false,
		TradingDisabled: false,
		UpdatedAt:       time.Now(),
	}

	query := `
		INSERT INTO panic_locks (id, armed, armed_at, reason, trading_disabled, disabled_reason, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`

	_, err := r.db.Exec(query,
		state.Armed,
		state.ArmedAt,
		state.Reason,
		state.TradingDisabled,
		state.DisabledReason,
		state.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return state, nil
}
