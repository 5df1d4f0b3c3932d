package repository

import (
	"database/sql"
	"errors"

	"riskguard/internal/models"
)

// Ошибки репозитория риск-команд
var (
	ErrCommandNotFound = errors.New("risk command not found")
)

// CommandRepository - работа с таблицей risk_commands
//
// Таблица держит ровно одну строку (id=1) с последней опубликованной
// командой. Монитор - единственный писатель, читателей много.
// Отсутствие строки означает, что команда еще не публиковалась,
// читатели трактуют это как запрет на новые входы.
type CommandRepository struct {
	db *sql.DB
}

// NewCommandRepository создает новый экземпляр репозитория
func NewCommandRepository(db *sql.DB) *CommandRepository {
	return &CommandRepository{db: db}
}

// Publish атомарно замещает текущую команду целиком.
// Частичных обновлений нет: читатель всегда видит либо старую,
// либо новую команду, но не смесь полей.
func (r *CommandRepository) Publish(cmd *models.RiskCommand) error {
	query := `
		INSERT INTO risk_commands (id, timestamp, mode, utilization, total_equity, used_im,
			dry_run, allow_new_entries, cancel_all_orders, close_positions,
			close_fraction, target_utilization, excess_im_to_reduce, priority, message)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			timestamp = EXCLUDED.timestamp,
			mode = EXCLUDED.mode,
			utilization = EXCLUDED.utilization,
			total_equity = EXCLUDED.total_equity,
			used_im = EXCLUDED.used_im,
			dry_run = EXCLUDED.dry_run,
			allow_new_entries = EXCLUDED.allow_new_entries,
			cancel_all_orders = EXCLUDED.cancel_all_orders,
			close_positions = EXCLUDED.close_positions,
			close_fraction = EXCLUDED.close_fraction,
			target_utilization = EXCLUDED.target_utilization,
			excess_im_to_reduce = EXCLUDED.excess_im_to_reduce,
			priority = EXCLUDED.priority,
			message = EXCLUDED.message`

	_, err := r.db.Exec(query,
		cmd.Timestamp,
		cmd.Mode,
		cmd.Utilization,
		cmd.TotalEquity,
		cmd.UsedIM,
		cmd.DryRun,
		cmd.AllowNewEntries,
		cmd.CancelAllOrders,
		cmd.ClosePositions,
		cmd.CloseFraction,
		cmd.TargetUtilization,
		cmd.ExcessIMToReduce,
		cmd.Priority,
		cmd.Message,
	)

	return err
}

// Get возвращает последнюю опубликованную команду
func (r *CommandRepository) Get() (*models.RiskCommand, error) {
	query := `
		SELECT timestamp, mode, utilization, total_equity, used_im,
			dry_run, allow_new_entries, cancel_all_orders, close_positions,
			close_fraction, target_utilization, excess_im_to_reduce, priority, message
		FROM risk_commands
		WHERE id = 1`

	cmd := &models.RiskCommand{}
	err := r.db.QueryRow(query).Scan(
		&cmd.Timestamp,
		&cmd.Mode,
		&cmd.Utilization,
		&cmd.TotalEquity,
		&cmd.UsedIM,
		&cmd.DryRun,
		&cmd.AllowNewEntries,
		&cmd.CancelAllOrders,
		&cmd.ClosePositions,
		&cmd.CloseFraction,
		&cmd.TargetUtilization,
		&cmd.ExcessIMToReduce,
		&cmd.Priority,
		&cmd.Message,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCommandNotFound
		}
		return nil, err
	}

	return cmd, nil
}

// GetMode возвращает только режим последней команды
func (r *CommandRepository) GetMode() (models.RiskMode, error) {
	query := `SELECT mode FROM risk_commands WHERE id = 1`

	var mode models.RiskMode
	err := r.db.QueryRow(query).Scan(&mode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrCommandNotFound
		}
		return "", err
	}

	return mode, nil
}
