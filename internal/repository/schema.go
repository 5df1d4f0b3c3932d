package repository

import (
	"database/sql"
	"fmt"
)

// Таблицы подсистемы защиты счёта:
//
//   - risk_commands: единственная строка (id=1) с последней опубликованной
//     риск-командой; отсутствие строки означает, что команда еще не публиковалась
//   - panic_locks: единственная строка (id=1) с замком счёта и независимым
//     флагом запрета торговли
//   - panic_reports: журнал аварийных прогонов
//
// Все стейтменты идемпотентны, InitSchema вызывается при каждом старте.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS risk_commands (
		id INT PRIMARY KEY DEFAULT 1,
		timestamp TIMESTAMP NOT NULL,
		mode VARCHAR(20) NOT NULL,
		utilization DECIMAL(10, 6) NOT NULL DEFAULT 0,
		total_equity DECIMAL(20, 8) NOT NULL DEFAULT 0,
		used_im DECIMAL(20, 8) NOT NULL DEFAULT 0,
		dry_run BOOLEAN NOT NULL DEFAULT false,
		allow_new_entries BOOLEAN NOT NULL DEFAULT true,
		cancel_all_orders BOOLEAN NOT NULL DEFAULT false,
		close_positions BOOLEAN NOT NULL DEFAULT false,
		close_fraction DECIMAL(10, 4) NOT NULL DEFAULT 0,
		target_utilization DECIMAL(10, 6) NOT NULL DEFAULT 0,
		excess_im_to_reduce DECIMAL(20, 8) NOT NULL DEFAULT 0,
		priority VARCHAR(20) NOT NULL DEFAULT 'NONE',
		message TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS panic_locks (
		id INT PRIMARY KEY DEFAULT 1,
		armed BOOLEAN NOT NULL DEFAULT false,
		armed_at TIMESTAMP,
		reason TEXT NOT NULL DEFAULT '',
		trading_disabled BOOLEAN NOT NULL DEFAULT false,
		disabled_reason TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS panic_reports (
		id SERIAL PRIMARY KEY,
		run_id VARCHAR(64) UNIQUE NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP,
		success BOOLEAN NOT NULL DEFAULT false,
		locked BOOLEAN NOT NULL DEFAULT false,
		orders_canceled INT NOT NULL DEFAULT 0,
		positions_closed INT NOT NULL DEFAULT 0,
		symbols_touched JSONB NOT NULL DEFAULT '[]',
		phase_timings JSONB NOT NULL DEFAULT '[]',
		warnings JSONB NOT NULL DEFAULT '[]',
		error_message TEXT NOT NULL DEFAULT '',
		total_duration_sec DECIMAL(12, 3) NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_panic_reports_started_at ON panic_reports (started_at DESC)`,
	`INSERT INTO panic_locks (id) VALUES (1) ON CONFLICT (id) DO NOTHING`,
}

// InitSchema создает таблицы подсистемы, если их еще нет
func InitSchema(db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}

	return nil
}
