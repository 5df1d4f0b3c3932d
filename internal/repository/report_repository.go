package repository

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"riskguard/internal/models"
)

// Ошибки репозитория отчетов
var (
	ErrReportNotFound = errors.New("panic report not found")
)

// ReportRepository - работа с таблицей panic_reports
type ReportRepository struct {
	db *sql.DB
}

// NewReportRepository создает новый экземпляр репозитория
func NewReportRepository(db *sql.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

// Save вставляет отчет о прогоне или замещает существующий по run_id.
// Оркестратор сохраняет отчет при входе в прогон и при каждом
// завершении фазы, так что после падения процесса в журнале остается
// последнее достигнутое состояние.
func (r *ReportRepository) Save(report *models.PanicReport) error {
	symbolsJSON, err := json.Marshal(report.SymbolsTouched)
	if err != nil {
		return err
	}

	timingsJSON, err := json.Marshal(report.PhaseTimings)
	if err != nil {
		return err
	}

	warningsJSON, err := json.Marshal(report.Warnings)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO panic_reports (run_id, reason, started_at, ended_at, success, locked,
			orders_canceled, positions_closed, symbols_touched, phase_timings, warnings,
			error_message, total_duration_sec)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (run_id) DO UPDATE SET
			reason = EXCLUDED.reason,
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at,
			success = EXCLUDED.success,
			locked = EXCLUDED.locked,
			orders_canceled = EXCLUDED.orders_canceled,
			positions_closed = EXCLUDED.positions_closed,
			symbols_touched = EXCLUDED.symbols_touched,
			phase_timings = EXCLUDED.phase_timings,
			warnings = EXCLUDED.warnings,
			error_message = EXCLUDED.error_message,
			total_duration_sec = EXCLUDED.total_duration_sec`

	_, err = r.db.Exec(query,
		report.RunID,
		report.Reason,
		report.StartedAt,
		report.EndedAt,
		report.Success,
		report.Locked,
		report.OrdersCanceled,
		report.PositionsClosed,
		symbolsJSON,
		timingsJSON,
		warningsJSON,
		report.ErrorMessage,
		report.TotalDurationSec,
	)

	return err
}

// GetLatest возвращает отчет о последнем прогоне
func (r *ReportRepository) GetLatest() (*models.PanicReport, error) {
	query := `
		SELECT run_id, reason, started_at, ended_at, success, locked,
			orders_canceled, positions_closed, symbols_touched, phase_timings, warnings,
			error_message, total_duration_sec
		FROM panic_reports
		ORDER BY started_at DESC
		LIMIT 1`

	report := &models.PanicReport{}
	var symbolsJSON, timingsJSON, warningsJSON []byte
	err := r.db.QueryRow(query).Scan(
		&report.RunID,
		&report.Reason,
		&report.StartedAt,
		&report.EndedAt,
		&report.Success,
		&report.Locked,
		&report.OrdersCanceled,
		&report.PositionsClosed,
		&symbolsJSON,
		&timingsJSON,
		&warningsJSON,
		&report.ErrorMessage,
		&report.TotalDurationSec,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrReportNotFound
		}
		return nil, err
	}

	if err := unmarshalReportJSON(report, symbolsJSON, timingsJSON, warningsJSON); err != nil {
		return nil, err
	}

	return report, nil
}

// GetByRunID возвращает отчет конкретного прогона
func (r *ReportRepository) GetByRunID(runID string) (*models.PanicReport, error) {
	query := `
		SELECT run_id, reason, started_at, ended_at, success, locked,
			orders_canceled, positions_closed, symbols_touched, phase_timings, warnings,
			error_message, total_duration_sec
		FROM panic_reports
		WHERE run_id = $1`

	report := &models.PanicReport{}
	var symbolsJSON, timingsJSON, warningsJSON []byte
	err := r.db.QueryRow(query, runID).Scan(
		&report.RunID,
		&report.Reason,
		&report.StartedAt,
		&report.EndedAt,
		&report.Success,
		&report.Locked,
		&report.OrdersCanceled,
		&report.PositionsClosed,
		&symbolsJSON,
		&timingsJSON,
		&warningsJSON,
		&report.ErrorMessage,
		&report.TotalDurationSec,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrReportNotFound
		}
		return nil, err
	}

	if err := unmarshalReportJSON(report, symbolsJSON, timingsJSON, warningsJSON); err != nil {
		return nil, err
	}

	return report, nil
}

// GetRecent возвращает последние N отчетов
func (r *ReportRepository) GetRecent(limit int) ([]*models.PanicReport, error) {
	query := `
		SELECT run_id, reason, started_at, ended_at, success, locked,
			orders_canceled, positions_closed, symbols_touched, phase_timings, warnings,
			error_message, total_duration_sec
		FROM panic_reports
		ORDER BY started_at DESC
		LIMIT $1`

	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []*models.PanicReport
	for rows.Next() {
		report := &models.PanicReport{}
		var symbolsJSON, timingsJSON, warningsJSON []byte
		err := rows.Scan(
			&report.RunID,
			&report.Reason,
			&report.StartedAt,
			&report.EndedAt,
			&report.Success,
			&report.Locked,
			&report.OrdersCanceled,
			&report.PositionsClosed,
			&symbolsJSON,
			&timingsJSON,
			&warningsJSON,
			&report.ErrorMessage,
			&report.TotalDurationSec,
		)
		if err != nil {
			return nil, err
		}

		if err := unmarshalReportJSON(report, symbolsJSON, timingsJSON, warningsJSON); err != nil {
			return nil, err
		}

		reports = append(reports, report)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return reports, nil
}

// Count возвращает общее количество отчетов
func (r *ReportRepository) Count() (int, error) {
	query := `SELECT COUNT(*) FROM panic_reports`

	var count int
	err := r.db.QueryRow(query).Scan(&count)
	if err != nil {
		return 0, err
	}

	return count, nil
}

// DeleteOlderThan удаляет отчеты, начатые раньше указанной даты
func (r *ReportRepository) DeleteOlderThan(timestamp time.Time) (int64, error) {
	query := `DELETE FROM panic_reports WHERE started_at < $1`

	result, err := r.db.Exec(query, timestamp)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// unmarshalReportJSON десериализует JSONB-колонки отчета
func unmarshalReportJSON(report *models.PanicReport, symbolsJSON, timingsJSON, warningsJSON []byte) error {
	if len(symbolsJSON) > 0 {
		if err := json.Unmarshal(symbolsJSON, &report.SymbolsTouched); err != nil {
			return err
		}
	}

	if len(timingsJSON) > 0 {
		if err := json.Unmarshal(timingsJSON, &report.PhaseTimings); err != nil {
			return err
		}
	}

	if len(warningsJSON) > 0 {
		if err := json.Unmarshal(warningsJSON, &report.Warnings); err != nil {
			return err
		}
	}

	return nil
}
