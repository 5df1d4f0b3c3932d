//go:build integration

// Package integration contains integration tests for the account-safety service.
//
// Database Integration Tests
// These tests verify the persistence layer against a real Postgres:
// - Schema creation and idempotency
// - Single-row discipline of the lock and command stores
// - Report journal round-trips including JSONB payloads
// - Concurrent store access
//
// Run with: go test -tags=integration ./tests/integration/...
package integration

import (
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"riskguard/internal/models"
	"riskguard/internal/repository"
)

func setupRepos(t *testing.T) (*sql.DB, func()) {
	db, cleanup := SetupTestDB(t)
	if db == nil {
		return nil, func() {}
	}
	if err := repository.InitSchema(db); err != nil {
		cleanup()
		t.Skipf("Skipping integration test: cannot initialize schema: %v", err)
		return nil, func() {}
	}
	resetTables(db)
	return db, func() {
		resetTables(db)
		cleanup()
	}
}

// ============================================================
// Schema Tests
// ============================================================

func TestDatabase_SchemaCreation_Integration(t *testing.T) {
	db, cleanup := setupRepos(t)
	if db == nil {
		t.Skip("Skipping: database not available")
	}
	defer cleanup()

	tables := []string{"risk_commands", "panic_locks", "panic_reports"}
	for _, table := range tables {
		t.Run("table_"+table+"_exists", func(t *testing.T) {
			var exists bool
			err := db.QueryRow(`
				SELECT EXISTS (
					SELECT FROM information_schema.tables
					WHERE table_name = $1
				)
			`, table).Scan(&exists)
			if err != nil {
				t.Fatalf("failed to check table existence: %v", err)
			}
			if !exists {
				t.Errorf("table %s does not exist", table)
			}
		})
	}

	t.Run("init is idempotent", func(t *testing.T) {
		if err := repository.InitSchema(db); err != nil {
			t.Errorf("second InitSchema() error = %v", err)
		}
	})

	t.Run("lock row is seeded", func(t *testing.T) {
		var count int
		if err := db.QueryRow(`SELECT COUNT(*) FROM panic_locks`).Scan(&count); err != nil {
			t.Fatalf("failed to count lock rows: %v", err)
		}
		if count != 1 {
			t.Errorf("panic_locks rows = %d, want exactly 1", count)
		}
	})
}

// ============================================================
// Lock Store Tests
// ============================================================

func TestLockRepository_Integration(t *testing.T) {
	db, cleanup := setupRepos(t)
	if db == nil {
		t.Skip("Skipping: database not available")
	}
	defer cleanup()

	locks := repository.NewLockRepository(db)

	t.Run("pristine state allows trading", func(t *testing.T) {
		state, err := locks.Get()
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if state.Armed || state.TradingDisabled {
			t.Errorf("pristine lock: armed=%v disabled=%v, want both false", state.Armed, state.TradingDisabled)
		}
		allowed, err := locks.TradingAllowed()
		if err != nil {
			t.Fatalf("TradingAllowed() error = %v", err)
		}
		if !allowed {
			t.Error("TradingAllowed() = false on pristine state")
		}
	})

	t.Run("arm and clear round-trip", func(t *testing.T) {
		if err := locks.Arm("margin spike"); err != nil {
			t.Fatalf("Arm() error = %v", err)
		}

		state, err := locks.Get()
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if !state.Armed {
			t.Error("Armed = false after Arm()")
		}
		if state.ArmedAt == nil {
			t.Error("ArmedAt is nil after Arm()")
		}
		if state.Reason != "margin spike" {
			t.Errorf("Reason = %q, want margin spike", state.Reason)
		}

		allowed, _ := locks.TradingAllowed()
		if allowed {
			t.Error("TradingAllowed() = true while armed")
		}

		if err := locks.ClearLock(); err != nil {
			t.Fatalf("ClearLock() error = %v", err)
		}
		state, _ = locks.Get()
		if state.Armed {
			t.Error("Armed = true after ClearLock()")
		}
	})

	t.Run("trading flag is independent of the lock", func(t *testing.T) {
		if err := locks.SetTradingDisabled(true, "daily loss limit"); err != nil {
			t.Fatalf("SetTradingDisabled() error = %v", err)
		}

		state, _ := locks.Get()
		if state.Armed {
			t.Error("disabling trading must not arm the lock")
		}
		if !state.TradingDisabled || state.DisabledReason != "daily loss limit" {
			t.Errorf("disabled=%v reason=%q, want flag set with reason", state.TradingDisabled, state.DisabledReason)
		}

		if err := locks.SetTradingDisabled(false, ""); err != nil {
			t.Fatalf("SetTradingDisabled(false) error = %v", err)
		}
		allowed, _ := locks.TradingAllowed()
		if !allowed {
			t.Error("TradingAllowed() = false after re-enabling")
		}
	})

	t.Run("repeated arming keeps a single row", func(t *testing.T) {
		locks.Arm("first")
		locks.Arm("second")

		var count int
		db.QueryRow(`SELECT COUNT(*) FROM panic_locks`).Scan(&count)
		if count != 1 {
			t.Errorf("panic_locks rows = %d, want 1", count)
		}

		state, _ := locks.Get()
		if state.Reason != "second" {
			t.Errorf("Reason = %q, want the latest one", state.Reason)
		}
		locks.ClearLock()
	})
}

// ============================================================
// Report Journal Tests
// ============================================================

func sampleReport(runID string, startedAt time.Time, success bool) *models.PanicReport {
	ended := startedAt.Add(3 * time.Second)
	report := &models.PanicReport{
		RunID:           runID,
		Reason:          "integration",
		StartedAt:       startedAt,
		EndedAt:         &ended,
		Success:         success,
		Locked:          true,
		OrdersCanceled:  3,
		PositionsClosed: 2,
		SymbolsTouched:  []string{"BTCUSDT", "ETHUSDT"},
		PhaseTimings: []models.PhaseTiming{
			{Phase: "DISABLING", DurationSec: 0.01, Success: true},
			{Phase: "CANCELING", DurationSec: 0.42, Success: true},
			{Phase: "FLATTENING", DurationSec: 1.87, Success: success},
			{Phase: "VERIFYING", DurationSec: 0.65, Success: success},
		},
		Warnings:         []string{},
		TotalDurationSec: 3.0,
	}
	if !success {
		report.ErrorMessage = "verify timeout"
	}
	return report
}

func TestReportRepository_Integration(t *testing.T) {
	db, cleanup := setupRepos(t)
	if db == nil {
		t.Skip("Skipping: database not available")
	}
	defer cleanup()

	reports := repository.NewReportRepository(db)
	base := time.Now().UTC().Truncate(time.Second)

	t.Run("save and load by run id", func(t *testing.T) {
		saved := sampleReport("run-db-1", base, true)
		if err := reports.Save(saved); err != nil {
			t.Fatalf("Save() error = %v", err)
		}

		loaded, err := reports.GetByRunID("run-db-1")
		if err != nil {
			t.Fatalf("GetByRunID() error = %v", err)
		}
		if loaded.OrdersCanceled != 3 || loaded.PositionsClosed != 2 {
			t.Errorf("counters = %d/%d, want 3/2", loaded.OrdersCanceled, loaded.PositionsClosed)
		}
		if len(loaded.PhaseTimings) != 4 {
			t.Fatalf("PhaseTimings length = %d, want 4", len(loaded.PhaseTimings))
		}
		if loaded.PhaseTimings[2].Phase != "FLATTENING" {
			t.Errorf("phase order not preserved: %+v", loaded.PhaseTimings)
		}
		if len(loaded.SymbolsTouched) != 2 {
			t.Errorf("SymbolsTouched = %v, want 2 symbols", loaded.SymbolsTouched)
		}
		if loaded.EndedAt == nil {
			t.Error("EndedAt lost in round-trip")
		}
	})

	t.Run("missing run id returns the sentinel", func(t *testing.T) {
		_, err := reports.GetByRunID("run-missing")
		if !errors.Is(err, repository.ErrReportNotFound) {
			t.Errorf("error = %v, want ErrReportNotFound", err)
		}
	})

	t.Run("save twice updates in place", func(t *testing.T) {
		updated := sampleReport("run-db-1", base, false)
		updated.OrdersCanceled = 5
		if err := reports.Save(updated); err != nil {
			t.Fatalf("second Save() error = %v", err)
		}

		loaded, _ := reports.GetByRunID("run-db-1")
		if loaded.OrdersCanceled != 5 {
			t.Errorf("OrdersCanceled = %d after update, want 5", loaded.OrdersCanceled)
		}
		count, _ := reports.Count()
		if count != 1 {
			t.Errorf("Count() = %d after in-place update, want 1", count)
		}
	})

	t.Run("recent returns newest first", func(t *testing.T) {
		reports.Save(sampleReport("run-db-2", base.Add(time.Minute), true))
		reports.Save(sampleReport("run-db-3", base.Add(2*time.Minute), true))

		recent, err := reports.GetRecent(2)
		if err != nil {
			t.Fatalf("GetRecent() error = %v", err)
		}
		if len(recent) != 2 {
			t.Fatalf("GetRecent(2) returned %d reports", len(recent))
		}
		if recent[0].RunID != "run-db-3" || recent[1].RunID != "run-db-2" {
			t.Errorf("order = %s, %s; want run-db-3, run-db-2", recent[0].RunID, recent[1].RunID)
		}

		latest, err := reports.GetLatest()
		if err != nil {
			t.Fatalf("GetLatest() error = %v", err)
		}
		if latest.RunID != "run-db-3" {
			t.Errorf("GetLatest() = %s, want run-db-3", latest.RunID)
		}
	})

	t.Run("prune removes only old reports", func(t *testing.T) {
		removed, err := reports.DeleteOlderThan(base.Add(30 * time.Second))
		if err != nil {
			t.Fatalf("DeleteOlderThan() error = %v", err)
		}
		if removed != 1 {
			t.Errorf("removed = %d, want 1 (only run-db-1)", removed)
		}
		count, _ := reports.Count()
		if count != 2 {
			t.Errorf("Count() = %d after prune, want 2", count)
		}
	})
}

// ============================================================
// Command Store Tests
// ============================================================

func TestCommandRepository_Integration(t *testing.T) {
	db, cleanup := setupRepos(t)
	if db == nil {
		t.Skip("Skipping: database not available")
	}
	defer cleanup()

	commands := repository.NewCommandRepository(db)

	t.Run("empty store returns the sentinel", func(t *testing.T) {
		_, err := commands.Get()
		if !errors.Is(err, repository.ErrCommandNotFound) {
			t.Errorf("Get() error = %v, want ErrCommandNotFound", err)
		}
		_, err = commands.GetMode()
		if !errors.Is(err, repository.ErrCommandNotFound) {
			t.Errorf("GetMode() error = %v, want ErrCommandNotFound", err)
		}
	})

	t.Run("publish and read round-trip", func(t *testing.T) {
		cmd := &models.RiskCommand{
			Timestamp:         time.Now().UTC().Truncate(time.Second),
			Mode:              models.ModeDerisk,
			Utilization:       0.74,
			TotalEquity:       10000,
			UsedIM:            7400,
			AllowNewEntries:   false,
			CancelAllOrders:   true,
			ClosePositions:    true,
			CloseFraction:     0.2,
			TargetUtilization: 0.60,
			ExcessIMToReduce:  1400,
			Priority:          models.PriorityHigh,
			Message:           "Margin utilization 74.0% in DERISK band",
		}
		if err := commands.Publish(cmd); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}

		loaded, err := commands.Get()
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if loaded.Mode != models.ModeDerisk || loaded.Priority != models.PriorityHigh {
			t.Errorf("mode=%s priority=%s, want DERISK/HIGH", loaded.Mode, loaded.Priority)
		}
		if loaded.Utilization < 0.739 || loaded.Utilization > 0.741 {
			t.Errorf("Utilization = %v, want 0.74", loaded.Utilization)
		}
		if loaded.AllowNewEntries {
			t.Error("AllowNewEntries = true, want false")
		}
		if loaded.CloseFraction != 0.2 {
			t.Errorf("CloseFraction = %v, want 0.2", loaded.CloseFraction)
		}
		if loaded.Message != cmd.Message {
			t.Errorf("Message = %q, want round-trip", loaded.Message)
		}
	})

	t.Run("publish overwrites the single row", func(t *testing.T) {
		halt := models.ConservativeCommand("3 consecutive failures")
		if err := commands.Publish(halt); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}

		var count int
		db.QueryRow(`SELECT COUNT(*) FROM risk_commands`).Scan(&count)
		if count != 1 {
			t.Errorf("risk_commands rows = %d, want 1", count)
		}

		mode, err := commands.GetMode()
		if err != nil {
			t.Fatalf("GetMode() error = %v", err)
		}
		if mode != models.ModeShutdown {
			t.Errorf("GetMode() = %s, want SHUTDOWN", mode)
		}
	})
}

func TestCommandRepository_Concurrent_Integration(t *testing.T) {
	db, cleanup := setupRepos(t)
	if db == nil {
		t.Skip("Skipping: database not available")
	}
	defer cleanup()

	commands := repository.NewCommandRepository(db)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			cmd := &models.RiskCommand{
				Timestamp:       time.Now().UTC(),
				Mode:            models.ModeNormal,
				Utilization:     float64(n) / 100,
				AllowNewEntries: true,
			}
			if err := commands.Publish(cmd); err != nil {
				t.Errorf("concurrent Publish() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	var count int
	db.QueryRow(`SELECT COUNT(*) FROM risk_commands`).Scan(&count)
	if count != 1 {
		t.Errorf("risk_commands rows = %d after concurrent publishes, want 1", count)
	}

	if _, err := commands.Get(); err != nil {
		t.Errorf("Get() after concurrent publishes error = %v", err)
	}
}
