//go:build integration

// Package integration contains integration tests for the account-safety service.
//
// These tests verify the correct interaction between components:
// - API integration tests: full HTTP request cycle through real services and Postgres
// - WebSocket tests: connection, broadcast messaging, panic event stream
// - Database tests: schema, single-row store discipline, report journal
//
// The exchange gateway is the only faked component: it serves scripted
// positions, orders and margin snapshots so a panic run can execute end
// to end without a venue.
//
// Integration tests use build tag "integration" to separate from unit tests.
// Run with: go test -tags=integration ./tests/integration/...
package integration

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"riskguard/internal/alert"
	"riskguard/internal/api"
	"riskguard/internal/exchange"
	"riskguard/internal/guard"
	"riskguard/internal/models"
	"riskguard/internal/repository"
	"riskguard/internal/service"
	"riskguard/internal/websocket"

	_ "github.com/lib/pq"
)

// TestConfig contains database configuration for integration tests
type TestConfig struct {
	DBDriver   string
	DBHost     string
	DBPort     string
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string
}

// getTestConfig returns configuration from environment variables or defaults
func getTestConfig() TestConfig {
	return TestConfig{
		DBDriver:   getEnv("TEST_DB_DRIVER", "postgres"),
		DBHost:     getEnv("TEST_DB_HOST", "localhost"),
		DBPort:     getEnv("TEST_DB_PORT", "5432"),
		DBName:     getEnv("TEST_DB_NAME", "riskguard_test"),
		DBUser:     getEnv("TEST_DB_USER", "postgres"),
		DBPassword: getEnv("TEST_DB_PASSWORD", "postgres"),
		DBSSLMode:  getEnv("TEST_DB_SSLMODE", "disable"),
	}
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// SetupTestDB creates a test database connection, skipping the test
// when no database is reachable
func SetupTestDB(t *testing.T) (*sql.DB, func()) {
	config := getTestConfig()

	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		config.DBHost, config.DBPort, config.DBUser, config.DBPassword, config.DBName, config.DBSSLMode,
	)

	db, err := sql.Open(config.DBDriver, connStr)
	if err != nil {
		t.Skipf("Skipping integration test: cannot connect to database: %v", err)
		return nil, func() {}
	}

	if err := db.Ping(); err != nil {
		t.Skipf("Skipping integration test: cannot ping database: %v", err)
		return nil, func() {}
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	cleanup := func() {
		if err := db.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
	}

	return db, cleanup
}

// resetTables returns the safety stores to their pristine single-row state
func resetTables(db *sql.DB) {
	db.Exec(`DELETE FROM panic_reports`)
	db.Exec(`DELETE FROM risk_commands`)
	db.Exec(`UPDATE panic_locks
		SET armed = false, armed_at = NULL, reason = '',
		    trading_disabled = false, disabled_reason = '', updated_at = NOW()
		WHERE id = 1`)
}

// ============================================================
// Fake exchange gateway
// ============================================================

// fakeGateway is a scriptable in-memory exchange.Gateway.
// Cancel empties the order book, reduce-only market orders shrink
// positions, and the margin snapshot is whatever the test set last.
type fakeGateway struct {
	mu        sync.Mutex
	positions []exchange.Position
	orders    []exchange.Order
	margin    models.AccountMarginState

	// stuck positions survive flatten orders, driving verify to timeout
	stuck bool

	posCallback   func(*exchange.Position)
	orderCallback func(*exchange.Order)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		margin: models.AccountMarginState{
			TotalEquity:       10000,
			UsedInitialMargin: 3000,
			FreeMargin:        7000,
			Utilization:       0.30,
			Timestamp:         time.Now().UTC(),
		},
	}
}

func (g *fakeGateway) Name() string { return "fake" }

func (g *fakeGateway) GetMarginState(ctx context.Context) (*models.AccountMarginState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	snapshot := g.margin
	snapshot.Timestamp = time.Now().UTC()
	return &snapshot, nil
}

func (g *fakeGateway) ListOpenOrders(ctx context.Context) ([]exchange.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]exchange.Order, len(g.orders))
	copy(out, g.orders)
	return out, nil
}

func (g *fakeGateway) CancelAllOrders(ctx context.Context, symbol string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if symbol == "" {
		n := len(g.orders)
		g.orders = nil
		return n, nil
	}
	kept := g.orders[:0]
	n := 0
	for _, o := range g.orders {
		if o.Symbol == symbol {
			n++
			continue
		}
		kept = append(kept, o)
	}
	g.orders = kept
	return n, nil
}

func (g *fakeGateway) ListPositions(ctx context.Context) ([]exchange.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]exchange.Position, len(g.positions))
	copy(out, g.positions)
	return out, nil
}

func (g *fakeGateway) PlaceReduceOnlyMarket(ctx context.Context, symbol, side string, qty float64) (*exchange.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	order := &exchange.Order{
		ID:           fmt.Sprintf("fake-%d", time.Now().UnixNano()),
		Symbol:       symbol,
		Side:         side,
		Type:         "market",
		Quantity:     qty,
		FilledQty:    qty,
		Status:       exchange.OrderStatusFilled,
		ReduceOnly:   true,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
		AvgFillPrice: 100,
	}

	if g.stuck {
		return order, nil
	}

	kept := g.positions[:0]
	for _, p := range g.positions {
		if p.Symbol == symbol {
			p.Size -= qty
			if p.Size <= 1e-9 {
				continue
			}
		}
		kept = append(kept, p)
	}
	g.positions = kept
	return order, nil
}

func (g *fakeGateway) GetLimits(ctx context.Context, symbol string) (*exchange.Limits, error) {
	return &exchange.Limits{
		Symbol:      symbol,
		MinOrderQty: 0.001,
		MaxOrderQty: 1e9,
		QtyStep:     0.001,
	}, nil
}

func (g *fakeGateway) Ping(ctx context.Context) error { return nil }

func (g *fakeGateway) SubscribePositions(callback func(*exchange.Position)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.posCallback = callback
	return nil
}

func (g *fakeGateway) SubscribeOrders(callback func(*exchange.Order)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orderCallback = callback
	return nil
}

func (g *fakeGateway) Close() error { return nil }

// setPositions replaces the scripted open positions
func (g *fakeGateway) setPositions(positions ...exchange.Position) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions = positions
}

// setOrders replaces the scripted open orders
func (g *fakeGateway) setOrders(orders ...exchange.Order) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orders = orders
}

// setMargin replaces the scripted margin snapshot
func (g *fakeGateway) setMargin(totalEquity, usedIM float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.margin = models.AccountMarginState{
		TotalEquity:       totalEquity,
		UsedInitialMargin: usedIM,
		FreeMargin:        totalEquity - usedIM,
		Utilization:       usedIM / totalEquity,
		Timestamp:         time.Now().UTC(),
	}
}

// setStuck controls whether flatten orders actually shrink positions
func (g *fakeGateway) setStuck(stuck bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stuck = stuck
}

var _ exchange.Gateway = (*fakeGateway)(nil)

// ============================================================
// Test server
// ============================================================

// TestServer encapsulates the full stack wired against a real database
// and the fake gateway
type TestServer struct {
	DB      *sql.DB
	Server  *httptest.Server
	Hub     *websocket.Hub
	Gateway *fakeGateway

	Locks    *repository.LockRepository
	Reports  *repository.ReportRepository
	Commands *repository.CommandRepository

	Orchestrator *guard.Orchestrator
	Monitor      *guard.Monitor

	PanicService *service.PanicService
	RiskService  *service.RiskService

	Cleanup func()
}

// SetupTestServer builds the whole service the way cmd/server does,
// swapping only the venue for the fake gateway and shrinking every
// interval so runs finish in milliseconds
func SetupTestServer(t *testing.T) *TestServer {
	db, dbCleanup := SetupTestDB(t)
	if db == nil {
		return nil
	}

	if err := repository.InitSchema(db); err != nil {
		t.Skipf("Skipping integration test: cannot initialize schema: %v", err)
		return nil
	}
	resetTables(db)

	lockRepo := repository.NewLockRepository(db)
	reportRepo := repository.NewReportRepository(db)
	commandRepo := repository.NewCommandRepository(db)

	gw := newFakeGateway()
	hub := websocket.NewHub()
	go hub.Run()

	alerts := alert.NewNopSink()

	breaker := guard.NewDailyBreaker(lockRepo, alerts, hub, guard.BreakerConfig{
		Enabled:         true,
		MaxDailyLossPct: 5.0,
	})

	orch := guard.NewOrchestrator(gw, lockRepo, reportRepo, alerts, hub, guard.OrchestratorConfig{
		VerifyPollInterval: 10 * time.Millisecond,
		VerifyTimeout:      2 * time.Second,
		FlattenWorkers:     2,
		RunTimeout:         5 * time.Second,
	})
	if err := orch.Restore(); err != nil {
		t.Fatalf("failed to restore orchestrator state: %v", err)
	}

	monitor := guard.NewMonitor(gw, commandRepo, alerts, hub, guard.MonitorConfig{
		PollInterval:     50 * time.Millisecond,
		RequestTimeout:   time.Second,
		FailureThreshold: 3,
		Thresholds:       guard.DefaultThresholds(),
		DeriskTarget:     0.60,
		EmergencyTarget:  0.58,
	})
	monitor.OnState(breaker.Observe)

	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	go monitor.Start(monitorCtx)

	panicService := service.NewPanicService(orch, reportRepo)
	riskService := service.NewRiskService(monitor, breaker, commandRepo, lockRepo, 0)

	deps := &api.Dependencies{
		PanicService: panicService,
		RiskService:  riskService,
		Hub:          hub,
		Version:      "integration",
	}
	router := api.SetupRoutes(deps)
	server := httptest.NewServer(router)

	cleanup := func() {
		server.Close()
		stopMonitor()
		monitor.Stop()
		hub.Stop()
		resetTables(db)
		dbCleanup()
	}

	return &TestServer{
		DB:           db,
		Server:       server,
		Hub:          hub,
		Gateway:      gw,
		Locks:        lockRepo,
		Reports:      reportRepo,
		Commands:     commandRepo,
		Orchestrator: orch,
		Monitor:      monitor,
		PanicService: panicService,
		RiskService:  riskService,
		Cleanup:      cleanup,
	}
}

// waitFor polls the condition until it holds or the timeout expires
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
