package websocket

import (
	"sync"
	"testing"
	"time"
)

// ============================================================
// Unit Tests
// ============================================================

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestNewHub(t *testing.T) {
	hub := NewHub()

	if hub == nil {
		t.Fatal("NewHub returned nil")
	}

	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}

	if hub.DroppedMessages() != 0 {
		t.Errorf("expected 0 dropped messages, got %d", hub.DroppedMessages())
	}
}

func TestStreamOriginPolicy(t *testing.T) {
	t.Run("explicit list", func(t *testing.T) {
		allow := streamOriginPolicy("http://localhost:3000, https://example.com")

		cases := map[string]bool{
			"":                      true, // не-браузерный клиент
			"http://localhost:3000": true,
			"https://example.com":   true, // пробел после запятой срезается
			"http://evil.com":       false,
			"http://localhost:8080": false,
		}
		for origin, want := range cases {
			if got := allow(origin); got != want {
				t.Errorf("allow(%q) = %v, want %v", origin, got, want)
			}
		}
	})

	t.Run("wildcard and empty env allow everyone", func(t *testing.T) {
		for _, env := range []string{"", "*"} {
			allow := streamOriginPolicy(env)
			for _, origin := range []string{"http://localhost:3000", "https://evil.com", ""} {
				if !allow(origin) {
					t.Errorf("policy(%q) rejected %q", env, origin)
				}
			}
		}
	})
}

func TestHub_BroadcastNeverBlocks(t *testing.T) {
	// Цикл не запущен: очередь заполняется до конца и излишек отбрасывается
	hub := NewHub()

	for i := 0; i < 300; i++ {
		hub.BroadcastRaw([]byte(`{}`))
	}

	if got := hub.DroppedMessages(); got != 44 {
		t.Errorf("DroppedMessages = %d, want 44 (queue capacity 256)", got)
	}
}

func TestHub_BroadcastUnserializable(t *testing.T) {
	hub := NewHub()

	hub.Broadcast(make(chan int))

	if got := len(hub.broadcast); got != 0 {
		t.Errorf("unserializable message enqueued, queue len = %d", got)
	}
	if got := hub.DroppedMessages(); got != 0 {
		t.Errorf("DroppedMessages = %d, want 0", got)
	}
}

func TestHub_Stop(t *testing.T) {
	hub := NewHub()

	done := make(chan struct{})
	go func() {
		hub.Run()
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	hub.Stop()
	hub.Stop() // повторный вызов безопасен

	select {
	case <-done:
		// OK - Run() exited
	case <-time.After(1 * time.Second):
		t.Error("Hub.Run() did not exit after Stop()")
	}
}

func TestHub_ClientLifecycle(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	client := &Client{hub: hub, send: make(chan []byte, clientSendBufferSize)}
	hub.register <- client
	waitFor(t, 2*time.Second, "client registration", func() bool { return hub.ClientCount() == 1 })

	hub.BroadcastEvent(EventRiskCommand, map[string]string{"mode": "NORMAL"})

	select {
	case data := <-client.send:
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("invalid envelope: %v", err)
		}
		if env.Type != EventRiskCommand {
			t.Errorf("Type = %q, want %q", env.Type, EventRiskCommand)
		}
		if env.Timestamp.IsZero() {
			t.Error("envelope timestamp not set")
		}
		payload, ok := env.Data.(map[string]interface{})
		if !ok || payload["mode"] != "NORMAL" {
			t.Errorf("Data = %#v, want mode=NORMAL", env.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered to the client")
	}

	hub.unregister <- client
	waitFor(t, 2*time.Second, "client removal", func() bool { return hub.ClientCount() == 0 })

	if _, ok := <-client.send; ok {
		t.Error("send channel not closed after unregister")
	}
}

func TestHub_SlowClientEvicted(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	// Буфер на одно сообщение и никто не читает
	client := &Client{hub: hub, send: make(chan []byte, 1)}
	hub.register <- client
	waitFor(t, 2*time.Second, "client registration", func() bool { return hub.ClientCount() == 1 })

	hub.BroadcastRaw([]byte(`{"n":1}`))
	hub.BroadcastRaw([]byte(`{"n":2}`))

	waitFor(t, 2*time.Second, "slow client eviction", func() bool { return hub.ClientCount() == 0 })

	if msg, ok := <-client.send; !ok || string(msg) != `{"n":1}` {
		t.Errorf("first message = %q, ok = %v", msg, ok)
	}
	if _, ok := <-client.send; ok {
		t.Error("send channel not closed after eviction")
	}
}

func TestHub_StopClosesClients(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	client := &Client{hub: hub, send: make(chan []byte, clientSendBufferSize)}
	hub.register <- client
	waitFor(t, 2*time.Second, "client registration", func() bool { return hub.ClientCount() == 1 })

	hub.Stop()
	waitFor(t, 2*time.Second, "clients cleanup", func() bool { return hub.ClientCount() == 0 })

	if _, ok := <-client.send; ok {
		t.Error("send channel not closed after hub stop")
	}
}

// ============================================================
// Parallel Stress Test
// ============================================================

func TestHub_ConcurrentOperations(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	var wg sync.WaitGroup
	const goroutines = 10
	const operations = 1000

	// Concurrent broadcasts
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < operations; j++ {
				hub.Broadcast(map[string]int{"goroutine": id, "op": j})
			}
		}(i)
	}

	// Concurrent ClientCount reads
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < operations; j++ {
				_ = hub.ClientCount()
			}
		}()
	}

	wg.Wait()
}

// ============================================================
// Benchmarks
// ============================================================

// BenchmarkHub_Broadcast тестирует скорость broadcast с сериализацией
func BenchmarkHub_Broadcast(b *testing.B) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	msg := NewEnvelope(EventRiskCommand, map[string]interface{}{
		"mode":        "DERISK",
		"utilization": 0.74,
	})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hub.Broadcast(msg)
	}
}

// BenchmarkHub_BroadcastRaw тестирует скорость broadcast уже сериализованных данных
func BenchmarkHub_BroadcastRaw(b *testing.B) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	data := []byte(`{"type":"risk_command","data":{"mode":"NORMAL"}}`)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hub.BroadcastRaw(data)
	}
}

// BenchmarkHub_ClientCount тестирует lock-free чтение
func BenchmarkHub_ClientCount(b *testing.B) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = hub.ClientCount()
	}
}

// BenchmarkNewEnvelope тестирует создание конверта события
func BenchmarkNewEnvelope(b *testing.B) {
	payload := map[string]interface{}{"state": "VERIFYING"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = NewEnvelope(EventPanicState, payload)
	}
}

// BenchmarkHub_ManyClients симулирует рассылку на много клиентов
func BenchmarkHub_ManyClients(b *testing.B) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	var clients []*Client
	for i := 0; i < 100; i++ {
		client := &Client{
			hub:  hub,
			send: make(chan []byte, clientSendBufferSize),
		}
		hub.register <- client
		clients = append(clients, client)

		go func(c *Client) {
			for range c.send {
				// discard
			}
		}(client)
	}

	time.Sleep(50 * time.Millisecond)

	msg := NewEnvelope(EventTradingFlag, map[string]interface{}{"trading_disabled": true})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hub.Broadcast(msg)
	}
	b.StopTimer()

	for _, c := range clients {
		hub.unregister <- c
	}
}
