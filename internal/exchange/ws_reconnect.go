package exchange

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"riskguard/pkg/utils"
)

// ws_reconnect.go - приватный поток биржи с автопереподключением
//
// Поток событий позиций и ордеров используется только как подсказка:
// он ускоряет циклы верификации, но источником истины всегда остаётся
// REST. Поэтому разрыв соединения не считается аварией: менеджер молча
// переподключается с exponential backoff и восстанавливает подписки,
// а процедуры защиты продолжают работать на одних REST-опросах.

// WSReconnectConfig - тайминги подключения и переподключения.
type WSReconnectConfig struct {
	InitialDelay   time.Duration // пауза перед первой повторной попыткой
	MaxDelay       time.Duration // потолок паузы после удвоений
	MaxRetries     int           // предел попыток подряд, 0 = без предела
	ConnectTimeout time.Duration // handshake вместе с аутентификацией
	PingInterval   time.Duration // период контрольных ping
	PongTimeout    time.Duration // дедлайн записи ping
}

// DefaultWSReconnectConfig - паузы 2s, 4s, 8s, 16s, до 10 попыток.
func DefaultWSReconnectConfig() WSReconnectConfig {
	return WSReconnectConfig{
		InitialDelay:   2 * time.Second,
		MaxDelay:       16 * time.Second,
		MaxRetries:     10,
		ConnectTimeout: 10 * time.Second,
		PingInterval:   30 * time.Second,
		PongTimeout:    10 * time.Second,
	}
}

type wsState int32

const (
	wsDisconnected wsState = iota
	wsConnecting
	wsConnected
	wsReconnecting
	wsClosed
)

func (s wsState) String() string {
	switch s {
	case wsDisconnected:
		return "disconnected"
	case wsConnecting:
		return "connecting"
	case wsConnected:
		return "connected"
	case wsReconnecting:
		return "reconnecting"
	case wsClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// WSReconnectManager держит одно WebSocket соединение и переживает
// его разрывы. Колбэки и аутентификация задаются до Connect и дальше
// не меняются.
type WSReconnectManager struct {
	name string
	url  string
	cfg  WSReconnectConfig

	logger *utils.Logger

	// auth выполняется на каждом новом соединении до восстановления
	// подписок (приватные каналы требуют подписанный auth-фрейм).
	auth      func(*websocket.Conn) error
	onMessage func([]byte)

	mu   sync.Mutex
	conn *websocket.Conn // текущее соединение, nil вне connected
	subs []interface{}   // подписки, повторяемые после переподключения

	state   atomic.Int32
	retries atomic.Int32
	done    chan struct{}
}

func NewWSReconnectManager(name, url string, cfg WSReconnectConfig) *WSReconnectManager {
	return &WSReconnectManager{
		name:   name,
		url:    url,
		cfg:    cfg,
		logger: utils.L().WithComponent("ws").WithExchange(name),
		done:   make(chan struct{}),
	}
}

// SetAuthFunc задаёт аутентификацию новых соединений. Вызывать до Connect.
func (m *WSReconnectManager) SetAuthFunc(auth func(*websocket.Conn) error) {
	m.auth = auth
}

// SetOnMessage задаёт обработчик входящих фреймов. Вызывать до Connect.
func (m *WSReconnectManager) SetOnMessage(handler func([]byte)) {
	m.onMessage = handler
}

// AddSubscription запоминает подписку для повтора после переподключения.
func (m *WSReconnectManager) AddSubscription(sub interface{}) {
	m.mu.Lock()
	m.subs = append(m.subs, sub)
	m.mu.Unlock()
}

func (m *WSReconnectManager) stateNow() wsState {
	return wsState(m.state.Load())
}

// Connect устанавливает соединение и запускает обслуживающие горутины.
// Неудача первого подключения возвращается вызывающему: дальше решает
// он, а не цикл переподключения.
func (m *WSReconnectManager) Connect() error {
	select {
	case <-m.done:
		return fmt.Errorf("ws manager is closed")
	default:
	}

	m.state.Store(int32(wsConnecting))

	conn, err := m.dial()
	if err != nil {
		m.state.Store(int32(wsDisconnected))
		return err
	}

	m.adopt(conn)
	m.logger.Info("websocket подключен", utils.String("url", m.url))
	return nil
}

// dial открывает и аутентифицирует новое соединение.
func (m *WSReconnectManager) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, m.url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}

	if m.auth != nil {
		if err := m.auth(conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("ws auth: %w", err)
		}
	}

	return conn, nil
}

// adopt делает conn текущим: повторяет подписки, переводит менеджер
// в connected и запускает пары read/ping горутин для этого соединения.
func (m *WSReconnectManager) adopt(conn *websocket.Conn) {
	m.mu.Lock()
	m.conn = conn
	subs := append([]interface{}(nil), m.subs...)
	m.mu.Unlock()

	for _, sub := range subs {
		if err := conn.WriteJSON(sub); err != nil {
			// Подписки доедут после следующего переподключения.
			m.logger.Warn("не удалось восстановить подписки", utils.Err(err))
			break
		}
	}
	if len(subs) > 0 {
		m.logger.Info("подписки восстановлены", utils.Int("channels", len(subs)))
	}

	m.state.Store(int32(wsConnected))
	m.retries.Store(0)

	go m.readPump(conn)
	go m.pingPump(conn)
}

// lost фиксирует разрыв conn. Горутины устаревших соединений тоже
// зовут lost, поэтому реагируем только если conn всё ещё текущее.
func (m *WSReconnectManager) lost(conn *websocket.Conn, err error) {
	select {
	case <-m.done:
		return
	default:
	}

	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.mu.Unlock()

	m.state.Store(int32(wsReconnecting))
	conn.Close()

	if err != nil {
		m.logger.Warn("websocket отключен", utils.Err(err))
	}

	go m.reconnectLoop()
}

// reconnectLoop восстанавливает соединение с exponential backoff.
func (m *WSReconnectManager) reconnectLoop() {
	delay := m.cfg.InitialDelay

	for {
		attempt := int(m.retries.Add(1))
		if m.cfg.MaxRetries > 0 && attempt > m.cfg.MaxRetries {
			m.logger.Error("исчерпаны попытки переподключения",
				utils.Int("max_retries", m.cfg.MaxRetries))
			m.state.Store(int32(wsDisconnected))
			return
		}

		m.logger.Info("переподключение",
			utils.String("delay", delay.String()),
			utils.Int("attempt", attempt))

		select {
		case <-m.done:
			return
		case <-time.After(delay):
		}

		conn, err := m.dial()
		if err != nil {
			m.logger.Warn("переподключение не удалось", utils.Err(err))
			delay *= 2
			if delay > m.cfg.MaxDelay {
				delay = m.cfg.MaxDelay
			}
			continue
		}

		m.adopt(conn)
		m.logger.Info("websocket переподключен", utils.Int("attempt", attempt))
		return
	}
}

// readPump читает фреймы conn до первой ошибки.
func (m *WSReconnectManager) readPump(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			m.lost(conn, err)
			return
		}
		if m.onMessage != nil {
			m.onMessage(message)
		}
	}
}

// pingPump периодически проверяет живость conn.
func (m *WSReconnectManager) pingPump(conn *websocket.Conn) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(m.cfg.PongTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				m.lost(conn, err)
				return
			}
		}
	}
}

// Send пишет msg в текущее соединение.
func (m *WSReconnectManager) Send(msg interface{}) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("websocket is not connected (state: %s)", m.stateNow())
	}
	return conn.WriteJSON(msg)
}

// Close останавливает переподключения и закрывает соединение.
func (m *WSReconnectManager) Close() error {
	select {
	case <-m.done:
		return nil
	default:
		close(m.done)
	}

	m.state.Store(int32(wsClosed))

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		err := m.conn.Close()
		m.conn = nil
		return err
	}
	return nil
}
