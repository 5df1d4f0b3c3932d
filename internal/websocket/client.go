package websocket

import (
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"riskguard/pkg/utils"
)

const (
	// Время ожидания записи сообщения
	writeWait = 10 * time.Second

	// Время ожидания между pong сообщениями
	pongWait = 60 * time.Second

	// Интервал отправки ping сообщений (должен быть меньше pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Максимальный размер входящего сообщения.
	// Клиенты стрима ничего не шлют, лимит отсекает мусорный трафик
	maxMessageSize = 512

	// Размер буфера отправки клиента.
	// Вспышка событий аварийного прогона (переходы состояний, отчет,
	// смена флага торговли) укладывается в пару десятков сообщений
	clientSendBufferSize = 256
)

// streamOriginPolicy разбирает список разрешенных origins и возвращает
// предикат для Upgrader.CheckOrigin.
//
// Формат: ALLOWED_ORIGINS=http://localhost:3000,https://example.com
// Пустое значение или "*" разрешает всех. Запросы без Origin (curl,
// мониторинг) проходят всегда: это не браузеры.
func streamOriginPolicy(envOrigins string) func(origin string) bool {
	if envOrigins == "" || envOrigins == "*" {
		return func(string) bool { return true }
	}

	set := make(map[string]struct{})
	for _, origin := range strings.Split(envOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			set[origin] = struct{}{}
		}
	}

	return func(origin string) bool {
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Политика строится лениво при первом апгрейде: к этому моменту
// переменные окружения уже загружены из .env
var (
	originOnce  sync.Once
	allowOrigin func(string) bool
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:    4096,
	WriteBufferSize:   4096,
	EnableCompression: true,
	CheckOrigin: func(r *http.Request) bool {
		originOnce.Do(func() {
			allowOrigin = streamOriginPolicy(os.Getenv("ALLOWED_ORIGINS"))
		})
		return allowOrigin(r.Header.Get("Origin"))
	},
}

// Client представляет одно WebSocket соединение статусного стрима.
//
// Каждый клиент обслуживается двумя горутинами:
// 1. readPump - следит за живостью соединения (pong, закрытие)
// 2. writePump - пишет события из канала send клиенту
//
// Стрим односторонний: сервер шлет события, клиент только слушает.
type Client struct {
	// WebSocket соединение
	conn *websocket.Conn

	// Hub которому принадлежит клиент
	hub *Hub

	// Буферизованный канал исходящих событий
	send chan []byte
}

// readPump читает сообщения от клиента.
//
// Входящие данные отбрасываются: цикл нужен только для обработки
// pong и обнаружения закрытия соединения.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopCh:
			// Hub уже остановлен и никого не слушает
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("ошибка чтения WebSocket", utils.Err(err))
			}
			return
		}
	}
}

// writeBatch пишет first и все уже накопившиеся в send события одним
// фреймом, разделяя их переводом строки. Накопившееся добирается
// неблокирующим чтением.
func (c *Client) writeBatch(first []byte) error {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	w.Write(first)

	for more := true; more; {
		select {
		case msg, ok := <-c.send:
			if !ok {
				more = false
				break
			}
			w.Write([]byte{'\n'})
			w.Write(msg)
		default:
			more = false
		}
	}

	return w.Close()
}

// writePump отправляет события клиенту.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub закрыл канал
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.writeBatch(message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS обрабатывает WebSocket запросы клиентов стрима.
//
// Апгрейдит HTTP соединение, регистрирует клиента в Hub и запускает
// его горутины.
//
// Использование в routes:
// router.HandleFunc("/ws", func(w, r) { websocket.ServeWS(hub, w, r) })
func ServeWS(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn("не удалось поднять WebSocket", utils.Err(err))
		return
	}

	client := &Client{
		conn: conn,
		hub:  hub,
		send: make(chan []byte, clientSendBufferSize),
	}

	select {
	case hub.register <- client:
	case <-hub.stopCh:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
