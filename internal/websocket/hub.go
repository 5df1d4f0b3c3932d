package websocket

import (
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"

	"riskguard/internal/guard"
	"riskguard/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Hub управляет всеми активными WebSocket соединениями статусного стрима.
//
// Назначение:
// Центральная точка рассылки событий риск-подсистемы подключенным
// клиентам (операторская консоль, дашборд). Избавляет frontend от
// поллинга статусных эндпоинтов.
//
// Функции:
// - Регистрация и отмена регистрации клиентов
// - Рассылка событий всем активным клиентам
// - Отключение клиентов, не успевающих читать
// - Неблокирующая постановка в очередь: переполнение учитывается
//   счетчиком отброшенных событий, издатели никогда не ждут
//
// Использование:
// 1. Создать hub: hub := NewHub()
// 2. Запустить в горутине: go hub.Run()
// 3. Публиковать события: hub.BroadcastEvent(EventRiskCommand, cmd)
// 4. Остановить при завершении: hub.Stop()
type Hub struct {
	// Зарегистрированные клиенты, доступ только под mu
	clients map[*Client]struct{}

	// Очередь сериализованных событий на рассылку
	broadcast chan []byte

	// Регистрация и отмена регистрации клиентов
	register   chan *Client
	unregister chan *Client

	// Закрывается в Stop, завершает Run и все клиентские горутины
	stopCh   chan struct{}
	stopOnce sync.Once

	// События, не поместившиеся в очередь
	dropped atomic.Int64

	// Число клиентов, читается без блокировки
	count atomic.Int64

	mu     sync.RWMutex
	logger *utils.Logger
}

// NewHub создает новый Hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stopCh:     make(chan struct{}),
		logger:     utils.L().WithComponent("ws"),
	}
}

// Run запускает главный цикл Hub.
//
// Должен запускаться в отдельной горутине: go hub.Run()
// Рассылка идет без удержания блокировки: список клиентов копируется
// под коротким RLock, медленные клиенты удаляются после под Write Lock.
func (h *Hub) Run() {
	for {
		select {
		case <-h.stopCh:
			h.closeAll()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.dropClient(client)
		case data := <-h.broadcast:
			h.fanOut(data)
		}
	}
}

// Stop завершает цикл Run и закрывает все клиентские соединения.
// Повторные вызовы безопасны.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

// syncCount публикует актуальное число клиентов для lock-free чтения
// и для метрик.
func (h *Hub) syncCount(total int) {
	h.count.Store(int64(total))
	guard.UpdateWSClients(total)
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()

	h.syncCount(total)
	h.logger.Info("клиент подключен", utils.Int("total", total))
}

func (h *Hub) dropClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	total := len(h.clients)
	h.mu.Unlock()

	h.syncCount(total)
	h.logger.Info("клиент отключен", utils.Int("total", total))
}

// snapshot копирует текущий список клиентов под коротким RLock.
func (h *Hub) snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		out = append(out, client)
	}
	return out
}

// fanOut раздает событие всем клиентам. Клиенты с переполненным
// буфером отключаются: read-модель не должна тормозить аварийный путь.
func (h *Hub) fanOut(data []byte) {
	var slow []*Client
	for _, client := range h.snapshot() {
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	if len(slow) == 0 {
		return
	}

	h.mu.Lock()
	for _, client := range slow {
		if _, ok := h.clients[client]; ok {
			delete(h.clients, client)
			close(client.send)
		}
	}
	total := len(h.clients)
	h.mu.Unlock()

	h.syncCount(total)
	h.logger.Warn("медленные клиенты отключены",
		utils.Int("removed", len(slow)),
		utils.Int("total", total))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
	h.syncCount(0)
}

// BroadcastEvent оборачивает полезную нагрузку в конверт стрима и
// рассылает всем клиентам. Никогда не блокируется: издатели событий
// работают в аварийных путях и не могут ждать стрим.
func (h *Hub) BroadcastEvent(event string, payload interface{}) {
	h.Broadcast(NewEnvelope(event, payload))
}

// Broadcast сериализует сообщение и рассылает всем клиентам
func (h *Hub) Broadcast(message interface{}) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("не удалось сериализовать событие", utils.Err(err))
		return
	}
	h.BroadcastRaw(data)
}

// BroadcastRaw ставит уже сериализованные данные в очередь рассылки.
// При переполненной очереди событие отбрасывается и учитывается
// счетчиком DroppedMessages.
func (h *Hub) BroadcastRaw(data []byte) {
	select {
	case h.broadcast <- data:
	default:
		h.dropped.Add(1)
	}
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

// DroppedMessages возвращает число событий, отброшенных из-за
// переполнения очереди рассылки
func (h *Hub) DroppedMessages() int64 {
	return h.dropped.Load()
}
