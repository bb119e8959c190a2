package websocket

import (
	"bytes"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// jsonBufferPool переиспользует буферы сериализации broadcast сообщений
var jsonBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// Hub управляет всеми активными WebSocket соединениями.
//
// Назначение:
// Broadcast статусных сообщений подсистемы получения данных всем
// подключенным клиентам: здоровье источников, состояние пулов ключей,
// полученные цены.
//
// Broadcast неблокирующий: при переполнении канала сообщение
// отбрасывается (счетчик dropped), медленный клиент отключается.
type Hub struct {
	clients map[*Client]bool

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	stop       chan struct{}

	// dropped - количество отброшенных из-за переполнения сообщений
	dropped atomic.Int64

	mu     sync.RWMutex
	logger *zap.Logger
}

// NewHub создает новый Hub
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
		logger:     logger,
	}
}

// Run запускает главный цикл Hub.
// Должен запускаться в отдельной горутине: go hub.Run()
func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket client connected", zap.Int("total", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket client disconnected", zap.Int("total", total))

		case message := <-h.broadcast:
			// Список клиентов копируется под коротким RLock,
			// отправка идет без блокировки
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			var toRemove []*Client
			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					// Клиент не успевает читать
					toRemove = append(toRemove, client)
				}
			}

			if len(toRemove) > 0 {
				h.mu.Lock()
				for _, client := range toRemove {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
				}
				h.mu.Unlock()
				h.logger.Warn("removed slow websocket clients", zap.Int("count", len(toRemove)))
			}
		}
	}
}

// Stop останавливает цикл Hub и закрывает все соединения
func (h *Hub) Stop() {
	close(h.stop)
}

// closeAll закрывает каналы всех клиентов при остановке
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}

// Broadcast сериализует и отправляет сообщение всем клиентам.
// Не блокирует: при переполнении канала сообщение отбрасывается.
func (h *Hub) Broadcast(message interface{}) {
	buf := jsonBufferPool.Get().(*bytes.Buffer)
	buf.Reset()

	if err := json.NewEncoder(buf).Encode(message); err != nil {
		h.logger.Error("failed to marshal broadcast message", zap.Error(err))
		jsonBufferPool.Put(buf)
		return
	}

	// Encode добавляет trailing newline
	data := buf.Bytes()
	if len(data) > 0 && data[len(data)-1] == '\n' {
		data = data[:len(data)-1]
	}

	msgCopy := make([]byte, len(data))
	copy(msgCopy, data)
	jsonBufferPool.Put(buf)

	h.BroadcastRaw(msgCopy)
}

// BroadcastRaw отправляет уже сериализованное сообщение
func (h *Hub) BroadcastRaw(data []byte) {
	select {
	case h.broadcast <- data:
	default:
		h.dropped.Add(1)
	}
}

// BroadcastSourceUpdate отправляет снапшот здоровья источников
func (h *Hub) BroadcastSourceUpdate(stats interface{}) {
	h.Broadcast(NewSourceUpdateMessage(stats))
}

// BroadcastKeyPoolUpdate отправляет состояние пула ключей провайдера
func (h *Hub) BroadcastKeyPoolUpdate(provider string, available, total int) {
	h.Broadcast(NewKeyPoolUpdateMessage(provider, available, total))
}

// BroadcastPriceUpdate отправляет полученную цену
func (h *Hub) BroadcastPriceUpdate(symbol string, value float64, source string) {
	h.Broadcast(NewPriceUpdateMessage(symbol, value, source))
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DroppedMessages возвращает количество отброшенных сообщений
func (h *Hub) DroppedMessages() int64 {
	return h.dropped.Load()
}
