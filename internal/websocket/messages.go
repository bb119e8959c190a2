package websocket

import (
	"time"
)

// MessageType определяет тип WebSocket сообщения
type MessageType string

// Типы WebSocket сообщений
const (
	// MessageTypeSourceUpdate - снапшот здоровья источников данных.
	// Отправляется после каждого цикла фонового восстановления.
	MessageTypeSourceUpdate MessageType = "sourceUpdate"

	// MessageTypeKeyPoolUpdate - состояние пула ключей провайдера.
	// Отправляется при выдаче, пометке упавшим и ежедневном сбросе.
	MessageTypeKeyPoolUpdate MessageType = "keyPoolUpdate"

	// MessageTypePriceUpdate - цена, полученная через цепочку провайдеров
	MessageTypePriceUpdate MessageType = "priceUpdate"
)

// BaseMessage - базовая структура для всех WebSocket сообщений
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// SourceUpdateMessage - снапшот показателей источников.
// Data - []models.SourceStats, уже готовый к сериализации.
type SourceUpdateMessage struct {
	BaseMessage
	Data interface{} `json:"data"`
}

// KeyPoolUpdateMessage - состояние пула ключей одного провайдера
type KeyPoolUpdateMessage struct {
	BaseMessage
	Provider  string `json:"provider"`
	Available int    `json:"available"`
	Total     int    `json:"total"`
}

// PriceUpdateMessage - полученная цена символа
type PriceUpdateMessage struct {
	BaseMessage
	Symbol string  `json:"symbol"`
	Value  float64 `json:"value"`
	Source string  `json:"source"`
}

// ============ Фабричные функции для создания сообщений ============

// NewSourceUpdateMessage создает сообщение снапшота источников
func NewSourceUpdateMessage(stats interface{}) *SourceUpdateMessage {
	return &SourceUpdateMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeSourceUpdate,
			Timestamp: time.Now().UTC(),
		},
		Data: stats,
	}
}

// NewKeyPoolUpdateMessage создает сообщение состояния пула ключей
func NewKeyPoolUpdateMessage(provider string, available, total int) *KeyPoolUpdateMessage {
	return &KeyPoolUpdateMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeKeyPoolUpdate,
			Timestamp: time.Now().UTC(),
		},
		Provider:  provider,
		Available: available,
		Total:     total,
	}
}

// NewPriceUpdateMessage создает сообщение полученной цены
func NewPriceUpdateMessage(symbol string, value float64, source string) *PriceUpdateMessage {
	return &PriceUpdateMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypePriceUpdate,
			Timestamp: time.Now().UTC(),
		},
		Symbol: symbol,
		Value:  value,
		Source: source,
	}
}
