// Package events defines the domain event contracts and the fire-and-forget
// emitter both services publish through.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	TopicOrderCreated   = "order.created"
	TopicOrderCancelled = "order.cancelled"
	TopicOrderPaid      = "order.paid"
	TopicOrderShipped   = "order.shipped"

	TopicStockReserved  = "inventory.stock.reserved"
	TopicStockReleased  = "inventory.stock.released"
	TopicStockConfirmed = "inventory.stock.confirmed"
	TopicStockLowAlert  = "inventory.stock.low-alert"
)

const (
	TypeOrderCreated   = "OrderCreated"
	TypeOrderCancelled = "OrderCancelled"
	TypeOrderPaid      = "OrderPaid"
	TypeOrderShipped   = "OrderShipped"
	TypeStockReserved  = "StockReserved"
	TypeStockReleased  = "StockReleased"
	TypeStockConfirmed = "StockConfirmed"
	TypeStockLowAlert  = "StockLowAlert"
)

// Topics lists every topic in publication order, for broker provisioning.
var Topics = []string{
	TopicOrderCreated, TopicOrderCancelled, TopicOrderPaid, TopicOrderShipped,
	TopicStockReserved, TopicStockReleased, TopicStockConfirmed, TopicStockLowAlert,
}

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// PartitionKey keys a message by entity id so one order (or product) keeps
// its event order within a partition.
func PartitionKey(id string) []byte { return []byte(id) }

func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

func UnwrapPayload[T any](payload json.RawMessage) (T, error) {
	var t T
	if err := json.Unmarshal(payload, &t); err != nil {
		return t, fmt.Errorf("decode payload: %w", err)
	}
	return t, nil
}
