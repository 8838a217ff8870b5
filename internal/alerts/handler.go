// Package alerts consumes low-stock alerts. The ledger may raise the same
// alert many times, so the handler drops redeliveries by event id and
// forwards at most one alert per product per debounce window.
package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/events"
	"github.com/ariefcatur/go-order-saga/internal/telemetry"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Deduper tracks handled events and the per-product debounce window.
type Deduper interface {
	// FirstSeen claims eventID and reports whether this caller is the first.
	FirstSeen(ctx context.Context, eventID string) (bool, error)
	// Open claims the debounce window of productID for d.
	Open(ctx context.Context, productID string, d time.Duration) (bool, error)
	// Reset drops both claims so a failed delivery can be retried.
	Reset(ctx context.Context, eventID, productID string) error
}

// Notifier delivers an alert to whoever restocks.
type Notifier interface {
	Notify(ctx context.Context, alert events.StockLowAlert) error
}

type Handler struct {
	dedup    Deduper
	notify   Notifier
	debounce time.Duration
}

func NewHandler(dedup Deduper, notify Notifier, debounce time.Duration) *Handler {
	return &Handler{dedup: dedup, notify: notify, debounce: debounce}
}

// Handle matches events.Handler. Malformed messages are logged and
// acknowledged; only notifier and store failures are retried.
func (h *Handler) Handle(ctx context.Context, m events.Message) error {
	ctx = telemetry.Extract(ctx, m.Headers)
	ctx, span := telemetry.Tracer("alerts").Start(ctx, "alerts.Handle", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	env, err := events.DecodeEnvelope(m.Value)
	if err != nil {
		log.Warn().Err(err).Str("topic", m.Topic).Str("key", string(m.Key)).Msg("skipping undecodable message")
		return nil
	}
	if env.EventType != events.TypeStockLowAlert {
		log.Debug().Str("event_type", env.EventType).Msg("ignoring event")
		return nil
	}
	alert, err := events.UnwrapPayload[events.StockLowAlert](env.Payload)
	if err != nil || alert.ProductID == "" {
		log.Warn().Err(err).Str("event_id", env.EventID).Msg("skipping malformed low-stock alert")
		return nil
	}
	span.SetAttributes(attribute.String("event.id", env.EventID), attribute.String("product.id", alert.ProductID))
	logger := log.With().Str("event_id", env.EventID).Str("product_id", alert.ProductID).Logger()

	first, err := h.dedup.FirstSeen(ctx, env.EventID)
	if err != nil {
		return fmt.Errorf("dedup %s: %w", env.EventID, err)
	}
	if !first {
		logger.Debug().Msg("duplicate delivery dropped")
		return nil
	}
	open, err := h.dedup.Open(ctx, alert.ProductID, h.debounce)
	if err != nil {
		return h.retry(ctx, env.EventID, "", fmt.Errorf("debounce %s: %w", alert.ProductID, err))
	}
	if !open {
		logger.Debug().Msg("alert debounced")
		return nil
	}
	if err := h.notify.Notify(ctx, alert); err != nil {
		return h.retry(ctx, env.EventID, alert.ProductID, fmt.Errorf("notify: %w", err))
	}
	return nil
}

func (h *Handler) retry(ctx context.Context, eventID, productID string, cause error) error {
	if err := h.dedup.Reset(ctx, eventID, productID); err != nil {
		log.Error().Err(err).Str("event_id", eventID).Msg("reset dedup claims")
	}
	return cause
}

// LogNotifier writes the alert to the service log.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, a events.StockLowAlert) error {
	log.Warn().
		Str("product_id", a.ProductID).
		Int("quantity", a.Quantity).
		Int("available", a.Available).
		Int("threshold", a.Threshold).
		Msg("low stock, restock needed")
	return nil
}
