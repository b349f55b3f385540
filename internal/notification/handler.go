package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/example/ec-settlement/internal/dispatch"
	"github.com/example/ec-settlement/internal/events"
	"go.uber.org/zap"
)

// Trigger fans an event out to webhook subscribers.
type Trigger interface {
	TriggerEvent(ctx context.Context, e events.Event) (dispatch.Result, error)
}

// Handler turns events read off a stream (Kafka or Kinesis) into webhook
// deliveries.
type Handler struct {
	trigger Trigger
	logger  *zap.Logger
}

func NewHandler(trigger Trigger, logger *zap.Logger) *Handler {
	return &Handler{
		trigger: trigger,
		logger:  logger.With(zap.String("component", "notifier")),
	}
}

// HandleMessage matches kafka.MessageHandler. Undecodable messages are
// logged and dropped; only a failed subscriber lookup is returned.
func (h *Handler) HandleMessage(ctx context.Context, key, value []byte) error {
	var env events.Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		h.logger.Error("Dropping undecodable message", zap.ByteString("key", key), zap.Error(err))
		return nil
	}
	raw, err := env.Decode()
	if err != nil {
		h.logger.Error("Dropping message with unknown event", zap.ByteString("key", key), zap.Error(err))
		return nil
	}
	return h.HandleEvent(ctx, raw)
}

func (h *Handler) HandleEvent(ctx context.Context, e events.Event) error {
	res, err := h.trigger.TriggerEvent(ctx, e)
	if err != nil {
		return fmt.Errorf("failed to dispatch %s: %w", e.EventName(), err)
	}
	if res.Failed > 0 {
		h.logger.Warn("Some deliveries failed",
			zap.String("event", string(e.EventName())),
			zap.Int("failed", res.Failed),
			zap.Int("total", res.Total))
	}
	return nil
}
