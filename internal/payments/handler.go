package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ms-booking/internal/logger"
	"ms-booking/internal/models"
	"ms-booking/internal/reservation"
)

// ErrPaidOrderCancelled is returned when a successful payment arrives for
// an order that is already CANCELLED. The money has to be refunded.
var ErrPaidOrderCancelled = errors.New("payment succeeded for a cancelled order")

type OrderEngine interface {
	TransitionOrderStatusFrom(ctx context.Context, orderID string, from, next models.OrderStatus) (*models.Order, error)
}

// Confirmer sends the post-payment confirmation. Optional.
type Confirmer interface {
	SendConfirmation(ctx context.Context, orderID string) error
}

type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Handler applies payment gateway results to orders.
type Handler struct {
	engine      OrderEngine
	confirmer   Confirmer
	publisher   Publisher
	refundTopic string
	logger      *logger.Logger
	now         func() time.Time
}

// NewHandler builds the payment handler. confirmer and publisher may be nil;
// without a publisher, payment conflicts are only logged and returned.
func NewHandler(engine OrderEngine, confirmer Confirmer, publisher Publisher, refundTopic string, log *logger.Logger) *Handler {
	return &Handler{
		engine:      engine,
		confirmer:   confirmer,
		publisher:   publisher,
		refundTopic: refundTopic,
		logger:      log,
		now:         time.Now,
	}
}

// transitionFor gives the status an order must be in for result to apply,
// and the status it moves to.
func transitionFor(result models.PaymentResult) (from, to models.OrderStatus, ok bool) {
	switch result {
	case models.PaymentSucceeded:
		return models.OrderStatusPending, models.OrderStatusPaid, true
	case models.PaymentFailed:
		return models.OrderStatusPending, models.OrderStatusCancelled, true
	case models.PaymentRefunded:
		return models.OrderStatusPaid, models.OrderStatusCancelled, true
	}
	return "", "", false
}

func (h *Handler) HandleMessage(ctx context.Context, value []byte) error {
	var event models.PaymentEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return fmt.Errorf("decode payment event: %w", err)
	}
	return h.Apply(ctx, event)
}

// Apply moves the order only from the status the payment result expects.
// A redelivered event whose transition already happened is acknowledged.
// A stale event for an order that moved elsewhere is ignored, except a
// success on a cancelled order, which is reported as ErrPaidOrderCancelled.
func (h *Handler) Apply(ctx context.Context, event models.PaymentEvent) error {
	if event.OrderID == "" {
		return errors.New("payment event without order_id")
	}
	from, next, ok := transitionFor(event.Result)
	if !ok {
		return fmt.Errorf("payment %s: unknown result %q", event.PaymentID, event.Result)
	}

	_, err := h.engine.TransitionOrderStatusFrom(ctx, event.OrderID, from, next)
	if err != nil {
		return h.handleTransitionError(ctx, event, next, err)
	}
	h.logger.LogOrder("PAYMENT", event.OrderID, fmt.Sprintf("payment %s %s -> order %s", event.PaymentID, event.Result, next))

	if next == models.OrderStatusPaid && h.confirmer != nil {
		if err := h.confirmer.SendConfirmation(ctx, event.OrderID); err != nil {
			// the order stays PAID with email_sent=false and can be re-sent
			h.logger.Error("EMAIL", fmt.Sprintf("confirmation for order %s failed: %v", event.OrderID, err))
		}
	}
	return nil
}

func (h *Handler) handleTransitionError(ctx context.Context, event models.PaymentEvent, next models.OrderStatus, err error) error {
	var rerr *reservation.Error
	if !errors.As(err, &rerr) || rerr.Kind != reservation.KindInvalidTransition {
		return err
	}

	switch {
	case rerr.From == next:
		h.logger.Debug("PAYMENT", fmt.Sprintf("payment %s %s already applied to order %s", event.PaymentID, event.Result, event.OrderID))
		return nil

	case event.Result == models.PaymentSucceeded && rerr.From == models.OrderStatusCancelled:
		h.logger.Error("PAYMENT", fmt.Sprintf("payment %s succeeded for cancelled order %s, refund required", event.PaymentID, event.OrderID))
		h.publishConflict(ctx, event, rerr.From, "order cancelled before payment succeeded")
		return fmt.Errorf("payment %s, order %s: %w", event.PaymentID, event.OrderID, ErrPaidOrderCancelled)
	}

	h.logger.Warn("PAYMENT", fmt.Sprintf("payment %s %s ignored for order %s in status %s", event.PaymentID, event.Result, event.OrderID, rerr.From))
	return nil
}

func (h *Handler) publishConflict(ctx context.Context, event models.PaymentEvent, status models.OrderStatus, reason string) {
	if h.publisher == nil || h.refundTopic == "" {
		return
	}

	value, err := json.Marshal(models.PaymentConflictEvent{
		Type:        models.PaymentEventRefundRequired,
		PaymentID:   event.PaymentID,
		OrderID:     event.OrderID,
		Result:      event.Result,
		OrderStatus: status,
		Reason:      reason,
		Timestamp:   h.now().UTC(),
	})
	if err != nil {
		h.logger.Error("KAFKA", fmt.Sprintf("failed to marshal refund event for order %s: %v", event.OrderID, err))
		return
	}
	if err := h.publisher.Publish(ctx, h.refundTopic, event.OrderID, value); err != nil {
		h.logger.Error("KAFKA", fmt.Sprintf("failed to publish refund event for order %s: %v", event.OrderID, err))
		return
	}
	h.logger.LogKafka("PUBLISH", h.refundTopic, event.OrderID)
}
