package reservation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"ms-booking/internal/logger"
	"ms-booking/internal/models"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CatalogReader is the read-only catalog surface used for pricing.
type CatalogReader interface {
	GetSchedule(ctx context.Context, id string) (*models.Schedule, error)
	GetTicketCategoriesForTour(ctx context.Context, tourID string) ([]models.TicketCategory, error)
	GetDiscountByCode(ctx context.Context, code string) (*models.Discount, error)
}

// TxStore is what PlaceOrder may touch inside its transaction.
type TxStore interface {
	CatalogReader
	LockSchedule(ctx context.Context, id string) (*models.Schedule, error)
	SumBookedQuantity(ctx context.Context, scheduleID string) (int, error)
	InsertOrderWithItems(ctx context.Context, order *models.Order, items []models.OrderItem) error
}

type Store interface {
	CatalogReader
	GetScheduleSlots(ctx context.Context, scheduleID string) ([]models.ScheduleSlot, error)
	SumBookedQuantity(ctx context.Context, scheduleID string) (int, error)
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	GetOrderWithItems(ctx context.Context, id string) (*models.Order, error)
	UpdateOrderStatus(ctx context.Context, id string, from, to models.OrderStatus, at time.Time) (bool, error)
	MarkEmailSent(ctx context.Context, id string, at time.Time) error
	ListPendingOrdersBefore(ctx context.Context, cutoff time.Time) ([]models.Order, error)
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx TxStore) error) error
}

// Locker is an optional cross-instance admission lock per schedule.
type Locker interface {
	LockSchedule(ctx context.Context, scheduleID, owner string) (bool, error)
	UnlockSchedule(ctx context.Context, scheduleID, owner string) error
}

type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

type Options struct {
	Now               func() time.Time
	LockWait          time.Duration
	LockRetryInterval time.Duration
	Location          *time.Location

	OrderCreatedTopic string
	OrderStatusTopic  string
}

const maxTransitionAttempts = 3

type Service struct {
	store     Store
	locker    Locker
	publisher Publisher
	logger    *logger.Logger
	opts      Options
}

// NewService wires the engine. locker and publisher may be nil.
func NewService(store Store, locker Locker, publisher Publisher, log *logger.Logger, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.LockWait <= 0 {
		opts.LockWait = 2 * time.Second
	}
	if opts.LockRetryInterval <= 0 {
		opts.LockRetryInterval = 25 * time.Millisecond
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Service{store: store, locker: locker, publisher: publisher, logger: log, opts: opts}
}

func (s *Service) now() time.Time {
	return s.opts.Now().UTC()
}

// QuoteOrder prices a prospective order without reserving anything.
func (s *Service) QuoteOrder(ctx context.Context, scheduleID string, items []Item, discountCode string) (*Quote, error) {
	const op = "QuoteOrder"

	norm, _, err := normalizeItems(op, items)
	if err != nil {
		return nil, err
	}

	schedule, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, scheduleLookupError(op, scheduleID, err)
	}

	return s.price(ctx, op, s.store, schedule, norm, strings.TrimSpace(discountCode))
}

// PlaceOrder runs the capacity check-and-insert in one transaction and
// returns the created PENDING order with its items.
func (s *Service) PlaceOrder(ctx context.Context, userID, scheduleID string, items []Item, discountCode string) (*models.Order, error) {
	const op = "PlaceOrder"

	norm, requested, err := normalizeItems(op, items)
	if err != nil {
		return nil, err
	}
	code := strings.TrimSpace(discountCode)

	if s.locker != nil {
		release, err := s.acquireScheduleLock(ctx, op, scheduleID)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	var order *models.Order
	var quote *Quote
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx TxStore) error {
		schedule, err := tx.LockSchedule(ctx, scheduleID)
		if err != nil {
			return scheduleLookupError(op, scheduleID, err)
		}

		booked, err := tx.SumBookedQuantity(ctx, scheduleID)
		if err != nil {
			return err
		}
		if booked+requested > schedule.MaxPeople {
			available := schedule.MaxPeople - booked
			if available < 0 {
				available = 0
			}
			return &Error{Kind: KindCapacityExceeded, Op: op, ScheduleID: scheduleID, Requested: requested, Available: available}
		}

		quote, err = s.price(ctx, op, tx, schedule, norm, code)
		if err != nil {
			return err
		}

		order = newOrder(userID, scheduleID, quote, s.now())
		return tx.InsertOrderWithItems(ctx, order, order.Items)
	})
	if err != nil {
		var rerr *Error
		if errors.As(err, &rerr) {
			if rerr.Kind == KindTransactionFailed {
				s.logger.Error("ORDER", fmt.Sprintf("%s failed for schedule %s: %v", op, scheduleID, err))
			} else {
				s.logger.Warn("ORDER", fmt.Sprintf("%s rejected for schedule %s: %v", op, scheduleID, err))
			}
			return nil, err
		}
		s.logger.Error("ORDER", fmt.Sprintf("%s transaction failed for schedule %s: %v", op, scheduleID, err))
		return nil, &Error{Kind: KindTransactionFailed, Op: op, ScheduleID: scheduleID, Err: err}
	}

	s.logger.LogOrder("CREATE", order.ID, fmt.Sprintf("schedule=%s tickets=%d total=%s", scheduleID, requested, order.TotalPrice.StringFixed(2)))

	s.publish(ctx, s.opts.OrderCreatedTopic, models.OrderEvent{
		Type:         models.OrderEventCreated,
		OrderID:      order.ID,
		UserID:       order.UserID,
		ScheduleID:   order.ScheduleID,
		Status:       order.Status,
		TotalPrice:   order.TotalPrice,
		DiscountCode: quote.DiscountCode,
		Items:        order.Items,
		Timestamp:    order.CreatedAt,
	})

	return order, nil
}

func newOrder(userID, scheduleID string, quote *Quote, now time.Time) *models.Order {
	order := &models.Order{
		ID:         uuid.NewString(),
		UserID:     userID,
		ScheduleID: scheduleID,
		TotalPrice: quote.Total,
		Status:     models.OrderStatusPending,
		EmailSent:  false,
		CreatedAt:  now,
		UpdatedAt:  now,
		Items:      make([]models.OrderItem, 0, len(quote.Lines)),
	}
	for _, line := range quote.Lines {
		order.Items = append(order.Items, models.OrderItem{
			ID:               uuid.NewString(),
			OrderID:          order.ID,
			TicketCategoryID: line.TicketCategoryID,
			Quantity:         line.Quantity,
			Price:            line.UnitPrice,
		})
	}
	return order
}

// TransitionOrderStatus moves an order along PENDING -> PAID -> CANCELLED.
// The write is conditional on the status that was validated, so a
// concurrent change is re-read and re-evaluated instead of overwritten.
func (s *Service) TransitionOrderStatus(ctx context.Context, orderID string, next models.OrderStatus) (*models.Order, error) {
	return s.transition(ctx, "TransitionOrderStatus", orderID, "", next)
}

// TransitionOrderStatusFrom is TransitionOrderStatus restricted to orders
// currently in status from. Any other current status fails with
// InvalidTransition whose From field carries the status actually found.
func (s *Service) TransitionOrderStatusFrom(ctx context.Context, orderID string, from, next models.OrderStatus) (*models.Order, error) {
	return s.transition(ctx, "TransitionOrderStatusFrom", orderID, from, next)
}

// transition applies next when the order's status allows it and, if
// expected is set, equals expected.
func (s *Service) transition(ctx context.Context, op, orderID string, expected, next models.OrderStatus) (*models.Order, error) {
	if !next.Valid() {
		return nil, &Error{Kind: KindInvalidTransition, Op: op, OrderID: orderID, To: next, Reason: "unknown status"}
	}

	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		order, err := s.store.GetOrderByID(ctx, orderID)
		if err != nil {
			return nil, orderLookupError(op, orderID, err)
		}

		if expected != "" && order.Status != expected {
			return nil, &Error{Kind: KindInvalidTransition, Op: op, OrderID: orderID, From: order.Status, To: next, Reason: "expected " + string(expected)}
		}
		if !order.Status.CanTransitionTo(next) {
			return nil, &Error{Kind: KindInvalidTransition, Op: op, OrderID: orderID, From: order.Status, To: next}
		}

		now := s.now()
		ok, err := s.store.UpdateOrderStatus(ctx, orderID, order.Status, next, now)
		if err != nil {
			return nil, &Error{Kind: KindTransactionFailed, Op: op, OrderID: orderID, Err: err}
		}
		if !ok {
			s.logger.Debug("ORDER", fmt.Sprintf("order %s changed concurrently, re-evaluating", orderID))
			continue
		}

		prev := order.Status
		order.Status = next
		order.UpdatedAt = now

		s.logger.LogOrder("STATUS", orderID, fmt.Sprintf("%s -> %s", prev, next))
		s.publish(ctx, s.opts.OrderStatusTopic, models.OrderEvent{
			Type:       models.OrderEventStatusChanged,
			OrderID:    order.ID,
			UserID:     order.UserID,
			ScheduleID: order.ScheduleID,
			Status:     next,
			PrevStatus: prev,
			TotalPrice: order.TotalPrice,
			Timestamp:  now,
		})
		return order, nil
	}

	return nil, &Error{Kind: KindTransactionFailed, Op: op, OrderID: orderID, Reason: "order status keeps changing concurrently"}
}

// MarkEmailSent flags the order's confirmation email as sent. Idempotent.
func (s *Service) MarkEmailSent(ctx context.Context, orderID string) error {
	const op = "MarkEmailSent"

	if err := s.store.MarkEmailSent(ctx, orderID, s.now()); err != nil {
		return orderLookupError(op, orderID, err)
	}
	s.logger.LogOrder("EMAIL", orderID, "marked email sent")
	return nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := s.store.GetOrderWithItems(ctx, orderID)
	if err != nil {
		return nil, orderLookupError("GetOrder", orderID, err)
	}
	return order, nil
}

type Availability struct {
	ScheduleID string `json:"schedule_id"`
	MaxPeople  int    `json:"max_people"`
	Booked     int    `json:"booked"`
	Remaining  int    `json:"remaining"`
}

// Availability is a lock-free snapshot; PlaceOrder re-checks under lock.
func (s *Service) Availability(ctx context.Context, scheduleID string) (*Availability, error) {
	const op = "Availability"

	schedule, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, scheduleLookupError(op, scheduleID, err)
	}
	booked, err := s.store.SumBookedQuantity(ctx, scheduleID)
	if err != nil {
		return nil, &Error{Kind: KindTransactionFailed, Op: op, ScheduleID: scheduleID, Err: err}
	}

	remaining := schedule.MaxPeople - booked
	if remaining < 0 {
		remaining = 0
	}
	return &Availability{ScheduleID: scheduleID, MaxPeople: schedule.MaxPeople, Booked: booked, Remaining: remaining}, nil
}

// Departures lists concrete departure times of a schedule between from and to.
func (s *Service) Departures(ctx context.Context, scheduleID string, from, to time.Time) ([]time.Time, error) {
	const op = "Departures"

	schedule, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, scheduleLookupError(op, scheduleID, err)
	}
	slots, err := s.store.GetScheduleSlots(ctx, scheduleID)
	if err != nil {
		return nil, &Error{Kind: KindTransactionFailed, Op: op, ScheduleID: scheduleID, Err: err}
	}

	departures, err := schedule.Departures(slots, from, to, s.opts.Location)
	if err != nil {
		return nil, fmt.Errorf("%s: schedule %s: %w", op, scheduleID, err)
	}
	return departures, nil
}

// ExpirePendingOrders cancels PENDING orders created more than olderThan
// ago and returns how many were cancelled. Orders that moved on in the
// meantime are skipped.
func (s *Service) ExpirePendingOrders(ctx context.Context, olderThan time.Duration) (int, error) {
	const op = "ExpirePendingOrders"

	cutoff := s.now().Add(-olderThan)
	orders, err := s.store.ListPendingOrdersBefore(ctx, cutoff)
	if err != nil {
		return 0, &Error{Kind: KindTransactionFailed, Op: op, Err: err}
	}

	expired := 0
	for _, o := range orders {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		_, err := s.TransitionOrderStatusFrom(ctx, o.ID, models.OrderStatusPending, models.OrderStatusCancelled)
		switch {
		case err == nil:
			expired++
		case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrOrderNotFound):
			s.logger.Debug("ORDER", fmt.Sprintf("skipping expiry of order %s: %v", o.ID, err))
		default:
			s.logger.Error("ORDER", fmt.Sprintf("failed to expire order %s: %v", o.ID, err))
		}
	}

	if expired > 0 {
		s.logger.Info("ORDER", fmt.Sprintf("expired %d pending orders created before %s", expired, cutoff.Format(time.RFC3339)))
	}
	return expired, nil
}

func (s *Service) price(ctx context.Context, op string, r CatalogReader, schedule *models.Schedule, items []Item, code string) (*Quote, error) {
	categories, err := r.GetTicketCategoriesForTour(ctx, schedule.TourID)
	if err != nil {
		return nil, &Error{Kind: KindTransactionFailed, Op: op, ScheduleID: schedule.ID, Err: err}
	}

	var discount *models.Discount
	if code != "" {
		discount, err = r.GetDiscountByCode(ctx, code)
		if errors.Is(err, models.ErrNotFound) {
			discount = nil
		} else if err != nil {
			return nil, &Error{Kind: KindTransactionFailed, Op: op, ScheduleID: schedule.ID, Err: err}
		}
	}

	return priceItems(op, schedule, categories, items, code, discount, s.now())
}

func (s *Service) acquireScheduleLock(ctx context.Context, op, scheduleID string) (func(), error) {
	owner := uuid.NewString()
	deadline := time.Now().Add(s.opts.LockWait)

	for {
		ok, err := s.locker.LockSchedule(ctx, scheduleID, owner)
		if err != nil {
			s.logger.Warn("REDIS", fmt.Sprintf("schedule lock unavailable for %s, continuing on database lock: %v", scheduleID, err))
			return func() {}, nil
		}
		if ok {
			return func() {
				if err := s.locker.UnlockSchedule(context.Background(), scheduleID, owner); err != nil {
					s.logger.Warn("REDIS", fmt.Sprintf("failed to release schedule lock %s: %v", scheduleID, err))
				}
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, &Error{Kind: KindTransactionFailed, Op: op, ScheduleID: scheduleID, Reason: "schedule is busy, retry"}
		}

		select {
		case <-ctx.Done():
			return nil, &Error{Kind: KindTransactionFailed, Op: op, ScheduleID: scheduleID, Err: ctx.Err()}
		case <-time.After(s.opts.LockRetryInterval):
		}
	}
}

func (s *Service) publish(ctx context.Context, topic string, event models.OrderEvent) {
	if s.publisher == nil || topic == "" {
		return
	}

	value, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("KAFKA", fmt.Sprintf("failed to marshal %s event for order %s: %v", event.Type, event.OrderID, err))
		return
	}
	if err := s.publisher.Publish(ctx, topic, event.OrderID, value); err != nil {
		s.logger.Error("KAFKA", fmt.Sprintf("failed to publish %s for order %s: %v", event.Type, event.OrderID, err))
		return
	}
	s.logger.LogKafka("PUBLISH", topic, event.OrderID)
}

func scheduleLookupError(op, scheduleID string, err error) error {
	if errors.Is(err, models.ErrNotFound) {
		return &Error{Kind: KindScheduleNotFound, Op: op, ScheduleID: scheduleID}
	}
	return &Error{Kind: KindTransactionFailed, Op: op, ScheduleID: scheduleID, Err: err}
}

func orderLookupError(op, orderID string, err error) error {
	if errors.Is(err, models.ErrNotFound) {
		return &Error{Kind: KindOrderNotFound, Op: op, OrderID: orderID}
	}
	return &Error{Kind: KindTransactionFailed, Op: op, OrderID: orderID, Err: err}
}
