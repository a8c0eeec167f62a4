package reservation_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"ms-booking/internal/logger"
	"ms-booking/internal/models"
	"ms-booking/internal/reservation"
	"ms-booking/internal/reservation/db"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	createdTopic = "booking.order.created"
	statusTopic  = "booking.order.status_changed"
)

var now = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	args := m.Called(ctx, topic, key, value)
	return args.Error(0)
}

type mockLocker struct {
	mock.Mock
}

func (m *mockLocker) LockSchedule(ctx context.Context, scheduleID, owner string) (bool, error) {
	args := m.Called(ctx, scheduleID, owner)
	return args.Bool(0), args.Error(1)
}

func (m *mockLocker) UnlockSchedule(ctx context.Context, scheduleID, owner string) error {
	args := m.Called(ctx, scheduleID, owner)
	return args.Error(0)
}

type fixture struct {
	store     *db.DB
	svc       *reservation.Service
	publisher *mockPublisher
	clock     time.Time

	schedule *models.Schedule
	adult    models.TicketCategory
	child    models.TicketCategory
	foreign  models.TicketCategory
}

func newFixture(t *testing.T, maxPeople int) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := db.OpenSQLite(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Bun.Close() })

	f := &fixture{store: store, clock: now, publisher: &mockPublisher{}}
	f.publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	tour := &models.Tour{ID: uuid.NewString(), Title: "Harbour Cruise", TypeID: "boat", BasePrice: decimal.NewFromInt(50), CreatedAt: now, UpdatedAt: now}
	otherTour := &models.Tour{ID: uuid.NewString(), Title: "Castle Hike", TypeID: "walking", BasePrice: decimal.NewFromInt(30), CreatedAt: now, UpdatedAt: now}
	for _, tr := range []*models.Tour{tour, otherTour} {
		_, err = store.Bun.NewInsert().Model(tr).Exec(ctx)
		require.NoError(t, err)
	}

	f.adult = models.TicketCategory{ID: uuid.NewString(), Name: "Adult", Price: decimal.NewFromInt(50), TourID: tour.ID}
	f.child = models.TicketCategory{ID: uuid.NewString(), Name: "Child", Price: decimal.RequireFromString("25.50"), TourID: tour.ID}
	f.foreign = models.TicketCategory{ID: uuid.NewString(), Name: "Adult", Price: decimal.NewFromInt(30), TourID: otherTour.ID}
	cats := []models.TicketCategory{f.adult, f.child, f.foreign}
	_, err = store.Bun.NewInsert().Model(&cats).Exec(ctx)
	require.NoError(t, err)

	f.schedule = &models.Schedule{
		ID:        uuid.NewString(),
		TourID:    tour.ID,
		StartDate: now,
		EndDate:   now.AddDate(0, 1, 0),
		MaxPeople: maxPeople,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = store.Bun.NewInsert().Model(f.schedule).Exec(ctx)
	require.NoError(t, err)

	discounts := []models.Discount{
		discount("PCT10", "10", true, true, now.Add(-24*time.Hour), now.Add(24*time.Hour)),
		discount("FLAT15", "15", false, true, now.Add(-24*time.Hour), now.Add(24*time.Hour)),
		discount("HUGE", "500", false, true, now.Add(-24*time.Hour), now.Add(24*time.Hour)),
		discount("EXPIRED", "10", true, true, now.Add(-48*time.Hour), now.Add(-time.Hour)),
		discount("INACTIVE", "10", true, false, now.Add(-24*time.Hour), now.Add(24*time.Hour)),
		discount("SOON", "10", true, true, now.Add(time.Hour), now.Add(24*time.Hour)),
	}
	_, err = store.Bun.NewInsert().Model(&discounts).Exec(ctx)
	require.NoError(t, err)

	f.svc = f.newService(nil, reservation.Options{})
	return f
}

func (f *fixture) newService(locker reservation.Locker, opts reservation.Options) *reservation.Service {
	opts.Now = func() time.Time { return f.clock }
	opts.OrderCreatedTopic = createdTopic
	opts.OrderStatusTopic = statusTopic
	return reservation.NewService(f.store, locker, f.publisher, logger.NewWriterLogger(io.Discard), opts)
}

func discount(code, value string, percent, active bool, from, to time.Time) models.Discount {
	return models.Discount{
		ID:        uuid.NewString(),
		Code:      code,
		Value:     decimal.RequireFromString(value),
		IsPercent: percent,
		Active:    active,
		ValidFrom: from,
		ValidTo:   to,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func items(cat models.TicketCategory, qty int) []reservation.Item {
	return []reservation.Item{{TicketCategoryID: cat.ID, Quantity: qty}}
}

func TestQuoteOrder_Discounts(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	tests := []struct {
		name     string
		code     string
		total    string
		discount string
		errKind  reservation.Kind
	}{
		{name: "no discount", code: "", total: "100.00", discount: "0.00"},
		{name: "percent 10 of 100", code: "PCT10", total: "90.00", discount: "10.00"},
		{name: "flat 15 of 100", code: "FLAT15", total: "85.00", discount: "15.00"},
		{name: "flat larger than subtotal floors at zero", code: "HUGE", total: "0.00", discount: "100.00"},
		{name: "code is trimmed", code: "  PCT10 ", total: "90.00", discount: "10.00"},
		{name: "expired", code: "EXPIRED", errKind: reservation.KindInvalidDiscount},
		{name: "inactive", code: "INACTIVE", errKind: reservation.KindInvalidDiscount},
		{name: "not yet valid", code: "SOON", errKind: reservation.KindInvalidDiscount},
		{name: "unknown", code: "NOPE", errKind: reservation.KindInvalidDiscount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			quote, err := f.svc.QuoteOrder(ctx, f.schedule.ID, items(f.adult, 2), tt.code)
			if tt.errKind != "" {
				require.Error(t, err)
				assert.Equal(t, tt.errKind, reservation.KindOf(err))
				assert.ErrorIs(t, err, reservation.ErrInvalidDiscount)
				assert.Nil(t, quote)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "100.00", quote.Subtotal.StringFixed(2))
			assert.Equal(t, tt.total, quote.Total.StringFixed(2))
			assert.Equal(t, tt.discount, quote.DiscountAmount.StringFixed(2))
			assert.Equal(t, 2, quote.TicketCount)
		})
	}
}

func TestQuoteOrder_Lines(t *testing.T) {
	f := newFixture(t, 10)

	quote, err := f.svc.QuoteOrder(context.Background(), f.schedule.ID, []reservation.Item{
		{TicketCategoryID: f.adult.ID, Quantity: 1},
		{TicketCategoryID: f.child.ID, Quantity: 2},
		{TicketCategoryID: f.adult.ID, Quantity: 1},
	}, "")
	require.NoError(t, err)

	require.Len(t, quote.Lines, 2, "repeated categories are merged")
	assert.Equal(t, f.adult.ID, quote.Lines[0].TicketCategoryID)
	assert.Equal(t, 2, quote.Lines[0].Quantity)
	assert.Equal(t, "100.00", quote.Lines[0].LineTotal.StringFixed(2))
	assert.Equal(t, "Child", quote.Lines[1].Name)
	assert.Equal(t, "51.00", quote.Lines[1].LineTotal.StringFixed(2))
	assert.Equal(t, "151.00", quote.Total.StringFixed(2))
	assert.Equal(t, 4, quote.TicketCount)
}

func TestQuoteOrder_Validation(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	_, err := f.svc.QuoteOrder(ctx, f.schedule.ID, nil, "")
	assert.ErrorIs(t, err, reservation.ErrEmptyItemList)

	_, err = f.svc.QuoteOrder(ctx, f.schedule.ID, items(f.adult, 0), "")
	assert.ErrorIs(t, err, reservation.ErrInvalidQuantity)

	_, err = f.svc.QuoteOrder(ctx, f.schedule.ID, items(f.adult, -1), "")
	assert.ErrorIs(t, err, reservation.ErrInvalidQuantity)

	_, err = f.svc.QuoteOrder(ctx, "missing", items(f.adult, 1), "")
	assert.ErrorIs(t, err, reservation.ErrScheduleNotFound)

	_, err = f.svc.QuoteOrder(ctx, f.schedule.ID, items(f.foreign, 1), "")
	assert.ErrorIs(t, err, reservation.ErrInvalidTicketCategory)

	var rerr *reservation.Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, f.foreign.ID, rerr.TicketCategoryID)
	assert.Equal(t, f.schedule.ID, rerr.ScheduleID)
}

func TestQuoteOrder_DoesNotMutateState(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	first, err := f.svc.QuoteOrder(ctx, f.schedule.ID, items(f.adult, 2), "PCT10")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := f.svc.QuoteOrder(ctx, f.schedule.ID, items(f.adult, 2), "PCT10")
		require.NoError(t, err)
		assert.True(t, first.Total.Equal(again.Total))
	}

	avail, err := f.svc.Availability(ctx, f.schedule.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, avail.Booked)
	assert.Equal(t, 2, avail.Remaining)
	f.publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestPlaceOrder_TotalMatchesQuote(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	req := []reservation.Item{
		{TicketCategoryID: f.adult.ID, Quantity: 2},
		{TicketCategoryID: f.child.ID, Quantity: 1},
	}
	for _, code := range []string{"", "PCT10", "FLAT15"} {
		quote, err := f.svc.QuoteOrder(ctx, f.schedule.ID, req, code)
		require.NoError(t, err)

		order, err := f.svc.PlaceOrder(ctx, "user-1", f.schedule.ID, req, code)
		require.NoError(t, err)
		assert.True(t, quote.Total.Equal(order.TotalPrice), "code %q: quote %s, order %s", code, quote.Total, order.TotalPrice)
	}
}

func TestPlaceOrder_PersistsOrderAndPriceSnapshot(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	order, err := f.svc.PlaceOrder(ctx, "user-1", f.schedule.ID, []reservation.Item{
		{TicketCategoryID: f.adult.ID, Quantity: 1},
		{TicketCategoryID: f.child.ID, Quantity: 2},
	}, "")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.False(t, order.EmailSent)
	assert.Equal(t, f.schedule.ID, order.ScheduleID)

	// later catalog price changes do not touch booked items
	_, err = f.store.Bun.NewUpdate().
		Model((*models.TicketCategory)(nil)).
		Set("price = ?", decimal.NewFromInt(99)).
		Where("id = ?", f.adult.ID).
		Exec(ctx)
	require.NoError(t, err)

	stored, err := f.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "101.00", stored.TotalPrice.StringFixed(2))
	require.Len(t, stored.Items, 2)
	for _, it := range stored.Items {
		switch it.TicketCategoryID {
		case f.adult.ID:
			assert.Equal(t, "50.00", it.Price.StringFixed(2))
			assert.Equal(t, 1, it.Quantity)
		case f.child.ID:
			assert.Equal(t, "25.50", it.Price.StringFixed(2))
			assert.Equal(t, 2, it.Quantity)
		default:
			t.Fatalf("unexpected item %s", it.TicketCategoryID)
		}
	}
}

func TestPlaceOrder_RejectsWithoutWrites(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	cases := []struct {
		name  string
		sched string
		items []reservation.Item
		code  string
		want  error
	}{
		{"empty", f.schedule.ID, nil, "", reservation.ErrEmptyItemList},
		{"zero quantity", f.schedule.ID, items(f.adult, 0), "", reservation.ErrInvalidQuantity},
		{"unknown schedule", "missing", items(f.adult, 1), "", reservation.ErrScheduleNotFound},
		{"foreign category", f.schedule.ID, items(f.foreign, 1), "", reservation.ErrInvalidTicketCategory},
		{"expired discount", f.schedule.ID, items(f.adult, 1), "EXPIRED", reservation.ErrInvalidDiscount},
		{"over capacity", f.schedule.ID, items(f.adult, 4), "", reservation.ErrCapacityExceeded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			order, err := f.svc.PlaceOrder(ctx, "user-1", tc.sched, tc.items, tc.code)
			assert.ErrorIs(t, err, tc.want)
			assert.Nil(t, order)
			assert.False(t, reservation.Retryable(err))
		})
	}

	count, err := f.store.Bun.NewSelect().Model((*models.Order)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestPlaceOrder_EndToEnd(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	first, err := f.svc.PlaceOrder(ctx, "user-1", f.schedule.ID, items(f.adult, 2), "")
	require.NoError(t, err)
	assert.Equal(t, "100.00", first.TotalPrice.StringFixed(2))
	assert.Equal(t, models.OrderStatusPending, first.Status)

	_, err = f.svc.PlaceOrder(ctx, "user-2", f.schedule.ID, items(f.adult, 1), "")
	require.ErrorIs(t, err, reservation.ErrCapacityExceeded)
	var rerr *reservation.Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, f.schedule.ID, rerr.ScheduleID)
	assert.Equal(t, 1, rerr.Requested)
	assert.Equal(t, 0, rerr.Available)

	cancelled, err := f.svc.TransitionOrderStatus(ctx, first.ID, models.OrderStatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)

	third, err := f.svc.PlaceOrder(ctx, "user-2", f.schedule.ID, items(f.adult, 1), "")
	require.NoError(t, err)
	assert.Equal(t, "50.00", third.TotalPrice.StringFixed(2))
}

func TestPlaceOrder_CancellationFreesCapacity(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	a, err := f.svc.PlaceOrder(ctx, "user-1", f.schedule.ID, items(f.adult, 3), "")
	require.NoError(t, err)
	b, err := f.svc.PlaceOrder(ctx, "user-2", f.schedule.ID, items(f.child, 2), "")
	require.NoError(t, err)

	_, err = f.svc.TransitionOrderStatus(ctx, b.ID, models.OrderStatusPaid)
	require.NoError(t, err)

	_, err = f.svc.PlaceOrder(ctx, "user-3", f.schedule.ID, items(f.adult, 1), "")
	require.ErrorIs(t, err, reservation.ErrCapacityExceeded)

	_, err = f.svc.TransitionOrderStatus(ctx, a.ID, models.OrderStatusCancelled)
	require.NoError(t, err)

	_, err = f.svc.PlaceOrder(ctx, "user-3", f.schedule.ID, items(f.adult, 3), "")
	require.NoError(t, err)

	avail, err := f.svc.Availability(ctx, f.schedule.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, avail.Booked)
	assert.Equal(t, 0, avail.Remaining)
}

func bookConcurrently(t *testing.T, svc *reservation.Service, scheduleID string, cat models.TicketCategory, callers, qty int) (succeeded, rejected int) {
	t.Helper()

	var wg sync.WaitGroup
	var mu sync.Mutex
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := svc.PlaceOrder(context.Background(), uuid.NewString(), scheduleID, items(cat, qty), "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, reservation.ErrCapacityExceeded):
				rejected++
			default:
				t.Errorf("caller %d: unexpected error: %v", i, err)
			}
		}(i)
	}
	close(start)
	wg.Wait()
	return succeeded, rejected
}

func TestPlaceOrder_CapacityInvariantUnderConcurrency(t *testing.T) {
	tests := []struct {
		name      string
		maxPeople int
		callers   int
		qty       int
	}{
		{name: "single tickets", maxPeople: 4, callers: 12, qty: 1},
		{name: "pairs with odd capacity", maxPeople: 5, callers: 8, qty: 2},
		{name: "nobody fits", maxPeople: 2, callers: 4, qty: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.maxPeople)

			succeeded, rejected := bookConcurrently(t, f.svc, f.schedule.ID, f.adult, tt.callers, tt.qty)

			want := tt.maxPeople / tt.qty
			assert.Equal(t, want, succeeded)
			assert.Equal(t, tt.callers-want, rejected)

			booked, err := f.store.SumBookedQuantity(context.Background(), f.schedule.ID)
			require.NoError(t, err)
			assert.LessOrEqual(t, booked, tt.maxPeople)
			assert.Equal(t, want*tt.qty, booked)
		})
	}
}

func TestPlaceOrder_PublishesOrderCreated(t *testing.T) {
	f := newFixture(t, 10)
	pub := &mockPublisher{}
	f.publisher = pub
	svc := f.newService(nil, reservation.Options{})

	var payload []byte
	pub.On("Publish", mock.Anything, createdTopic, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) { payload = args.Get(3).([]byte) }).
		Return(nil).Once()

	order, err := svc.PlaceOrder(context.Background(), "user-1", f.schedule.ID, items(f.adult, 2), "PCT10")
	require.NoError(t, err)
	pub.AssertCalled(t, "Publish", mock.Anything, createdTopic, order.ID, mock.Anything)

	var event models.OrderEvent
	require.NoError(t, json.Unmarshal(payload, &event))
	assert.Equal(t, models.OrderEventCreated, event.Type)
	assert.Equal(t, order.ID, event.OrderID)
	assert.Equal(t, "PCT10", event.DiscountCode)
	assert.Equal(t, "90.00", event.TotalPrice.StringFixed(2))
	assert.Len(t, event.Items, 1)
}

func TestPlaceOrder_PublishFailureDoesNotFailOrder(t *testing.T) {
	f := newFixture(t, 10)
	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker down"))
	f.publisher = pub
	svc := f.newService(nil, reservation.Options{})

	order, err := svc.PlaceOrder(context.Background(), "user-1", f.schedule.ID, items(f.adult, 1), "")
	require.NoError(t, err)
	assert.NotEmpty(t, order.ID)
}

func TestPlaceOrder_ScheduleLock(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	t.Run("acquired and released", func(t *testing.T) {
		locker := &mockLocker{}
		locker.On("LockSchedule", mock.Anything, f.schedule.ID, mock.AnythingOfType("string")).Return(true, nil).Once()
		locker.On("UnlockSchedule", mock.Anything, f.schedule.ID, mock.AnythingOfType("string")).Return(nil).Once()

		_, err := f.newService(locker, reservation.Options{}).PlaceOrder(ctx, "user-1", f.schedule.ID, items(f.adult, 1), "")
		require.NoError(t, err)
		locker.AssertExpectations(t)
	})

	t.Run("busy until timeout", func(t *testing.T) {
		locker := &mockLocker{}
		locker.On("LockSchedule", mock.Anything, f.schedule.ID, mock.Anything).Return(false, nil)

		svc := f.newService(locker, reservation.Options{LockWait: 30 * time.Millisecond, LockRetryInterval: 5 * time.Millisecond})
		_, err := svc.PlaceOrder(ctx, "user-1", f.schedule.ID, items(f.adult, 1), "")
		assert.ErrorIs(t, err, reservation.ErrTransactionFailed)
		assert.True(t, reservation.Retryable(err))
		locker.AssertNotCalled(t, "UnlockSchedule", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("redis error degrades to database lock", func(t *testing.T) {
		locker := &mockLocker{}
		locker.On("LockSchedule", mock.Anything, f.schedule.ID, mock.Anything).Return(false, errors.New("connection refused"))

		_, err := f.newService(locker, reservation.Options{}).PlaceOrder(ctx, "user-1", f.schedule.ID, items(f.adult, 1), "")
		require.NoError(t, err)
		locker.AssertNotCalled(t, "UnlockSchedule", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestTransitionOrderStatus_StateMachine(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	order, err := f.svc.PlaceOrder(ctx, "user-1", f.schedule.ID, items(f.adult, 1), "")
	require.NoError(t, err)

	paid, err := f.svc.TransitionOrderStatus(ctx, order.ID, models.OrderStatusPaid)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, paid.Status)

	_, err = f.svc.TransitionOrderStatus(ctx, order.ID, models.OrderStatusPending)
	require.ErrorIs(t, err, reservation.ErrInvalidTransition)
	var rerr *reservation.Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, models.OrderStatusPaid, rerr.From)
	assert.Equal(t, models.OrderStatusPending, rerr.To)

	_, err = f.svc.TransitionOrderStatus(ctx, order.ID, models.OrderStatusCancelled)
	require.NoError(t, err)

	_, err = f.svc.TransitionOrderStatus(ctx, order.ID, models.OrderStatusPaid)
	assert.ErrorIs(t, err, reservation.ErrInvalidTransition)

	stored, err := f.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, stored.Status)
	assert.Len(t, stored.Items, 1, "items are untouched by transitions")
}

func TestTransitionOrderStatus_Errors(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	_, err := f.svc.TransitionOrderStatus(ctx, "missing", models.OrderStatusPaid)
	assert.ErrorIs(t, err, reservation.ErrOrderNotFound)

	order, err := f.svc.PlaceOrder(ctx, "user-1", f.schedule.ID, items(f.adult, 1), "")
	require.NoError(t, err)

	_, err = f.svc.TransitionOrderStatus(ctx, order.ID, models.OrderStatus("SHIPPED"))
	assert.ErrorIs(t, err, reservation.ErrInvalidTransition)
}

func TestTransitionOrderStatus_PublishesStatusChange(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	order, err := f.svc.PlaceOrder(ctx, "user-1", f.schedule.ID, items(f.adult, 1), "")
	require.NoError(t, err)

	_, err = f.svc.TransitionOrderStatus(ctx, order.ID, models.OrderStatusPaid)
	require.NoError(t, err)

	f.publisher.AssertCalled(t, "Publish", mock.Anything, statusTopic, order.ID, mock.MatchedBy(func(b []byte) bool {
		var e models.OrderEvent
		return json.Unmarshal(b, &e) == nil &&
			e.Type == models.OrderEventStatusChanged &&
			e.PrevStatus == models.OrderStatusPending &&
			e.Status == models.OrderStatusPaid
	}))
}

// racingStore cancels the order behind the engine's back right before the
// engine's own conditional update lands.
type racingStore struct {
	*db.DB
	raced bool
}

func (s *racingStore) UpdateOrderStatus(ctx context.Context, id string, from, to models.OrderStatus, at time.Time) (bool, error) {
	if !s.raced {
		s.raced = true
		if _, err := s.DB.UpdateOrderStatus(ctx, id, from, models.OrderStatusCancelled, at); err != nil {
			return false, err
		}
	}
	return s.DB.UpdateOrderStatus(ctx, id, from, to, at)
}

func TestTransitionOrderStatus_ReevaluatesAfterConcurrentChange(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	order, err := f.svc.PlaceOrder(ctx, "user-1", f.schedule.ID, items(f.adult, 1), "")
	require.NoError(t, err)

	racing := &racingStore{DB: f.store}
	svc := reservation.NewService(racing, nil, nil, logger.NewWriterLogger(io.Discard), reservation.Options{Now: func() time.Time { return now }})

	_, err = svc.TransitionOrderStatus(ctx, order.ID, models.OrderStatusPaid)
	require.ErrorIs(t, err, reservation.ErrInvalidTransition)
	var rerr *reservation.Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, models.OrderStatusCancelled, rerr.From, "re-read status is reported")

	stored, err := f.store.GetOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, stored.Status)
}

func TestMarkEmailSent(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	order, err := f.svc.PlaceOrder(ctx, "user-1", f.schedule.ID, items(f.adult, 1), "")
	require.NoError(t, err)

	require.NoError(t, f.svc.MarkEmailSent(ctx, order.ID))
	require.NoError(t, f.svc.MarkEmailSent(ctx, order.ID))

	stored, err := f.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, stored.EmailSent)

	assert.ErrorIs(t, f.svc.MarkEmailSent(ctx, "missing"), reservation.ErrOrderNotFound)
}

func TestGetOrder_NotFound(t *testing.T) {
	f := newFixture(t, 10)
	_, err := f.svc.GetOrder(context.Background(), "missing")
	assert.ErrorIs(t, err, reservation.ErrOrderNotFound)
}

func TestAvailability(t *testing.T) {
	f := newFixture(t, 6)
	ctx := context.Background()

	_, err := f.svc.PlaceOrder(ctx, "user-1", f.schedule.ID, items(f.adult, 2), "")
	require.NoError(t, err)

	avail, err := f.svc.Availability(ctx, f.schedule.ID)
	require.NoError(t, err)
	assert.Equal(t, &reservation.Availability{ScheduleID: f.schedule.ID, MaxPeople: 6, Booked: 2, Remaining: 4}, avail)

	_, err = f.svc.Availability(ctx, "missing")
	assert.ErrorIs(t, err, reservation.ErrScheduleNotFound)
}

func TestDepartures(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	slots := []models.ScheduleSlot{
		{ID: uuid.NewString(), ScheduleID: f.schedule.ID, WeekDay: int(time.Monday), Time: "09:00"},
		{ID: uuid.NewString(), ScheduleID: f.schedule.ID, WeekDay: int(time.Saturday), Time: "14:30"},
	}
	_, err := f.store.Bun.NewInsert().Model(&slots).Exec(ctx)
	require.NoError(t, err)

	from := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 6, 7, 0, 0, 0, 0, time.UTC)
	departures, err := f.svc.Departures(ctx, f.schedule.ID, from, to)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{
		time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 7, 14, 30, 0, 0, time.UTC),
	}, departures)

	_, err = f.svc.Departures(ctx, "missing", from, to)
	assert.ErrorIs(t, err, reservation.ErrScheduleNotFound)
}

func TestExpirePendingOrders(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	stale, err := f.svc.PlaceOrder(ctx, "user-1", f.schedule.ID, items(f.adult, 1), "")
	require.NoError(t, err)
	paid, err := f.svc.PlaceOrder(ctx, "user-2", f.schedule.ID, items(f.adult, 1), "")
	require.NoError(t, err)
	_, err = f.svc.TransitionOrderStatus(ctx, paid.ID, models.OrderStatusPaid)
	require.NoError(t, err)

	f.clock = now.Add(20 * time.Minute)
	fresh, err := f.svc.PlaceOrder(ctx, "user-3", f.schedule.ID, items(f.adult, 1), "")
	require.NoError(t, err)

	f.clock = now.Add(31 * time.Minute)
	expired, err := f.svc.ExpirePendingOrders(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	for id, want := range map[string]models.OrderStatus{
		stale.ID: models.OrderStatusCancelled,
		paid.ID:  models.OrderStatusPaid,
		fresh.ID: models.OrderStatusPending,
	} {
		o, err := f.svc.GetOrder(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, o.Status)
	}

	avail, err := f.svc.Availability(ctx, f.schedule.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, avail.Remaining)
}

func TestTransitionOrderStatusFrom(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	order, err := f.svc.PlaceOrder(ctx, "user-1", f.schedule.ID, items(f.adult, 2), "")
	require.NoError(t, err)
	_, err = f.svc.TransitionOrderStatusFrom(ctx, order.ID, models.OrderStatusPending, models.OrderStatusPaid)
	require.NoError(t, err)

	// PAID -> CANCELLED is a legal move, but not from the expected PENDING
	_, err = f.svc.TransitionOrderStatusFrom(ctx, order.ID, models.OrderStatusPending, models.OrderStatusCancelled)
	require.ErrorIs(t, err, reservation.ErrInvalidTransition)
	var rerr *reservation.Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, models.OrderStatusPaid, rerr.From)

	stored, err := f.store.GetOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, stored.Status)

	avail, err := f.svc.Availability(ctx, f.schedule.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, avail.Remaining)
}

// payingStore pays every listed order right after the expiry sweep read it.
type payingStore struct {
	*db.DB
}

func (s *payingStore) ListPendingOrdersBefore(ctx context.Context, cutoff time.Time) ([]models.Order, error) {
	orders, err := s.DB.ListPendingOrdersBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	for _, o := range orders {
		if _, err := s.DB.UpdateOrderStatus(ctx, o.ID, models.OrderStatusPending, models.OrderStatusPaid, cutoff); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func TestExpirePendingOrders_SkipsOrdersPaidMeanwhile(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	order, err := f.svc.PlaceOrder(ctx, "user-1", f.schedule.ID, items(f.adult, 1), "")
	require.NoError(t, err)

	later := now.Add(time.Hour)
	svc := reservation.NewService(&payingStore{DB: f.store}, nil, nil, logger.NewWriterLogger(io.Discard),
		reservation.Options{Now: func() time.Time { return later }})

	expired, err := svc.ExpirePendingOrders(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, expired)

	stored, err := f.store.GetOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, stored.Status)
}

type failingCatalogTx struct {
	reservation.TxStore
}

func (failingCatalogTx) GetTicketCategoriesForTour(ctx context.Context, tourID string) ([]models.TicketCategory, error) {
	return nil, errors.New("catalog unavailable")
}

type failingCatalogStore struct {
	*db.DB
}

func (s *failingCatalogStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx reservation.TxStore) error) error {
	return s.DB.RunInTx(ctx, func(ctx context.Context, tx reservation.TxStore) error {
		return fn(ctx, failingCatalogTx{TxStore: tx})
	})
}

func TestPlaceOrder_LogLevelByKind(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	var out bytes.Buffer
	svc := reservation.NewService(&failingCatalogStore{DB: f.store}, nil, nil, logger.NewWriterLogger(&out),
		reservation.Options{Now: func() time.Time { return now }})

	_, err := svc.PlaceOrder(ctx, "user-1", f.schedule.ID, items(f.adult, 1), "")
	require.ErrorIs(t, err, reservation.ErrTransactionFailed)
	assert.Contains(t, out.String(), "ERROR")
	assert.Contains(t, out.String(), "PlaceOrder failed for schedule")
	assert.NotContains(t, out.String(), "rejected")

	out.Reset()
	_, err = svc.PlaceOrder(ctx, "user-1", f.schedule.ID, items(f.adult, 5), "")
	require.ErrorIs(t, err, reservation.ErrCapacityExceeded)
	assert.Contains(t, out.String(), "WARN")
	assert.Contains(t, out.String(), "rejected")
	assert.NotContains(t, out.String(), "ERROR")
}
