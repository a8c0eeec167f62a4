package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusPaid      OrderStatus = "PAID"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// ActiveOrderStatuses are the statuses whose items hold schedule capacity.
var ActiveOrderStatuses = []OrderStatus{OrderStatusPending, OrderStatusPaid}

func ParseOrderStatus(s string) (OrderStatus, bool) {
	st := OrderStatus(s)
	return st, st.Valid()
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPaid, OrderStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo implements the order lifecycle:
// PENDING -> PAID, PENDING -> CANCELLED, PAID -> CANCELLED. CANCELLED is terminal.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	switch s {
	case OrderStatusPending:
		return next == OrderStatusPaid || next == OrderStatusCancelled
	case OrderStatusPaid:
		return next == OrderStatusCancelled
	}
	return false
}

// HoldsCapacity reports whether an order in this status consumes seats.
func (s OrderStatus) HoldsCapacity() bool {
	return s == OrderStatusPending || s == OrderStatusPaid
}

type Order struct {
	bun.BaseModel `bun:"table:orders"`

	ID         string          `bun:"id,pk" json:"id"`
	UserID     string          `bun:"user_id,notnull" json:"user_id"`
	ScheduleID string          `bun:"schedule_id,notnull" json:"schedule_id"`
	TotalPrice decimal.Decimal `bun:"total_price,type:numeric(12,2),notnull" json:"total_price"`
	Status     OrderStatus     `bun:"status,notnull" json:"status"`
	EmailSent  bool            `bun:"email_sent,notnull" json:"email_sent"`
	CreatedAt  time.Time       `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt  time.Time       `bun:"updated_at,notnull" json:"updated_at"`

	Items []OrderItem `bun:"rel:has-many,join:id=order_id" json:"items,omitempty"`
}

// OrderItem binds a quantity of one ticket category to an order. Price is
// the category price copied at booking time and is never rewritten.
type OrderItem struct {
	bun.BaseModel `bun:"table:order_items"`

	ID               string          `bun:"id,pk" json:"id"`
	OrderID          string          `bun:"order_id,notnull" json:"order_id"`
	TicketCategoryID string          `bun:"ticket_category_id,notnull" json:"ticket_category_id"`
	Quantity         int             `bun:"quantity,notnull" json:"quantity"`
	Price            decimal.Decimal `bun:"price,type:numeric(12,2),notnull" json:"price"`
}

func (i OrderItem) LineTotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// OrderEvent is the payload published to Kafka for order lifecycle changes.
type OrderEvent struct {
	Type         string          `json:"type"`
	OrderID      string          `json:"order_id"`
	UserID       string          `json:"user_id"`
	ScheduleID   string          `json:"schedule_id"`
	Status       OrderStatus     `json:"status"`
	PrevStatus   OrderStatus     `json:"prev_status,omitempty"`
	TotalPrice   decimal.Decimal `json:"total_price"`
	DiscountCode string          `json:"discount_code,omitempty"`
	Items        []OrderItem     `json:"items,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

const (
	OrderEventCreated       = "order.created"
	OrderEventStatusChanged = "order.status_changed"
)

type PaymentResult string

const (
	PaymentSucceeded PaymentResult = "SUCCEEDED"
	PaymentFailed    PaymentResult = "FAILED"
	PaymentRefunded  PaymentResult = "REFUNDED"
)

// PaymentEvent is consumed from the payment gateway's topic; only the
// resulting order status transition is modelled here.
type PaymentEvent struct {
	PaymentID string        `json:"payment_id"`
	OrderID   string        `json:"order_id"`
	Result    PaymentResult `json:"result"`
	Timestamp time.Time     `json:"timestamp"`
}

// PaymentConflictEvent reports a payment that could not be applied to its
// order and needs manual follow-up, such as a refund of money taken for an
// order that was already cancelled.
type PaymentConflictEvent struct {
	Type        string        `json:"type"`
	PaymentID   string        `json:"payment_id"`
	OrderID     string        `json:"order_id"`
	Result      PaymentResult `json:"result"`
	OrderStatus OrderStatus   `json:"order_status"`
	Reason      string        `json:"reason"`
	Timestamp   time.Time     `json:"timestamp"`
}

const PaymentEventRefundRequired = "payment.refund_required"
