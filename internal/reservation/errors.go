package reservation

import (
	"errors"
	"fmt"
	"ms-booking/internal/models"
	"strings"
)

type Kind string

const (
	KindScheduleNotFound      Kind = "SCHEDULE_NOT_FOUND"
	KindInvalidTicketCategory Kind = "INVALID_TICKET_CATEGORY"
	KindEmptyItemList         Kind = "EMPTY_ITEM_LIST"
	KindInvalidQuantity       Kind = "INVALID_QUANTITY"
	KindInvalidDiscount       Kind = "INVALID_DISCOUNT"
	KindCapacityExceeded      Kind = "CAPACITY_EXCEEDED"
	KindInvalidTransition     Kind = "INVALID_TRANSITION"
	KindOrderNotFound         Kind = "ORDER_NOT_FOUND"
	KindTransactionFailed     Kind = "TRANSACTION_FAILED"
)

// Error is the structured error returned by every engine operation. Only
// the fields relevant to Kind are populated.
type Error struct {
	Kind Kind
	Op   string

	ScheduleID       string
	OrderID          string
	TicketCategoryID string
	DiscountCode     string
	Requested        int
	Available        int
	From             models.OrderStatus
	To               models.OrderStatus
	Reason           string

	Err error
}

var (
	ErrScheduleNotFound      = &Error{Kind: KindScheduleNotFound}
	ErrInvalidTicketCategory = &Error{Kind: KindInvalidTicketCategory}
	ErrEmptyItemList         = &Error{Kind: KindEmptyItemList}
	ErrInvalidQuantity       = &Error{Kind: KindInvalidQuantity}
	ErrInvalidDiscount       = &Error{Kind: KindInvalidDiscount}
	ErrCapacityExceeded      = &Error{Kind: KindCapacityExceeded}
	ErrInvalidTransition     = &Error{Kind: KindInvalidTransition}
	ErrOrderNotFound         = &Error{Kind: KindOrderNotFound}
	ErrTransactionFailed     = &Error{Kind: KindTransactionFailed}
)

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(strings.ToLower(strings.ReplaceAll(string(e.Kind), "_", " ")))

	switch e.Kind {
	case KindCapacityExceeded:
		fmt.Fprintf(&b, " (schedule %s: requested %d, available %d)", e.ScheduleID, e.Requested, e.Available)
	case KindInvalidTransition:
		fmt.Fprintf(&b, " (order %s: %s -> %s)", e.OrderID, e.From, e.To)
	case KindInvalidDiscount:
		fmt.Fprintf(&b, " (code %q)", e.DiscountCode)
	case KindInvalidTicketCategory:
		fmt.Fprintf(&b, " (category %s, schedule %s)", e.TicketCategoryID, e.ScheduleID)
	case KindScheduleNotFound:
		fmt.Fprintf(&b, " (schedule %s)", e.ScheduleID)
	case KindOrderNotFound:
		fmt.Fprintf(&b, " (order %s)", e.OrderID)
	}

	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so callers can use
// errors.Is(err, reservation.ErrCapacityExceeded).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of a reservation error, or "" for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether the failed operation may be retried as-is.
func Retryable(err error) bool {
	return KindOf(err) == KindTransactionFailed
}
