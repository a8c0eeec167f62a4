package reservation

import (
	"ms-booking/internal/models"
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Item is one requested ticket category and how many tickets of it.
type Item struct {
	TicketCategoryID string `json:"ticket_category_id" validate:"required"`
	Quantity         int    `json:"quantity"`
}

type QuoteLine struct {
	TicketCategoryID string          `json:"ticket_category_id"`
	Name             string          `json:"name"`
	Quantity         int             `json:"quantity"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	LineTotal        decimal.Decimal `json:"line_total"`
}

type Quote struct {
	ScheduleID     string          `json:"schedule_id"`
	TourID         string          `json:"tour_id"`
	Lines          []QuoteLine     `json:"lines"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	DiscountCode   string          `json:"discount_code,omitempty"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	Total          decimal.Decimal `json:"total"`
	TicketCount    int             `json:"ticket_count"`
}

// normalizeItems rejects empty or non-positive requests and merges repeated
// categories into a single line, keeping first-seen order.
func normalizeItems(op string, items []Item) ([]Item, int, error) {
	if len(items) == 0 {
		return nil, 0, &Error{Kind: KindEmptyItemList, Op: op}
	}

	merged := make([]Item, 0, len(items))
	index := make(map[string]int, len(items))
	total := 0
	for _, it := range items {
		if it.Quantity <= 0 {
			return nil, 0, &Error{Kind: KindInvalidQuantity, Op: op, TicketCategoryID: it.TicketCategoryID, Requested: it.Quantity}
		}
		total += it.Quantity
		if i, ok := index[it.TicketCategoryID]; ok {
			merged[i].Quantity += it.Quantity
			continue
		}
		index[it.TicketCategoryID] = len(merged)
		merged = append(merged, it)
	}
	return merged, total, nil
}

// priceItems computes the quote for already-normalized items. discount is
// the record found for code, or nil when the lookup came back empty.
func priceItems(op string, schedule *models.Schedule, categories []models.TicketCategory, items []Item, code string, discount *models.Discount, now time.Time) (*Quote, error) {
	byID := make(map[string]models.TicketCategory, len(categories))
	for _, c := range categories {
		byID[c.ID] = c
	}

	q := &Quote{
		ScheduleID: schedule.ID,
		TourID:     schedule.TourID,
		Lines:      make([]QuoteLine, 0, len(items)),
		Subtotal:   decimal.Zero,
	}

	for _, it := range items {
		cat, ok := byID[it.TicketCategoryID]
		if !ok || cat.TourID != schedule.TourID {
			return nil, &Error{Kind: KindInvalidTicketCategory, Op: op, ScheduleID: schedule.ID, TicketCategoryID: it.TicketCategoryID}
		}
		line := QuoteLine{
			TicketCategoryID: cat.ID,
			Name:             cat.Name,
			Quantity:         it.Quantity,
			UnitPrice:        cat.Price,
			LineTotal:        cat.Price.Mul(decimal.NewFromInt(int64(it.Quantity))),
		}
		q.Lines = append(q.Lines, line)
		q.Subtotal = q.Subtotal.Add(line.LineTotal)
		q.TicketCount += it.Quantity
	}

	q.Total = q.Subtotal
	if code != "" {
		if discount == nil {
			return nil, &Error{Kind: KindInvalidDiscount, Op: op, DiscountCode: code, Reason: "discount code not found"}
		}
		if ok, reason := discount.UsableAt(now); !ok {
			return nil, &Error{Kind: KindInvalidDiscount, Op: op, DiscountCode: code, Reason: reason}
		}
		q.DiscountCode = discount.Code
		q.Total = applyDiscount(q.Subtotal, discount)
	}
	q.DiscountAmount = q.Subtotal.Sub(q.Total)

	return q, nil
}

// applyDiscount returns the discounted total, rounded to cents and floored at zero.
func applyDiscount(subtotal decimal.Decimal, d *models.Discount) decimal.Decimal {
	var total decimal.Decimal
	if d.IsPercent {
		total = subtotal.Mul(decimal.NewFromInt(1).Sub(d.Value.Div(hundred)))
	} else {
		total = subtotal.Sub(d.Value)
	}
	total = total.Round(2)
	if total.IsNegative() {
		return decimal.Zero
	}
	return total
}
