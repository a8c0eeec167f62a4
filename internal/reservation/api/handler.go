package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"ms-booking/internal/logger"
	"ms-booking/internal/models"
	"ms-booking/internal/reservation"
	"ms-booking/internal/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
)

const (
	dateLayout       = "2006-01-02"
	maxDepartureSpan = 92 * 24 * time.Hour
)

type Engine interface {
	QuoteOrder(ctx context.Context, scheduleID string, items []reservation.Item, discountCode string) (*reservation.Quote, error)
	PlaceOrder(ctx context.Context, userID, scheduleID string, items []reservation.Item, discountCode string) (*models.Order, error)
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	TransitionOrderStatus(ctx context.Context, orderID string, next models.OrderStatus) (*models.Order, error)
	MarkEmailSent(ctx context.Context, orderID string) error
	Availability(ctx context.Context, scheduleID string) (*reservation.Availability, error)
	Departures(ctx context.Context, scheduleID string, from, to time.Time) ([]time.Time, error)
}

type Handler struct {
	Engine   Engine
	Logger   *logger.Logger
	Location *time.Location
	validate *validator.Validate
}

func NewHandler(engine Engine, loc *time.Location, log *logger.Logger) *Handler {
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{
		Engine:   engine,
		Logger:   log,
		Location: loc,
		validate: validator.New(),
	}
}

type QuoteRequest struct {
	ScheduleID   string             `json:"schedule_id" validate:"required"`
	Items        []reservation.Item `json:"items" validate:"dive"`
	DiscountCode string             `json:"discount_code"`
}

type PlaceOrderRequest struct {
	UserID       string             `json:"user_id" validate:"required"`
	ScheduleID   string             `json:"schedule_id" validate:"required"`
	Items        []reservation.Item `json:"items" validate:"dive"`
	DiscountCode string             `json:"discount_code"`
}

type StatusRequest struct {
	Status models.OrderStatus `json:"status" validate:"required"`
}

type DeparturesResponse struct {
	ScheduleID string      `json:"schedule_id"`
	From       string      `json:"from"`
	To         string      `json:"to"`
	Departures []time.Time `json:"departures"`
}

// Routes mounts the booking endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Use(h.logRequests)

	r.Post("/quotes", h.Quote)
	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.PlaceOrder)
		r.Get("/{orderId}", h.GetOrder)
		r.Patch("/{orderId}/status", h.UpdateStatus)
		r.Post("/{orderId}/email-sent", h.MarkEmailSent)
	})
	r.Route("/schedules/{scheduleId}", func(r chi.Router) {
		r.Get("/availability", h.Availability)
		r.Get("/departures", h.Departures)
	})
}

func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if !h.decode(w, r, &req) {
		return
	}

	quote, err := h.Engine.QuoteOrder(r.Context(), req.ScheduleID, req.Items, req.DiscountCode)
	if err != nil {
		h.writeError(w, "Quote", err)
		return
	}
	h.write(w, http.StatusOK, utils.OK("quote computed", quote))
}

func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if !h.decode(w, r, &req) {
		return
	}

	order, err := h.Engine.PlaceOrder(r.Context(), req.UserID, req.ScheduleID, req.Items, req.DiscountCode)
	if err != nil {
		h.writeError(w, "PlaceOrder", err)
		return
	}
	h.Logger.Info("API", fmt.Sprintf("PlaceOrder: order %s created for user %s", order.ID, req.UserID))
	h.write(w, http.StatusCreated, utils.OK("order created", order))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")

	order, err := h.Engine.GetOrder(r.Context(), orderID)
	if err != nil {
		h.writeError(w, "GetOrder", err)
		return
	}
	h.write(w, http.StatusOK, utils.OK("order found", order))
}

func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")

	var req StatusRequest
	if !h.decode(w, r, &req) {
		return
	}

	order, err := h.Engine.TransitionOrderStatus(r.Context(), orderID, req.Status)
	if err != nil {
		h.writeError(w, "UpdateStatus", err)
		return
	}
	h.write(w, http.StatusOK, utils.OK("order status updated", order))
}

func (h *Handler) MarkEmailSent(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")

	if err := h.Engine.MarkEmailSent(r.Context(), orderID); err != nil {
		h.writeError(w, "MarkEmailSent", err)
		return
	}
	h.write(w, http.StatusOK, utils.OK("email marked as sent", map[string]string{"order_id": orderID}))
}

func (h *Handler) Availability(w http.ResponseWriter, r *http.Request) {
	scheduleID := chi.URLParam(r, "scheduleId")

	avail, err := h.Engine.Availability(r.Context(), scheduleID)
	if err != nil {
		h.writeError(w, "Availability", err)
		return
	}
	h.write(w, http.StatusOK, utils.OK("availability", avail))
}

// Departures lists departures between ?from= and ?to= (inclusive dates).
// Without from it starts today; without to it covers a week.
func (h *Handler) Departures(w http.ResponseWriter, r *http.Request) {
	scheduleID := chi.URLParam(r, "scheduleId")

	from, to, err := h.parseRange(r)
	if err != nil {
		h.write(w, http.StatusBadRequest, utils.Fail(utils.CodeInvalidRange, err.Error()))
		return
	}

	departures, err := h.Engine.Departures(r.Context(), scheduleID, from, to)
	if err != nil {
		h.writeError(w, "Departures", err)
		return
	}
	h.write(w, http.StatusOK, utils.OK("departures", DeparturesResponse{
		ScheduleID: scheduleID,
		From:       from.Format(dateLayout),
		To:         to.Format(dateLayout),
		Departures: departures,
	}))
}

func (h *Handler) parseRange(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now().In(h.Location)
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, h.Location)

	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.ParseInLocation(dateLayout, v, h.Location)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid from date %q, want YYYY-MM-DD", v)
		}
		from = t
	}

	to := from.AddDate(0, 0, 7)
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.ParseInLocation(dateLayout, v, h.Location)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid to date %q, want YYYY-MM-DD", v)
		}
		to = t
	}

	if to.Before(from) {
		return time.Time{}, time.Time{}, errors.New("to must not be before from")
	}
	if to.Sub(from) > maxDepartureSpan {
		return time.Time{}, time.Time{}, fmt.Errorf("date range too large, max %d days", int(maxDepartureSpan.Hours()/24))
	}
	return from, to, nil
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.Logger.Warn("API", fmt.Sprintf("%s %s: invalid body: %v", r.Method, r.URL.Path, err))
		h.write(w, http.StatusBadRequest, utils.Fail(utils.CodeInvalidBody, "Invalid request body: "+err.Error()))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.Logger.Warn("API", fmt.Sprintf("%s %s: validation failed: %v", r.Method, r.URL.Path, err))
		h.write(w, http.StatusBadRequest, utils.Fail(utils.CodeValidationFailed, validationMessage(err)))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Sprintf("field %s failed %s validation", fe.Namespace(), fe.Tag())
	}
	return err.Error()
}

// statusFor maps engine error kinds to HTTP status codes.
func statusFor(kind reservation.Kind) int {
	switch kind {
	case reservation.KindScheduleNotFound, reservation.KindOrderNotFound:
		return http.StatusNotFound
	case reservation.KindEmptyItemList, reservation.KindInvalidQuantity, reservation.KindInvalidTicketCategory:
		return http.StatusBadRequest
	case reservation.KindInvalidDiscount, reservation.KindInvalidTransition:
		return http.StatusUnprocessableEntity
	case reservation.KindCapacityExceeded:
		return http.StatusConflict
	case reservation.KindTransactionFailed:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, op string, err error) {
	var rerr *reservation.Error
	if !errors.As(err, &rerr) {
		h.Logger.Error("API", fmt.Sprintf("%s: %v", op, err))
		h.write(w, http.StatusInternalServerError, utils.Fail(utils.CodeInternal, "internal error"))
		return
	}

	status := statusFor(rerr.Kind)
	resp := utils.Fail(string(rerr.Kind), rerr.Error())
	switch rerr.Kind {
	case reservation.KindCapacityExceeded:
		resp = resp.WithData(map[string]interface{}{
			"schedule_id": rerr.ScheduleID,
			"requested":   rerr.Requested,
			"available":   rerr.Available,
		})
	case reservation.KindTransactionFailed:
		resp.Retryable = true
		w.Header().Set("Retry-After", "1")
	}

	if status >= http.StatusInternalServerError {
		h.Logger.Error("API", fmt.Sprintf("%s: %v", op, err))
	} else {
		h.Logger.Debug("API", fmt.Sprintf("%s: %v", op, err))
	}
	h.write(w, status, resp)
}

func (h *Handler) write(w http.ResponseWriter, status int, resp utils.APIResponse) {
	if err := utils.WriteJSON(w, status, resp); err != nil {
		h.Logger.Error("API", fmt.Sprintf("failed to encode response: %v", err))
	}
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.Logger.LogAPI(r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}
