package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"io"
	"time"

	"ms-booking/internal/logger"
	"ms-booking/internal/models"

	"gopkg.in/gomail.v2"
)

// Sender delivers a composed message. *gomail.Dialer satisfies it.
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

type OrderEngine interface {
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	MarkEmailSent(ctx context.Context, orderID string) error
}

// Directory resolves the customer and tour shown in the email.
type Directory interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetTourForSchedule(ctx context.Context, scheduleID string) (*models.Tour, error)
	GetTicketCategoriesForTour(ctx context.Context, tourID string) ([]models.TicketCategory, error)
}

type Mailer struct {
	engine OrderEngine
	dir    Directory
	sender Sender
	qr     *QRGenerator
	from   string
	logger *logger.Logger
	now    func() time.Time
}

func NewMailer(engine OrderEngine, dir Directory, sender Sender, qr *QRGenerator, from string, log *logger.Logger) *Mailer {
	return &Mailer{
		engine: engine,
		dir:    dir,
		sender: sender,
		qr:     qr,
		from:   from,
		logger: log,
		now:    time.Now,
	}
}

func NewSMTPSender(host string, port int, username, password string) *gomail.Dialer {
	return gomail.NewDialer(host, port, username, password)
}

var confirmationTmpl = template.Must(template.New("confirmation").Parse(`<html><body>
<h2>Booking confirmed</h2>
<p>Hi {{.Name}},</p>
<p>your booking for <strong>{{.Tour}}</strong> is confirmed.</p>
<table>
<tr><th>Category</th><th>Qty</th><th>Price</th></tr>
{{range .Lines}}<tr><td>{{.Category}}</td><td>{{.Quantity}}</td><td>{{.Price}}</td></tr>
{{end}}</table>
<p>Total paid: <strong>{{.Total}}</strong></p>
<p>Order reference: {{.OrderID}}</p>
<p>Show this code when boarding:</p>
<img src="cid:order_qr.png" alt="order QR code"/>
</body></html>`))

type confirmationLine struct {
	Category string
	Quantity int
	Price    string
}

type confirmationData struct {
	Name    string
	Tour    string
	OrderID string
	Total   string
	Lines   []confirmationLine
}

// SendConfirmation emails the paid order's confirmation with its QR pass and
// then marks the order's email as sent. Orders already flagged are skipped.
func (m *Mailer) SendConfirmation(ctx context.Context, orderID string) error {
	order, err := m.engine.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.EmailSent {
		m.logger.Debug("EMAIL", "confirmation already sent for order "+orderID)
		return nil
	}
	if order.Status != models.OrderStatusPaid {
		return fmt.Errorf("order %s is %s, not %s", orderID, order.Status, models.OrderStatusPaid)
	}

	user, err := m.dir.GetUserByID(ctx, order.UserID)
	if err != nil {
		return fmt.Errorf("load user %s: %w", order.UserID, err)
	}
	tour, err := m.dir.GetTourForSchedule(ctx, order.ScheduleID)
	if err != nil {
		return fmt.Errorf("load tour for schedule %s: %w", order.ScheduleID, err)
	}

	categories, err := m.dir.GetTicketCategoriesForTour(ctx, tour.ID)
	if err != nil {
		return fmt.Errorf("load ticket categories for tour %s: %w", tour.ID, err)
	}

	msg, err := m.compose(order, user, tour, categories)
	if err != nil {
		return err
	}
	if err := m.sender.DialAndSend(msg); err != nil {
		m.logger.Error("EMAIL", fmt.Sprintf("failed to send confirmation for order %s to %s: %v", orderID, user.Email, err))
		return err
	}
	m.logger.Info("EMAIL", fmt.Sprintf("confirmation for order %s sent to %s", orderID, user.Email))

	return m.engine.MarkEmailSent(ctx, orderID)
}

func (m *Mailer) compose(order *models.Order, user *models.User, tour *models.Tour, categories []models.TicketCategory) (*gomail.Message, error) {
	names := make(map[string]string, len(categories))
	for _, c := range categories {
		names[c.ID] = c.Name
	}

	data := confirmationData{
		Name:    user.Name,
		Tour:    tour.Title,
		OrderID: order.ID,
		Total:   order.TotalPrice.StringFixed(2),
	}
	for _, it := range order.Items {
		data.Lines = append(data.Lines, confirmationLine{
			Category: names[it.TicketCategoryID],
			Quantity: it.Quantity,
			Price:    it.Price.StringFixed(2),
		})
	}

	var body bytes.Buffer
	if err := confirmationTmpl.Execute(&body, data); err != nil {
		return nil, fmt.Errorf("render confirmation: %w", err)
	}

	qrPNG, err := m.qr.GenerateOrderQR(order, m.now())
	if err != nil {
		return nil, fmt.Errorf("generate qr for order %s: %w", order.ID, err)
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", user.Email)
	msg.SetHeader("Subject", fmt.Sprintf("Booking confirmed: %s", tour.Title))
	msg.SetBody("text/html", body.String())
	msg.Embed("order_qr.png", gomail.SetCopyFunc(func(w io.Writer) error {
		_, err := w.Write(qrPNG)
		return err
	}))
	return msg, nil
}
