// ABOUTME: Outbound mail contract shared by the gateway and the mailer worker
// ABOUTME: Mail records, the Mailer interface and a logging fallback implementation

package mail

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Kind selects the template used to render a mail.
type Kind string

const (
	KindBookingConfirmed  Kind = "booking_confirmed"
	KindReservationPlaced Kind = "reservation_placed"
	KindEscalation        Kind = "escalation"
)

// Mail is a request to send one templated message. Data feeds the template.
type Mail struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenant_id"`
	To        string            `json:"to"`
	Kind      Kind              `json:"kind"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// New builds a Mail with a fresh id and timestamp.
func New(tenantID, to string, kind Kind, data map[string]string) Mail {
	return Mail{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		To:        to,
		Kind:      kind,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
}

// Mailer accepts mail for delivery. A nil error means the mail was handed off,
// not that it arrived.
type Mailer interface {
	Send(ctx context.Context, m Mail) error
}

// LogMailer writes mail requests to the log. Used when no broker is configured.
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer creates a LogMailer. Pass nil logger for default.
func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger.With("component", "mail")}
}

// Send logs the mail and always succeeds.
func (l *LogMailer) Send(_ context.Context, m Mail) error {
	l.logger.Info("mail not sent (no broker configured)",
		"mail_id", m.ID,
		"tenant_id", m.TenantID,
		"to", m.To,
		"kind", m.Kind)
	return nil
}
