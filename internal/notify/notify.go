// ABOUTME: Escalation alerts to tenant owners over mail and Matrix
// ABOUTME: Notifiers are advisory; callers log failures and never retry

package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/2389/hearth/internal/mail"
)

// Escalation describes a conversation that now needs a human.
type Escalation struct {
	TenantID       string
	TenantName     string
	OwnerEmail     string
	NotifyRoom     string
	ConversationID string
	Title          string
	Reason         string
}

// Notifier tells someone about an escalation.
type Notifier interface {
	NotifyEscalation(ctx context.Context, e Escalation) error
}

// MailNotifier mails the tenant owner.
type MailNotifier struct {
	mailer mail.Mailer
}

// NewMailNotifier creates a notifier that sends escalation mail through mailer.
func NewMailNotifier(mailer mail.Mailer) *MailNotifier {
	return &MailNotifier{mailer: mailer}
}

// NotifyEscalation sends an escalation mail. Tenants without an owner email
// are skipped.
func (n *MailNotifier) NotifyEscalation(ctx context.Context, e Escalation) error {
	if e.OwnerEmail == "" {
		return nil
	}
	return n.mailer.Send(ctx, mail.New(e.TenantID, e.OwnerEmail, mail.KindEscalation, map[string]string{
		"tenant_name":     e.TenantName,
		"title":           e.Title,
		"reason":          e.Reason,
		"conversation_id": e.ConversationID,
	}))
}

// textSender is the part of *mautrix.Client the notifier uses.
type textSender interface {
	SendText(ctx context.Context, roomID id.RoomID, text string) (*mautrix.RespSendEvent, error)
}

// MatrixNotifier posts escalations into a Matrix room.
type MatrixNotifier struct {
	client      textSender
	defaultRoom string
}

// NewMatrixNotifier logs in with an access token. defaultRoom receives alerts
// for tenants without their own notify room.
func NewMatrixNotifier(homeserver, userID, accessToken, defaultRoom string) (*MatrixNotifier, error) {
	client, err := mautrix.NewClient(homeserver, id.UserID(userID), accessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	return &MatrixNotifier{client: client, defaultRoom: defaultRoom}, nil
}

// NotifyEscalation posts to the tenant's room, falling back to the default.
func (n *MatrixNotifier) NotifyEscalation(ctx context.Context, e Escalation) error {
	room := e.NotifyRoom
	if room == "" {
		room = n.defaultRoom
	}
	if room == "" {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] conversation escalated: %s", e.TenantName, e.Title)
	if e.Reason != "" {
		fmt.Fprintf(&b, " (%s)", e.Reason)
	}
	fmt.Fprintf(&b, "\nconversation: %s", e.ConversationID)

	if _, err := n.client.SendText(ctx, id.RoomID(room), b.String()); err != nil {
		return fmt.Errorf("sending matrix message: %w", err)
	}
	return nil
}

// Multi fans an escalation out to several notifiers.
type Multi struct {
	notifiers []Notifier
	logger    *slog.Logger
}

// NewMulti combines notifiers. Nil entries are ignored.
func NewMulti(logger *slog.Logger, notifiers ...Notifier) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Multi{logger: logger.With("component", "notify")}
	for _, n := range notifiers {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	return m
}

// NotifyEscalation calls every notifier, even after one fails, and returns
// the joined errors.
func (m *Multi) NotifyEscalation(ctx context.Context, e Escalation) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.NotifyEscalation(ctx, e); err != nil {
			m.logger.Warn("escalation notifier failed",
				"notifier", fmt.Sprintf("%T", n),
				"conversation_id", e.ConversationID,
				"error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
