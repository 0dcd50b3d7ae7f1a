// ABOUTME: Conversation state machine: ACTIVE <-> ESCALATED, anything -> EXPIRED
// ABOUTME: Each transition is one conditional update; changes are published to the room

package conversation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/hearth/internal/fanout"
	"github.com/2389/hearth/internal/notify"
	"github.com/2389/hearth/internal/store"
)

var (
	// ErrNotFound means the conversation does not exist (or is not visible
	// to the caller).
	ErrNotFound = store.ErrNotFound

	// ErrConversationExpired means the conversation is read-only.
	ErrConversationExpired = store.ErrConversationEnded

	// ErrNotIdle means Expire was called before the idle timeout elapsed.
	ErrNotIdle = errors.New("conversation is not idle")
)

const notifyTimeout = 5 * time.Second

// LifecycleStore is the persistence the state machine needs.
type LifecycleStore interface {
	GetTenant(ctx context.Context, id string) (*store.Tenant, error)
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	TransitionConversation(ctx context.Context, id string, t store.Transition) (*store.Conversation, bool, error)
	TouchConversation(ctx context.Context, id string, at time.Time) error
	SetFavorite(ctx context.Context, id string, favorite bool) error
	MarkMessagesSeen(ctx context.Context, conversationID string, role store.Role) (int64, error)
}

// Publisher delivers events to a conversation's live listeners.
type Publisher interface {
	Publish(ctx context.Context, room string, ev *fanout.Event) int
}

// Lifecycle owns conversation state transitions.
type Lifecycle struct {
	store       LifecycleStore
	notifier    notify.Notifier
	publisher   Publisher
	idleTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// NewLifecycle creates the state machine. notifier and publisher may be nil.
func NewLifecycle(s LifecycleStore, notifier notify.Notifier, publisher Publisher, idleTimeout time.Duration, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		store:       s,
		notifier:    notifier,
		publisher:   publisher,
		idleTimeout: idleTimeout,
		now:         time.Now,
		logger:      logger.With("component", "lifecycle"),
	}
}

// Escalate hands the conversation to a human: ESCALATED with live mode on.
// Escalating an escalated conversation is a no-op. The tenant owner is
// notified only when this call changed the state.
func (l *Lifecycle) Escalate(ctx context.Context, id, reason string) (*store.Conversation, error) {
	conv, changed, err := l.store.TransitionConversation(ctx, id, store.Transition{
		From:     []store.ConversationState{store.StateActive},
		To:       store.StateEscalated,
		LiveMode: true,
		At:       l.now(),
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		if conv.State == store.StateExpired {
			return nil, ErrConversationExpired
		}
		return conv, nil
	}

	l.logger.Info("conversation escalated", "conversation_id", id, "tenant_id", conv.TenantID, "reason", reason)
	l.publishState(ctx, conv)
	l.notifyEscalation(ctx, conv, reason)
	return conv, nil
}

// HandBack returns the conversation to the assistant.
func (l *Lifecycle) HandBack(ctx context.Context, id string) (*store.Conversation, error) {
	conv, changed, err := l.store.TransitionConversation(ctx, id, store.Transition{
		From:     []store.ConversationState{store.StateEscalated},
		To:       store.StateActive,
		LiveMode: false,
		At:       l.now(),
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		if conv.State == store.StateExpired {
			return nil, ErrConversationExpired
		}
		return conv, nil
	}

	l.logger.Info("conversation handed back", "conversation_id", id, "tenant_id", conv.TenantID)
	l.publishState(ctx, conv)
	return conv, nil
}

// Expire ends a conversation that has been idle longer than the idle
// timeout. Expiring an expired conversation is a no-op.
func (l *Lifecycle) Expire(ctx context.Context, id string) (*store.Conversation, error) {
	now := l.now()
	cutoff := now.Add(-l.idleTimeout)
	conv, changed, err := l.store.TransitionConversation(ctx, id, store.Transition{
		From:       []store.ConversationState{store.StateActive, store.StateEscalated},
		To:         store.StateExpired,
		LiveMode:   false,
		IdleBefore: &cutoff,
		At:         now,
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		if conv.State == store.StateExpired {
			return conv, nil
		}
		return nil, ErrNotIdle
	}

	l.logger.Info("conversation expired", "conversation_id", id, "tenant_id", conv.TenantID)
	l.publishState(ctx, conv)
	return conv, nil
}

// RecordActivity bumps the conversation's last activity time.
func (l *Lifecycle) RecordActivity(ctx context.Context, id string) error {
	return l.store.TouchConversation(ctx, id, l.now())
}

// Resolve loads a conversation, expiring it first if it has gone idle.
func (l *Lifecycle) Resolve(ctx context.Context, id string) (*store.Conversation, error) {
	conv, err := l.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.State == store.StateExpired || !l.isIdle(conv) {
		return conv, nil
	}

	expired, err := l.Expire(ctx, id)
	if errors.Is(err, ErrNotIdle) {
		// activity landed between the read and the update
		return l.store.GetConversation(ctx, id)
	}
	return expired, err
}

func (l *Lifecycle) isIdle(conv *store.Conversation) bool {
	return l.now().Sub(conv.LastActivityAt) > l.idleTimeout
}

// SetFavorite flags a conversation for operators.
func (l *Lifecycle) SetFavorite(ctx context.Context, id string, favorite bool) error {
	return l.store.SetFavorite(ctx, id, favorite)
}

// MarkSeen marks the customer's messages as read by an operator.
func (l *Lifecycle) MarkSeen(ctx context.Context, id string) (int64, error) {
	if _, err := l.store.GetConversation(ctx, id); err != nil {
		return 0, err
	}
	return l.store.MarkMessagesSeen(ctx, id, store.RoleUser)
}

func (l *Lifecycle) publishState(ctx context.Context, conv *store.Conversation) {
	if l.publisher == nil {
		return
	}
	l.publisher.Publish(ctx, conv.ID, &fanout.Event{
		ID:             uuid.New().String(),
		Type:           fanout.EventState,
		ConversationID: conv.ID,
		State: &fanout.StatePayload{
			State:    string(conv.State),
			LiveMode: conv.LiveMode,
		},
		CreatedAt: conv.UpdatedAt,
	})
}

// notifyEscalation runs the notifier with its own deadline so a cancelled
// request still gets its alert out. Failures are logged only.
func (l *Lifecycle) notifyEscalation(ctx context.Context, conv *store.Conversation, reason string) {
	if l.notifier == nil {
		return
	}

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	e := notify.Escalation{
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		Title:          conv.Title,
		Reason:         reason,
	}
	if t, err := l.store.GetTenant(nctx, conv.TenantID); err == nil {
		e.TenantName = t.Name
		e.OwnerEmail = t.OwnerEmail
		e.NotifyRoom = t.NotifyRoom
	} else {
		l.logger.Warn("loading tenant for escalation notice", "tenant_id", conv.TenantID, "error", err)
	}

	if err := l.notifier.NotifyEscalation(nctx, e); err != nil {
		l.logger.Warn("escalation notification failed",
			"conversation_id", conv.ID,
			"error", err)
	}
}
