// ABOUTME: Service is the orchestrator every inbound customer message flows through
// ABOUTME: Record first, then act: the message is persisted and fanned out before the assistant runs

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/2389/hearth/internal/assistant"
	"github.com/2389/hearth/internal/auth"
	"github.com/2389/hearth/internal/booking"
	"github.com/2389/hearth/internal/fanout"
	"github.com/2389/hearth/internal/store"
)

var (
	// ErrAssistantUnavailable means the inbound message was recorded but no
	// reply could be produced. The Outcome carries a fallback reply.
	ErrAssistantUnavailable = errors.New("assistant unavailable")

	// ErrEmptyMessage means the message had neither text nor media.
	ErrEmptyMessage = errors.New("message has no content")

	// ErrDuplicateMessage means a client message id was reused outside the
	// retry of its original send.
	ErrDuplicateMessage = store.ErrDuplicateMessage
)

// FallbackReply is shown when the assistant cannot answer.
const FallbackReply = "Thanks for your message! We're having trouble answering right now, but we'll get back to you shortly."

const (
	tenantCacheTTL  = time.Minute
	assistantSender = "assistant"
)

var emailPattern = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)

// Store defines what the orchestrator needs from storage.
type Store interface {
	LifecycleStore

	CreateCustomer(ctx context.Context, c *store.Customer) error
	GetCustomer(ctx context.Context, tenantID, id string) (*store.Customer, error)
	SetCustomerEmail(ctx context.Context, tenantID, id, email string) error

	CreateConversation(ctx context.Context, c *store.Conversation) error
	ListConversations(ctx context.Context, f store.ConversationFilter) ([]*store.Conversation, error)
	AppendMessage(ctx context.Context, m *store.Message) error
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*store.Message, error)

	ListProducts(ctx context.Context, tenantID string, activeOnly bool) ([]*store.Product, error)
}

// Booker is the slice of the booking coordinator the orchestrator uses.
type Booker interface {
	ListAvailableSlots(ctx context.Context, tenantID, date string) ([]string, error)
	Book(ctx context.Context, req booking.BookRequest) (*booking.BookResult, error)
	Reserve(ctx context.Context, req booking.ReserveRequest) (*booking.ReserveResult, error)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store     Store
	Sessions  *auth.SessionService
	Lifecycle *Lifecycle
	Assistant assistant.Replier
	Booker    Booker
	Publisher Publisher
}

// Options tunes a Service.
type Options struct {
	HistoryLimit     int
	AssistantTimeout time.Duration
}

// Service composes identity, lifecycle, assistant, booking and fanout for
// each inbound message.
type Service struct {
	store            Store
	sessions         *auth.SessionService
	lifecycle        *Lifecycle
	assistant        assistant.Replier
	booker           Booker
	publisher        Publisher
	historyLimit     int
	assistantTimeout time.Duration
	tenants          *cache.Cache
	now              func() time.Time
	logger           *slog.Logger
}

// New creates a conversation Service.
func New(deps Deps, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	if opts.AssistantTimeout <= 0 {
		opts.AssistantTimeout = 20 * time.Second
	}
	return &Service{
		store:            deps.Store,
		sessions:         deps.Sessions,
		lifecycle:        deps.Lifecycle,
		assistant:        deps.Assistant,
		booker:           deps.Booker,
		publisher:        deps.Publisher,
		historyLimit:     opts.HistoryLimit,
		assistantTimeout: opts.AssistantTimeout,
		tenants:          cache.New(tenantCacheTTL, 2*tenantCacheTTL),
		now:              time.Now,
		logger:           logger.With("component", "conversation"),
	}
}

// Lifecycle exposes the state machine for operator actions.
func (s *Service) Lifecycle() *Lifecycle {
	return s.lifecycle
}

// InboundMessage is one customer message as received by the gateway.
type InboundMessage struct {
	TenantID       string
	ConversationID string // empty starts a new conversation
	SessionToken   string // empty or invalid means anonymous
	MessageID      string // client-chosen id for echo suppression, optional
	Content        string
	MediaRef       string
}

// Outcome is the result of HandleMessage.
type Outcome struct {
	ConversationID   string
	CustomerID       string
	MessageID        string
	Reply            string
	ReplyMessageID   string
	SessionToken     string
	SessionExpiresAt time.Time
	LiveMode         bool
	Pending          bool
	Warnings         []string
}

// identity is the customer behind a request and the token to hand back.
type identity struct {
	customer  *store.Customer
	token     string
	expiresAt time.Time
	fresh     bool
}

// HandleMessage records an inbound customer message and, unless a human has
// taken over, produces the assistant's reply.
//
// The inbound message is persisted and published before the assistant is
// called, so it survives an assistant failure. In that case the returned
// Outcome has Pending set and a fallback reply, and the error is
// ErrAssistantUnavailable.
func (s *Service) HandleMessage(ctx context.Context, in InboundMessage) (*Outcome, error) {
	in.Content = strings.TrimSpace(in.Content)
	if in.Content == "" && in.MediaRef == "" {
		return nil, ErrEmptyMessage
	}

	tenant, err := s.tenantInfo(ctx, in.TenantID)
	if err != nil {
		return nil, err
	}

	// A retried send answers from what was recorded the first time.
	if in.MessageID != "" {
		out, err := s.replay(ctx, in)
		if !errors.Is(err, store.ErrNotFound) {
			return out, err
		}
	}

	// 1. Who is this?
	id, err := s.resolveIdentity(ctx, in.TenantID, in.SessionToken)
	if err != nil {
		return nil, fmt.Errorf("identity resolution failed: %w", err)
	}
	s.captureEmail(ctx, id.customer, in.Content)

	// 2. Which conversation?
	conv, err := s.ensureConversation(ctx, in, id)
	if err != nil {
		return nil, err
	}

	// 3. Activity
	if err := s.lifecycle.RecordActivity(ctx, conv.ID); err != nil {
		return nil, fmt.Errorf("recording activity: %w", err)
	}

	// 4. Record first
	msgID := in.MessageID
	if msgID == "" {
		msgID = uuid.New().String()
	}
	userMsg := &store.Message{
		ID:             msgID,
		ConversationID: conv.ID,
		Role:           store.RoleUser,
		Sender:         id.customer.ID,
		Body:           in.Content,
		MediaRef:       in.MediaRef,
		CreatedAt:      s.now(),
	}
	if err := s.store.AppendMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("failed to record message: %w", err)
	}
	s.publishMessage(ctx, userMsg)

	s.logger.Debug("user message recorded",
		"conversation_id", conv.ID,
		"message_id", userMsg.ID,
		"customer_id", id.customer.ID)

	out := &Outcome{
		ConversationID:   conv.ID,
		CustomerID:       id.customer.ID,
		MessageID:        userMsg.ID,
		SessionToken:     id.token,
		SessionExpiresAt: id.expiresAt,
		LiveMode:         conv.LiveMode,
	}

	// 5. A human has the conversation
	if conv.LiveMode {
		return out, nil
	}

	// 6. Ask the assistant
	return s.reply(ctx, tenant, conv, id.customer, userMsg, out)
}

// replay handles a message id that is already stored. Only the original
// sender retrying into the original conversation gets the earlier outcome;
// any other reuse is ErrDuplicateMessage. store.ErrNotFound means the id is
// new.
func (s *Service) replay(ctx context.Context, in InboundMessage) (*Outcome, error) {
	prev, err := s.store.GetMessage(ctx, in.MessageID)
	if err != nil {
		return nil, err
	}

	sess, err := s.sessions.Validate(in.TenantID, in.SessionToken)
	if err != nil || prev.Role != store.RoleUser || sess.CustomerID != prev.Sender {
		return nil, ErrDuplicateMessage
	}
	if in.ConversationID != "" && in.ConversationID != prev.ConversationID {
		return nil, ErrDuplicateMessage
	}
	conv, err := s.GetConversation(ctx, in.TenantID, prev.ConversationID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrDuplicateMessage
	}
	if err != nil {
		return nil, err
	}

	out := &Outcome{
		ConversationID: conv.ID,
		CustomerID:     prev.Sender,
		MessageID:      prev.ID,
		LiveMode:       conv.LiveMode,
	}
	msgs, err := s.store.ListMessages(ctx, conv.ID, 0)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if m.Seq == prev.Seq+1 && m.Sender == assistantSender {
			out.Reply = m.Body
			out.ReplyMessageID = m.ID
		}
	}
	if out.ReplyMessageID == "" && !conv.LiveMode {
		out.Pending = true
		out.Reply = FallbackReply
	}

	s.logger.Info("duplicate message id replayed", "conversation_id", conv.ID, "message_id", prev.ID)
	return out, nil
}

func (s *Service) reply(ctx context.Context, tenant *tenantInfo, conv *store.Conversation, cust *store.Customer, userMsg *store.Message, out *Outcome) (*Outcome, error) {
	start := time.Now()

	req, err := s.buildRequest(ctx, tenant, conv, cust, userMsg)
	if err != nil {
		return nil, err
	}

	actx, cancel := context.WithTimeout(ctx, s.assistantTimeout)
	reply, err := s.assistant.Reply(actx, req)
	cancel()
	if err != nil {
		s.logger.Error("assistant failed",
			"conversation_id", conv.ID,
			"message_id", userMsg.ID,
			"error", err)
		out.Pending = true
		out.Reply = FallbackReply
		return out, fmt.Errorf("%w: %w", ErrAssistantUnavailable, err)
	}

	text := strings.TrimSpace(reply.ReplyText)
	if reply.BookingIntent != nil {
		extra, warnings := s.handleIntent(ctx, conv.TenantID, cust, reply.BookingIntent)
		if extra != "" {
			text = strings.TrimSpace(text + "\n\n" + extra)
		}
		out.Warnings = append(out.Warnings, warnings...)
	}

	if text != "" || reply.MediaRef != "" {
		latency := time.Since(start).Milliseconds()
		replyMsg := &store.Message{
			ConversationID: conv.ID,
			Role:           store.RoleAssistant,
			Sender:         assistantSender,
			Body:           text,
			MediaRef:       reply.MediaRef,
			LatencyMS:      &latency,
			CreatedAt:      s.now(),
		}
		if err := s.store.AppendMessage(ctx, replyMsg); err != nil {
			return nil, fmt.Errorf("failed to record reply: %w", err)
		}
		s.publishMessage(ctx, replyMsg)
		out.Reply = text
		out.ReplyMessageID = replyMsg.ID
	}

	if reply.Escalate {
		escalated, err := s.lifecycle.Escalate(ctx, conv.ID, reply.EscalateReason)
		if err != nil {
			s.logger.Warn("escalation failed", "conversation_id", conv.ID, "error", err)
		} else {
			out.LiveMode = escalated.LiveMode
		}
	}
	return out, nil
}

func (s *Service) buildRequest(ctx context.Context, tenant *tenantInfo, conv *store.Conversation, cust *store.Customer, userMsg *store.Message) (*assistant.Request, error) {
	// history includes the message just recorded; it becomes Latest
	history, err := s.store.ListMessages(ctx, conv.ID, s.historyLimit+1)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	turns := make([]assistant.Turn, 0, len(history))
	for _, m := range history {
		if m.ID == userMsg.ID {
			continue
		}
		turns = append(turns, assistant.Turn{Role: string(m.Role), Content: m.Body, MediaRef: m.MediaRef})
	}
	if len(turns) > s.historyLimit {
		turns = turns[len(turns)-s.historyLimit:]
	}

	today := s.now().UTC().Format(booking.DateLayout)
	slots, err := s.booker.ListAvailableSlots(ctx, conv.TenantID, today)
	if err != nil {
		s.logger.Warn("loading open slots for assistant", "tenant_id", conv.TenantID, "error", err)
		slots = []string{}
	}

	return &assistant.Request{
		ConversationID: conv.ID,
		Tenant: assistant.TenantContext{
			ID:        conv.TenantID,
			Name:      tenant.name,
			Today:     today,
			OpenSlots: slots,
			Products:  tenant.products,
		},
		CustomerEmail: cust.Email,
		History:       turns,
		Latest:        assistant.Turn{Role: string(userMsg.Role), Content: userMsg.Body, MediaRef: userMsg.MediaRef},
	}, nil
}

// resolveIdentity validates and refreshes the session token, or creates an
// anonymous customer with a fresh token.
func (s *Service) resolveIdentity(ctx context.Context, tenantID, token string) (*identity, error) {
	if token != "" {
		sess, err := s.sessions.Validate(tenantID, token)
		if err == nil {
			cust, err := s.store.GetCustomer(ctx, tenantID, sess.CustomerID)
			switch {
			case err == nil && cust.Status == store.CustomerStatusActive:
				refreshed, exp, err := s.sessions.Refresh(tenantID, token, nil)
				if err != nil {
					return nil, err
				}
				return &identity{customer: cust, token: refreshed, expiresAt: exp}, nil
			case err != nil && !errors.Is(err, store.ErrNotFound):
				return nil, err
			}
		}
		s.logger.Debug("session not recognized, starting anonymous", "tenant_id", tenantID)
	}

	cust := &store.Customer{TenantID: tenantID, CreatedAt: s.now()}
	if err := s.store.CreateCustomer(ctx, cust); err != nil {
		return nil, err
	}
	issued, exp, err := s.sessions.Issue(tenantID, cust.ID, nil, 0)
	if err != nil {
		return nil, err
	}
	s.logger.Info("anonymous customer created", "tenant_id", tenantID, "customer_id", cust.ID)
	return &identity{customer: cust, token: issued, expiresAt: exp, fresh: true}, nil
}

// captureEmail attaches the first email address in content to a customer
// that has none. An address owned by another customer is left alone.
func (s *Service) captureEmail(ctx context.Context, cust *store.Customer, content string) {
	if cust.Email != "" {
		return
	}
	email := emailPattern.FindString(content)
	if email == "" {
		return
	}
	s.attachEmail(ctx, cust, email)
}

func (s *Service) attachEmail(ctx context.Context, cust *store.Customer, email string) {
	err := s.store.SetCustomerEmail(ctx, cust.TenantID, cust.ID, email)
	switch {
	case err == nil:
		cust.Email = strings.ToLower(strings.TrimSpace(email))
		s.logger.Debug("customer email captured", "customer_id", cust.ID)
	case errors.Is(err, store.ErrDuplicateEmail):
		s.logger.Info("email already belongs to another customer", "customer_id", cust.ID)
	default:
		s.logger.Warn("capturing customer email", "customer_id", cust.ID, "error", err)
	}
}

// ensureConversation returns the conversation the message belongs to,
// starting a new one when none is given or the given one has expired.
func (s *Service) ensureConversation(ctx context.Context, in InboundMessage, id *identity) (*store.Conversation, error) {
	if in.ConversationID != "" {
		// Ownership is checked before Resolve so a foreign id never
		// triggers an expiry.
		conv, err := s.store.GetConversation(ctx, in.ConversationID)
		owned := err == nil && conv.TenantID == in.TenantID && conv.CustomerID == id.customer.ID
		if owned {
			conv, err = s.lifecycle.Resolve(ctx, conv.ID)
		}
		switch {
		case err != nil && !errors.Is(err, ErrNotFound):
			return nil, err
		case owned && err == nil:
			if conv.State != store.StateExpired {
				return conv, nil
			}
			s.logger.Debug("conversation expired, starting a new one", "conversation_id", conv.ID)
		case !id.fresh:
			// someone else's conversation, or none at all
			return nil, ErrNotFound
		default:
			// a new anonymous identity carries no claim to the old conversation
			s.logger.Debug("ignoring stale conversation id", "conversation_id", in.ConversationID)
		}
	}

	now := s.now()
	conv := &store.Conversation{
		TenantID:       in.TenantID,
		CustomerID:     id.customer.ID,
		Title:          Title(in.Content, in.MediaRef != ""),
		State:          store.StateActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	s.logger.Debug("conversation created", "conversation_id", conv.ID, "tenant_id", conv.TenantID)
	return conv, nil
}

// OperatorReply posts a human operator's message. The conversation is
// escalated first if the operator is jumping in.
func (s *Service) OperatorReply(ctx context.Context, tenantID, operatorID, conversationID, body, mediaRef string) (*store.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" && mediaRef == "" {
		return nil, ErrEmptyMessage
	}

	conv, err := s.GetConversation(ctx, tenantID, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.State == store.StateExpired {
		return nil, ErrConversationExpired
	}
	if !conv.LiveMode {
		if _, err := s.lifecycle.Escalate(ctx, conv.ID, "operator joined"); err != nil {
			return nil, err
		}
	}
	if err := s.lifecycle.RecordActivity(ctx, conv.ID); err != nil {
		return nil, err
	}

	msg := &store.Message{
		ConversationID: conv.ID,
		Role:           store.RoleAssistant,
		Sender:         "operator:" + operatorID,
		Body:           body,
		MediaRef:       mediaRef,
		CreatedAt:      s.now(),
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to record operator reply: %w", err)
	}
	s.publishMessage(ctx, msg)

	s.logger.Info("operator replied", "conversation_id", conv.ID, "operator_id", operatorID)
	return msg, nil
}

// GetConversation returns a tenant's conversation, expiring it if idle.
// Conversations of other tenants are reported as not found.
func (s *Service) GetConversation(ctx context.Context, tenantID, id string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return s.lifecycle.Resolve(ctx, conv.ID)
}

// History returns recent messages in sequence order. A non-empty
// customerID restricts access to that customer's own conversation.
func (s *Service) History(ctx context.Context, tenantID, customerID, conversationID string, limit int) ([]*store.Message, error) {
	conv, err := s.GetConversation(ctx, tenantID, conversationID)
	if err != nil {
		return nil, err
	}
	if customerID != "" && conv.CustomerID != customerID {
		return nil, ErrNotFound
	}
	if limit <= 0 || limit > s.historyLimit {
		limit = s.historyLimit
	}
	return s.store.ListMessages(ctx, conv.ID, limit)
}

// ListConversations returns conversations for the operator inbox.
func (s *Service) ListConversations(ctx context.Context, f store.ConversationFilter) ([]*store.Conversation, error) {
	return s.store.ListConversations(ctx, f)
}

// CustomerFromToken resolves a session token to its customer without
// refreshing it. Used by read-only customer endpoints.
func (s *Service) CustomerFromToken(ctx context.Context, tenantID, token string) (*store.Customer, error) {
	sess, err := s.sessions.Validate(tenantID, token)
	if err != nil {
		return nil, err
	}
	cust, err := s.store.GetCustomer(ctx, tenantID, sess.CustomerID)
	if err != nil {
		return nil, err
	}
	if cust.Status != store.CustomerStatusActive {
		return nil, auth.ErrInvalidToken
	}
	return cust, nil
}

func (s *Service) publishMessage(ctx context.Context, m *store.Message) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(ctx, m.ConversationID, MessageEvent(m))
}

// MessageEvent converts a stored message to its fanout event.
func MessageEvent(m *store.Message) *fanout.Event {
	return &fanout.Event{
		ID:             m.ID,
		Type:           fanout.EventMessage,
		ConversationID: m.ConversationID,
		Message: &fanout.MessagePayload{
			ID:        m.ID,
			Seq:       m.Seq,
			Role:      string(m.Role),
			Sender:    m.Sender,
			Body:      m.Body,
			MediaRef:  m.MediaRef,
			LatencyMS: m.LatencyMS,
			CreatedAt: m.CreatedAt,
		},
		CreatedAt: m.CreatedAt,
	}
}

type tenantInfo struct {
	name     string
	products []assistant.Product
}

// tenantInfo loads the tenant's name and active catalog, cached briefly.
func (s *Service) tenantInfo(ctx context.Context, tenantID string) (*tenantInfo, error) {
	if cached, ok := s.tenants.Get(tenantID); ok {
		return cached.(*tenantInfo), nil
	}

	t, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	products, err := s.store.ListProducts(ctx, tenantID, true)
	if err != nil {
		return nil, fmt.Errorf("loading products: %w", err)
	}

	info := &tenantInfo{name: t.Name, products: make([]assistant.Product, 0, len(products))}
	for _, p := range products {
		info.products = append(info.products, assistant.Product{
			ID:         p.ID,
			Name:       p.Name,
			PriceCents: p.PriceCents,
			InStock:    p.Stock > 0,
		})
	}
	s.tenants.SetDefault(tenantID, info)
	return info, nil
}
