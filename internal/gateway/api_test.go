// ABOUTME: Tests for the customer HTTP handlers
// ABOUTME: Covers messaging, slots, bookings (including the race), reservations and history

package gateway

import (
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hearth/internal/assistant"
	"github.com/2389/hearth/internal/store"
)

const bookingDate = "2024-12-31" // a Tuesday

func TestPostMessage_AnonymousHello(t *testing.T) {
	env := newTestEnv(t)

	resp := env.hello(t)

	assert.Equal(t, "Hi! How can I help?", resp.Reply)
	assert.NotEmpty(t, resp.ConversationID)
	assert.NotEmpty(t, resp.SessionToken)
	assert.NotEmpty(t, resp.SessionExpiresAt)
	assert.False(t, resp.LiveMode)
	assert.False(t, resp.Pending)
	assert.Equal(t, 1, env.asst.callCount())

	conv, err := env.gw.store.GetConversation(t.Context(), resp.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, env.tenant.ID, conv.TenantID)
	assert.Equal(t, store.StateActive, conv.State)
	assert.Equal(t, int64(2), conv.LastSeq, "user message and reply")
}

func TestPostMessage_ContinuesConversation(t *testing.T) {
	env := newTestEnv(t)
	first := env.hello(t)

	rec := env.do(t, http.MethodPost, "/api/messages", PostMessageRequest{
		TenantID:       env.tenant.ID,
		ConversationID: first.ConversationID,
		SessionToken:   first.SessionToken,
		Content:        "do you have anything tomorrow?",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[PostMessageResponse](t, rec)

	assert.Equal(t, first.ConversationID, second.ConversationID)
	env.asst.mu.Lock()
	last := env.asst.last
	env.asst.mu.Unlock()
	require.NotNil(t, last)
	assert.Len(t, last.History, 2)
	assert.Equal(t, "do you have anything tomorrow?", last.Latest.Content)
}

func TestPostMessage_LiveModeSkipsAssistant(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	first := env.hello(t)

	_, err := env.gw.conversation.Lifecycle().Escalate(ctx, first.ConversationID, "operator took over")
	require.NoError(t, err)

	sub, err := env.gw.hub.Subscribe(ctx, first.ConversationID, "operator-console")
	require.NoError(t, err)
	defer sub.Close()

	rec := env.do(t, http.MethodPost, "/api/messages", PostMessageRequest{
		TenantID:       env.tenant.ID,
		ConversationID: first.ConversationID,
		SessionToken:   first.SessionToken,
		Content:        "is anyone there?",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[PostMessageResponse](t, rec)

	assert.True(t, resp.LiveMode)
	assert.Empty(t, resp.Reply)
	assert.Equal(t, 1, env.asst.callCount(), "assistant is not called in live mode")

	select {
	case ev := <-sub.Events():
		require.NotNil(t, ev.Message)
		assert.Equal(t, "is anyone there?", ev.Message.Body)
		assert.Equal(t, resp.MessageID, ev.ID)
	default:
		t.Fatal("inbound message was not published")
	}

	msgs, err := env.gw.store.ListMessages(ctx, first.ConversationID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "is anyone there?", msgs[2].Body)
}

func TestPostMessage_AssistantDown(t *testing.T) {
	env := newTestEnv(t)
	env.asst.script(func(*assistant.Request) (int, any) {
		return http.StatusBadGateway, map[string]string{"error": "upstream"}
	})

	resp := env.hello(t)

	assert.True(t, resp.Pending)
	assert.NotEmpty(t, resp.Reply)
	assert.NotEmpty(t, resp.SessionToken)

	msgs, err := env.gw.store.ListMessages(t.Context(), resp.ConversationID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "the inbound message is kept")
	assert.Equal(t, "hello", msgs[0].Body)
}

func TestPostMessage_RetriedMessageID(t *testing.T) {
	env := newTestEnv(t)
	alice := env.hello(t)
	bob := env.hello(t)

	req := PostMessageRequest{
		TenantID:       env.tenant.ID,
		ConversationID: alice.ConversationID,
		SessionToken:   alice.SessionToken,
		MessageID:      "4b1f0c52-retry",
		Content:        "are you open on sunday?",
	}
	rec := env.do(t, http.MethodPost, "/api/messages", req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decode[PostMessageResponse](t, rec)

	rec = env.do(t, http.MethodPost, "/api/messages", req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	again := decode[PostMessageResponse](t, rec)
	assert.Equal(t, first.ReplyMessageID, again.ReplyMessageID)
	assert.Equal(t, first.Reply, again.Reply)
	assert.Equal(t, 3, env.asst.callCount(), "retry does not call the assistant")

	req.ConversationID = bob.ConversationID
	req.SessionToken = bob.SessionToken
	rec = env.do(t, http.MethodPost, "/api/messages", req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPostMessage_Errors(t *testing.T) {
	env := newTestEnv(t)
	other := env.hello(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"missing tenant", PostMessageRequest{Content: "hi"}, http.StatusBadRequest},
		{"empty content", PostMessageRequest{TenantID: env.tenant.ID, Content: "   "}, http.StatusBadRequest},
		{"unknown tenant", PostMessageRequest{TenantID: "nope", Content: "hi"}, http.StatusNotFound},
		{"foreign media ref", PostMessageRequest{
			TenantID: env.tenant.ID,
			MediaRef: "s3://bucket/tenants/other/conversations/x/a.png",
		}, http.StatusBadRequest},
		{"someone else's conversation", PostMessageRequest{
			TenantID:       env.tenant.ID,
			ConversationID: other.ConversationID,
			SessionToken:   env.hello(t).SessionToken,
			Content:        "hi",
		}, http.StatusNotFound},
		{"invalid json", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/messages", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.Contains(t, decode[map[string]string](t, rec), "error")
		})
	}
}

func TestListSlots(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name      string
		query     string
		wantCode  int
		wantSlots []string
	}{
		{"tuesday", "date=" + bookingDate, http.StatusOK, []string{"9:00am", "10:00am", "11:00am"}},
		{"no schedule", "date=2024-12-29", http.StatusOK, []string{}},
		{"bad date", "date=31-12-2024", http.StatusBadRequest, nil},
		{"missing date", "", http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/api/slots?tenant_id="+env.tenant.ID+"&"+tt.query, nil)
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantSlots != nil {
				assert.Equal(t, tt.wantSlots, decode[SlotsResponse](t, rec).Slots)
			}
		})
	}
}

func TestCreateBooking_TakenSlot(t *testing.T) {
	env := newTestEnv(t)
	alice := env.hello(t)
	bob := env.hello(t)

	rec := env.do(t, http.MethodPost, "/api/bookings", BookingRequest{
		TenantID:     env.tenant.ID,
		SessionToken: alice.SessionToken,
		Date:         bookingDate,
		Slot:         "10:00am",
		Email:        "alice@example.test",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	booked := decode[BookingResponse](t, rec)
	assert.NotEmpty(t, booked.BookingID)
	assert.Empty(t, booked.Warning)

	rec = env.do(t, http.MethodPost, "/api/bookings", BookingRequest{
		TenantID:     env.tenant.ID,
		SessionToken: bob.SessionToken,
		Date:         bookingDate,
		Slot:         "10:00am",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	conflict := decode[ConflictResponse](t, rec)
	assert.Equal(t, []string{"9:00am", "11:00am"}, conflict.Slots)

	rec = env.do(t, http.MethodGet, "/api/slots?tenant_id="+env.tenant.ID+"&date="+bookingDate, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, decode[SlotsResponse](t, rec).Slots, "10:00am")
}

func TestCreateBooking_Concurrent(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	const attempts = 50
	tokens := make([]string, attempts)
	for i := range tokens {
		cust := &store.Customer{TenantID: env.tenant.ID}
		require.NoError(t, env.gw.store.CreateCustomer(ctx, cust))
		tok, _, err := env.gw.sessions.Issue(env.tenant.ID, cust.ID, nil, 0)
		require.NoError(t, err)
		tokens[i] = tok
	}

	var ok, conflict atomic.Int32
	var wg sync.WaitGroup
	for _, tok := range tokens {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := env.do(t, http.MethodPost, "/api/bookings", BookingRequest{
				TenantID:     env.tenant.ID,
				SessionToken: tok,
				Date:         bookingDate,
				Slot:         "9:00am",
			})
			switch rec.Code {
			case http.StatusOK:
				ok.Add(1)
			case http.StatusConflict:
				conflict.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(attempts-1), conflict.Load())
}

func TestCreateBooking_Errors(t *testing.T) {
	env := newTestEnv(t)
	tok := env.hello(t).SessionToken

	tests := []struct {
		name string
		req  BookingRequest
		want int
	}{
		{"no session", BookingRequest{TenantID: env.tenant.ID, Date: bookingDate, Slot: "9:00am"}, http.StatusUnauthorized},
		{"bad session", BookingRequest{TenantID: env.tenant.ID, SessionToken: "garbage", Date: bookingDate, Slot: "9:00am"}, http.StatusUnauthorized},
		{"unknown slot", BookingRequest{TenantID: env.tenant.ID, SessionToken: tok, Date: bookingDate, Slot: "3:00pm"}, http.StatusBadRequest},
		{"bad date", BookingRequest{TenantID: env.tenant.ID, SessionToken: tok, Date: "tomorrow", Slot: "9:00am"}, http.StatusBadRequest},
		{"missing slot", BookingRequest{TenantID: env.tenant.ID, SessionToken: tok, Date: bookingDate}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/bookings", tt.req)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestReservations(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	alice := env.hello(t)
	bob := env.hello(t)

	product := &store.Product{TenantID: env.tenant.ID, Name: "Argan oil", PriceCents: 1250, Stock: 3, Active: true}
	require.NoError(t, env.gw.store.CreateProduct(ctx, product))

	rec := env.do(t, http.MethodPost, "/api/reservations", ReservationRequest{
		TenantID:     env.tenant.ID,
		SessionToken: alice.SessionToken,
		ProductID:    product.ID,
		Quantity:     2,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	held := decode[ReservationResponse](t, rec)
	assert.Equal(t, string(store.ReservationPending), held.Status)
	assert.Equal(t, int64(1250), held.UnitPriceCents)
	assert.Equal(t, int64(2500), held.TotalCents)
	assert.NotEmpty(t, held.ExpiresAt)

	t.Run("insufficient stock", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/reservations", ReservationRequest{
			TenantID:     env.tenant.ID,
			SessionToken: bob.SessionToken,
			ProductID:    product.ID,
			Quantity:     2,
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("booking_id must belong to the customer", func(t *testing.T) {
		bobConv, err := env.gw.store.GetConversation(ctx, bob.ConversationID)
		require.NoError(t, err)
		bobBooking := &store.Booking{TenantID: env.tenant.ID, CustomerID: bobConv.CustomerID, Date: "2025-01-07", Slot: "9:00am"}
		require.NoError(t, env.gw.store.CreateBooking(ctx, bobBooking))

		for _, id := range []string{bobBooking.ID, "bk_missing"} {
			rec := env.do(t, http.MethodPost, "/api/reservations", ReservationRequest{
				TenantID:     env.tenant.ID,
				SessionToken: alice.SessionToken,
				ProductID:    product.ID,
				BookingID:    id,
				Quantity:     1,
			})
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		}
	})

	t.Run("only the owner confirms", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/reservations/"+held.ID+"/confirm", map[string]string{
			"tenant_id":     env.tenant.ID,
			"session_token": bob.SessionToken,
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("confirm", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/reservations/"+held.ID+"/confirm", map[string]string{
			"tenant_id":     env.tenant.ID,
			"session_token": alice.SessionToken,
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, string(store.ReservationConfirmed), decode[ReservationResponse](t, rec).Status)
	})

	t.Run("zero quantity", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/reservations", ReservationRequest{
			TenantID:     env.tenant.ID,
			SessionToken: alice.SessionToken,
			ProductID:    product.ID,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestCustomerHistory(t *testing.T) {
	env := newTestEnv(t)
	alice := env.hello(t)
	bob := env.hello(t)

	path := "/api/conversations/" + alice.ConversationID + "/messages?tenant_id=" + env.tenant.ID

	rec := env.do(t, http.MethodGet, path, nil, sessionHeader, alice.SessionToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	hist := decode[HistoryResponse](t, rec)
	assert.Equal(t, "ACTIVE", hist.State)
	require.Len(t, hist.Messages, 2)
	assert.Equal(t, "user", hist.Messages[0].Role)
	assert.Equal(t, "hello", hist.Messages[0].Body)
	assert.Equal(t, "assistant", hist.Messages[1].Role)
	assert.NotNil(t, hist.Messages[1].LatencyMS)

	rec = env.do(t, http.MethodGet, path+"&session_token="+url.QueryEscape(alice.SessionToken), nil)
	assert.Equal(t, http.StatusOK, rec.Code, "token in query string")

	rec = env.do(t, http.MethodGet, path, nil, sessionHeader, bob.SessionToken)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	bearer, _ := env.operatorToken(t, env.tenant.ID)
	rec = env.do(t, http.MethodGet, path, nil, "Authorization", bearer)
	require.Equal(t, http.StatusOK, rec.Code, "operator bearer on the shared route")
	assert.Len(t, decode[HistoryResponse](t, rec).Messages, 2)

	other := &store.Tenant{Name: "Other Shop"}
	require.NoError(t, env.gw.store.CreateTenant(t.Context(), other))
	otherBearer, _ := env.operatorToken(t, other.ID)
	rec = env.do(t, http.MethodGet, path, nil, "Authorization", otherBearer)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
