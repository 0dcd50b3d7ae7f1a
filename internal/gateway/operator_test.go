// ABOUTME: Tests for operator inbox and takeover endpoints
// ABOUTME: Operators authenticate with tenant-scoped JWTs and only see their tenant

package gateway

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hearth/internal/booking"
	"github.com/2389/hearth/internal/store"
)

// operatorToken creates an operator for tenantID and returns a bearer header value.
func (e *testEnv) operatorToken(t *testing.T, tenantID string) (string, *store.Operator) {
	t.Helper()
	op := &store.Operator{TenantID: tenantID, DisplayName: "Dana"}
	require.NoError(t, e.gw.store.CreateOperator(t.Context(), op))
	tok, err := e.gw.operators.Generate(op.ID, tenantID, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok, op
}

func TestOperatorAuth(t *testing.T) {
	env := newTestEnv(t)
	bearer, op := env.operatorToken(t, env.tenant.ID)

	rec := env.do(t, http.MethodGet, "/api/operator/conversations", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/operator/conversations", nil, "Authorization", "Bearer nonsense")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/operator/conversations", nil, "Authorization", bearer)
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, env.gw.store.RevokeOperator(t.Context(), op.ID))
	rec = env.do(t, http.MethodGet, "/api/operator/conversations", nil, "Authorization", bearer)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestOperatorList(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	bearer, _ := env.operatorToken(t, env.tenant.ID)

	first := env.hello(t)
	env.hello(t)
	_, err := env.gw.conversation.Lifecycle().Escalate(ctx, first.ConversationID, "")
	require.NoError(t, err)
	require.NoError(t, env.gw.conversation.Lifecycle().SetFavorite(ctx, first.ConversationID, true))

	other := &store.Tenant{Name: "Other Shop"}
	require.NoError(t, env.gw.store.CreateTenant(ctx, other))
	otherBearer, _ := env.operatorToken(t, other.ID)

	tests := []struct {
		name   string
		bearer string
		query  string
		want   int
		count  int
	}{
		{"all", bearer, "", http.StatusOK, 2},
		{"escalated", bearer, "?state=ESCALATED", http.StatusOK, 1},
		{"active", bearer, "?state=ACTIVE", http.StatusOK, 1},
		{"favorites", bearer, "?favorites=true", http.StatusOK, 1},
		{"limit", bearer, "?limit=1", http.StatusOK, 1},
		{"other tenant sees nothing", otherBearer, "", http.StatusOK, 0},
		{"bad state", bearer, "?state=CLOSED", http.StatusBadRequest, 0},
		{"bad limit", bearer, "?limit=-4", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/api/operator/conversations"+tt.query, nil, "Authorization", tt.bearer)
			require.Equal(t, tt.want, rec.Code, rec.Body.String())
			if tt.want == http.StatusOK {
				assert.Len(t, decode[ListConversationsResponse](t, rec).Conversations, tt.count)
			}
		})
	}
}

func TestOperatorTakeover(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	bearer, op := env.operatorToken(t, env.tenant.ID)
	cust := env.hello(t)
	base := "/api/operator/conversations/" + cust.ConversationID

	rec := env.do(t, http.MethodPost, base+"/escalate", map[string]string{"reason": "VIP"}, "Authorization", bearer)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	conv := decode[ConversationResponse](t, rec)
	assert.Equal(t, "ESCALATED", conv.State)
	assert.True(t, conv.LiveMode)

	rec = env.do(t, http.MethodPost, base+"/reply", map[string]string{"body": "Hi, this is Dana."}, "Authorization", bearer)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	msg := decode[MessageResponse](t, rec)
	assert.Equal(t, "assistant", msg.Role)
	assert.Equal(t, "operator:"+op.ID, msg.Sender)

	// the customer's next message goes to the operator, not the assistant
	rec = env.do(t, http.MethodPost, "/api/messages", PostMessageRequest{
		TenantID:       env.tenant.ID,
		ConversationID: cust.ConversationID,
		SessionToken:   cust.SessionToken,
		Content:        "thanks Dana",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[PostMessageResponse](t, rec).LiveMode)
	assert.Equal(t, 1, env.asst.callCount())

	rec = env.do(t, http.MethodPost, base+"/seen", nil, "Authorization", bearer)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(2), decode[map[string]int64](t, rec)["marked"])

	rec = env.do(t, http.MethodGet, base+"/messages", nil, "Authorization", bearer)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[HistoryResponse](t, rec).Messages, 4)

	rec = env.do(t, http.MethodPost, base+"/handback", nil, "Authorization", bearer)
	require.Equal(t, http.StatusOK, rec.Code)
	conv = decode[ConversationResponse](t, rec)
	assert.Equal(t, "ACTIVE", conv.State)
	assert.False(t, conv.LiveMode)

	rec = env.do(t, http.MethodPost, base+"/favorite", map[string]bool{"favorite": true}, "Authorization", bearer)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[ConversationResponse](t, rec).IsFavorite)

	rec = env.do(t, http.MethodPost, base+"/expire", nil, "Authorization", bearer)
	assert.Equal(t, http.StatusConflict, rec.Code, "conversation is not idle yet")

	rec = env.do(t, http.MethodPost, base+"/archive", nil, "Authorization", bearer)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	got, err := env.gw.store.GetConversation(ctx, cust.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, store.StateActive, got.State)
}

func TestOperatorAction_OtherTenant(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	cust := env.hello(t)

	other := &store.Tenant{Name: "Other Shop"}
	require.NoError(t, env.gw.store.CreateTenant(ctx, other))
	bearer, _ := env.operatorToken(t, other.ID)

	rec := env.do(t, http.MethodPost, "/api/operator/conversations/"+cust.ConversationID+"/escalate", nil, "Authorization", bearer)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	got, err := env.gw.store.GetConversation(ctx, cust.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, store.StateActive, got.State)
}

func TestCompleteReservation(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	bearer, _ := env.operatorToken(t, env.tenant.ID)
	cust := env.hello(t)

	product := &store.Product{TenantID: env.tenant.ID, Name: "Comb", PriceCents: 400, Stock: 5, Active: true}
	require.NoError(t, env.gw.store.CreateProduct(ctx, product))
	res, err := env.gw.booking.Reserve(ctx, booking.ReserveRequest{
		TenantID:   env.tenant.ID,
		CustomerID: env.customerID(t, cust),
		ProductID:  product.ID,
		Quantity:   1,
	})
	require.NoError(t, err)

	path := "/api/operator/reservations/" + res.Reservation.ID + "/complete"
	rec := env.do(t, http.MethodPost, path, nil, "Authorization", bearer)
	assert.Equal(t, http.StatusConflict, rec.Code, "pending holds must be confirmed first")

	_, err = env.gw.booking.ConfirmReservation(ctx, env.tenant.ID, res.Reservation.ID)
	require.NoError(t, err)

	rec = env.do(t, http.MethodPost, path, nil, "Authorization", bearer)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(store.ReservationCompleted), decode[ReservationResponse](t, rec).Status)
}

// customerID resolves the customer behind a hello response.
func (e *testEnv) customerID(t *testing.T, resp PostMessageResponse) string {
	t.Helper()
	cust, err := e.gw.conversation.CustomerFromToken(t.Context(), e.tenant.ID, resp.SessionToken)
	require.NoError(t, err)
	return cust.ID
}
