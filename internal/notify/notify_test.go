// ABOUTME: Tests for escalation notifiers
// ABOUTME: Fakes the mailer and the Matrix text sender

package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/2389/hearth/internal/mail"
)

type fakeMailer struct {
	sent []mail.Mail
	err  error
}

func (f *fakeMailer) Send(_ context.Context, m mail.Mail) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m)
	return nil
}

type fakeMatrix struct {
	rooms []id.RoomID
	texts []string
	err   error
}

func (f *fakeMatrix) SendText(_ context.Context, roomID id.RoomID, text string) (*mautrix.RespSendEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.rooms = append(f.rooms, roomID)
	f.texts = append(f.texts, text)
	return &mautrix.RespSendEvent{EventID: "$evt"}, nil
}

type countingNotifier struct {
	calls int
	err   error
}

func (c *countingNotifier) NotifyEscalation(context.Context, Escalation) error {
	c.calls++
	return c.err
}

var sample = Escalation{
	TenantID:       "t1",
	TenantName:     "Salon Uno",
	OwnerEmail:     "owner@salon.test",
	ConversationID: "c1",
	Title:          "Refund request",
	Reason:         "customer asked for a human",
}

func TestMailNotifier(t *testing.T) {
	m := &fakeMailer{}
	n := NewMailNotifier(m)

	require.NoError(t, n.NotifyEscalation(t.Context(), sample))
	require.Len(t, m.sent, 1)
	assert.Equal(t, "owner@salon.test", m.sent[0].To)
	assert.Equal(t, mail.KindEscalation, m.sent[0].Kind)
	assert.Equal(t, "Refund request", m.sent[0].Data["title"])

	noOwner := sample
	noOwner.OwnerEmail = ""
	require.NoError(t, n.NotifyEscalation(t.Context(), noOwner))
	assert.Len(t, m.sent, 1, "no mail without an owner address")
}

func TestMatrixNotifier_RoomSelection(t *testing.T) {
	fm := &fakeMatrix{}
	n := &MatrixNotifier{client: fm, defaultRoom: "!default:example.org"}

	require.NoError(t, n.NotifyEscalation(t.Context(), sample))

	withRoom := sample
	withRoom.NotifyRoom = "!tenant:example.org"
	require.NoError(t, n.NotifyEscalation(t.Context(), withRoom))

	assert.Equal(t, []id.RoomID{"!default:example.org", "!tenant:example.org"}, fm.rooms)
	assert.Contains(t, fm.texts[0], "[Salon Uno] conversation escalated: Refund request")
	assert.Contains(t, fm.texts[0], "customer asked for a human")
}

func TestMatrixNotifier_NoRoomIsNoop(t *testing.T) {
	fm := &fakeMatrix{}
	n := &MatrixNotifier{client: fm}

	require.NoError(t, n.NotifyEscalation(t.Context(), sample))
	assert.Empty(t, fm.rooms)
}

func TestMatrixNotifier_Error(t *testing.T) {
	n := &MatrixNotifier{client: &fakeMatrix{err: errors.New("forbidden")}, defaultRoom: "!r:x"}
	assert.ErrorContains(t, n.NotifyEscalation(t.Context(), sample), "forbidden")
}

func TestMulti_CallsAllAndJoinsErrors(t *testing.T) {
	first := &countingNotifier{err: errors.New("first down")}
	second := &countingNotifier{}
	m := NewMulti(nil, first, nil, second)

	err := m.NotifyEscalation(t.Context(), sample)
	assert.ErrorContains(t, err, "first down")
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls, "later notifiers still run")

	assert.NoError(t, NewMulti(nil).NotifyEscalation(t.Context(), sample))
}
