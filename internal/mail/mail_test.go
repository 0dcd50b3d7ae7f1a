// ABOUTME: Tests for mail rendering, consumer handling and SMTP message assembly
// ABOUTME: Uses an in-memory Sender and a stubbed smtp send function

package mail

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSender struct {
	to  []string
	got []*Rendered
	err error
}

func (c *captureSender) Deliver(_ context.Context, to string, msg *Rendered) error {
	if c.err != nil {
		return c.err
	}
	c.to = append(c.to, to)
	c.got = append(c.got, msg)
	return nil
}

func TestRenderer_BookingConfirmed(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	out, err := r.Render(New("t1", "ana@example.com", KindBookingConfirmed, map[string]string{
		"tenant_name": "Salon Uno",
		"date":        "2026-03-02",
		"slot":        "10:00",
	}))
	require.NoError(t, err)

	assert.Equal(t, "Your booking with Salon Uno is confirmed", out.Subject)
	assert.Contains(t, out.Text, "**Date:** 2026-03-02")
	assert.Contains(t, out.HTML, "<strong>Time:</strong> 10:00")
	assert.Contains(t, out.HTML, "<h1>")
}

func TestRenderer_MissingDataRendersEmpty(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	out, err := r.Render(Mail{Kind: KindEscalation})
	require.NoError(t, err)
	assert.NotContains(t, out.Text, "<no value>")
	assert.NotContains(t, out.Subject, "<no value>")
}

func TestRenderer_UnknownKind(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	_, err = r.Render(Mail{Kind: "newsletter"})
	assert.Error(t, err)
}

func TestConsumer_Handle(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)
	sender := &captureSender{}
	c := NewConsumer("", "hearth.mail", r, sender, nil)

	body := []byte(`{"id":"m1","tenant_id":"t1","to":"ana@example.com","kind":"escalation",
		"data":{"tenant_name":"Salon Uno","title":"Need help","conversation_id":"c1"}}`)
	require.NoError(t, c.Handle(t.Context(), body))

	require.Len(t, sender.got, 1)
	assert.Equal(t, []string{"ana@example.com"}, sender.to)
	assert.Equal(t, "[Salon Uno] A customer needs a human: Need help", sender.got[0].Subject)
}

func TestConsumer_HandleErrors(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	tests := []struct {
		name   string
		body   string
		sender *captureSender
	}{
		{"bad json", `{`, &captureSender{}},
		{"no recipient", `{"id":"m1","kind":"escalation"}`, &captureSender{}},
		{"unknown kind", `{"id":"m1","to":"a@b.c","kind":"nope"}`, &captureSender{}},
		{"sender failure", `{"id":"m1","to":"a@b.c","kind":"escalation"}`, &captureSender{err: errors.New("relay down")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewConsumer("", "q", r, tt.sender, nil)
			assert.Error(t, c.Handle(t.Context(), []byte(tt.body)))
		})
	}
}

func TestSMTPSender_Deliver(t *testing.T) {
	s := NewSMTPSender("smtp.example.com:587", "hearth@example.com", "user", "pass")

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	var gotAuth smtp.Auth
	s.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotAuth, gotFrom, gotTo, gotMsg = addr, a, from, to, msg
		return nil
	}

	err := s.Deliver(t.Context(), "ana@example.com", &Rendered{
		Subject: "Hello",
		Text:    "plain body",
		HTML:    "<p>html body</p>",
	})
	require.NoError(t, err)

	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, "hearth@example.com", gotFrom)
	assert.Equal(t, []string{"ana@example.com"}, gotTo)
	assert.NotNil(t, gotAuth)

	msg := string(gotMsg)
	assert.Contains(t, msg, "To: ana@example.com\r\n")
	assert.Contains(t, msg, "multipart/alternative")
	assert.Contains(t, msg, "plain body")
	assert.Contains(t, msg, "<p>html body</p>")
}

func TestSMTPSender_NoAuthWithoutUsername(t *testing.T) {
	s := NewSMTPSender("localhost:25", "hearth@example.com", "", "")
	var gotAuth smtp.Auth = smtp.PlainAuth("", "x", "y", "z")
	s.send = func(_ string, a smtp.Auth, _ string, _ []string, _ []byte) error {
		gotAuth = a
		return nil
	}

	require.NoError(t, s.Deliver(t.Context(), "a@b.c", &Rendered{Subject: "s"}))
	assert.Nil(t, gotAuth)
}

func TestSMTPSender_CancelledContext(t *testing.T) {
	s := NewSMTPSender("localhost:25", "hearth@example.com", "", "")
	called := false
	s.send = func(string, smtp.Auth, string, []string, []byte) error {
		called = true
		return nil
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	assert.ErrorIs(t, s.Deliver(ctx, "a@b.c", &Rendered{}), context.Canceled)
	assert.False(t, called)
}

func TestBuildMessage_EncodesSubject(t *testing.T) {
	msg, err := buildMessage("a@b.c", "d@e.f", &Rendered{Subject: "Reserva confirmada ✓"}, time.Unix(0, 0))
	require.NoError(t, err)
	header, _, _ := strings.Cut(string(msg), "\r\n\r\n")
	assert.Contains(t, header, "Subject: =?utf-8?q?")
}

func TestLogMailer_AlwaysSucceeds(t *testing.T) {
	m := NewLogMailer(nil)
	assert.NoError(t, m.Send(t.Context(), New("t1", "a@b.c", KindEscalation, nil)))
}
