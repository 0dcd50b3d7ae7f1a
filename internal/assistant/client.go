// ABOUTME: HTTP Replier that calls the assistant service with resty
// ABOUTME: POSTs JSON to /v1/reply and maps non-2xx responses to errors

package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const replyPath = "/v1/reply"

// Client is a Replier backed by an HTTP assistant service.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewClient creates a client for baseURL. apiKey is sent as a bearer token
// when set. timeout bounds each call in addition to the caller's context.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("assistant base url cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	rc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "hearth-gateway")
	if apiKey != "" {
		rc.SetAuthToken(apiKey)
	}

	return &Client{
		http:   rc,
		logger: logger.With("component", "assistant"),
	}, nil
}

// Reply sends req and decodes the assistant's answer.
func (c *Client) Reply(ctx context.Context, req *Request) (*Reply, error) {
	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&Reply{}).
		Post(replyPath)
	if err != nil {
		return nil, fmt.Errorf("calling assistant: %w", err)
	}

	if resp.IsError() {
		c.logger.Warn("assistant returned an error",
			"status", resp.StatusCode(),
			"conversation_id", req.ConversationID,
			"body", truncate(resp.String(), 256))
		return nil, fmt.Errorf("assistant error: status %s", resp.Status())
	}

	reply, ok := resp.Result().(*Reply)
	if !ok || reply == nil {
		return nil, fmt.Errorf("assistant returned an unexpected body")
	}
	if strings.TrimSpace(reply.ReplyText) == "" && reply.MediaRef == "" && !reply.Escalate {
		return nil, ErrEmptyReply
	}

	c.logger.Debug("assistant replied",
		"conversation_id", req.ConversationID,
		"duration", time.Since(start),
		"escalate", reply.Escalate,
		"booking_intent", reply.BookingIntent != nil)
	return reply, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
