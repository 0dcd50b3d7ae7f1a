// ABOUTME: Minimal fake assistant for local runs and E2E testing, answers POST /v1/reply with keyword rules.
// ABOUTME: Usage: fake-assistant [-addr localhost:8090]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"time"

	"github.com/2389/hearth/internal/assistant"
)

var emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

func main() {
	addr := flag.String("addr", "localhost:8090", "HTTP listen address")
	flag.Parse()

	if err := run(*addr); err != nil {
		log.Fatal(err)
	}
}

func run(addr string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	srv := &http.Server{
		Addr:              addr,
		Handler:           newHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "fake assistant listening on %s\n", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/reply", func(w http.ResponseWriter, r *http.Request) {
		var req assistant.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		log.Printf("received message [%s]: %s", req.ConversationID, req.Latest.Content)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(replyFor(&req))
	})
	return mux
}

func replyFor(req *assistant.Request) *assistant.Reply {
	input := req.Latest.Content
	lower := strings.ToLower(input)

	switch {
	case strings.Contains(lower, "human") || strings.Contains(lower, "person"):
		return &assistant.Reply{
			ReplyText:      "Let me get someone from the team for you.",
			Escalate:       true,
			EscalateReason: "customer asked for a person",
		}

	case strings.Contains(lower, "book") || strings.Contains(lower, "appointment"):
		if len(req.Tenant.OpenSlots) == 0 {
			return &assistant.Reply{ReplyText: "Sorry, there are no open slots today."}
		}
		email := emailPattern.FindString(input)
		if email == "" {
			email = req.CustomerEmail
		}
		slot := req.Tenant.OpenSlots[0]
		return &assistant.Reply{
			ReplyText: fmt.Sprintf("Booking you in for %s at %s.", req.Tenant.Today, slot),
			BookingIntent: &assistant.BookingIntent{
				Date:  req.Tenant.Today,
				Slot:  slot,
				Email: email,
			},
		}

	case strings.Contains(lower, "buy") || strings.Contains(lower, "reserve"):
		for _, p := range req.Tenant.Products {
			if p.InStock && strings.Contains(lower, strings.ToLower(p.Name)) {
				return &assistant.Reply{
					ReplyText:     fmt.Sprintf("Holding one %s for you.", p.Name),
					BookingIntent: &assistant.BookingIntent{ProductID: p.ID, Quantity: 1},
				}
			}
		}
		return &assistant.Reply{ReplyText: "Which product would you like?"}
	}

	return &assistant.Reply{ReplyText: fmt.Sprintf("Echo: **%s**\n\nThanks for writing to %s.", input, req.Tenant.Name)}
}
