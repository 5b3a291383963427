package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sony/gobreaker"
)

// fakeSender records deliveries.
type fakeSender struct {
	name     string
	err      error
	titles   []string
	messages []string
}

func (s *fakeSender) Send(ctx context.Context, title, message string) error {
	if s.err != nil {
		return s.err
	}
	s.titles = append(s.titles, title)
	s.messages = append(s.messages, message)
	return nil
}

func (s *fakeSender) Name() string { return s.name }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifier_FiltersEvents(t *testing.T) {
	sender := &fakeSender{name: "fake"}
	n := NewNotifier([]Sender{sender}, []string{EventUpstreamDown}, testLogger())

	if err := n.Notify(context.Background(), EventUpstreamDown, "down", "details"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if err := n.Notify(context.Background(), EventSnapshotFailed, "snap", "details"); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	if len(sender.titles) != 1 || sender.titles[0] != "down" {
		t.Errorf("titles = %v, want [down]", sender.titles)
	}
}

func TestNotifier_EmptyEventListAllowsAll(t *testing.T) {
	sender := &fakeSender{name: "fake"}
	n := NewNotifier([]Sender{sender}, nil, testLogger())

	n.Notify(context.Background(), EventUpstreamDown, "a", "")
	n.Notify(context.Background(), EventSnapshotFailed, "b", "")

	if len(sender.titles) != 2 {
		t.Errorf("titles = %v, want 2 deliveries", sender.titles)
	}
}

func TestNotifier_CollectsSenderFailures(t *testing.T) {
	broken := &fakeSender{name: "broken", err: errors.New("webhook 500")}
	healthy := &fakeSender{name: "healthy"}
	n := NewNotifier([]Sender{broken, healthy}, nil, testLogger())

	err := n.NotifyAll(context.Background(), "title", "msg")
	if err == nil {
		t.Fatal("NotifyAll returned nil despite sender failure")
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Errorf("error does not name the failing sender: %v", err)
	}
	if len(healthy.titles) != 1 {
		t.Errorf("healthy sender deliveries = %d, want 1", len(healthy.titles))
	}
}

func TestBreakerAlerter(t *testing.T) {
	t.Run("open fires upstream_down", func(t *testing.T) {
		sender := &fakeSender{name: "fake"}
		a := NewBreakerAlerter(NewNotifier([]Sender{sender}, nil, testLogger()))

		a.OnStateChange(gobreaker.StateClosed, gobreaker.StateOpen)

		if len(sender.titles) != 1 || !strings.Contains(sender.titles[0], "opened") {
			t.Errorf("titles = %v", sender.titles)
		}
	})

	t.Run("half-open to closed fires recovery", func(t *testing.T) {
		sender := &fakeSender{name: "fake"}
		a := NewBreakerAlerter(NewNotifier([]Sender{sender}, nil, testLogger()))

		a.OnStateChange(gobreaker.StateHalfOpen, gobreaker.StateClosed)

		if len(sender.titles) != 1 || !strings.Contains(sender.titles[0], "recovered") {
			t.Errorf("titles = %v", sender.titles)
		}
	})

	t.Run("half-open probe is silent", func(t *testing.T) {
		sender := &fakeSender{name: "fake"}
		a := NewBreakerAlerter(NewNotifier([]Sender{sender}, nil, testLogger()))

		a.OnStateChange(gobreaker.StateOpen, gobreaker.StateHalfOpen)

		if len(sender.titles) != 0 {
			t.Errorf("titles = %v, want none", sender.titles)
		}
	})

	t.Run("snapshot failure", func(t *testing.T) {
		sender := &fakeSender{name: "fake"}
		a := NewBreakerAlerter(NewNotifier([]Sender{sender}, nil, testLogger()))

		a.SnapshotFailed(errors.New("upload timed out"))

		if len(sender.messages) != 1 || sender.messages[0] != "upload timed out" {
			t.Errorf("messages = %v", sender.messages)
		}
	})
}

func TestDiscordSender_Send(t *testing.T) {
	t.Run("posts bold title and message", func(t *testing.T) {
		var got map[string]string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewDecoder(r.Body).Decode(&got)
			w.WriteHeader(http.StatusNoContent)
		}))
		defer srv.Close()

		d := NewDiscordSender(srv.URL)
		if err := d.Send(context.Background(), "Upstream circuit opened", "cache only"); err != nil {
			t.Fatalf("Send: %v", err)
		}
		if got["content"] != "**Upstream circuit opened**\ncache only" {
			t.Errorf("content = %q", got["content"])
		}
	})

	t.Run("non-2xx is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
		}))
		defer srv.Close()

		d := NewDiscordSender(srv.URL)
		if err := d.Send(context.Background(), "t", "m"); err == nil {
			t.Fatal("Send returned nil for 429 response")
		}
	})
}
