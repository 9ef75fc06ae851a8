package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/signoff/internal/events"
)

func TestWebhook_PostsPayload(t *testing.T) {
	var got WebhookPayload
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("X-Signoff-Event")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	err := NewWebhook(srv.URL, time.Second).Notify(context.Background(), events.Event{
		Type:       events.EventStepDecided,
		Timestamp:  at,
		RequestID:  "apr_1700000000_0a1b2c3d",
		Actor:      "bob",
		Status:     "pending",
		StepNumber: 0,
		StepStatus: "approved",
		Recipients: []string{"carol"},
	})
	require.NoError(t, err)

	assert.Equal(t, "step_decided", header)
	assert.Equal(t, "step_decided", got.Type)
	assert.Equal(t, "apr_1700000000_0a1b2c3d", got.RequestID)
	assert.Equal(t, "bob", got.Actor)
	assert.True(t, got.At.Equal(at))
	require.NotNil(t, got.StepNumber)
	assert.Equal(t, 0, *got.StepNumber)
	assert.Equal(t, []string{"carol"}, got.Recipients)
}

func TestWebhook_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, time.Second).Notify(context.Background(), events.Event{Type: events.EventCommentAdded, StepNumber: -1})
	assert.ErrorContains(t, err, "502")
}

type recordingSink struct {
	mu  sync.Mutex
	got []events.Event
	err error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Notify(_ context.Context, e events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, e)
	return s.err
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func TestAttach_DeliversAllEventTypes(t *testing.T) {
	bus := events.NewBus(10, nil)
	defer bus.Close()

	ok := &recordingSink{}
	failing := &recordingSink{err: assert.AnError}
	detach := Attach(bus, nil, time.Second, ok, failing)

	for _, et := range events.AllEventTypes {
		bus.Publish(events.Event{Type: et, RequestID: "r"})
	}
	require.Eventually(t, func() bool { return ok.len() == len(events.AllEventTypes) }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return failing.len() == len(events.AllEventTypes) }, 2*time.Second, 10*time.Millisecond)

	detach()
	bus.Publish(events.Event{Type: events.EventCommentAdded, RequestID: "r"})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, len(events.AllEventTypes), ok.len())
}
