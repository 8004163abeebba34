package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

type recordingPusher struct{ got []string }

func (r *recordingPusher) Push(_ context.Context, driverID string, ev Event) error {
	r.got = append(r.got, driverID+":"+ev.Name)
	return nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestPushFallbackWhenOffline(t *testing.T) {
	hub := NewHub(discard())
	push := &recordingPusher{}
	p := NewPushDispatcher(hub, push, discard())

	if err := p.NotifyDriver(context.Background(), "D1", Event{Name: EventNewRideRequest}); err != nil {
		t.Fatal(err)
	}
	if len(push.got) != 1 || push.got[0] != "D1:"+EventNewRideRequest {
		t.Fatalf("unexpected pushes %v", push.got)
	}
	err := p.NotifyPassenger(context.Background(), "P1", Event{Name: EventRideAssigned})
	if !IsNoSession(err) {
		t.Fatalf("expected no session for passenger, got %v", err)
	}
}

type flakyNotifier struct{ fail string }

func (f flakyNotifier) NotifyDriver(_ context.Context, id string, _ Event) error {
	if id == f.fail {
		return errors.New("boom")
	}
	return nil
}
func (flakyNotifier) NotifyPassenger(context.Context, string, Event) error { return nil }

func TestNotifyDriversSkipsAndReports(t *testing.T) {
	got := NotifyDrivers(context.Background(), flakyNotifier{fail: "D3"}, discard(), []string{"D1", "D2", "D3"}, "D1", Event{Name: EventRequestTaken})
	if len(got) != 1 || got[0] != "D2" {
		t.Fatalf("unexpected reached set %v", got)
	}
}

func TestFCMPushPostsEnvelope(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := NewFCMDispatcher(srv.URL, "secret")
	if err := f.Push(context.Background(), "D1", Event{Name: EventNewRideRequest, Data: Notice{RequestID: "rr_1"}}); err != nil {
		t.Fatal(err)
	}
	if auth != "Bearer secret" {
		t.Fatalf("unexpected auth header %q", auth)
	}
}

func TestFCMPushReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	if err := NewFCMDispatcher(srv.URL, "").Push(context.Background(), "D1", Event{Name: "x"}); err == nil {
		t.Fatal("expected error for non-2xx")
	}
}
