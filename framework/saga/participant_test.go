package saga

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPParticipant_Execute(t *testing.T) {
	var gotPath string
	var gotPayload map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"reservation_id": "res-1"})
	}))
	defer server.Close()

	p := NewHTTPParticipant(server.URL, 5*time.Second)
	result, err := p.Execute(context.Background(), "reserve", map[string]interface{}{"sku": "A-1"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if gotPath != "/execute/reserve" {
		t.Errorf("expected path /execute/reserve, got %s", gotPath)
	}
	if gotPayload["sku"] != "A-1" {
		t.Errorf("expected payload sku A-1, got %v", gotPayload["sku"])
	}
	if result["reservation_id"] != "res-1" {
		t.Errorf("expected reservation_id res-1, got %v", result["reservation_id"])
	}
}

func TestHTTPParticipant_Compensate(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := NewHTTPParticipant(server.URL, 5*time.Second)
	if err := p.Compensate(context.Background(), "release", map[string]interface{}{"reservation_id": "res-1"}); err != nil {
		t.Fatalf("Compensate failed: %v", err)
	}
	if gotPath != "/compensate/release" {
		t.Errorf("expected path /compensate/release, got %s", gotPath)
	}
}

func TestHTTPParticipant_ServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p := NewHTTPParticipant(server.URL, 5*time.Second)
	_, err := p.Execute(context.Background(), "reserve", nil)
	if !errors.Is(err, ErrParticipantUnavailable) {
		t.Fatalf("expected ErrParticipantUnavailable for 503, got %v", err)
	}
	if !isTransient(err) {
		t.Error("expected 503 to be classified as transient")
	}
}

func TestHTTPParticipant_ClientErrorIsDomainRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"insufficient funds"}`))
	}))
	defer server.Close()

	p := NewHTTPParticipant(server.URL, 5*time.Second)
	_, err := p.Execute(context.Background(), "charge", nil)
	if err == nil {
		t.Fatal("expected error for 422 response")
	}
	if isTransient(err) {
		t.Error("expected 422 to be a domain rejection, not transient")
	}
}

func TestHTTPParticipant_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer server.Close()

	p := NewHTTPParticipant(server.URL, 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Execute(ctx, "reserve", nil)
	if err == nil {
		t.Fatal("expected error for timed out call")
	}
	if !isTransient(err) {
		t.Errorf("expected timeout to be transient, got %v", err)
	}
}

func TestRegistry_Get(t *testing.T) {
	participant := newFakeParticipant()
	registry := NewRegistry().
		Register(Registration{ServiceName: "payment", IsActive: true}, participant).
		Register(Registration{ServiceName: "legacy", IsActive: false}, participant)

	if _, _, err := registry.Get("payment"); err != nil {
		t.Errorf("expected active participant, got %v", err)
	}
	if _, _, err := registry.Get("legacy"); !errors.Is(err, ErrParticipantUnavailable) {
		t.Errorf("expected ErrParticipantUnavailable for inactive, got %v", err)
	}
	if _, _, err := registry.Get("missing"); !errors.Is(err, ErrParticipantNotFound) {
		t.Errorf("expected ErrParticipantNotFound, got %v", err)
	}
}

func TestCheckHealth(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer unhealthy.Close()

	ctx := context.Background()

	if err := CheckHealth(ctx, Registration{ServiceName: "payment", HealthCheckURL: healthy.URL}); err != nil {
		t.Errorf("expected healthy participant, got %v", err)
	}

	err := CheckHealth(ctx, Registration{ServiceName: "payment", HealthCheckURL: unhealthy.URL})
	if !errors.Is(err, ErrParticipantUnavailable) {
		t.Errorf("expected ErrParticipantUnavailable, got %v", err)
	}

	// регистрация без health check URL считается здоровой
	if err := CheckHealth(ctx, Registration{ServiceName: "legacy"}); err != nil {
		t.Errorf("expected nil for registration without health check URL, got %v", err)
	}

	// недостижимый адрес также отображается в недоступность
	err = CheckHealth(ctx, Registration{
		ServiceName:    "ghost",
		HealthCheckURL: "http://127.0.0.1:1/health",
		Timeout:        200 * time.Millisecond,
	})
	if !errors.Is(err, ErrParticipantUnavailable) {
		t.Errorf("expected ErrParticipantUnavailable for unreachable URL, got %v", err)
	}
}
