package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

func runHealth(t *testing.T, h echo.HandlerFunc) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health/db", nil), rec)
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec, body
}

func TestHealthHandler_Healthy(t *testing.T) {
	redisOK := Check{Name: "redis", Ping: func(context.Context) error { return nil }}
	rec, body := runHealth(t, HealthHandler(stubPinger{}, redisOK))

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if body["status"] != "healthy" {
		t.Errorf("expected healthy, got %v", body["status"])
	}
	deps := body["dependencies"].(map[string]interface{})
	if deps["redis"] != "ok" {
		t.Errorf("expected redis ok, got %v", deps["redis"])
	}
}

func TestHealthHandler_StoreDown(t *testing.T) {
	rec, body := runHealth(t, HealthHandler(stubPinger{err: errors.New("connection refused")}))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	if body["error"] != "connection refused" {
		t.Errorf("unexpected error field %v", body["error"])
	}
}

func TestHealthHandler_DependencyDown(t *testing.T) {
	redisDown := Check{Name: "redis", Ping: func(context.Context) error { return errors.New("i/o timeout") }}
	rec, body := runHealth(t, HealthHandler(stubPinger{}, redisDown))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	deps := body["dependencies"].(map[string]interface{})
	if deps["redis"] != "i/o timeout" {
		t.Errorf("unexpected redis status %v", deps["redis"])
	}
}
