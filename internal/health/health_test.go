package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func ok(context.Context) error { return nil }

func serve(t *testing.T, h *Handler, path string) (int, Report) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var rep Report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec.Code, rep
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	h := New(Checker{Name: "gate", Check: func(context.Context) error { return errors.New("down") }})
	code, rep := serve(t, h, "/healthz")
	if code != http.StatusOK || rep.Status != StatusOK {
		t.Errorf("healthz = %d %q, want 200 ok", code, rep.Status)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	down := func(context.Context) error { return errors.New("not prepared") }

	tests := []struct {
		name     string
		checkers []Checker
		code     int
		status   string
	}{
		{"no checks", nil, http.StatusOK, StatusOK},
		{"all pass", []Checker{{Name: "gate", Check: ok}, {Name: "device", Check: ok}}, http.StatusOK, StatusOK},
		{"required fails", []Checker{{Name: "gate", Check: down}, {Name: "device", Check: ok}}, http.StatusServiceUnavailable, StatusFail},
		{"optional fails", []Checker{{Name: "gate", Check: ok}, {Name: "device", Check: down, Optional: true}}, http.StatusOK, StatusDegraded},
		{"both fail", []Checker{{Name: "gate", Check: down}, {Name: "device", Check: down, Optional: true}}, http.StatusServiceUnavailable, StatusFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			code, rep := serve(t, New(tt.checkers...), "/readyz")
			if code != tt.code || rep.Status != tt.status {
				t.Errorf("readyz = %d %q, want %d %q", code, rep.Status, tt.code, tt.status)
			}
			if len(rep.Checks) != len(tt.checkers) {
				t.Errorf("checks = %v", rep.Checks)
			}
		})
	}
}

func TestReadyz_ReportsFailureMessage(t *testing.T) {
	t.Parallel()

	h := New(Checker{Name: "gate", Check: func(context.Context) error { return errors.New("not prepared") }})
	_, rep := serve(t, h, "/readyz")
	if got := rep.Checks["gate"]; got != "fail: not prepared" {
		t.Errorf("gate check = %q", got)
	}
}

func TestCheck_Timeout(t *testing.T) {
	t.Parallel()

	slow := Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	h := New(slow).WithTimeout(10 * time.Millisecond)

	start := time.Now()
	rep := h.Check(context.Background())
	if time.Since(start) > time.Second {
		t.Error("check ignored its timeout")
	}
	if rep.Status != StatusFail {
		t.Errorf("status = %q, want fail", rep.Status)
	}
}
