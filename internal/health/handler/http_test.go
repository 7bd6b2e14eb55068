package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

// mockPinger implements Pinger for tests.
type mockPinger struct {
	pingErr error
}

func (m *mockPinger) PingContext(context.Context) error {
	return m.pingErr
}

// mockChecker implements Checker for tests.
type mockChecker struct {
	healthErr error
}

func (m *mockChecker) HealthCheck(context.Context) error {
	return m.healthErr
}

func serve(h *Handler, path string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.Register(r)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestReady_NilChecks(t *testing.T) {
	w := serve(NewHandler(nil, nil, nil, nil), "/readyz")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestReady_PingerSuccess(t *testing.T) {
	w := serve(NewHandler(&mockPinger{}, nil, nil, nil), "/readyz")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestReady_PingerFailure(t *testing.T) {
	w := serve(NewHandler(&mockPinger{pingErr: errors.New("connection refused")}, nil, nil, nil), "/readyz")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestReady_CacheFailure(t *testing.T) {
	w := serve(NewHandler(&mockPinger{}, &mockChecker{healthErr: errors.New("redis down")}, nil, nil), "/readyz")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestLive_IgnoresDependencies(t *testing.T) {
	w := serve(NewHandler(&mockPinger{pingErr: errors.New("down")}, nil, nil, nil), "/healthz")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestReady_PolicyCheckerSuccess(t *testing.T) {
	w := serve(NewHandler(nil, nil, &mockChecker{}, nil), "/readyz")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestReady_PolicyCheckerFailure(t *testing.T) {
	w := serve(NewHandler(&mockPinger{}, &mockChecker{}, &mockChecker{healthErr: errors.New("rego compile failed")}, nil), "/readyz")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}
