package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	adapterhttp "github.com/dkeye/Classroom/internal/adapters/http"
	"github.com/dkeye/Classroom/internal/app"
	"github.com/dkeye/Classroom/internal/config"
	"github.com/dkeye/Classroom/internal/domain"
	"github.com/dkeye/Classroom/internal/relay/memory"
	"github.com/gin-gonic/gin"
)

type harness struct {
	store  *memory.Store
	engine *gin.Engine
}

func newHarness(t *testing.T, origins ...string) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := memory.NewStore()
	t.Cleanup(func() { _ = store.Close() })
	cfg := &config.Config{
		Mode:           "test",
		StaticPath:     t.TempDir(),
		Secret:         "cookie-secret",
		JWTSecret:      "jwt-secret",
		AllowedOrigins: origins,
		WS:             config.WSConfig{PingPeriod: time.Second},
	}
	engine := adapterhttp.SetupRouter(context.Background(), cfg, adapterhttp.Deps{
		Relay:    store,
		Registry: app.NewRegistry(),
		Policy:   app.SimplePolicy{},
	})
	return &harness{store: store, engine: engine}
}

func (h *harness) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	return w
}

func (h *harness) login(t *testing.T, id, role string) string {
	t.Helper()
	w := h.do(http.MethodPost, "/api/auth/login", "", map[string]string{"name": id, "role": role, "id": id})
	if w.Code != http.StatusOK {
		t.Fatalf("login %s: %d %s", id, w.Code, w.Body.String())
	}
	var resp adapterhttp.LoginResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return resp.Token
}

func TestLoginIssuesParsableToken(t *testing.T) {
	h := newHarness(t)
	token := h.login(t, "teacher", "teacher")
	claims, err := adapterhttp.ParseToken("jwt-secret", token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.ParticipantID != "teacher" || claims.Role != string(domain.RolePresenter) {
		t.Fatalf("claims = %+v", claims)
	}
	if _, err := adapterhttp.ParseToken("other-secret", token); err == nil {
		t.Fatal("token accepted with the wrong secret")
	}
}

func TestLoginRejectsUnknownRole(t *testing.T) {
	h := newHarness(t)
	w := h.do(http.MethodPost, "/api/auth/login", "", map[string]string{"name": "x", "role": "janitor"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("code = %d", w.Code)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	h := newHarness(t)
	if w := h.do(http.MethodGet, "/api/sessions", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d", w.Code)
	}
	if w := h.do(http.MethodGet, "/api/sessions", "garbage", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d", w.Code)
	}
	token := h.login(t, "v1", "viewer")
	if w := h.do(http.MethodGet, "/api/sessions?token="+token, "", nil); w.Code != http.StatusOK {
		t.Fatalf("query token rejected: %d", w.Code)
	}
}

func TestSessionLifecycle(t *testing.T) {
	h := newHarness(t)
	presenter := h.login(t, "teacher", "presenter")
	viewer := h.login(t, "v1", "viewer")

	if w := h.do(http.MethodPost, "/api/sessions/math/start", viewer, nil); w.Code != http.StatusForbidden {
		t.Fatalf("viewer start: %d", w.Code)
	}
	w := h.do(http.MethodPost, "/api/sessions/math/start", presenter, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("start: %d %s", w.Code, w.Body.String())
	}
	var s domain.Session
	_ = json.Unmarshal(w.Body.Bytes(), &s)
	if !s.IsLive || s.PresenterID != "teacher" {
		t.Fatalf("session = %+v", s)
	}

	if w := h.do(http.MethodPost, "/api/sessions/math/whiteboard", presenter, map[string]bool{"active": true}); w.Code != http.StatusNoContent {
		t.Fatalf("whiteboard: %d", w.Code)
	}
	if w := h.do(http.MethodPost, "/api/sessions/math/end", viewer, nil); w.Code != http.StatusForbidden {
		t.Fatalf("viewer end: %d", w.Code)
	}

	err := h.store.Membership("math").Announce(context.Background(), domain.Participant{ID: "v1", DisplayName: "v1", Role: domain.RoleViewer})
	if err != nil {
		t.Fatal(err)
	}
	w = h.do(http.MethodGet, "/api/sessions/math/members", viewer, nil)
	var members struct {
		Members []domain.Participant `json:"members"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &members)
	if len(members.Members) != 1 || members.Members[0].ID != "v1" {
		t.Fatalf("members = %s", w.Body.String())
	}

	if w := h.do(http.MethodPost, "/api/sessions/math/end", presenter, nil); w.Code != http.StatusNoContent {
		t.Fatalf("end: %d", w.Code)
	}
	w = h.do(http.MethodGet, "/api/sessions/math", viewer, nil)
	_ = json.Unmarshal(w.Body.Bytes(), &s)
	if s.IsLive || !s.WhiteboardActive {
		t.Fatalf("after end = %+v", s)
	}
}

func TestUnknownSession(t *testing.T) {
	h := newHarness(t)
	presenter := h.login(t, "teacher", "presenter")
	if w := h.do(http.MethodGet, "/api/sessions/none", presenter, nil); w.Code != http.StatusNotFound {
		t.Fatalf("get: %d", w.Code)
	}
	if w := h.do(http.MethodPost, "/api/sessions/none/end", presenter, nil); w.Code != http.StatusNotFound {
		t.Fatalf("end: %d", w.Code)
	}
}

func TestOriginFilter(t *testing.T) {
	h := newHarness(t, "https://class.example")

	req := httptest.NewRequest(http.MethodOptions, "/api/sessions", nil)
	req.Header.Set("Origin", "https://class.example")
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "https://class.example" {
		t.Fatalf("preflight: %d %v", w.Code, w.Header())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("foreign origin: %d", w.Code)
	}
}
