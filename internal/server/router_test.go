package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"messenger/internal/config"
	"messenger/internal/db"
	"messenger/internal/presence"
	"messenger/internal/ratelimit"
	"messenger/internal/service"
	"messenger/internal/ws"
)

func testRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Config{
		Port: "0", JWTSecret: "secret", Env: "dev",
		AccessTokenTTLMinutes: 15, RefreshTokenTTLDays: 7,
		RateWindow: time.Minute, RateWindowCap: 30,
		RateBurstWin: time.Second, RateBurstCap: 5,
		RatePenalty: 30 * time.Second, RateMaxEntries: 1000,
		PresenceTTL:           5 * time.Minute,
		MaxMentionsPerMessage: 50,
		GroupMinParticipants:  3, GroupMaxParticipants: 100,
	}
	gdb, err := db.Connect("host=localhost user=postgres password=postgres dbname=messenger_test port=5432 sslmode=disable TimeZone=UTC")
	if err != nil {
		t.Skipf("skip: db not available: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Skipf("skip: migrate failed: %v", err)
	}

	hub := ws.NewHub()
	pres := presence.NewMemoryStore(cfg.PresenceTTL)
	limiter := ratelimit.New(ratelimit.Config{
		Window: cfg.RateWindow, WindowCap: cfg.RateWindowCap,
		BurstWin: cfg.RateBurstWin, BurstCap: cfg.RateBurstCap,
		Penalty: cfg.RatePenalty, MaxEntries: cfg.RateMaxEntries,
	}, nil)

	userSvc := service.NewUserService(gdb, hub, pres, cfg)
	convSvc := service.NewConversationService(gdb, hub, pres, cfg)
	msgSvc := service.NewMessageService(gdb, hub, limiter, cfg)
	eventHandler := service.NewEventHandler(gdb, msgSvc)
	h := NewHandler(userSvc, convSvc, msgSvc)

	return SetupRouter(cfg, gdb, hub, pres, h, convSvc, eventHandler)
}

func TestHealthz(t *testing.T) {
	engine := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestProtectedRouteRequiresAuth(t *testing.T) {
	engine := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/users/me", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	var body struct {
		Success bool `json:"success"`
		Error   struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Success {
		t.Error("error response reported success=true")
	}
	if body.Error.Code == "" {
		t.Error("error response missing code")
	}
}

func TestRegisterValidation(t *testing.T) {
	engine := testRouter(t)

	payload, _ := json.Marshal(map[string]string{"username": "", "password": ""})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
