package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/speakfuel/internal/access"
	"github.com/hitoshi/speakfuel/internal/middleware"
	"github.com/hitoshi/speakfuel/internal/model"
	"github.com/hitoshi/speakfuel/internal/payment"
)

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(ctx context.Context) error { return m.err }

type mockSessionResolver struct {
	resolveFn func(ctx context.Context, tokens model.SessionTokens) (*access.ResolvedSession, error)
}

func (m *mockSessionResolver) ResolveSession(ctx context.Context, tokens model.SessionTokens) (*access.ResolvedSession, error) {
	if m.resolveFn != nil {
		return m.resolveFn(ctx, tokens)
	}
	return nil, model.NewUnauthorizedError()
}

// newTestRouter はモック依存でルーターを構築する。
func newTestRouter(t *testing.T, deps *RouterDeps) http.Handler {
	t.Helper()
	if deps.RateLimiter == nil {
		deps.RateLimiter = middleware.NewRateLimiter(middleware.RateLimiterConfig{
			GeneralRate:     100,
			GeneralBurst:    100,
			MagicLinkRate:   middleware.RateLimiterConfigPerMinute(60, 2).MagicLinkRate,
			MagicLinkBurst:  2,
			CleanupInterval: time.Minute,
		})
	}
	t.Cleanup(deps.RateLimiter.Stop)
	if deps.Checkout == nil {
		deps.Checkout = &mockCheckoutService{}
	}
	if deps.Payments == nil {
		deps.Payments = &mockPaymentService{}
	}
	if deps.Gate == nil {
		deps.Gate = &mockAccessGate{}
	}
	if deps.Auth == nil {
		deps.Auth = &mockAuthService{}
	}
	if deps.SessionResolver == nil {
		deps.SessionResolver = &mockSessionResolver{}
	}
	if deps.CORSAllowedOrigins == nil {
		deps.CORSAllowedOrigins = []string{"https://speakfuel.example"}
	}
	return NewRouter(deps)
}

func TestRouter_Health(t *testing.T) {
	tests := []struct {
		name       string
		checker    HealthChecker
		wantStatus int
	}{
		{"database reachable", &mockHealthChecker{}, http.StatusOK},
		{"database unreachable", &mockHealthChecker{err: errors.New("connection refused")}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(t, &RouterDeps{HealthChecker: tt.checker})

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestRouter_Metrics(t *testing.T) {
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("speakfuel_checkout_sessions_created_total 1\n"))
	})
	router := newTestRouter(t, &RouterDeps{MetricsHandler: metricsHandler})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "speakfuel_checkout_sessions_created_total") {
		t.Errorf("unexpected metrics body: %s", w.Body.String())
	}
}

func TestRouter_SecurityHeadersOnEveryResponse(t *testing.T) {
	router := newTestRouter(t, &RouterDeps{Cookies: middleware.CookieConfig{Secure: true}})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want %q", got, "nosniff")
	}
	if got := w.Header().Get("Strict-Transport-Security"); got == "" {
		t.Error("expected HSTS header when cookies are secure")
	}
}

func TestRouter_PublicRoutes(t *testing.T) {
	router := newTestRouter(t, &RouterDeps{})

	tests := []struct {
		method string
		target string
		body   string
		want   int
	}{
		{http.MethodPost, "/api/create-checkout-session", `{"email":"buyer@example.com"}`, http.StatusOK},
		{http.MethodGet, "/api/checkout-session?session_id=cs_1", "", http.StatusOK},
		{http.MethodPost, "/api/process-payment", `{"session_id":"cs_1"}`, http.StatusOK},
		{http.MethodPost, "/api/webhooks/stripe", `{}`, http.StatusOK},
		{http.MethodGet, "/api/csrf-token", "", http.StatusOK},
		{http.MethodGet, "/auth/callback?token_hash=bad", "", http.StatusSeeOther},
		{http.MethodGet, "/api/unknown", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.target, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestRouter_MeRequiresPaidSession(t *testing.T) {
	resolver := &mockSessionResolver{
		resolveFn: func(ctx context.Context, tokens model.SessionTokens) (*access.ResolvedSession, error) {
			switch tokens.AccessToken {
			case "paid":
				return &access.ResolvedSession{Account: &model.Account{ID: "u1", Email: "a@example.com", PaidAccess: true}}, nil
			case "unpaid":
				return &access.ResolvedSession{Account: &model.Account{ID: "u2", Email: "b@example.com"}}, nil
			default:
				return nil, model.NewUnauthorizedError()
			}
		},
	}
	router := newTestRouter(t, &RouterDeps{SessionResolver: resolver})

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"no cookie", "", http.StatusUnauthorized},
		{"invalid token", "bogus", http.StatusUnauthorized},
		{"unpaid account", "unpaid", http.StatusForbidden},
		{"paid account", "paid", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
			if tt.token != "" {
				req.AddCookie(&http.Cookie{Name: middleware.AccessTokenCookie, Value: tt.token})
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestRouter_LogoutRequiresCSRFToken(t *testing.T) {
	resolver := &mockSessionResolver{
		resolveFn: func(ctx context.Context, tokens model.SessionTokens) (*access.ResolvedSession, error) {
			return &access.ResolvedSession{Account: &model.Account{ID: "u1", PaidAccess: true}}, nil
		},
	}
	router := newTestRouter(t, &RouterDeps{SessionResolver: resolver})

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: middleware.AccessTokenCookie, Value: "at"})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("without CSRF token: status = %d, want %d", w.Code, http.StatusForbidden)
	}

	req = httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: middleware.AccessTokenCookie, Value: "at"})
	req.AddCookie(&http.Cookie{Name: "sf_csrf", Value: "tok"})
	req.Header.Set("X-CSRF-Token", "tok")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusSeeOther {
		t.Errorf("with CSRF token: status = %d, want %d", w.Code, http.StatusSeeOther)
	}
}

func TestRouter_RequestAccessHasStricterRateLimit(t *testing.T) {
	router := newTestRouter(t, &RouterDeps{})

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/api/request-access", strings.NewReader(`{"email":"buyer@example.com"}`))
		req.RemoteAddr = "203.0.113.7:40000"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	for i := 0; i < 2; i++ {
		if got := send(); got != http.StatusOK {
			t.Fatalf("request %d: status = %d, want %d", i, got, http.StatusOK)
		}
	}
	if got := send(); got != http.StatusTooManyRequests {
		t.Errorf("third request: status = %d, want %d", got, http.StatusTooManyRequests)
	}

	// 他のエンドポイントは影響を受けない
	req := httptest.NewRequest(http.MethodGet, "/api/checkout-session?session_id=cs_1", nil)
	req.RemoteAddr = "203.0.113.7:40000"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("general endpoint: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestRouter_WebhookIsNotRateLimited(t *testing.T) {
	calls := 0
	payments := &mockPaymentService{
		handleWebhookFn: func(ctx context.Context, payload []byte, signature string) (*payment.WebhookResult, error) {
			calls++
			return &payment.WebhookResult{Status: payment.StatusIgnored}, nil
		},
	}
	router := newTestRouter(t, &RouterDeps{
		Payments: payments,
		RateLimiter: middleware.NewRateLimiter(middleware.RateLimiterConfig{
			GeneralRate:     0.001,
			GeneralBurst:    1,
			MagicLinkRate:   0.001,
			MagicLinkBurst:  1,
			CleanupInterval: time.Minute,
		}),
	})

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", strings.NewReader(`{}`))
		req.RemoteAddr = "54.187.174.169:443"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("webhook %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}
	if calls != 5 {
		t.Errorf("webhook calls = %d, want 5", calls)
	}
}
