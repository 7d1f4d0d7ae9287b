package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/speakfuel/internal/access"
	"github.com/hitoshi/speakfuel/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// 運用
	Logger         *slog.Logger
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// ミドルウェア依存
	SessionResolver    middleware.SessionResolver
	Cookies            middleware.CookieConfig
	CORSAllowedOrigins []string
	RateLimiter        *middleware.RateLimiter

	// 購入ファネル
	Checkout CheckoutServiceInterface
	Payments PaymentServiceInterface

	// アクセス
	Gate AccessGateInterface
	Auth AuthServiceInterface
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Recovery → Logging → SecurityHeaders → CORS
//
// WebhookとヘルスチェックはRateLimitの外に配置する。
// マジックリンク送信とパスワードログインには追加で厳しいレート制限を掛ける。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.Cookies.Secure))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigins))

	checkoutHandler := NewCheckoutHandler(deps.Checkout, deps.Payments)
	webhookHandler := NewWebhookHandler(deps.Payments)
	authHandler := NewAuthHandler(deps.Gate, deps.Auth, deps.Cookies)

	// --- 運用エンドポイント ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// --- Webhook（署名で認証するためレート制限しない） ---
	r.Post("/api/webhooks/stripe", webhookHandler.HandleStripe)

	// --- 公開エンドポイント ---
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Post("/api/create-checkout-session", checkoutHandler.CreateCheckoutSession)
		r.Get("/api/checkout-session", checkoutHandler.GetCheckoutSession)
		r.Post("/api/process-payment", checkoutHandler.ProcessPayment)
		r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.Cookies).ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimiter.MagicLinkMiddleware())
			r.Post("/api/request-access", authHandler.RequestAccess)
			r.Post("/api/auth/login", authHandler.Login)
		})

		r.Get(access.CallbackPath, authHandler.Callback)

		// --- ログインが必要なルート ---
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewSessionMiddleware(deps.SessionResolver, deps.Cookies))

			r.With(middleware.NewPaidAccessMiddleware()).Get("/api/me", authHandler.Me)
			r.With(middleware.NewCSRFMiddleware(deps.Cookies)).Post("/auth/logout", authHandler.Logout)
		})
	})

	return r
}
