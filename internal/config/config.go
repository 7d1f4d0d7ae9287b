package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// localhostBaseURL はSITE_URLとVERCEL_URLがどちらも使えない場合のフォールバック。
const localhostBaseURL = "http://localhost:3000"

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Stripe
	StripeSecretKey     string
	StripeWebhookSecret string

	// Supabase
	SupabaseURL            string
	SupabaseServiceRoleKey string
	SupabaseAnonKey        string

	// Course
	CoursePriceCents         int64
	CourseCurrency           string
	CourseProductName        string
	CourseProductDescription string

	// Redirect
	SiteURL    string
	PreviewURL string
	BaseURL    string // SiteURLとPreviewURLから解決した外部公開URL

	// Outbound HTTP
	HTTPClientTimeout time.Duration

	// Rate Limit (req/min)
	RateLimitGeneral   int
	RateLimitMagicLink int

	// Worker
	WebhookEventRetentionDays int

	// Logging
	LogLevel string

	// Server
	ServerPort string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigins []string
}

// LoadDotenv はカレントディレクトリから親方向に.envを探して読み込む。
// 既に設定されている環境変数は上書きしない。
func LoadDotenv() {
	for _, p := range []string{".env", filepath.Join("..", ".env"), filepath.Join("..", "..", ".env")} {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			slog.Warn("failed to load .env file", slog.String("path", p), slog.String("error", err.Error()))
			return
		}
		slog.Info("loaded .env file", slog.String("path", p))
		return
	}
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string
	required := func(key string) string {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg.DatabaseURL = required("DATABASE_URL")
	cfg.StripeSecretKey = required("STRIPE_SECRET_KEY")
	cfg.StripeWebhookSecret = required("STRIPE_WEBHOOK_SECRET")
	cfg.SupabaseURL = strings.TrimRight(required("SUPABASE_URL"), "/")
	cfg.SupabaseServiceRoleKey = required("SUPABASE_SERVICE_ROLE_KEY")
	cfg.SupabaseAnonKey = required("SUPABASE_ANON_KEY")

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.CoursePriceCents = getEnvInt64("COURSE_PRICE_CENTS", 4700)
	cfg.CourseCurrency = strings.ToLower(getEnvString("COURSE_CURRENCY", "usd"))
	cfg.CourseProductName = getEnvString("COURSE_PRODUCT_NAME", "SpeakFuel: Curso completo de inglés")
	cfg.CourseProductDescription = getEnvString("COURSE_PRODUCT_DESCRIPTION", "Acceso de por vida a todas las lecciones, historias y ejercicios")
	cfg.SiteURL = os.Getenv("SITE_URL")
	cfg.PreviewURL = os.Getenv("VERCEL_URL")
	cfg.BaseURL = ResolveBaseURL(cfg.SiteURL, cfg.PreviewURL)
	cfg.HTTPClientTimeout = getEnvDuration("HTTP_CLIENT_TIMEOUT", 10*time.Second)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 60)
	cfg.RateLimitMagicLink = getEnvInt("RATE_LIMIT_MAGIC_LINK", 5)
	cfg.WebhookEventRetentionDays = getEnvInt("WEBHOOK_EVENT_RETENTION_DAYS", 90)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS", []string{cfg.BaseURL})

	if cfg.CoursePriceCents <= 0 {
		return nil, fmt.Errorf("COURSE_PRICE_CENTS must be positive: %d", cfg.CoursePriceCents)
	}

	return cfg, nil
}

// ResolveBaseURL はリダイレクトURLの基点となる外部公開URLを解決する。
// 優先順位: localhost以外のSITE_URL → プラットフォームのプレビューURL → http://localhost:3000
func ResolveBaseURL(siteURL, previewURL string) string {
	siteURL = strings.TrimRight(strings.TrimSpace(siteURL), "/")
	if siteURL != "" && !isLocalhostURL(siteURL) {
		return siteURL
	}

	previewURL = strings.TrimRight(strings.TrimSpace(previewURL), "/")
	if previewURL != "" {
		if strings.HasPrefix(previewURL, "http://") || strings.HasPrefix(previewURL, "https://") {
			return previewURL
		}
		return "https://" + previewURL
	}

	return localhostBaseURL
}

// isLocalhostURL はURLのホストがローカルホストかを判定する。
func isLocalhostURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.Contains(raw, "localhost") || strings.Contains(raw, "127.0.0.1")
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1", "0.0.0.0":
		return true
	}
	return false
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの環境変数をスライスとして返す。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
