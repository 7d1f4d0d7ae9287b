package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stripe/stripe-go/v82"

	"github.com/hitoshi/speakfuel/internal/access"
	"github.com/hitoshi/speakfuel/internal/checkout"
	"github.com/hitoshi/speakfuel/internal/config"
	"github.com/hitoshi/speakfuel/internal/database"
	"github.com/hitoshi/speakfuel/internal/handler"
	"github.com/hitoshi/speakfuel/internal/logger"
	"github.com/hitoshi/speakfuel/internal/metrics"
	"github.com/hitoshi/speakfuel/internal/middleware"
	"github.com/hitoshi/speakfuel/internal/model"
	"github.com/hitoshi/speakfuel/internal/payment"
	"github.com/hitoshi/speakfuel/internal/repository"
	"github.com/hitoshi/speakfuel/internal/security"
	"github.com/hitoshi/speakfuel/internal/supabase"
	"github.com/hitoshi/speakfuel/internal/worker/cleanup"
)

// cleanupInterval はイベント台帳クリーンアップの実行間隔。
const cleanupInterval = 24 * time.Hour

// Init はアプリケーションの初期化を行う。
// .envと環境変数からConfigを読み込み、LOG_LEVELに従ってJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. .envと環境変数から設定を読み込む
	config.LoadDotenv()
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再設定する
	logger.SetupDefaultWithLevel(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	root := NewRootCommand(w)
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

// components はserveとgrantが共有するワイヤリング済みの依存関係。
type components struct {
	provisioner *access.Provisioner
	router      http.Handler
	rateLimiter *middleware.RateLimiter
}

// wire は設定とDB接続から全依存関係を組み立てる。
// 外部サービスへの接続はここでは行わない。
func wire(cfg *config.Config, db *sql.DB, reg *prometheus.Registry) *components {
	// 1. メトリクス
	collector := metrics.NewCollector(reg)

	// 2. リポジトリの初期化
	profileRepo := repository.NewPostgresProfileRepo(db)
	eventRepo := repository.NewPostgresStripeEventRepo(db)

	// 3. 外部サービスクライアントの初期化
	idp := supabase.NewClient(supabase.Config{
		URL:            cfg.SupabaseURL,
		ServiceRoleKey: cfg.SupabaseServiceRoleKey,
		AnonKey:        cfg.SupabaseAnonKey,
		HTTPClient:     security.NewOutboundClient(cfg.SupabaseURL, cfg.HTTPClientTimeout),
		Recorder:       collector,
	})
	stripeProvider := payment.NewStripeProvider(payment.StripeConfig{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		Backends:      stripe.NewBackends(&http.Client{Timeout: cfg.HTTPClientTimeout}),
		Recorder:      collector,
	})

	// 4. ドメインサービスの初期化
	links := access.NewLinkSender(idp, cfg.BaseURL, collector)
	provisioner := access.NewProvisioner(idp, profileRepo, links, collector)
	gate := access.NewGate(profileRepo, idp, links, collector)
	authenticator := access.NewAuthenticator(idp, profileRepo)
	receiver := payment.NewReceiver(stripeProvider, provisioner, eventRepo, collector)
	initiator := checkout.NewInitiator(stripeProvider, profileRepo, checkout.Config{
		BaseURL:            cfg.BaseURL,
		PriceCents:         cfg.CoursePriceCents,
		Currency:           cfg.CourseCurrency,
		ProductName:        cfg.CourseProductName,
		ProductDescription: cfg.CourseProductDescription,
	}, collector)

	// 5. ルーターの構築
	// configのレート制限はreq/min単位なのでreq/secに変換する
	rateLimiter := middleware.NewRateLimiter(
		middleware.RateLimiterConfigPerMinute(cfg.RateLimitGeneral, cfg.RateLimitMagicLink),
	)

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:          slog.Default(),
		HealthChecker:   db,
		MetricsHandler:  metrics.Handler(reg),
		SessionResolver: authenticator,
		Cookies: middleware.CookieConfig{
			Secure: cfg.CookieSecure,
			Domain: cfg.CookieDomain,
		},
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimiter:        rateLimiter,

		Checkout: initiator,
		Payments: receiver,
		Gate:     gate,
		Auth:     authenticator,
	})

	return &components{
		provisioner: provisioner,
		router:      router,
		rateLimiter: rateLimiter,
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := database.Open(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")
	return db, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	db, err := openDatabase(context.Background(), cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	c := wire(cfg, db, prometheus.NewRegistry())
	defer c.rateLimiter.Stop()

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      c.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.String("base_url", cfg.BaseURL),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serveErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、Webhookイベント台帳のクリーンアップジョブを日次で実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	db, err := openDatabase(context.Background(), cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	cleanupJob := cleanup.NewCleanupJob(
		repository.NewPostgresStripeEventRepo(db),
		slog.Default(),
		cfg.WebhookEventRetentionDays,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cleanupInterval),
		slog.Int("retention_days", cleanupJob.RetentionDays),
	)

	// ctxがキャンセルされるまでブロックする
	cleanupJob.Start(ctx, cleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.Version(cfg.DatabaseURL)
	if err != nil {
		return err
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// grantProvisioner は管理者付与に必要なプロビジョニング操作。
type grantProvisioner interface {
	Provision(ctx context.Context, req access.ProvisionRequest) (*access.ProvisionResult, error)
}

// runGrant は決済なしで有料アクセスを付与する（サポート対応・招待用）。
// sendLinkがtrueの場合はログイン用のマジックリンクも送信する。
func runGrant(ctx context.Context, p grantProvisioner, out io.Writer, email string, sendLink bool) error {
	result, err := p.Provision(ctx, access.ProvisionRequest{
		Email:      email,
		Preference: model.DefaultCheckoutPreference(),
		Source:     access.SourceAdmin,
		SkipLink:   !sendLink,
	})
	if err != nil {
		return fmt.Errorf("grant failed: %w", err)
	}

	fmt.Fprintf(out, "user_id=%s created=%t already_granted=%t link_sent=%t\n",
		result.UserID, result.Created, result.AlreadyGranted, result.LinkSent)
	if result.LinkError != nil {
		fmt.Fprintf(out, "warning: access granted but magic link failed: %v\n", result.LinkError)
	}
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}

// withConfig は設定を読み込んでからモード別の処理を実行する。
func withConfig(w io.Writer, cmd Command, run func(*config.Config) error) error {
	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	return run(cfg)
}
