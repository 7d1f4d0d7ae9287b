package app

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandGrant は決済なしで有料アクセスを付与することを示す。
	CommandGrant Command = "grant"
)

// NewRootCommand はspeakfuelのルートコマンドを生成する。
// サブコマンドを省略した場合はserveとして起動する。
// wはログとコマンド出力の出力先。
func NewRootCommand(w io.Writer) *cobra.Command {
	if w == nil {
		w = os.Stdout
	}

	root := &cobra.Command{
		Use:           "speakfuel",
		Short:         "SpeakFuel payment and course access backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(w, CommandServe, runServe)
		},
	}
	root.SetOut(w)

	root.AddCommand(
		&cobra.Command{
			Use:   string(CommandServe),
			Short: "Start the HTTP API server",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withConfig(w, CommandServe, runServe)
			},
		},
		&cobra.Command{
			Use:   string(CommandWorker),
			Short: "Run background jobs (webhook event retention)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withConfig(w, CommandWorker, runWorker)
			},
		},
		&cobra.Command{
			Use:   string(CommandMigrate),
			Short: "Apply pending database migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withConfig(w, CommandMigrate, runMigrate)
			},
		},
		newHealthcheckCommand(),
		newGrantCommand(w),
	)

	return root
}

// newHealthcheckCommand はhealthcheckサブコマンドを生成する。
// 軽量サブコマンドのため、設定の読み込みを行わない。
func newHealthcheckCommand() *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   string(CommandHealthcheck),
		Short: "Probe the local /health endpoint (for container health checks)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				url = defaultHealthcheckURL()
			}
			return runHealthcheck(cmd.Context(), url)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "health endpoint URL (default http://localhost:$SERVER_PORT/health)")

	return cmd
}

// defaultHealthcheckURL はSERVER_PORTからローカルの/health URLを組み立てる。
func defaultHealthcheckURL() string {
	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}
	return fmt.Sprintf("http://localhost:%s/health", port)
}

// newGrantCommand はgrantサブコマンドを生成する。
func newGrantCommand(w io.Writer) *cobra.Command {
	var (
		email  string
		noLink bool
	)

	cmd := &cobra.Command{
		Use:   string(CommandGrant),
		Short: "Grant paid course access to an email without a payment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			email = strings.TrimSpace(email)
			if email == "" {
				return fmt.Errorf("--email is required")
			}

			cfg, err := Init(w)
			if err != nil {
				return fmt.Errorf("initialization failed: %w", err)
			}

			ctx := cmd.Context()
			db, err := openDatabase(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			c := wire(cfg, db, prometheus.NewRegistry())
			defer c.rateLimiter.Stop()

			return runGrant(ctx, c.provisioner, cmd.OutOrStdout(), email, !noLink)
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email address to grant access to")
	cmd.Flags().BoolVar(&noLink, "no-link", false, "do not send a magic link")

	return cmd
}
