// Package checkout は購入済みチェックを行った上で決済セッションを作成する。
package checkout

import (
	"context"
	"log/slog"
	"net/url"

	"github.com/hitoshi/speakfuel/internal/metrics"
	"github.com/hitoshi/speakfuel/internal/model"
	"github.com/hitoshi/speakfuel/internal/payment"
	"github.com/hitoshi/speakfuel/internal/repository"
)

// sessionIDPlaceholder はStripeが決済完了時にセッションIDへ置換するプレースホルダー。
// エスケープすると置換されないため、クエリ文字列には直接埋め込む。
const sessionIDPlaceholder = "{CHECKOUT_SESSION_ID}"

// Config は決済セッションの固定パラメータ。
type Config struct {
	BaseURL            string
	PriceCents         int64
	Currency           string
	ProductName        string
	ProductDescription string
}

// Request は決済セッション作成の入力。
// RememberMe/SessionDurationが未指定の場合は購入ファネルのデフォルト（保持する・30日）を使う。
type Request struct {
	Email           string
	RememberMe      *bool
	SessionDuration *int
}

// Preference はリクエストのセッション設定をデフォルトで補完して返す。
func (r Request) Preference() model.SessionPreference {
	pref := model.DefaultCheckoutPreference()
	if r.RememberMe != nil {
		pref.RememberMe = *r.RememberMe
		pref.SessionDuration = 0
	}
	if r.SessionDuration != nil {
		pref.SessionDuration = *r.SessionDuration
	}
	return pref.Normalize()
}

// Initiator は決済セッションを作成する。
type Initiator struct {
	provider payment.Provider
	profiles repository.ProfileRepository
	config   Config
	recorder metrics.Recorder
}

// NewInitiator はInitiatorを生成する。
func NewInitiator(provider payment.Provider, profiles repository.ProfileRepository, config Config, recorder metrics.Recorder) *Initiator {
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	return &Initiator{provider: provider, profiles: profiles, config: config, recorder: recorder}
}

// CreateSession は購入済みでないことを確認してから決済セッションを作成する。
// 購入済みチェック自体の失敗は正当な購入を妨げないようログに残して続行する。
func (i *Initiator) CreateSession(ctx context.Context, req Request) (*model.PaymentSession, error) {
	email, err := model.ValidateEmail(req.Email)
	if err != nil {
		return nil, err
	}

	if i.alreadyPurchased(ctx, email) {
		i.recorder.RecordAlreadyPurchased()
		slog.Info("checkout rejected: already purchased", slog.String("email", email))
		return nil, model.NewAlreadyPurchasedError()
	}

	pref := req.Preference()
	metadata := pref.Metadata()
	metadata[model.MetadataEmail] = email

	params := &model.CheckoutParams{
		CustomerEmail:      email,
		SuccessURL:         i.successURL(pref),
		CancelURL:          i.config.BaseURL + "/?canceled=true",
		ProductName:        i.config.ProductName,
		ProductDescription: i.config.ProductDescription,
		UnitAmount:         i.config.PriceCents,
		Currency:           i.config.Currency,
		Metadata:           metadata,
	}

	session, err := i.provider.CreateCheckoutSession(ctx, params)
	if err != nil {
		slog.Error("failed to create checkout session",
			slog.String("email", email),
			slog.String("error", err.Error()),
		)
		return nil, model.NewProviderFailureError("create_checkout_session", err)
	}

	i.recorder.RecordCheckoutCreated()
	slog.Info("checkout session created",
		slog.String("email", email),
		slog.String("session_id", session.ID),
		slog.Bool("remember_me", pref.RememberMe),
	)
	return session, nil
}

func (i *Initiator) alreadyPurchased(ctx context.Context, email string) bool {
	status, err := i.profiles.CheckPaidAccess(ctx, email)
	if err != nil {
		slog.Warn("paid access check failed, proceeding to checkout",
			slog.String("email", email),
			slog.String("error", err.Error()),
		)
		return false
	}
	return status.HasAccess
}

// successURL は決済完了後のリダイレクト先を組み立てる。
func (i *Initiator) successURL(pref model.SessionPreference) string {
	u := i.config.BaseURL + "/success?session_id=" + sessionIDPlaceholder
	q := url.Values{}
	pref.ApplyQuery(q)
	if len(q) > 0 {
		u += "&" + q.Encode()
	}
	return u
}
