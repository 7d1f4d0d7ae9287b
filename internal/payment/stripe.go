// Package payment は決済プロバイダー（Stripe）との連携と、
// 決済完了イベントからアカウント払い出しへの受け渡しを提供する。
package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/hitoshi/speakfuel/internal/metrics"
	"github.com/hitoshi/speakfuel/internal/model"
)

// Provider は決済プロバイダーの操作を表す。
// 同じ操作を提供するプロバイダーであれば差し替え可能。
type Provider interface {
	// CreateCheckoutSession はホスト型決済ページのセッションを作成する。
	CreateCheckoutSession(ctx context.Context, params *model.CheckoutParams) (*model.PaymentSession, error)
	// RetrieveSession はセッションIDで決済セッションを取得する。
	RetrieveSession(ctx context.Context, sessionID string) (*model.PaymentSession, error)
	// VerifyWebhook は署名を検証してイベントを復元する。
	VerifyWebhook(payload []byte, signature string) (*model.WebhookEvent, error)
}

// StripeConfig はStripeProviderの設定。
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// Backends がnilの場合はStripeの既定のバックエンドを使用する。
	Backends *stripe.Backends
	Recorder metrics.Recorder
}

// StripeProvider はStripe APIを用いたProviderの実装。
type StripeProvider struct {
	api           *client.API
	webhookSecret string
	recorder      metrics.Recorder
}

// compile-time interface check
var _ Provider = (*StripeProvider)(nil)

// NewStripeProvider はStripeProviderを生成する。
func NewStripeProvider(cfg StripeConfig) *StripeProvider {
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	return &StripeProvider{
		api:           client.New(cfg.SecretKey, cfg.Backends),
		webhookSecret: cfg.WebhookSecret,
		recorder:      recorder,
	}
}

// CreateCheckoutSession は単一商品・一括払いの決済セッションを作成する。
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, params *model.CheckoutParams) (*model.PaymentSession, error) {
	sp := &stripe.CheckoutSessionParams{
		Mode:          stripe.String(string(stripe.CheckoutSessionModePayment)),
		CustomerEmail: stripe.String(params.CustomerEmail),
		SuccessURL:    stripe.String(params.SuccessURL),
		CancelURL:     stripe.String(params.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(params.Currency),
					UnitAmount: stripe.Int64(params.UnitAmount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name:        stripe.String(params.ProductName),
						Description: stripe.String(params.ProductDescription),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
	}
	sp.Context = ctx
	for k, v := range params.Metadata {
		sp.AddMetadata(k, v)
	}

	start := time.Now()
	s, err := p.api.CheckoutSessions.New(sp)
	p.recorder.ObserveProviderCall("stripe", "create_checkout_session", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}
	return toPaymentSession(s), nil
}

// RetrieveSession は決済セッションを取得する。
// 支払い状態はクライアントの申告を信用せず、必ずこのメソッドで再取得する。
func (p *StripeProvider) RetrieveSession(ctx context.Context, sessionID string) (*model.PaymentSession, error) {
	sp := &stripe.CheckoutSessionParams{}
	sp.Context = ctx

	start := time.Now()
	s, err := p.api.CheckoutSessions.Get(sessionID, sp)
	p.recorder.ObserveProviderCall("stripe", "retrieve_checkout_session", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve checkout session %s: %w", sessionID, err)
	}
	return toPaymentSession(s), nil
}

// VerifyWebhook はStripe-Signatureヘッダーを検証し、イベントを復元する。
// checkout.session.*イベントの場合はペイロードのセッションも復元する。
func (p *StripeProvider) VerifyWebhook(payload []byte, signature string) (*model.WebhookEvent, error) {
	if strings.TrimSpace(signature) == "" {
		return nil, fmt.Errorf("missing webhook signature")
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to verify webhook signature: %w", err)
	}

	out := &model.WebhookEvent{ID: event.ID, Type: string(event.Type)}
	if strings.HasPrefix(out.Type, "checkout.session.") && event.Data != nil {
		var s stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
			return nil, fmt.Errorf("failed to decode checkout session: %w", err)
		}
		out.Session = toPaymentSession(&s)
	}
	return out, nil
}

// toPaymentSession はStripeのセッションをドメインモデルに変換する。
// メールアドレスはcustomer_email → customer_details.email → metadata.emailの順に採用する。
func toPaymentSession(s *stripe.CheckoutSession) *model.PaymentSession {
	email := s.CustomerEmail
	if email == "" && s.CustomerDetails != nil {
		email = s.CustomerDetails.Email
	}
	if email == "" {
		email = s.Metadata[model.MetadataEmail]
	}
	return &model.PaymentSession{
		ID:            s.ID,
		URL:           s.URL,
		CustomerEmail: email,
		PaymentStatus: model.PaymentStatus(s.PaymentStatus),
		AmountTotal:   s.AmountTotal,
		Currency:      string(s.Currency),
		Metadata:      s.Metadata,
	}
}
