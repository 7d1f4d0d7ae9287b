package payment

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/hitoshi/speakfuel/internal/access"
	"github.com/hitoshi/speakfuel/internal/metrics"
	"github.com/hitoshi/speakfuel/internal/model"
	"github.com/hitoshi/speakfuel/internal/repository"
)

// Webhook処理結果の状態
const (
	StatusProcessed    = "processed"
	StatusDuplicate    = "duplicate"
	StatusIgnored      = "ignored"
	StatusUnpaid       = "unpaid"
	StatusMissingEmail = "missing_email"
)

// Provisioner はアカウントの払い出しを行う。
type Provisioner interface {
	Provision(ctx context.Context, req access.ProvisionRequest) (*access.ProvisionResult, error)
}

// WebhookResult はWebhook処理の結果。
type WebhookResult struct {
	EventID   string
	EventType string
	Status    string
	Provision *access.ProvisionResult
	// PreviousError は再送されたイベントの前回の失敗理由（初回は空）。
	PreviousError string
}

// ConfirmResult はクライアント確認経路の処理結果。
type ConfirmResult struct {
	CustomerEmail string
	Provision     *access.ProvisionResult
}

// Receiver は決済完了の通知（Webhookまたはクライアントからの確認）を受け取り、
// 支払いを確認した上でアカウントの払い出しを依頼する。
type Receiver struct {
	provider    Provider
	provisioner Provisioner
	events      repository.StripeEventRepository
	recorder    metrics.Recorder
}

// NewReceiver はReceiverを生成する。eventsがnilの場合はイベント台帳を使用しない。
func NewReceiver(provider Provider, provisioner Provisioner, events repository.StripeEventRepository, recorder metrics.Recorder) *Receiver {
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	return &Receiver{provider: provider, provisioner: provisioner, events: events, recorder: recorder}
}

// HandleWebhook は署名を検証し、checkout.session.completedイベントのみ処理する。
// それ以外のイベントは成功として応答し、プロバイダーの再送を止める。
// 払い出しに失敗した場合はエラーを返し、プロバイダーに再送させる。
func (r *Receiver) HandleWebhook(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	event, err := r.provider.VerifyWebhook(payload, signature)
	if err != nil {
		r.recorder.RecordWebhookEvent("unknown", metrics.OutcomeInvalid)
		slog.Warn("webhook signature verification failed", slog.String("error", err.Error()))
		return nil, model.NewInvalidSignatureError(err)
	}

	result := &WebhookResult{EventID: event.ID, EventType: event.Type}
	logAttrs := []any{
		slog.String("event_id", event.ID),
		slog.String("type", event.Type),
	}

	if r.recordReceived(ctx, event) {
		result.Status = StatusDuplicate
		r.recorder.RecordWebhookEvent(event.Type, metrics.OutcomeDuplicate)
		slog.Info("webhook event already processed", logAttrs...)
		return result, nil
	}

	if prev := r.previousFailure(ctx, event.ID); prev != "" {
		result.PreviousError = prev
		slog.Info("retrying webhook event after previous failure",
			append(logAttrs, slog.String("previous_error", prev))...)
	}

	if event.Type != model.EventTypeCheckoutSessionCompleted || event.Session == nil {
		result.Status = StatusIgnored
		r.markProcessed(ctx, event.ID)
		r.recorder.RecordWebhookEvent(event.Type, metrics.OutcomeIgnored)
		slog.Info("webhook event ignored", logAttrs...)
		return result, nil
	}

	session := event.Session
	logAttrs = append(logAttrs, slog.String("session_id", session.ID))

	if !session.IsPaid() {
		// 非同期決済の処理中など。支払い完了前にアクセスを付与してはならない
		result.Status = StatusUnpaid
		r.markProcessed(ctx, event.ID)
		r.recorder.RecordWebhookEvent(event.Type, metrics.OutcomeUnpaid)
		slog.Info("checkout session completed without payment",
			append(logAttrs, slog.String("payment_status", string(session.PaymentStatus)))...)
		return result, nil
	}

	email := sessionEmail(session)
	if email == "" {
		result.Status = StatusMissingEmail
		r.markProcessed(ctx, event.ID)
		r.recorder.RecordWebhookEvent(event.Type, metrics.OutcomeFailure)
		slog.Error("checkout session has no customer email", logAttrs...)
		return result, nil
	}

	// メタデータは署名済みペイロードのものを使い、再取得はしない
	prov, err := r.provisioner.Provision(ctx, access.ProvisionRequest{
		Email:      email,
		Preference: model.PreferenceFromMetadata(session.Metadata),
		Source:     access.SourceWebhook,
		SessionID:  session.ID,
	})
	if err != nil {
		r.markFailed(ctx, event.ID, err)
		r.recorder.RecordWebhookEvent(event.Type, metrics.OutcomeFailure)
		slog.Error("failed to provision account from webhook",
			append(logAttrs, slog.String("email", email), slog.String("error", err.Error()))...)
		return nil, err
	}

	result.Status = StatusProcessed
	result.Provision = prov
	r.markProcessed(ctx, event.ID)
	r.recorder.RecordWebhookEvent(event.Type, metrics.OutcomeSuccess)
	slog.Info("webhook event processed", append(logAttrs, slog.String("email", email))...)
	return result, nil
}

// ConfirmPayment は決済ページから戻ったクライアントの確認要求を処理する。
// 支払い状態はセッションIDでプロバイダーから再取得し、クライアントの申告は信用しない。
func (r *Receiver) ConfirmPayment(ctx context.Context, sessionID string) (*ConfirmResult, error) {
	session, err := r.SessionDetails(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if !session.IsPaid() {
		slog.Info("payment confirmation for unpaid session",
			slog.String("session_id", session.ID),
			slog.String("payment_status", string(session.PaymentStatus)),
		)
		return nil, model.NewPaymentNotCompletedError(session.PaymentStatus)
	}

	email := sessionEmail(session)
	if email == "" {
		slog.Error("paid session has no customer email", slog.String("session_id", session.ID))
		return nil, model.NewValidationError("La sesión de pago no tiene un email asociado")
	}

	prov, err := r.provisioner.Provision(ctx, access.ProvisionRequest{
		Email:      email,
		Preference: model.PreferenceFromMetadata(session.Metadata),
		Source:     access.SourceClientConfirm,
		SessionID:  session.ID,
	})
	if err != nil {
		return nil, err
	}
	return &ConfirmResult{CustomerEmail: model.NormalizeEmail(email), Provision: prov}, nil
}

// SessionDetails は決済セッションを取得する。
func (r *Receiver) SessionDetails(ctx context.Context, sessionID string) (*model.PaymentSession, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, model.NewValidationError("session_id es requerido")
	}

	session, err := r.provider.RetrieveSession(ctx, sessionID)
	if err != nil {
		slog.Error("failed to retrieve checkout session",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewProviderFailureError("retrieve_session", err)
	}
	return session, nil
}

// recordReceived はイベントを台帳に記録し、処理済みであればtrueを返す。
// 台帳の障害で決済処理を止めないよう、エラーはログに残して未処理として扱う。
func (r *Receiver) recordReceived(ctx context.Context, event *model.WebhookEvent) bool {
	if r.events == nil {
		return false
	}
	rec := &model.StripeEvent{ID: event.ID, Type: event.Type}
	if event.Session != nil {
		rec.SessionID = event.Session.ID
	}
	processed, err := r.events.RecordReceived(ctx, rec)
	if err != nil {
		slog.Warn("failed to record webhook event",
			slog.String("event_id", event.ID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return processed
}

// previousFailure は同じイベントの前回の処理失敗メッセージを返す。
// 初回受信や台帳の障害時は空文字を返す。
func (r *Receiver) previousFailure(ctx context.Context, eventID string) string {
	if r.events == nil {
		return ""
	}
	rec, err := r.events.FindByID(ctx, eventID)
	if err != nil {
		slog.Warn("failed to look up webhook event",
			slog.String("event_id", eventID),
			slog.String("error", err.Error()),
		)
		return ""
	}
	if rec == nil {
		return ""
	}
	return rec.ErrorMessage
}

func (r *Receiver) markProcessed(ctx context.Context, eventID string) {
	if r.events == nil {
		return
	}
	if err := r.events.MarkProcessed(ctx, eventID); err != nil {
		slog.Warn("failed to mark webhook event processed",
			slog.String("event_id", eventID),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Receiver) markFailed(ctx context.Context, eventID string, cause error) {
	if r.events == nil {
		return
	}
	msg := cause.Error()
	var apiErr *model.APIError
	if errors.As(cause, &apiErr) {
		msg = apiErr.Code
		if apiErr.Err != nil {
			msg += ": " + apiErr.Err.Error()
		}
	}
	if err := r.events.MarkFailed(ctx, eventID, msg); err != nil {
		slog.Warn("failed to mark webhook event failed",
			slog.String("event_id", eventID),
			slog.String("error", err.Error()),
		)
	}
}

// sessionEmail は払い出しに使うメールアドレスを返す。
func sessionEmail(s *model.PaymentSession) string {
	if e := strings.TrimSpace(s.CustomerEmail); e != "" {
		return e
	}
	return strings.TrimSpace(s.Metadata[model.MetadataEmail])
}
