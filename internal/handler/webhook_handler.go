package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/speakfuel/internal/middleware"
	"github.com/hitoshi/speakfuel/internal/model"
)

const (
	// maxWebhookBodyBytes はStripeのWebhookペイロードの上限。
	maxWebhookBodyBytes = 1 << 20

	stripeSignatureHeader = "Stripe-Signature"
)

type webhookResponse struct {
	Received bool `json:"received"`
}

// WebhookHandler は決済プロバイダーからのWebhookを受け取る。
type WebhookHandler struct {
	payments PaymentServiceInterface
}

// NewWebhookHandler はWebhookHandlerを生成する。
func NewWebhookHandler(payments PaymentServiceInterface) *WebhookHandler {
	return &WebhookHandler{payments: payments}
}

// HandleStripe はStripeのWebhookを処理する。
// 署名検証は生のボディに対して行うため、JSONとしてデコードしない。
// 対象外のイベントや処理済みのイベントにも200を返し、払い出し失敗時のみ500で再送させる。
// POST /api/webhooks/stripe
func (h *WebhookHandler) HandleStripe(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		slog.Warn("failed to read webhook body", slog.String("error", err.Error()))
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("Invalid payload"))
		return
	}

	result, err := h.payments.HandleWebhook(r.Context(), payload, r.Header.Get(stripeSignatureHeader))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	slog.Debug("webhook handled",
		slog.String("event_id", result.EventID),
		slog.String("status", result.Status),
	)
	writeJSON(w, webhookResponse{Received: true})
}
