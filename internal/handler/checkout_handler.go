package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/speakfuel/internal/checkout"
	"github.com/hitoshi/speakfuel/internal/model"
	"github.com/hitoshi/speakfuel/internal/payment"
	"github.com/hitoshi/speakfuel/internal/security"
)

// CheckoutServiceInterface は決済セッション作成のサービスインターフェース。
type CheckoutServiceInterface interface {
	CreateSession(ctx context.Context, req checkout.Request) (*model.PaymentSession, error)
}

// PaymentServiceInterface は決済完了の確認とアクセス付与のサービスインターフェース。
type PaymentServiceInterface interface {
	SessionDetails(ctx context.Context, sessionID string) (*model.PaymentSession, error)
	ConfirmPayment(ctx context.Context, sessionID string) (*payment.ConfirmResult, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) (*payment.WebhookResult, error)
}

// CheckoutHandler は購入ファネルのHTTPハンドラー。
type CheckoutHandler struct {
	checkout  CheckoutServiceInterface
	payments  PaymentServiceInterface
	sanitizer *security.TextSanitizer
}

// NewCheckoutHandler はCheckoutHandlerを生成する。
func NewCheckoutHandler(checkout CheckoutServiceInterface, payments PaymentServiceInterface) *CheckoutHandler {
	return &CheckoutHandler{
		checkout:  checkout,
		payments:  payments,
		sanitizer: security.NewTextSanitizer(),
	}
}

type createCheckoutSessionRequest struct {
	Email           string `json:"email"`
	RememberMe      *bool  `json:"rememberMe"`
	SessionDuration *int   `json:"sessionDuration"`
}

type createCheckoutSessionResponse struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

type checkoutSessionResponse struct {
	CustomerEmail string `json:"customer_email"`
	PaymentStatus string `json:"payment_status"`
	AmountTotal   int64  `json:"amount_total"`
	Currency      string `json:"currency"`
}

type processPaymentRequest struct {
	SessionID string `json:"session_id"`
}

type processPaymentResponse struct {
	Success       bool   `json:"success"`
	CustomerEmail string `json:"customer_email"`
}

// CreateCheckoutSession は決済セッションを作成する。
// POST /api/create-checkout-session
func (h *CheckoutHandler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req createCheckoutSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	session, err := h.checkout.CreateSession(r.Context(), checkout.Request{
		Email:           req.Email,
		RememberMe:      req.RememberMe,
		SessionDuration: req.SessionDuration,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, createCheckoutSessionResponse{SessionID: session.ID, URL: session.URL})
}

// GetCheckoutSession は決済完了ページ向けにセッションの概要を返す。
// GET /api/checkout-session?session_id=xxx
func (h *CheckoutHandler) GetCheckoutSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.payments.SessionDetails(r.Context(), r.URL.Query().Get("session_id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, checkoutSessionResponse{
		CustomerEmail: h.sanitizer.Clean(session.CustomerEmail),
		PaymentStatus: string(session.PaymentStatus),
		AmountTotal:   session.AmountTotal,
		Currency:      session.Currency,
	})
}

// ProcessPayment は決済完了ページからの確認でアクセスを付与する。
// Webhookと競合しても付与処理は冪等なため二重に実行してよい。
// POST /api/process-payment
func (h *CheckoutHandler) ProcessPayment(w http.ResponseWriter, r *http.Request) {
	var req processPaymentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.payments.ConfirmPayment(r.Context(), req.SessionID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, processPaymentResponse{
		Success:       true,
		CustomerEmail: h.sanitizer.Clean(result.CustomerEmail),
	})
}
