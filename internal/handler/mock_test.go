package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/speakfuel/internal/access"
	"github.com/hitoshi/speakfuel/internal/checkout"
	"github.com/hitoshi/speakfuel/internal/middleware"
	"github.com/hitoshi/speakfuel/internal/model"
	"github.com/hitoshi/speakfuel/internal/payment"
)

// --- モック定義 ---

type mockCheckoutService struct {
	createSessionFn func(ctx context.Context, req checkout.Request) (*model.PaymentSession, error)
}

func (m *mockCheckoutService) CreateSession(ctx context.Context, req checkout.Request) (*model.PaymentSession, error) {
	if m.createSessionFn != nil {
		return m.createSessionFn(ctx, req)
	}
	return &model.PaymentSession{ID: "cs_test_default", URL: "https://checkout.stripe.com/c/pay/cs_test_default"}, nil
}

type mockPaymentService struct {
	sessionDetailsFn func(ctx context.Context, sessionID string) (*model.PaymentSession, error)
	confirmPaymentFn func(ctx context.Context, sessionID string) (*payment.ConfirmResult, error)
	handleWebhookFn  func(ctx context.Context, payload []byte, signature string) (*payment.WebhookResult, error)
}

func (m *mockPaymentService) SessionDetails(ctx context.Context, sessionID string) (*model.PaymentSession, error) {
	if m.sessionDetailsFn != nil {
		return m.sessionDetailsFn(ctx, sessionID)
	}
	return &model.PaymentSession{ID: sessionID, PaymentStatus: model.PaymentStatusPaid}, nil
}

func (m *mockPaymentService) ConfirmPayment(ctx context.Context, sessionID string) (*payment.ConfirmResult, error) {
	if m.confirmPaymentFn != nil {
		return m.confirmPaymentFn(ctx, sessionID)
	}
	return &payment.ConfirmResult{}, nil
}

func (m *mockPaymentService) HandleWebhook(ctx context.Context, payload []byte, signature string) (*payment.WebhookResult, error) {
	if m.handleWebhookFn != nil {
		return m.handleWebhookFn(ctx, payload, signature)
	}
	return &payment.WebhookResult{Status: payment.StatusIgnored}, nil
}

type mockAccessGate struct {
	requestAccessFn func(ctx context.Context, email string, pref model.SessionPreference) (string, error)
}

func (m *mockAccessGate) RequestAccess(ctx context.Context, email string, pref model.SessionPreference) (string, error) {
	if m.requestAccessFn != nil {
		return m.requestAccessFn(ctx, email, pref)
	}
	return access.AccessGrantedMessage, nil
}

type mockAuthService struct {
	completeCallbackFn   func(ctx context.Context, req access.CallbackRequest) (*model.AuthSession, error)
	signInWithPasswordFn func(ctx context.Context, email, password string) (*model.AuthSession, error)
	signOutFn            func(ctx context.Context, accessToken string) error
}

func (m *mockAuthService) CompleteCallback(ctx context.Context, req access.CallbackRequest) (*model.AuthSession, error) {
	if m.completeCallbackFn != nil {
		return m.completeCallbackFn(ctx, req)
	}
	return nil, model.NewUnauthorizedError()
}

func (m *mockAuthService) SignInWithPassword(ctx context.Context, email, password string) (*model.AuthSession, error) {
	if m.signInWithPasswordFn != nil {
		return m.signInWithPasswordFn(ctx, email, password)
	}
	return nil, model.NewInvalidCredentialsError()
}

func (m *mockAuthService) SignOut(ctx context.Context, accessToken string) error {
	if m.signOutFn != nil {
		return m.signOutFn(ctx, accessToken)
	}
	return nil
}

// --- compile-time interface checks ---

var _ CheckoutServiceInterface = (*mockCheckoutService)(nil)
var _ PaymentServiceInterface = (*mockPaymentService)(nil)
var _ AccessGateInterface = (*mockAccessGate)(nil)
var _ AuthServiceInterface = (*mockAuthService)(nil)

var _ CheckoutServiceInterface = (*checkout.Initiator)(nil)
var _ PaymentServiceInterface = (*payment.Receiver)(nil)
var _ AccessGateInterface = (*access.Gate)(nil)
var _ AuthServiceInterface = (*access.Authenticator)(nil)

// --- テストヘルパー ---

// jsonRequest はJSONボディ付きのリクエストを生成する。
func jsonRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		t.Fatalf("failed to encode request body: %v", err)
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// parseErrorBody はレスポンスボディから統一エラーフォーマットをパースする。
func parseErrorBody(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return body
}

// findCookie はレスポンスから指定した名前のCookieを探す。
func findCookie(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}
