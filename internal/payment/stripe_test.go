package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/hitoshi/speakfuel/internal/model"
)

const testWebhookSecret = "whsec_test_secret"

// newTestStripeProvider はhttptestサーバーをStripe APIとして使うProviderを生成する。
func newTestStripeProvider(t *testing.T, handler http.HandlerFunc) *StripeProvider {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	b := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(ts.URL),
		HTTPClient:        ts.Client(),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	return NewStripeProvider(StripeConfig{
		SecretKey:     "sk_test_123",
		WebhookSecret: testWebhookSecret,
		Backends:      &stripe.Backends{API: b, Connect: b, Uploads: b},
	})
}

func signedPayload(t *testing.T, payload []byte) string {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return signed.Header
}

func checkoutEvent(t *testing.T, id, eventType string, session map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"api_version": "2025-03-31.basil",
		"created":     time.Now().Unix(),
		"data":        map[string]any{"object": session},
	})
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}
	return body
}

func TestStripeProvider_CreateCheckoutSession(t *testing.T) {
	p := newTestStripeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/checkout/sessions" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("failed to parse form: %v", err)
		}
		want := map[string]string{
			"mode":                                   "payment",
			"customer_email":                         "buyer@example.com",
			"success_url":                            "https://speakfuel.com/success?session_id={CHECKOUT_SESSION_ID}",
			"cancel_url":                             "https://speakfuel.com/?canceled=true",
			"line_items[0][quantity]":                "1",
			"line_items[0][price_data][currency]":    "usd",
			"line_items[0][price_data][unit_amount]": "4700",
			"line_items[0][price_data][product_data][name]":        "Curso",
			"line_items[0][price_data][product_data][description]": "Acceso completo",
			"metadata[email]":       "buyer@example.com",
			"metadata[remember_me]": "true",
		}
		for k, v := range want {
			if got := r.PostForm.Get(k); got != v {
				t.Errorf("%s = %q, want %q", k, got, v)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "cs_test_1",
			"object": "checkout.session",
			"url": "https://checkout.stripe.com/c/pay/cs_test_1",
			"payment_status": "unpaid",
			"customer_email": "buyer@example.com",
			"amount_total": 4700,
			"currency": "usd",
			"metadata": {"email": "buyer@example.com", "remember_me": "true"}
		}`))
	})

	s, err := p.CreateCheckoutSession(context.Background(), &model.CheckoutParams{
		CustomerEmail:      "buyer@example.com",
		SuccessURL:         "https://speakfuel.com/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:          "https://speakfuel.com/?canceled=true",
		ProductName:        "Curso",
		ProductDescription: "Acceso completo",
		UnitAmount:         4700,
		Currency:           "usd",
		Metadata:           map[string]string{"email": "buyer@example.com", "remember_me": "true"},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if s.ID != "cs_test_1" || s.URL == "" {
		t.Errorf("session = %+v", s)
	}
	if s.PaymentStatus != model.PaymentStatusUnpaid || s.AmountTotal != 4700 || s.Currency != "usd" {
		t.Errorf("session = %+v", s)
	}
}

func TestStripeProvider_RetrieveSession(t *testing.T) {
	p := newTestStripeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/checkout/sessions/cs_test_1" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "cs_test_1",
			"object": "checkout.session",
			"payment_status": "paid",
			"customer_details": {"email": "Buyer@Example.com"},
			"amount_total": 4700,
			"currency": "usd",
			"metadata": {"remember_me": "false", "session_duration": "259200"}
		}`))
	})

	s, err := p.RetrieveSession(context.Background(), "cs_test_1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !s.IsPaid() {
		t.Error("expected paid session")
	}
	// customer_emailがない場合はcustomer_details.emailを使う
	if s.CustomerEmail != "Buyer@Example.com" {
		t.Errorf("CustomerEmail = %q", s.CustomerEmail)
	}
	if s.Metadata[model.MetadataSessionDuration] != "259200" {
		t.Errorf("metadata = %v", s.Metadata)
	}
}

func TestStripeProvider_RetrieveSession_NotFound(t *testing.T) {
	p := newTestStripeProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error": {"type": "invalid_request_error", "message": "No such checkout.session: cs_missing"}}`))
	})

	if _, err := p.RetrieveSession(context.Background(), "cs_missing"); err == nil {
		t.Fatal("expected error for missing session, got nil")
	}
}

func TestStripeProvider_VerifyWebhook_Valid(t *testing.T) {
	p := newTestStripeProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		t.Error("verification must not call the API")
	})
	payload := checkoutEvent(t, "evt_1", model.EventTypeCheckoutSessionCompleted, map[string]any{
		"id":             "cs_test_1",
		"object":         "checkout.session",
		"payment_status": "paid",
		"customer_email": "buyer@example.com",
		"metadata":       map[string]string{"remember_me": "true", "session_duration": "2592000"},
	})

	event, err := p.VerifyWebhook(payload, signedPayload(t, payload))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if event.ID != "evt_1" || event.Type != model.EventTypeCheckoutSessionCompleted {
		t.Errorf("event = %+v", event)
	}
	if event.Session == nil || event.Session.ID != "cs_test_1" || !event.Session.IsPaid() {
		t.Fatalf("session = %+v", event.Session)
	}
	if event.Session.CustomerEmail != "buyer@example.com" {
		t.Errorf("CustomerEmail = %q", event.Session.CustomerEmail)
	}
}

func TestStripeProvider_VerifyWebhook_OtherEventHasNoSession(t *testing.T) {
	p := newTestStripeProvider(t, func(http.ResponseWriter, *http.Request) {})
	payload := checkoutEvent(t, "evt_2", "payment_intent.succeeded", map[string]any{
		"id":     "pi_1",
		"object": "payment_intent",
	})

	event, err := p.VerifyWebhook(payload, signedPayload(t, payload))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if event.Session != nil {
		t.Errorf("Session = %+v, want nil", event.Session)
	}
}

func TestStripeProvider_VerifyWebhook_Invalid(t *testing.T) {
	p := newTestStripeProvider(t, func(http.ResponseWriter, *http.Request) {})
	payload := checkoutEvent(t, "evt_3", model.EventTypeCheckoutSessionCompleted, map[string]any{"id": "cs_1"})
	signature := signedPayload(t, payload)
	tampered := checkoutEvent(t, "evt_3", model.EventTypeCheckoutSessionCompleted, map[string]any{"id": "cs_2"})

	tests := []struct {
		name      string
		payload   []byte
		signature string
	}{
		{"署名なし", payload, ""},
		{"不正な署名", payload, "t=123,v1=deadbeef"},
		{"改ざんされたペイロード", tampered, signature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := p.VerifyWebhook(tt.payload, tt.signature); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}
