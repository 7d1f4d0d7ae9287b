package model

import "time"

// PaymentStatus は決済セッションの支払い状態を表す。
type PaymentStatus string

const (
	// PaymentStatusPaid は支払い完了。アクセス付与はこの状態でのみ許可される。
	PaymentStatusPaid PaymentStatus = "paid"
	// PaymentStatusUnpaid は未払い（非同期決済の処理中を含む）。
	PaymentStatusUnpaid PaymentStatus = "unpaid"
	// PaymentStatusNoPaymentRequired は支払い不要（割引などで0円）。
	PaymentStatusNoPaymentRequired PaymentStatus = "no_payment_required"
)

// PaymentSession はStripe Checkoutのセッションを表す。
// ローカルには保存せず、常にIDで決済プロバイダーから再取得する。
type PaymentSession struct {
	ID            string
	URL           string // ホスト型決済ページのURL
	CustomerEmail string
	PaymentStatus PaymentStatus
	AmountTotal   int64
	Currency      string
	Metadata      map[string]string
}

// IsPaid は支払いが完了しているかを返す。
func (s *PaymentSession) IsPaid() bool {
	return s != nil && s.PaymentStatus == PaymentStatusPaid
}

// CheckoutParams は決済セッション作成時のパラメータ。
type CheckoutParams struct {
	CustomerEmail      string
	SuccessURL         string
	CancelURL          string
	ProductName        string
	ProductDescription string
	UnitAmount         int64 // 最小通貨単位（セント）
	Currency           string
	Metadata           map[string]string
}

// WebhookEvent は署名検証済みのWebhookイベントを表す。
// Sessionはcheckout.session.*イベントの場合のみ設定される。
type WebhookEvent struct {
	ID      string
	Type    string
	Session *PaymentSession
}

// EventTypeCheckoutSessionCompleted は決済完了イベントの種別。
const EventTypeCheckoutSessionCompleted = "checkout.session.completed"

// StripeEvent は受信したWebhookイベントの台帳レコード。
type StripeEvent struct {
	ID           string
	Type         string
	SessionID    string
	ReceivedAt   time.Time
	ProcessedAt  *time.Time
	ErrorMessage string
}
