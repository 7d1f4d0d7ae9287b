// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// 利用者が対処できる想定内の結果（バリデーション、購入済み、アクセス拒否）は
// 例外ではなくこの型で返す。
type APIError struct {
	Code      string // エラーコード
	Message   string // ユーザー向けメッセージ（スペイン語）
	Category  string // カテゴリ: validation, payment, auth, system
	Action    string // ユーザー向け対処方法
	Type      string // クライアントの分岐用の種別（例: already_paid）
	ErrorType string // アクセス拒否理由（user_not_found / no_paid_access）
	Redirect  string // クライアントが遷移すべきパス
	Details   string // 補足情報（内部エラーの詳細は含めない）
	Err       error  // ログ用の原因エラー
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *APIError) Unwrap() error {
	return e.Err
}

// 定義済みエラーコード
const (
	ErrCodeValidation             = "VALIDATION_ERROR"
	ErrCodeAlreadyPurchased       = "ALREADY_PURCHASED"
	ErrCodeUserNotFound           = "USER_NOT_FOUND"
	ErrCodeNoPaidAccess           = "NO_PAID_ACCESS"
	ErrCodeProviderFailure        = "PROVIDER_FAILURE"
	ErrCodeInvalidSignature       = "INVALID_SIGNATURE"
	ErrCodePaymentNotCompleted    = "PAYMENT_NOT_COMPLETED"
	ErrCodeUserProvisioningFailed = "USER_PROVISIONING_FAILED"
	ErrCodeInvalidCredentials     = "INVALID_CREDENTIALS"
	ErrCodeUnauthorized           = "UNAUTHORIZED"
	ErrCodeInternal               = "INTERNAL_ERROR"
)

// IdPクライアントが返す想定内のエラー
var (
	// ErrIdentityUserExists はユーザー作成時に同じメールアドレスが登録済みであることを示す。
	ErrIdentityUserExists = errors.New("identity user already registered")
	// ErrInvalidCredentials はメールアドレスまたはパスワードが一致しないことを示す。
	ErrInvalidCredentials = errors.New("invalid login credentials")
	// ErrInvalidToken はトークンが無効または期限切れであることを示す。
	ErrInvalidToken = errors.New("invalid or expired token")
)

// NewValidationError は入力不正エラーを生成する。
func NewValidationError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  message,
		Category: "validation",
		Action:   "Revisa los datos e inténtalo de nuevo.",
	}
}

// NewAlreadyPurchasedError は購入済みのメールアドレスで再度決済しようとした場合のエラーを生成する。
func NewAlreadyPurchasedError() *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyPurchased,
		Message:  "Ya tienes acceso al curso",
		Category: "payment",
		Action:   "Solicita tu enlace de acceso en la página de acceso.",
		Type:     "already_paid",
		Redirect: "/acceso",
	}
}

// NewUserNotFoundError はメールアドレスに対応するアカウントが存在しない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:      ErrCodeUserNotFound,
		Message:   "No encontramos una cuenta con este email. ¿Usaste el mismo email con el que compraste?",
		Category:  "auth",
		Action:    "Verifica el email que usaste al pagar.",
		ErrorType: string(DenialUserNotFound),
	}
}

// NewNoPaidAccessError はアカウントは存在するが購入していない場合のエラーを生成する。
func NewNoPaidAccessError() *APIError {
	return &APIError{
		Code:      ErrCodeNoPaidAccess,
		Message:   "Esta cuenta no tiene acceso al curso. Si ya pagaste, contacta a soporte.",
		Category:  "auth",
		Action:    "Contacta a soporte con el comprobante de pago.",
		ErrorType: string(DenialNoPaidAccess),
	}
}

// NewProviderFailureError は外部サービス呼び出しの失敗を表すエラーを生成する。
// 原因はErrに保持してログにのみ出力し、ユーザーには定型メッセージを返す。
func NewProviderFailureError(step string, err error) *APIError {
	return &APIError{
		Code:     ErrCodeProviderFailure,
		Message:  "Ocurrió un error. Inténtalo de nuevo en unos minutos.",
		Category: "system",
		Action:   "Espera unos minutos y vuelve a intentarlo.",
		Details:  step,
		Err:      err,
	}
}

// NewInvalidSignatureError はWebhook署名の検証失敗エラーを生成する。
func NewInvalidSignatureError(err error) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSignature,
		Message:  "Invalid signature",
		Category: "payment",
		Err:      err,
	}
}

// NewPaymentNotCompletedError は支払いが完了していないセッションでアクセス付与を要求した場合のエラーを生成する。
func NewPaymentNotCompletedError(status PaymentStatus) *APIError {
	return &APIError{
		Code:     ErrCodePaymentNotCompleted,
		Message:  "El pago no se ha completado",
		Category: "payment",
		Action:   "Completa el pago o espera la confirmación.",
		Details:  fmt.Sprintf("payment_status=%s", status),
	}
}

// NewUserProvisioningFailedError はアカウントIDを取得できなかった場合のエラーを生成する。
// 手動対応が必要なため、ログには原因を必ず残す。
func NewUserProvisioningFailedError(err error) *APIError {
	return &APIError{
		Code:     ErrCodeUserProvisioningFailed,
		Message:  "No pudimos crear tu cuenta. Contacta a soporte.",
		Category: "system",
		Action:   "Contacta a soporte con el comprobante de pago.",
		Err:      err,
	}
}

// NewInvalidCredentialsError はパスワードログインの認証失敗エラーを生成する。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "Email o contraseña incorrectos",
		Category: "auth",
		Action:   "Verifica tus datos o solicita un enlace de acceso.",
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "Debes iniciar sesión",
		Category: "auth",
		Action:   "Inicia sesión con tu enlace de acceso.",
		Redirect: "/acceso",
	}
}

// EmailMismatchError は認証されたアカウントのメールアドレスが決済時のものと一致しないことを表す。
type EmailMismatchError struct {
	Expected string
	Actual   string
}

// Error はerrorインターフェースを実装する。
func (e *EmailMismatchError) Error() string {
	return fmt.Sprintf("email mismatch: expected %s, got %s", e.Expected, e.Actual)
}
