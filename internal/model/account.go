// Package model はドメインモデルを定義する。
package model

import "time"

// Account は講座の購入者を表す。
// IDはSupabase Authが払い出すユーザーID。
// PaidAccessが講座コンテンツへのアクセス可否を決める唯一の事実となる。
type Account struct {
	ID            string
	Email         string
	PaidAccess    bool
	PurchasedAt   *time.Time
	PurchaseEmail string // 決済時のメールアドレス（大文字小文字がEmailと異なる場合がある）
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IdentityUser はIdP（Supabase Auth）側のユーザーレコードを表す。
type IdentityUser struct {
	ID               string
	Email            string
	EmailConfirmedAt *time.Time
	AppMetadata      map[string]any
	UserMetadata     map[string]any
	CreatedAt        time.Time
}

// AuthSession はIdPが発行したログインセッションを表す。
type AuthSession struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int // アクセストークンの有効期間（秒）
	User         IdentityUser
}

// SessionTokens はCookieから復元したトークンの組。
type SessionTokens struct {
	AccessToken  string
	RefreshToken string
}

// AccessDenialReason はアクセス拒否の理由を表す。
// UIで案内を出し分けるため、2つの理由は区別できなければならない。
type AccessDenialReason string

const (
	// DenialUserNotFound はメールアドレスに対応するアカウントが存在しないことを示す。
	DenialUserNotFound AccessDenialReason = "user_not_found"
	// DenialNoPaidAccess はアカウントは存在するが購入履歴がないことを示す。
	DenialNoPaidAccess AccessDenialReason = "no_paid_access"
)

// AccessStatus はcheck_paid_access関数の結果を表す。
type AccessStatus struct {
	HasAccess bool
	Message   string
	Reason    AccessDenialReason // HasAccessがfalseの場合のみ設定される
}

// GrantResult はgrant_paid_access関数の結果を表す。
type GrantResult struct {
	Success        bool
	Message        string
	AlreadyGranted bool
}
