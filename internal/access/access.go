// Package access は購入者アカウントのプロビジョニング、アクセス判定、
// マジックリンクの送信、ログイン後のメールアドレス検証を提供する。
package access

import (
	"context"

	"github.com/hitoshi/speakfuel/internal/model"
)

// IdentityProvider はアカウント管理に必要なIdP（Supabase Auth）の操作を表す。
// 同じ操作を提供するIdPであれば差し替え可能。
type IdentityProvider interface {
	// CreateUser はメール確認済みのユーザーを作成する。
	// 登録済みの場合はmodel.ErrIdentityUserExistsをラップしたエラーを返す。
	CreateUser(ctx context.Context, email string, userMetadata map[string]any) (*model.IdentityUser, error)
	// FindUserByEmail はメールアドレスでユーザーを検索する。見つからない場合はnil, nilを返す。
	FindUserByEmail(ctx context.Context, email string) (*model.IdentityUser, error)
	// UpdateUserAppMetadata はユーザーのapp_metadataを更新する。
	UpdateUserAppMetadata(ctx context.Context, userID string, appMetadata map[string]any) error
	// SendMagicLink は既存ユーザーにのみマジックリンクを送信する（ユーザーは作成しない）。
	SendMagicLink(ctx context.Context, email, redirectTo string, data map[string]any) error
}

// SessionAuthenticator はログインセッションに関するIdPの操作を表す。
type SessionAuthenticator interface {
	VerifyOTP(ctx context.Context, tokenHash, otpType string) (*model.AuthSession, error)
	GetUser(ctx context.Context, accessToken string) (*model.IdentityUser, error)
	RefreshSession(ctx context.Context, refreshToken string) (*model.AuthSession, error)
	SignInWithPassword(ctx context.Context, email, password string) (*model.AuthSession, error)
	SignOut(ctx context.Context, accessToken string) error
}
