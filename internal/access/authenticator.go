package access

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hitoshi/speakfuel/internal/model"
	"github.com/hitoshi/speakfuel/internal/repository"
)

// MinPasswordLength はパスワードログインで受け付ける最短のパスワード長。
const MinPasswordLength = 6

// CallbackRequest はマジックリンクのコールバックで受け取る値。
type CallbackRequest struct {
	TokenHash     string
	Type          string
	ExpectedEmail string // 決済フロー由来のリンクの場合のみ設定される
}

// ResolvedSession はCookieのトークンから復元したログイン状態。
type ResolvedSession struct {
	Account *model.Account
	// Refreshed はアクセストークンを更新した場合のみ設定される。
	// 呼び出し側はCookieを新しいトークンで上書きする。
	Refreshed *model.AuthSession
}

// Authenticator はログインセッションの確立、検証、破棄を行う。
type Authenticator struct {
	sessions SessionAuthenticator
	profiles repository.ProfileRepository
}

// NewAuthenticator はAuthenticatorを生成する。
func NewAuthenticator(sessions SessionAuthenticator, profiles repository.ProfileRepository) *Authenticator {
	return &Authenticator{sessions: sessions, profiles: profiles}
}

// CompleteCallback はマジックリンクのトークンを検証してセッションを確立する。
// 期待するメールアドレスが指定されていて一致しない場合は、直ちにサインアウトして
// *model.EmailMismatchErrorを返す。
func (a *Authenticator) CompleteCallback(ctx context.Context, req CallbackRequest) (*model.AuthSession, error) {
	if req.TokenHash == "" {
		return nil, model.NewValidationError("Enlace de acceso inválido")
	}

	session, err := a.sessions.VerifyOTP(ctx, req.TokenHash, req.Type)
	if err != nil {
		if errors.Is(err, model.ErrInvalidToken) {
			return nil, model.NewUnauthorizedError()
		}
		return nil, model.NewProviderFailureError("verify_otp", err)
	}

	if req.ExpectedEmail != "" && !model.EmailsMatch(req.ExpectedEmail, session.User.Email) {
		if err := a.sessions.SignOut(ctx, session.AccessToken); err != nil {
			slog.Warn("failed to sign out mismatched session",
				slog.String("user_id", session.User.ID),
				slog.String("error", err.Error()),
			)
		}
		slog.Warn("email mismatch on callback",
			slog.String("expected", model.NormalizeEmail(req.ExpectedEmail)),
			slog.String("actual", model.NormalizeEmail(session.User.Email)),
		)
		return nil, &model.EmailMismatchError{
			Expected: model.NormalizeEmail(req.ExpectedEmail),
			Actual:   model.NormalizeEmail(session.User.Email),
		}
	}

	slog.Info("user signed in via magic link", slog.String("user_id", session.User.ID))
	return session, nil
}

// SignInWithPassword はメールアドレスとパスワードでログインする。
// 有料アクセスのないアカウントはセッションを破棄して拒否する。
func (a *Authenticator) SignInWithPassword(ctx context.Context, email, password string) (*model.AuthSession, error) {
	normalized, err := model.ValidateEmail(email)
	if err != nil {
		return nil, err
	}
	if len(password) < MinPasswordLength {
		return nil, model.NewValidationError("La contraseña debe tener al menos 6 caracteres")
	}

	session, err := a.sessions.SignInWithPassword(ctx, normalized, password)
	if err != nil {
		if errors.Is(err, model.ErrInvalidCredentials) {
			return nil, model.NewInvalidCredentialsError()
		}
		return nil, model.NewProviderFailureError("sign_in_with_password", err)
	}

	status, err := a.profiles.CheckPaidAccess(ctx, normalized)
	if err != nil {
		a.discard(ctx, session)
		return nil, model.NewProviderFailureError("check_paid_access", err)
	}
	if !status.HasAccess {
		a.discard(ctx, session)
		return nil, model.NewNoPaidAccessError()
	}

	slog.Info("user signed in with password", slog.String("user_id", session.User.ID))
	return session, nil
}

// ResolveSession はCookieのトークンからアカウントを復元する。
// アクセストークンが失効している場合はリフレッシュトークンで更新を試みる。
func (a *Authenticator) ResolveSession(ctx context.Context, tokens model.SessionTokens) (*ResolvedSession, error) {
	if tokens.AccessToken == "" && tokens.RefreshToken == "" {
		return nil, model.NewUnauthorizedError()
	}

	resolved := &ResolvedSession{}
	var user *model.IdentityUser
	var err error
	if tokens.AccessToken != "" {
		user, err = a.sessions.GetUser(ctx, tokens.AccessToken)
	} else {
		err = model.ErrInvalidToken
	}

	if errors.Is(err, model.ErrInvalidToken) && tokens.RefreshToken != "" {
		session, rerr := a.sessions.RefreshSession(ctx, tokens.RefreshToken)
		if rerr != nil {
			err = rerr
		} else {
			resolved.Refreshed = session
			user, err = &session.User, nil
		}
	}
	if err != nil {
		if errors.Is(err, model.ErrInvalidToken) {
			return nil, model.NewUnauthorizedError()
		}
		return nil, model.NewProviderFailureError("get_user", err)
	}

	account, err := a.profiles.FindByID(ctx, user.ID)
	if err != nil {
		return nil, model.NewProviderFailureError("find_profile", err)
	}
	if account == nil {
		// プロフィール行がなければ未購入のアカウントとして扱う
		account = &model.Account{ID: user.ID, Email: model.NormalizeEmail(user.Email)}
	}
	resolved.Account = account
	return resolved, nil
}

// SignOut はIdP側のセッションを破棄する。トークンが空の場合は何もしない。
func (a *Authenticator) SignOut(ctx context.Context, accessToken string) error {
	if accessToken == "" {
		return nil
	}
	if err := a.sessions.SignOut(ctx, accessToken); err != nil {
		return model.NewProviderFailureError("sign_out", err)
	}
	return nil
}

func (a *Authenticator) discard(ctx context.Context, session *model.AuthSession) {
	if err := a.sessions.SignOut(ctx, session.AccessToken); err != nil {
		slog.Warn("failed to discard session",
			slog.String("user_id", session.User.ID),
			slog.String("error", err.Error()),
		)
	}
}
