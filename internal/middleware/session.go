// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hitoshi/speakfuel/internal/access"
	"github.com/hitoshi/speakfuel/internal/model"
)

// セッションCookieの名前
const (
	AccessTokenCookie  = "sf_access"
	RefreshTokenCookie = "sf_refresh"
	PreferenceCookie   = "sf_pref"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	accountContextKey = contextKey("account")
	userIDContextKey  = contextKey("user_id")
)

// CookieConfig はセッションCookieの属性。
type CookieConfig struct {
	Secure bool
	Domain string
}

// SessionResolver はCookieのトークンからログイン状態を復元する。
type SessionResolver interface {
	ResolveSession(ctx context.Context, tokens model.SessionTokens) (*access.ResolvedSession, error)
}

// NewSessionMiddleware はHTTP Only Cookieからトークンを読み取り、
// IdPでアカウントを復元してリクエストコンテキストに注入する。
// アクセストークンを更新した場合はCookieを上書きする。
// 未認証リクエストには401 Unauthorizedを返す。
func NewSessionMiddleware(resolver SessionResolver, cfg CookieConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokens := TokensFromRequest(r)
			if tokens.AccessToken == "" && tokens.RefreshToken == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			resolved, err := resolver.ResolveSession(r.Context(), tokens)
			if err != nil {
				var apiErr *model.APIError
				if errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeProviderFailure {
					slog.Error("failed to resolve session",
						slog.String("step", apiErr.Details),
						slog.String("error", err.Error()),
					)
					WriteErrorResponse(w, http.StatusServiceUnavailable, apiErr)
					return
				}
				ClearSessionCookies(w, cfg)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			if resolved.Refreshed != nil {
				SetSessionCookies(w, cfg, resolved.Refreshed, PreferenceFromRequest(r))
			}

			ctx := ContextWithAccount(r.Context(), resolved.Account)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// NewPaidAccessMiddleware は有料アクセスのないアカウントを403で拒否する。
// NewSessionMiddlewareの後に配置する。
func NewPaidAccessMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			account, ok := AccountFromContext(r.Context())
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			if !account.PaidAccess {
				apiErr := model.NewNoPaidAccessError()
				apiErr.Redirect = "/"
				WriteErrorResponse(w, http.StatusForbidden, apiErr)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TokensFromRequest はCookieからトークンを読み取る。
func TokensFromRequest(r *http.Request) model.SessionTokens {
	var tokens model.SessionTokens
	if c, err := r.Cookie(AccessTokenCookie); err == nil {
		tokens.AccessToken = c.Value
	}
	if c, err := r.Cookie(RefreshTokenCookie); err == nil {
		tokens.RefreshToken = c.Value
	}
	return tokens
}

// PreferenceFromRequest はセッション設定Cookieを読み取る。
// Cookieがない場合は短期間のデフォルトを返す。
func PreferenceFromRequest(r *http.Request) model.SessionPreference {
	c, err := r.Cookie(PreferenceCookie)
	if err != nil {
		return model.SessionPreference{}.Normalize()
	}
	q, err := url.ParseQuery(c.Value)
	if err != nil {
		return model.SessionPreference{}.Normalize()
	}
	return model.PreferenceFromQuery(q)
}

// SetSessionCookies はセッションのトークンとセッション設定をCookieに書き込む。
// 有効期間はRememberMeがtrueの場合のみ指定期間、それ以外は短期間とする。
func SetSessionCookies(w http.ResponseWriter, cfg CookieConfig, session *model.AuthSession, pref model.SessionPreference) {
	maxAge := pref.CookieMaxAge()

	q := url.Values{}
	pref.ApplyQuery(q)

	for _, c := range []struct {
		name     string
		value    string
		httpOnly bool
	}{
		{AccessTokenCookie, session.AccessToken, true},
		{RefreshTokenCookie, session.RefreshToken, true},
		{PreferenceCookie, q.Encode(), false},
	} {
		http.SetCookie(w, &http.Cookie{
			Name:     c.name,
			Value:    c.value,
			Path:     "/",
			Domain:   cfg.Domain,
			MaxAge:   maxAge,
			HttpOnly: c.httpOnly,
			Secure:   cfg.Secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

// ClearSessionCookies はセッションCookieを削除する。
func ClearSessionCookies(w http.ResponseWriter, cfg CookieConfig) {
	for _, name := range []string{AccessTokenCookie, RefreshTokenCookie, PreferenceCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			Domain:   cfg.Domain,
			MaxAge:   -1,
			HttpOnly: name != PreferenceCookie,
			Secure:   cfg.Secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

// AccountFromContext はリクエストコンテキストからアカウントを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func AccountFromContext(ctx context.Context) (*model.Account, bool) {
	account, ok := ctx.Value(accountContextKey).(*model.Account)
	return account, ok && account != nil
}

// ContextWithAccount はコンテキストにアカウントを注入する。
func ContextWithAccount(ctx context.Context, account *model.Account) context.Context {
	ctx = context.WithValue(ctx, accountContextKey, account)
	if account != nil {
		ctx = context.WithValue(ctx, userIDContextKey, account.ID)
		if h, ok := ctx.Value(userIDHolderKey).(*userIDHolder); ok {
			h.set(account.ID)
		}
	}
	return ctx
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}
