package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hitoshi/speakfuel/internal/access"
	"github.com/hitoshi/speakfuel/internal/middleware"
	"github.com/hitoshi/speakfuel/internal/model"
	"github.com/hitoshi/speakfuel/internal/security"
)

// ログイン後のリダイレクト先
const (
	coursePath = "/curso"
	accessPath = "/acceso"
	homePath   = "/"
)

// AccessGateInterface はマジックリンク要求のサービスインターフェース。
type AccessGateInterface interface {
	RequestAccess(ctx context.Context, email string, pref model.SessionPreference) (string, error)
}

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	CompleteCallback(ctx context.Context, req access.CallbackRequest) (*model.AuthSession, error)
	SignInWithPassword(ctx context.Context, email, password string) (*model.AuthSession, error)
	SignOut(ctx context.Context, accessToken string) error
}

// AuthHandler はアクセス要求とログインセッション関連のHTTPハンドラー。
type AuthHandler struct {
	gate      AccessGateInterface
	auth      AuthServiceInterface
	cookies   middleware.CookieConfig
	sanitizer *security.TextSanitizer
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(gate AccessGateInterface, auth AuthServiceInterface, cookies middleware.CookieConfig) *AuthHandler {
	return &AuthHandler{
		gate:      gate,
		auth:      auth,
		cookies:   cookies,
		sanitizer: security.NewTextSanitizer(),
	}
}

type requestAccessRequest struct {
	Email string `json:"email"`
	preferenceFields
}

type requestAccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	preferenceFields
}

type loginResponse struct {
	Success  bool   `json:"success"`
	Redirect string `json:"redirect"`
}

type meResponse struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	PaidAccess bool   `json:"paid_access"`
}

// RequestAccess は購入済みのメールアドレスにマジックリンクを送信する。
// POST /api/request-access
func (h *AuthHandler) RequestAccess(w http.ResponseWriter, r *http.Request) {
	var req requestAccessRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	message, err := h.gate.RequestAccess(r.Context(), req.Email, req.preference())
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeProviderFailure {
			// 判定できない場合は再試行を促す
			slog.Error("access request failed",
				slog.String("step", apiErr.Details),
				slog.String("error", err.Error()),
			)
			middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, apiErr)
			return
		}
		handleServiceError(w, err)
		return
	}

	writeJSON(w, requestAccessResponse{Success: true, Message: message})
}

// Login はメールアドレスとパスワードでログインし、セッションCookieを設定する。
// POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	session, err := h.auth.SignInWithPassword(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	middleware.SetSessionCookies(w, h.cookies, session, req.preference())
	writeJSON(w, loginResponse{Success: true, Redirect: coursePath})
}

// Callback はマジックリンクのコールバックを処理する。
// 決済フロー由来のリンクでは、ログインしたアカウントのメールアドレスが
// 決済時のものと一致する場合のみセッションを確立する。
// GET /auth/callback?token_hash=xxx&type=magiclink&expected_email=...&remember=true&duration=N
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	session, err := h.auth.CompleteCallback(r.Context(), access.CallbackRequest{
		TokenHash:     q.Get("token_hash"),
		Type:          q.Get("type"),
		ExpectedEmail: q.Get(model.QueryExpectedEmail),
	})
	if err != nil {
		middleware.ClearSessionCookies(w, h.cookies)
		http.Redirect(w, r, h.callbackErrorURL(err), http.StatusSeeOther)
		return
	}

	middleware.SetSessionCookies(w, h.cookies, session, model.PreferenceFromQuery(q))
	http.Redirect(w, r, coursePath, http.StatusSeeOther)
}

// callbackErrorURL はコールバック失敗時のリダイレクト先を返す。
func (h *AuthHandler) callbackErrorURL(err error) string {
	q := url.Values{}

	var mismatch *model.EmailMismatchError
	var apiErr *model.APIError
	switch {
	case errors.As(err, &mismatch):
		q.Set("error", "email_mismatch")
		q.Set("expected", h.sanitizer.Clean(mismatch.Expected))
		q.Set("actual", h.sanitizer.Clean(mismatch.Actual))
	case errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeProviderFailure:
		slog.Error("magic link callback failed",
			slog.String("step", apiErr.Details),
			slog.String("error", err.Error()),
		)
		q.Set("error", "auth_failed")
	default:
		q.Set("error", "invalid_link")
	}

	return accessPath + "?" + q.Encode()
}

// Logout はセッションを破棄してトップページへリダイレクトする。
// IdP側の失効に失敗してもCookieは削除する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	tokens := middleware.TokensFromRequest(r)
	if err := h.auth.SignOut(r.Context(), tokens.AccessToken); err != nil {
		slog.Warn("failed to revoke session on logout", slog.String("error", err.Error()))
	}

	middleware.ClearSessionCookies(w, h.cookies)
	http.Redirect(w, r, homePath, http.StatusSeeOther)
}

// Me はログイン中のアカウント情報を返す。
// GET /api/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	account, ok := middleware.AccountFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	writeJSON(w, meResponse{
		ID:         account.ID,
		Email:      account.Email,
		PaidAccess: account.PaidAccess,
	})
}
