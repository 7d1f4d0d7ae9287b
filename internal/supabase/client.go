// Package supabase はSupabase Auth（GoTrue）REST APIのクライアントを提供する。
// 管理者API（ユーザー作成・検索・更新）にはservice roleキーを、
// 利用者向けAPI（マジックリンク・OTP検証・ログイン）にはanonキーを使用する。
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/speakfuel/internal/metrics"
	"github.com/hitoshi/speakfuel/internal/model"
)

const (
	// listPageSize は管理者APIのユーザー一覧取得で1ページあたりに取得する件数。
	// メタデータ込みで1ユーザー約1KBのため、1ページがmaxResponseSizeに収まる件数にする。
	listPageSize = 200
	// maxListPages は一覧走査の上限ページ数。
	maxListPages = 250
	// maxResponseSize はレスポンスボディの読み取り上限。
	maxResponseSize = 2 << 20
)

// ErrResponseTooLarge はレスポンスボディが読み取り上限を超えた場合のエラー。
var ErrResponseTooLarge = errors.New("supabase response too large")

// Config はSupabaseクライアントの設定。
type Config struct {
	URL            string
	ServiceRoleKey string
	AnonKey        string
	HTTPClient     *http.Client
	Recorder       metrics.Recorder
}

// Client はSupabase Auth APIのクライアント。
type Client struct {
	baseURL    string
	serviceKey string
	anonKey    string
	httpClient *http.Client
	recorder   metrics.Recorder

	maxResponseSize int64
}

// NewClient はClientを生成する。
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/") + "/auth/v1",
		serviceKey: cfg.ServiceRoleKey,
		anonKey:    cfg.AnonKey,
		httpClient: httpClient,
		recorder:   recorder,

		maxResponseSize: maxResponseSize,
	}
}

// apiUser はGoTrueのユーザーオブジェクト。
type apiUser struct {
	ID               string         `json:"id"`
	Email            string         `json:"email"`
	EmailConfirmedAt *time.Time     `json:"email_confirmed_at"`
	AppMetadata      map[string]any `json:"app_metadata"`
	UserMetadata     map[string]any `json:"user_metadata"`
	CreatedAt        time.Time      `json:"created_at"`
}

func (u *apiUser) toModel() *model.IdentityUser {
	return &model.IdentityUser{
		ID:               u.ID,
		Email:            u.Email,
		EmailConfirmedAt: u.EmailConfirmedAt,
		AppMetadata:      u.AppMetadata,
		UserMetadata:     u.UserMetadata,
		CreatedAt:        u.CreatedAt,
	}
}

// apiSession はトークン発行系エンドポイントのレスポンス。
type apiSession struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken string  `json:"refresh_token"`
	ExpiresIn    int     `json:"expires_in"`
	User         apiUser `json:"user"`
}

func (s *apiSession) toModel() *model.AuthSession {
	return &model.AuthSession{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		ExpiresIn:    s.ExpiresIn,
		User:         *s.User.toModel(),
	}
}

// apiErrorBody はGoTrueのエラーレスポンス。バージョンによりフィールド名が異なる。
type apiErrorBody struct {
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// APIError はSupabaseが返したエラーレスポンスを表す。
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("supabase returned status %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("supabase returned status %d: %s", e.StatusCode, e.Message)
}

func parseAPIError(status int, body []byte) *APIError {
	var b apiErrorBody
	_ = json.Unmarshal(body, &b)

	msg := b.Msg
	for _, alt := range []string{b.Message, b.ErrorDescription, b.Error} {
		if msg == "" {
			msg = alt
		}
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	code := b.ErrorCode
	if code == "" && b.ErrorDescription != "" {
		code = b.Error
	}
	return &APIError{StatusCode: status, Code: code, Message: msg}
}

// isUserExists はユーザー作成時の重複エラーかを判定する。
func isUserExists(e *APIError) bool {
	if e.Code == "email_exists" || e.Code == "user_already_exists" {
		return true
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "already been registered") || strings.Contains(msg, "already registered")
}

// do はリクエストを送信し、2xxの場合はoutにJSONをデコードする。
// 2xx以外の場合は*APIErrorを返す。
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, bearer, apiKey string, in, out any) error {
	start := time.Now()
	err := c.send(ctx, method, path, query, bearer, apiKey, in, out)
	c.recorder.ObserveProviderCall("supabase", op, time.Since(start), err)
	return err
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, bearer, apiKey string, in, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("apikey", apiKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseSize+1))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(respBody)) > c.maxResponseSize {
		return fmt.Errorf("%w: %s exceeded %d bytes", ErrResponseTooLarge, path, c.maxResponseSize)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseAPIError(resp.StatusCode, respBody)
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func (c *Client) admin(ctx context.Context, op, method, path string, query url.Values, in, out any) error {
	return c.do(ctx, op, method, path, query, c.serviceKey, c.serviceKey, in, out)
}

func (c *Client) public(ctx context.Context, op, method, path string, query url.Values, in, out any) error {
	return c.do(ctx, op, method, path, query, c.anonKey, c.anonKey, in, out)
}

// CreateUser はメールアドレス確認済みのユーザーを作成する。
// 同じメールアドレスが登録済みの場合はmodel.ErrIdentityUserExistsを返す。
func (c *Client) CreateUser(ctx context.Context, email string, userMetadata map[string]any) (*model.IdentityUser, error) {
	in := map[string]any{
		"email":         email,
		"email_confirm": true,
	}
	if len(userMetadata) > 0 {
		in["user_metadata"] = userMetadata
	}

	var user apiUser
	err := c.admin(ctx, "create_user", http.MethodPost, "/admin/users", nil, in, &user)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && isUserExists(apiErr) {
			return nil, fmt.Errorf("%w: %s", model.ErrIdentityUserExists, apiErr.Message)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	if user.ID == "" {
		return nil, fmt.Errorf("empty user id in create user response")
	}

	return user.toModel(), nil
}

// FindUserByEmail は管理者APIのユーザー一覧を走査してメールアドレスが一致するユーザーを返す。
// 大文字小文字は区別しない。見つからない場合はnilを返す。
func (c *Client) FindUserByEmail(ctx context.Context, email string) (*model.IdentityUser, error) {
	target := model.NormalizeEmail(email)

	for page := 1; page <= maxListPages; page++ {
		query := url.Values{
			"page":     {strconv.Itoa(page)},
			"per_page": {strconv.Itoa(listPageSize)},
		}

		var resp struct {
			Users []apiUser `json:"users"`
		}
		if err := c.admin(ctx, "list_users", http.MethodGet, "/admin/users", query, nil, &resp); err != nil {
			return nil, fmt.Errorf("failed to list users (page %d): %w", page, err)
		}

		for i := range resp.Users {
			if model.NormalizeEmail(resp.Users[i].Email) == target {
				return resp.Users[i].toModel(), nil
			}
		}

		if len(resp.Users) < listPageSize {
			return nil, nil
		}
	}

	return nil, fmt.Errorf("user list exceeded %d pages", maxListPages)
}

// UpdateUserAppMetadata はユーザーのapp_metadataを更新する。
// 指定したキーのみがマージされる。
func (c *Client) UpdateUserAppMetadata(ctx context.Context, userID string, appMetadata map[string]any) error {
	in := map[string]any{"app_metadata": appMetadata}
	if err := c.admin(ctx, "update_user", http.MethodPut, "/admin/users/"+url.PathEscape(userID), nil, in, nil); err != nil {
		return fmt.Errorf("failed to update user app metadata: %w", err)
	}
	return nil
}

// SendMagicLink はマジックリンクのメールを送信する。
// 新規ユーザーは作成しない（create_user=false）。
func (c *Client) SendMagicLink(ctx context.Context, email, redirectTo string, data map[string]any) error {
	in := map[string]any{
		"email":       email,
		"create_user": false,
	}
	if len(data) > 0 {
		in["data"] = data
	}

	var query url.Values
	if redirectTo != "" {
		query = url.Values{"redirect_to": {redirectTo}}
	}

	if err := c.public(ctx, "send_magic_link", http.MethodPost, "/otp", query, in, nil); err != nil {
		return fmt.Errorf("failed to send magic link: %w", err)
	}
	return nil
}

// VerifyOTP はメールのリンクに含まれるトークンハッシュを検証してセッションを発行する。
func (c *Client) VerifyOTP(ctx context.Context, tokenHash, otpType string) (*model.AuthSession, error) {
	if otpType == "" {
		otpType = "magiclink"
	}
	in := map[string]any{
		"token_hash": tokenHash,
		"type":       otpType,
	}

	var session apiSession
	if err := c.public(ctx, "verify_otp", http.MethodPost, "/verify", nil, in, &session); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
			return nil, fmt.Errorf("%w: %s", model.ErrInvalidToken, apiErr.Message)
		}
		return nil, fmt.Errorf("failed to verify otp: %w", err)
	}
	if session.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in verify response")
	}

	return session.toModel(), nil
}

// GetUser はアクセストークンに対応するユーザーを返す。
// トークンが無効な場合はmodel.ErrInvalidTokenを返す。
func (c *Client) GetUser(ctx context.Context, accessToken string) (*model.IdentityUser, error) {
	var user apiUser
	err := c.do(ctx, "get_user", http.MethodGet, "/user", nil, accessToken, c.anonKey, nil, &user)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden) {
			return nil, model.ErrInvalidToken
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user.toModel(), nil
}

// RefreshSession はリフレッシュトークンで新しいセッションを発行する。
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (*model.AuthSession, error) {
	query := url.Values{"grant_type": {"refresh_token"}}
	in := map[string]any{"refresh_token": refreshToken}

	var session apiSession
	if err := c.public(ctx, "refresh_session", http.MethodPost, "/token", query, in, &session); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
			return nil, model.ErrInvalidToken
		}
		return nil, fmt.Errorf("failed to refresh session: %w", err)
	}
	return session.toModel(), nil
}

// SignInWithPassword はメールアドレスとパスワードでログインする。
// 認証に失敗した場合はmodel.ErrInvalidCredentialsを返す。
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*model.AuthSession, error) {
	query := url.Values{"grant_type": {"password"}}
	in := map[string]any{"email": email, "password": password}

	var session apiSession
	if err := c.public(ctx, "sign_in_password", http.MethodPost, "/token", query, in, &session); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusBadRequest || apiErr.StatusCode == http.StatusUnauthorized) {
			return nil, model.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to sign in: %w", err)
	}
	return session.toModel(), nil
}

// SignOut はアクセストークンのセッションを失効させる。
// 既に失効している場合はエラーにしない。
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	err := c.do(ctx, "sign_out", http.MethodPost, "/logout", nil, accessToken, c.anonKey, nil, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusNotFound) {
			return nil
		}
		return fmt.Errorf("failed to sign out: %w", err)
	}
	return nil
}
