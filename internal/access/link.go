package access

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/hitoshi/speakfuel/internal/metrics"
	"github.com/hitoshi/speakfuel/internal/model"
)

// CallbackPath はマジックリンクのリダイレクト先パス。
const CallbackPath = "/auth/callback"

// LinkSender はセッション設定を埋め込んだマジックリンクを送信する。
type LinkSender struct {
	idp      IdentityProvider
	baseURL  string
	recorder metrics.Recorder
}

// NewLinkSender はLinkSenderを生成する。recorderがnilの場合はメトリクスを記録しない。
func NewLinkSender(idp IdentityProvider, baseURL string, recorder metrics.Recorder) *LinkSender {
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	return &LinkSender{idp: idp, baseURL: baseURL, recorder: recorder}
}

// LinkRequest はマジックリンク送信の入力。
type LinkRequest struct {
	Email      string
	Preference model.SessionPreference
	// ExpectEmail がtrueの場合、コールバックURLにexpected_emailを付与し、
	// ログイン後のメールアドレス検証を有効にする（決済フロー由来のリンク）。
	ExpectEmail bool
}

// CallbackURL はコールバックURLを組み立てる。
// expectedEmailが空の場合はexpected_emailを付与しない。
// remember/durationはRememberMeがtrueの場合のみ付与する。
func (s *LinkSender) CallbackURL(expectedEmail string, pref model.SessionPreference) string {
	q := url.Values{}
	if expectedEmail != "" {
		q.Set(model.QueryExpectedEmail, expectedEmail)
	}
	pref.ApplyQuery(q)

	u := s.baseURL + CallbackPath
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// Send はマジックリンクを送信する。
// セッション設定はリダイレクトURLとリンクのユーザーメタデータの両方に埋め込む。
func (s *LinkSender) Send(ctx context.Context, req LinkRequest) error {
	expected := ""
	if req.ExpectEmail {
		expected = req.Email
	}
	redirectTo := s.CallbackURL(expected, req.Preference)
	if err := s.idp.SendMagicLink(ctx, req.Email, redirectTo, req.Preference.LinkData()); err != nil {
		s.recorder.RecordMagicLink(metrics.OutcomeFailure)
		return fmt.Errorf("failed to send magic link: %w", err)
	}

	s.recorder.RecordMagicLink(metrics.OutcomeSuccess)
	slog.Info("magic link sent",
		slog.String("email", req.Email),
		slog.Bool("remember_me", req.Preference.RememberMe),
	)
	return nil
}
