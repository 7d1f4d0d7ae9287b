package access

import (
	"context"
	"log/slog"

	"github.com/hitoshi/speakfuel/internal/metrics"
	"github.com/hitoshi/speakfuel/internal/model"
	"github.com/hitoshi/speakfuel/internal/repository"
)

// AccessGrantedMessage はアクセス要求が成功した場合にユーザーへ返すメッセージ。
const AccessGrantedMessage = "Te enviamos un enlace de acceso a tu email. Revisa tu bandeja de entrada."

// Gate はメールアドレスの有料アクセスを確認し、許可されていればマジックリンクを送信する。
type Gate struct {
	profiles repository.ProfileRepository
	idp      IdentityProvider
	links    *LinkSender
	recorder metrics.Recorder
}

// NewGate はGateを生成する。
func NewGate(profiles repository.ProfileRepository, idp IdentityProvider, links *LinkSender, recorder metrics.Recorder) *Gate {
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	return &Gate{profiles: profiles, idp: idp, links: links, recorder: recorder}
}

// RequestAccess はアクセス可否を判定し、許可されていればマジックリンクを送信する。
// 拒否の場合はUserNotFoundまたはNoPaidAccessを返し、判定自体の失敗は
// 許可・拒否のどちらにも倒さずProviderFailureとして返す。
func (g *Gate) RequestAccess(ctx context.Context, email string, pref model.SessionPreference) (string, error) {
	normalized, err := model.ValidateEmail(email)
	if err != nil {
		g.recorder.RecordAccessRequest("invalid")
		return "", err
	}

	status, err := g.profiles.CheckPaidAccess(ctx, normalized)
	if err != nil {
		g.recorder.RecordAccessRequest(metrics.OutcomeFailure)
		slog.Error("failed to check paid access",
			slog.String("email", normalized),
			slog.String("error", err.Error()),
		)
		return "", model.NewProviderFailureError("check_paid_access", err)
	}

	if !status.HasAccess {
		reason := g.denialReason(ctx, normalized, status.Reason)
		g.recorder.RecordAccessRequest(string(reason))
		slog.Info("access denied",
			slog.String("email", normalized),
			slog.String("reason", string(reason)),
		)
		if reason == model.DenialNoPaidAccess {
			return "", model.NewNoPaidAccessError()
		}
		return "", model.NewUserNotFoundError()
	}

	if err := g.links.Send(ctx, LinkRequest{Email: normalized, Preference: pref.Normalize()}); err != nil {
		g.recorder.RecordAccessRequest(metrics.OutcomeFailure)
		slog.Error("failed to send access link",
			slog.String("email", normalized),
			slog.String("error", err.Error()),
		)
		return "", model.NewProviderFailureError("send_magic_link", err)
	}

	g.recorder.RecordAccessRequest("granted")
	return AccessGrantedMessage, nil
}

// denialReason は拒否理由を確定する。
// プロフィール行がなくてもIdPにユーザーが存在する場合は未購入として扱う。
func (g *Gate) denialReason(ctx context.Context, email string, reason model.AccessDenialReason) model.AccessDenialReason {
	if reason != model.DenialUserNotFound {
		return model.DenialNoPaidAccess
	}
	user, err := g.idp.FindUserByEmail(ctx, email)
	if err != nil {
		slog.Warn("failed to look up identity user for denial reason",
			slog.String("email", email),
			slog.String("error", err.Error()),
		)
		return model.DenialUserNotFound
	}
	if user != nil {
		return model.DenialNoPaidAccess
	}
	return model.DenialUserNotFound
}
