package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/speakfuel/internal/metrics"
	"github.com/hitoshi/speakfuel/internal/model"
	"github.com/hitoshi/speakfuel/internal/repository"
)

// ProvisionSource はプロビジョニングの起点を表す。
type ProvisionSource string

const (
	SourceWebhook       ProvisionSource = "webhook"
	SourceClientConfirm ProvisionSource = "client_confirm"
	SourceAdmin         ProvisionSource = "admin"
)

// ProvisionRequest はプロビジョニングの入力。
type ProvisionRequest struct {
	Email      string
	Preference model.SessionPreference
	Source     ProvisionSource
	SessionID  string // 決済セッションID（管理者付与の場合は空）
	SkipLink   bool   // trueの場合マジックリンクを送信しない
}

// ProvisionResult はプロビジョニングの結果。
type ProvisionResult struct {
	UserID         string
	Created        bool // IdPユーザーを新規作成した場合true
	AlreadyGranted bool // 既にアクセス権が付与されていた場合true
	LinkSent       bool
	LinkError      error // リンク送信の失敗（アクセス付与は取り消さない）
}

// Provisioner はアカウントの作成、アクセス付与、マジックリンク送信を順に行う。
// Webhookとクライアント確認の両方から同じ購入に対して呼ばれうるため、
// 各ステップは冪等でなければならない。
type Provisioner struct {
	idp      IdentityProvider
	profiles repository.ProfileRepository
	links    *LinkSender
	recorder metrics.Recorder
}

// NewProvisioner はProvisionerを生成する。
func NewProvisioner(idp IdentityProvider, profiles repository.ProfileRepository, links *LinkSender, recorder metrics.Recorder) *Provisioner {
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	return &Provisioner{idp: idp, profiles: profiles, links: links, recorder: recorder}
}

// Provision はメールアドレスに対応するアカウントを用意し、有料アクセスを付与する。
// アクセス付与に成功した後のリンク送信失敗はエラーとせず、結果のLinkErrorで報告する。
func (p *Provisioner) Provision(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error) {
	source := string(req.Source)

	email, err := model.ValidateEmail(req.Email)
	if err != nil {
		p.recorder.RecordProvisioning(source, metrics.OutcomeFailure)
		return nil, err
	}
	pref := req.Preference.Normalize()

	// 1. IdPユーザーを作成、登録済みなら既存ユーザーを検索
	userID, created, err := p.ensureUser(ctx, email, req)
	if err != nil {
		p.recorder.RecordProvisioning(source, metrics.OutcomeFailure)
		return nil, err
	}

	// 2. アクセス付与（付与済みの場合も成功）
	grant, err := p.profiles.GrantPaidAccess(ctx, userID, email)
	if err != nil {
		p.recorder.RecordProvisioning(source, metrics.OutcomeFailure)
		slog.Error("failed to grant paid access",
			slog.String("email", email),
			slog.String("user_id", userID),
			slog.String("source", source),
			slog.String("error", err.Error()),
		)
		return nil, model.NewProviderFailureError("grant_paid_access", err)
	}

	result := &ProvisionResult{
		UserID:         userID,
		Created:        created,
		AlreadyGranted: grant.AlreadyGranted,
	}

	// 3. app_metadataにも購入情報を残す（失敗してもプロフィールが正となる）
	appMetadata := map[string]any{
		"paid_access":  true,
		"purchased_at": time.Now().UTC().Format(time.RFC3339),
		"source":       source,
	}
	if req.SessionID != "" {
		appMetadata["checkout_session_id"] = req.SessionID
	}
	if err := p.idp.UpdateUserAppMetadata(ctx, userID, appMetadata); err != nil {
		slog.Warn("failed to update app metadata",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}

	// 4. マジックリンク送信（アクセス付与の後でなければならない）
	if !req.SkipLink {
		err := p.links.Send(ctx, LinkRequest{Email: email, Preference: pref, ExpectEmail: true})
		if err != nil {
			result.LinkError = err
			slog.Error("failed to send magic link after grant",
				slog.String("email", email),
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		} else {
			result.LinkSent = true
		}
	}

	outcome := metrics.OutcomeSuccess
	if grant.AlreadyGranted {
		outcome = metrics.OutcomeDuplicate
	}
	p.recorder.RecordProvisioning(source, outcome)

	slog.Info("account provisioned",
		slog.String("email", email),
		slog.String("user_id", userID),
		slog.String("source", source),
		slog.String("session_id", req.SessionID),
		slog.Bool("created", created),
		slog.Bool("already_granted", grant.AlreadyGranted),
		slog.Bool("link_sent", result.LinkSent),
	)
	return result, nil
}

// ensureUser はIdPユーザーのIDを返す。新規作成した場合createdはtrue。
func (p *Provisioner) ensureUser(ctx context.Context, email string, req ProvisionRequest) (string, bool, error) {
	userMetadata := map[string]any{
		"purchase_source": string(req.Source),
	}
	user, err := p.idp.CreateUser(ctx, email, userMetadata)
	if err == nil {
		if user == nil || user.ID == "" {
			return "", false, model.NewUserProvisioningFailedError(fmt.Errorf("identity provider returned no user id for %s", email))
		}
		return user.ID, true, nil
	}

	if !errors.Is(err, model.ErrIdentityUserExists) {
		slog.Error("failed to create identity user",
			slog.String("email", email),
			slog.String("error", err.Error()),
		)
		return "", false, model.NewUserProvisioningFailedError(err)
	}

	existing, err := p.idp.FindUserByEmail(ctx, email)
	if err != nil {
		slog.Error("failed to look up existing identity user",
			slog.String("email", email),
			slog.String("error", err.Error()),
		)
		return "", false, model.NewUserProvisioningFailedError(err)
	}
	if existing == nil || existing.ID == "" {
		return "", false, model.NewUserProvisioningFailedError(fmt.Errorf("identity user %s reported as registered but not found", email))
	}

	slog.Info("identity user already exists",
		slog.String("email", email),
		slog.String("user_id", existing.ID),
	)
	return existing.ID, false, nil
}
