package model

import (
	"net/url"
	"strconv"
)

const (
	// ShortSessionDuration は「ログイン状態を保持」しない場合のセッション期間（3日）。
	ShortSessionDuration = 3 * 24 * 60 * 60
	// LongSessionDuration は「ログイン状態を保持」する場合のセッション期間（30日）。
	LongSessionDuration = 30 * 24 * 60 * 60
)

// 決済メタデータとリダイレクトURLで使用するキー
const (
	MetadataEmail           = "email"
	MetadataRememberMe      = "remember_me"
	MetadataSessionDuration = "session_duration"

	QueryRemember      = "remember"
	QueryDuration      = "duration"
	QueryExpectedEmail = "expected_email"
)

// SessionPreference はクライアントが選択したセッション保持の設定。
// サーバー側の権威ある値ではなく、マジックリンクのメタデータと
// セッションCookieの有効期間にのみ影響する。
type SessionPreference struct {
	RememberMe      bool
	SessionDuration int // 秒
}

// DefaultCheckoutPreference は購入ファネルのデフォルト設定（保持する・30日）を返す。
func DefaultCheckoutPreference() SessionPreference {
	return SessionPreference{RememberMe: true, SessionDuration: LongSessionDuration}
}

// Normalize は期間が未指定または不正な場合にデフォルト値で補完する。
// クライアント由来の期間はLongSessionDurationを上限とする。
func (p SessionPreference) Normalize() SessionPreference {
	if p.SessionDuration > LongSessionDuration {
		p.SessionDuration = LongSessionDuration
	}
	if p.SessionDuration <= 0 {
		if p.RememberMe {
			p.SessionDuration = LongSessionDuration
		} else {
			p.SessionDuration = ShortSessionDuration
		}
	}
	return p
}

// CookieMaxAge はセッションCookieに設定する有効期間（秒）を返す。
// RememberMeがfalseの場合は常に短期間となる。
func (p SessionPreference) CookieMaxAge() int {
	if !p.RememberMe {
		return ShortSessionDuration
	}
	return p.Normalize().SessionDuration
}

// Metadata は決済セッションのメタデータ（文字列のみ）に変換する。
func (p SessionPreference) Metadata() map[string]string {
	p = p.Normalize()
	return map[string]string{
		MetadataRememberMe:      strconv.FormatBool(p.RememberMe),
		MetadataSessionDuration: strconv.Itoa(p.SessionDuration),
	}
}

// LinkData はマジックリンクに添付するユーザーメタデータを返す。
func (p SessionPreference) LinkData() map[string]any {
	p = p.Normalize()
	return map[string]any{
		MetadataRememberMe:      p.RememberMe,
		MetadataSessionDuration: p.SessionDuration,
	}
}

// ApplyQuery はリダイレクトURLのクエリにremember/durationを設定する。
// RememberMeがfalseの場合は何も設定しない（パラメータの不在が短期間を意味する）。
func (p SessionPreference) ApplyQuery(q url.Values) {
	if !p.RememberMe {
		return
	}
	p = p.Normalize()
	q.Set(QueryRemember, "true")
	q.Set(QueryDuration, strconv.Itoa(p.SessionDuration))
}

// PreferenceFromMetadata は決済セッションのメタデータから設定を復元する。
func PreferenceFromMetadata(md map[string]string) SessionPreference {
	p := SessionPreference{RememberMe: md[MetadataRememberMe] == "true"}
	if d, err := strconv.Atoi(md[MetadataSessionDuration]); err == nil {
		p.SessionDuration = d
	}
	return p.Normalize()
}

// PreferenceFromQuery はコールバックURLのクエリから設定を復元する。
func PreferenceFromQuery(q url.Values) SessionPreference {
	p := SessionPreference{RememberMe: q.Get(QueryRemember) == "true"}
	if !p.RememberMe {
		return SessionPreference{SessionDuration: ShortSessionDuration}
	}
	if d, err := strconv.Atoi(q.Get(QueryDuration)); err == nil {
		p.SessionDuration = d
	}
	return p.Normalize()
}
