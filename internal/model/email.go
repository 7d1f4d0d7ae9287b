package model

import (
	"strings"

	"golang.org/x/net/idna"
)

// NormalizeEmail はメールアドレスを比較用に正規化する。
// 前後の空白を除去して小文字化し、ドメイン部の国際化ドメイン名はPunycodeに変換する。
func NormalizeEmail(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return email
	}
	domain, err := idna.Punycode.ToASCII(email[at+1:])
	if err != nil {
		return email
	}
	return email[:at+1] + domain
}

// ValidateEmail はメールアドレスを正規化して形式を検証する。
// 不正な場合はバリデーションエラーを返す。
func ValidateEmail(email string) (string, error) {
	normalized := NormalizeEmail(email)
	if normalized == "" {
		return "", NewValidationError("El email es requerido")
	}
	at := strings.LastIndex(normalized, "@")
	if at <= 0 || at == len(normalized)-1 || strings.ContainsAny(normalized, " \t\r\n") {
		return "", NewValidationError("Email inválido")
	}
	return normalized, nil
}

// EmailsMatch は2つのメールアドレスが同一かを大文字小文字・前後空白を無視して判定する。
// どちらかが空の場合はfalseを返す。
func EmailsMatch(a, b string) bool {
	na, nb := NormalizeEmail(a), NormalizeEmail(b)
	return na != "" && na == nb
}
