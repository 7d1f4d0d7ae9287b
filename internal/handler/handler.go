// Package handler はHTTPハンドラーとルーティングを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/speakfuel/internal/middleware"
	"github.com/hitoshi/speakfuel/internal/model"
)

// maxJSONBodyBytes はJSONリクエストボディの上限。
const maxJSONBodyBytes = 64 << 10

// preferenceFields はセッション保持設定を受け取るリクエストフィールド。
type preferenceFields struct {
	RememberMe      bool `json:"rememberMe"`
	SessionDuration int  `json:"sessionDuration"`
}

// preference はリクエストの設定をデフォルトで補完して返す。
func (f preferenceFields) preference() model.SessionPreference {
	return model.SessionPreference{
		RememberMe:      f.RememberMe,
		SessionDuration: f.SessionDuration,
	}.Normalize()
}

// decodeJSON はリクエストボディをJSONとして読み込む。
// 失敗した場合は400を書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("Solicitud no válida"))
		return false
	}
	return true
}

// writeJSON は200のJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Err != nil {
			slog.Warn("request failed",
				slog.String("code", apiErr.Code),
				slog.String("step", apiErr.Details),
				slog.String("error", apiErr.Err.Error()),
			)
		}
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeValidation, model.ErrCodeInvalidSignature, model.ErrCodePaymentNotCompleted:
		return http.StatusBadRequest
	case model.ErrCodeAlreadyPurchased:
		return http.StatusConflict
	case model.ErrCodeUserNotFound:
		return http.StatusNotFound
	case model.ErrCodeNoPaidAccess:
		return http.StatusForbidden
	case model.ErrCodeInvalidCredentials, model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
