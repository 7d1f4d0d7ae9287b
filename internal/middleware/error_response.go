package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/speakfuel/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// errorはユーザー向けメッセージ、errorType/type/redirectはクライアントの分岐用。
type ErrorResponseBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Category  string `json:"category,omitempty"`
	Action    string `json:"action,omitempty"`
	ErrorType string `json:"errorType,omitempty"`
	Type      string `json:"type,omitempty"`
	Redirect  string `json:"redirect,omitempty"`
	Details   string `json:"details,omitempty"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// 原因エラー（APIError.Err）はレスポンスに含めない。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Error:     apiErr.Message,
		Code:      apiErr.Code,
		Category:  apiErr.Category,
		Action:    apiErr.Action,
		ErrorType: apiErr.ErrorType,
		Type:      apiErr.Type,
		Redirect:  apiErr.Redirect,
		Details:   apiErr.Details,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     model.ErrCodeInternal,
		Message:  "Ocurrió un error interno.",
		Category: "system",
		Action:   "Espera unos minutos y vuelve a intentarlo.",
	})
}
