// Package httputil はHTTPレスポンス生成のユーティリティを提供する。
package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"keysync-service/internal/domain"
	"keysync-service/pkg/codec"
)

// ContentTypeCBOR はバイナリ形式のエンベロープに使うメディアタイプ。
const ContentTypeCBOR = "application/cbor"

// maxBodySize はリクエストボディの上限。
const maxBodySize = 8 << 20

// ErrorResponse はエラーレスポンスの形式。
type ErrorResponse struct {
	Code    string `json:"code" cbor:"code"`
	Message string `json:"message" cbor:"message"`
}

// JSON はJSONレスポンスを返す。
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// ヘッダーは送信済みなのでログのみ
			slog.Error("failed to encode response", "error", err)
		}
	}
}

// CBOR はCBORレスポンスを返す。
func CBOR(w http.ResponseWriter, status int, data any) {
	body, err := codec.Marshal(data)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}
	w.Header().Set("Content-Type", ContentTypeCBOR)
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

// Respond は Accept ヘッダーに応じてCBORまたはJSONで返す。
func Respond(w http.ResponseWriter, r *http.Request, status int, data any) {
	if WantsCBOR(r) {
		CBOR(w, status, data)
		return
	}
	JSON(w, status, data)
}

// Error はエラーレスポンスを返す。
func Error(w http.ResponseWriter, status int, code string, message string) {
	JSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}

// IsCBOR はリクエストボディがCBORかどうかを返す。
func IsCBOR(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == ContentTypeCBOR
}

// WantsCBOR はCBORでの応答を求められているかどうかを返す。
func WantsCBOR(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Accept"))
	return err == nil && mt == ContentTypeCBOR
}

// Decode はリクエストボディを Content-Type に応じてデコードする。
func Decode(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("reading body: %w", err)
	}
	if IsCBOR(r) {
		return codec.Unmarshal(body, v)
	}
	return json.Unmarshal(body, v)
}

// StatusOf はドメインエラーに対応するHTTPステータスとエラーコードを返す。
func StatusOf(err error) (int, string, string) {
	switch {
	case errors.Is(err, domain.ErrAccessDenied), errors.Is(err, domain.ErrStaleKeyVersion):
		// 利用者には再同期を促す
		return http.StatusForbidden, "ACCESS_CHANGED", "your access has changed, refresh"
	case errors.Is(err, domain.ErrNoKey):
		return http.StatusNotFound, "NO_KEY", "resource class has not been initialized"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "resource not found"
	case errors.Is(err, domain.ErrRotationInProgress):
		return http.StatusConflict, "ROTATION_IN_PROGRESS", "a rotation is already in progress for this class"
	case errors.Is(err, domain.ErrRotationNotAbortable):
		return http.StatusConflict, "ROTATION_NOT_ABORTABLE", "rotation can no longer be aborted"
	case errors.Is(err, domain.ErrRotationAborted):
		return http.StatusConflict, "ROTATION_ABORTED", "rotation was aborted"
	case errors.Is(err, domain.ErrClassAlreadyInitialized):
		return http.StatusConflict, "CLASS_ALREADY_INITIALIZED", "resource class already initialized"
	case errors.Is(err, domain.ErrPrincipalAlreadyExists):
		return http.StatusConflict, "PRINCIPAL_ALREADY_EXISTS", "principal already exists"
	case errors.Is(err, domain.ErrPrincipalRemoved):
		return http.StatusGone, "PRINCIPAL_REMOVED", "principal has been removed"
	case errors.Is(err, domain.ErrNoEligiblePrincipals):
		return http.StatusUnprocessableEntity, "NO_ELIGIBLE_PRINCIPALS", "no principal can receive the key"
	case errors.Is(err, domain.ErrChainBroken):
		return http.StatusServiceUnavailable, "AUDIT_CHAIN_BROKEN", "audit ledger is halted"
	case errors.Is(err, domain.ErrInvalidPrincipalID),
		errors.Is(err, domain.ErrInvalidResourceClass),
		errors.Is(err, domain.ErrInvalidVersion),
		errors.Is(err, domain.ErrInvalidRole),
		errors.Is(err, domain.ErrInvalidEnvelope),
		errors.Is(err, domain.ErrDerivation):
		return http.StatusBadRequest, "INVALID_REQUEST", err.Error()
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error"
}

// DomainError はドメインエラーをHTTPエラーレスポンスに変換する。
func DomainError(w http.ResponseWriter, err error) {
	status, code, message := StatusOf(err)
	Error(w, status, code, message)
}
