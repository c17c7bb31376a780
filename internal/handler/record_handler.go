package handler

import (
	"net/http"

	"keysync-service/internal/middleware"
	"keysync-service/internal/usecase"
	"keysync-service/pkg/httputil"
)

// RecordHandler はレコード暗号化のHTTPハンドラ。
type RecordHandler struct {
	records *usecase.RecordService
}

// NewRecordHandler は新しいRecordHandlerを生成する。
func NewRecordHandler(records *usecase.RecordService) *RecordHandler {
	return &RecordHandler{records: records}
}

// EncryptRequest はレコード暗号化のリクエスト形式。
type EncryptRequest struct {
	Plaintext []byte `json:"plaintext" cbor:"plaintext"`
}

// DecryptRequest はレコード復号のリクエスト形式。
type DecryptRequest struct {
	Version    uint64 `json:"keyVersion" cbor:"keyVersion"`
	Ciphertext []byte `json:"ciphertext" cbor:"ciphertext"`
}

// DecryptResponse はレコード復号のレスポンス形式。
type DecryptResponse struct {
	Plaintext []byte `json:"plaintext" cbor:"plaintext"`
}

// Encrypt は現行バージョンの鍵でレコードを暗号化する。
func (h *RecordHandler) Encrypt(w http.ResponseWriter, r *http.Request) {
	l := middleware.OperationLog{Operation: "ENCRYPT_RECORD"}
	class, err := classParam(r)
	if err != nil {
		fail(w, r, l, err)
		return
	}
	l.ResourceClass = class

	var req EncryptRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}

	rec, err := h.records.EncryptRecord(r.Context(), actor(r), class, req.Plaintext)
	if err != nil {
		fail(w, r, l, err)
		return
	}

	l.Version = rec.Version
	succeed(r, l)
	httputil.Respond(w, r, http.StatusOK, rec)
}

// Decrypt は指定バージョンで暗号化されたレコードを復号する。
func (h *RecordHandler) Decrypt(w http.ResponseWriter, r *http.Request) {
	l := middleware.OperationLog{Operation: "DECRYPT_RECORD"}
	class, err := classParam(r)
	if err != nil {
		fail(w, r, l, err)
		return
	}
	l.ResourceClass = class

	var req DecryptRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	l.Version = req.Version

	plaintext, err := h.records.DecryptRecord(r.Context(), actor(r), class, req.Version, req.Ciphertext)
	if err != nil {
		fail(w, r, l, err)
		return
	}

	succeed(r, l)
	httputil.Respond(w, r, http.StatusOK, DecryptResponse{Plaintext: plaintext})
}
