package handler

import (
	"fmt"
	"net/http"

	"keysync-service/internal/domain"
	"keysync-service/internal/middleware"
	"keysync-service/internal/usecase"
	"keysync-service/pkg/httputil"
)

// AuditHandler は監査ログのHTTPハンドラ。全クラスの管理者のみ利用できる。
type AuditHandler struct {
	ledger *usecase.AuditLedger
	access *usecase.AccessService
}

// NewAuditHandler は新しいAuditHandlerを生成する。
func NewAuditHandler(ledger *usecase.AuditLedger, access *usecase.AccessService) *AuditHandler {
	return &AuditHandler{ledger: ledger, access: access}
}

// AuditRecordResponse は監査レコードのレスポンス形式。
type AuditRecordResponse struct {
	Sequence      uint64 `json:"sequence"`
	Action        string `json:"action"`
	Actor         string `json:"actor"`
	Subject       string `json:"subject,omitempty"`
	ResourceClass string `json:"resource_class,omitempty"`
	Timestamp     string `json:"timestamp"`
	Payload       []byte `json:"payload,omitempty"`
	PreviousHash  []byte `json:"previous_hash"`
	Hash          []byte `json:"hash"`
}

// AuditListResponse は監査レコード一覧のレスポンス形式。
type AuditListResponse struct {
	Records []AuditRecordResponse `json:"records"`
}

// VerifyResponse はチェーン検証結果のレスポンス形式。
type VerifyResponse struct {
	Valid       bool   `json:"valid"`
	FirstBroken uint64 `json:"first_broken,omitempty"`
	Halted      bool   `json:"halted"`
}

func (h *AuditHandler) requireAdmin(r *http.Request) error {
	if !h.access.IsAuthorizedForScope(actor(r), domain.ScopeAll, domain.OperationAdminister) {
		return fmt.Errorf("%w: %s cannot read the audit ledger", domain.ErrAccessDenied, actor(r))
	}
	return nil
}

// List は条件に一致する監査レコードを新しい順に返す。
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	l := middleware.OperationLog{Operation: "LIST_AUDIT"}
	if err := h.requireAdmin(r); err != nil {
		fail(w, r, l, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		fail(w, r, l, err)
		return
	}
	if limit == 0 {
		limit = 100
	}
	q := r.URL.Query()

	records, err := h.ledger.List(r.Context(), usecase.AuditFilter{
		Action:        domain.AuditAction(q.Get("action")),
		ResourceClass: domain.ResourceClass(q.Get("class")),
		Subject:       q.Get("subject"),
		Limit:         limit,
	})
	if err != nil {
		fail(w, r, l, err)
		return
	}

	response := AuditListResponse{Records: make([]AuditRecordResponse, len(records))}
	for i, rec := range records {
		response.Records[i] = AuditRecordResponse{
			Sequence:      rec.Sequence,
			Action:        string(rec.Action),
			Actor:         rec.Actor,
			Subject:       rec.Subject,
			ResourceClass: string(rec.ResourceClass),
			Timestamp:     formatTime(rec.Timestamp),
			Payload:       rec.Payload,
			PreviousHash:  rec.PreviousHash,
			Hash:          rec.Hash,
		}
	}
	httputil.JSON(w, http.StatusOK, response)
}

// Verify はハッシュチェーンを検証する。from と to が未指定なら全体を検証する。
func (h *AuditHandler) Verify(w http.ResponseWriter, r *http.Request) {
	l := middleware.OperationLog{Operation: "VERIFY_AUDIT"}
	if err := h.requireAdmin(r); err != nil {
		fail(w, r, l, err)
		return
	}
	from, err := queryUint(r, "from")
	if err != nil {
		fail(w, r, l, err)
		return
	}
	to, err := queryUint(r, "to")
	if err != nil {
		fail(w, r, l, err)
		return
	}

	broken, err := h.ledger.FirstBroken(r.Context(), from, to)
	if err != nil {
		fail(w, r, l, err)
		return
	}

	succeed(r, l)
	httputil.JSON(w, http.StatusOK, VerifyResponse{
		Valid:       broken == 0,
		FirstBroken: broken,
		Halted:      h.ledger.Err() != nil,
	})
}

// Resume はチェーン全体の検証が通れば監査ログへの書き込みを再開する。
func (h *AuditHandler) Resume(w http.ResponseWriter, r *http.Request) {
	l := middleware.OperationLog{Operation: "RESUME_AUDIT"}
	if err := h.requireAdmin(r); err != nil {
		fail(w, r, l, err)
		return
	}

	if err := h.ledger.Resume(r.Context()); err != nil {
		fail(w, r, l, err)
		return
	}

	succeed(r, l)
	w.WriteHeader(http.StatusNoContent)
}
