package handler

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"keysync-service/internal/domain"
	"keysync-service/internal/middleware"
	"keysync-service/internal/usecase"
	"keysync-service/pkg/httputil"
)

// AccessHandler はプリンシパルとロールバインディングのHTTPハンドラ。
type AccessHandler struct {
	access *usecase.AccessService
	store  *usecase.KeyStore
}

// NewAccessHandler は新しいAccessHandlerを生成する。
func NewAccessHandler(access *usecase.AccessService, store *usecase.KeyStore) *AccessHandler {
	return &AccessHandler{access: access, store: store}
}

// RegisterPrincipalRequest はプリンシパル登録のリクエスト形式。
type RegisterPrincipalRequest struct {
	ID        string               `json:"id"`
	Kind      domain.PrincipalKind `json:"kind"`
	PublicKey []byte               `json:"public_key"`
}

// PrincipalResponse はプリンシパルのレスポンス形式。
type PrincipalResponse struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	PublicKey []byte `json:"public_key"`
	CreatedAt string `json:"created_at"`
	RemovedAt string `json:"removed_at,omitempty"`
}

// PrincipalListResponse はプリンシパル一覧のレスポンス形式。
type PrincipalListResponse struct {
	Principals []PrincipalResponse `json:"principals"`
}

// BindRequest はロール付与のリクエスト形式。
type BindRequest struct {
	Role domain.Role `json:"role"`
}

// BindingResponse はロールバインディングのレスポンス形式。
type BindingResponse struct {
	ID          string `json:"id"`
	PrincipalID string `json:"principal_id"`
	Role        string `json:"role"`
	Scope       string `json:"scope"`
	CreatedAt   string `json:"created_at"`
}

// BindingListResponse はバインディング一覧のレスポンス形式。
type BindingListResponse struct {
	Bindings []BindingResponse `json:"bindings"`
}

// GrantResponse はラップ済みグラントのレスポンス形式。
type GrantResponse struct {
	PrincipalID   string `json:"principal_id"`
	ResourceClass string `json:"resource_class"`
	Version       uint64 `json:"version"`
	WrappedKey    []byte `json:"wrapped_key"`
	GrantedAt     string `json:"granted_at"`
}

// GrantListResponse はグラント一覧のレスポンス形式。
type GrantListResponse struct {
	Grants []GrantResponse `json:"grants"`
}

func toPrincipalResponse(p *domain.Principal) PrincipalResponse {
	return PrincipalResponse{
		ID:        p.ID,
		Kind:      string(p.Kind),
		PublicKey: p.PublicKey,
		CreatedAt: formatTime(p.CreatedAt),
		RemovedAt: formatTimePtr(p.RemovedAt),
	}
}

func toBindingResponse(b *domain.RoleBinding) BindingResponse {
	return BindingResponse{
		ID:          b.ID,
		PrincipalID: b.PrincipalID,
		Role:        string(b.Role),
		Scope:       string(b.Scope),
		CreatedAt:   formatTime(b.CreatedAt),
	}
}

func toGrantResponse(g *domain.WrappedKeyGrant) GrantResponse {
	return GrantResponse{
		PrincipalID:   g.PrincipalID,
		ResourceClass: string(g.ResourceClass),
		Version:       g.Version,
		WrappedKey:    g.WrappedKey,
		GrantedAt:     formatTime(g.GrantedAt),
	}
}

// requireAdmin はスコープ全体の管理権限を確認する。
func (h *AccessHandler) requireAdmin(r *http.Request, scope domain.Scope) error {
	if !h.access.IsAuthorizedForScope(actor(r), scope, domain.OperationAdminister) {
		return fmt.Errorf("%w: %s cannot administer %s", domain.ErrAccessDenied, actor(r), scope)
	}
	return nil
}

// RegisterPrincipal はプリンシパルを登録する。
func (h *AccessHandler) RegisterPrincipal(w http.ResponseWriter, r *http.Request) {
	l := middleware.OperationLog{Operation: "REGISTER_PRINCIPAL"}
	if err := h.requireAdmin(r, domain.ScopeAll); err != nil {
		fail(w, r, l, err)
		return
	}

	var req RegisterPrincipalRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if req.Kind == "" {
		req.Kind = domain.PrincipalKindUser
	}

	p, err := h.access.RegisterPrincipal(r.Context(), actor(r), req.ID, req.Kind, req.PublicKey)
	if err != nil {
		fail(w, r, l, err)
		return
	}

	succeed(r, l)
	httputil.JSON(w, http.StatusCreated, toPrincipalResponse(p))
}

// ListPrincipals はプリンシパル一覧を返す。
func (h *AccessHandler) ListPrincipals(w http.ResponseWriter, r *http.Request) {
	l := middleware.OperationLog{Operation: "LIST_PRINCIPALS"}
	if err := h.requireAdmin(r, domain.ScopeAll); err != nil {
		fail(w, r, l, err)
		return
	}
	includeRemoved, _ := strconv.ParseBool(r.URL.Query().Get("include_removed"))

	principals, err := h.access.ListPrincipals(r.Context(), includeRemoved)
	if err != nil {
		fail(w, r, l, err)
		return
	}

	response := PrincipalListResponse{Principals: make([]PrincipalResponse, len(principals))}
	for i, p := range principals {
		response.Principals[i] = toPrincipalResponse(p)
	}
	httputil.JSON(w, http.StatusOK, response)
}

// GetPrincipal はプリンシパルを返す。本人または管理者のみ。
func (h *AccessHandler) GetPrincipal(w http.ResponseWriter, r *http.Request) {
	l := middleware.OperationLog{Operation: "GET_PRINCIPAL"}
	id := chi.URLParam(r, "id")
	if id != actor(r) {
		if err := h.requireAdmin(r, domain.ScopeAll); err != nil {
			fail(w, r, l, err)
			return
		}
	}

	p, err := h.access.GetPrincipal(r.Context(), id)
	if err != nil {
		fail(w, r, l, err)
		return
	}
	httputil.JSON(w, http.StatusOK, toPrincipalResponse(p))
}

// RemovePrincipal はプリンシパルを削除し、全クラスでローテーションを要求する。
func (h *AccessHandler) RemovePrincipal(w http.ResponseWriter, r *http.Request) {
	l := middleware.OperationLog{Operation: "REMOVE_PRINCIPAL"}
	if err := h.requireAdmin(r, domain.ScopeAll); err != nil {
		fail(w, r, l, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := domain.ValidatePrincipalID(id); err != nil {
		fail(w, r, l, err)
		return
	}

	if err := h.access.RemovePrincipal(r.Context(), actor(r), id); err != nil {
		fail(w, r, l, err)
		return
	}

	succeed(r, l)
	w.WriteHeader(http.StatusAccepted)
}

// Bind はプリンシパルにロールを付与する。
func (h *AccessHandler) Bind(w http.ResponseWriter, r *http.Request) {
	l := middleware.OperationLog{Operation: "BIND_ROLE"}
	scope := domain.Scope(chi.URLParam(r, "scope"))
	if err := scope.Validate(); err != nil {
		fail(w, r, l, err)
		return
	}
	if err := h.requireAdmin(r, scope); err != nil {
		fail(w, r, l, err)
		return
	}

	var req BindRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}

	b, err := h.access.Bind(r.Context(), actor(r), chi.URLParam(r, "id"), req.Role, scope)
	if err != nil {
		fail(w, r, l, err)
		return
	}

	succeed(r, l)
	httputil.JSON(w, http.StatusOK, toBindingResponse(b))
}

// Unbind はロールを外す。スコープ内の全クラスでローテーションが要求される。
func (h *AccessHandler) Unbind(w http.ResponseWriter, r *http.Request) {
	l := middleware.OperationLog{Operation: "UNBIND_ROLE"}
	scope := domain.Scope(chi.URLParam(r, "scope"))
	if err := scope.Validate(); err != nil {
		fail(w, r, l, err)
		return
	}
	if err := h.requireAdmin(r, scope); err != nil {
		fail(w, r, l, err)
		return
	}

	if err := h.access.Unbind(r.Context(), actor(r), chi.URLParam(r, "id"), scope); err != nil {
		fail(w, r, l, err)
		return
	}

	succeed(r, l)
	w.WriteHeader(http.StatusAccepted)
}

// ListBindings はロールバインディング一覧を返す。
func (h *AccessHandler) ListBindings(w http.ResponseWriter, r *http.Request) {
	l := middleware.OperationLog{Operation: "LIST_BINDINGS"}
	if err := h.requireAdmin(r, domain.ScopeAll); err != nil {
		fail(w, r, l, err)
		return
	}

	bindings, err := h.access.ListBindings(r.Context())
	if err != nil {
		fail(w, r, l, err)
		return
	}

	response := BindingListResponse{Bindings: make([]BindingResponse, len(bindings))}
	for i, b := range bindings {
		response.Bindings[i] = toBindingResponse(b)
	}
	httputil.JSON(w, http.StatusOK, response)
}

// ListGrants は本人の有効なグラント一覧を返す。
func (h *AccessHandler) ListGrants(w http.ResponseWriter, r *http.Request) {
	l := middleware.OperationLog{Operation: "LIST_GRANTS"}
	id := chi.URLParam(r, "id")
	if id != actor(r) {
		fail(w, r, l, fmt.Errorf("%w: grants of %s", domain.ErrAccessDenied, id))
		return
	}
	class := domain.ResourceClass(r.URL.Query().Get("class"))
	if class != "" {
		if err := class.Validate(); err != nil {
			fail(w, r, l, err)
			return
		}
	}

	grants, err := h.store.LiveGrants(r.Context(), id, class)
	if err != nil {
		fail(w, r, l, err)
		return
	}

	response := GrantListResponse{Grants: make([]GrantResponse, len(grants))}
	for i, g := range grants {
		response.Grants[i] = toGrantResponse(g)
	}
	httputil.JSON(w, http.StatusOK, response)
}

// FetchGrant は本人宛てのラップ済みグラントを返す。開封はデバイス側で行う。
func (h *AccessHandler) FetchGrant(w http.ResponseWriter, r *http.Request) {
	l := middleware.OperationLog{Operation: "FETCH_GRANT"}
	id := chi.URLParam(r, "id")
	if id != actor(r) {
		fail(w, r, l, fmt.Errorf("%w: grants of %s", domain.ErrAccessDenied, id))
		return
	}
	class, err := classParam(r)
	if err != nil {
		fail(w, r, l, err)
		return
	}
	l.ResourceClass = class
	version, err := validateVersion(chi.URLParam(r, "version"))
	if err != nil {
		fail(w, r, l, err)
		return
	}
	l.Version = version

	g, err := h.store.FetchGrant(r.Context(), id, class, version)
	if err != nil {
		fail(w, r, l, err)
		return
	}

	succeed(r, l)
	httputil.JSON(w, http.StatusOK, toGrantResponse(g))
}
