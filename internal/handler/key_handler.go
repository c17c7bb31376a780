package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"keysync-service/internal/domain"
	"keysync-service/internal/middleware"
	"keysync-service/internal/usecase"
	"keysync-service/pkg/httputil"
)

// KeyHandler はリソースクラスの鍵とローテーションのHTTPハンドラ。
type KeyHandler struct {
	engine *usecase.RotationEngine
	store  *usecase.KeyStore
	authz  usecase.Authorizer
}

// NewKeyHandler は新しいKeyHandlerを生成する。
func NewKeyHandler(engine *usecase.RotationEngine, store *usecase.KeyStore, authz usecase.Authorizer) *KeyHandler {
	return &KeyHandler{engine: engine, store: store, authz: authz}
}

// ClassResponse はリソースクラスの状態のレスポンス形式。
type ClassResponse struct {
	ResourceClass  string `json:"resource_class"`
	CurrentVersion uint64 `json:"current_version,omitempty"`
	Rotating       string `json:"rotating,omitempty"`
}

// ClassListResponse はリソースクラス一覧のレスポンス形式。
type ClassListResponse struct {
	Classes []ClassResponse `json:"classes"`
}

// VersionResponse は鍵バージョンのメタデータのレスポンス形式。
type VersionResponse struct {
	ResourceClass string `json:"resource_class"`
	Version       uint64 `json:"version"`
	Status        string `json:"status"`
	CreatedAt     string `json:"created_at"`
	SupersededAt  string `json:"superseded_at,omitempty"`
}

// VersionListResponse は鍵バージョン一覧のレスポンス形式。
type VersionListResponse struct {
	Versions []VersionResponse `json:"versions"`
}

// RotationResponse はローテーションのレスポンス形式。
type RotationResponse struct {
	ID            string   `json:"id"`
	ResourceClass string   `json:"resource_class"`
	Trigger       string   `json:"trigger"`
	Actor         string   `json:"actor"`
	State         string   `json:"state"`
	OldVersion    uint64   `json:"old_version,omitempty"`
	NewVersion    uint64   `json:"new_version"`
	Granted       []string `json:"granted"`
	Revoked       []string `json:"revoked"`
	FailedAt      string   `json:"failed_at,omitempty"`
	Cause         string   `json:"cause,omitempty"`
	StartedAt     string   `json:"started_at"`
	FinishedAt    string   `json:"finished_at,omitempty"`
}

// RotationListResponse はローテーション履歴のレスポンス形式。
type RotationListResponse struct {
	Rotations []RotationResponse `json:"rotations"`
}

func toRotationResponse(rot *domain.Rotation) RotationResponse {
	return RotationResponse{
		ID:            rot.ID,
		ResourceClass: string(rot.ResourceClass),
		Trigger:       string(rot.Trigger),
		Actor:         rot.Actor,
		State:         string(rot.State),
		OldVersion:    rot.OldVersion,
		NewVersion:    rot.NewVersion,
		Granted:       rot.Granted,
		Revoked:       rot.Revoked,
		FailedAt:      string(rot.FailedAt),
		Cause:         rot.Cause,
		StartedAt:     formatTime(rot.StartedAt),
		FinishedAt:    formatTimePtr(rot.FinishedAt),
	}
}

func (h *KeyHandler) authorize(r *http.Request, class domain.ResourceClass, op domain.Operation) error {
	if !h.authz.IsAuthorized(actor(r), class, op) {
		return fmt.Errorf("%w: %s cannot %s %s", domain.ErrAccessDenied, actor(r), op, class)
	}
	return nil
}

// ListClasses は登録済みリソースクラスの現行バージョンを返す。
func (h *KeyHandler) ListClasses(w http.ResponseWriter, r *http.Request) {
	l := middleware.OperationLog{Operation: "LIST_CLASSES"}
	var response ClassListResponse
	for _, class := range h.store.Classes() {
		if !h.authz.IsAuthorized(actor(r), class, domain.OperationRead) {
			continue
		}
		c := ClassResponse{ResourceClass: string(class)}
		current, err := h.store.CurrentVersion(r.Context(), class)
		switch {
		case err == nil:
			c.CurrentVersion = current.Version
		case !errors.Is(err, domain.ErrNoKey):
			fail(w, r, l, err)
			return
		}
		if state, ok := h.engine.InProgress(class); ok {
			c.Rotating = string(state)
		}
		response.Classes = append(response.Classes, c)
	}
	if response.Classes == nil {
		response.Classes = []ClassResponse{}
	}
	httputil.JSON(w, http.StatusOK, response)
}

// InitClass はクラスの最初のバージョンを作成する。
func (h *KeyHandler) InitClass(w http.ResponseWriter, r *http.Request) {
	h.runRotation(w, r, "INIT_CLASS", func(ctx context.Context, class domain.ResourceClass) (*domain.Rotation, error) {
		return h.engine.InitClass(ctx, class, actor(r))
	})
}

// Rotate は管理者の要求でクラスの鍵をローテーションする。完了まで待って結果を返す。
func (h *KeyHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	h.runRotation(w, r, "ROTATE_KEY", func(ctx context.Context, class domain.ResourceClass) (*domain.Rotation, error) {
		return h.engine.Rotate(ctx, domain.RotationRequest{
			ResourceClass: class,
			Trigger:       domain.RotationTriggerAdminRequest,
			Actor:         actor(r),
		})
	})
}

func (h *KeyHandler) runRotation(w http.ResponseWriter, r *http.Request, op string, run func(context.Context, domain.ResourceClass) (*domain.Rotation, error)) {
	l := middleware.OperationLog{Operation: op}
	class, err := classParam(r)
	if err != nil {
		fail(w, r, l, err)
		return
	}
	l.ResourceClass = class
	if err := h.authorize(r, class, domain.OperationAdminister); err != nil {
		fail(w, r, l, err)
		return
	}

	// クライアントの切断でローテーションを中断しない。中断は Abort で行う。
	rot, err := run(context.WithoutCancel(r.Context()), class)
	if err != nil {
		fail(w, r, l, err)
		return
	}

	l.Version = rot.NewVersion
	succeed(r, l)
	httputil.JSON(w, http.StatusCreated, toRotationResponse(rot))
}

// Abort は実行中のローテーションを中断する。
func (h *KeyHandler) Abort(w http.ResponseWriter, r *http.Request) {
	l := middleware.OperationLog{Operation: "ABORT_ROTATION"}
	class, err := classParam(r)
	if err != nil {
		fail(w, r, l, err)
		return
	}
	l.ResourceClass = class
	if err := h.authorize(r, class, domain.OperationAdminister); err != nil {
		fail(w, r, l, err)
		return
	}

	if err := h.engine.Abort(r.Context(), class, actor(r)); err != nil {
		fail(w, r, l, err)
		return
	}

	succeed(r, l)
	w.WriteHeader(http.StatusAccepted)
}

// ListVersions はクラスの鍵バージョン一覧を返す。鍵素材は含まない。
func (h *KeyHandler) ListVersions(w http.ResponseWriter, r *http.Request) {
	l := middleware.OperationLog{Operation: "LIST_VERSIONS"}
	class, err := classParam(r)
	if err != nil {
		fail(w, r, l, err)
		return
	}
	l.ResourceClass = class
	if err := h.authorize(r, class, domain.OperationRead); err != nil {
		fail(w, r, l, err)
		return
	}

	versions, err := h.store.ListVersions(r.Context(), class)
	if err != nil {
		fail(w, r, l, err)
		return
	}

	response := VersionListResponse{Versions: make([]VersionResponse, len(versions))}
	for i, v := range versions {
		response.Versions[i] = VersionResponse{
			ResourceClass: string(v.ResourceClass),
			Version:       v.Version,
			Status:        string(v.Status),
			CreatedAt:     formatTime(v.CreatedAt),
			SupersededAt:  formatTimePtr(v.SupersededAt),
		}
	}
	httputil.JSON(w, http.StatusOK, response)
}

// ListRotations はクラスのローテーション履歴を新しい順に返す。
func (h *KeyHandler) ListRotations(w http.ResponseWriter, r *http.Request) {
	l := middleware.OperationLog{Operation: "LIST_ROTATIONS"}
	class, err := classParam(r)
	if err != nil {
		fail(w, r, l, err)
		return
	}
	l.ResourceClass = class
	if err := h.authorize(r, class, domain.OperationAdminister); err != nil {
		fail(w, r, l, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		fail(w, r, l, err)
		return
	}

	rotations, err := h.engine.History(r.Context(), class, limit)
	if err != nil {
		fail(w, r, l, err)
		return
	}

	response := RotationListResponse{Rotations: make([]RotationResponse, len(rotations))}
	for i, rot := range rotations {
		response.Rotations[i] = toRotationResponse(rot)
	}
	httputil.JSON(w, http.StatusOK, response)
}

// GetRotation はローテーションを1件返す。
func (h *KeyHandler) GetRotation(w http.ResponseWriter, r *http.Request) {
	l := middleware.OperationLog{Operation: "GET_ROTATION"}
	rot, err := h.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, l, err)
		return
	}
	if err := h.authorize(r, rot.ResourceClass, domain.OperationAdminister); err != nil {
		fail(w, r, l, err)
		return
	}
	httputil.JSON(w, http.StatusOK, toRotationResponse(rot))
}
