// Package handler はHTTPハンドラを提供する。
package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"keysync-service/internal/domain"
	"keysync-service/internal/middleware"
	"keysync-service/pkg/httputil"
)

func classParam(r *http.Request) (domain.ResourceClass, error) {
	class := domain.ResourceClass(chi.URLParam(r, "class"))
	if err := class.Validate(); err != nil {
		return "", err
	}
	return class, nil
}

func validateVersion(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || v < 1 {
		return 0, domain.ErrInvalidVersion
	}
	return v, nil
}

// queryUint はクエリパラメータを符号なし整数として読む。未指定なら0。
func queryUint(r *http.Request, name string) (uint64, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, domain.ErrInvalidVersion
	}
	return v, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	v, err := queryUint(r, name)
	if err != nil {
		return 0, err
	}
	return int(min(v, 1<<31-1)), nil
}

// actor はリクエストのプリンシパルIDを返す。RequirePrincipal を通った後でのみ呼ぶ。
func actor(r *http.Request) string {
	id, _ := middleware.PrincipalFromContext(r.Context())
	return id
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

// fail は操作ログを残してドメインエラーをレスポンスに変換する。
func fail(w http.ResponseWriter, r *http.Request, l middleware.OperationLog, err error) {
	l.PrincipalID = actor(r)
	l.Result = middleware.ResultFailed
	middleware.WriteOperationLog(r.Context(), l)

	status, code, message := httputil.StatusOf(err)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed",
			"operation", l.Operation,
			"error", err,
		)
	}
	httputil.Error(w, status, code, message)
}

func succeed(r *http.Request, l middleware.OperationLog) {
	l.PrincipalID = actor(r)
	l.Result = middleware.ResultSuccess
	middleware.WriteOperationLog(r.Context(), l)
}
