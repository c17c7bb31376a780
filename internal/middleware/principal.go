package middleware

import (
	"context"
	"net/http"

	"keysync-service/internal/domain"
	"keysync-service/pkg/httputil"
)

// HeaderPrincipalID は呼び出し元プリンシパルを示すヘッダー。
// 認証は前段のゲートウェイが行い、検証済みのIDだけを転送する前提。
const HeaderPrincipalID = "X-Principal-ID"

// HeaderDeviceID はレート制限の単位となるデバイスを示すヘッダー。
const HeaderDeviceID = "X-Device-ID"

type principalKey struct{}

// WithPrincipal はコンテキストにプリンシパルIDを設定する。
func WithPrincipal(ctx context.Context, principalID string) context.Context {
	return context.WithValue(ctx, principalKey{}, principalID)
}

// PrincipalFromContext はコンテキストからプリンシパルIDを取り出す。
func PrincipalFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(principalKey{}).(string)
	return id, ok && id != ""
}

// RequirePrincipal は X-Principal-ID ヘッダーを検証してコンテキストに設定する。
func RequirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderPrincipalID)
		if id == "" {
			httputil.Error(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing principal")
			return
		}
		if err := domain.ValidatePrincipalID(id); err != nil {
			httputil.Error(w, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid principal")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), id)))
	})
}
