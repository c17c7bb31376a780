package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"keysync-service/internal/middleware"
	"keysync-service/pkg/httputil"
)

// Handlers はルーターに登録するハンドラ一式。
type Handlers struct {
	Access *AccessHandler
	Key    *KeyHandler
	Relay  *RelayHandler
	Record *RecordHandler
	Audit  *AuditHandler
}

// RouterConfig はルーターの設定。
type RouterConfig struct {
	// Limiter はリレーとレコードのエンドポイントに適用する。nil なら制限しない。
	Limiter      *middleware.RateLimiter
	RelayTimeout time.Duration
}

// NewRouter はルーターを生成する。
func NewRouter(h Handlers, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// ルート定義
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.RequirePrincipal)

		r.Route("/principals", func(r chi.Router) {
			r.Post("/", h.Access.RegisterPrincipal)
			r.Get("/", h.Access.ListPrincipals)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.Access.GetPrincipal)
				r.Delete("/", h.Access.RemovePrincipal)
				r.Put("/bindings/{scope}", h.Access.Bind)
				r.Delete("/bindings/{scope}", h.Access.Unbind)
				r.Get("/grants", h.Access.ListGrants)
				r.Get("/grants/{class}/{version}", h.Access.FetchGrant)
			})
		})
		r.Get("/bindings", h.Access.ListBindings)

		r.Route("/classes", func(r chi.Router) {
			r.Get("/", h.Key.ListClasses)
			r.Route("/{class}", func(r chi.Router) {
				r.Post("/init", h.Key.InitClass)
				r.Post("/rotate", h.Key.Rotate)
				r.Post("/abort", h.Key.Abort)
				r.Get("/versions", h.Key.ListVersions)
				r.Get("/rotations", h.Key.ListRotations)
			})
		})
		r.Get("/rotations/{id}", h.Key.GetRotation)

		r.Group(func(r chi.Router) {
			if cfg.Limiter != nil {
				r.Use(cfg.Limiter.Handler)
			}
			if cfg.RelayTimeout > 0 {
				r.Use(chimiddleware.Timeout(cfg.RelayTimeout))
			}
			r.Route("/relay/{class}", func(r chi.Router) {
				r.Post("/envelopes", h.Relay.Push)
				r.Get("/envelopes", h.Relay.Pull)
				r.Get("/head", h.Relay.Head)
			})
			r.Post("/records/{class}/encrypt", h.Record.Encrypt)
			r.Post("/records/{class}/decrypt", h.Record.Decrypt)
		})

		r.Route("/audit", func(r chi.Router) {
			r.Get("/", h.Audit.List)
			r.Get("/verify", h.Audit.Verify)
			r.Post("/resume", h.Audit.Resume)
		})
	})

	return otelhttp.NewHandler(r, "keysync-service")
}
