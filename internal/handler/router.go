package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/studynotes/internal/auth"
	"github.com/hitoshi/studynotes/internal/metrics"
	"github.com/hitoshi/studynotes/internal/middleware"
	"github.com/hitoshi/studynotes/internal/upload"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	PrincipalResolver middleware.PrincipalResolver
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger
	MetricsRecorder   middleware.HTTPMetricsRecorder
	Gatherer          prometheus.Gatherer

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig
	Providers   map[string]auth.OAuthProvider
	Uploads     UploadSaver
	AuthMetrics AuthMetrics

	// ノート
	NoteService NoteServiceInterface
	NoteMetrics NoteMetrics

	// 静的配信・ヘルスチェック
	UploadDir   string
	HealthCheck func(ctx context.Context) error
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Logging → Metrics
//
// セッション必須のルートはさらに Session → RateLimit(General) を通る。
// 未認証の認証エンドポイントにはIP単位のレート制限を適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewMetricsMiddleware(deps.MetricsRecorder))

	authHandler := NewAuthHandler(deps.AuthService, deps.Providers, deps.Uploads, deps.AuthMetrics, deps.AuthConfig)
	noteHandler := NewNoteHandler(deps.NoteService, deps.NoteMetrics)

	sessionMiddleware := middleware.NewSessionMiddleware(deps.PrincipalResolver)

	r.Route("/api/auth", func(r chi.Router) {
		// --- 認証不要のルート（IP単位のレート制限つき） ---
		authLimited := r.With(deps.RateLimiter.AuthMiddleware())
		authLimited.Post("/register", authHandler.Register)
		authLimited.Post("/login", authHandler.Login)
		authLimited.Get("/{provider}", authHandler.StartOAuth)

		r.Get("/{provider}/callback", authHandler.OAuthCallback)
		r.Get("/logout", authHandler.Logout)
		r.Get("/status", authHandler.Status)

		// --- セッション必須のルート ---
		r.Group(func(r chi.Router) {
			r.Use(sessionMiddleware)
			r.Use(deps.RateLimiter.GeneralMiddleware())

			r.Post("/change-password", authHandler.ChangePassword)
			r.Post("/profile-picture", authHandler.ProfilePicture)
		})
	})

	// ノート管理（セッション必須）
	r.Group(func(r chi.Router) {
		r.Use(sessionMiddleware)
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/api/notes", func(r chi.Router) {
			r.Get("/", noteHandler.List)
			r.Post("/", noteHandler.Create)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", noteHandler.Get)
				r.Put("/", noteHandler.Update)
				r.Delete("/", noteHandler.Delete)
			})
		})
	})

	// アップロード済みファイルの静的配信
	if deps.UploadDir != "" {
		fileServer := http.StripPrefix(upload.URLPrefix, http.FileServer(http.Dir(deps.UploadDir)))
		r.Handle("/uploads/*", fileServer)
	}

	// 運用エンドポイント
	r.Get("/healthz", healthzHandler(deps.HealthCheck))
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	return r
}

// healthzHandler は死活監視エンドポイントのハンドラーを返す。
// checkがnilでなければDB疎通などの確認を行う。
func healthzHandler(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(r.Context()); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
