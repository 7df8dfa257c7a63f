package app

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"
	openapimiddleware "github.com/oapi-codegen/nethttp-middleware"

	"github.com/subflow-platform/importer-api/internal/audit"
	"github.com/subflow-platform/importer-api/internal/config"
	"github.com/subflow-platform/importer-api/internal/handlers"
	"github.com/subflow-platform/importer-api/internal/httpx"
	"github.com/subflow-platform/importer-api/internal/middleware"
	"github.com/subflow-platform/importer-api/internal/store"
)

func NewRouter(cfg config.Config, st *store.Postgres, logger *slog.Logger) (http.Handler, error) {
	return newRouter(cfg, st, st, st, logger)
}

func newRouter(cfg config.Config, commerce store.Commerce, runs store.Runs, auditStore audit.Store, logger *slog.Logger) (http.Handler, error) {
	if _, err := os.Stat(cfg.OpenAPIPath); err != nil {
		return nil, fmt.Errorf("openapi spec not found at %s: %w", cfg.OpenAPIPath, err)
	}

	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromFile(cfg.OpenAPIPath)
	if err != nil {
		return nil, fmt.Errorf("load openapi spec: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("validate openapi spec: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.SecurityHeaders(cfg.Env))
	r.Use(middleware.CORS(cfg.CORSAllowedOrigins))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.LimitBodyBytesWithOverrides(cfg.APIMaxBodyBytes, []middleware.BodyLimitOverride{
		// Uploads carry the whole file plus multipart overhead.
		{PathPrefix: "/imports", MaxBytes: cfg.ImportMaxFileBytes + 1024*1024},
	}))

	api := chi.NewRouter()
	api.Use(openapimiddleware.OapiRequestValidatorWithOptions(doc, &openapimiddleware.Options{
		SilenceServersWarning: true,
		ErrorHandler: func(w http.ResponseWriter, message string, statusCode int) {
			requestID := w.Header().Get("X-Request-Id")
			httpx.WriteJSON(w, statusCode, httpx.ErrorEnvelope{
				Error:     httpx.ErrorBody{Code: "validation_error", Message: message},
				RequestID: requestID,
			})
		},
	}))

	auditLogger := audit.NewLogger(auditStore)
	h := handlers.NewServer(cfg, commerce, runs, auditLogger, logger)

	authMW := middleware.AuthMiddleware{TokenHash: cfg.OperatorTokenHash}
	uploadLimiter := middleware.NewIPRateLimiterWithMaxEntries(30, time.Minute, cfg.RateLimitMaxIPs)

	api.Group(func(public chi.Router) {
		public.Get("/health", h.GetHealth)
		public.Get("/imports/templates/{template}.csv", h.GetImportTemplateCSV)
	})

	api.Group(func(protected chi.Router) {
		protected.Use(authMW.RequireOperator)
		protected.With(uploadLimiter.Middleware("Too many uploads")).Post("/imports", h.PostImports)
		protected.Post("/imports/{importId}/plan", h.PostImportsPlan)
		protected.Post("/imports/{importId}/chunks", h.PostImportsChunks)
		protected.Post("/imports/{importId}/complete", h.PostImportsComplete)
		protected.Get("/imports/{importId}", h.GetImport)
		protected.Get("/imports/{importId}/errors.csv", h.GetImportErrorsCSV)
	})

	r.Mount("/api", api)
	return r, nil
}
