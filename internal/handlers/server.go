package handlers

import (
	"log/slog"
	"net/http"

	"github.com/subflow-platform/importer-api/internal/audit"
	"github.com/subflow-platform/importer-api/internal/config"
	"github.com/subflow-platform/importer-api/internal/httpx"
	"github.com/subflow-platform/importer-api/internal/importer"
	"github.com/subflow-platform/importer-api/internal/store"
)

type Server struct {
	Config   config.Config
	Commerce store.Commerce
	Runs     store.Runs
	Audit    *audit.Logger
	Logger   *slog.Logger
	Executor *importer.Executor
}

func NewServer(cfg config.Config, commerce store.Commerce, runs store.Runs, auditLogger *audit.Logger, logger *slog.Logger) *Server {
	return &Server{
		Config:   cfg,
		Commerce: commerce,
		Runs:     runs,
		Audit:    auditLogger,
		Logger:   logger,
		Executor: importer.NewExecutor(commerce, cfg.AdminBaseURL, logger),
	}
}

func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
