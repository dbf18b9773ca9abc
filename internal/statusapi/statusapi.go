// Package statusapi exposes a read-only HTTP surface reporting
// project/intent/lock state for editor integrations and dashboards. It
// never mutates state: every handler reads through the locator and state
// store only.
package statusapi

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/bloomworks/bloom/internal/config"
	"github.com/bloomworks/bloom/internal/errs"
	"github.com/bloomworks/bloom/internal/locator"
	"github.com/bloomworks/bloom/internal/model"
	"github.com/bloomworks/bloom/internal/statestore"
)

// Server is the status API's HTTP handler.
type Server struct {
	cfg    *config.Config
	router chi.Router
}

// NewServer builds a Server wired to cfg's StatusAPI settings.
func NewServer(cfg *config.Config) *Server {
	s := &Server{cfg: cfg}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(time.Duration(s.cfg.StatusAPI.RequestTimeout) * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.StatusAPI.AllowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Route("/v1/projects/{root}/intents", func(r chi.Router) {
		r.Get("/", s.handleListIntents)
		r.Get("/{id}", s.handleGetIntent)
	})

	s.router = r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type intentSummary struct {
	Folder    string `json:"folder"`
	UUID      string `json:"uuid"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Locked    bool   `json:"locked"`
	LockedBy  string `json:"locked_by,omitempty"`
	Operation string `json:"operation,omitempty"`
}

func (s *Server) handleListIntents(w http.ResponseWriter, r *http.Request) {
	rootParam := chi.URLParam(r, "root")
	root, err := locator.Locate(rootParam)
	if err != nil {
		writeTypedError(w, err)
		return
	}

	var summaries []intentSummary
	for _, kind := range []model.Kind{model.KindDev, model.KindDoc} {
		dir := root.IntentsDir(kind)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			statePath := filepath.Join(dir, e.Name(), kind.StateFileName())
			st, err := statestore.Load(statePath)
			if err != nil {
				continue
			}
			summaries = append(summaries, intentSummary{
				Folder: e.Name(), UUID: st.UUID, Name: st.Name,
				Type: string(st.Type), Status: string(st.Status),
				Locked: st.Locked, LockedBy: st.LockedBy, Operation: st.Operation,
			})
		}
	}

	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	rootParam := chi.URLParam(r, "root")
	id := chi.URLParam(r, "id")

	root, err := locator.Locate(rootParam)
	if err != nil {
		writeTypedError(w, err)
		return
	}

	dir, kind, err := locator.LocateIntent(root, id)
	if err != nil {
		writeTypedError(w, err)
		return
	}

	st, err := statestore.Load(filepath.Join(dir, kind.StateFileName()))
	if err != nil {
		writeTypedError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeTypedError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.IntentNotFound, errs.ProjectNotFound, errs.StageNotFound:
		status = http.StatusNotFound
	case errs.AlreadyLocked:
		status = http.StatusConflict
	case errs.IntentAmbiguous, errs.InvalidState, errs.InvalidProtocol:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
