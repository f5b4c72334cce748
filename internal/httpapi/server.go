// Package httpapi exposes the controller over a local JSON API. It is
// the surface a desktop frontend talks to.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"deskagent/internal/capability"
	"deskagent/internal/controller"
	"deskagent/internal/session"
	"deskagent/internal/storage"
)

type Server struct {
	ctl    *controller.Controller
	logger zerolog.Logger
	mux    *http.ServeMux
}

type Config struct {
	Controller  *controller.Controller
	Logger      zerolog.Logger
	HealthPath  string
	MetricsPath string
}

func NewServer(cfg Config) *Server {
	s := &Server{
		ctl:    cfg.Controller,
		logger: cfg.Logger,
		mux:    http.NewServeMux(),
	}

	healthPath := cfg.HealthPath
	if healthPath == "" {
		healthPath = "/healthz"
	}
	metricsPath := cfg.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}

	s.mux.HandleFunc("GET "+healthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.mux.Handle("GET "+metricsPath, promhttp.Handler())

	s.mux.HandleFunc("POST /v1/chat", s.handleChat)
	s.mux.HandleFunc("POST /v1/scrape", s.handleScrape)
	s.mux.HandleFunc("POST /v1/analyze", s.handleAnalyze)
	s.mux.HandleFunc("GET /v1/history", s.handleHistory)
	s.mux.HandleFunc("POST /v1/forget", s.handleForget)
	s.mux.HandleFunc("GET /v1/session", s.handleSession)
	s.mux.HandleFunc("POST /v1/session/reset", s.handleReset)
	s.mux.HandleFunc("GET /v1/config", s.handleGetConfig)
	s.mux.HandleFunc("PUT /v1/config/default-provider", s.handleSetDefaultProvider)
	s.mux.HandleFunc("PUT /v1/config/providers/{name}", s.handleSetProvider)
	s.mux.HandleFunc("PUT /v1/config/preferences", s.handleSetPreference)
	s.mux.HandleFunc("PUT /v1/credentials/{provider}", s.handleSetCredential)
	s.mux.HandleFunc("DELETE /v1/credentials/{provider}", s.handleDeleteCredential)
	s.mux.HandleFunc("GET /v1/export", s.handleExport)
	s.mux.HandleFunc("POST /v1/import", s.handleImport)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

type recordResponse struct {
	Record       any    `json:"record"`
	PersistError string `json:"persist_error,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Provider string `json:"provider"`
		Prompt   string `json:"prompt"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	s.dispatch(w, r, controller.Action{
		Name:     controller.ActionChat,
		Provider: body.Provider,
		Prompt:   body.Prompt,
	})
}

func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	s.dispatch(w, r, controller.Action{Name: controller.ActionScrape, URL: body.URL})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DatasetRef string            `json:"dataset_ref"`
		Operation  string            `json:"operation"`
		Params     map[string]string `json:"params"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	s.dispatch(w, r, controller.Action{
		Name:       controller.ActionAnalyze,
		DatasetRef: body.DatasetRef,
		Operation:  body.Operation,
		Params:     body.Params,
	})
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, act controller.Action) {
	rec, err := s.ctl.Dispatch(r.Context(), act)

	var pe *controller.PersistenceError
	if errors.As(err, &pe) {
		// The capability's work is returned even though it was not
		// stored; the client sees both the result and the failure.
		s.writeJSON(w, http.StatusOK, recordResponse{Record: rec, PersistError: pe.Error()})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, recordResponse{Record: rec})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	kind := storage.Kind(r.URL.Query().Get("kind"))
	scope := session.Scope(r.URL.Query().Get("scope"))
	if scope == "" {
		scope = session.ScopeCurrent
	}
	recs, err := s.ctl.History(r.Context(), kind, scope)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

func (s *Server) handleForget(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Target string `json:"target"`
		Scope  string `json:"scope"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if body.Scope == "" {
		body.Scope = string(session.ScopeCurrent)
	}
	if err := s.ctl.Forget(r.Context(), body.Target, session.Scope(body.Scope)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "forgotten"})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"session_id": s.ctl.ActiveSession()})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id, err := s.ctl.ResetSession(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"session_id": id})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	view, err := s.ctl.Configuration(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleSetDefaultProvider(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Provider string `json:"provider"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if err := s.ctl.SetDefaultProvider(r.Context(), body.Provider); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"default_provider": body.Provider})
}

func (s *Server) handleSetProvider(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var settings storage.ProviderSettings
	if !s.decode(w, r, &settings) {
		return
	}
	if err := s.ctl.SetProvider(r.Context(), name, settings); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"provider": name})
}

func (s *Server) handleSetPreference(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if err := s.ctl.SetPreference(r.Context(), body.Key, body.Value); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"key": body.Key})
}

func (s *Server) handleSetCredential(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	var body struct {
		Secret string `json:"secret"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if err := s.ctl.SetCredential(r.Context(), provider, body.Secret); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"provider": provider})
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	if err := s.ctl.DeleteCredential(r.Context(), provider); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"provider": provider})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	snap, err := s.ctl.Export(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	replace, _ := strconv.ParseBool(r.URL.Query().Get("replace"))
	var snap storage.Snapshot
	if !s.decode(w, r, &snap) {
		return
	}
	if err := s.ctl.Import(r.Context(), snap, replace); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "imported"})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<20))
	if err := dec.Decode(dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json body", Kind: "validation"})
		return false
	}
	return true
}

// writeError maps the typed error taxonomy to status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		provErr  *capability.ProviderError
		fetchErr *capability.FetchError
		parseErr *capability.ParseError
		dataErr  *capability.DataFormatError
		storErr  *session.StorageError
	)
	switch {
	case errors.Is(err, controller.ErrBusy):
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Kind: "busy"})
	case errors.Is(err, controller.ErrUnknownAction):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: "unknown_action"})
	case errors.Is(err, controller.ErrUnknownProvider),
		errors.Is(err, session.ErrInvalidScope),
		errors.Is(err, session.ErrInvalidTarget),
		errors.Is(err, session.ErrInvalidKind),
		errors.Is(err, storage.ErrUnknownKind),
		errors.Is(err, storage.ErrUnknownSession):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: "validation"})
	case errors.Is(err, capability.ErrInvalidCredential):
		s.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error(), Kind: "invalid_credential"})
	case errors.As(err, &fetchErr):
		s.writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error(), Kind: "fetch"})
	case errors.As(err, &provErr):
		s.writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error(), Kind: "provider"})
	case errors.As(err, &parseErr):
		s.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Kind: "parse"})
	case errors.As(err, &dataErr):
		s.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Kind: "data_format"})
	case errors.As(err, &storErr):
		s.logger.Error().Err(err).Msg("storage failure")
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error(), Kind: "storage"})
	default:
		s.logger.Error().Err(err).Msg("unhandled error")
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error(), Kind: "internal"})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("encode response")
	}
}

// NewHTTPServer wraps the handler in a server with sane timeouts.
func NewHTTPServer(addr string, handler http.Handler, readTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       readTimeout,
	}
}
