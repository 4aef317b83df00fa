package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/forgepulse/forgepulse/internal/event"
	"github.com/forgepulse/forgepulse/internal/progress"
	"github.com/forgepulse/forgepulse/internal/report"
	"github.com/forgepulse/forgepulse/internal/session"
	"github.com/forgepulse/forgepulse/internal/trend"
)

// Handler is the HTTP handler for all /api/v1/* endpoints.
type Handler struct {
	registry   *session.Registry
	aggregator *progress.Aggregator
	trends     *trend.Engine
	composer   *report.Composer
	mux        *http.ServeMux
}

// New creates a Handler wired to the core components and registers all
// routes. auth guards the mutating endpoints; pass a pass-through middleware
// when auth mode is "none".
func New(reg *session.Registry, agg *progress.Aggregator, trends *trend.Engine, composer *report.Composer, auth Middleware) http.Handler {
	h := &Handler{
		registry:   reg,
		aggregator: agg,
		trends:     trends,
		composer:   composer,
		mux:        http.NewServeMux(),
	}

	h.mux.HandleFunc("/api/v1/health", h.quickHealth)
	h.mux.HandleFunc("/api/v1/health/report", h.fullReport)
	h.mux.HandleFunc("/api/v1/health/trends/", h.serviceTrend) // subtree — extracts {service}
	h.mux.HandleFunc("/api/v1/sessions", auth.forMethods(h.sessions, http.MethodPost))
	h.mux.HandleFunc("/api/v1/sessions/", auth.forMethods(h.sessionByID, http.MethodDelete))
	h.mux.Handle("/api/v1/events/progress", auth(http.HandlerFunc(h.ingestProgress)))
	h.mux.Handle("/api/v1/events/task", auth(http.HandlerFunc(h.ingestTask)))

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- health routes ----------------------------------------------------------

// quickHealth returns GET /api/v1/health — {status, summary} without a probe
// cycle.
func (h *Handler) quickHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, h.composer.Quick())
}

// fullReport returns GET /api/v1/health/report — the composed report.
func (h *Handler) fullReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, h.composer.Compose())
}

// serviceTrend returns GET /api/v1/health/trends/{service} —
// {direction, confidence, sampleCount}.
func (h *Handler) serviceTrend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/api/v1/health/trends/")
	if name == "" {
		jsonErr(w, http.StatusBadRequest, "service name is required")
		return
	}
	t, err := h.trends.TrendFor(name)
	if errors.Is(err, trend.ErrUnknownService) {
		jsonErr(w, http.StatusNotFound, "service not found")
		return
	}
	jsonResp(w, http.StatusOK, t)
}

// --- session routes ---------------------------------------------------------

// sessions handles GET (list) and POST (create) on /api/v1/sessions.
func (h *Handler) sessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		jsonResp(w, http.StatusOK, h.registry.List())
	case http.MethodPost:
		var req createSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonErr(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if req.SessionID == "" {
			req.SessionID = uuid.NewString()
		}
		s, err := h.registry.Create(req.SessionID, req.UserID, req.ArtifactName)
		if errors.Is(err, session.ErrAlreadyExists) {
			jsonErr(w, http.StatusConflict, "session already exists")
			return
		}
		if err != nil {
			jsonErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		jsonResp(w, http.StatusCreated, s)
	default:
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// sessionByID handles GET and DELETE on /api/v1/sessions/{id}.
func (h *Handler) sessionByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/")
	if id == "" {
		h.sessions(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s, err := h.registry.Get(id)
		if errors.Is(err, session.ErrNotFound) {
			jsonErr(w, http.StatusNotFound, "session not found")
			return
		}
		jsonResp(w, http.StatusOK, s)

	case http.MethodDelete:
		var req terminateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Reason == "" {
			req.Reason = "cancelled by caller"
		}
		err := h.registry.Terminate(id, session.StatusCancelled, req.Reason)
		switch {
		case errors.Is(err, session.ErrNotFound):
			jsonErr(w, http.StatusNotFound, "session not found")
		case errors.Is(err, session.ErrTerminal):
			jsonErr(w, http.StatusConflict, "session is already terminal")
		case err != nil:
			jsonErr(w, http.StatusInternalServerError, err.Error())
		default:
			jsonResp(w, http.StatusOK, acceptedResponse{Accepted: true})
		}

	default:
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// --- event ingestion --------------------------------------------------------

// ingestProgress handles POST /api/v1/events/progress from pipeline workers.
func (h *Handler) ingestProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var ev event.ProgressEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid progress event: "+err.Error())
		return
	}

	err := h.aggregator.ApplyProgressEvent(&ev)
	switch {
	case errors.Is(err, progress.ErrInvalidTransition):
		jsonErr(w, http.StatusConflict, err.Error())
	case err != nil:
		slog.Warn("rejected progress event", "session", ev.SessionID, "err", err)
		jsonErr(w, http.StatusBadRequest, err.Error())
	default:
		jsonResp(w, http.StatusAccepted, acceptedResponse{Accepted: true})
	}
}

// ingestTask handles POST /api/v1/events/task from pipeline agents.
func (h *Handler) ingestTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var ev event.TaskEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid task event: "+err.Error())
		return
	}

	err := h.aggregator.ApplyTaskEvent(&ev)
	switch {
	case errors.Is(err, progress.ErrRetryExhausted):
		// The forced failure was applied and published; tell the producer.
		jsonResp(w, http.StatusAccepted, acceptedResponse{
			Accepted:      true,
			ForcedFailure: true,
			Error:         err.Error(),
		})
	case errors.Is(err, progress.ErrUnknownSession):
		jsonErr(w, http.StatusNotFound, err.Error())
	case errors.Is(err, progress.ErrInvalidTransition):
		jsonErr(w, http.StatusConflict, err.Error())
	case err != nil:
		slog.Warn("rejected task event", "session", ev.SessionID, "err", err)
		jsonErr(w, http.StatusBadRequest, err.Error())
	default:
		jsonResp(w, http.StatusAccepted, acceptedResponse{Accepted: true})
	}
}

// --- helpers ----------------------------------------------------------------

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
