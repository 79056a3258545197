package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/andresmejia3/veil/internal/pipeline"
	"github.com/go-chi/chi/v5"
)

func NewRouter(cfg ServerConfig, reg *Registry) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/health", healthHandler(cfg, reg))

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", startHandler(cfg, reg))
		r.Get("/", listSessionsHandler(reg))
		r.Get("/{id}", getSessionHandler(reg))
		r.Delete("/{id}", deleteSessionHandler(reg))
		r.Post("/{id}/cancel", cancelHandler(reg))
		r.Post("/{id}/tracks/{track}/exclude", excludeHandler(reg))
	})

	if cfg.History != nil {
		r.Get("/history", historyHandler(cfg))
		r.Get("/history/{id}/tracks", historyTracksHandler(cfg))
	}

	return r
}

func healthHandler(cfg ServerConfig, reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:   "ok",
			Version:  cfg.Version,
			UptimeS:  int64(time.Since(cfg.StartTime).Seconds()),
			Sessions: len(reg.List()),
		})
	}
}

func startHandler(cfg ServerConfig, reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req StartRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if err := req.Validate(); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}

		// The session outlives the request.
		sess, err := cfg.Launcher.Launch(context.WithoutCancel(r.Context()), req)
		if err != nil {
			WriteError(w, http.StatusUnprocessableEntity, err.Error(), "LAUNCH_FAILED")
			return
		}
		reg.Add(sess)
		cfg.Logger.Info("session started", "session", sess.ID, "input", req.Input)
		WriteJSON(w, http.StatusAccepted, StartResponse{SessionID: sess.ID})
	}
}

func listSessionsHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions := reg.List()
		resp := SessionsResponse{Sessions: make([]SessionResponse, len(sessions))}
		for i, s := range sessions {
			resp.Sessions[i] = SessionToResponse(s)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// lookup resolves {id} or writes a 404.
func lookup(w http.ResponseWriter, r *http.Request, reg *Registry) (*pipeline.Session, bool) {
	s, ok := reg.Get(chi.URLParam(r, "id"))
	if !ok {
		WriteError(w, http.StatusNotFound, "session not found", "NOT_FOUND")
	}
	return s, ok
}

func getSessionHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := lookup(w, r, reg)
		if !ok {
			return
		}
		WriteJSON(w, http.StatusOK, SessionToResponse(s))
	}
}

func cancelHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := lookup(w, r, reg)
		if !ok {
			return
		}
		s.Cancel()
		WriteJSON(w, http.StatusAccepted, SessionToResponse(s))
	}
}

func excludeHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := lookup(w, r, reg)
		if !ok {
			return
		}
		trackID, err := strconv.Atoi(chi.URLParam(r, "track"))
		if err != nil || trackID <= 0 {
			WriteError(w, http.StatusBadRequest, "track id must be a positive integer", "BAD_REQUEST")
			return
		}
		if s.State().Terminal() {
			WriteError(w, http.StatusConflict, "session already finished", "CONFLICT")
			return
		}
		s.Exclude(trackID)
		w.WriteHeader(http.StatusAccepted)
	}
}

func deleteSessionHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := lookup(w, r, reg)
		if !ok {
			return
		}
		select {
		case <-s.Done():
		default:
			WriteError(w, http.StatusConflict, "session still running; cancel it first", "CONFLICT")
			return
		}
		reg.Remove(s.ID)
		w.WriteHeader(http.StatusNoContent)
	}
}

func historyHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				WriteError(w, http.StatusBadRequest, "limit must be a positive integer", "BAD_REQUEST")
				return
			}
			limit = n
		}
		records, err := cfg.History.ListSessions(r.Context(), limit)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list sessions", "INTERNAL_ERROR")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"sessions": records})
	}
}

func historyTracksHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		intervals, err := cfg.History.GetSessionIntervals(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"tracks": intervals})
	}
}
