package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/wudi/admission/internal/container"
	"github.com/wudi/admission/internal/deploy"
	apierrors "github.com/wudi/admission/internal/errors"
	"go.uber.org/zap"
)

// adminHandler creates the admin API handler
func (s *Server) adminHandler() http.Handler {
	r := httprouter.New()

	r.Handler(http.MethodGet, "/metrics", s.metrics.Handler())
	r.GET("/healthz", s.handleHealth)
	r.GET("/readyz", s.handleReady)

	r.GET("/contexts", s.handleContexts)
	r.POST("/hosts/:host/contexts/:action", s.handleContextAction)

	r.GET("/listeners", s.handleListeners)

	r.POST("/reload", s.handleReload)
	r.GET("/reload/status", s.handleReloadStatus)

	r.NotFound = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		apierrors.ErrNotFound.WriteJSON(w)
	})
	r.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		apierrors.ErrMethodNotAllowed.WriteJSON(w)
	})
	r.PanicHandler = func(w http.ResponseWriter, req *http.Request, v any) {
		s.logger.Error("admin handler panic", zap.String("path", req.URL.Path), zap.Any("panic", v))
		apierrors.ErrInternalServer.WriteJSON(w)
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   s.opts.Version,
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.startTime).String(),
	})
}

// handleReady reports whether the server accepts exchanges and its session
// stores respond.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	checks := map[string]string{"listeners": "ok", "session_store": "ok"}
	ready := s.ready.Load()
	if !ready {
		checks["listeners"] = "not started"
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deployer.Ping(ctx); err != nil {
		checks["session_store"] = err.Error()
		ready = false
	}

	status, text := http.StatusOK, "ready"
	if !ready {
		status, text = http.StatusServiceUnavailable, "not ready"
	}
	writeJSON(w, status, map[string]any{"status": text, "checks": checks})
}

func (s *Server) handleContexts(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	status := s.deployer.Status()
	if status == nil {
		status = []deploy.ContextStatus{}
	}
	writeJSON(w, http.StatusOK, status)
}

// handleContextAction pauses or resumes the context version named by the
// path and version query parameters.
func (s *Server) handleContextAction(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	host := ps.ByName("host")
	q := r.URL.Query()
	name := container.ContextName(q.Get("path"), q.Get("version"))

	var err error
	switch ps.ByName("action") {
	case "pause":
		err = s.deployer.Pause(host, name)
	case "resume":
		err = s.deployer.Resume(host, name)
	default:
		apierrors.ErrNotFound.WriteJSON(w)
		return
	}
	if errors.Is(err, deploy.ErrUnknownContext) {
		apierrors.ErrNotFound.WithDetails(err.Error()).WriteJSON(w)
		return
	}
	if err != nil {
		apierrors.ErrInternalServer.WithDetails(err.Error()).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"host":    host,
		"context": name,
		"paused":  ps.ByName("action") == "pause",
	})
}

func (s *Server) handleListeners(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	out := make([]map[string]any, 0, s.manager.Count())
	for _, id := range s.manager.List() {
		l, ok := s.manager.Get(id)
		if !ok {
			continue
		}
		entry := map[string]any{"id": id, "address": l.Addr()}
		if hl, ok := l.(interface{ HTTP3Enabled() bool }); ok {
			entry["http3"] = hl.HTTP3Enabled()
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReload(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	result := s.ReloadConfig()
	status := http.StatusOK
	if !result.Success {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, result)
}

func (s *Server) handleReloadStatus(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]any{
		"history": s.ReloadHistory(),
	})
}
