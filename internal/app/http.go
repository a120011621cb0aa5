package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dealmirror/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	hub        *EventHub // nil disables /ws
	corsOrigin string
	syncToken  string
}

func NewHTTPServer(service *Service, corsOrigin, syncToken string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, syncToken: syncToken}
}

func (s *HTTPServer) WithEventHub(hub *EventHub) *HTTPServer {
	s.hub = hub
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/ws" {
		if s.hub == nil {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		s.hub.HandleWS(w, r)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/sync" {
		if !s.authorizeSync(r) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		started := s.service.TriggerSync()
		if !started {
			writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "status": "already_running"})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "status": "started"})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/phones/revalidate" {
		if !s.authorizeSync(r) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		s.service.TriggerPhoneRevalidation()
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "status": "started"})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/deals" {
		s.handleListDeals(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/contacts" {
		contacts, err := s.service.ListContacts(r.Context())
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"contacts": contacts})
		return
	}

	if r.Method == http.MethodDelete {
		parts := splitPath(r.URL.Path)
		if len(parts) == 3 && parts[0] == "api" && parts[1] == "contacts" {
			id, err := strconv.ParseInt(parts[2], 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_ID", "Contact id must be numeric", nil)
				return
			}
			if err := s.service.DeleteContact(r.Context(), id); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/filters" {
		filters, err := s.service.Filters(r.Context())
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, filters)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/sync/status" {
		writeJSON(w, http.StatusOK, map[string]any{"syncing": s.service.Syncing()})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleListDeals(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	page, _ := strconv.Atoi(query.Get("page"))
	limit, _ := strconv.Atoi(query.Get("limit"))

	var filter store.DealFilter
	if raw := query.Get("pipelineId"); raw != "" {
		pipelineID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_FILTER", "pipelineId must be numeric", nil)
			return
		}
		filter.PipelineID = &pipelineID
	}
	filter.StageID = query.Get("stageId")
	filter.Search = strings.TrimSpace(query.Get("search"))

	writeJSON(w, http.StatusOK, s.service.ListDeals(r.Context(), filter, page, limit))
}

func (s *HTTPServer) authorizeSync(r *http.Request) bool {
	if s.syncToken == "" {
		return true
	}
	return strings.TrimSpace(r.Header.Get("X-Sync-Token")) == s.syncToken
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The websocket upgrade needs the raw connection. A wrapped
		// writer hides the Hijacker, so /ws skips the middleware.
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Sync-Token, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
