// Package admin exposes the engine's trigger and introspection surface over
// HTTP. The upstream CRUD service calls the routine triggers; operators use
// the rest.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/KUIT-MORU/KUIT-MORU-Server-sub000/internal/schedule"
	"github.com/KUIT-MORU/KUIT-MORU-Server-sub000/internal/store"
)

const (
	codeUnauthorized     = "unauthorized"
	codeMethodNotAllowed = "method_not_allowed"
	codeNotFound         = "not_found"
	codeInvalidBody      = "invalid_body"
	codeRoutineNotFound  = "routine_not_found"
	codeStoreUnavailable = "store_unavailable"

	maxBodyBytes = 64 << 10
)

// Engine is the slice of the delivery engine the admin surface needs.
type Engine interface {
	OnRoutineCreated(ctx context.Context, routineID string) error
	OnRoutineUpdated(ctx context.Context, routineID string) error
	OnRoutineDeleted(ctx context.Context, routineID string) error
	EnqueueAdhoc(ctx context.Context, msg store.Message) error
	RunDailySweep(ctx context.Context)
	Stats(ctx context.Context) (store.Stats, error)
}

type Authorizer func(r *http.Request) bool

// BearerTokenAuthorizer authorizes requests carrying one of the given tokens
// as "Authorization: Bearer <token>". Comparison is constant-time.
func BearerTokenAuthorizer(tokens [][]byte) Authorizer {
	allowed := make([][]byte, 0, len(tokens))
	for _, t := range tokens {
		if len(t) == 0 {
			continue
		}
		cp := make([]byte, len(t))
		copy(cp, t)
		allowed = append(allowed, cp)
	}

	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return false
		}
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			return false
		}
		presented := []byte(strings.TrimSpace(header[len(prefix):]))
		for _, token := range allowed {
			if len(presented) == len(token) && subtle.ConstantTimeCompare(presented, token) == 1 {
				return true
			}
		}
		return false
	}
}

// BasicAuthAuthorizer accepts a single username/password pair, for
// deployments fronted by tooling that cannot set bearer tokens.
func BasicAuthAuthorizer(username, password string) Authorizer {
	expected := []byte(base64.StdEncoding.EncodeToString([]byte(username + ":" + password)))
	return func(r *http.Request) bool {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		const prefix = "Basic "
		if !strings.HasPrefix(header, prefix) {
			return false
		}
		presented := []byte(strings.TrimSpace(header[len(prefix):]))
		return len(presented) == len(expected) && subtle.ConstantTimeCompare(presented, expected) == 1
	}
}

type Server struct {
	Engine    Engine
	Authorize Authorizer
}

func NewServer(engine Engine) *Server {
	return &Server{Engine: engine}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cleanPath := path.Clean(r.URL.Path)

	// Health stays reachable without credentials.
	if cleanPath == "/healthz" {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if s.Authorize != nil && !s.Authorize(r) {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "request is not authorized")
		return
	}

	if strings.HasPrefix(cleanPath, "/v1/routines/") {
		s.handleRoutineTrigger(w, r, cleanPath)
		return
	}

	switch cleanPath {
	case "/v1/stats":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleStats(w, r)
	case "/v1/messages":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		s.handleAdhocMessage(w, r)
	case "/v1/sweep":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		s.Engine.RunDailySweep(r.Context())
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "sweep_started"})
	default:
		writeError(w, http.StatusNotFound, codeNotFound, "resource was not found")
	}
}

// handleRoutineTrigger serves POST /v1/routines/{id}/{created|updated|deleted}.
func (s *Server) handleRoutineTrigger(w http.ResponseWriter, r *http.Request, cleanPath string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, http.MethodPost)
		return
	}

	rest := strings.TrimPrefix(cleanPath, "/v1/routines/")
	routineID, event, ok := strings.Cut(rest, "/")
	if !ok || routineID == "" || strings.Contains(event, "/") {
		writeError(w, http.StatusNotFound, codeNotFound, "resource was not found")
		return
	}

	var err error
	switch event {
	case "created":
		err = s.Engine.OnRoutineCreated(r.Context(), routineID)
	case "updated":
		err = s.Engine.OnRoutineUpdated(r.Context(), routineID)
	case "deleted":
		err = s.Engine.OnRoutineDeleted(r.Context(), routineID)
	default:
		writeError(w, http.StatusNotFound, codeNotFound, "resource was not found")
		return
	}

	if err != nil {
		if errors.Is(err, schedule.ErrRoutineNotFound) {
			writeError(w, http.StatusNotFound, codeRoutineNotFound, err.Error())
			return
		}
		writeError(w, http.StatusServiceUnavailable, codeStoreUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"routine": routineID,
		"event":   event,
	})
}

type adhocMessageRequest struct {
	RoutineID     string `json:"routine_id,omitempty"`
	RoutineTitle  string `json:"routine_title,omitempty"`
	RecipientID   string `json:"recipient_id"`
	RecipientName string `json:"recipient_name,omitempty"`
	Body          string `json:"body,omitempty"`
	DeviceToken   string `json:"device_token"`
	ScheduledAt   string `json:"scheduled_at"`
}

func (s *Server) handleAdhocMessage(w http.ResponseWriter, r *http.Request) {
	var req adhocMessageRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidBody, err.Error())
		return
	}

	at, err := time.Parse(time.RFC3339, strings.TrimSpace(req.ScheduledAt))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidBody, fmt.Sprintf("invalid scheduled_at: %v", err))
		return
	}

	msg := store.Message{
		RoutineID:     req.RoutineID,
		RoutineTitle:  req.RoutineTitle,
		RecipientID:   req.RecipientID,
		RecipientName: req.RecipientName,
		Body:          req.Body,
		DeviceToken:   req.DeviceToken,
		ScheduledAt:   at,
	}
	if err := s.Engine.EnqueueAdhoc(r.Context(), msg); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidBody, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"key":    msg.Key(),
		"status": "enqueued",
	})
}

type statsQueueResponse struct {
	Depth       int    `json:"depth"`
	EarliestDue string `json:"earliest_due,omitempty"`
}

type statsResponse struct {
	Queues          map[string]statsQueueResponse `json:"queues"`
	IndexedRoutines int                           `json:"indexed_routines"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Engine.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, codeStoreUnavailable, err.Error())
		return
	}

	resp := statsResponse{
		Queues:          make(map[string]statsQueueResponse, len(stats.Queues)),
		IndexedRoutines: stats.IndexedRoutines,
	}
	for q, qs := range stats.Queues {
		out := statsQueueResponse{Depth: qs.Depth}
		if !qs.EarliestDue.IsZero() {
			out.EarliestDue = qs.EarliestDue.UTC().Format(time.RFC3339)
		}
		resp.Queues[string(q)] = out
	}
	writeJSON(w, http.StatusOK, resp)
}

type errorResponse struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	code = strings.TrimSpace(code)
	if code == "" {
		code = codeInvalidBody
	}
	detail = strings.TrimSpace(detail)
	if detail == "" {
		detail = http.StatusText(status)
	}
	writeJSON(w, status, errorResponse{Code: code, Detail: detail})
}

func writeMethodNotAllowed(w http.ResponseWriter, expected string) {
	writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, fmt.Sprintf("method must be %s", expected))
}
