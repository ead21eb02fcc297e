package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/inboxworks/convsync/internal/convsync"
)

type ServerConfig struct {
	JWTSecret    string
	MaxBodyBytes int64
}

type Server struct {
	service  *convsync.Service
	pipeline *convsync.Pipeline
	secrets  convsync.SecretSource
	cfg      ServerConfig
	log      *slog.Logger
}

func NewServer(service *convsync.Service, pipeline *convsync.Pipeline, secrets convsync.SecretSource, cfg ServerConfig, logger *slog.Logger) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if secrets == nil {
		secrets = convsync.NewStaticSecrets("dev-app-secret", "dev-verify-token")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		service:  service,
		pipeline: pipeline,
		secrets:  secrets,
		cfg:      cfg,
		log:      logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/webhook" {
		switch r.Method {
		case http.MethodGet:
			s.handleWebhookVerify(w, r)
		case http.MethodPost:
			s.handleWebhookCallback(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method", getCorrelationID(r))
		}
		return
	}
	if r.URL.Path == "/v1/ws" && r.Method == http.MethodGet {
		s.handleWebsocket(w, r)
		return
	}
	if r.URL.Path == "/v1/stats" && r.Method == http.MethodGet {
		s.handleStats(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")

	var requiredScope string
	var route string
	switch {
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "callbacks" && r.Method == http.MethodGet:
		requiredScope = "ops:read"
		route = "callback_status"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "conversations" && parts[3] == "read" && r.Method == http.MethodPost:
		requiredScope = "conversations:write"
		route = "mark_read"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "conversations" && parts[3] == "assign" && r.Method == http.MethodPost:
		requiredScope = "conversations:write"
		route = "assign"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "conversations" && parts[3] == "messages" && r.Method == http.MethodPost:
		requiredScope = "conversations:write"
		route = "send_message"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}

	switch route {
	case "callback_status":
		s.handleCallbackStatus(w, parts[2], correlationID)
	case "mark_read":
		s.handleMarkRead(w, r, claims, parts[2], correlationID)
	case "assign":
		s.handleAssign(w, r, parts[2], correlationID)
	case "send_message":
		s.handleSendMessage(w, r, parts[2], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// handleWebhookVerify answers the provider's subscription handshake: echo the
// challenge when the verify token matches, reject otherwise.
func (s *Server) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	mode := query.Get("hub.mode")
	token := query.Get("hub.verify_token")
	challenge := query.Get("hub.challenge")

	if mode != "subscribe" || token == "" || token != s.secrets.Current().VerifyToken {
		writeError(w, http.StatusForbidden, "forbidden", "verification failed", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

func (s *Server) handleWebhookCallback(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}

	if authErr := verifyCallbackSignature(s.secrets.Current().AppSecret, r.Header.Get("X-Hub-Signature-256"), body); authErr != nil {
		s.log.Warn("webhook signature rejected",
			slog.String("remote", r.RemoteAddr),
			slog.String("reason", authErr.message))
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}

	callback, err := convsync.ParseCallback(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed callback payload", correlationID)
		return
	}

	resp, err := s.pipeline.Accept(callback)
	if errors.Is(err, convsync.ErrQueueFull) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "queue_full", "ingress queue at capacity", correlationID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to accept callback", correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleCallbackStatus(w http.ResponseWriter, id, correlationID string) {
	status, err := s.pipeline.GetCallback(id)
	if errors.Is(err, convsync.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "unknown callback id", correlationID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load callback", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, claims tokenClaims, conversationID, correlationID string) {
	marked, err := s.service.MarkRead(r.Context(), conversationID, claims.OperatorID)
	switch {
	case errors.Is(err, convsync.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, "forbidden", "conversation is assigned to another operator", correlationID)
		return
	case errors.Is(err, convsync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "conversation not found", correlationID)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to mark conversation read", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversationId": conversationID,
		"marked":         marked,
	})
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request, conversationID, correlationID string) {
	var req struct {
		OperatorID string `json:"operatorId"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if strings.TrimSpace(req.OperatorID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "operatorId is required", correlationID)
		return
	}
	err := s.service.AssignOperator(r.Context(), conversationID, req.OperatorID)
	if errors.Is(err, convsync.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "conversation not found", correlationID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to assign operator", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"conversationId": conversationID,
		"operatorId":     req.OperatorID,
	})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, conversationID, correlationID string) {
	var req struct {
		Content string `json:"content"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "content is required", correlationID)
		return
	}
	msg, err := s.service.SendOutbound(r.Context(), conversationID, req.Content)
	if errors.Is(err, convsync.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "conversation not found", correlationID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to send message", correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	_, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, "ops:read", time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"registry": s.service.Registry().Stats(),
		"pipeline": s.pipeline.Stats(),
	})
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
