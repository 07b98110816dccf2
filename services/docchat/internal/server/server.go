package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"docchat/internal/ratelimit"
	"docchat/internal/util"
	"docchat/pkg/domain"
	"docchat/services/docchat/internal/app"
)

const defaultMaxUploadBytes = 10 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	SignupLimiter  ratelimit.Limiter
	LoginLimiter   ratelimit.Limiter
	MaxUploadBytes int64
	TrustedProxies *util.TrustedProxies
}

// Server exposes the document chat HTTP API.
type Server struct {
	app            *app.App
	mux            *http.ServeMux
	signupLimiter  ratelimit.Limiter
	loginLimiter   ratelimit.Limiter
	maxUploadBytes int64
	trustedProxies *util.TrustedProxies
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}
	s := &Server{
		app:            cfg.App,
		mux:            http.NewServeMux(),
		signupLimiter:  cfg.SignupLimiter,
		loginLimiter:   cfg.LoginLimiter,
		maxUploadBytes: maxUpload,
		trustedProxies: cfg.TrustedProxies,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("docchat", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("POST /api/auth/signup", s.handleSignup)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("POST /api/auth/logout", s.handleLogout)
	s.mux.Handle("GET /api/auth/me", s.authenticated(s.handleMe))

	// documents
	s.mux.Handle("POST /api/upload", s.authenticated(s.handleUpload))
	s.mux.Handle("GET /api/files", s.authenticated(s.handleListFiles))
	s.mux.Handle("GET /api/files/{id}/download", s.authenticated(s.handleDownloadFile))
	s.mux.Handle("DELETE /api/files/{id}", s.authenticated(s.handleDeleteFile))

	// chat
	s.mux.Handle("POST /api/chat", s.authenticated(s.handleChat))
	s.mux.Handle("GET /api/conversations", s.authenticated(s.handleListConversations))
	s.mux.Handle("GET /api/messages/{conversationId}", s.authenticated(s.handleListMessages))
	s.mux.Handle("DELETE /api/conversations/{id}", s.authenticated(s.handleDeleteConversation))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"backend": string(s.app.Backend()),
	})
}

type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.audit(r, "docchat.authorize", "fail", "reason", "missing_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, err := s.app.UserFromToken(r.Context(), token)
		if err != nil {
			s.audit(r, "docchat.authorize", "fail", "reason", reason(err))
			writeAppError(w, r, err)
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("user_id", user.ID))
		next(w, r.WithContext(ctx), user)
	})
}

// auth handlers
func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.signupLimiter, "too many signup attempts") {
		s.audit(r, "docchat.signup", "rate_limited")
		return
	}
	var req authRequest
	if err := decodeJSON(r, &req); err != nil {
		s.audit(r, "docchat.signup", "fail", "reason", "invalid_json")
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := s.app.SignUp(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, "docchat.signup", "fail", "reason", reason(err))
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "docchat.signup", "success", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts") {
		s.audit(r, "docchat.login", "rate_limited")
		return
	}
	var req authRequest
	if err := decodeJSON(r, &req); err != nil {
		s.audit(r, "docchat.login", "fail", "reason", "invalid_json")
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := s.app.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, "docchat.login", "fail", "reason", reason(err))
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "docchat.login", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		s.audit(r, "docchat.logout", "fail", "reason", "missing_token")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.app.Logout(r.Context(), token); err != nil {
		s.audit(r, "docchat.logout", "fail", "reason", reason(err))
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "docchat.logout", "success")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request, user domain.User) {
	writeJSON(w, http.StatusOK, user)
}

// documents
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, user domain.User) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		if isTooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	defer r.MultipartForm.RemoveAll()
	file, header, err := r.FormFile("pdf")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file uploaded (field: pdf)")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read upload")
		return
	}
	doc, text, err := s.app.UploadDocument(r.Context(), user, app.UploadInput{
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, uploadResponse{File: doc, Content: text})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request, user domain.User) {
	docs, err := s.app.ListDocuments(r.Context(), user)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(docs))
}

func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request, user domain.User) {
	doc, data, err := s.app.DownloadDocument(r.Context(), user, r.PathValue("id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": doc.FileName}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request, user domain.User) {
	if err := s.app.DeleteDocument(r.Context(), user, r.PathValue("id")); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// chat
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	documentID := req.DocumentID
	if documentID == "" {
		documentID = req.FileID
	}
	reply, err := s.app.Chat(r.Context(), user, app.ChatInput{
		Message:        req.Message,
		DocumentID:     documentID,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request, user domain.User) {
	items, err := s.app.ListConversations(r.Context(), user)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(items))
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, user domain.User) {
	items, err := s.app.ListMessages(r.Context(), user, r.PathValue("conversationId"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(items))
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request, user domain.User) {
	if err := s.app.DeleteConversation(r.Context(), user, r.PathValue("id")); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type authRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

type uploadResponse struct {
	File    domain.Document `json:"file"`
	Content string          `json:"content"`
}

type chatRequest struct {
	Message        string `json:"message"`
	DocumentID     string `json:"documentId"`
	FileID         string `json:"fileId"`
	ConversationID string `json:"conversationId"`
}

func decodeJSON(r *http.Request, out any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(out)
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAppError maps app sentinels to a status and a fixed message.
// Causes are logged, never sent to the client.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := http.StatusInternalServerError, "internal server error"
	switch {
	case errors.Is(err, app.ErrBadRequest):
		status, msg = http.StatusBadRequest, strings.TrimPrefix(err.Error(), app.ErrBadRequest.Error()+": ")
	case errors.Is(err, app.ErrUnauthorized):
		status, msg = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, app.ErrInvalidCredentials):
		status, msg = http.StatusUnauthorized, "invalid email or password"
	case errors.Is(err, app.ErrForbidden):
		status, msg = http.StatusForbidden, "forbidden"
	case errors.Is(err, app.ErrNotFound):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, app.ErrDuplicateEmail):
		status, msg = http.StatusConflict, "email already registered"
	case errors.Is(err, app.ErrUnsupportedType):
		status, msg = http.StatusUnsupportedMediaType, "Only PDF files are allowed"
	case errors.Is(err, app.ErrExtractionFailed):
		status, msg = http.StatusUnprocessableEntity, "could not read text from the document"
	case errors.Is(err, app.ErrCompletionFailed):
		status, msg = http.StatusBadGateway, "Failed to process message"
	case errors.Is(err, app.ErrStoreUnavailable), errors.Is(err, app.ErrBlobUnavailable):
		status, msg = http.StatusServiceUnavailable, "storage unavailable, try again"
	}
	logger := util.LoggerFromContext(r.Context())
	if status < http.StatusInternalServerError {
		logger.Debug("request rejected", "status", status, "err", err)
		writeError(w, status, msg)
		return
	}
	// 5xx bodies carry the request id so a report can be matched to the log line.
	logger.Error("request failed", "status", status, "err", err)
	writeJSON(w, status, map[string]string{"error": msg, "requestId": util.RequestIDFromContext(r.Context())})
}

func reason(err error) string {
	switch {
	case errors.Is(err, app.ErrDuplicateEmail):
		return "duplicate_email"
	case errors.Is(err, app.ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, app.ErrUnauthorized):
		return "invalid_token"
	case errors.Is(err, app.ErrBadRequest):
		return "invalid_input"
	default:
		return "internal"
	}
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", s.clientIP(r),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter ratelimit.Limiter, msg string) bool {
	if limiter == nil {
		return true
	}
	key := r.URL.Path + "|" + s.clientIP(r)
	if limiter.Allow(r.Context(), key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func (s *Server) clientIP(r *http.Request) string {
	return util.ClientIP(r, s.trustedProxies)
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
