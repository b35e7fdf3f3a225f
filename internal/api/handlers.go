package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gwi.com/chatsync/internal/auth"
	"gwi.com/chatsync/internal/core"
	"gwi.com/chatsync/internal/store"
)

type ctxKey string

const ctxKeyUserKey ctxKey = "user_key"

// UserStore holds login credentials.
type UserStore interface {
	GetUserByExternalID(ctx context.Context, externalUserID string) (*store.User, error)
	CreateUser(ctx context.Context, externalUserID, passwordHash string) (*store.User, error)
}

type APIHandler struct {
	users     UserStore
	engines   *EngineRegistry
	jwtSecret []byte
	logger    *zap.Logger
}

func NewAPIHandler(users UserStore, engines *EngineRegistry, jwtSecret []byte, logger *zap.Logger) *APIHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIHandler{users: users, engines: engines, jwtSecret: jwtSecret, logger: logger}
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == "" {
			// Browsers cannot set headers on websocket upgrades.
			tokenString = r.URL.Query().Get("token")
		}
		if tokenString == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		userKey, err := auth.ValidateJWT(h.jwtSecret, tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		user, err := h.users.GetUserByExternalID(r.Context(), userKey)
		if err != nil {
			h.logger.Error("Failed to resolve user identity", zap.String("user_key", userKey), zap.Error(err))
			http.Error(w, "Failed to process user identity", http.StatusInternalServerError)
			return
		}
		if user == nil {
			http.Error(w, "User not found", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyUserKey, user.ExternalUserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *APIHandler) engine(r *http.Request) *core.Engine {
	userKey, _ := r.Context().Value(ctxKeyUserKey).(string)
	return h.engines.Get(userKey)
}

type SignupRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

func (h *APIHandler) SignupHandler(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Password == "" {
		http.Error(w, "User ID and password are required", http.StatusBadRequest)
		return
	}

	hashedPassword, err := auth.HashPassword(req.Password)
	if err != nil {
		h.logger.Error("Error hashing password", zap.String("user_id", req.UserID), zap.Error(err))
		http.Error(w, "Failed to process password", http.StatusInternalServerError)
		return
	}

	user, err := h.users.CreateUser(r.Context(), req.UserID, hashedPassword)
	if err != nil {
		h.logger.Error("Error creating user", zap.String("user_id", req.UserID), zap.Error(err))
		http.Error(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, user)
}

type LoginRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Password == "" {
		http.Error(w, "User ID and password are required", http.StatusBadRequest)
		return
	}

	user, err := h.users.GetUserByExternalID(r.Context(), req.UserID)
	if err != nil {
		h.logger.Error("Error getting user", zap.String("user_id", req.UserID), zap.Error(err))
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}
	if user == nil || !auth.CheckPasswordHash(req.Password, user.PasswordHash) {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := auth.GenerateJWT(h.jwtSecret, req.UserID)
	if err != nil {
		h.logger.Error("Error generating JWT", zap.String("user_id", req.UserID), zap.Error(err))
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (h *APIHandler) ListSessionsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine(r).Sessions(r.Context()))
}

func (h *APIHandler) CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	sess, err := h.engine(r).CreateNewSession(r.Context())
	if err != nil {
		h.writeEngineError(w, "create session", err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

type ActiveSessionResponse struct {
	Session   *store.Session  `json:"session"`
	Messages  []store.Message `json:"messages"`
	IsLoading bool            `json:"is_loading"`
}

func (h *APIHandler) GetActiveSessionHandler(w http.ResponseWriter, r *http.Request) {
	e := h.engine(r)

	var resp ActiveSessionResponse
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		sess, err := e.ActiveSession(ctx)
		resp.Session = sess
		return err
	})
	g.Go(func() error {
		resp.Messages = e.Messages(ctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		h.writeEngineError(w, "load active session", err)
		return
	}
	resp.IsLoading = e.IsLoading()
	writeJSON(w, http.StatusOK, resp)
}

type SelectSessionRequest struct {
	SessionID string `json:"session_id"`
}

func (h *APIHandler) SelectSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req SelectSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.engine(r).SelectSession(r.Context(), req.SessionID); err != nil {
		h.writeEngineError(w, "select session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type RenameSessionRequest struct {
	Title string `json:"title"`
}

func (h *APIHandler) RenameSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req RenameSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.engine(r).RenameSession(r.Context(), chi.URLParam(r, "sessionID"), req.Title); err != nil {
		h.writeEngineError(w, "rename session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) DeleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.engine(r).DeleteSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		h.writeEngineError(w, "delete session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type MessagesResponse struct {
	SessionID string          `json:"session_id"`
	Messages  []store.Message `json:"messages"`
	IsLoading bool            `json:"is_loading"`
}

func messagesView(ctx context.Context, e *core.Engine) MessagesResponse {
	return MessagesResponse{
		SessionID: e.ActiveSessionID(),
		Messages:  e.Messages(ctx),
		IsLoading: e.IsLoading(),
	}
}

func (h *APIHandler) ListMessagesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, messagesView(r.Context(), h.engine(r)))
}

type PostMessageRequest struct {
	Content string `json:"content"`
}

func (h *APIHandler) PostMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	e := h.engine(r)
	// The exchange must settle even if the client goes away mid-request.
	if err := e.SendMessage(context.WithoutCancel(r.Context()), req.Content); err != nil {
		h.writeEngineError(w, "send message", err)
		return
	}
	writeJSON(w, http.StatusOK, messagesView(r.Context(), e))
}

func (h *APIHandler) RetryMessageHandler(w http.ResponseWriter, r *http.Request) {
	e := h.engine(r)
	if err := e.RetryMessage(context.WithoutCancel(r.Context()), chi.URLParam(r, "messageID")); err != nil {
		h.writeEngineError(w, "retry message", err)
		return
	}
	writeJSON(w, http.StatusOK, messagesView(r.Context(), e))
}

func (h *APIHandler) writeEngineError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrEmptyMessage), errors.Is(err, core.ErrEmptyTitle):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrNotRetryable):
		status = http.StatusConflict
	case errors.Is(err, core.ErrReplyTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, core.ErrReplyFailed):
		status = http.StatusBadGateway
	case errors.Is(err, core.ErrSessionCreate):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		h.logger.Warn("Request failed", zap.String("op", op), zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
