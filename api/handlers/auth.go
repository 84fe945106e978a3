package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/synapse/internal/auth"
	"github.com/BaSui01/synapse/storage"
	"github.com/BaSui01/synapse/types"
)

// AuthHandler serves account registration and login.
type AuthHandler struct {
	store   *storage.Store
	manager *auth.Manager
	logger  *zap.Logger
}

// NewAuthHandler creates an auth handler.
func NewAuthHandler(store *storage.Store, manager *auth.Manager, logger *zap.Logger) *AuthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthHandler{
		store:   store,
		manager: manager,
		logger:  logger.With(zap.String("component", "auth_handler")),
	}
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token    string `json:"token"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// HandleRegister creates an account and returns a token.
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Username == "" || len(req.Password) < 8 {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"username is required and password must be at least 8 characters", h.logger)
		return
	}

	if _, err := h.store.GetUserByUsername(r.Context(), req.Username); err == nil {
		WriteErrorMessage(w, http.StatusConflict, types.ErrInvalidRequest,
			"username already taken", h.logger)
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		WriteError(w, types.NewError(types.ErrInternalError, "failed to check username").WithCause(err), h.logger)
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "failed to hash password").WithCause(err), h.logger)
		return
	}

	user, err := h.store.CreateUser(r.Context(), req.Username, hash)
	if err != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "failed to create user").WithCause(err), h.logger)
		return
	}

	h.issueToken(w, user)
}

// HandleLogin verifies credentials and returns a token.
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	user, err := h.store.GetUserByUsername(r.Context(), req.Username)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !auth.CheckPassword(user.PasswordHash, req.Password)) {
		WriteErrorMessage(w, http.StatusUnauthorized, types.ErrUnauthorized,
			"invalid username or password", h.logger)
		return
	}
	if err != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "failed to load user").WithCause(err), h.logger)
		return
	}

	h.issueToken(w, user)
}

func (h *AuthHandler) issueToken(w http.ResponseWriter, user *storage.User) {
	token, err := h.manager.Issue(user.ID, user.Username)
	if err != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "failed to issue token").WithCause(err), h.logger)
		return
	}
	WriteSuccess(w, tokenResponse{Token: token, UserID: user.ID, Username: user.Username})
}
