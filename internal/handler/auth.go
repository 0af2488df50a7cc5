package handler

import (
	"log/slog"
	"net/http"

	"github.com/penshort/accounts/internal/handler/dto"
	"github.com/penshort/accounts/internal/service"
)

// AuthHandler handles login.
type AuthHandler struct {
	svc    *service.UserService
	logger *slog.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(svc *service.UserService, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		svc:    svc,
		logger: logger,
	}
}

// Login handles POST /login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req dto.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidJSON, "Invalid request body")
		return
	}
	if req.Username == nil || req.Password == nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "Missing required fields: username, password")
		return
	}

	res, err := h.svc.Login(r.Context(), service.LoginInput{
		Username: *req.Username,
		Password: *req.Password,
	})
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	h.logger.Info("login_succeeded", slog.Int64("user_id", res.User.ID))

	writeJSON(w, http.StatusOK, dto.LoginResponse{
		Message:   "Login successful",
		UserID:    res.User.ID,
		Token:     res.Token,
		ExpiresIn: int64(res.ExpiresIn.Seconds()),
	})
}
