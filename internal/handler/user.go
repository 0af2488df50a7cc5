package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/penshort/accounts/internal/handler/dto"
	"github.com/penshort/accounts/internal/service"
)

// UserHandler handles HTTP requests for user accounts.
type UserHandler struct {
	svc    *service.UserService
	logger *slog.Logger
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(svc *service.UserService, logger *slog.Logger) *UserHandler {
	return &UserHandler{
		svc:    svc,
		logger: logger,
	}
}

// Register handles POST /users.
func (h *UserHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req dto.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidJSON, "Invalid request body")
		return
	}
	if req.Username == nil || req.Password == nil || req.Email == nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "Missing required fields: username, password, email")
		return
	}

	user, err := h.svc.Register(r.Context(), service.RegisterInput{
		Username: *req.Username,
		Password: *req.Password,
		Email:    *req.Email,
	})
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	h.logger.Info("user_registered", slog.Int64("user_id", user.ID))

	writeJSON(w, http.StatusCreated, dto.RegisterResponse{
		Message: "User created",
		ID:      user.ID,
	})
}

// Get handles GET /users/{id}. Public; a non-numeric id is simply not found.
func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := dto.ParseUserID(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, CodeUserNotFound, "User not found")
		return
	}

	user, err := h.svc.GetUser(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, dto.ToUserResponse(user))
}

// Update handles PUT and PATCH /users/{id}. Ownership is enforced by
// middleware before this runs.
func (h *UserHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := dto.ParseUserID(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, CodeUserNotFound, "User not found")
		return
	}

	// An absent body is an update with no fields.
	var req dto.UpdateUserRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, CodeInvalidJSON, "Invalid request body")
		return
	}

	user, err := h.svc.UpdateUser(r.Context(), id, service.UpdateInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	h.logger.Info("user_updated",
		slog.Int64("user_id", user.ID),
		slog.Bool("password_changed", req.Password != nil),
	)

	writeJSON(w, http.StatusOK, dto.MessageResponse{Message: "User updated"})
}

// Delete handles DELETE /users/{id}. Ownership is enforced by middleware.
func (h *UserHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := dto.ParseUserID(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, CodeUserNotFound, "User not found")
		return
	}

	if err := h.svc.DeleteUser(r.Context(), id); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	h.logger.Info("user_deleted", slog.Int64("user_id", id))

	writeJSON(w, http.StatusOK, dto.MessageResponse{Message: "User deleted"})
}
