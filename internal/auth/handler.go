package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/localhub/localhub/internal/platform/httpx"
	"github.com/localhub/localhub/internal/rbac"
	"github.com/localhub/localhub/internal/shared"
)

const (
	msgResetRequested  = "If an account with that email exists, a password reset link has been sent."
	msgResendRequested = "If an unverified account with that email exists, a new verification link has been sent."
)

// HandlerOptions tunes the HTTP surface.
type HandlerOptions struct {
	// RateLimit wraps the credential endpoints. Nil disables it.
	RateLimit   func(http.Handler) http.Handler
	DebugErrors bool
}

// Handler wires HTTP endpoints for the credential lifecycle.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	gates     rbac.Middleware
	limit     func(http.Handler) http.Handler
	debug     bool
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, gates rbac.Middleware, opts HandlerOptions) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	limit := opts.RateLimit
	if limit == nil {
		limit = func(next http.Handler) http.Handler { return next }
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	return &Handler{
		logger:    logger,
		service:   service,
		gates:     gates,
		limit:     limit,
		debug:     opts.DebugErrors,
		validator: v,
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.limit).Post("/register", h.handleRegister)
	r.With(h.limit).Post("/login", h.handleLogin)
	r.Get("/verify-email/{token}", h.handleVerifyEmail)
	r.With(h.limit).Post("/resend-verification", h.handleResendVerification)
	r.With(h.limit).Post("/forgot-password", h.handleForgotPassword)
	r.Put("/reset-password/{token}", h.handleResetPassword)
	r.Post("/refresh", h.handleRefresh)

	r.With(h.gates.OptionalAuthenticate).Get("/session", h.handleSession)

	r.Group(func(r chi.Router) {
		r.Use(h.gates.Authenticate)
		r.With(h.gates.Recheck(h.service)).Get("/me", h.handleMe)
		r.Put("/password", h.handleChangePassword)
		r.With(h.gates.RequireVerified).Get("/verified-check", h.handleSession)
		r.With(h.gates.RequireOwnership(rbac.URLParam("id"))).Get("/users/{id}", h.handleGetUser)
		r.With(h.gates.Recheck(h.service), h.gates.Authorize(shared.RoleAdmin)).Put("/users/{id}/active", h.handleSetActive)
	})
}

type registerRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	Name     string `json:"name" validate:"required,max=100"`
	Phone    string `json:"phone" validate:"omitempty,max=32"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type emailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type resetRequest struct {
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required,min=8,max=72,nefield=CurrentPassword"`
}

type activeRequest struct {
	Active *bool `json:"active" validate:"required"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type principalResponse struct {
	User *shared.Principal `json:"user"`
}

type profileResponse struct {
	User *Profile `json:"user"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.Register(r.Context(), RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
		Phone:    req.Phone,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, res)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.VerifyEmail(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) handleResendVerification(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.ResendVerification(r.Context(), req.Email); err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, messageResponse{Message: msgResendRequested})
}

func (h *Handler) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.ForgotPassword(r.Context(), req.Email); err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, messageResponse{Message: msgResetRequested})
}

func (h *Handler) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.ResetPassword(r.Context(), chi.URLParam(r, "token"), req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, principalResponse{User: shared.PrincipalFromContext(r.Context())})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	h.writeProfile(w, r, shared.PrincipalFromContext(r.Context()).SubjectID)
}

func (h *Handler) handleGetUser(w http.ResponseWriter, r *http.Request) {
	h.writeProfile(w, r, chi.URLParam(r, "id"))
}

func (h *Handler) writeProfile(w http.ResponseWriter, r *http.Request, id string) {
	profile, err := h.service.Me(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, profileResponse{User: profile})
}

func (h *Handler) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	principal := shared.PrincipalFromContext(r.Context())
	res, err := h.service.ChangePassword(r.Context(), principal.SubjectID, req.CurrentPassword, req.NewPassword)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) handleSetActive(w http.ResponseWriter, r *http.Request) {
	var req activeRequest
	if !h.decode(w, r, &req) {
		return
	}
	profile, err := h.service.SetActive(r.Context(), chi.URLParam(r, "id"), *req.Active)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, profileResponse{User: profile})
}

// decode reads and validates a JSON body, writing the failure response
// itself when it returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(w, r, dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail(w, r, shared.ErrInvalidInput.WithMessage("request body too large").Wrap(err))
			return false
		}
		h.fail(w, r, shared.ErrInvalidInput.WithMessage("request body must be valid JSON").Wrap(err))
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			h.fail(w, r, shared.ErrInvalidInput.Wrap(err))
			return false
		}
		fields := make(httpx.FieldErrors, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = validationMessage(fe)
		}
		h.fail(w, r, &httpx.ValidationError{Fields: fields})
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	appErr := shared.AsError(err)
	if appErr.Status >= http.StatusInternalServerError {
		h.logger.Error("auth request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.WriteError(w, err, h.debug)
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "nefield":
		return "must differ from the current password"
	default:
		return "is invalid"
	}
}
