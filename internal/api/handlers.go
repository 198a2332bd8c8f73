package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"erp-workflow/internal/apperrors"
	"erp-workflow/internal/logging"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains the unauthenticated operational endpoints
type Handler struct {
	db      Pinger
	version string
}

// NewHandler creates a new Handler with required dependencies
func NewHandler(db Pinger, version string) *Handler {
	return &Handler{db: db, version: version}
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Database  string    `json:"database"`
}

// HandleHealth reports service status. It answers 503 when the database is unreachable.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Service:   "erp-workflow",
		Version:   h.version,
		Database:  "ok",
	}
	code := http.StatusOK
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			status.Status = "degraded"
			status.Database = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, status)
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Log error but can't change response at this point
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// writeError writes an RFC 7807 Problem Details JSON error response
func writeError(w http.ResponseWriter, problem ProblemDetails) {
	if problem.Type == "" {
		problem.Type = "about:blank"
	}
	if problem.Title == "" {
		problem.Title = http.StatusText(problem.Status)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	json.NewEncoder(w).Encode(problem)
}

// StatusFor maps a workflow error to its HTTP status.
func StatusFor(err error) int {
	switch apperrors.Kind(err) {
	case apperrors.ErrNotFound, apperrors.ErrNotTracked, apperrors.ErrUnknownTransition:
		return http.StatusNotFound
	case apperrors.ErrAlreadyTracked, apperrors.ErrConflict:
		return http.StatusConflict
	case apperrors.ErrForbidden:
		return http.StatusForbidden
	case apperrors.ErrIllegalTransition, apperrors.ErrInactive,
		apperrors.ErrInvalidDefinition, apperrors.ErrValidation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// ErrorHandler renders every handler error as problem+json. Workflow errors
// carry their kind in the type field; infrastructure failures are logged and
// their detail withheld.
func ErrorHandler(log *logging.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		problem := ProblemDetails{Instance: c.Request().URL.Path}

		var be *echo.BindingError
		var he *echo.HTTPError
		if errors.As(err, &be) {
			he = be.HTTPError
		} else {
			errors.As(err, &he)
		}
		if he != nil {
			problem.Status = he.Code
			if msg, ok := he.Message.(string); ok {
				problem.Detail = msg
			} else {
				problem.Detail = http.StatusText(he.Code)
			}
		} else {
			problem.Status = StatusFor(err)
			problem.Type = "urn:erp-workflow:error:" + apperrors.Code(err)
			problem.Detail = err.Error()
			if problem.Status == http.StatusInternalServerError {
				log.Error("request failed", "method", c.Request().Method, "path", problem.Instance, "error", err)
				problem.Detail = "internal error"
			}
		}

		if c.Request().Method == http.MethodHead {
			c.NoContent(problem.Status)
			return
		}
		writeError(c.Response(), problem)
	}
}
