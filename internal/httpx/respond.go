package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/apperr"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/hlog"
)

// ErrorBody is the error shape shared by every service.
type ErrorBody struct {
	Timestamp time.Time `json:"timestamp"`
	Status    int       `json:"status"`
	Error     string    `json:"error"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// StatusOf maps an error kind to its HTTP status.
func StatusOf(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindBusinessRule, apperr.KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// WriteError is the only place errors become responses. Unexpected errors
// are logged with their cause and answered with a generic message.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusOf(err)
	body := ErrorBody{
		Timestamp: time.Now().UTC(),
		Status:    status,
		Error:     http.StatusText(status),
	}

	e, ok := apperr.As(err)
	switch {
	case ok && e.Kind != apperr.KindUnexpected:
		body.Code, body.Message = e.Code, e.Message
	case ok && e.Retryable:
		body.Code, body.Message = "retryable", e.Message
		w.Header().Set("Retry-After", "5")
	default:
		body.Code, body.Message = "unexpected", "internal error"
	}

	ev := hlog.FromRequest(r).Warn()
	if status >= 500 {
		ev = hlog.FromRequest(r).Error()
	}
	ev.Err(err).
		Str("request_id", middleware.GetReqID(r.Context())).
		Int("status", status).
		Str("code", body.Code).
		Msg("request failed")

	writeJSON(w, status, body)
}

var validate = validator.New()

// decode reads a JSON body into dst and runs its validate tags.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return apperr.Validation("%s", formatValidation(verrs))
		}
		return apperr.Unexpected(err, "request validation failed")
	}
	return nil
}

func formatValidation(verrs validator.ValidationErrors) string {
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fmt.Sprintf("%s is required", fe.Namespace()))
		case "min", "gte":
			parts = append(parts, fmt.Sprintf("%s must be at least %s", fe.Namespace(), fe.Param()))
		case "max", "lte":
			parts = append(parts, fmt.Sprintf("%s must be at most %s", fe.Namespace(), fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
