package httpx

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/ariefcatur/go-order-saga/internal/apperr"
	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/rs/zerolog"
)

// Identity headers are set by the gateway after it validated the caller.
const (
	HeaderUserID       = "X-User-Id"
	HeaderUserRole     = "X-User-Role"
	HeaderInternalCall = "X-Internal-Call"
)

type actorKey struct{}

// Identify reads the gateway identity headers. Requests without a user id
// are rejected.
func Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if id == "" {
			WriteError(w, r, apperr.Forbidden("missing caller identity"))
			return
		}
		role := orders.RoleCustomer
		if strings.EqualFold(r.Header.Get(HeaderUserRole), string(orders.RoleAdmin)) {
			role = orders.RoleAdmin
		}
		a := orders.Actor{ID: id, Role: role}
		zerolog.Ctx(r.Context()).UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("user_id", a.ID)
		})
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, a)))
	})
}

// ActorFrom returns the caller stored by Identify.
func ActorFrom(ctx context.Context) orders.Actor {
	a, _ := ctx.Value(actorKey{}).(orders.Actor)
	return a
}

// AdminOnly must run after Identify.
func AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !ActorFrom(r.Context()).IsAdmin() {
			WriteError(w, r, apperr.Forbidden("access denied"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// InternalOnly admits service-to-service calls carrying the shared token.
func InternalOnly(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(HeaderInternalCall)
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				WriteError(w, r, apperr.Forbidden("internal calls only"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
