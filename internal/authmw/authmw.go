// Package authmw trusts the fronting gateway for identity. Requests carry the
// caller's actor id, role and premium flag as headers, optionally alongside
// a shared bearer token proving they came through the gateway.
package authmw

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
)

// Identity headers set by the gateway after it authenticates the user.
const (
	HeaderActorID      = "X-Actor-Id"
	HeaderActorRole    = "X-Actor-Role"
	HeaderActorPremium = "X-Actor-Premium"
)

const maxActorIDLen = 128

// Role is the caller's account type.
type Role string

const (
	RoleCivil    Role = "civil"
	RoleSecurity Role = "security"
)

// Actor is the identity asserted for a request.
type Actor struct {
	ID      string
	Role    Role
	Premium bool
}

type actorKey struct{}

// WithActor returns a context carrying a.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFromContext returns the actor stored by Gateway.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}

// Gateway returns middleware admitting only requests the gateway vouched
// for. A non-empty token must arrive as "Authorization: Bearer <token>" and is
// compared in constant time. The identity headers are then parsed into an
// Actor on the request context. Failures answer 401 without calling next.
func Gateway(token string) func(http.Handler) http.Handler {
	var expected []byte
	if token != "" {
		expected = []byte(token)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if expected != nil {
				if msg := checkBearer(r.Header.Get("Authorization"), expected); msg != "" {
					deny(w, http.StatusUnauthorized, msg)
					return
				}
			}
			a, msg := parseActor(r.Header)
			if msg != "" {
				deny(w, http.StatusUnauthorized, msg)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), a)))
		})
	}
}

func checkBearer(auth string, expected []byte) string {
	got, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return "missing or malformed authorization header"
	}
	if subtle.ConstantTimeCompare([]byte(got), expected) != 1 {
		return "invalid token"
	}
	return ""
}

func parseActor(h http.Header) (Actor, string) {
	id := strings.TrimSpace(h.Get(HeaderActorID))
	if id == "" || len(id) > maxActorIDLen {
		return Actor{}, "missing or invalid actor id"
	}
	role := Role(strings.ToLower(strings.TrimSpace(h.Get(HeaderActorRole))))
	if role != RoleCivil && role != RoleSecurity {
		return Actor{}, "missing or invalid actor role"
	}
	// an unparsable premium flag counts as false
	premium, _ := strconv.ParseBool(h.Get(HeaderActorPremium))
	return Actor{ID: id, Role: role, Premium: premium}, ""
}

// RequireRole rejects actors whose role differs from role with 403.
func RequireRole(role Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a, ok := ActorFromContext(r.Context())
			switch {
			case !ok:
				deny(w, http.StatusUnauthorized, "unauthenticated")
			case a.Role != role:
				deny(w, http.StatusForbidden, "forbidden for role "+string(a.Role))
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

// RequirePremium rejects non-premium actors with 403.
func RequirePremium(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a, ok := ActorFromContext(r.Context())
		switch {
		case !ok:
			deny(w, http.StatusUnauthorized, "unauthenticated")
		case !a.Premium:
			deny(w, http.StatusForbidden, "premium subscription required")
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// deny writes a JSON error body. Messages are fixed strings or a validated
// role, so no escaping is needed.
func deny(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
