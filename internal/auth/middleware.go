package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
)

type identityKey struct{}

// IdentityFrom returns the federated identity attached by RequireFederated.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// RequireBearer rejects requests without the active bearer token.
func (g *Gatekeeper) RequireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := g.ValidateBearer(r.Header.Get("Authorization"))
		if err == nil {
			next.ServeHTTP(w, r)
			return
		}
		if !errors.Is(err, ErrMissingToken) && !errors.Is(err, ErrInvalidToken) {
			g.logger.Error("bearer validation failed", "method", r.Method, "path", r.URL.Path, "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		g.logger.Warn("request rejected", "method", r.Method, "path", r.URL.Path, "reason", err.Error())
		writeError(w, http.StatusUnauthorized, err.Error())
	})
}

// RequireFederated only admits callers vouched for by the fronting proxy. A
// bearer token alone is never sufficient.
func (g *Gatekeeper) RequireFederated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := g.FederatedIdentity(r)
		if !ok {
			g.logger.Warn("request rejected", "method", r.Method, "path", r.URL.Path, "reason", ErrNoIdentity.Error())
			writeError(w, http.StatusUnauthorized, ErrNoIdentity.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
