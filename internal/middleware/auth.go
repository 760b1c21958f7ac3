package middleware

import (
	"context"
	"net/http"

	"github.com/zhouzirui/llm-hub/backend/internal/model/user"
	"github.com/zhouzirui/llm-hub/backend/internal/service/auth"
	"github.com/zhouzirui/llm-hub/backend/pkg/utils"
)

// Authenticator resolves a bearer token to an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (user.Identity, error)
}

type identityKey struct{}

// WithIdentity binds identity to ctx.
func WithIdentity(ctx context.Context, identity user.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFrom returns the identity bound by RequireAuth.
func IdentityFrom(ctx context.Context) (user.Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(user.Identity)
	return identity, ok
}

// RequireAuth rejects requests without a valid bearer token.
func RequireAuth(authn Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := authn.Authenticate(r.Context(), auth.BearerToken(r.Header.Get("Authorization")))
			if err != nil {
				utils.RespondAppError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}
