package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/monkeyscloud/monkeyswork-realtime/pkg/jwt"
	"github.com/monkeyscloud/monkeyswork-realtime/pkg/response"
)

const (
	UserIDKey      = "user_id"
	EmailKey       = "email"
	UsernameKey    = "username"
	DisplayNameKey = "display_name"
	RolesKey       = "roles"
	AuthHeaderKey  = "Authorization"
	BearerPrefix   = "Bearer "
	TokenQueryKey  = "token"
)

type identityKey struct{}

// Identity is the authenticated caller attached to a request.
type Identity struct {
	UserID      string
	Username    string
	DisplayName string
	Email       string
	Roles       []string
}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity stored in ctx, if any.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// IdentityFromClaims converts verified token claims into an Identity.
func IdentityFromClaims(claims *jwt.Claims) Identity {
	display := claims.DisplayName
	if display == "" {
		display = claims.Username
	}
	return Identity{
		UserID:      claims.ActorID(),
		Username:    claims.Username,
		DisplayName: display,
		Email:       claims.Email,
		Roles:       claims.Roles,
	}
}

// TokenFromRequest reads a bearer token from the Authorization header,
// falling back to the token query parameter used by browser websockets.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get(AuthHeaderKey); strings.HasPrefix(h, BearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(h, BearerPrefix))
	}
	return r.URL.Query().Get(TokenQueryKey)
}

// AuthMiddleware validates access tokens locally.
type AuthMiddleware struct {
	verifier *jwt.Verifier
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(verifier *jwt.Verifier) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier}
}

// Authenticate validates the request token and returns the caller identity.
func (m *AuthMiddleware) Authenticate(r *http.Request) (Identity, error) {
	claims, err := m.verifier.Validate(TokenFromRequest(r))
	if err != nil {
		return Identity{}, err
	}
	return IdentityFromClaims(claims), nil
}

// RequireAuth returns a Gin middleware that rejects unauthenticated requests.
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader(AuthHeaderKey)
		if authHeader == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		if !strings.HasPrefix(authHeader, BearerPrefix) {
			response.Unauthorized(c, "invalid authorization format")
			c.Abort()
			return
		}

		id, err := m.Authenticate(c.Request)
		if err != nil {
			response.Unauthorized(c, err.Error())
			c.Abort()
			return
		}

		c.Set(UserIDKey, id.UserID)
		c.Set(EmailKey, id.Email)
		c.Set(UsernameKey, id.Username)
		c.Set(DisplayNameKey, id.DisplayName)
		c.Set(RolesKey, id.Roles)
		c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), id))

		c.Next()
	}
}

// GetUserID extracts user ID from Gin context.
func GetUserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}
