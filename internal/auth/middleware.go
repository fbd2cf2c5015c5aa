package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"pollchat/internal/access"
)

const (
	authTokenContextKey = "auth_token"
	actorContextKey     = "auth_actor"
)

// ActorResolver loads the roles and display name behind a user id.
type ActorResolver interface {
	Actor(ctx context.Context, userID int64) (access.Actor, error)
}

// Middleware validates bearer tokens and stores the authenticated actor in the
// context. Requests without a valid token are rejected with 401.
func (s *Service) Middleware(resolver ActorResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.authenticate(c, resolver) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Authorization required."})
			return
		}
		c.Next()
	}
}

// OptionalMiddleware resolves the actor when credentials are present and
// falls back to the anonymous actor otherwise. Access decisions are left to
// the handlers.
func (s *Service) OptionalMiddleware(resolver ActorResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.authenticate(c, resolver) {
			c.Set(actorContextKey, access.Anonymous)
		}
		c.Next()
	}
}

func (s *Service) authenticate(c *gin.Context, resolver ActorResolver) bool {
	authToken := s.extractToken(c)
	if authToken == "" {
		return false
	}
	userID, err := s.ValidateToken(c.Request.Context(), authToken)
	if err != nil {
		if !errors.Is(err, ErrInvalidToken) && !errors.Is(err, ErrTokenExpired) {
			_ = c.Error(err)
		}
		return false
	}
	actor := access.Actor{ID: userID, Authenticated: true}
	if resolver != nil {
		resolved, err := resolver.Actor(c.Request.Context(), userID)
		if err != nil {
			_ = c.Error(err)
			return false
		}
		actor = resolved
	}
	c.Set(authTokenContextKey, authToken)
	c.Set(actorContextKey, actor)
	return true
}

// AuthTokenFromContext retrieves the bearer token captured by the middleware.
func AuthTokenFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(authTokenContextKey)
	if !ok {
		return "", false
	}
	token, ok := val.(string)
	return token, ok
}

// ActorFromContext returns the actor set by either middleware.
func ActorFromContext(c *gin.Context) (access.Actor, bool) {
	val, ok := c.Get(actorContextKey)
	if !ok {
		return access.Anonymous, false
	}
	actor, ok := val.(access.Actor)
	return actor, ok
}

// Middleware requires a valid X-Chat-Nonce for authenticated actors.
// Anonymous requests pass through; the chat layer denies them.
func (n *Nonces) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, _ := ActorFromContext(c)
		if !actor.Authenticated {
			c.Next()
			return
		}
		if err := n.Verify(c.GetHeader(NonceHeader), actor.ID); err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"success": false, "message": "Invalid request nonce."})
			return
		}
		c.Next()
	}
}

func (s *Service) extractToken(c *gin.Context) string {
	authHeader := c.GetHeader(s.headerName)
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	if token, err := c.Cookie(s.cookieName); err == nil && token != "" {
		return token
	}
	return ""
}
