package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/taskctx"
)

const identityContextKey = "gateway.identity"

// AuthMiddleware resolves the requesting user's identity. Mode "none"
// bypasses validation and trusts the X-User-* headers (dev mode); mode
// "external" validates the bearer token against the configured provider.
// SSE clients may pass the token as a ?token= query parameter since
// EventSource cannot set headers.
func AuthMiddleware(cfg config.AuthConfig, log *logger.Logger) gin.HandlerFunc {
	log = log.WithComponent("auth")
	client := &http.Client{Timeout: 10 * time.Second}

	return func(c *gin.Context) {
		if cfg.Mode == "none" {
			identity := taskctx.UserIdentity{
				ID:     headerOr(c, "X-User-Id", "dev-user"),
				Name:   c.GetHeader("X-User-Name"),
				Email:  c.GetHeader("X-User-Email"),
				Source: "dev",
			}
			c.Set(identityContextKey, identity)
			c.Next()
			return
		}

		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		identity, err := validateToken(client, cfg.ProviderURL, token)
		if err != nil {
			log.Warn("Token validation failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(identityContextKey, identity)
		c.Next()
	}
}

// IdentityFrom returns the identity resolved by the auth middleware.
func IdentityFrom(c *gin.Context) taskctx.UserIdentity {
	if value, ok := c.Get(identityContextKey); ok {
		if identity, ok := value.(taskctx.UserIdentity); ok {
			return identity
		}
	}
	return taskctx.UserIdentity{}
}

func headerOr(c *gin.Context, header, fallback string) string {
	if value := c.GetHeader(header); value != "" {
		return value
	}
	return fallback
}

func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return c.Query("token")
}

func validateToken(client *http.Client, providerURL, token string) (taskctx.UserIdentity, error) {
	req, err := http.NewRequest(http.MethodGet, providerURL, nil)
	if err != nil {
		return taskctx.UserIdentity{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return taskctx.UserIdentity{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return taskctx.UserIdentity{}, &AuthError{Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return taskctx.UserIdentity{}, err
	}
	var payload struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return taskctx.UserIdentity{}, err
	}
	if payload.ID == "" {
		return taskctx.UserIdentity{}, &AuthError{Status: resp.StatusCode}
	}
	return taskctx.UserIdentity{
		ID:     payload.ID,
		Name:   payload.Name,
		Email:  payload.Email,
		Source: "external",
	}, nil
}

// AuthError reports a provider rejection.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return "authentication provider rejected the token"
}
