package api

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/madconcarl-des/archimedes/api/handlers"
	"github.com/madconcarl-des/archimedes/api/responses"
	"go.uber.org/zap"
)

// Roles carried in the token's role claim.
const (
	RoleService      = "service"
	RoleInvestigator = "investigator"
	RoleAdmin        = "admin"
)

const rolesKey = "roles"

type AuthConfig struct {
	Secret []byte
	Issuer string
	// Disabled lets every request through as an admin. Local use only.
	Disabled bool
}

// TokenClaims identifies a caller of the API.
type TokenClaims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for subject.
func IssueToken(cfg AuthConfig, subject string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := TokenClaims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.Secret)
}

func parseToken(cfg AuthConfig, tokenString string) (*TokenClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return cfg.Secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

func authMiddleware(cfg AuthConfig, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.Disabled {
			c.Set(handlers.ActorKey, "local")
			c.Set(rolesKey, []string{RoleAdmin})
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			responses.Unauthorized(c, "Authorization header required")
			return
		}
		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || tokenString == "" {
			responses.Unauthorized(c, "Invalid authorization format")
			return
		}

		claims, err := parseToken(cfg, tokenString)
		if err != nil {
			logger.Debug("rejected token", zap.Error(err), zap.String("path", c.FullPath()))
			responses.Unauthorized(c, "invalid or expired token")
			return
		}
		c.Set(handlers.ActorKey, claims.Subject)
		c.Set(rolesKey, claims.Roles)
		c.Next()
	}
}

func requireRole(allowed ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		roles, _ := c.Get(rolesKey)
		held, _ := roles.([]string)
		for _, r := range held {
			for _, a := range allowed {
				if r == a {
					c.Next()
					return
				}
			}
		}
		responses.Forbidden(c, fmt.Sprintf("requires one of roles %v", allowed))
	}
}
