// Package auth guards the repair endpoints of the audit service.
//
// Operators exchange the static admin secret for a short-lived HS256 JWT
// (POST /auth/admin-token) and present it as a Bearer token on every
// repair call. The secret is held only as a bcrypt hash.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	// RoleAdmin is the only role the service issues.
	RoleAdmin = "admin"

	ctxAdminClaims = "audit_admin_claims"
	defaultTTL     = 8 * time.Hour
)

// ErrBadSecret is returned when the presented admin secret does not match.
var ErrBadSecret = errors.New("invalid admin secret")

// ErrDisabled is returned when no admin secret is configured.
var ErrDisabled = errors.New("admin access is not configured")

// Claims are the JWT claims of an admin token.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Issuer exchanges the admin secret for signed admin tokens and verifies them.
type Issuer struct {
	key        []byte
	secretHash []byte
	issuer     string
	ttl        time.Duration
}

// NewIssuer creates an Issuer. signingKey signs tokens with HS256 and
// secretHash is the bcrypt hash of the admin secret; an empty hash disables
// token exchange.
func NewIssuer(signingKey []byte, secretHash string, issuer string, ttl time.Duration) (*Issuer, error) {
	if len(signingKey) < 32 {
		return nil, fmt.Errorf("signing key must be at least 32 bytes, got %d", len(signingKey))
	}
	if secretHash != "" {
		if _, err := bcrypt.Cost([]byte(secretHash)); err != nil {
			return nil, fmt.Errorf("admin secret hash: %w", err)
		}
	}
	if ttl == 0 {
		ttl = defaultTTL
	}
	return &Issuer{key: signingKey, secretHash: []byte(secretHash), issuer: issuer, ttl: ttl}, nil
}

// HashSecret returns the bcrypt hash of an admin secret, for config files.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash admin secret: %w", err)
	}
	return string(hash), nil
}

// Exchange checks secret against the configured hash and returns a signed
// admin token with its lifetime.
func (i *Issuer) Exchange(secret string) (string, time.Duration, error) {
	if len(i.secretHash) == 0 {
		return "", 0, ErrDisabled
	}
	if err := bcrypt.CompareHashAndPassword(i.secretHash, []byte(secret)); err != nil {
		return "", 0, ErrBadSecret
	}
	tok, err := i.Issue()
	return tok, i.ttl, err
}

// Issue creates a signed admin token.
func (i *Issuer) Issue() (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   RoleAdmin,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			ID:        uuid.New().String(),
		},
		Role: RoleAdmin,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("sign admin token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates an admin token, returning its claims.
func (i *Issuer) Verify(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return i.key, nil
		},
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify admin token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid admin token claims")
	}
	return claims, nil
}

// RequireAdmin returns a Gin middleware that enforces a valid admin Bearer token.
func RequireAdmin(i *Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "admin Bearer token required",
			})
			return
		}

		claims, err := i.Verify(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid token: " + err.Error(),
			})
			return
		}
		if claims.Role != RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "admin role required",
			})
			return
		}

		c.Set(ctxAdminClaims, claims)
		c.Next()
	}
}

// ClaimsFromCtx returns the admin claims injected by RequireAdmin, or nil.
func ClaimsFromCtx(c *gin.Context) *Claims {
	v, _ := c.Get(ctxAdminClaims)
	claims, _ := v.(*Claims)
	return claims
}

// Handler serves the admin token exchange.
type Handler struct {
	issuer *Issuer
	logger *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(issuer *Issuer, logger *zap.Logger) *Handler {
	return &Handler{issuer: issuer, logger: logger}
}

// Register mounts the auth routes on the given router group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/auth/admin-token", h.AdminToken)
}

type adminTokenRequest struct {
	Secret string `json:"secret" binding:"required"`
}

// AdminToken handles POST /auth/admin-token.
//
// Request:  {"secret":"..."}
// Response: {"access_token":"...", "token_type":"Bearer", "expires_in":28800}
func (h *Handler) AdminToken(c *gin.Context) {
	var req adminTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "secret is required"})
		return
	}

	tok, ttl, err := h.issuer.Exchange(req.Secret)
	switch {
	case errors.Is(err, ErrDisabled):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case errors.Is(err, ErrBadSecret):
		h.logger.Warn("admin token exchange rejected", zap.String("client_ip", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.logger.Error("issue admin token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": tok,
		"token_type":   "Bearer",
		"expires_in":   int(ttl.Seconds()),
	})
}
