package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/sambitmohanty1/rentpay/internal/access"
	"github.com/sambitmohanty1/rentpay/internal/directory"
)

const callerKey = "caller"

// Claims is the token payload identifying a caller
type Claims struct {
	Role        string   `json:"role"`
	TenantID    string   `json:"tenant_id,omitempty"`
	PropertyIDs []string `json:"property_ids,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken signs claims for subject. Used by the CLI and in tests.
func IssueToken(secret, issuer, subject string, role access.Role, tenantID string, propertyIDs []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role:        string(role),
		TenantID:    tenantID,
		PropertyIDs: propertyIDs,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseToken(secret, issuer, raw string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// CallerMiddleware turns the bearer token into an access.CallerContext.
// Owners without property ids in their token are resolved through the directory.
func CallerMiddleware(secret, issuer string, dir directory.Directory, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, found := strings.CutPrefix(header, "Bearer ")
		if !found || raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := parseToken(secret, issuer, raw)
		if err != nil {
			logger.Debug("Rejected caller token", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		caller := access.CallerContext{
			UserID:           claims.Subject,
			Role:             access.Role(claims.Role),
			TenantID:         claims.TenantID,
			OwnedPropertyIDs: claims.PropertyIDs,
		}
		switch caller.Role {
		case access.RoleAdmin, access.RoleTenant:
		case access.RoleOwner:
			if len(caller.OwnedPropertyIDs) == 0 {
				ids, err := dir.PropertyIDsForOwner(c.Request.Context(), caller.UserID)
				if err != nil {
					logger.Error("Failed to resolve owner properties", zap.String("user_id", caller.UserID), zap.Error(err))
					c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve caller"})
					return
				}
				caller.OwnedPropertyIDs = ids
			}
		default:
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "unknown role"})
			return
		}

		c.Set(callerKey, caller)
		c.Next()
	}
}

var errNoCaller = errors.New("no caller on request")

// CallerFrom returns the caller set by CallerMiddleware.
func CallerFrom(c *gin.Context) (access.CallerContext, error) {
	v, ok := c.Get(callerKey)
	if !ok {
		return access.CallerContext{}, errNoCaller
	}
	caller, ok := v.(access.CallerContext)
	if !ok {
		return access.CallerContext{}, errNoCaller
	}
	return caller, nil
}
