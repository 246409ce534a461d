package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"lawlibrary/internal/models"
	"lawlibrary/internal/services"
)

const principalKey = "principal"

// UserResolver loads the user named by a verified token.
type UserResolver interface {
	Authenticate(ctx context.Context, userID uint) (*models.User, error)
}

var errBadSubject = errors.New("invalid subject")

// AuthMiddleware verifies the Bearer token (HS256) and loads the user whose id
// is the token subject.
func AuthMiddleware(secret []byte, users UserResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token format"})
			return
		}

		token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
			return secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token claims"})
			return
		}
		userID, err := subjectID(claims)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid user id in token"})
			return
		}

		user, err := users.Authenticate(c.Request.Context(), userID)
		if err != nil {
			respondError(c, err)
			return
		}

		c.Set(principalKey, user)
		c.Next()
	}
}

// subjectID accepts the sub claim as a numeric string or a JSON number.
func subjectID(claims jwt.MapClaims) (uint, error) {
	switch sub := claims["sub"].(type) {
	case string:
		id, err := strconv.ParseUint(sub, 10, 0)
		if err != nil || id == 0 {
			return 0, errBadSubject
		}
		return uint(id), nil
	case float64:
		if sub < 1 || sub != float64(uint(sub)) {
			return 0, errBadSubject
		}
		return uint(sub), nil
	default:
		return 0, errBadSubject
	}
}

// RequireCapability rejects users whose role lacks the capability. It must run after
// AuthMiddleware.
func RequireCapability(capability models.Capability) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := principal(c)
		if user == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		if !user.Role.Can(capability) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "permission denied"})
			return
		}
		c.Next()
	}
}

func principal(c *gin.Context) *models.User {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil
	}
	user, _ := v.(*models.User)
	return user
}

// mustPrincipal is for handlers mounted behind AuthMiddleware.
func mustPrincipal(c *gin.Context) (*models.User, bool) {
	user := principal(c)
	if user == nil {
		respondError(c, services.ErrUserNotFound)
		return nil, false
	}
	return user, true
}
