package httpserver

import (
	"context"
	"errors"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/wishlane/wishlane/internal/model"
)

// listResolver is the slice of ListRepository the middleware needs to turn
// a guest token into a principal.
type listResolver interface {
	GetByGuestToken(ctx context.Context, token string) (*model.List, error)
}

// Logging returns a middleware for structured request logging. Metadata
// only, never payloads.
func Logging(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("http",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("dur", time.Since(start)),
			zap.String("peer", c.ClientIP()),
		)
	}
}

// Recover returns a middleware that recovers from handler panics.
func Recover(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic",
					zap.Any("reason", r),
					zap.ByteString("stack", debug.Stack()),
					zap.String("path", c.Request.URL.Path),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal"})
			}
		}()
		c.Next()
	}
}

// Auth authenticates the request into an explicit principal: either a JWT
// bearer (user) or a guest token (viewer on exactly one list). No session
// state survives outside the request context.
func Auth(signKey []byte, lists listResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		if id, ok := userFromBearer(c.GetHeader("Authorization"), signKey); ok {
			WithPrincipal(c, model.Principal{ID: id, Kind: model.PrincipalUser})
			c.Next()
			return
		}

		token := c.GetHeader("X-Guest-Token")
		if token == "" {
			token = c.Query("guest")
		}
		if token != "" {
			l, err := lists.GetByGuestToken(c.Request.Context(), token)
			if err == nil {
				WithPrincipal(c, model.Principal{Kind: model.PrincipalGuest, GuestListID: l.ID})
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}

// userFromBearer extracts "Bearer <JWT>", verifies HS256, returns sub as UUID.
func userFromBearer(header string, signKey []byte) (uuid.UUID, bool) {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return uuid.Nil, false
	}
	raw := strings.TrimSpace(header[7:])

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return signKey, nil
	})
	if err != nil || !parsed.Valid {
		return uuid.Nil, false
	}

	v := jwt.NewValidator(jwt.WithLeeway(30 * time.Second))
	if err := v.Validate(&claims); err != nil {
		return uuid.Nil, false
	}

	id, err := uuid.FromString(claims.Subject)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
