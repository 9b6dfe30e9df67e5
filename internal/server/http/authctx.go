// Package httpserver exposes the wishlist coordination API over HTTP.
package httpserver

import (
	"github.com/gin-gonic/gin"

	"github.com/wishlane/wishlane/internal/model"
)

const principalKey = "wishlane.principal"

// WithPrincipal stores the authenticated principal in the request context.
func WithPrincipal(c *gin.Context, p model.Principal) {
	c.Set(principalKey, p)
}

// PrincipalFrom fetches the principal placed by the auth middleware.
func PrincipalFrom(c *gin.Context) (model.Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return model.Principal{}, false
	}
	p, ok := v.(model.Principal)
	return p, ok
}
