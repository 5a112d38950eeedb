package security

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"ChannelGateway/logger"
	sec "ChannelGateway/tools/security"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// context keys
// downstream handlers read the resolved identity through these
const (
	CtxUserIDKey        = "userId"
	CtxWorkspaceSlugKey = "workspaceSlug"
	CtxUserNameKey      = "userName"
)

type Options struct {
	JWT sec.Options

	HeaderToken               string // default "X-Auth-Token"
	QueryToken                string // default "token"; browsers can't set headers on a ws upgrade
	CookieToken               string // default "auth_token"
	EnableAuthorizationBearer bool   // default true
}

func DefaultOptions(jwt sec.Options) *Options {
	return &Options{
		JWT:                       jwt,
		HeaderToken:               "X-Auth-Token",
		QueryToken:                "token",
		CookieToken:               "auth_token",
		EnableAuthorizationBearer: true,
	}
}

// extractToken looks at header, bearer, query and cookie in that order.
func extractToken(c *gin.Context, opts *Options) string {
	var token string
	if opts.HeaderToken != "" {
		token = strings.TrimSpace(c.GetHeader(opts.HeaderToken))
	}
	if token == "" && opts.EnableAuthorizationBearer {
		if authz := strings.TrimSpace(c.GetHeader("Authorization")); authz != "" {
			if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
				token = strings.TrimSpace(authz[len("bearer "):])
			}
		}
	}
	if token == "" && opts.QueryToken != "" {
		token = strings.TrimSpace(c.Query(opts.QueryToken))
	}
	if token == "" && opts.CookieToken != "" {
		if v, err := c.Cookie(opts.CookieToken); err == nil {
			token = strings.TrimSpace(v)
		}
	}
	return token
}

func resolve(c *gin.Context, opts *Options) (sec.Identity, bool) {
	token := extractToken(c, opts)
	if token == "" {
		return sec.Identity{}, false
	}
	id, err := sec.Verify(opts.JWT, token)
	if err != nil {
		logger.Log.Debug("token rejected", zap.Error(err), zap.String("path", c.Request.URL.Path))
		return sec.Identity{}, false
	}
	c.Set(CtxUserIDKey, id.UserID)
	c.Set(CtxWorkspaceSlugKey, id.WorkspaceSlug)
	if id.Name != "" {
		c.Set(CtxUserNameKey, id.Name)
	}
	return id, true
}

// Resolve attaches the identity when a valid token is present and always
// continues. The websocket route uses it: rejecting an unauthenticated
// upgrade is the gateway's job (close 1008), not the middleware's.
func Resolve(opts *Options) gin.HandlerFunc {
	if opts == nil {
		opts = DefaultOptions(sec.Options{})
	}
	return func(c *gin.Context) {
		resolve(c, opts)
		c.Next()
	}
}

// Require aborts with 401 unless a valid token is present.
func Require(opts *Options) gin.HandlerFunc {
	if opts == nil {
		opts = DefaultOptions(sec.Options{})
	}
	return func(c *gin.Context) {
		if _, ok := resolve(c, opts); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}
		c.Next()
	}
}

// Internal guards service-to-service endpoints with a shared token in
// X-Internal-Token. An empty configured token disables the endpoint.
func Internal(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader("X-Internal-Token")
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// IdentityFrom returns whatever Resolve/Require stored on the context.
// The zero Identity is returned when nothing was resolved.
func IdentityFrom(c *gin.Context) sec.Identity {
	return sec.Identity{
		UserID:        c.GetString(CtxUserIDKey),
		WorkspaceSlug: c.GetString(CtxWorkspaceSlugKey),
		Name:          c.GetString(CtxUserNameKey),
	}
}
