package middleware

import (
	midsec "ChannelGateway/middleware/security"

	"github.com/gin-gonic/gin"
)

type AuthMode int

const (
	AuthNone     AuthMode = iota
	AuthResolve           // attach identity if present, never abort
	AuthRequired          // 401 without a valid token
	AuthInternal          // shared service token
)

// 配置选项
type RouteOpt struct {
	Auth AuthMode
}

// Routes wraps a gin router with the gateway's auth modes.
type Routes struct {
	r             gin.IRoutes
	auth          *midsec.Options
	internalToken string
}

func NewRoutes(r gin.IRoutes, auth *midsec.Options, internalToken string) *Routes {
	return &Routes{r: r, auth: auth, internalToken: internalToken}
}

func (x *Routes) chain(handler gin.HandlerFunc, opt RouteOpt) []gin.HandlerFunc {
	switch opt.Auth {
	case AuthResolve:
		return []gin.HandlerFunc{midsec.Resolve(x.auth), handler}
	case AuthRequired:
		return []gin.HandlerFunc{midsec.Require(x.auth), handler}
	case AuthInternal:
		return []gin.HandlerFunc{midsec.Internal(x.internalToken), handler}
	default:
		return []gin.HandlerFunc{handler}
	}
}

// 封装 POST
func (x *Routes) POST(path string, handler gin.HandlerFunc, opt RouteOpt) {
	x.r.POST(path, x.chain(handler, opt)...)
}

// 封装 GET
func (x *Routes) GET(path string, handler gin.HandlerFunc, opt RouteOpt) {
	x.r.GET(path, x.chain(handler, opt)...)
}
