package security

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"PPGate/tools/errs"

	"github.com/gin-gonic/gin"
)

// context key
const (
	PPCtxUserIDKey = "ppgate.user_id"
	CookieJWT      = "jwt"
	QueryToken     = "token"
)

// Validator 与网关的 Authenticator 同形
type Validator interface {
	Validate(ctx context.Context, token string) (string, error)
}

// TokenFromRequest 依次取 Authorization: Bearer、?token=、Cookie jwt
func TokenFromRequest(r *http.Request) string {
	if authz := strings.TrimSpace(r.Header.Get("Authorization")); authz != "" {
		if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
			return strings.TrimSpace(authz[7:])
		}
	}
	if tok := strings.TrimSpace(r.URL.Query().Get(QueryToken)); tok != "" {
		return tok
	}
	if ck, err := r.Cookie(CookieJWT); err == nil {
		return strings.TrimSpace(ck.Value)
	}
	return ""
}

func Middleware(v Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := TokenFromRequest(c.Request)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrAuth.WithDetail("missing token"))
			return
		}
		userID, err := v.Validate(c.Request.Context(), token)
		if err != nil {
			var ce *errs.CodeError
			if !errors.As(err, &ce) {
				ce = errs.ErrAuth
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, errs.NewCodeError(ce.Code, ce.Msg))
			return
		}
		c.Set(PPCtxUserIDKey, userID)
		c.Next()
	}
}

// UserID 取中间件写入的用户标识
func UserID(c *gin.Context) string {
	return c.GetString(PPCtxUserIDKey)
}
