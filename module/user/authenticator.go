package user

import (
	"context"

	"PPGate/service/chat"
	"PPGate/tools/security"
)

var _ chat.Authenticator = (*Authenticator)(nil)

// Authenticator 校验 HMAC JWT，sub 即用户标识
type Authenticator struct {
	opts security.Options
}

func NewAuthenticator(opts security.Options) *Authenticator {
	return &Authenticator{opts: opts}
}

// Validate 签名错误/过期返回 errs.ErrAuth 族错误
func (a *Authenticator) Validate(ctx context.Context, token string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return security.Verify(a.opts, token)
}
