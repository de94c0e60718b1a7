package middleware

import (
	"net/url"
	"strings"
	"sync/atomic"
)

// OriginPolicy 前端来源白名单，可在运行期整体替换；"*" 放行全部
type OriginPolicy struct {
	set atomic.Pointer[map[string]struct{}]
}

func NewOriginPolicy(origins []string) *OriginPolicy {
	p := &OriginPolicy{}
	p.Update(origins)
	return p
}

func (p *OriginPolicy) Update(origins []string) {
	m := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o = normalizeOrigin(o); o != "" {
			m[o] = struct{}{}
		}
	}
	p.set.Store(&m)
}

// Allow 空 Origin（非浏览器客户端）放行
func (p *OriginPolicy) Allow(origin string) bool {
	if origin == "" {
		return true
	}
	m := *p.set.Load()
	if _, ok := m["*"]; ok {
		return true
	}
	_, ok := m[normalizeOrigin(origin)]
	return ok
}

// scheme://host[:port]，大小写不敏感，去掉尾部斜杠
func normalizeOrigin(o string) string {
	o = strings.TrimSpace(o)
	if o == "*" || o == "" {
		return o
	}
	u, err := url.Parse(o)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return strings.ToLower(strings.TrimRight(o, "/"))
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}
