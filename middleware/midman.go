package middleware

import (
	"sync"

	"github.com/gin-gonic/gin"
)

// MiddlewareManager 运行期可增删的中间件链；链内 handler 不应调用 c.Next
type MiddlewareManager struct {
	mu    sync.RWMutex
	names []string
	mids  map[string]gin.HandlerFunc
}

func NewManager() *MiddlewareManager {
	return &MiddlewareManager{mids: make(map[string]gin.HandlerFunc)}
}

// Set 同名替换，位置不变
func (m *MiddlewareManager) Set(name string, h gin.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mids[name]; !ok {
		m.names = append(m.names, name)
	}
	m.mids[name] = h
}

func (m *MiddlewareManager) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mids[name]; !ok {
		return
	}
	delete(m.mids, name)
	for i, n := range m.names {
		if n == name {
			m.names = append(m.names[:i], m.names[i+1:]...)
			break
		}
	}
}

// Use 作为总控挂到 Engine 上
func (m *MiddlewareManager) Use() gin.HandlerFunc {
	return func(c *gin.Context) {
		m.mu.RLock()
		handlers := make([]gin.HandlerFunc, 0, len(m.names))
		for _, n := range m.names {
			handlers = append(handlers, m.mids[n])
		}
		m.mu.RUnlock()

		for _, h := range handlers {
			h(c)
			if c.IsAborted() {
				return
			}
		}
		c.Next()
	}
}
