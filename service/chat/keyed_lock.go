package chat

import "sync"

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// keyedLock 按 key 互斥，空闲 key 自动回收
type keyedLock struct {
	mu sync.Mutex
	m  map[string]*keyedEntry
}

func newKeyedLock() *keyedLock {
	return &keyedLock{m: make(map[string]*keyedEntry)}
}

func (k *keyedLock) Lock(key string) (unlock func()) {
	k.mu.Lock()
	e := k.m[key]
	if e == nil {
		e = &keyedEntry{}
		k.m[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedLock) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.m)
}
