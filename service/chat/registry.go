package chat

import (
	"hash/crc32"
	"sync"
	"sync/atomic"
	"time"

	"PPGate/tools/errs"
)

const registryShards = 64

type registryShard struct {
	mu     sync.RWMutex
	byUser map[string]map[string]Handle // user -> handle_id -> handle
}

// Registry 用户 -> 在线连接集合。按用户分片加锁，同一用户的增删串行化
type Registry struct {
	shards [registryShards]*registryShard

	ownerMu sync.Mutex
	owner   map[string]string // handle_id -> user

	listeners atomic.Pointer[[]func(Transition)]
	handles   atomic.Int64
	users     atomic.Int64
	clock     func() time.Time
}

func NewRegistry() *Registry {
	r := &Registry{
		owner: make(map[string]string),
		clock: time.Now,
	}
	for i := range r.shards {
		r.shards[i] = &registryShard{byUser: make(map[string]map[string]Handle)}
	}
	return r
}

// Subscribe 注册上下线监听。回调在该用户的分片锁内执行，
// 因此同一用户的事件有序到达；回调不得阻塞。
func (r *Registry) Subscribe(fn func(Transition)) {
	for {
		old := r.listeners.Load()
		var next []func(Transition)
		if old != nil {
			next = append(next, *old...)
		}
		next = append(next, fn)
		if r.listeners.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (r *Registry) shard(userID string) *registryShard {
	return r.shards[crc32.ChecksumIEEE([]byte(userID))%registryShards]
}

// Register 绑定 handle 到用户。handle 已在任一用户下注册时返回 ErrDuplicateHandle；
// 该用户的第一条连接触发上线事件。
func (r *Registry) Register(userID string, h Handle) error {
	return r.RegisterThen(userID, h, nil)
}

// RegisterThen 同 Register；admitted 在分片锁内、任何 Lookup 看到该 handle 之前执行，
// 其中写入 handle 的帧先于所有实时投递。admitted 不得阻塞，也不得回调 Registry。
func (r *Registry) RegisterThen(userID string, h Handle, admitted func()) error {
	if userID == "" || h == nil {
		return errs.ErrArgs.WrapMsg("register needs user and handle")
	}
	s := r.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	r.ownerMu.Lock()
	if prev, dup := r.owner[h.ID()]; dup {
		r.ownerMu.Unlock()
		return errs.ErrDuplicateHandle.WrapMsg("handle already registered", "handle", h.ID(), "user", prev)
	}
	r.owner[h.ID()] = userID
	r.ownerMu.Unlock()

	set := s.byUser[userID]
	first := set == nil
	if first {
		set = make(map[string]Handle)
		s.byUser[userID] = set
		r.users.Add(1)
	}
	set[h.ID()] = h
	r.handles.Add(1)

	if first {
		r.emit(Transition{UserID: userID, Online: true, At: r.clock()})
	}
	if admitted != nil {
		admitted()
	}
	return nil
}

// Deregister 幂等；返回本次是否真正移除。最后一条连接移除时触发下线事件
func (r *Registry) Deregister(h Handle) bool {
	if h == nil {
		return false
	}
	id := h.ID()

	r.ownerMu.Lock()
	userID, ok := r.owner[id]
	r.ownerMu.Unlock()
	if !ok {
		return false
	}

	s := r.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	// 拿到分片锁后复核，防止并发的重复注销
	r.ownerMu.Lock()
	if cur, still := r.owner[id]; !still || cur != userID {
		r.ownerMu.Unlock()
		return false
	}
	delete(r.owner, id)
	r.ownerMu.Unlock()

	set := s.byUser[userID]
	if _, in := set[id]; !in {
		return false
	}
	delete(set, id)
	r.handles.Add(-1)
	if len(set) == 0 {
		delete(s.byUser, userID)
		r.users.Add(-1)
		r.emit(Transition{UserID: userID, Online: false, At: r.clock()})
	}
	return true
}

// Lookup 调用时刻的快照，可能为空
func (r *Registry) Lookup(userID string) []Handle {
	s := r.shard(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.byUser[userID]
	if len(set) == 0 {
		return nil
	}
	out := make([]Handle, 0, len(set))
	for _, h := range set {
		out = append(out, h)
	}
	return out
}

func (r *Registry) Online(userID string) bool {
	s := r.shard(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byUser[userID]) > 0
}

// OwnerOf 返回 handle 当前绑定的用户
func (r *Registry) OwnerOf(h Handle) (string, bool) {
	r.ownerMu.Lock()
	defer r.ownerMu.Unlock()
	u, ok := r.owner[h.ID()]
	return u, ok
}

func (r *Registry) Stats() (users, handles int) {
	return int(r.users.Load()), int(r.handles.Load())
}

// Range 遍历所有连接（关停、统计用，开销大）
func (r *Registry) Range(fn func(userID string, h Handle)) {
	for _, s := range r.shards {
		s.mu.RLock()
		var snap []struct {
			u string
			h Handle
		}
		for u, set := range s.byUser {
			for _, h := range set {
				snap = append(snap, struct {
					u string
					h Handle
				}{u, h})
			}
		}
		s.mu.RUnlock()
		for _, it := range snap {
			fn(it.u, it.h)
		}
	}
}

func (r *Registry) emit(t Transition) {
	ls := r.listeners.Load()
	if ls == nil {
		return
	}
	for _, fn := range *ls {
		fn(t)
	}
}
