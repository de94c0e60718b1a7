package message

import (
	"context"
	"sort"
	"sync"

	"PPGate/service/chat"
	"PPGate/tools/errs"
)

var (
	_ chat.Persistence = (*MemoryStore)(nil)
	_ chat.Membership  = (*MemoryStore)(nil)
	_ chat.Contacts    = (*MemoryStore)(nil)
)

// MemoryStore 进程内存储，开发和测试用；重启即丢
type MemoryStore struct {
	mu       sync.RWMutex
	seqs     map[string]int64
	msgs     map[string][]*chat.Message // conv -> seq 升序
	channels map[string]map[string]struct{}
	contacts map[string]map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		seqs:     make(map[string]int64),
		msgs:     make(map[string][]*chat.Message),
		channels: make(map[string]map[string]struct{}),
		contacts: make(map[string]map[string]struct{}),
	}
}

func (s *MemoryStore) Store(_ context.Context, m *chat.Message) (int64, error) {
	conv := m.ConversationKey()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seqs[conv]++
	cp := *m
	cp.Seq = s.seqs[conv]
	s.msgs[conv] = append(s.msgs[conv], &cp)
	if !m.To.IsChannel() {
		s.link(m.SenderID, m.To.UserID)
		s.link(m.To.UserID, m.SenderID)
	}
	return cp.Seq, nil
}

func (s *MemoryStore) link(a, b string) {
	if a == b {
		return
	}
	set, ok := s.contacts[a]
	if !ok {
		set = make(map[string]struct{})
		s.contacts[a] = set
	}
	set[b] = struct{}{}
}

func (s *MemoryStore) FetchSince(_ context.Context, conv string, afterSeq int64, limit int) ([]*chat.Message, error) {
	limit = clampLimit(limit, defaultFetchLimit, maxFetchLimit)
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.msgs[conv]
	i := sort.Search(len(list), func(i int) bool { return list[i].Seq > afterSeq })
	var out []*chat.Message
	for ; i < len(list) && len(out) < limit; i++ {
		cp := *list[i]
		out = append(out, &cp)
	}
	return out, nil
}

// AddChannel 创建频道或追加成员
func (s *MemoryStore) AddChannel(channelID string, members ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.channels[channelID]
	if !ok {
		set = make(map[string]struct{})
		s.channels[channelID] = set
	}
	for _, m := range members {
		if m != "" {
			set[m] = struct{}{}
		}
	}
}

func (s *MemoryStore) RemoveMember(channelID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.channels[channelID]
	if !ok {
		return errs.ErrUnknownChannel.WrapMsg("no such channel", "channel", channelID)
	}
	delete(set, userID)
	return nil
}

func (s *MemoryStore) MembersOf(_ context.Context, channelID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.channels[channelID]
	if !ok {
		return nil, errs.ErrUnknownChannel.WrapMsg("no such channel", "channel", channelID)
	}
	return sortedKeys(set), nil
}

func (s *MemoryStore) ChannelsOf(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, set := range s.channels {
		if _, ok := set[userID]; ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) ContactsOf(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.contacts[userID]), nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
