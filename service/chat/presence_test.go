package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingMirror struct {
	mu    sync.Mutex
	state map[string]bool
	calls int
}

func (m *recordingMirror) SetOnline(_ context.Context, user string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[user] = true
	m.calls++
	return nil
}

func (m *recordingMirror) SetOffline(_ context.Context, user string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[user] = false
	m.calls++
	return nil
}

func (m *recordingMirror) get(user string) (bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.state[user]
	return v, ok
}

func startPresence(t *testing.T, rig *testRig, conf PresenceConf, contacts fakeContacts) *PresenceTracker {
	t.Helper()
	p := NewPresenceTracker(conf, rig.reg, rig.router, contacts, rig.membership, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return p
}

func presenceOf(h *fakeHandle, user string) []bool {
	var out []bool
	for _, f := range h.framesOf(FramePresence) {
		if f.UserID == user && f.Online != nil {
			out = append(out, *f.Online)
		}
	}
	return out
}

func waitPresence(t *testing.T, h *fakeHandle, user string, want ...bool) {
	t.Helper()
	require.Eventually(t, func() bool { return len(presenceOf(h, user)) >= len(want) },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, presenceOf(h, user))
}

func TestPresenceNotifiesContactsAndChannelMembers(t *testing.T) {
	rig := newRig(t)
	rig.membership.set("general", "alice", "carol")
	startPresence(t, rig, PresenceConf{}, fakeContacts{"alice": {"bob"}})

	bob := rig.online(t, "bob")
	carol := rig.online(t, "carol")
	dave := rig.online(t, "dave")

	alice := newFakeHandle()
	require.NoError(t, rig.reg.Register("alice", alice))
	waitPresence(t, bob, "alice", true)
	waitPresence(t, carol, "alice", true)

	rig.reg.Deregister(alice)
	waitPresence(t, bob, "alice", true, false)
	waitPresence(t, carol, "alice", true, false)

	assert.Empty(t, presenceOf(dave, "alice"))
	assert.Empty(t, presenceOf(alice, "alice"))
}

func TestPresenceMultiDeviceSingleNotice(t *testing.T) {
	rig := newRig(t)
	startPresence(t, rig, PresenceConf{}, fakeContacts{"alice": {"bob"}})
	bob := rig.online(t, "bob")

	phone, laptop := newFakeHandle(), newFakeHandle()
	require.NoError(t, rig.reg.Register("alice", phone))
	require.NoError(t, rig.reg.Register("alice", laptop))
	waitPresence(t, bob, "alice", true)

	rig.reg.Deregister(phone)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []bool{true}, presenceOf(bob, "alice"))

	rig.reg.Deregister(laptop)
	waitPresence(t, bob, "alice", true, false)
}

func TestPresenceDebounceCoalescesFlaps(t *testing.T) {
	rig := newRig(t)
	p := startPresence(t, rig, PresenceConf{Debounce: 40 * time.Millisecond}, fakeContacts{"alice": {"bob"}})
	assert.Equal(t, 40*time.Millisecond, p.Debounce())
	bob := rig.online(t, "bob")

	h := newFakeHandle()
	require.NoError(t, rig.reg.Register("alice", h))
	waitPresence(t, bob, "alice", true)

	// 窗口内掉线又重连：对外不可见
	rig.reg.Deregister(h)
	h2 := newFakeHandle()
	require.NoError(t, rig.reg.Register("alice", h2))
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, []bool{true}, presenceOf(bob, "alice"))

	rig.reg.Deregister(h2)
	waitPresence(t, bob, "alice", true, false)
}

func TestPresenceAudienceAndMirror(t *testing.T) {
	rig := newRig(t)
	rig.membership.set("general", "alice", "bob", "carol")
	rig.membership.set("ops", "alice", "erin")
	mirror := &recordingMirror{state: map[string]bool{}}

	p := NewPresenceTracker(PresenceConf{}, rig.reg, rig.router, fakeContacts{"alice": {"bob", "dave", "alice"}}, rig.membership, nil)
	p.SetMirror(mirror)
	assert.ElementsMatch(t, []string{"bob", "carol", "dave", "erin"}, p.Audience(context.Background(), "alice"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	h := newFakeHandle()
	require.NoError(t, rig.reg.Register("alice", h))
	assert.True(t, p.IsOnline("alice"))
	require.Eventually(t, func() bool { v, ok := mirror.get("alice"); return ok && v }, time.Second, 5*time.Millisecond)

	rig.reg.Deregister(h)
	assert.False(t, p.IsOnline("alice"))
	require.Eventually(t, func() bool { v, ok := mirror.get("alice"); return ok && !v }, time.Second, 5*time.Millisecond)
}

func TestPresenceMirrorRefresh(t *testing.T) {
	rig := newRig(t)
	mirror := &recordingMirror{state: map[string]bool{}}
	p := NewPresenceTracker(PresenceConf{MirrorRefresh: 10 * time.Millisecond}, rig.reg, rig.router, fakeContacts{}, rig.membership, nil)
	p.SetMirror(mirror)
	rig.online(t, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.Eventually(t, func() bool {
		mirror.mu.Lock()
		defer mirror.mu.Unlock()
		return mirror.calls >= 3
	}, time.Second, 5*time.Millisecond)
	v, _ := mirror.get("alice")
	assert.True(t, v)
}
