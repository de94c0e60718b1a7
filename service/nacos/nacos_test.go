package nacos

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConfig struct {
	mu        sync.Mutex
	content   string
	getErr    error
	onChange  func(namespace, group, dataId, data string)
	cancelled bool
}

func (f *fakeConfig) GetConfig(vo.ConfigParam) (string, error) { return f.content, f.getErr }

func (f *fakeConfig) ListenConfig(p vo.ConfigParam) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onChange = p.OnChange
	return nil
}

func (f *fakeConfig) CancelListenConfig(vo.ConfigParam) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
	return nil
}

func (f *fakeConfig) push(data string) {
	f.mu.Lock()
	cb := f.onChange
	f.mu.Unlock()
	cb("public", "DEFAULT_GROUP", "ppgate.yaml", data)
}

func (f *fakeConfig) listening() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.onChange != nil
}

func TestWatcherAppliesAndListens(t *testing.T) {
	src := &fakeConfig{content: "level: debug"}
	var (
		mu      sync.Mutex
		applied []string
	)
	w := NewWatcher(src, "ppgate.yaml", "DEFAULT_GROUP", func(c string) error {
		if c == "broken" {
			return errors.New("yaml: bad")
		}
		mu.Lock()
		applied = append(applied, c)
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, src.listening, time.Second, 5*time.Millisecond)
	assert.Equal(t, "level: debug", w.Current())

	src.push("broken")
	assert.Equal(t, "level: debug", w.Current())
	src.push("level: info")
	assert.Equal(t, "level: info", w.Current())

	cancel()
	require.NoError(t, <-done)
	assert.True(t, src.cancelled)
	mu.Lock()
	assert.Equal(t, []string{"level: debug", "level: info"}, applied)
	mu.Unlock()
}

func TestWatcherGetError(t *testing.T) {
	src := &fakeConfig{getErr: errors.New("timeout")}
	w := NewWatcher(src, "ppgate.yaml", "DEFAULT_GROUP", func(string) error { return nil })
	err := w.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

type fakeNaming struct {
	registered []vo.RegisterInstanceParam
	deregs     int
	ok         bool
}

func (f *fakeNaming) RegisterInstance(p vo.RegisterInstanceParam) (bool, error) {
	f.registered = append(f.registered, p)
	return f.ok, nil
}

func (f *fakeNaming) DeregisterInstance(vo.DeregisterInstanceParam) (bool, error) {
	f.deregs++
	return f.ok, nil
}

func TestRegistryMetadata(t *testing.T) {
	n := &fakeNaming{ok: true}
	r := NewRegistry(n, "ppgate", "10.0.0.1", 8747)
	r.SetMeta("node", "node-a")
	require.NoError(t, r.Register())
	require.NoError(t, r.AddFeature("relay"))
	require.NoError(t, r.AddFeature("relay"))

	require.Len(t, n.registered, 2)
	last := n.registered[1]
	assert.Equal(t, "10.0.0.1", last.Ip)
	assert.Equal(t, uint64(8747), last.Port)
	assert.Equal(t, map[string]string{"protocol": "ws", "node": "node-a", "features": "relay"}, last.Metadata)

	require.NoError(t, r.Deregister())
	assert.Equal(t, 1, n.deregs)
}

func TestRegistryRejected(t *testing.T) {
	r := NewRegistry(&fakeNaming{}, "ppgate", "10.0.0.1", 8747)
	assert.Error(t, r.Register())
	// 找不到实例只告警
	assert.NoError(t, r.Deregister())
}
