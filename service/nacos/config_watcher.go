package nacos

import (
	"context"
	"sync"

	"PPGate/logger"
	"PPGate/tools/errs"

	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"go.uber.org/zap"
)

// ConfigSource config_client.IConfigClient 的子集
type ConfigSource interface {
	GetConfig(param vo.ConfigParam) (string, error)
	ListenConfig(param vo.ConfigParam) error
	CancelListenConfig(param vo.ConfigParam) error
}

// Watcher 拉取一次远端配置并持续监听变更，每次内容都交给 apply
type Watcher struct {
	src    ConfigSource
	dataID string
	group  string
	apply  func(content string) error

	mu      sync.RWMutex
	current string
}

func NewWatcher(src ConfigSource, dataID, group string, apply func(content string) error) *Watcher {
	return &Watcher{src: src, dataID: dataID, group: group, apply: apply}
}

func (w *Watcher) update(content string) {
	log := logger.Named("nacos")
	if err := w.apply(content); err != nil {
		// 保留旧配置
		log.Warn("apply remote config failed", zap.String("data_id", w.dataID), zap.Error(err))
		return
	}
	w.mu.Lock()
	w.current = content
	w.mu.Unlock()
	log.Info("remote config applied", zap.String("data_id", w.dataID), zap.Int("bytes", len(content)))
}

// Current 最近一次成功应用的内容
func (w *Watcher) Current() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Run 阻塞到 ctx 结束
func (w *Watcher) Run(ctx context.Context) error {
	content, err := w.src.GetConfig(vo.ConfigParam{DataId: w.dataID, Group: w.group})
	if err != nil {
		return errs.WrapMsg(err, "get nacos config", "data_id", w.dataID, "group", w.group)
	}
	w.update(content)

	param := vo.ConfigParam{
		DataId: w.dataID,
		Group:  w.group,
		OnChange: func(_, _, _, data string) {
			w.update(data)
		},
	}
	if err := w.src.ListenConfig(param); err != nil {
		return errs.WrapMsg(err, "listen nacos config", "data_id", w.dataID)
	}
	<-ctx.Done()
	_ = w.src.CancelListenConfig(param)
	return nil
}
