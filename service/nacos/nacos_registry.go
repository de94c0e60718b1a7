package nacos

import (
	"sort"
	"strings"
	"sync"

	"PPGate/logger"
	"PPGate/tools/errs"

	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"go.uber.org/zap"
)

// Naming naming_client.INamingClient 的子集
type Naming interface {
	RegisterInstance(param vo.RegisterInstanceParam) (bool, error)
	DeregisterInstance(param vo.DeregisterInstanceParam) (bool, error)
}

// Registry 把网关实例登记到 nacos，metadata 里带上节点与能力
type Registry struct {
	ServiceName string
	IP          string
	Port        uint64
	Group       string

	client   Naming
	mutex    sync.Mutex
	meta     map[string]string
	features map[string]struct{}
}

func NewRegistry(client Naming, serviceName, ip string, port uint64) *Registry {
	return &Registry{
		ServiceName: serviceName,
		IP:          ip,
		Port:        port,
		Group:       "DEFAULT_GROUP",
		client:      client,
		meta:        map[string]string{"protocol": "ws"},
		features:    make(map[string]struct{}),
	}
}

// SetMeta 在 Register 前调用
func (r *Registry) SetMeta(k, v string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.meta[k] = v
}

// AddFeature 已注册时会重新登记
func (r *Registry) AddFeature(name string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, ok := r.features[name]; ok {
		return nil
	}
	r.features[name] = struct{}{}
	return r.register()
}

func (r *Registry) Register() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.register()
}

func (r *Registry) metadata() map[string]string {
	out := make(map[string]string, len(r.meta)+1)
	for k, v := range r.meta {
		out[k] = v
	}
	if len(r.features) > 0 {
		list := make([]string, 0, len(r.features))
		for f := range r.features {
			list = append(list, f)
		}
		sort.Strings(list)
		out["features"] = strings.Join(list, ",")
	}
	return out
}

func (r *Registry) register() error {
	ok, err := r.client.RegisterInstance(vo.RegisterInstanceParam{
		Ip:          r.IP,
		Port:        r.Port,
		ServiceName: r.ServiceName,
		GroupName:   r.Group,
		ClusterName: "DEFAULT",
		Weight:      1,
		Enable:      true,
		Healthy:     true,
		Ephemeral:   true,
		Metadata:    r.metadata(),
	})
	if err != nil {
		return errs.WrapMsg(err, "nacos register", "service", r.ServiceName)
	}
	if !ok {
		return errs.New("nacos register returned false", "service", r.ServiceName)
	}
	logger.Named("nacos").Info("instance registered",
		zap.String("service", r.ServiceName), zap.String("ip", r.IP), zap.Uint64("port", r.Port))
	return nil
}

func (r *Registry) Deregister() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	ok, err := r.client.DeregisterInstance(vo.DeregisterInstanceParam{
		Ip:          r.IP,
		Port:        r.Port,
		ServiceName: r.ServiceName,
		GroupName:   r.Group,
		Cluster:     "DEFAULT",
		Ephemeral:   true,
	})
	if err != nil {
		return errs.WrapMsg(err, "nacos deregister", "service", r.ServiceName)
	}
	if !ok {
		logger.Named("nacos").Warn("instance not found on deregister", zap.String("service", r.ServiceName))
	}
	return nil
}
