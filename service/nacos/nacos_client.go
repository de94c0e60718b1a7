package nacos

import (
	"PPGate/tools/errs"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
)

// Conf nacos 连接参数
type Conf struct {
	Host      string
	Port      uint64
	Namespace string
	Username  string
	Password  string
	LogLevel  string
	CacheDir  string
	LogDir    string
}

func (c Conf) serverConfigs() []constant.ServerConfig {
	host, port := c.Host, c.Port
	if host == "" {
		host = "127.0.0.1"
	}
	if port == 0 {
		port = 8848
	}
	return []constant.ServerConfig{*constant.NewServerConfig(host, port)}
}

func (c Conf) clientConfig() *constant.ClientConfig {
	level, cache, logDir := c.LogLevel, c.CacheDir, c.LogDir
	if level == "" {
		level = "warn"
	}
	if cache == "" {
		cache = "nacos/cache"
	}
	if logDir == "" {
		logDir = "nacos/log"
	}
	opts := []constant.ClientOption{
		constant.WithNamespaceId(c.Namespace),
		constant.WithTimeoutMs(5000),
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogLevel(level),
		constant.WithCacheDir(cache),
		constant.WithLogDir(logDir),
	}
	if c.Username != "" {
		opts = append(opts, constant.WithUsername(c.Username), constant.WithPassword(c.Password))
	}
	return constant.NewClientConfig(opts...)
}

func (c Conf) params() vo.NacosClientParam {
	return vo.NacosClientParam{
		ClientConfig:  c.clientConfig(),
		ServerConfigs: c.serverConfigs(),
	}
}

func NewConfigClient(c Conf) (config_client.IConfigClient, error) {
	cli, err := clients.NewConfigClient(c.params())
	if err != nil {
		return nil, errs.WrapMsg(err, "create nacos config client", "host", c.Host)
	}
	return cli, nil
}

func NewNamingClient(c Conf) (naming_client.INamingClient, error) {
	cli, err := clients.NewNamingClient(c.params())
	if err != nil {
		return nil, errs.WrapMsg(err, "create nacos naming client", "host", c.Host)
	}
	return cli, nil
}
