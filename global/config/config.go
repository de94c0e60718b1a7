package config

import (
	"strings"
	"time"

	"PPGate/tools/errs"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	StorageMongo  = "mongo"
	StorageMemory = "memory"
)

type Config struct {
	ConfigFile string `mapstructure:"config"`
	Level      string `mapstructure:"level"`
	NodeID     int64  `mapstructure:"node_id"`

	HTTP    HTTPConf    `mapstructure:"http"`
	Gateway GatewayConf `mapstructure:"gateway"`
	Auth    AuthConf    `mapstructure:"auth"`
	Storage StorageConf `mapstructure:"storage"`
	Mongo   MongoConf   `mapstructure:"mongo"`
	Redis   RedisConf   `mapstructure:"redis"`
	Nats    NatsConf    `mapstructure:"nats"`
	Nacos   NacosConf   `mapstructure:"nacos"`
	Metrics MetricsConf `mapstructure:"metrics"`
}

type HTTPConf struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	UploadDir      string   `mapstructure:"upload_dir"`
}

type GatewayConf struct {
	AuthTimeout      time.Duration `mapstructure:"auth_timeout"`
	MaxAuthAttempts  int           `mapstructure:"max_auth_attempts"`
	SendQueueSize    int           `mapstructure:"send_queue_size"`
	InboundQueueSize int           `mapstructure:"inbound_queue_size"`
	DeliveryTimeout  time.Duration `mapstructure:"delivery_timeout"`
	PersistTimeout   time.Duration `mapstructure:"persist_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	PongWait         time.Duration `mapstructure:"pong_wait"`
	WriteWait        time.Duration `mapstructure:"write_wait"`
	MaxMessageSize   int64         `mapstructure:"max_message_size"`
	PresenceDebounce time.Duration `mapstructure:"presence_debounce"`
	SendRate         float64       `mapstructure:"send_rate"`
	SendBurst        int           `mapstructure:"send_burst"`
	FanoutRetries    int           `mapstructure:"fanout_retries"`
	FanoutBackoff    time.Duration `mapstructure:"fanout_backoff"`
}

type AuthConf struct {
	Secret string        `mapstructure:"secret"`
	Alg    string        `mapstructure:"alg"`
	TTL    time.Duration `mapstructure:"ttl"`
}

type StorageConf struct {
	Driver string `mapstructure:"driver"`
	// 启动时写入的频道：id -> 成员
	Channels map[string][]string `mapstructure:"channels"`
}

type MongoConf struct {
	URI         string   `mapstructure:"uri"`
	Address     []string `mapstructure:"address"`
	Database    string   `mapstructure:"database"`
	Username    string   `mapstructure:"username"`
	Password    string   `mapstructure:"password"`
	AuthSource  string   `mapstructure:"auth_source"`
	MaxPoolSize int      `mapstructure:"max_pool_size"`
	MaxRetry    int      `mapstructure:"max_retry"`
}

type RedisConf struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	PresenceTTL time.Duration `mapstructure:"presence_ttl"`
}

type NatsConf struct {
	Servers []string      `mapstructure:"servers"`
	Name    string        `mapstructure:"name"`
	Subject string        `mapstructure:"subject"`
	User    string        `mapstructure:"user"`
	Pass    string        `mapstructure:"pass"`
	Mode    string        `mapstructure:"mode"`    // core | jetstream
	Stream  string        `mapstructure:"stream"`  // jetstream 流名
	MaxAge  time.Duration `mapstructure:"max_age"` // jetstream 流内保留时长
}

type NacosConf struct {
	Enabled     bool   `mapstructure:"enabled"`
	Host        string `mapstructure:"host"`
	Port        uint64 `mapstructure:"port"`
	Namespace   string `mapstructure:"namespace"`
	Group       string `mapstructure:"group"`
	DataID      string `mapstructure:"data_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	ServiceName string `mapstructure:"service_name"`
	AdvertiseIP string `mapstructure:"advertise_ip"`
}

type MetricsConf struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("config", "")
	v.SetDefault("level", "info")
	v.SetDefault("node_id", 1)

	v.SetDefault("http.addr", ":8747")
	v.SetDefault("http.allowed_origins", []string{"http://localhost:5173"})
	v.SetDefault("http.upload_dir", "uploads")

	v.SetDefault("gateway.auth_timeout", 30*time.Second)
	v.SetDefault("gateway.max_auth_attempts", 3)
	v.SetDefault("gateway.send_queue_size", 256)
	v.SetDefault("gateway.inbound_queue_size", 64)
	v.SetDefault("gateway.delivery_timeout", 2*time.Second)
	v.SetDefault("gateway.persist_timeout", 5*time.Second)
	v.SetDefault("gateway.ping_interval", 25*time.Second)
	v.SetDefault("gateway.pong_wait", 60*time.Second)
	v.SetDefault("gateway.write_wait", 10*time.Second)
	v.SetDefault("gateway.max_message_size", 64*1024)
	v.SetDefault("gateway.presence_debounce", time.Duration(0))
	v.SetDefault("gateway.send_rate", 20.0)
	v.SetDefault("gateway.send_burst", 40)
	v.SetDefault("gateway.fanout_retries", 3)
	v.SetDefault("gateway.fanout_backoff", 200*time.Millisecond)

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.alg", "HS256")
	v.SetDefault("auth.ttl", 72*time.Hour)

	v.SetDefault("storage.driver", StorageMongo)

	v.SetDefault("mongo.uri", "mongodb://127.0.0.1:27017")
	v.SetDefault("mongo.address", []string{})
	v.SetDefault("mongo.database", "ppgate")
	v.SetDefault("mongo.username", "")
	v.SetDefault("mongo.password", "")
	v.SetDefault("mongo.auth_source", "")
	v.SetDefault("mongo.max_pool_size", 100)
	v.SetDefault("mongo.max_retry", 3)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.presence_ttl", 2*time.Minute)

	v.SetDefault("nats.servers", []string{})
	v.SetDefault("nats.name", "ppgate")
	v.SetDefault("nats.subject", "ppgate.relay")
	v.SetDefault("nats.user", "")
	v.SetDefault("nats.pass", "")
	v.SetDefault("nats.mode", "core")
	v.SetDefault("nats.stream", "PPGATE_RELAY")
	v.SetDefault("nats.max_age", time.Minute)

	v.SetDefault("nacos.enabled", false)
	v.SetDefault("nacos.host", "127.0.0.1")
	v.SetDefault("nacos.port", 8848)
	v.SetDefault("nacos.namespace", "public")
	v.SetDefault("nacos.group", "DEFAULT_GROUP")
	v.SetDefault("nacos.data_id", "ppgate.yaml")
	v.SetDefault("nacos.username", "")
	v.SetDefault("nacos.password", "")
	v.SetDefault("nacos.service_name", "ppgate")
	v.SetDefault("nacos.advertise_ip", "")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Loader 持有 viper 实例，远端配置（nacos）合并后重新解析
type Loader struct {
	v *viper.Viper
}

// Load 默认值 -> 配置文件(--config) -> 环境变量(PPGATE_*)
func Load(args []string) (*Loader, *Config, error) {
	v := viper.New()
	setDefaults(v)

	fs := pflag.NewFlagSet("ppgate", pflag.ContinueOnError)
	fs.String("config", "", "Config file location")
	fs.String("level", "info", "Log level")
	fs.String("http.addr", ":8747", "HTTP listen address")
	fs.String("storage.driver", StorageMongo, "Storage backend: mongo | memory")
	if err := fs.Parse(args); err != nil {
		return nil, nil, errs.WrapMsg(err, "parse flags")
	}
	// 只绑定显式给出的 flag，避免 flag 默认值盖住配置文件
	var bindErr error
	fs.Visit(func(f *pflag.Flag) {
		if err := v.BindPFlag(f.Name, f); err != nil && bindErr == nil {
			bindErr = err
		}
	})
	if bindErr != nil {
		return nil, nil, errs.WrapMsg(bindErr, "bind flags")
	}

	v.SetEnvPrefix("PPGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.AllowEmptyEnv(false)
	// 兼容旧部署：ORIGIN=逗号分隔的前端地址
	_ = v.BindEnv("http.allowed_origins", "PPGATE_HTTP_ALLOWED_ORIGINS", "ORIGIN")

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, errs.WrapMsg(err, "read config file", "file", file)
		}
	}

	l := &Loader{v: v}
	c, err := l.decode()
	if err != nil {
		return nil, nil, err
	}
	return l, c, nil
}

// MergeYAML 合并一段 YAML（远端配置），返回新的配置快照
func (l *Loader) MergeYAML(content string) (*Config, error) {
	if strings.TrimSpace(content) == "" {
		return l.decode()
	}
	l.v.SetConfigType("yaml")
	if err := l.v.MergeConfig(strings.NewReader(content)); err != nil {
		return nil, errs.WrapMsg(err, "merge remote config")
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	c := &Config{}
	if err := l.v.Unmarshal(c); err != nil {
		return nil, errs.WrapMsg(err, "decode config")
	}
	c.HTTP.AllowedOrigins = splitList(c.HTTP.AllowedOrigins)
	c.Nats.Servers = splitList(c.Nats.Servers)
	c.Mongo.Address = splitList(c.Mongo.Address)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate 基本校验
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StorageMongo, StorageMemory:
	default:
		return errs.ErrArgs.WrapMsg("unknown storage driver", "driver", c.Storage.Driver)
	}
	if c.Gateway.MaxAuthAttempts <= 0 {
		return errs.ErrArgs.WrapMsg("gateway.max_auth_attempts must be positive")
	}
	if c.Gateway.SendQueueSize <= 0 || c.Gateway.InboundQueueSize <= 0 {
		return errs.ErrArgs.WrapMsg("gateway queue sizes must be positive")
	}
	if c.Gateway.DeliveryTimeout <= 0 {
		return errs.ErrArgs.WrapMsg("gateway.delivery_timeout must be positive")
	}
	if c.Gateway.PresenceDebounce < 0 {
		return errs.ErrArgs.WrapMsg("gateway.presence_debounce must not be negative")
	}
	switch strings.ToLower(c.Nats.Mode) {
	case "", "core", "jetstream", "js":
	default:
		return errs.ErrArgs.WrapMsg("unknown nats mode", "mode", c.Nats.Mode)
	}
	return nil
}

// 环境变量里的列表是 "a,b"，统一拆开并去空
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
