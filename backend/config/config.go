package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"` // console | json
	} `mapstructure:"log"`
	Store struct {
		Driver string `mapstructure:"driver"` // mysql | memory
	} `mapstructure:"store"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		Secret string `mapstructure:"secret"`
	} `mapstructure:"auth"`
	WS struct {
		AllowedOrigins []string `mapstructure:"allowedOrigins"`
		MaxInFlight    int      `mapstructure:"maxInFlight"`
	} `mapstructure:"ws"`
	Collab Collab `mapstructure:"collab"`
}

type Collab struct {
	HeartbeatInterval  time.Duration `mapstructure:"heartbeatInterval"`
	HeartbeatTimeout   time.Duration `mapstructure:"heartbeatTimeout"`
	IdleEviction       time.Duration `mapstructure:"idleEviction"`
	SnapshotInterval   time.Duration `mapstructure:"snapshotInterval"`
	SnapshotEvery      int           `mapstructure:"snapshotEvery"`
	MaxLogEntries      int           `mapstructure:"maxLogEntries"`
	TickInterval       time.Duration `mapstructure:"tickInterval"`
	TickOpTimeout      time.Duration `mapstructure:"tickOpTimeout"`
	SendQueue          int           `mapstructure:"sendQueue"`
	BestEffortQueue    int           `mapstructure:"bestEffortQueue"`
	Palette            []string      `mapstructure:"palette"`
	MaxLoads           int           `mapstructure:"maxLoads"`
	PersistWorkers     int           `mapstructure:"persistWorkers"`
	PersistQueue       int           `mapstructure:"persistQueue"`
	PersistBaseBackoff time.Duration `mapstructure:"persistBaseBackoff"`
	PersistMaxBackoff  time.Duration `mapstructure:"persistMaxBackoff"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8082)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("store.driver", "mysql")
	v.SetDefault("kafka.topic", "doc-ops")
	// 没有默认密钥，必须由配置文件或 COLLAB_AUTH_SECRET 提供
	v.SetDefault("auth.secret", "")
	v.SetDefault("ws.maxInFlight", 256)

	v.SetDefault("collab.heartbeatInterval", 10*time.Second)
	v.SetDefault("collab.heartbeatTimeout", 30*time.Second)
	v.SetDefault("collab.idleEviction", 5*time.Minute)
	v.SetDefault("collab.snapshotInterval", time.Minute)
	v.SetDefault("collab.snapshotEvery", 100)
	v.SetDefault("collab.maxLogEntries", 1024)
	v.SetDefault("collab.tickInterval", time.Second)
	v.SetDefault("collab.tickOpTimeout", 5*time.Second)
	v.SetDefault("collab.sendQueue", 256)
	v.SetDefault("collab.bestEffortQueue", 64)
	v.SetDefault("collab.maxLoads", 16)
	v.SetDefault("collab.persistWorkers", 4)
	v.SetDefault("collab.persistQueue", 1024)
	v.SetDefault("collab.persistBaseBackoff", 100*time.Millisecond)
	v.SetDefault("collab.persistMaxBackoff", 10*time.Second)
}

// Load 读取 collabConfig.yaml，环境变量 COLLAB_* 覆盖（如 COLLAB_AUTH_SECRET）。
// 找不到配置文件时只用默认值和环境变量。
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		// 兼容从项目根目录或 backend 目录启动
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var ErrMissingSecret = errors.New("auth.secret is empty, set it in collabConfig.yaml or COLLAB_AUTH_SECRET")

// Validate 拒绝无法安全启动的配置
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Auth.Secret) == "" {
		return ErrMissingSecret
	}
	return nil
}
