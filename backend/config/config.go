package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// CollabConfig 协作服务配置（collabConfig.yaml）
type CollabConfig struct {
	Running struct {
		Port  int  `mapstructure:"Port"`
		Debug bool `mapstructure:"Debug"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"Kafka"`
	Auth struct {
		Secret string `mapstructure:"secret"`
	} `mapstructure:"Auth"`
	Collab struct {
		PersistInterval      time.Duration `mapstructure:"persistInterval"`
		TeardownDelay        time.Duration `mapstructure:"teardownDelay"`
		PresenceTTL          time.Duration `mapstructure:"presenceTTL"`
		GrantTTL             time.Duration `mapstructure:"grantTTL"`
		MaxConcurrentPersist int           `mapstructure:"maxConcurrentPersist"`
	} `mapstructure:"Collab"`
}

// ClientConfig 同步客户端配置（clientConfig.yaml），命令行参数可以覆盖
type ClientConfig struct {
	Server struct {
		BaseURL string        `mapstructure:"baseURL"`
		Token   string        `mapstructure:"token"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"Server"`
	Data struct {
		Dir string `mapstructure:"dir"`
	} `mapstructure:"Data"`
	Sync struct {
		Interval      time.Duration `mapstructure:"interval"`
		AutosaveDelay time.Duration `mapstructure:"autosaveDelay"`
	} `mapstructure:"Sync"`
}

// NewViper 兼容从项目根目录或 backend 目录启动；环境变量 VIBENOTES_<SECTION>_<KEY> 覆盖文件
func NewViper(name string) *viper.Viper {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("VIBENOTES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func LoadCollab() (*CollabConfig, error) {
	v := NewViper("collabConfig")
	v.SetDefault("Running.Port", 8082)
	v.SetDefault("Kafka.topic", "note-events")
	v.SetDefault("Collab.persistInterval", 5*time.Second)
	v.SetDefault("Collab.teardownDelay", 3*time.Second)
	v.SetDefault("Collab.presenceTTL", 2*time.Minute)
	v.SetDefault("Collab.grantTTL", 30*time.Second)
	v.SetDefault("Collab.maxConcurrentPersist", 8)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	cfg := &CollabConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadClient 配置文件可以不存在（全部走默认值和命令行参数）
func LoadClient(v *viper.Viper) (*ClientConfig, error) {
	v.SetDefault("Server.baseURL", "http://localhost:8082")
	v.SetDefault("Server.timeout", 10*time.Second)
	v.SetDefault("Data.dir", ".vibenotes")
	v.SetDefault("Sync.interval", 30*time.Second)
	v.SetDefault("Sync.autosaveDelay", 800*time.Millisecond)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}
	cfg := &ClientConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
