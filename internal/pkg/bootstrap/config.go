// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"flashsale/internal/pkg/logger"
	"flashsale/internal/pkg/nacos"

	"gopkg.in/yaml.v3"
)

// Config 是进程的完整配置
type Config struct {
	App   AppConfig   `yaml:"app"`
	Infra InfraConfig `yaml:"infra"`
	Sale  SaleConfig  `yaml:"sale"`
}

type AppConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"logLevel"`
}

type InfraConfig struct {
	Redis     RedisConfig     `yaml:"redis"`
	MySQL     MySQLConfig     `yaml:"mysql"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Jaeger    JaegerConfig    `yaml:"jaeger"`
	Zookeeper ZookeeperConfig `yaml:"zookeeper"`
	Nacos     NacosConfig     `yaml:"nacos"`
}

type RedisConfig struct {
	Addrs string `yaml:"addrs"`
}

type MySQLConfig struct {
	Addr            string        `yaml:"addr"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

type KafkaConfig struct {
	Brokers    []string `yaml:"brokers"`
	TaskTopic  string   `yaml:"taskTopic"`
	RetryTopic string   `yaml:"retryTopic"`
	DLTTopic   string   `yaml:"dltTopic"`
	GroupID    string   `yaml:"groupId"`
}

type JaegerConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sampleRatio"`
}

type ZookeeperConfig struct {
	Servers        string        `yaml:"servers"`
	SessionTimeout time.Duration `yaml:"sessionTimeout"`
	Root           string        `yaml:"root"`
}

type NacosConfig struct {
	ServerAddrs string `yaml:"serverAddrs"`
	Namespace   string `yaml:"namespace"`
	Group       string `yaml:"group"`
	DataId      string `yaml:"dataId"`
}

type SaleConfig struct {
	LockBackend       string        `yaml:"lockBackend"` // redis | zookeeper
	LockTTL           time.Duration `yaml:"lockTTL"`
	OpTimeout         time.Duration `yaml:"opTimeout"`
	SweepInterval     time.Duration `yaml:"sweepInterval"`
	ReconcileInterval time.Duration `yaml:"reconcileInterval"`
	Retry             RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseDelay   time.Duration `yaml:"baseDelay"`
	MaxDelay    time.Duration `yaml:"maxDelay"`
}

// DefaultConfig 返回本地开发用的默认配置
func DefaultConfig() Config {
	return Config{
		App: AppConfig{Port: 8080, LogLevel: "info"},
		Infra: InfraConfig{
			Redis: RedisConfig{Addrs: "localhost:6379"},
			MySQL: MySQLConfig{
				Addr: "localhost:3306", User: "root", Database: "flashsale",
				MaxOpenConns: 50, MaxIdleConns: 10, ConnMaxLifetime: time.Hour,
			},
			Kafka: KafkaConfig{
				Brokers:    []string{"localhost:9092"},
				TaskTopic:  "sale-persist-tasks",
				RetryTopic: "sale-persist-tasks-retry",
				DLTTopic:   "sale-persist-tasks-dlt",
				GroupID:    "persist-worker",
			},
			Jaeger:    JaegerConfig{Endpoint: "http://localhost:14268/api/traces", SampleRatio: 1},
			Zookeeper: ZookeeperConfig{Servers: "localhost:2181", SessionTimeout: 10 * time.Second, Root: "/flashsale_locks"},
			Nacos:     NacosConfig{Group: "DEFAULT_GROUP", DataId: "sale-service.yaml"},
		},
		Sale: SaleConfig{
			LockBackend:       "redis",
			LockTTL:           10 * time.Second,
			OpTimeout:         2 * time.Second,
			SweepInterval:     time.Minute,
			ReconcileInterval: 5 * time.Minute,
			Retry:             RetryConfig{MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: 2 * time.Minute},
		},
	}
}

// Validate 检查会破坏正确性的配置组合
func (c *Config) Validate() error {
	s := c.Sale
	if s.OpTimeout <= 0 {
		return fmt.Errorf("sale.opTimeout must be positive, got %s", s.OpTimeout)
	}
	// 锁必须比持有期间最坏情况下的存储操作活得更久
	if s.LockTTL <= 2*s.OpTimeout {
		return fmt.Errorf("sale.lockTTL (%s) must exceed twice sale.opTimeout (%s)", s.LockTTL, s.OpTimeout)
	}
	if s.LockBackend != "redis" && s.LockBackend != "zookeeper" {
		return fmt.Errorf("sale.lockBackend must be redis or zookeeper, got %q", s.LockBackend)
	}
	if s.Retry.MaxAttempts < 1 {
		return fmt.Errorf("sale.retry.maxAttempts must be at least 1, got %d", s.Retry.MaxAttempts)
	}
	if s.Retry.BaseDelay <= 0 {
		return fmt.Errorf("sale.retry.baseDelay must be positive, got %s", s.Retry.BaseDelay)
	}
	if s.SweepInterval <= 0 || s.ReconcileInterval <= 0 {
		return fmt.Errorf("sale.sweepInterval (%s) and sale.reconcileInterval (%s) must be positive", s.SweepInterval, s.ReconcileInterval)
	}
	if len(c.Infra.Kafka.Brokers) == 0 {
		return fmt.Errorf("infra.kafka.brokers must not be empty")
	}
	return nil
}

var currentConfig atomic.Pointer[Config]

// GetCurrentConfig 返回当前生效的配置，Nacos 推送新配置后会被整体替换
func GetCurrentConfig() *Config {
	if c := currentConfig.Load(); c != nil {
		return c
	}
	c := DefaultConfig()
	return &c
}

// Load 依次叠加默认值、YAML 文件（path 为空或不存在时跳过）和环境变量，校验后设为当前配置
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			logger.L().Warn().Str("path", path).Msg("config file not found, using defaults")
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	currentConfig.Store(&cfg)
	return &cfg, nil
}

// LoadFromNacos 从配置中心拉取 YAML 覆盖 base，并监听后续变更。
// 变更后的配置校验失败时保留旧配置。
func LoadFromNacos(client *nacos.Client, base *Config) (*Config, error) {
	dataId := base.Infra.Nacos.DataId
	content, err := client.GetConfig(dataId)
	if err != nil {
		return nil, err
	}
	cfg, err := parseOver(base, content)
	if err != nil {
		return nil, fmt.Errorf("nacos config %s: %w", dataId, err)
	}
	currentConfig.Store(cfg)

	err = client.ListenConfig(dataId, func(content string) {
		next, err := parseOver(base, content)
		if err != nil {
			logger.L().Error().Err(err).Str("data_id", dataId).Msg("rejected invalid config update")
			return
		}
		currentConfig.Store(next)
		logger.SetLevel(next.App.LogLevel)
		logger.L().Info().Str("data_id", dataId).Msg("config hot-reloaded")
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseOver(base *Config, content string) (*Config, error) {
	cfg := *base
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, err
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.App.Port = getEnvInt("PORT", cfg.App.Port)
	cfg.App.LogLevel = getEnv("LOG_LEVEL", cfg.App.LogLevel)
	cfg.Infra.Redis.Addrs = getEnv("REDIS_ADDR", cfg.Infra.Redis.Addrs)
	cfg.Infra.MySQL.Addr = getEnv("MYSQL_ADDR", cfg.Infra.MySQL.Addr)
	cfg.Infra.MySQL.User = getEnv("MYSQL_USER", cfg.Infra.MySQL.User)
	cfg.Infra.MySQL.Password = getEnv("MYSQL_PASSWORD", cfg.Infra.MySQL.Password)
	cfg.Infra.MySQL.Database = getEnv("MYSQL_DATABASE", cfg.Infra.MySQL.Database)
	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		cfg.Infra.Kafka.Brokers = strings.Split(brokers, ",")
	}
	cfg.Infra.Jaeger.Endpoint = getEnv("JAEGER_ENDPOINT", cfg.Infra.Jaeger.Endpoint)
	cfg.Infra.Zookeeper.Servers = getEnv("ZK_SERVERS", cfg.Infra.Zookeeper.Servers)
	cfg.Infra.Nacos.ServerAddrs = getEnv("NACOS_SERVER_ADDRS", cfg.Infra.Nacos.ServerAddrs)
	cfg.Infra.Nacos.Namespace = getEnv("NACOS_NAMESPACE", cfg.Infra.Nacos.Namespace)
	cfg.Infra.Nacos.Group = getEnv("NACOS_GROUP", cfg.Infra.Nacos.Group)
	cfg.Sale.LockBackend = getEnv("LOCK_BACKEND", cfg.Sale.LockBackend)
}

// getEnv 从环境变量中读取配置
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// Init 加载配置并初始化日志。设置了 Nacos 地址时连接配置中心并以其内容为准，
// 返回的 nacos.Client 同时用于服务注册；未设置时返回 nil。
func Init(serviceName, path string) (*Config, *nacos.Client, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, nil, err
	}
	logger.Init(serviceName, cfg.App.LogLevel)

	if cfg.Infra.Nacos.ServerAddrs == "" {
		return cfg, nil, nil
	}
	client, err := nacos.NewNacosClient(cfg.Infra.Nacos.ServerAddrs, cfg.Infra.Nacos.Namespace, cfg.Infra.Nacos.Group)
	if err != nil {
		return nil, nil, err
	}
	remote, err := LoadFromNacos(client, cfg)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	logger.SetLevel(remote.App.LogLevel)
	return remote, client, nil
}
