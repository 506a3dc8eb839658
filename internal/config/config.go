package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"remanufacturing-scheduler/internal/invoker"
	"remanufacturing-scheduler/internal/rules"
	"remanufacturing-scheduler/internal/types"
)

// 存储驱动
const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverWAL    = "wal"
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
	DriverBus    = "bus"
	DriverKafka  = "kafka"
)

// Config 定义应用程序的配置结构
// 使用 mapstructure 标签来映射配置文件中的字段
type Config struct {
	LogLevel    string                   `mapstructure:"log_level"` // debug / info / warn / error
	HTTPAddr    string                   `mapstructure:"http_addr"`
	Snapshot    SnapshotConfig           `mapstructure:"snapshot"`
	LogStore    LogStoreConfig           `mapstructure:"log_store"`
	ReleaseSink ReleaseSinkConfig        `mapstructure:"release_sink"`
	Invoker     InvokerConfig            `mapstructure:"invoker"`
	Factories   map[string]FactoryConfig `mapstructure:"factories"` // Key 为工厂 ID
}

// SnapshotConfig 订单池快照持久化
type SnapshotConfig struct {
	Driver string `mapstructure:"driver"` // memory / file / sqlite
	Path   string `mapstructure:"path"`   // file 为目录，sqlite 为数据库文件
}

// LogStoreConfig 调度日志存储
type LogStoreConfig struct {
	Driver        string `mapstructure:"driver"` // memory / wal / sqlite / mongo
	Path          string `mapstructure:"path"`
	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`
}

// ReleaseSinkConfig PIPO 下发工序的去向
type ReleaseSinkConfig struct {
	Driver  string   `mapstructure:"driver"` // bus / kafka
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// InvokerConfig 算法调用
type InvokerConfig struct {
	DefaultTimeout time.Duration           `mapstructure:"default_timeout"`
	Breaker        invoker.BreakerSettings `mapstructure:"breaker"`
}

// FactoryConfig 单个工厂的调度配置与产能
type FactoryConfig struct {
	Scheduling types.SchedulingConfig `mapstructure:"scheduling"`
	Capacity   types.FactoryCapacity  `mapstructure:"capacity"`
}

// LoadConfig 从 config.yaml 文件加载配置
// path 为空时在当前目录查找；环境变量 SCHED_* 覆盖同名配置，例如 SCHED_HTTP_ADDR
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config") // 配置文件名称 (不带扩展名)
		v.SetConfigType("yaml")   // 配置文件类型
		v.AddConfigPath(".")      // 查找配置文件的路径 (当前目录)
	}
	v.SetEnvPrefix("SCHED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 设置默认值
	setDefaults(v)

	// 读取配置文件，没有配置文件时使用默认值
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	// 将配置解析到结构体中
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	b := invoker.DefaultBreakerSettings()
	v.SetDefault("log_level", "info")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("snapshot.driver", DriverMemory)
	v.SetDefault("snapshot.path", "data/snapshots")
	v.SetDefault("log_store.driver", DriverMemory)
	v.SetDefault("log_store.path", "data/scheduling.wal")
	v.SetDefault("log_store.mongo_database", "scheduler")
	v.SetDefault("release_sink.driver", DriverBus)
	v.SetDefault("release_sink.topic", "scheduler.released-operations")
	v.SetDefault("invoker.default_timeout", invoker.DefaultTimeout)
	v.SetDefault("invoker.breaker.max_requests", b.MaxRequests)
	v.SetDefault("invoker.breaker.interval", b.Interval)
	v.SetDefault("invoker.breaker.open_timeout", b.Timeout)
	v.SetDefault("invoker.breaker.failure_threshold", b.FailureThreshold)
}

// Validate 检查驱动名称与工厂配置
func (c *Config) Validate() error {
	switch c.Snapshot.Driver {
	case DriverMemory, DriverFile, DriverSQLite:
	default:
		return fmt.Errorf("未知的快照驱动 %q", c.Snapshot.Driver)
	}
	switch c.LogStore.Driver {
	case DriverMemory, DriverWAL, DriverSQLite:
	case DriverMongo:
		if c.LogStore.MongoURI == "" {
			return errors.New("log_store.mongo_uri 不能为空")
		}
	default:
		return fmt.Errorf("未知的日志存储驱动 %q", c.LogStore.Driver)
	}
	switch c.ReleaseSink.Driver {
	case DriverBus:
	case DriverKafka:
		if len(c.ReleaseSink.Brokers) == 0 || c.ReleaseSink.Topic == "" {
			return errors.New("kafka 下发需要 brokers 与 topic")
		}
	default:
		return fmt.Errorf("未知的下发驱动 %q", c.ReleaseSink.Driver)
	}
	for id, f := range c.Factories {
		s := f.Scheduling
		switch s.Mode {
		case types.ModeFCFS, types.ModeIntegrated:
		default:
			return fmt.Errorf("工厂 %s: 未知的调度模式 %q", id, s.Mode)
		}
		if s.BatchPolicy.QMin < 0 || s.BatchPolicy.QMax < s.BatchPolicy.QMin {
			return fmt.Errorf("工厂 %s: batch_policy 需要 0 <= q_min <= q_max", id)
		}
		for stage, r := range s.Rules {
			if _, err := types.ParseStage(string(stage)); err != nil {
				return fmt.Errorf("工厂 %s: %w", id, err)
			}
			if err := rules.Validate(r.Gate, rules.GateEnv(0, time.Now(), s.BatchPolicy, 0)); err != nil {
				return fmt.Errorf("工厂 %s: %s gate 规则无效: %w", id, stage, err)
			}
			if err := rules.Validate(r.Release, rules.ReleaseEnv(types.Batch{}, 0, s.BatchPolicy)); err != nil {
				return fmt.Errorf("工厂 %s: %s release 规则无效: %w", id, stage, err)
			}
		}
	}
	return nil
}
