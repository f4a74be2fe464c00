package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	MySQL     MySQLConfig     `mapstructure:"mysql"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Content   ContentConfig   `mapstructure:"content"`
}

type ServerConfig struct {
	Port     int   `mapstructure:"port"`
	WorkerID int64 `mapstructure:"worker_id"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	LedgerEvents string `mapstructure:"ledger_events"`
}

// LedgerConfig 账本业务参数
type LedgerConfig struct {
	DailyBonus     int64    `mapstructure:"daily_bonus"`
	ReferralBonus  int64    `mapstructure:"referral_bonus"`
	Timezone       string   `mapstructure:"timezone"` // 每日奖励的零点基准时区
	TxMaxRetries   int      `mapstructure:"tx_max_retries"`
	OutboxMaxRetry int      `mapstructure:"outbox_max_retry"`
	AdminAccounts  []string `mapstructure:"admin_accounts"`
}

// ReconcileConfig 权益对账参数
type ReconcileConfig struct {
	ItemTimeout    time.Duration `mapstructure:"item_timeout"`
	LockTTL        time.Duration `mapstructure:"lock_ttl"`
	LockWait       time.Duration `mapstructure:"lock_wait"`
	AuditInterval  time.Duration `mapstructure:"audit_interval"`
	AuditLookback  time.Duration `mapstructure:"audit_lookback"`
	AuditBatchSize int           `mapstructure:"audit_batch_size"`
}

// ContentConfig 内容存储相关配置
type ContentConfig struct {
	BlobBaseURL string `mapstructure:"blob_base_url"`
	LocalDir    string `mapstructure:"local_dir"`
	MasterKey   string `mapstructure:"master_key"` // hex 编码，32 字节
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.worker_id", 1)
	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("redis.port", 6379)
	v.SetDefault("kafka.topic.ledger_events", "ledger_events")
	v.SetDefault("ledger.daily_bonus", 10)
	v.SetDefault("ledger.referral_bonus", 50)
	v.SetDefault("ledger.timezone", "UTC")
	v.SetDefault("ledger.tx_max_retries", 5)
	v.SetDefault("ledger.outbox_max_retry", 5)
	v.SetDefault("reconcile.item_timeout", 15*time.Second)
	v.SetDefault("reconcile.lock_ttl", 2*time.Minute)
	v.SetDefault("reconcile.lock_wait", 20*time.Second)
	v.SetDefault("reconcile.audit_interval", time.Minute)
	v.SetDefault("reconcile.audit_lookback", 10*time.Minute)
	v.SetDefault("reconcile.audit_batch_size", 100)
	v.SetDefault("content.local_dir", "data/content")
}

// LoadConfig 加载配置文件，环境变量 COINLEDGER_* 可以覆盖文件中的值
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("COINLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if _, err := config.Ledger.Location(); err != nil {
		return nil, err
	}
	if config.Ledger.TxMaxRetries <= 0 {
		return nil, fmt.Errorf("ledger.tx_max_retries 必须大于0")
	}
	if err := config.Reconcile.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// validate 对账的几个时间参数互相有约束：
// 新请求至少要能等完旧对账手上的一个条目，锁在两次续期之间不能过期
func (c ReconcileConfig) validate() error {
	if c.ItemTimeout <= 0 {
		return fmt.Errorf("reconcile.item_timeout 必须大于0")
	}
	if c.LockWait <= c.ItemTimeout {
		return fmt.Errorf("reconcile.lock_wait(%s) 必须大于 reconcile.item_timeout(%s)", c.LockWait, c.ItemTimeout)
	}
	if c.LockTTL <= c.ItemTimeout {
		return fmt.Errorf("reconcile.lock_ttl(%s) 必须大于 reconcile.item_timeout(%s)", c.LockTTL, c.ItemTimeout)
	}
	return nil
}

// Location 返回每日奖励使用的参考时区
func (c LedgerConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("ledger.timezone 无效: %w", err)
	}
	return loc, nil
}

// IsAdmin 判断账户是否在管理员名单中
func (c LedgerConfig) IsAdmin(accountID string) bool {
	for _, id := range c.AdminAccounts {
		if id == accountID {
			return true
		}
	}
	return false
}
