// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Parser        ParserConfig        `mapstructure:"parser"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	Webhook       WebhookConfig       `mapstructure:"webhook"`
	Pipeline      PipelineConfig      `mapstructure:"pipeline"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库及连接池的配置。
// StatementTimeoutMS 等超时参数会作为会话变量附加到 DSN 上，
// 保证池中的每个连接都带有语句超时与空闲回收上限。
type MySQLConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxOpenConns           int    `mapstructure:"max_open_conns"`
	MaxIdleConns           int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `mapstructure:"conn_max_lifetime_minutes"`
	ConnMaxIdleMinutes     int    `mapstructure:"conn_max_idle_minutes"`
	StatementTimeoutMS     int    `mapstructure:"statement_timeout_ms"`
	LockWaitTimeoutSeconds int    `mapstructure:"lock_wait_timeout_seconds"`
	IdleTimeoutSeconds     int    `mapstructure:"idle_timeout_seconds"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。
// TaskTopic 用于向下游分块/向量化 worker 下发任务，
// EventTopic 用于接收 worker 回报的阶段事件。
type KafkaConfig struct {
	Brokers     string `mapstructure:"brokers"`
	TaskTopic   string `mapstructure:"task_topic"`
	EventTopic  string `mapstructure:"event_topic"`
	GroupID     string `mapstructure:"group_id"`
	MaxAttempts int    `mapstructure:"max_attempts"`
}

// ParserConfig 存储外部解析服务相关的配置。
// CallbackBaseURL 是本服务对外可达的地址，用于拼接解析完成回调。
type ParserConfig struct {
	BaseURL         string `mapstructure:"base_url"`
	APIKey          string `mapstructure:"api_key"`
	CallbackBaseURL string `mapstructure:"callback_base_url"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
	VectorDim int    `mapstructure:"vector_dim"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// WebhookConfig 存储回调校验相关的配置。
// RequireSignature 为 false 时保持与 Python 版一致的宽松行为：
// 缺少签名头或任务未配置密钥时跳过校验；为 true 时缺失即拒绝。
type WebhookConfig struct {
	RequireSignature bool `mapstructure:"require_signature"`
}

// PipelineConfig 存储流水线阶段的配置。
type PipelineConfig struct {
	ChunkerName          string `mapstructure:"chunker_name"`
	ChunkerVersion       string `mapstructure:"chunker_version"`
	PresignExpiryMinutes int    `mapstructure:"presign_expiry_minutes"`
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
// 任何必填项缺失都会直接 panic，配置问题必须在进程启动时暴露。
func Init(configPath string) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	// 支持环境变量覆盖，例如 DATABASE_MYSQL_DSN 覆盖 database.mysql.dsn
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("读取配置文件失败: %w", err))
	}

	if err := viper.Unmarshal(&Conf); err != nil {
		panic(fmt.Errorf("无法将配置解析到结构体中: %w", err))
	}

	if err := Conf.Validate(); err != nil {
		panic(fmt.Errorf("配置校验失败: %w", err))
	}
}

func setDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.mode", "release")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("database.mysql.max_open_conns", 100)
	viper.SetDefault("database.mysql.max_idle_conns", 10)
	viper.SetDefault("database.mysql.conn_max_lifetime_minutes", 60)
	viper.SetDefault("database.mysql.conn_max_idle_minutes", 30)
	viper.SetDefault("database.mysql.statement_timeout_ms", 60000)
	viper.SetDefault("database.mysql.lock_wait_timeout_seconds", 30)
	viper.SetDefault("database.mysql.idle_timeout_seconds", 300)
	viper.SetDefault("kafka.max_attempts", 3)
	viper.SetDefault("parser.timeout_seconds", 30)
	viper.SetDefault("elasticsearch.vector_dim", 1024)
	viper.SetDefault("webhook.require_signature", false)
	viper.SetDefault("pipeline.chunker_name", "recursive")
	viper.SetDefault("pipeline.chunker_version", "v1")
	viper.SetDefault("pipeline.presign_expiry_minutes", 60)
}

// Validate 检查进程启动所必需的配置项，缺失即返回错误。
func (c *Config) Validate() error {
	required := []struct {
		value string
		name  string
	}{
		{c.Database.MySQL.DSN, "database.mysql.dsn"},
		{c.MinIO.Endpoint, "minio.endpoint"},
		{c.MinIO.AccessKeyID, "minio.access_key_id"},
		{c.MinIO.SecretAccessKey, "minio.secret_access_key"},
		{c.MinIO.BucketName, "minio.bucket_name"},
		{c.Kafka.Brokers, "kafka.brokers"},
		{c.Kafka.TaskTopic, "kafka.task_topic"},
		{c.Kafka.EventTopic, "kafka.event_topic"},
		{c.Kafka.GroupID, "kafka.group_id"},
		{c.Parser.BaseURL, "parser.base_url"},
		{c.Parser.CallbackBaseURL, "parser.callback_base_url"},
		{c.Elasticsearch.Addresses, "elasticsearch.addresses"},
		{c.Elasticsearch.IndexName, "elasticsearch.index_name"},
		{c.Database.Redis.Addr, "database.redis.addr"},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("缺少必填配置项 %s", r.name)
		}
	}
	return nil
}
