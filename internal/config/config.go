// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Log           LogConfig           `mapstructure:"log"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	Upload        UploadConfig        `mapstructure:"upload"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Site          SiteConfig          `mapstructure:"site"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	// Driver 取值 mysql 或 sqlite
	Driver string      `mapstructure:"driver"`
	DSN    string      `mapstructure:"dsn"`
	Redis  RedisConfig `mapstructure:"redis"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	UseSSL          bool          `mapstructure:"use_ssl"`
	BucketName      string        `mapstructure:"bucket_name"`
	PresignExpiry   time.Duration `mapstructure:"presign_expiry"`
}

// UploadConfig 存储上传、分片与合并相关的配置。
type UploadConfig struct {
	// SingleMaxSize 单次上传允许的最大字节数，超过需要走分片上传
	SingleMaxSize int64 `mapstructure:"single_max_size"`
	MaxChunkSize  int64 `mapstructure:"max_chunk_size"`
	MaxChunks     int   `mapstructure:"max_chunks"`
	// AllowedExts 逗号分隔的扩展名白名单，为空表示不限制
	AllowedExts string `mapstructure:"allowed_exts"`
	// ChunkStore 取值 disk 或 minio
	ChunkStore      string        `mapstructure:"chunk_store"`
	ChunkDir        string        `mapstructure:"chunk_dir"`
	SessionTTL      time.Duration `mapstructure:"session_ttl"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	MergeLockTTL    time.Duration `mapstructure:"merge_lock_ttl"`
	MergeWait       time.Duration `mapstructure:"merge_wait"`
	ResultRetention time.Duration `mapstructure:"result_retention"`
	MaxPageSize     int           `mapstructure:"max_page_size"`
	Retry           RetryConfig   `mapstructure:"retry"`
}

// RetryConfig 定义合并写入持久存储时的有限重试策略。
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// AuthConfig 管理接口的访问口令，为空表示不校验。
type AuthConfig struct {
	APIPass string `mapstructure:"api_pass"`
}

// SiteConfig 用于拼接返回给客户端的完整链接。
type SiteConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	ProxyURL string `mapstructure:"proxy_url"`
}

// setDefaults 设置缺省值，配置文件和环境变量都可以覆盖。
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8088")
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./files.db")
	v.SetDefault("database.redis.addr", "127.0.0.1:6379")
	v.SetDefault("database.redis.key_prefix", "tgstate")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("minio.bucket_name", "tgstate")
	v.SetDefault("minio.presign_expiry", time.Hour)
	v.SetDefault("upload.single_max_size", 20*1024*1024)
	v.SetDefault("upload.max_chunk_size", 32*1024*1024)
	v.SetDefault("upload.max_chunks", 10000)
	v.SetDefault("upload.chunk_store", "disk")
	v.SetDefault("upload.chunk_dir", "./data/chunks")
	v.SetDefault("upload.session_ttl", 30*time.Minute)
	v.SetDefault("upload.sweep_interval", time.Minute)
	v.SetDefault("upload.merge_lock_ttl", 10*time.Minute)
	v.SetDefault("upload.merge_wait", 30*time.Second)
	v.SetDefault("upload.result_retention", 24*time.Hour)
	v.SetDefault("upload.max_page_size", 100)
	v.SetDefault("upload.retry.max_attempts", 3)
	v.SetDefault("upload.retry.initial_delay", 200*time.Millisecond)
	v.SetDefault("upload.retry.max_delay", 2*time.Second)
	v.SetDefault("kafka.topic", "tgstate-file-uploaded")
	v.SetDefault("kafka.group_id", "tgstate-indexer")
	v.SetDefault("elasticsearch.index_name", "tgstate_files")
	// 以下键没有实际缺省值，注册它们是为了让 AutomaticEnv 在 Unmarshal 时生效
	for _, key := range []string{
		"database.redis.password", "log.output_path",
		"minio.endpoint", "minio.access_key_id", "minio.secret_access_key",
		"upload.allowed_exts", "kafka.brokers",
		"elasticsearch.addresses", "elasticsearch.username", "elasticsearch.password",
		"auth.api_pass", "site.base_url", "site.proxy_url",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("database.redis.db", 0)
	v.SetDefault("minio.use_ssl", false)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("elasticsearch.enabled", false)
}

// Load 读取 .env、YAML 配置文件以及 TGSTATE_ 前缀的环境变量，返回解析后的配置。
// configPath 为空时只使用缺省值和环境变量。
func Load(configPath string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("tgstate")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var conf Config
	if err := v.Unmarshal(&conf); err != nil {
		return Config{}, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	return conf, nil
}
