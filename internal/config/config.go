package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string `yaml:"listenAddr"`
	TCPAddr    string `yaml:"tcpAddr"`
	RedisAddr  string `yaml:"redisAddr"`
	RedisDB    int    `yaml:"redisDB"`
	RedisPass  string `yaml:"redisPass"`
	MySQLDSN   string `yaml:"mysqlDSN"`
	TiDBDSN    string `yaml:"tidbDSN"`
	MongoURI   string `yaml:"mongoURI"`
	JWTSecret  string `yaml:"jwtSecret"`

	// 消息存储选择：memory、mysql、tidb 或 mongodb
	MessageDB string `yaml:"messageDB"`
	// 用户目录：mysql（读 users 表）或 none
	UserDirectory string `yaml:"userDirectory"`

	// Kafka 配置（可选，为空时附件回收在进程内完成）
	KafkaBrokers            string `yaml:"kafkaBrokers"` // 逗号分隔
	KafkaMessageEventsTopic string `yaml:"kafkaMessageEventsTopic"`
	KafkaGroupID            string `yaml:"kafkaGroupID"`

	// 速率限制（私信发送）
	WSSendQPS   int `yaml:"wsSendQPS"`
	WSSendBurst int `yaml:"wsSendBurst"`

	// 连接参数
	WSWriteWaitMS     int   `yaml:"wsWriteWaitMS"`
	WSPongWaitMS      int   `yaml:"wsPongWaitMS"`
	WSMaxMessageBytes int64 `yaml:"wsMaxMessageBytes"`
	WSSendBuffer      int   `yaml:"wsSendBuffer"`

	// 投递重试（仅对暂时失败）
	DeliverRetries   int `yaml:"deliverRetries"`
	DeliverBackoffMS int `yaml:"deliverBackoffMS"`

	// 会话列表缓存（需要 Redis；0 表示关闭）
	ChatListCacheTTLSeconds int `yaml:"chatListCacheTTLSeconds"`

	// 指标开关
	EnableMetrics bool `yaml:"enableMetrics"`

	// 附件存储
	StorageDriver    string `yaml:"storageDriver"` // local | s3
	StorageLocalDir  string `yaml:"storageLocalDir"`
	StoragePublicURL string `yaml:"storagePublicURL"` // local 时为 /files 前缀的完整地址
	S3Endpoint       string `yaml:"s3Endpoint"`
	S3Region         string `yaml:"s3Region"`
	S3Bucket         string `yaml:"s3Bucket"`
	S3AccessKeyID    string `yaml:"s3AccessKeyId"`
	S3SecretKey      string `yaml:"s3SecretKey"`
	S3UsePathStyle   bool   `yaml:"s3UsePathStyle"`
	S3PublicURL      string `yaml:"s3PublicURL"`
	UploadPrefix     string `yaml:"uploadPrefix"`  // 目录前缀，如 uploads/
	UploadMaxSizeMB  int    `yaml:"uploadMaxSizeMB"` // 单文件最大 MB

	// 日志
	LogLevel  string `yaml:"logLevel"`
	LogPretty bool   `yaml:"logPretty"`
}

func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		TCPAddr:    "",
		RedisAddr:  "127.0.0.1:6379",
		MySQLDSN:   "root:password@tcp(127.0.0.1:3306)/godm?parseTime=true&loc=UTC&charset=utf8mb4",
		TiDBDSN:    "root:@tcp(127.0.0.1:4000)/godm?parseTime=true&loc=UTC&charset=utf8mb4",
		MongoURI:   "mongodb://127.0.0.1:27017/godm",
		JWTSecret:  "change-me-in-prod",

		MessageDB:     "memory",
		UserDirectory: "none",

		KafkaBrokers:            "",
		KafkaMessageEventsTopic: "im-dm-events",
		KafkaGroupID:            "im-attachment-janitor",

		WSSendQPS:   20,
		WSSendBurst: 40,

		WSWriteWaitMS:     10000,
		WSPongWaitMS:      60000,
		WSMaxMessageBytes: 64 * 1024,
		WSSendBuffer:      256,

		DeliverRetries:   3,
		DeliverBackoffMS: 50,

		ChatListCacheTTLSeconds: 300,
		EnableMetrics:           true,

		StorageDriver:    "local",
		StorageLocalDir:  "./uploads",
		StoragePublicURL: "http://localhost:8080/files",
		S3Region:         "us-east-1",
		UploadPrefix:     "uploads/",
		UploadMaxSizeMB:  50,

		LogLevel: "info",
	}
}

func Load() *Config {
	// 1) 默认值
	cfg := Default()

	// 2) YAML 覆盖（如果有）
	configPath := getEnv("IM_CONFIG_FILE", getEnv("CONFIG_FILE", "config.yml"))
	if st, err := os.Stat(configPath); err == nil && !st.IsDir() {
		if data, err2 := os.ReadFile(configPath); err2 == nil {
			_ = yaml.Unmarshal(data, cfg)
		}
	}

	// 3) 环境变量覆盖 YAML
	applyEnv(cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	setStr := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	setInt := func(env string, dst *int) {
		if v := os.Getenv(env); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setInt64 := func(env string, dst *int64) {
		if v := os.Getenv(env); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(env string, dst *bool) {
		if v := os.Getenv(env); v != "" {
			*dst = (v == "true" || v == "1" || v == "yes")
		}
	}

	setStr("IM_LISTEN_ADDR", &cfg.ListenAddr)
	setStr("IM_TCP_ADDR", &cfg.TCPAddr)
	setStr("IM_REDIS_ADDR", &cfg.RedisAddr)
	setStr("IM_REDIS_PASS", &cfg.RedisPass)
	setInt("IM_REDIS_DB", &cfg.RedisDB)
	setStr("IM_MYSQL_DSN", &cfg.MySQLDSN)
	setStr("IM_TIDB_DSN", &cfg.TiDBDSN)
	setStr("IM_MONGO_URI", &cfg.MongoURI)
	setStr("IM_JWT_SECRET", &cfg.JWTSecret)

	setStr("IM_MESSAGE_DB", &cfg.MessageDB)
	setStr("IM_USER_DIRECTORY", &cfg.UserDirectory)

	setStr("IM_KAFKA_BROKERS", &cfg.KafkaBrokers)
	setStr("IM_KAFKA_MESSAGE_EVENTS_TOPIC", &cfg.KafkaMessageEventsTopic)
	setStr("IM_KAFKA_GROUP_ID", &cfg.KafkaGroupID)

	setInt("IM_WS_SEND_QPS", &cfg.WSSendQPS)
	setInt("IM_WS_SEND_BURST", &cfg.WSSendBurst)
	setInt("IM_WS_WRITE_WAIT_MS", &cfg.WSWriteWaitMS)
	setInt("IM_WS_PONG_WAIT_MS", &cfg.WSPongWaitMS)
	setInt64("IM_WS_MAX_MESSAGE_BYTES", &cfg.WSMaxMessageBytes)
	setInt("IM_WS_SEND_BUFFER", &cfg.WSSendBuffer)

	setInt("IM_DELIVER_RETRIES", &cfg.DeliverRetries)
	setInt("IM_DELIVER_BACKOFF_MS", &cfg.DeliverBackoffMS)
	setInt("IM_CHATLIST_CACHE_TTL_SECONDS", &cfg.ChatListCacheTTLSeconds)
	setBool("IM_ENABLE_METRICS", &cfg.EnableMetrics)

	setStr("IM_STORAGE_DRIVER", &cfg.StorageDriver)
	setStr("IM_STORAGE_LOCAL_DIR", &cfg.StorageLocalDir)
	setStr("IM_STORAGE_PUBLIC_URL", &cfg.StoragePublicURL)
	setStr("IM_S3_ENDPOINT", &cfg.S3Endpoint)
	setStr("IM_S3_REGION", &cfg.S3Region)
	setStr("IM_S3_BUCKET", &cfg.S3Bucket)
	setStr("IM_S3_ACCESS_KEY_ID", &cfg.S3AccessKeyID)
	setStr("IM_S3_SECRET_KEY", &cfg.S3SecretKey)
	setBool("IM_S3_USE_PATH_STYLE", &cfg.S3UsePathStyle)
	setStr("IM_S3_PUBLIC_URL", &cfg.S3PublicURL)
	setStr("IM_UPLOAD_PREFIX", &cfg.UploadPrefix)
	setInt("IM_UPLOAD_MAX_SIZE_MB", &cfg.UploadMaxSizeMB)

	setStr("IM_LOG_LEVEL", &cfg.LogLevel)
	setBool("IM_LOG_PRETTY", &cfg.LogPretty)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (c *Config) WSWriteWait() time.Duration { return time.Duration(c.WSWriteWaitMS) * time.Millisecond }
func (c *Config) WSPongWait() time.Duration  { return time.Duration(c.WSPongWaitMS) * time.Millisecond }
func (c *Config) DeliverBackoff() time.Duration {
	return time.Duration(c.DeliverBackoffMS) * time.Millisecond
}
func (c *Config) ChatListCacheTTL() time.Duration {
	return time.Duration(c.ChatListCacheTTLSeconds) * time.Second
}
func (c *Config) UploadMaxBytes() int64 { return int64(c.UploadMaxSizeMB) * 1024 * 1024 }

// Brokers 解析逗号分隔的 Kafka 地址列表。
func (c *Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
