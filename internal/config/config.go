package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string `yaml:"listenAddr"`
	RedisAddr  string `yaml:"redisAddr"`
	RedisDB    int    `yaml:"redisDB"`
	RedisPass  string `yaml:"redisPass"`
	MySQLDSN   string `yaml:"mysqlDSN"`
	MongoURI   string `yaml:"mongoURI"`
	JWTSecret  string `yaml:"jwtSecret"`

	// Kafka 事件审计流（可选，留空则不启用）
	KafkaBrokers    string `yaml:"kafkaBrokers"` // 逗号分隔
	KafkaEventTopic string `yaml:"kafkaEventTopic"`

	// 媒体上传
	MediaDir       string `yaml:"mediaDir"`
	MediaBaseURL   string `yaml:"mediaBaseURL"`
	MediaMaxSizeMB int    `yaml:"mediaMaxSizeMB"`

	// 速率限制（WS 发送）
	WSSendQPS   int `yaml:"wsSendQPS"`
	WSSendBurst int `yaml:"wsSendBurst"`

	// OTP 有效期（分钟）
	OTPTTLMinutes int `yaml:"otpTTLMinutes"`

	// 指标开关
	EnableMetrics bool `yaml:"enableMetrics"`
}

func Load() *Config {
	// 1) 默认值
	cfg := &Config{
		ListenAddr: ":8080",
		RedisAddr:  "127.0.0.1:6379",
		MySQLDSN:   "root:password@tcp(127.0.0.1:3306)/gochat?parseTime=true&loc=Local&charset=utf8mb4",
		MongoURI:   "mongodb://127.0.0.1:27017/gochat",
		JWTSecret:  "change-me-in-prod",

		KafkaBrokers:    "",
		KafkaEventTopic: "chat-events",

		MediaDir:       "./uploads",
		MediaBaseURL:   "http://localhost:8080/media",
		MediaMaxSizeMB: 50,

		WSSendQPS:   20,
		WSSendBurst: 40,

		OTPTTLMinutes: 5,

		EnableMetrics: true,
	}

	// 2) YAML 覆盖（如果有）
	configPath := getEnv("CHAT_CONFIG_FILE", "config.yml")
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
	setBool := func(env string, dst *bool) {
		if v := os.Getenv(env); v != "" {
			*dst = (v == "true" || v == "1" || v == "yes")
		}
	}

	setStr("CHAT_LISTEN_ADDR", &cfg.ListenAddr)
	setStr("CHAT_REDIS_ADDR", &cfg.RedisAddr)
	setStr("CHAT_REDIS_PASS", &cfg.RedisPass)
	setInt("CHAT_REDIS_DB", &cfg.RedisDB)
	setStr("CHAT_MYSQL_DSN", &cfg.MySQLDSN)
	setStr("CHAT_MONGO_URI", &cfg.MongoURI)
	setStr("CHAT_JWT_SECRET", &cfg.JWTSecret)

	setStr("CHAT_KAFKA_BROKERS", &cfg.KafkaBrokers)
	setStr("CHAT_KAFKA_EVENT_TOPIC", &cfg.KafkaEventTopic)

	setStr("CHAT_MEDIA_DIR", &cfg.MediaDir)
	setStr("CHAT_MEDIA_BASE_URL", &cfg.MediaBaseURL)
	setInt("CHAT_MEDIA_MAX_SIZE_MB", &cfg.MediaMaxSizeMB)

	setInt("CHAT_WS_SEND_QPS", &cfg.WSSendQPS)
	setInt("CHAT_WS_SEND_BURST", &cfg.WSSendBurst)
	setInt("CHAT_OTP_TTL_MINUTES", &cfg.OTPTTLMinutes)
	setBool("CHAT_ENABLE_METRICS", &cfg.EnableMetrics)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
