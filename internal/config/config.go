package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Classifier thresholds
	EARThreshold     float64
	MARThreshold     float64
	BlinkMax         time.Duration
	EmergencyAfter   time.Duration
	YawnMin          time.Duration
	NoFaceReset      time.Duration
	YawnExcessCount  int
	YawnExcessWindow time.Duration

	// Alert governor
	AlertWindow       time.Duration
	AlertMaxPerWindow int

	// Agent
	DeviceID        string
	DeviceName      string
	DeviceAPIKey    string
	CloudURL        string
	StatsInterval   time.Duration
	Heartbeat       time.Duration
	AlertQueueDepth int
	LocationLookup  bool

	// MQTT sample intake
	MQTTBroker   string
	MQTTTopic    string
	MQTTClientID string

	// Telegram sink
	TelegramBotToken string
	TelegramChatIDs  []string

	// Server
	HTTPPort      string
	SharedKey     string
	StaleAfter    time.Duration
	OfflineAfter  time.Duration
	MaxInflight   int
	CORSOrigins   string
	LogLevel      string
	Environment   string

	// Database (empty DBHost means in-memory store)
	DBName     string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBSSLMode  string
}

func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// DSNForLog is the DSN without the password, safe to log.
func (c *Config) DSNForLog() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=*** dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBName, c.DBSSLMode)
}

func (c *Config) IsDev() bool {
	return c.Environment == "dev"
}

func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg := &Config{
		EARThreshold:     getEnvFloat("EAR_THRESHOLD", 0.25),
		MARThreshold:     getEnvFloat("MAR_THRESHOLD", 0.6),
		BlinkMax:         getEnvSeconds("BLINK_MAX_SECONDS", 1.0),
		EmergencyAfter:   getEnvSeconds("EMERGENCY_SECONDS", 3.0),
		YawnMin:          getEnvSeconds("YAWN_MIN_SECONDS", 0.5),
		NoFaceReset:      getEnvSeconds("NO_FACE_RESET_SECONDS", 5.0),
		YawnExcessCount:  getEnvInt("YAWN_EXCESS_COUNT", 3),
		YawnExcessWindow: getEnvSeconds("YAWN_EXCESS_WINDOW_SECONDS", 60),

		AlertWindow:       getEnvSeconds("ALERT_WINDOW_SECONDS", 300),
		AlertMaxPerWindow: getEnvInt("ALERT_MAX_PER_WINDOW", 5),

		DeviceID:        getEnv("DEVICE_ID", ""),
		DeviceName:      getEnv("DEVICE_NAME", ""),
		DeviceAPIKey:    getEnv("DEVICE_API_KEY", ""),
		CloudURL:        getEnv("CLOUD_URL", "http://localhost:8080"),
		StatsInterval:   getEnvSeconds("STATS_INTERVAL_SECONDS", 5),
		Heartbeat:       getEnvSeconds("HEARTBEAT_SECONDS", 30),
		AlertQueueDepth: getEnvInt("ALERT_QUEUE_DEPTH", 64),
		LocationLookup:  getEnv("LOCATION_LOOKUP", "false") == "true",

		MQTTBroker:   getEnv("MQTT_BROKER", "tcp://localhost:1883"),
		MQTTTopic:    getEnv("MQTT_TOPIC", "drowsyguard/+/samples"),
		MQTTClientID: getEnv("MQTT_CLIENT_ID", "drowsyguard-agent"),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatIDs:  getEnvList("TELEGRAM_CHAT_IDS"),

		HTTPPort:     getEnv("HTTP_PORT", "8080"),
		SharedKey:    getEnv("SHARED_DEVICE_KEY", ""),
		StaleAfter:   getEnvSeconds("STALE_AFTER_SECONDS", 30),
		OfflineAfter: getEnvSeconds("OFFLINE_AFTER_SECONDS", 120),
		MaxInflight:  getEnvInt("MAX_INFLIGHT", 256),
		CORSOrigins:  getEnv("CORS_ORIGINS", "*"),
		LogLevel:     getEnv("LOG_LEVEL", "INFO"),
		Environment:  getEnv("ENVIRONMENT", "production"),

		DBHost:     getEnv("DB_HOST", ""),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", ""),
		DBName:     getEnv("DB_NAME", "drowsyguard"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),
	}

	// The emergency threshold is only meaningful between 1 and 10 seconds.
	if cfg.EmergencyAfter < time.Second {
		log.Printf("EMERGENCY_SECONDS below 1.0, clamping")
		cfg.EmergencyAfter = time.Second
	}
	if cfg.EmergencyAfter > 10*time.Second {
		log.Printf("EMERGENCY_SECONDS above 10.0, clamping")
		cfg.EmergencyAfter = 10 * time.Second
	}

	if cfg.SharedKey == "" {
		fmt.Println("WARNING: SHARED_DEVICE_KEY is not set, registration will reject all devices!")
	}

	return cfg
}

func getEnv(key string, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if intVal, err := strconv.Atoi(v); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvSeconds(key string, defaultVal float64) time.Duration {
	return time.Duration(getEnvFloat(key, defaultVal) * float64(time.Second))
}

func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
