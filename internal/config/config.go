package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port         string
	Env          string
	LogLevel     string
	LogFile      string
	LogToConsole bool

	DatabaseURL    string
	MigrationsPath string

	AskThreshold        float64
	MarginThreshold     float64
	TextWeight          float64
	ImagingWeight       float64
	SingleSourcePenalty float64
	AdapterTimeout      time.Duration
	IdleTimeout         time.Duration
	GracePeriod         time.Duration

	ExtractionURL string
	RetrievalURL  string
	ImagingURL    string
	RetrievalTopK int

	ReportDir            string
	EscalationWebhookURL string

	KafkaEnabled    bool
	KafkaBrokers    string
	TranscriptTopic string
	ConsumerGroup   string

	MQTTEnabled  bool
	MQTTBroker   string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string
	VitalsTopic  string
}

func LoadConfig() *Config {
	err := godotenv.Load() // Looks for ".env" in the current directory
	if err != nil {
		log.Println("No .env file found, using environment variables or default values")
	}

	return &Config{
		Port:         getEnv("PORT", "8080"),
		Env:          getEnv("APP_ENV", "development"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogFile:      getEnv("LOG_FILE", "./logs/coach.log"),
		LogToConsole: getEnvBool("LOG_TO_CONSOLE", true),

		DatabaseURL:    getEnv("DATABASE_URL", ""),
		MigrationsPath: getEnv("MIGRATIONS_PATH", "migrations"),

		AskThreshold:        getEnvFloat("ASK_THRESHOLD", 0.70),
		MarginThreshold:     getEnvFloat("MARGIN_THRESHOLD", 0.08),
		TextWeight:          getEnvFloat("FUSION_TEXT_WEIGHT", 0.6),
		ImagingWeight:       getEnvFloat("FUSION_IMAGING_WEIGHT", 0.4),
		SingleSourcePenalty: getEnvFloat("FUSION_SINGLE_SOURCE_PENALTY", 0.85),
		AdapterTimeout:      getEnvDuration("ADAPTER_TIMEOUT", 10*time.Second),
		IdleTimeout:         getEnvDuration("CASE_IDLE_TIMEOUT", 15*time.Minute),
		GracePeriod:         getEnvDuration("CASE_GRACE_PERIOD", 30*time.Second),

		ExtractionURL: getEnv("EXTRACTION_SERVICE_URL", "http://localhost:8001"),
		RetrievalURL:  getEnv("RETRIEVAL_SERVICE_URL", "http://localhost:8002"),
		ImagingURL:    getEnv("IMAGING_SERVICE_URL", ""),
		RetrievalTopK: getEnvInt("RETRIEVAL_TOP_K", 10),

		ReportDir:            getEnv("REPORT_DIR", "./reports"),
		EscalationWebhookURL: getEnv("ESCALATION_WEBHOOK_URL", ""),

		KafkaEnabled:    getEnvBool("KAFKA_ENABLED", false),
		KafkaBrokers:    getEnv("KAFKA_BROKERS", "localhost:9092"),
		TranscriptTopic: getEnv("TRANSCRIPT_TOPIC", "case-transcript-topic"),
		ConsumerGroup:   getEnv("CONSUMER_GROUP", "clinical_coach"),

		MQTTEnabled:  getEnvBool("MQTT_ENABLED", false),
		MQTTBroker:   getEnv("MQTT_BROKER_URL", "tcp://localhost:1883"),
		MQTTClientID: getEnv("MQTT_CLIENT_ID", "clinical_coach_local"),
		MQTTUsername: getEnv("MQTT_USERNAME", ""),
		MQTTPassword: getEnv("MQTT_PASSWORD", ""),
		VitalsTopic:  getEnv("VITALS_TOPIC", "patient-vitals-data-topic"),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		return strings.EqualFold(value, "true")
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		log.Printf("Invalid integer for %s, using default %d", key, fallback)
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		log.Printf("Invalid float for %s, using default %v", key, fallback)
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Printf("Invalid duration for %s, using default %s", key, fallback)
	}
	return fallback
}
