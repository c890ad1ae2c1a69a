package bootstrap

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerAddr string
	LogLevel   string

	OpenAIAPIKey       string
	OpenAIOrganization string
	OpenAIProject      string

	RealtimeURL          string
	RealtimeModel        string
	RealtimeBeta         string
	RealtimeInstructions string
	RealtimeVoice        string
	RealtimeMode         string
	HandshakeTimeout     time.Duration

	AudioQuietPeriod   time.Duration
	AudioSampleRate    int
	AudioBitsPerSample int
	AudioChannels      int
	AudioOutputRate    int

	RateLimitRPS   float64
	RateLimitBurst int

	DatabaseDSN string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

func LoadConfig() *Config {
	return &Config{
		ServerAddr: getEnv("SERVER_ADDR", ":8080"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),

		OpenAIAPIKey:       getEnv("OPENAI_API_KEY", ""),
		OpenAIOrganization: getEnv("OPENAI_ORGANIZATION", ""),
		OpenAIProject:      getEnv("OPENAI_PROJECT", ""),

		RealtimeURL:          getEnv("REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeModel:        getEnv("REALTIME_MODEL", "gpt-4o-realtime-preview-2024-10-01"),
		RealtimeBeta:         getEnv("REALTIME_BETA", "realtime=v1"),
		RealtimeInstructions: getEnv("REALTIME_INSTRUCTIONS", "You are a helpful assistant."),
		RealtimeVoice:        getEnv("REALTIME_VOICE", ""),
		RealtimeMode:         getEnv("REALTIME_MODE", "streaming"),
		HandshakeTimeout:     getEnvMillis("HANDSHAKE_TIMEOUT_MS", 10000),

		AudioQuietPeriod:   getEnvMillis("AUDIO_QUIET_PERIOD_MS", 1000),
		AudioSampleRate:    getEnvInt("AUDIO_SAMPLE_RATE", 24000),
		AudioBitsPerSample: getEnvInt("AUDIO_BITS_PER_SAMPLE", 16),
		AudioChannels:      getEnvInt("AUDIO_CHANNELS", 1),
		AudioOutputRate:    getEnvInt("AUDIO_OUTPUT_SAMPLE_RATE", 0),

		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 2),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 5),

		DatabaseDSN: getEnv("DATABASE_DSN", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvMillis(key string, defaultMs int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMs)) * time.Millisecond
}
