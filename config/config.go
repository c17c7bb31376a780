// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port                string
	DatabaseURL         string
	KMSKeyName          string
	LocalMasterKey      string
	OrgRootSecret       string
	OrgRootSecretSealed bool
	ResourceClasses     []string
	GoogleCloudProject  string
	LogLevel            string

	// 初回起動時に登録する管理者。プリンシパルが1件も無いときだけ使う。
	BootstrapAdminID        string
	BootstrapAdminPublicKey string

	OtelEnabled      bool
	OtelEndpoint     string
	OtelServiceName  string
	OtelSamplingRate float64
	OtelInsecure     bool

	// ローテーション関連
	GraceWindow            time.Duration
	LeaseTTL               time.Duration
	GrantTimeout           time.Duration
	GrantMaxAttempts       uint
	GrantParallelism       int
	PolicyRotationInterval time.Duration
	SweepInterval          time.Duration

	// リレー関連
	RelayPullLimit int
	RelayRateLimit float64
	RelayRateBurst int
	RelayTimeout   time.Duration
}

// Load は環境変数から設定を読み込む。
func Load() *Config {
	return &Config{
		Port:                getEnv("PORT", "8080"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		KMSKeyName:          os.Getenv("KMS_KEY_NAME"),
		LocalMasterKey:      os.Getenv("LOCAL_MASTER_KEY"),
		OrgRootSecret:       os.Getenv("ORG_ROOT_SECRET"),
		OrgRootSecretSealed: getEnvBool("ORG_ROOT_SECRET_SEALED", false),
		ResourceClasses:     getEnvList("RESOURCE_CLASSES", []string{"ledger", "attachments"}),
		GoogleCloudProject:  os.Getenv("GOOGLE_CLOUD_PROJECT"),
		LogLevel:            getEnv("LOG_LEVEL", "INFO"),

		BootstrapAdminID:        os.Getenv("BOOTSTRAP_ADMIN_ID"),
		BootstrapAdminPublicKey: os.Getenv("BOOTSTRAP_ADMIN_PUBLIC_KEY"),

		OtelEnabled:      getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:     getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OtelServiceName:  getEnv("OTEL_SERVICE_NAME", "keysync-service"),
		OtelSamplingRate: getEnvFloat("OTEL_SAMPLING_RATE", 1.0),
		OtelInsecure:     getEnvBool("OTEL_INSECURE", false),

		GraceWindow:            getEnvDuration("GRACE_WINDOW", 15*time.Minute),
		LeaseTTL:               getEnvDuration("LEASE_TTL", 5*time.Minute),
		GrantTimeout:           getEnvDuration("GRANT_TIMEOUT", 5*time.Second),
		GrantMaxAttempts:       uint(getEnvInt("GRANT_MAX_ATTEMPTS", 5)),
		GrantParallelism:       getEnvInt("GRANT_PARALLELISM", 8),
		PolicyRotationInterval: getEnvDuration("POLICY_ROTATION_INTERVAL", 0),
		SweepInterval:          getEnvDuration("SWEEP_INTERVAL", time.Minute),

		RelayPullLimit: getEnvInt("RELAY_PULL_LIMIT", 500),
		RelayRateLimit: getEnvFloat("RELAY_RATE_LIMIT", 20),
		RelayRateBurst: getEnvInt("RELAY_RATE_BURST", 40),
		RelayTimeout:   getEnvDuration("RELAY_TIMEOUT", 10*time.Second),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultVal
	}
	return v
}

func getEnvInt(key string, defaultVal int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v < 0 {
		return defaultVal
	}
	return v
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return defaultVal
	}
	return v
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultVal
	}
	return v
}

func getEnvList(key string, defaultVal []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
