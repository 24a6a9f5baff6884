package config

import "time"

// ManagerConfig holds runtime configuration for the app manager daemon.
type ManagerConfig struct {
	Environment      string
	Addr             string
	DatabaseURL      string
	MigrationsDir    string
	DockerHost       string
	Workdir          string
	AdminToken       string
	TokenCipherKey   string
	LogLevel         string
	SyncInterval     time.Duration
	GitTimeout       time.Duration
	BuildTimeout     time.Duration
	RunGraceWindow   time.Duration
	MaxConcurrent    int
	ImagePrefix      string
	FixServiceURL    string
	FixServiceKey    string
	FixTimeout       time.Duration
	RateLimitRedis   string
	RateLimitPass    string
	RateLimitDB      int
	LogStreamBuffer  int
	LogExcerptLimit  int
	DefaultBranch    string
	DefaultConfigDir string
}

// LoadManagerConfig constructs a ManagerConfig from environment variables.
func LoadManagerConfig() ManagerConfig {
	return ManagerConfig{
		Environment:      GetString("APP_ENV", "development"),
		Addr:             GetString("MANAGER_ADDR", ":8080"),
		DatabaseURL:      GetString("DATABASE_URL", "postgres://appmanager:appmanager@db:5432/appmanager?sslmode=disable"),
		MigrationsDir:    GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		DockerHost:       GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		Workdir:          GetString("MANAGER_WORKDIR", "/var/lib/appmanager/repos"),
		AdminToken:       GetString("ADMIN_TOKEN", ""),
		TokenCipherKey:   GetString("TOKEN_CIPHER_KEY", "supersecuresecret"),
		LogLevel:         GetString("LOG_LEVEL", "info"),
		SyncInterval:     GetSeconds("SYNC_INTERVAL_SECONDS", 5*time.Minute),
		GitTimeout:       GetSeconds("GIT_TIMEOUT_SECONDS", 60*time.Second),
		BuildTimeout:     GetSeconds("BUILD_TIMEOUT_SECONDS", 600*time.Second),
		RunGraceWindow:   GetSeconds("RUN_GRACE_SECONDS", 10*time.Second),
		MaxConcurrent:    GetInt("MAX_CONCURRENT_BUILDS", 2),
		ImagePrefix:      GetString("IMAGE_PREFIX", "appmanager"),
		FixServiceURL:    GetString("FIX_SERVICE_URL", ""),
		FixServiceKey:    GetString("FIX_SERVICE_API_KEY", ""),
		FixTimeout:       GetSeconds("FIX_SERVICE_TIMEOUT_SECONDS", 15*time.Second),
		RateLimitRedis:   GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitPass:    GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitDB:      GetInt("RATE_LIMIT_REDIS_DB", 0),
		LogStreamBuffer:  GetInt("WS_LOG_BUFFER", 100),
		LogExcerptLimit:  GetInt("LOG_EXCERPT_BYTES", 4096),
		DefaultBranch:    GetString("DEFAULT_BRANCH", "main"),
		DefaultConfigDir: GetString("DEFAULT_CONFIG_DIR", "./config"),
	}
}
