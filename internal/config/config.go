package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Session   SessionConfig
	Lockout   LockoutConfig
	RateLimit RateLimitConfig
	Password  PasswordConfig
	Bootstrap BootstrapConfig
	Archive   ArchiveConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string
	Port string
	// SecureCookies controls the Secure flag on session cookies.
	// Disable only for plain-HTTP development setups.
	SecureCookies bool
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds the optional shared rate-limit store configuration.
// When Addr is empty the server falls back to the in-process counter store,
// which is correct only for single-replica deployments.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// SessionConfig holds session lifetime policy
type SessionConfig struct {
	// AbsoluteLifetime is the hard cap from session creation.
	AbsoluteLifetime time.Duration
	// IdleTimeout is the sliding cap from last activity.
	IdleTimeout time.Duration
	// SweepInterval is how often expired session rows are purged.
	SweepInterval time.Duration
	// CookieName is the session cookie name.
	CookieName string
}

// LockoutConfig holds account lockout policy
type LockoutConfig struct {
	// MaxFailedAttempts is the consecutive-failure threshold.
	MaxFailedAttempts int
	// LockDuration is how long an account stays locked.
	LockDuration time.Duration
}

// RateLimitConfig holds IP rate limiting policy
type RateLimitConfig struct {
	GlobalPerHour int
	GlobalPerDay  int
	LoginAttempts int
	LoginWindow   time.Duration
}

// PasswordConfig holds password policy
type PasswordConfig struct {
	MinLength      int
	RequireUpper   bool
	RequireLower   bool
	RequireNumber  bool
	RequireSpecial bool
	// HistoryDepth is how many previous hashes reuse is checked against.
	HistoryDepth int
}

// BootstrapConfig holds the initial admin account created when no active
// admin exists yet.
type BootstrapConfig struct {
	AdminUsername string
	AdminPassword string
	AdminEmail    string
}

// ArchiveConfig holds the optional audit archive exporter configuration.
// The exporter is disabled unless Bucket is set.
type ArchiveConfig struct {
	Bucket    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	// MinAge is how old an audit entry must be before it is exported.
	MinAge time.Duration
	// Interval is how often the exporter runs.
	Interval time.Duration
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:          getEnv("SERVER_HOST", "0.0.0.0"),
			Port:          getEnv("SERVER_PORT", "8080"),
			SecureCookies: getBoolEnv("SECURE_COOKIES", true),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "gatekeeper"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		Session: SessionConfig{
			AbsoluteLifetime: getDurationEnv("SESSION_ABSOLUTE_LIFETIME", 4*time.Hour),
			IdleTimeout:      getDurationEnv("SESSION_IDLE_TIMEOUT", 30*time.Minute),
			SweepInterval:    getDurationEnv("SESSION_SWEEP_INTERVAL", 10*time.Minute),
			CookieName:       getEnv("SESSION_COOKIE_NAME", "gk_session"),
		},
		Lockout: LockoutConfig{
			MaxFailedAttempts: getIntEnv("LOCKOUT_MAX_FAILED_ATTEMPTS", 5),
			LockDuration:      getDurationEnv("LOCKOUT_DURATION", 15*time.Minute),
		},
		RateLimit: RateLimitConfig{
			GlobalPerHour: getIntEnv("RATE_LIMIT_GLOBAL_PER_HOUR", 50),
			GlobalPerDay:  getIntEnv("RATE_LIMIT_GLOBAL_PER_DAY", 200),
			LoginAttempts: getIntEnv("RATE_LIMIT_LOGIN_ATTEMPTS", 5),
			LoginWindow:   getDurationEnv("RATE_LIMIT_LOGIN_WINDOW", 15*time.Minute),
		},
		Password: PasswordConfig{
			MinLength:      getIntEnv("PASSWORD_MIN_LENGTH", 8),
			RequireUpper:   getBoolEnv("PASSWORD_REQUIRE_UPPER", true),
			RequireLower:   getBoolEnv("PASSWORD_REQUIRE_LOWER", true),
			RequireNumber:  getBoolEnv("PASSWORD_REQUIRE_NUMBER", true),
			RequireSpecial: getBoolEnv("PASSWORD_REQUIRE_SPECIAL", true),
			HistoryDepth:   getIntEnv("PASSWORD_HISTORY_DEPTH", 5),
		},
		Bootstrap: BootstrapConfig{
			AdminUsername: getEnv("BOOTSTRAP_ADMIN_USERNAME", "admin"),
			AdminPassword: getEnv("BOOTSTRAP_ADMIN_PASSWORD", ""),
			AdminEmail:    getEnv("BOOTSTRAP_ADMIN_EMAIL", ""),
		},
		Archive: ArchiveConfig{
			Bucket:    getEnv("ARCHIVE_BUCKET", ""),
			Endpoint:  getEnv("ARCHIVE_ENDPOINT", ""),
			Region:    getEnv("ARCHIVE_REGION", "us-east-1"),
			AccessKey: getEnv("ARCHIVE_ACCESS_KEY", ""),
			SecretKey: getEnv("ARCHIVE_SECRET_KEY", ""),
			MinAge:    getDurationEnv("ARCHIVE_MIN_AGE", 30*24*time.Hour),
			Interval:  getDurationEnv("ARCHIVE_INTERVAL", 6*time.Hour),
		},
	}
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return "host=" + d.Host +
		" port=" + d.Port +
		" user=" + d.User +
		" password=" + d.Password +
		" dbname=" + d.DBName +
		" sslmode=" + d.SSLMode
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv returns duration from environment variable or default.
// Values use time.ParseDuration syntax (e.g. "15m", "4h").
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getIntEnv returns integer from environment variable or default
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getBoolEnv returns boolean from environment variable or default
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch value {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}
