// Package config loads service configuration from VW_-prefixed environment
// variables. Each control-plane binary has its own Load function; defaults
// match the in-cluster service names.
package config

import (
	"os"
	"strconv"
	"time"
)

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "TRUE", "True":
		return true
	case "0", "false", "no", "FALSE", "False":
		return false
	}
	return def
}

func envDur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// Authority configures the vw-config service.
type Authority struct {
	Listen       string
	ConfigPath   string
	PollInterval time.Duration
	EventLogPath string
	LogLevel     string
}

// LoadAuthority reads Authority settings from the environment.
func LoadAuthority() Authority {
	return Authority{
		Listen:       envStr("VW_CONFIG_LISTEN", ":8006"),
		ConfigPath:   envStr("VW_CONFIG_PATH", "/etc/videowall/platform-config.yaml"),
		PollInterval: envDur("VW_CONFIG_POLL_INTERVAL", 5*time.Second),
		EventLogPath: envStr("VW_CONFIG_EVENT_LOG", "/var/lib/vw-config/events.jsonl"),
		LogLevel:     envStr("VW_LOG_LEVEL", "info"),
	}
}

// Policy configures the vw-policy service.
type Policy struct {
	Listen        string
	ConfigURL     string
	ConfigTimeout time.Duration
	PolicyPath    string
	MgmtURL       string
	LogLevel      string
}

// LoadPolicy reads Policy settings from the environment.
func LoadPolicy() Policy {
	return Policy{
		Listen:        envStr("VW_POLICY_LISTEN", ":8001"),
		ConfigURL:     envStr("VW_CONFIG_URL", "http://vw-config:8006"),
		ConfigTimeout: envDur("VW_CONFIG_TIMEOUT", 2*time.Second),
		PolicyPath:    envStr("VW_POLICY_PATH", ""),
		MgmtURL:       envStr("VW_MGMT_API_URL", "http://vw-mgmt-api:8000"),
		LogLevel:      envStr("VW_LOG_LEVEL", "info"),
	}
}

// Mgmt configures the vw-mgmt-api service.
type Mgmt struct {
	Listen    string
	DBDSN     string
	DBMaxOpen int
	DBMaxIdle int

	OIDCIssuer       string
	OIDCAudience     string
	OIDCClientID     string
	OIDCPublicKeyPEM string
	OIDCJWKSPath     string

	PolicyURL string
	AuditURL  string
	ConfigURL string
	HealthURL string

	StreamTokenSecret string
	StreamTokenTTL    time.Duration
	BundleHMACSecret  string

	AuditChainID      string
	ReconcileInterval time.Duration
	ReconcileEnabled  bool

	RateLimitRPS   int
	RateLimitBurst int
	LogLevel       string
}

// LoadMgmt reads Mgmt settings from the environment.
func LoadMgmt() Mgmt {
	return Mgmt{
		Listen:    envStr("VW_MGMT_LISTEN", ":8000"),
		DBDSN:     envStr("VW_DB_DSN", "postgres://vw:vw@postgres:5432/vw?sslmode=disable"),
		DBMaxOpen: envInt("VW_DB_MAX_SIZE", 10),
		DBMaxIdle: envInt("VW_DB_MIN_SIZE", 1),

		OIDCIssuer:       envStr("VW_OIDC_ISSUER", ""),
		OIDCAudience:     envStr("VW_OIDC_AUDIENCE", ""),
		OIDCClientID:     envStr("VW_OIDC_CLIENT_ID", "vw"),
		OIDCPublicKeyPEM: envStr("VW_OIDC_PUBLIC_KEY_PEM", ""),
		OIDCJWKSPath:     envStr("VW_OIDC_JWKS_PATH", ""),

		PolicyURL: envStr("VW_POLICY_URL", "http://vw-policy:8001"),
		AuditURL:  envStr("VW_AUDIT_URL", "http://vw-audit:8002"),
		ConfigURL: envStr("VW_CONFIG_URL", "http://vw-config:8006"),
		HealthURL: envStr("VW_HEALTH_URL", "http://vw-health:8003"),

		StreamTokenSecret: envStr("VW_STREAM_TOKEN_SECRET", "change-me"),
		StreamTokenTTL:    envDur("VW_STREAM_TOKEN_TTL_SECONDS", 300*time.Second),
		BundleHMACSecret:  envStr("VW_BUNDLE_HMAC_SECRET", ""),

		AuditChainID:      envStr("VW_AUDIT_CHAIN_ID", "mgmt-api"),
		ReconcileInterval: envDur("VW_RECONCILE_INTERVAL_S", 30*time.Second),
		ReconcileEnabled:  envBool("VW_RECONCILE_ENABLED", true),

		RateLimitRPS:   envInt("VW_RATE_LIMIT_RPS", 50),
		RateLimitBurst: envInt("VW_RATE_LIMIT_BURST", 100),
		LogLevel:       envStr("VW_LOG_LEVEL", "info"),
	}
}

// Audit configures the standalone vw-audit service.
type Audit struct {
	Listen    string
	DBDSN     string
	DBMaxOpen int
	DBMaxIdle int
	ChainID   string
	LogLevel  string
}

// LoadAudit reads Audit settings from the environment.
func LoadAudit() Audit {
	return Audit{
		Listen:    envStr("VW_AUDIT_LISTEN", ":8002"),
		DBDSN:     envStr("VW_DB_DSN", "postgres://vw:vw@postgres:5432/vw?sslmode=disable"),
		DBMaxOpen: envInt("VW_DB_MAX_SIZE", 10),
		DBMaxIdle: envInt("VW_DB_MIN_SIZE", 1),
		ChainID:   envStr("VW_CHAIN_ID", "vw-audit"),
		LogLevel:  envStr("VW_LOG_LEVEL", "info"),
	}
}
