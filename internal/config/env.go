// Package config handles environment-based configuration loading for the
// Node Runtime, plus an optional YAML node-config file for settings that
// benefit from structure (preferred regions, bootstrap peers).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sqlitefleet/engine/internal/model"
)

// EnvConfig holds all environment-variable-driven settings for one Node.
type EnvConfig struct {
	// Directories
	DataDir string

	// Network
	ListenAddress string
	ListenPort    int
	HTTPEndpoint  string
	WSEndpoint    string
	APIMaxBodyBytes int

	// Node identity
	OperatorAddress string
	Region          model.Region
	RegionExplicit  bool
	GeoIPDBPath     string
	StakedAmount    int64
	TEEEnabled      bool
	DevMode         bool

	// Replication
	ReplicationTickInterval time.Duration
	MaxNearestStalenessMs   int64

	// Audit
	AuditChallengeSchedule string
	AuditChallengeTimeout  time.Duration

	// Registry
	RegistryBaseURL string
	RegistryTimeout time.Duration

	// Auth
	BearerToken string

	// Node config file
	NodeConfigPath string
}

// LoadEnvConfig reads environment variables and returns a validated
// EnvConfig. Returns an error if any required variable is missing or any
// value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	cfg.DataDir = envStr("ENGINE_DATA_DIR", "/var/lib/engine")
	cfg.ListenAddress = strings.TrimSpace(envStr("ENGINE_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.ListenPort = envInt("ENGINE_LISTEN_PORT", 8181, &errs)
	cfg.HTTPEndpoint = envStr("ENGINE_HTTP_ENDPOINT", "")
	cfg.WSEndpoint = envStr("ENGINE_WS_ENDPOINT", "")
	cfg.APIMaxBodyBytes = envInt("ENGINE_API_MAX_BODY_BYTES", 4<<20, &errs)

	cfg.OperatorAddress = strings.TrimSpace(envStr("ENGINE_OPERATOR_ADDRESS", ""))
	rawRegion := envStr("ENGINE_REGION", "")
	cfg.RegionExplicit = rawRegion != ""
	cfg.Region = model.NormalizeRegion(envStr("ENGINE_REGION", string(model.RegionGlobal)))
	cfg.GeoIPDBPath = envStr("ENGINE_GEOIP_DB_PATH", "")
	cfg.StakedAmount = int64(envInt("ENGINE_STAKED_AMOUNT", 0, &errs))
	cfg.TEEEnabled = envBool("ENGINE_TEE_ENABLED", false, &errs)
	cfg.DevMode = envBool("ENGINE_DEV_MODE", false, &errs)

	cfg.ReplicationTickInterval = envDuration("ENGINE_REPLICATION_TICK_INTERVAL", 1*time.Second, &errs)
	cfg.MaxNearestStalenessMs = int64(envInt("ENGINE_MAX_NEAREST_STALENESS_MS", 2000, &errs))

	cfg.AuditChallengeSchedule = envStr("ENGINE_AUDIT_CHALLENGE_SCHEDULE", "*/15 * * * *")
	cfg.AuditChallengeTimeout = envDuration("ENGINE_AUDIT_CHALLENGE_TIMEOUT", 10*time.Second, &errs)

	cfg.RegistryBaseURL = strings.TrimSpace(envStr("ENGINE_REGISTRY_BASE_URL", ""))
	cfg.RegistryTimeout = envDuration("ENGINE_REGISTRY_TIMEOUT", 10*time.Second, &errs)

	cfg.NodeConfigPath = envStr("ENGINE_NODE_CONFIG_PATH", "")

	bearerToken, hasBearerToken := os.LookupEnv("ENGINE_BEARER_TOKEN")
	cfg.BearerToken = bearerToken

	// --- Validation ---
	if !cfg.DevMode {
		if !hasBearerToken {
			errs = append(errs, "ENGINE_BEARER_TOKEN must be defined (unless ENGINE_DEV_MODE=true)")
		} else if cfg.BearerToken == "" {
			errs = append(errs, "ENGINE_BEARER_TOKEN must not be empty (unless ENGINE_DEV_MODE=true)")
		} else if IsWeakToken(cfg.BearerToken) {
			errs = append(errs, "ENGINE_BEARER_TOKEN is too weak")
		}
		if cfg.OperatorAddress == "" {
			errs = append(errs, "ENGINE_OPERATOR_ADDRESS must not be empty (unless ENGINE_DEV_MODE=true)")
		}
	}
	if cfg.DataDir == "" {
		errs = append(errs, "ENGINE_DATA_DIR must not be empty")
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "ENGINE_LISTEN_ADDRESS must not be empty")
	}

	validatePort("ENGINE_LISTEN_PORT", cfg.ListenPort, &errs)
	validatePositive("ENGINE_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)
	if cfg.ReplicationTickInterval <= 0 {
		errs = append(errs, "ENGINE_REPLICATION_TICK_INTERVAL must be positive")
	}
	validatePositiveInt64("ENGINE_MAX_NEAREST_STALENESS_MS", cfg.MaxNearestStalenessMs, &errs)
	if _, err := cron.ParseStandard(cfg.AuditChallengeSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("ENGINE_AUDIT_CHALLENGE_SCHEDULE: invalid cron expression %q: %v", cfg.AuditChallengeSchedule, err))
	}
	if cfg.AuditChallengeTimeout <= 0 {
		errs = append(errs, "ENGINE_AUDIT_CHALLENGE_TIMEOUT must be positive")
	}
	if cfg.RegistryTimeout <= 0 {
		errs = append(errs, "ENGINE_REGISTRY_TIMEOUT must be positive")
	}
	if cfg.StakedAmount < 0 {
		errs = append(errs, "ENGINE_STAKED_AMOUNT must not be negative")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}

func validatePositiveInt64(name string, value int64, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
