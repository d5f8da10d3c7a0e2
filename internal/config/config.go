package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Port          string
	DatabasePath  string // SQLite file backing the local store
	Ephemeral     bool   // use the in-memory store instead of SQLite
	RemoteBaseURL string // root of the remote research session API
	ProbeURL      string // endpoint polled by the connectivity prober
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration

	// SyncPolicyFile optionally overlays Sync from a YAML file, hot-reloaded
	// while the process runs.
	SyncPolicyFile string
	Sync           SyncPolicy

	// Cleanup schedule (standard 5-field cron expression) and the interval
	// between opportunistic sync retries.
	CleanupCron       string
	SyncRetryInterval time.Duration
}

// SyncPolicy holds the tunable knobs of the synchronizer.
type SyncPolicy struct {
	// MinMeaningfulMessages is the message-count floor of the meaningful
	// predicate gating remote sync.
	MinMeaningfulMessages int

	// RetentionWindow is how long low-value local sessions are kept before
	// a cleanup pass may evict them.
	RetentionWindow time.Duration

	// DrainBatchSize caps concurrent remote writes during a queue drain.
	DrainBatchSize int

	// DrainBatchDelay paces consecutive drain batches.
	DrainBatchDelay time.Duration

	// RemoteTimeout bounds every individual remote store call.
	RemoteTimeout time.Duration

	// CacheTTL expires idle session cache entries.
	CacheTTL time.Duration
}

// DefaultSyncPolicy returns the synchronizer defaults.
func DefaultSyncPolicy() SyncPolicy {
	return SyncPolicy{
		MinMeaningfulMessages: 3,
		RetentionWindow:       7 * 24 * time.Hour,
		DrainBatchSize:        3,
		DrainBatchDelay:       500 * time.Millisecond,
		RemoteTimeout:         10 * time.Second,
		CacheTTL:              24 * time.Hour,
	}
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	remoteBase := getEnv("REMOTE_BASE_URL", "http://localhost:8000")

	return &Config{
		Port:          getEnv("PORT", "3001"),
		DatabasePath:  getEnv("DATABASE_PATH", "data/insightloop.db"),
		Ephemeral:     getBoolEnv("EPHEMERAL_STORE", false),
		RemoteBaseURL: remoteBase,
		ProbeURL:      getEnv("PROBE_URL", remoteBase+"/health"),
		ProbeInterval: getDurationEnv("PROBE_INTERVAL", 15*time.Second),
		ProbeTimeout:  getDurationEnv("PROBE_TIMEOUT", 5*time.Second),

		SyncPolicyFile: getEnv("SYNC_POLICY_FILE", ""),
		Sync:           syncPolicyFromEnv(),

		CleanupCron:       getEnv("CLEANUP_CRON", "0 */6 * * *"),
		SyncRetryInterval: getDurationEnv("SYNC_RETRY_INTERVAL", 5*time.Minute),
	}
}

func syncPolicyFromEnv() SyncPolicy {
	policy := DefaultSyncPolicy()
	policy.MinMeaningfulMessages = getIntEnv("SYNC_MIN_MESSAGES", policy.MinMeaningfulMessages)
	policy.RetentionWindow = getDurationEnv("SYNC_RETENTION_WINDOW", policy.RetentionWindow)
	policy.DrainBatchSize = getIntEnv("SYNC_DRAIN_BATCH_SIZE", policy.DrainBatchSize)
	policy.DrainBatchDelay = getDurationEnv("SYNC_DRAIN_BATCH_DELAY", policy.DrainBatchDelay)
	policy.RemoteTimeout = getDurationEnv("SYNC_REMOTE_TIMEOUT", policy.RemoteTimeout)
	policy.CacheTTL = getDurationEnv("SYNC_CACHE_TTL", policy.CacheTTL)
	return policy
}

// syncPolicyFile is the YAML shape of a policy overlay. Durations are Go
// duration strings ("500ms", "168h"); absent fields keep the base value.
type syncPolicyFile struct {
	MinMeaningfulMessages int    `yaml:"minMeaningfulMessages"`
	RetentionWindow       string `yaml:"retentionWindow"`
	DrainBatchSize        int    `yaml:"drainBatchSize"`
	DrainBatchDelay       string `yaml:"drainBatchDelay"`
	RemoteTimeout         string `yaml:"remoteTimeout"`
	CacheTTL              string `yaml:"cacheTTL"`
}

// LoadSyncPolicy overlays base with the YAML file at path. Partial
// overlays are fine: absent or zero fields keep the base value.
func LoadSyncPolicy(path string, base SyncPolicy) (SyncPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("failed to read sync policy file: %w", err)
	}

	var overlay syncPolicyFile
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return base, fmt.Errorf("failed to parse sync policy YAML: %w", err)
	}

	policy := base
	if overlay.MinMeaningfulMessages > 0 {
		policy.MinMeaningfulMessages = overlay.MinMeaningfulMessages
	}
	if err := overlayDuration(&policy.RetentionWindow, overlay.RetentionWindow); err != nil {
		return base, fmt.Errorf("invalid retentionWindow: %w", err)
	}
	if overlay.DrainBatchSize > 0 {
		policy.DrainBatchSize = overlay.DrainBatchSize
	}
	if err := overlayDuration(&policy.DrainBatchDelay, overlay.DrainBatchDelay); err != nil {
		return base, fmt.Errorf("invalid drainBatchDelay: %w", err)
	}
	if err := overlayDuration(&policy.RemoteTimeout, overlay.RemoteTimeout); err != nil {
		return base, fmt.Errorf("invalid remoteTimeout: %w", err)
	}
	if err := overlayDuration(&policy.CacheTTL, overlay.CacheTTL); err != nil {
		return base, fmt.Errorf("invalid cacheTTL: %w", err)
	}
	return policy, nil
}

func overlayDuration(dst *time.Duration, value string) error {
	if value == "" {
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	if parsed > 0 {
		*dst = parsed
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
