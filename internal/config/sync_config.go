package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
)

// SyncConfig holds synchronization configuration
type SyncConfig struct {
	// ============ SCHEDULING ============
	AutoSyncEnabled bool `json:"auto_sync_enabled"`
	SyncInterval    int  `json:"sync_interval"` // seconds
	SyncOnStartup   bool `json:"sync_on_startup"`

	// ============ BATCHING ============
	MaxBatchMutations     int   `json:"max_batch_mutations"`
	MaxBatchBytes         int64 `json:"max_batch_bytes"`
	MeteredBatchMutations int   `json:"metered_batch_mutations"`
	MeteredBatchBytes     int64 `json:"metered_batch_bytes"`

	// ============ RETRY ============
	RetryBaseDelay   int `json:"retry_base_delay"` // seconds
	RetryMaxDelay    int `json:"retry_max_delay"`  // seconds
	MaxRetryAttempts int `json:"max_retry_attempts"`
	ExchangeTimeout  int `json:"exchange_timeout"` // seconds

	// ============ RETENTION ============
	TombstoneRetentionDays int `json:"tombstone_retention_days"`
	ConflictReminderHours  int `json:"conflict_reminder_hours"`
	SessionHistoryLimit    int `json:"session_history_limit"`

	// ============ MERGING ============
	AutoMergeAllowlist map[string]string `json:"auto_merge_allowlist"` // field -> set_union or additive

	// ============ ROUTES ============
	HealthCheckInterval int               `json:"health_check_interval"` // seconds
	Routes              []SyncRouteConfig `json:"routes"`
}

// SyncRouteConfig represents one path to the central store
type SyncRouteConfig struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Link     string `json:"link"`     // metered or unmetered
	Timeout  int    `json:"timeout"`  // seconds
	Priority int    `json:"priority"` // lower = higher priority
}

// LoadSyncConfig loads sync configuration from environment or file
func LoadSyncConfig() *SyncConfig {
	// Try to load from file first
	if configPath := os.Getenv("SYNC_CONFIG_PATH"); configPath != "" {
		if cfg, err := loadSyncConfigFromFile(configPath); err == nil {
			return cfg.withDefaults()
		} else {
			log.Printf("⚠️ Failed to load sync config from %s: %v", configPath, err)
		}
	}

	// Otherwise use defaults
	return getDefaultSyncConfig()
}

// loadSyncConfigFromFile loads sync config from JSON file
func loadSyncConfigFromFile(path string) (*SyncConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg SyncConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// withDefaults fills zero values so a sparse config file still yields a
// working engine.
func (c *SyncConfig) withDefaults() *SyncConfig {
	if c.SyncInterval <= 0 {
		c.SyncInterval = 1800
	}
	if c.MaxBatchMutations <= 0 {
		c.MaxBatchMutations = 100
	}
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = 1 << 20
	}
	if c.MeteredBatchMutations <= 0 {
		c.MeteredBatchMutations = 25
	}
	if c.MeteredBatchBytes <= 0 {
		c.MeteredBatchBytes = 256 << 10
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 5
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 3600
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = 10
	}
	if c.ExchangeTimeout <= 0 {
		c.ExchangeTimeout = 30
	}
	if c.TombstoneRetentionDays <= 0 {
		c.TombstoneRetentionDays = 30
	}
	if c.ConflictReminderHours <= 0 {
		c.ConflictReminderHours = 24
	}
	if c.SessionHistoryLimit <= 0 {
		c.SessionHistoryLimit = 100
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30
	}
	if c.AutoMergeAllowlist == nil {
		c.AutoMergeAllowlist = getDefaultAllowlist()
	}
	return c
}

// getDefaultSyncConfig returns default sync configuration
func getDefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		AutoSyncEnabled: getBoolEnv("SYNC_AUTO_ENABLED", true),
		SyncInterval:    getIntEnv("SYNC_INTERVAL", 1800), // every 30 minutes
		SyncOnStartup:   getBoolEnv("SYNC_ON_STARTUP", true),

		MaxBatchMutations:     getIntEnv("SYNC_BATCH_MUTATIONS", 100),
		MaxBatchBytes:         int64(getIntEnv("SYNC_BATCH_BYTES", 1<<20)),
		MeteredBatchMutations: getIntEnv("SYNC_METERED_BATCH_MUTATIONS", 25),
		MeteredBatchBytes:     int64(getIntEnv("SYNC_METERED_BATCH_BYTES", 256<<10)),

		RetryBaseDelay:   getIntEnv("SYNC_RETRY_BASE_DELAY", 5),
		RetryMaxDelay:    getIntEnv("SYNC_RETRY_MAX_DELAY", 3600),
		MaxRetryAttempts: getIntEnv("SYNC_MAX_RETRY_ATTEMPTS", 10),
		ExchangeTimeout:  getIntEnv("SYNC_EXCHANGE_TIMEOUT", 30),

		TombstoneRetentionDays: getIntEnv("SYNC_TOMBSTONE_RETENTION_DAYS", 30),
		ConflictReminderHours:  getIntEnv("SYNC_CONFLICT_REMINDER_HOURS", 24),
		SessionHistoryLimit:    getIntEnv("SYNC_SESSION_HISTORY", 100),

		AutoMergeAllowlist: getDefaultAllowlist(),

		HealthCheckInterval: getIntEnv("SYNC_HEALTH_CHECK_INTERVAL", 30),
		Routes:              getDefaultRoutes(),
	}
}

// getDefaultAllowlist returns the fields safe to merge automatically.
// List-valued fields union; note fields concatenate with provenance tags.
func getDefaultAllowlist() map[string]string {
	return map[string]string{
		"allergy_list":    "set_union",
		"medication_list": "set_union",
		"care_notes":      "additive",
	}
}

// getDefaultRoutes returns default sync routes
func getDefaultRoutes() []SyncRouteConfig {
	routes := []SyncRouteConfig{}

	// Primary route, typically the home or clinic network
	if serverURL := os.Getenv("SYNC_SERVER_URL"); serverURL != "" {
		log.Printf("🔗 Adding primary sync route: %s", serverURL)
		routes = append(routes, SyncRouteConfig{
			Name:     "primary",
			URL:      serverURL,
			Link:     "unmetered",
			Timeout:  10,
			Priority: 1,
		})
	}

	// Fallback route over a metered link
	if cellularURL := os.Getenv("SYNC_CELLULAR_URL"); cellularURL != "" {
		log.Printf("🔗 Adding metered sync route: %s", cellularURL)
		routes = append(routes, SyncRouteConfig{
			Name:     "cellular",
			URL:      cellularURL,
			Link:     "metered",
			Timeout:  15,
			Priority: 2,
		})
	}

	if len(routes) == 0 {
		log.Println("⚠️ No sync routes configured (SYNC_SERVER_URL and SYNC_CELLULAR_URL not set)")
	}

	return routes
}

// Helper functions for environment variables

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}
