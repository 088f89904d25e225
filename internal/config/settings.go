package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"ipgate/internal/domain"
)

type Config struct {
	Restrictions RestrictionSettings `json:"restrictions"`
	Vpn          VpnSettings         `json:"vpn"`

	Janitor struct {
		// Disabled pauses periodic sweeps; expired entries are then only
		// replaced on their next query.
		Disabled   bool  `json:"disabled"`
		SweepTimer Timer `json:"sweep_timer"`
	} `json:"janitor"`

	GeoLite GeoLiteSettings `json:"geolite"`
}

// RestrictionSettings holds the per-IP account limits. A limit of 0 disables
// the corresponding check.
type RestrictionSettings struct {
	MaxRegistrationsPerIP int `json:"max_registrations_per_ip"`
	MaxLoginPerIP         int `json:"max_login_per_ip"`
	MaxJoinPerIP          int `json:"max_join_per_ip"`

	StrictRestriction      bool `json:"strict_restriction"`
	StrictRecheckAttempts  int  `json:"strict_recheck_attempts"`
	FailClosedOnStoreError bool `json:"fail_closed_on_store_error"`

	CacheTimer Timer `json:"cache_timer"`
}

type VpnSettings struct {
	Enabled           bool   `json:"enabled"`
	Action            string `json:"action"`
	DNSDetection      bool   `json:"dns_detection"`
	AdvancedDetection bool   `json:"advanced_detection"`
	CacheTimer        Timer  `json:"cache_timer"`
	LookupTimeoutMs   uint32 `json:"lookup_timeout_ms"`

	CustomRanges    []string `json:"custom_ranges"`
	CustomHostnames []string `json:"custom_hostnames"`
	Whitelist       []string `json:"whitelist"`

	// RangeFeeds are URLs of plain-text IPv4/CIDR lists merged into detection.
	RangeFeeds       []string `json:"range_feeds"`
	FeedRefreshTimer Timer    `json:"feed_refresh_timer"`

	ASNDatabasePath string `json:"asn_database_path"`
}

type GeoLiteSettings struct {
	APIKey        string `json:"api_key"`
	AutoUpdate    bool   `json:"auto_update"`
	UpdateTimer   Timer  `json:"update_timer"`
	LastUpdatedAt string `json:"last_updated_at,omitempty"`
}

const (
	defaultRestrictionCacheTTL = 5 * time.Minute
	defaultVpnCacheTTL         = 30 * time.Minute
	defaultLookupTimeout       = 2 * time.Second
	maxStrictRecheckAttempts   = 5
)

// CacheTTL is the lifetime of a cached account count. Never below one minute.
func (r RestrictionSettings) CacheTTL() time.Duration {
	if r.CacheTimer.IsZero() {
		return defaultRestrictionCacheTTL
	}
	ttl := CalculateBetweenTime(r.CacheTimer)
	if ttl < time.Minute {
		return time.Minute
	}
	return ttl
}

// RecheckAttempts bounds the strict-mode real-time recomputations.
func (r RestrictionSettings) RecheckAttempts() int {
	switch {
	case r.StrictRecheckAttempts <= 0:
		return 1
	case r.StrictRecheckAttempts > maxStrictRecheckAttempts:
		return maxStrictRecheckAttempts
	default:
		return r.StrictRecheckAttempts
	}
}

func (v VpnSettings) CacheTTL() time.Duration {
	if v.CacheTimer.IsZero() {
		return defaultVpnCacheTTL
	}
	return CalculateBetweenTime(v.CacheTimer)
}

func (v VpnSettings) LookupTimeout() time.Duration {
	if v.LookupTimeoutMs == 0 {
		return defaultLookupTimeout
	}
	return time.Duration(v.LookupTimeoutMs) * time.Millisecond
}

var (
	//go:embed default_settings.json
	defaultConfig []byte

	configValue  atomic.Value
	settingsPath atomic.Value
	configMu     sync.Mutex
)

func init() {
	var cfg Config
	if err := json.Unmarshal(defaultConfig, &cfg); err != nil {
		panic("config: embedded default settings are invalid: " + err.Error())
	}
	configValue.Store(normalizeConfig(cfg))
	settingsPath.Store("data/settings.json")
}

// SetSettingsPath changes where ReadSettings and SetConfig read and persist.
func SetSettingsPath(path string) {
	if strings.TrimSpace(path) == "" {
		return
	}
	settingsPath.Store(path)
}

func SettingsPath() string {
	return settingsPath.Load().(string)
}

// Defaults returns the embedded default configuration.
func Defaults() Config {
	var cfg Config
	_ = json.Unmarshal(defaultConfig, &cfg)
	return normalizeConfig(cfg)
}

func ReadSettings() {
	path := SettingsPath()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error("Error reading settings file", "path", path, "error", err)
			return
		}

		log.Warn("Settings file not found, creating with default configuration", "path", path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			log.Error("Error creating directory for settings file", "error", err)
			return
		}
		if err := os.WriteFile(path, defaultConfig, 0o644); err != nil {
			log.Error("Error writing default settings file", "error", err)
			return
		}
		data = defaultConfig
	}

	var newConfig Config
	if err := json.Unmarshal(data, &newConfig); err != nil {
		log.Error("Error unmarshalling settings file", "path", path, "error", err)
		return
	}

	if err := applyConfigUpdate(newConfig, configUpdateOptions{source: "file"}); err != nil {
		log.Error("Error applying configuration from settings file", "error", err)
		return
	}

	log.Debug("Settings file loaded successfully", "path", path)
}

// SetConfig applies, persists and broadcasts a new configuration.
func SetConfig(newConfig Config) error {
	if err := applyConfigUpdate(newConfig, configUpdateOptions{persistToFile: true, broadcast: true, source: "local"}); err != nil {
		log.Error("Error applying configuration update", "error", err)
		return err
	}
	return nil
}

// UpdateConfig applies updater to a copy of the current configuration.
func UpdateConfig(source string, updater func(cfg *Config)) error {
	if updater == nil {
		return errors.New("config: updater cannot be nil")
	}

	cfg := GetConfig()
	updater(&cfg)

	return applyConfigUpdate(cfg, configUpdateOptions{persistToFile: true, broadcast: true, source: source})
}

func MarkGeoLiteUpdated(ts time.Time) error {
	return UpdateConfig("geolite", func(cfg *Config) {
		cfg.GeoLite.LastUpdatedAt = ts.UTC().Format(time.RFC3339)
	})
}

type configUpdateOptions struct {
	persistToFile bool
	broadcast     bool
	source        string
}

func applyConfigUpdate(newConfig Config, opts configUpdateOptions) error {
	configMu.Lock()
	defer configMu.Unlock()

	newConfig = normalizeConfig(newConfig)
	for _, warning := range Validate(newConfig) {
		log.Warn("Configuration warning", "source", opts.source, "warning", warning)
	}

	configValue.Store(newConfig)
	SetIntervals()

	var errs []error

	if opts.persistToFile {
		data, err := json.MarshalIndent(newConfig, "", "  ")
		if err != nil {
			errs = append(errs, err)
		} else if err := os.WriteFile(SettingsPath(), data, 0o644); err != nil {
			errs = append(errs, err)
		}
	}

	if opts.broadcast {
		payload, err := json.Marshal(newConfig)
		if err != nil {
			errs = append(errs, err)
		} else if err := broadcastConfigUpdate(payload); err != nil {
			errs = append(errs, err)
		}
	}

	log.Debug("Configuration applied", "source", opts.source)

	return errors.Join(errs...)
}

// Validate lists recoverable problems. None of them stop the configuration
// from being applied.
func Validate(cfg Config) []string {
	var warnings []string

	if _, err := domain.ParseVpnAction(cfg.Vpn.Action); err != nil {
		warnings = append(warnings, "vpn.action "+quote(cfg.Vpn.Action)+" is not one of KICK, BLOCK_REGISTER, BLOCK_LOGIN, LOG_ONLY; KICK will be used")
	}
	if cfg.Restrictions.CacheTTL() > cfg.Vpn.CacheTTL() {
		warnings = append(warnings, "restrictions.cache_timer is longer than vpn.cache_timer; account counts should expire first")
	}
	for _, limit := range []struct {
		name  string
		value int
	}{
		{"restrictions.max_registrations_per_ip", cfg.Restrictions.MaxRegistrationsPerIP},
		{"restrictions.max_login_per_ip", cfg.Restrictions.MaxLoginPerIP},
		{"restrictions.max_join_per_ip", cfg.Restrictions.MaxJoinPerIP},
	} {
		if limit.value < 0 {
			warnings = append(warnings, limit.name+" is negative and treated as disabled")
		}
	}

	return warnings
}

func normalizeConfig(cfg Config) Config {
	cfg.Vpn.Action = strings.ToUpper(strings.TrimSpace(cfg.Vpn.Action))
	cfg.Vpn.CustomRanges = NormalizeRangeList(cfg.Vpn.CustomRanges)
	cfg.Vpn.Whitelist = NormalizeRangeList(cfg.Vpn.Whitelist)
	cfg.Vpn.CustomHostnames = NormalizeHostnameList(cfg.Vpn.CustomHostnames)
	cfg.Vpn.RangeFeeds = NormalizeFeedList(cfg.Vpn.RangeFeeds)
	return cfg
}

func GetConfig() Config {
	return configValue.Load().(Config)
}

func GetRestrictions() RestrictionSettings {
	return GetConfig().Restrictions
}

func SweepEnabled() bool {
	return !GetConfig().Janitor.Disabled
}

func GetVpn() VpnSettings {
	return GetConfig().Vpn
}

func quote(s string) string {
	return "\"" + s + "\""
}
