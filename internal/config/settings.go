package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

type Config struct {
	Profile   string          `json:"profile"`
	Detection DetectionConfig `json:"detection"`

	// RateLimit is the GCRA gate applied after detection.
	RateLimit struct {
		Enabled bool  `json:"enabled"`
		Limit   int   `json:"limit"`
		Period  Timer `json:"period"`
	} `json:"rate_limit"`

	Challenge struct {
		PendingTTL        Timer `json:"pending_ttl"`
		GrantTTL          Timer `json:"grant_ttl"`
		MaxAttempts       int   `json:"max_attempts"`
		BlockOnExhaustion bool  `json:"block_on_exhaustion"`
	} `json:"challenge"`

	Admission struct {
		ExemptPaths                 []string `json:"exempt_paths"`
		VerifyURL                   string   `json:"verify_url"`
		FailClosedOnReputationError bool     `json:"fail_closed_on_reputation_error"`
	} `json:"admission"`

	Reputation struct {
		CacheTTLMillis int `json:"cache_ttl_ms"`
	} `json:"reputation"`
}

func (c Config) ReputationCacheTTL() time.Duration {
	return time.Duration(c.Reputation.CacheTTLMillis) * time.Millisecond
}

func (c Config) Validate() error {
	var errs []error
	if err := c.Detection.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.RateLimit.Limit <= 0 || c.RateLimit.Period.IsZero() {
		errs = append(errs, errors.New("rate_limit: limit and period must be positive"))
	} else if c.RateLimit.Period.Duration()/time.Duration(c.RateLimit.Limit) < time.Millisecond {
		errs = append(errs, errors.New("rate_limit: period/limit must be at least 1ms"))
	}
	if c.Challenge.PendingTTL.IsZero() || c.Challenge.GrantTTL.IsZero() {
		errs = append(errs, errors.New("challenge: pending_ttl and grant_ttl must be positive"))
	}
	if c.Challenge.MaxAttempts <= 0 {
		errs = append(errs, errors.New("challenge: max_attempts must be positive"))
	}
	if c.Admission.VerifyURL == "" {
		errs = append(errs, errors.New("admission: verify_url must be set"))
	}
	if c.Reputation.CacheTTLMillis < 0 {
		errs = append(errs, errors.New("reputation: cache_ttl_ms must not be negative"))
	}
	return errors.Join(errs...)
}

var (
	//go:embed default_settings.json
	defaultConfig []byte

	settingsFilePath = "data/settings.json"

	configValue atomic.Value
	configMu    sync.Mutex

	InProductionMode bool
)

func init() {
	cfg, err := DefaultConfig()
	if err != nil {
		panic(fmt.Sprintf("config: embedded defaults are invalid: %v", err))
	}
	configValue.Store(cfg)
	updateExemptPaths(cfg.Admission.ExemptPaths)
}

// DefaultConfig decodes the embedded default settings.
func DefaultConfig() (Config, error) {
	var cfg Config
	if err := json.Unmarshal(defaultConfig, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// ReadSettings loads the settings file, creating it from the embedded
// defaults on first start. An invalid file leaves the current configuration
// in place.
func ReadSettings() error {
	data, err := os.ReadFile(settingsFilePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("read settings: %w", err)
		}
		log.Warn("Settings file not found, creating with default configuration", "path", settingsFilePath)

		if err := os.MkdirAll(filepath.Dir(settingsFilePath), 0o755); err != nil {
			return fmt.Errorf("create settings directory: %w", err)
		}
		if err := os.WriteFile(settingsFilePath, defaultConfig, 0o644); err != nil {
			return fmt.Errorf("write default settings: %w", err)
		}
		data = defaultConfig
	}

	var newConfig Config
	if err := json.Unmarshal(data, &newConfig); err != nil {
		return fmt.Errorf("decode settings: %w", err)
	}
	if err := newConfig.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	if err := applyConfigUpdate(newConfig, configUpdateOptions{source: "file"}); err != nil {
		return err
	}

	log.Debug("Settings file loaded successfully", "path", settingsFilePath, "profile", newConfig.Profile)
	return nil
}

// SetConfig validates, applies, persists and broadcasts a new configuration.
func SetConfig(newConfig Config) error {
	if err := newConfig.Validate(); err != nil {
		return err
	}
	return applyConfigUpdate(newConfig, configUpdateOptions{persistToFile: true, broadcast: true, source: "local"})
}

// ApplyProfile swaps the detection section for a named preset and keeps the
// rest of the configuration.
func ApplyProfile(name string) error {
	detection, err := Profile(name)
	if err != nil {
		return err
	}
	cfg := GetConfig()
	cfg.Profile = name
	cfg.Detection = detection
	return applyConfigUpdate(cfg, configUpdateOptions{source: "profile"})
}

type configUpdateOptions struct {
	persistToFile bool
	broadcast     bool
	source        string
}

func applyConfigUpdate(newConfig Config, opts configUpdateOptions) error {
	configMu.Lock()
	defer configMu.Unlock()

	configValue.Store(newConfig)
	updateExemptPaths(newConfig.Admission.ExemptPaths)

	var errs []error

	if opts.persistToFile {
		data, err := json.MarshalIndent(newConfig, "", "  ")
		if err != nil {
			log.Error("Error marshalling new configuration", "error", err)
			errs = append(errs, err)
		} else if err := os.WriteFile(settingsFilePath, data, 0o644); err != nil {
			log.Error("Error writing new configuration to file", "error", err)
			errs = append(errs, err)
		}
	}

	if opts.broadcast {
		payload, err := json.Marshal(newConfig)
		if err != nil {
			log.Error("Error serializing configuration for broadcast", "error", err)
			errs = append(errs, err)
		} else if err := broadcastConfigUpdate(payload); err != nil {
			log.Error("Error broadcasting configuration update", "error", err)
			errs = append(errs, err)
		}
	}

	log.Debug("Configuration applied", "source", opts.source)

	return errors.Join(errs...)
}

func GetConfig() Config {
	return configValue.Load().(Config)
}

func SetProductionMode(productionMode bool) {
	InProductionMode = productionMode
}
