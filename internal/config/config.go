// Package config provides process-start configuration: environment
// variables for runtime knobs and a TOML policy snapshot for the numeric
// allocation caps consumed by the constraint compiler.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/aristath/decision-engine/internal/modules/optimization"
)

// Config holds application configuration.
type Config struct {
	DatabasePath   string
	PolicyPath     string // TOML policy snapshot; empty means no caps
	LogLevel       string
	LogPretty      bool
	SolverTimeout  time.Duration
	Lookback       int
	DecayFactor    float64
	NumScenarios   int
	TrackingActive bool
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		DatabasePath:   getEnv("DATABASE_PATH", "./data/portfolio.db"),
		PolicyPath:     getEnv("POLICY_PATH", ""),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogPretty:      getEnvAsBool("LOG_PRETTY", false),
		SolverTimeout:  time.Duration(getEnvAsInt("SOLVER_TIMEOUT_SECONDS", 10)) * time.Second,
		Lookback:       getEnvAsInt("LOOKBACK_DAYS", optimization.DefaultLookback),
		DecayFactor:    getEnvAsFloat("DECAY_FACTOR", optimization.DefaultDecay),
		NumScenarios:   getEnvAsInt("NUM_SCENARIOS", optimization.DefaultNumScenarios),
		TrackingActive: getEnvAsBool("TRACKING_ENABLED", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if required configuration is present.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH is required")
	}
	if c.DecayFactor <= 0 || c.DecayFactor >= 1 {
		return fmt.Errorf("DECAY_FACTOR must lie in (0,1), got %v", c.DecayFactor)
	}
	if c.SolverTimeout <= 0 {
		return fmt.Errorf("SOLVER_TIMEOUT_SECONDS must be positive")
	}
	return nil
}

// PolicySnapshot is the on-disk form of the compliance caps. It is loaded
// once at process start and never mutated; the optimization core receives
// it as an explicitly injected CapSet.
type PolicySnapshot struct {
	MaxAssetWeight float64            `toml:"max_asset_weight"`
	MinAssetWeight float64            `toml:"min_asset_weight"`
	AssetMax       map[string]float64 `toml:"asset_max"`
	AssetMin       map[string]float64 `toml:"asset_min"`
	SectorCaps     map[string]float64 `toml:"sector_caps"`
	CountryCaps    map[string]float64 `toml:"country_caps"`
	SectorOf       map[string]string  `toml:"sector_of"`
	CountryOf      map[string]string  `toml:"country_of"`
}

// LoadPolicy reads the TOML policy snapshot. An empty path yields an empty
// cap set rather than an error so the engine runs uncapped by default.
func LoadPolicy(path string) (optimization.CapSet, error) {
	if path == "" {
		return optimization.CapSet{}, nil
	}

	var snapshot PolicySnapshot
	if _, err := toml.DecodeFile(path, &snapshot); err != nil {
		return optimization.CapSet{}, fmt.Errorf("loading policy snapshot %s: %w", path, err)
	}

	return optimization.CapSet{
		MaxAssetWeight: snapshot.MaxAssetWeight,
		MinAssetWeight: snapshot.MinAssetWeight,
		AssetMax:       snapshot.AssetMax,
		AssetMin:       snapshot.AssetMin,
		SectorCaps:     snapshot.SectorCaps,
		CountryCaps:    snapshot.CountryCaps,
		SectorOf:       snapshot.SectorOf,
		CountryOf:      snapshot.CountryOf,
	}, nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
