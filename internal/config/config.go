// Package config defines all configuration for the grid reconciliation
// engine. Config is loaded from a YAML file (default: configs/config.yaml)
// with sensitive fields overridable via GRID_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"gridbot/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Grid      GridConfig      `mapstructure:"grid"`
	VenueA    VenueAConfig    `mapstructure:"venue_a"`
	VenueB    VenueBConfig    `mapstructure:"venue_b"`
	Simulator SimulatorConfig `mapstructure:"simulator"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// GridConfig is the YAML-facing mirror of types.GridConfig; ToDomain converts
// its floats to decimal.Decimal once, when cmd/gridbot builds the engine, so
// the rest of the system never parses operator-supplied strings twice.
type GridConfig struct {
	Lower        float64   `mapstructure:"lower"`
	Upper        float64   `mapstructure:"upper"`
	NLevels      int       `mapstructure:"n_levels"`
	Spacing      string    `mapstructure:"spacing"`
	SizePerLevel float64   `mapstructure:"size_per_level"`
	Mode         string    `mapstructure:"mode"`
	Venue        string    `mapstructure:"venue"`
	Symbol       string    `mapstructure:"symbol"`
	Zones        []ZoneCfg `mapstructure:"zones"`
}

// ZoneCfg mirrors types.Zone for YAML decoding.
type ZoneCfg struct {
	ID       int  `mapstructure:"id"`
	StartIdx int  `mapstructure:"start_idx"`
	EndIdx   int  `mapstructure:"end_idx"`
	Enabled  bool `mapstructure:"enabled"`
}

// VenueAConfig holds credentials and endpoints for the signed-REST venue.
type VenueAConfig struct {
	BaseURL    string          `mapstructure:"base_url"`
	APIKey     string          `mapstructure:"api_key"`
	APISecret  string          `mapstructure:"api_secret"`
	RateLimits VenueRateLimits `mapstructure:"rate_limits"`
}

// VenueBConfig holds credentials and endpoints for the library-backed venue.
type VenueBConfig struct {
	BaseURL    string          `mapstructure:"base_url"`
	StreamURL  string          `mapstructure:"stream_url"`
	APIKey     string          `mapstructure:"api_key"`
	APISecret  string          `mapstructure:"api_secret"`
	RateLimits VenueRateLimits `mapstructure:"rate_limits"`
}

// RateLimitConfig tunes a single token-bucket category: its burst capacity
// and its steady-state refill rate in tokens per second.
type RateLimitConfig struct {
	Capacity      float64 `mapstructure:"capacity"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
}

// VenueRateLimits groups the three REST categories the adapters throttle.
// Each venue publishes its own limits, so these are per-venue rather than
// shared constants.
type VenueRateLimits struct {
	Order  RateLimitConfig `mapstructure:"order"`
	Cancel RateLimitConfig `mapstructure:"cancel"`
	Read   RateLimitConfig `mapstructure:"read"`
}

func (r RateLimitConfig) orDefault(d RateLimitConfig) RateLimitConfig {
	if r.Capacity <= 0 || r.RatePerSecond <= 0 {
		return d
	}
	return r
}

// applyDefaults fills in any zero-valued category with d's value for that
// category, so an operator can override just one category in YAML and
// leave the others at the venue's published defaults.
func (r VenueRateLimits) applyDefaults(d VenueRateLimits) VenueRateLimits {
	return VenueRateLimits{
		Order:  r.Order.orDefault(d.Order),
		Cancel: r.Cancel.orDefault(d.Cancel),
		Read:   r.Read.orDefault(d.Read),
	}
}

// defaultVenueARateLimits mirrors Venue A's published per-10-second-window
// REST budget, expressed as a smoothly-refilled bucket.
var defaultVenueARateLimits = VenueRateLimits{
	Order:  RateLimitConfig{Capacity: 350, RatePerSecond: 50},
	Cancel: RateLimitConfig{Capacity: 300, RatePerSecond: 30},
	Read:   RateLimitConfig{Capacity: 150, RatePerSecond: 15},
}

// defaultVenueBRateLimits mirrors Venue B's published REST budget, which is
// materially tighter than Venue A's since its streaming feed carries most
// market-data load off of REST.
var defaultVenueBRateLimits = VenueRateLimits{
	Order:  RateLimitConfig{Capacity: 180, RatePerSecond: 20},
	Cancel: RateLimitConfig{Capacity: 150, RatePerSecond: 15},
	Read:   RateLimitConfig{Capacity: 90, RatePerSecond: 9},
}

// SimulatorConfig tunes the deterministic GBM random-walk venue.
type SimulatorConfig struct {
	Seed       int64   `mapstructure:"seed"`
	Volatility float64 `mapstructure:"volatility"`
	TickPeriod time.Duration `mapstructure:"tick_period"`
	StartPrice float64 `mapstructure:"start_price"`
}

// EngineConfig tunes the reconciliation loop.
type EngineConfig struct {
	TickInterval        time.Duration `mapstructure:"tick_interval"`
	PolarityTolerance   float64       `mapstructure:"polarity_tolerance"`
	MaxBackoff          time.Duration `mapstructure:"max_backoff"`
	RateLimitBackoff    time.Duration `mapstructure:"rate_limit_backoff"`
	StopDrainTimeout    time.Duration `mapstructure:"stop_drain_timeout"`
}

// AuditConfig selects the durable persistence backend for the action log,
// orders/trades mirrors, and config history.
type AuditConfig struct {
	Driver string `mapstructure:"driver"` // sqlite | postgres
	DSN    string `mapstructure:"dsn"`
}

// StoreConfig sets where the manual-sync sidecar file is persisted.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the operator HTTP/WebSocket surface.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// ToDomain converts the YAML-facing GridConfig into types.GridConfig,
// parsing floats to decimal.Decimal exactly once at the boundary.
func (g GridConfig) ToDomain() types.GridConfig {
	zones := make([]types.Zone, len(g.Zones))
	for i, z := range g.Zones {
		zones[i] = types.Zone{ID: z.ID, StartIdx: z.StartIdx, EndIdx: z.EndIdx, Enabled: z.Enabled}
	}
	return types.GridConfig{
		Lower:        decimal.NewFromFloat(g.Lower),
		Upper:        decimal.NewFromFloat(g.Upper),
		NLevels:      g.NLevels,
		Spacing:      types.Spacing(g.Spacing),
		SizePerLevel: decimal.NewFromFloat(g.SizePerLevel),
		Zones:        zones,
		Mode:         types.Mode(g.Mode),
		Venue:        types.Venue(g.Venue),
		Symbol:       g.Symbol,
	}
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: GRID_VENUE_A_API_KEY, GRID_VENUE_A_API_SECRET,
// GRID_VENUE_B_API_KEY, GRID_VENUE_B_API_SECRET, GRID_AUDIT_DSN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("GRID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("GRID_VENUE_A_API_KEY"); key != "" {
		cfg.VenueA.APIKey = key
	}
	if secret := os.Getenv("GRID_VENUE_A_API_SECRET"); secret != "" {
		cfg.VenueA.APISecret = secret
	}
	if key := os.Getenv("GRID_VENUE_B_API_KEY"); key != "" {
		cfg.VenueB.APIKey = key
	}
	if secret := os.Getenv("GRID_VENUE_B_API_SECRET"); secret != "" {
		cfg.VenueB.APISecret = secret
	}
	if dsn := os.Getenv("GRID_AUDIT_DSN"); dsn != "" {
		cfg.Audit.DSN = dsn
	}
	if os.Getenv("GRID_DRY_RUN") == "true" || os.Getenv("GRID_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	cfg.VenueA.RateLimits = cfg.VenueA.RateLimits.applyDefaults(defaultVenueARateLimits)
	cfg.VenueB.RateLimits = cfg.VenueB.RateLimits.applyDefaults(defaultVenueBRateLimits)

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Grid.Upper <= c.Grid.Lower {
		return fmt.Errorf("%w: grid.upper must be greater than grid.lower", types.ErrInvalidGrid)
	}
	if c.Grid.NLevels < 2 {
		return fmt.Errorf("%w: grid.n_levels must be >= 2", types.ErrInvalidGrid)
	}
	switch types.Spacing(c.Grid.Spacing) {
	case types.SpacingArithmetic, types.SpacingGeometric:
	default:
		return fmt.Errorf("grid.spacing must be 'arithmetic' or 'geometric'")
	}
	if c.Grid.SizePerLevel <= 0 {
		return fmt.Errorf("grid.size_per_level must be > 0")
	}
	switch types.Mode(c.Grid.Mode) {
	case types.ModeLive, types.ModeSimulated:
	default:
		return fmt.Errorf("grid.mode must be 'live' or 'simulated'")
	}
	if types.Mode(c.Grid.Mode) == types.ModeLive {
		switch types.Venue(c.Grid.Venue) {
		case types.VenueA, types.VenueB:
		default:
			return fmt.Errorf("grid.venue must be 'venue_a' or 'venue_b' when mode is live")
		}
	}
	if c.Grid.Symbol == "" {
		return fmt.Errorf("grid.symbol is required")
	}
	if c.Engine.TickInterval <= 0 {
		return fmt.Errorf("engine.tick_interval must be > 0")
	}
	switch c.Audit.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("audit.driver must be 'sqlite' or 'postgres'")
	}
	return nil
}
