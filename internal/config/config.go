// Package config provides application-wide configuration management.
// Configuration is loaded from an environment-keyed YAML file plus a .env
// file for database credentials; nothing is hardcoded in engine or order
// manager logic.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// TimeOfDay is a wall-clock time parsed from an "HHMMSS" config string.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

// ParseTimeOfDay parses an "HHMMSS" string.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	if len(s) != 6 {
		return TimeOfDay{}, fmt.Errorf("config: time must be HHMMSS, got %q", s)
	}
	h, err := strconv.Atoi(s[:2])
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("config: invalid hour in %q: %w", s, err)
	}
	m, err := strconv.Atoi(s[2:4])
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("config: invalid minute in %q: %w", s, err)
	}
	sec, err := strconv.Atoi(s[4:6])
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("config: invalid second in %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 || sec < 0 || sec > 59 {
		return TimeOfDay{}, fmt.Errorf("config: time out of range: %q", s)
	}
	return TimeOfDay{Hour: h, Minute: m, Second: sec}, nil
}

// UnmarshalYAML implements yaml.Unmarshaler for "HHMMSS" strings.
func (t *TimeOfDay) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// String renders the time back as HHMMSS.
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d%02d%02d", t.Hour, t.Minute, t.Second)
}

// On anchors the time-of-day onto a calendar date.
func (t TimeOfDay) On(date time.Time) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day(), t.Hour, t.Minute, t.Second, 0, date.Location())
}

// Contains reports whether now's time-of-day falls in [start, end].
func Contains(start, end TimeOfDay, now time.Time) bool {
	s := start.On(now)
	e := end.On(now)
	return !now.Before(s) && !now.After(e)
}

// DatabaseConfig holds the PostgreSQL connection settings. User and
// password come from the .env file, never from the YAML.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"-"`
	Password string `yaml:"-"`
}

// DSN renders a pgx-compatible connection URL.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Database)
}

// ObserverConfig holds the watched directory layout.
type ObserverConfig struct {
	BasePath             string `yaml:"base_path"`
	SF31OrdersDir        string `yaml:"sf31_orders_dir"`
	XQSignalsDir         string `yaml:"xq_signals_dir"`
	OrderCallbackDir     string `yaml:"order_callback_dir"`
	OrderCallbackFile    string `yaml:"order_callback_file"`
	TradeCallbackFile    string `yaml:"trade_callback_file"`
	PositionCallbackFile string `yaml:"position_callback_file"`
	PollIntervalMs       int    `yaml:"poll_interval_ms"`
}

// EngineConfig holds the timed-schedule windows, all Taipei wall-clock.
type EngineConfig struct {
	TradeStartTime        TimeOfDay `yaml:"trade_start_time"`
	TradeEndTime          TimeOfDay `yaml:"trade_end_time"`
	SyncStartTime         TimeOfDay `yaml:"sync_start_time"`
	SyncEndTime           TimeOfDay `yaml:"sync_end_time"`
	UpdateContractsTime   TimeOfDay `yaml:"update_contracts_time"`
	ResetTime1            TimeOfDay `yaml:"reset_time1"`
	ResetTime2            TimeOfDay `yaml:"reset_time2"`
	SignalStartTime       TimeOfDay `yaml:"signal_start_time"`
	SignalEndTime         TimeOfDay `yaml:"signal_end_time"`
	BeforeMarketStartTime TimeOfDay `yaml:"before_market_start_time"`
	BeforeMarketEndTime   TimeOfDay `yaml:"before_market_end_time"`
	SyncIntervalSeconds   int       `yaml:"sync_interval_seconds"`
	SnapshotIntervalSec   int       `yaml:"snapshot_interval_seconds"`
	QuoteDelayTolerance   int       `yaml:"quote_delay_tolerance"`
	MaxRetriesOrder       int       `yaml:"max_retries_order"`
	MaxRetriesTrade       int       `yaml:"max_retries_trade"`
	UnmappedStrategy      int       `yaml:"unmapped_strategy_sentinel"`
}

// OrderManagerConfig holds signal-collector and amount-limit settings.
type OrderManagerConfig struct {
	DailyAmountLimit     float64 `yaml:"daily_amount_limit"`
	OffsetMaxHoldSeconds int     `yaml:"offset_max_hold_seconds"`

	// Circuit breaker for broker-order-log append failures.
	CBMaxConsecutiveFailures int `yaml:"cb_max_consecutive_failures"`
	CBMaxFailuresPerHour     int `yaml:"cb_max_failures_per_hour"`
	CBCooldownMinutes        int `yaml:"cb_cooldown_minutes"`
}

// LogConfig holds the log sink settings.
type LogConfig struct {
	SinkDir  string `yaml:"sink_dir"`
	SinkFile string `yaml:"sink_file"`
	Level    string `yaml:"level"`
}

// DashboardConfig holds the optional status-broadcast settings.
type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Config holds all system configuration for one environment section of the
// YAML file. Loaded once at startup and passed read-only to all components;
// the ConfigWatcher may swap in a revalidated copy at runtime.
type Config struct {
	Debug bool `yaml:"-"`

	Database     DatabaseConfig     `yaml:"database"`
	Observer     ObserverConfig     `yaml:"observer"`
	Engine       EngineConfig       `yaml:"engine"`
	OrderManager OrderManagerConfig `yaml:"order_manager"`
	Log          LogConfig          `yaml:"log"`
	Dashboard    DashboardConfig    `yaml:"dashboard"`

	CheckpointsDir string `yaml:"checkpoints_dir"`

	// CacheToleranceSeconds is the shared freshness tolerance for the
	// strategies, positions, and snapshots caches.
	CacheToleranceSeconds int `yaml:"cache_tolerance_seconds"`
}

// Load reads the environment-keyed YAML file at path, selects the section
// named by the ENV environment variable (default "local"), layers in
// database credentials from .env, and validates the result. ENV=local
// implies debug mode.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve path: %w", err)
	}

	// .env is optional: credentials may also arrive via the process
	// environment in containerized deploys.
	_ = godotenv.Load()

	env := os.Getenv("ENV")
	if env == "" {
		env = "local"
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config: read file %s: %w", absPath, err)
	}

	var sections map[string]*Config
	if err := yaml.Unmarshal(data, &sections); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	cfg, ok := sections[env]
	if !ok || cfg == nil {
		return nil, fmt.Errorf("config: no section %q in %s", env, absPath)
	}

	cfg.Debug = env == "local"
	cfg.Database.User = os.Getenv("DB_USER")
	cfg.Database.Password = os.Getenv("DB_PASSWORD")
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Observer.PollIntervalMs <= 0 {
		c.Observer.PollIntervalMs = 500
	}
	if c.Engine.SyncIntervalSeconds <= 0 {
		c.Engine.SyncIntervalSeconds = 30
	}
	if c.Engine.SnapshotIntervalSec <= 0 {
		c.Engine.SnapshotIntervalSec = c.Engine.SyncIntervalSeconds
	}
	if c.Engine.QuoteDelayTolerance <= 0 {
		c.Engine.QuoteDelayTolerance = 60
	}
	if c.Engine.MaxRetriesOrder <= 0 {
		c.Engine.MaxRetriesOrder = 10
	}
	if c.Engine.MaxRetriesTrade <= 0 {
		c.Engine.MaxRetriesTrade = 20
	}
	if c.Engine.UnmappedStrategy <= 0 {
		c.Engine.UnmappedStrategy = 7
	}
	if c.OrderManager.OffsetMaxHoldSeconds <= 0 {
		c.OrderManager.OffsetMaxHoldSeconds = 2
	}
	if c.CacheToleranceSeconds <= 0 {
		c.CacheToleranceSeconds = 60
	}
}

// Validate checks that all required configuration fields are present and
// sane.
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Port <= 0 {
		return fmt.Errorf("database.port must be positive, got %d", c.Database.Port)
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database.database is required")
	}
	if c.Observer.BasePath == "" {
		return fmt.Errorf("observer.base_path is required")
	}
	for name, v := range map[string]string{
		"observer.sf31_orders_dir":        c.Observer.SF31OrdersDir,
		"observer.xq_signals_dir":         c.Observer.XQSignalsDir,
		"observer.order_callback_dir":     c.Observer.OrderCallbackDir,
		"observer.order_callback_file":    c.Observer.OrderCallbackFile,
		"observer.trade_callback_file":    c.Observer.TradeCallbackFile,
		"observer.position_callback_file": c.Observer.PositionCallbackFile,
	} {
		if v == "" {
			return fmt.Errorf("%s is required", name)
		}
	}
	if c.CheckpointsDir == "" {
		return fmt.Errorf("checkpoints_dir is required")
	}
	zero := TimeOfDay{}
	if c.Engine.TradeStartTime == zero && c.Engine.TradeEndTime == zero {
		return fmt.Errorf("engine.trade_start_time and engine.trade_end_time are required")
	}
	if before(c.Engine.TradeEndTime, c.Engine.TradeStartTime) {
		return fmt.Errorf("engine.trade_end_time %s precedes trade_start_time %s",
			c.Engine.TradeEndTime, c.Engine.TradeStartTime)
	}
	if c.OrderManager.DailyAmountLimit < 0 {
		return fmt.Errorf("order_manager.daily_amount_limit must be >= 0, got %f", c.OrderManager.DailyAmountLimit)
	}
	return nil
}

func before(a, b TimeOfDay) bool {
	as := a.Hour*3600 + a.Minute*60 + a.Second
	bs := b.Hour*3600 + b.Minute*60 + b.Second
	return as < bs
}

// IsTradeTime reports whether now falls inside the trade window, always
// true under debug.
func (c *Config) IsTradeTime(now time.Time) bool {
	return c.Debug || Contains(c.Engine.TradeStartTime, c.Engine.TradeEndTime, now)
}

// IsSignalTime reports whether now falls inside the signal window, always
// true under debug.
func (c *Config) IsSignalTime(now time.Time) bool {
	return c.Debug || Contains(c.Engine.SignalStartTime, c.Engine.SignalEndTime, now)
}

// IsSyncTime reports whether now falls inside the sync window, always true
// under debug.
func (c *Config) IsSyncTime(now time.Time) bool {
	return c.Debug || Contains(c.Engine.SyncStartTime, c.Engine.SyncEndTime, now)
}

// IsBeforeMarketTime reports whether now falls inside the pre-market
// window, always true under debug.
func (c *Config) IsBeforeMarketTime(now time.Time) bool {
	return c.Debug || Contains(c.Engine.BeforeMarketStartTime, c.Engine.BeforeMarketEndTime, now)
}
