package mapimport

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

var ErrInvalidConfig = errors.New("invalid map import config")

// Alert sink kinds.
const (
	SinkDB   = "db"
	SinkNATS = "nats"
	SinkLog  = "log"
)

// Config selects sources, limits and side effects of a pipeline run.
type Config struct {
	DatabaseURL string `yaml:"database_url"`
	DryRun      bool   `yaml:"dry_run"`

	// States limits acquisition to these FIPS codes; empty means all.
	States []string `yaml:"states"`

	Cache         CacheConfig        `yaml:"cache"`
	Fetch         FetchConfig        `yaml:"fetch"`
	Boundary      BoundaryConfig     `yaml:"boundary"`
	Designation   DesignationConfig  `yaml:"designation"`
	Census        CensusConfig       `yaml:"census"`
	Import        ImportConfig       `yaml:"import"`
	Notifications NotificationConfig `yaml:"notifications"`
	Admin         AdminConfig        `yaml:"admin"`
}

type CacheConfig struct {
	Dir     string `yaml:"dir"`
	TTLDays int    `yaml:"ttl_days"`
}

type FetchConfig struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
	RetryDelayMS      int     `yaml:"retry_delay_ms"`
	MaxRetryDelayMS   int     `yaml:"max_retry_delay_ms"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

type BoundaryConfig struct {
	Vintage     int    `yaml:"vintage"`
	URLTemplate string `yaml:"url_template"`
	OGR2OGRPath string `yaml:"ogr2ogr_path"`
}

type DesignationConfig struct {
	APIURL       string   `yaml:"api_url"`
	APIKey       string   `yaml:"api_key"`
	PageSize     int      `yaml:"page_size"`
	FallbackURLs []string `yaml:"fallback_urls"`
}

type CensusConfig struct {
	BaseURL        string  `yaml:"base_url"`
	APIKey         string  `yaml:"api_key"`
	Year           int     `yaml:"year"`
	MinPovertyRate float64 `yaml:"min_poverty_rate"`
	MaxIncomeRatio float64 `yaml:"max_income_ratio"`
}

type ImportConfig struct {
	BatchSize       int `yaml:"batch_size"`
	GracePeriodDays int `yaml:"grace_period_days"`

	// CarryRedesignated keeps regions that dropped out of every source as
	// transitional rows until their grace period ends instead of expiring
	// them in the same run.
	CarryRedesignated bool `yaml:"carry_redesignated"`
}

type NotificationConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Workers     int    `yaml:"workers"`
	Sink        string `yaml:"sink"`
	NATSURL     string `yaml:"nats_url"`
	NATSSubject string `yaml:"nats_subject"`
}

type AdminConfig struct {
	APIKey string `yaml:"api_key"`

	// Schedule is a Go duration; empty disables scheduled runs.
	Schedule string `yaml:"schedule"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Cache: CacheConfig{
			Dir:     "cache/map-import",
			TTLDays: 90,
		},
		Fetch: FetchConfig{
			MaxAttempts:       3,
			TimeoutSeconds:    60,
			RetryDelayMS:      2000,
			MaxRetryDelayMS:   30000,
			RequestsPerSecond: 5,
		},
		Boundary: BoundaryConfig{
			Vintage: time.Now().Year() - 1,
		},
		Designation: DesignationConfig{
			PageSize: 500,
		},
		Census: CensusConfig{
			MinPovertyRate: 25,
			MaxIncomeRatio: 0.8,
		},
		Import: ImportConfig{
			BatchSize:       500,
			GracePeriodDays: 1095,
		},
		Notifications: NotificationConfig{
			Enabled:     true,
			Workers:     8,
			Sink:        SinkDB,
			NATSSubject: "hubzone.alerts",
		},
	}
}

// LoadFromEnv overlays environment variables on DefaultConfig.
//
// Environment variables:
//   - DATABASE_URL: PostgreSQL connection string
//   - MAP_IMPORT_DRY_RUN: compute statistics without writing
//   - MAP_IMPORT_STATES: comma-separated state FIPS codes
//   - MAP_IMPORT_CACHE_DIR, MAP_IMPORT_CACHE_TTL_DAYS
//   - MAP_IMPORT_BATCH_SIZE, MAP_IMPORT_GRACE_PERIOD_DAYS, MAP_IMPORT_CARRY_REDESIGNATED
//   - MAP_IMPORT_MAX_ATTEMPTS, MAP_IMPORT_TIMEOUT_SECONDS, MAP_IMPORT_RETRY_DELAY_MS
//   - MAP_IMPORT_NOTIFICATIONS, MAP_IMPORT_NOTIFY_WORKERS
//   - HUBZONE_API_URL, HUBZONE_API_KEY, HUBZONE_FALLBACK_URLS (comma-separated)
//   - CENSUS_API_KEY, CENSUS_YEAR
//   - TIGER_VINTAGE, OGR2OGR_PATH
//   - ALERT_SINK (db, nats or log), NATS_URL, NATS_ALERT_SUBJECT
//   - MAP_IMPORT_SCHEDULE (Go duration), ADMIN_API_KEY
func LoadFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFile overlays a YAML file on cfg. Keys absent from the file keep their
// current values.
func LoadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error

	setString(&c.DatabaseURL, "DATABASE_URL")
	setBool(&c.DryRun, "MAP_IMPORT_DRY_RUN", &errs)
	setList(&c.States, "MAP_IMPORT_STATES")

	setString(&c.Cache.Dir, "MAP_IMPORT_CACHE_DIR")
	setInt(&c.Cache.TTLDays, "MAP_IMPORT_CACHE_TTL_DAYS", &errs)

	setInt(&c.Fetch.MaxAttempts, "MAP_IMPORT_MAX_ATTEMPTS", &errs)
	setInt(&c.Fetch.TimeoutSeconds, "MAP_IMPORT_TIMEOUT_SECONDS", &errs)
	setInt(&c.Fetch.RetryDelayMS, "MAP_IMPORT_RETRY_DELAY_MS", &errs)

	setInt(&c.Boundary.Vintage, "TIGER_VINTAGE", &errs)
	setString(&c.Boundary.OGR2OGRPath, "OGR2OGR_PATH")

	setString(&c.Designation.APIURL, "HUBZONE_API_URL")
	setString(&c.Designation.APIKey, "HUBZONE_API_KEY")
	setList(&c.Designation.FallbackURLs, "HUBZONE_FALLBACK_URLS")

	setString(&c.Census.APIKey, "CENSUS_API_KEY")
	setInt(&c.Census.Year, "CENSUS_YEAR", &errs)

	setInt(&c.Import.BatchSize, "MAP_IMPORT_BATCH_SIZE", &errs)
	setInt(&c.Import.GracePeriodDays, "MAP_IMPORT_GRACE_PERIOD_DAYS", &errs)
	setBool(&c.Import.CarryRedesignated, "MAP_IMPORT_CARRY_REDESIGNATED", &errs)

	setBool(&c.Notifications.Enabled, "MAP_IMPORT_NOTIFICATIONS", &errs)
	setInt(&c.Notifications.Workers, "MAP_IMPORT_NOTIFY_WORKERS", &errs)
	setString(&c.Notifications.Sink, "ALERT_SINK")
	setString(&c.Notifications.NATSURL, "NATS_URL")
	setString(&c.Notifications.NATSSubject, "NATS_ALERT_SUBJECT")

	setString(&c.Admin.APIKey, "ADMIN_API_KEY")
	setString(&c.Admin.Schedule, "MAP_IMPORT_SCHEDULE")

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Validate checks the values a run depends on. DatabaseURL is checked by
// the caller that opens the database.
func (c Config) Validate() error {
	var problems []string

	if c.Import.BatchSize < 1 || c.Import.BatchSize > MaxBatchSize {
		problems = append(problems, fmt.Sprintf("import.batch_size must be between 1 and %d", MaxBatchSize))
	}
	if c.Import.GracePeriodDays < 1 {
		problems = append(problems, "import.grace_period_days must be positive")
	}
	if c.Fetch.MaxAttempts < 1 {
		problems = append(problems, "fetch.max_attempts must be at least 1")
	}
	if c.Fetch.TimeoutSeconds < 1 {
		problems = append(problems, "fetch.timeout_seconds must be positive")
	}
	if c.Cache.TTLDays < 1 {
		problems = append(problems, "cache.ttl_days must be positive")
	}
	if c.Cache.Dir == "" {
		problems = append(problems, "cache.dir is required")
	}
	if c.Boundary.Vintage < 2000 {
		problems = append(problems, "boundary.vintage must be a TIGER year")
	}
	if c.Census.MinPovertyRate <= 0 || c.Census.MinPovertyRate > 100 {
		problems = append(problems, "census.min_poverty_rate must be in (0, 100]")
	}
	if c.Census.MaxIncomeRatio <= 0 {
		problems = append(problems, "census.max_income_ratio must be positive")
	}
	if c.Designation.APIURL == "" && len(c.Designation.FallbackURLs) == 0 {
		problems = append(problems, "designation needs api_url or fallback_urls")
	}
	if c.Notifications.Enabled {
		switch c.Notifications.Sink {
		case SinkDB, SinkLog:
		case SinkNATS:
			if c.Notifications.NATSURL == "" {
				problems = append(problems, "notifications.nats_url is required for the nats sink")
			}
		default:
			problems = append(problems, fmt.Sprintf("notifications.sink %q is not one of db, nats, log", c.Notifications.Sink))
		}
	}
	if _, err := c.ScheduleInterval(); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// ScheduleInterval parses Admin.Schedule. Zero means no schedule.
func (c Config) ScheduleInterval() (time.Duration, error) {
	if strings.TrimSpace(c.Admin.Schedule) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Admin.Schedule)
	if err != nil {
		return 0, fmt.Errorf("admin.schedule: %v", err)
	}
	if d < time.Minute {
		return 0, fmt.Errorf("admin.schedule must be at least 1m, got %s", d)
	}
	return d, nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = strings.TrimSpace(v)
	}
}

func setList(dst *[]string, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func setInt(dst *int, key string, errs *[]error) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return
	}
	*dst = n
}

func setBool(dst *bool, key string, errs *[]error) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not a boolean", key, v))
		return
	}
	*dst = b
}
