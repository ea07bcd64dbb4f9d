package mapimport

import (
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/EmpoweredVote/HZ-Backend/internal/db"
	"github.com/EmpoweredVote/HZ-Backend/internal/zones/boundary"
	"github.com/EmpoweredVote/HZ-Backend/internal/zones/cache"
	"github.com/EmpoweredVote/HZ-Backend/internal/zones/census"
	"github.com/EmpoweredVote/HZ-Backend/internal/zones/designation"
	"github.com/EmpoweredVote/HZ-Backend/internal/zones/fetch"
)

var spatialIndexes = []string{
	`CREATE INDEX IF NOT EXISTS zone_designations_geometry_gist
		ON hubzone.zone_designations USING GIST (geometry)`,
	`CREATE INDEX IF NOT EXISTS businesses_principal_location_gist
		ON hubzone.businesses USING GIST (principal_location)`,
}

// Migrate creates the hubzone schema, the extensions it relies on, its
// tables and the spatial indexes.
func Migrate(gdb *gorm.DB) error {
	if err := db.EnsureSchema(gdb, "hubzone"); err != nil {
		return fmt.Errorf("create hubzone schema: %w", err)
	}
	for _, ext := range []string{"postgis", "uuid-ossp"} {
		if err := db.EnsureExtension(gdb, ext); err != nil {
			return fmt.Errorf("create extension %s: %w", ext, err)
		}
	}
	if err := gdb.AutoMigrate(&ZoneDesignation{}, &MapImport{}, &Business{}, &Alert{}, &ZoneChangeNotification{}); err != nil {
		return fmt.Errorf("auto-migrate hubzone tables: %w", err)
	}
	for _, stmt := range spatialIndexes {
		if err := gdb.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create spatial index: %w", err)
		}
	}
	return nil
}

func Init() {
	if err := Migrate(db.DB); err != nil {
		log.Fatal("Failed to migrate hubzone tables: ", err)
	}
}

// Runtime is a pipeline built from Config plus the resources it holds open.
type Runtime struct {
	Pipeline *Pipeline
	Cache    *cache.Store

	closers []func()
}

// Close releases the cache index and any alert sink connection.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

// Build wires a pipeline against gdb from cfg.
func Build(cfg Config, gdb *gorm.DB) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c, err := cache.Open(cfg.Cache.Dir, cache.Options{TTL: time.Duration(cfg.Cache.TTLDays) * 24 * time.Hour})
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Cache: c}
	rt.closers = append(rt.closers, func() { _ = c.Close() })

	fetchCfg := fetch.DefaultConfig()
	fetchCfg.MaxAttempts = cfg.Fetch.MaxAttempts
	fetchCfg.Timeout = time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second
	fetchCfg.RetryDelay = time.Duration(cfg.Fetch.RetryDelayMS) * time.Millisecond
	fetchCfg.MaxRetryDelay = time.Duration(cfg.Fetch.MaxRetryDelayMS) * time.Millisecond
	fetchCfg.RequestsPerSecond = cfg.Fetch.RequestsPerSecond
	fetcher := fetch.New(fetchCfg, nil)

	sources := Sources{
		Boundaries: boundary.New(boundary.Config{
			Vintage:     cfg.Boundary.Vintage,
			States:      cfg.States,
			URLTemplate: cfg.Boundary.URLTemplate,
		}, fetcher, c, boundary.OGRConverter{Path: cfg.Boundary.OGR2OGRPath}),
		Designations: designation.New(designation.Config{
			APIURL:       cfg.Designation.APIURL,
			APIKey:       cfg.Designation.APIKey,
			PageSize:     cfg.Designation.PageSize,
			FallbackURLs: cfg.Designation.FallbackURLs,
		}, fetcher),
		Census: census.New(census.Config{
			BaseURL: cfg.Census.BaseURL,
			Year:    cfg.Census.Year,
			APIKey:  cfg.Census.APIKey,
			States:  cfg.States,
			Thresholds: census.Thresholds{
				MinPovertyRate: cfg.Census.MinPovertyRate,
				MaxIncomeRatio: cfg.Census.MaxIncomeRatio,
			},
		}, fetcher, c),
	}

	store := NewPostgresStore(gdb)

	var notifier *Notifier
	if cfg.Notifications.Enabled {
		sink, err := newAlertSink(cfg.Notifications, gdb, rt)
		if err != nil {
			rt.Close()
			return nil, err
		}
		notifier = NewNotifier(store, sink, cfg.Notifications.Workers)
	}

	rt.Pipeline = NewPipeline(store, sources, NewImporter(store, cfg.Import.BatchSize), notifier, PipelineOptions{
		Vintage:           cfg.Boundary.Vintage,
		GracePeriodDays:   cfg.Import.GracePeriodDays,
		CarryRedesignated: cfg.Import.CarryRedesignated,
		DryRun:            cfg.DryRun,
	})
	return rt, nil
}

func newAlertSink(cfg NotificationConfig, gdb *gorm.DB, rt *Runtime) (AlertSink, error) {
	switch cfg.Sink {
	case SinkNATS:
		sink, err := NewNATSAlertSink(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, sink.Close)
		return sink, nil
	case SinkLog:
		return LogAlertSink{}, nil
	default:
		return NewDBAlertSink(gdb), nil
	}
}
