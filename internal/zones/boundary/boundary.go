// Package boundary downloads TIGER/Line tract boundaries per state and turns
// them into zones.RegionGeometry records.
package boundary

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/EmpoweredVote/HZ-Backend/internal/logger"
	"github.com/EmpoweredVote/HZ-Backend/internal/zones"
	"github.com/EmpoweredVote/HZ-Backend/internal/zones/fetch"
)

const DefaultURLTemplate = "https://www2.census.gov/geo/tiger/TIGER{vintage}/TRACT/tl_{vintage}_{state}_tract.zip"

// maxArchiveEntry caps a single extracted file.
const maxArchiveEntry = 1 << 30

// Getter is the fetch surface the acquirers need.
type Getter interface {
	Get(ctx context.Context, url string, opts ...fetch.RequestOption) (*fetch.Response, error)
}

// Cache is the cache surface the acquirers need.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key, sourceURL string, payload []byte) error
}

type Config struct {
	Vintage     int
	States      []string // empty means every state
	URLTemplate string
}

// Acquirer loads tract geometry for the configured states.
type Acquirer struct {
	cfg       Config
	fetcher   Getter
	cache     Cache
	converter Converter
}

func New(cfg Config, fetcher Getter, cache Cache, converter Converter) *Acquirer {
	if cfg.URLTemplate == "" {
		cfg.URLTemplate = DefaultURLTemplate
	}
	if converter == nil {
		converter = OGRConverter{}
	}
	return &Acquirer{cfg: cfg, fetcher: fetcher, cache: cache, converter: converter}
}

// CacheKey is the cache key of one state's converted boundaries.
func CacheKey(vintage int, state string) string {
	return fmt.Sprintf("boundary:tract:%d:%s", vintage, state)
}

// Acquire walks the states in FIPS order. A state that fails is reported as a
// warning and skipped; only cancellation of ctx returns an error.
func (a *Acquirer) Acquire(ctx context.Context) ([]zones.RegionGeometry, []zones.Warning, error) {
	var (
		out      []zones.RegionGeometry
		warnings []zones.Warning
	)

	for _, state := range zones.SortedStates(a.cfg.States) {
		if err := ctx.Err(); err != nil {
			return nil, warnings, err
		}

		regions, err := a.acquireState(ctx, state)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, warnings, ctxErr
			}
			logger.WarnCtx(ctx, "boundary acquisition failed for state",
				zap.String("state", state),
				zap.Int("vintage", a.cfg.Vintage),
				zap.Error(err),
			)
			warnings = append(warnings, zones.Warning{Step: "boundary", Scope: state, Err: err})
			continue
		}

		logger.InfoCtx(ctx, "boundaries acquired",
			zap.String("state", state),
			zap.Int("regions", len(regions)),
		)
		out = append(out, regions...)
	}

	return out, warnings, nil
}

func (a *Acquirer) acquireState(ctx context.Context, state string) ([]zones.RegionGeometry, error) {
	key := CacheKey(a.cfg.Vintage, state)

	payload, ok, err := a.cache.Get(ctx, key)
	if err != nil {
		logger.Warn("boundary cache read failed", zap.String("key", key), zap.Error(err))
		ok = false
	}

	if !ok {
		url := a.archiveURL(state)
		resp, err := a.fetcher.Get(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("download archive: %w", err)
		}
		if !resp.OK() {
			return nil, fmt.Errorf("download archive %s: status %d", url, resp.StatusCode)
		}

		payload, err = a.convertArchive(ctx, resp.Body)
		if err != nil {
			return nil, err
		}

		if err := a.cache.Put(ctx, key, url, payload); err != nil {
			logger.Warn("boundary cache write failed", zap.String("key", key), zap.Error(err))
		}
	}

	regions, err := ParseFeatures(payload, a.cfg.Vintage)
	if err != nil {
		return nil, fmt.Errorf("parse features: %w", err)
	}
	return regions, nil
}

func (a *Acquirer) archiveURL(state string) string {
	return strings.NewReplacer(
		"{vintage}", fmt.Sprint(a.cfg.Vintage),
		"{state}", state,
	).Replace(a.cfg.URLTemplate)
}

func (a *Acquirer) convertArchive(ctx context.Context, archive []byte) ([]byte, error) {
	dir, err := os.MkdirTemp("", "tiger-*")
	if err != nil {
		return nil, fmt.Errorf("create extract dir: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := extractZip(archive, dir); err != nil {
		return nil, fmt.Errorf("extract archive: %w", err)
	}

	shp, err := findShapefile(dir)
	if err != nil {
		return nil, err
	}

	geojson, err := a.converter.Convert(ctx, shp)
	if err != nil {
		return nil, fmt.Errorf("convert %s: %w", filepath.Base(shp), err)
	}
	return geojson, nil
}

func extractZip(archive []byte, dir string) error {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return err
	}

	root := filepath.Clean(dir) + string(os.PathSeparator)
	for _, f := range zr.File {
		target := filepath.Join(dir, f.Name)
		if !strings.HasPrefix(target, root) {
			return fmt.Errorf("archive entry %q escapes extract dir", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := extractFile(f, target); err != nil {
			return fmt.Errorf("%s: %w", f.Name, err)
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, io.LimitReader(rc, maxArchiveEntry)); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

var errNoShapefile = errors.New("archive contains no .shp file")

// findShapefile returns the first .shp in lexical walk order.
func findShapefile(dir string) (string, error) {
	var found string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".shp") {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", errNoShapefile
	}
	return found, nil
}

type featureCollection struct {
	Type     string    `json:"type"`
	Features []feature `json:"features"`
}

type feature struct {
	Geometry   json.RawMessage `json:"geometry"`
	Properties map[string]any  `json:"properties"`
}

// ParseFeatures reads a GeoJSON FeatureCollection of TIGER tracts. Features
// without a GEOID are dropped.
func ParseFeatures(payload []byte, vintage int) ([]zones.RegionGeometry, error) {
	var fc featureCollection
	if err := json.Unmarshal(payload, &fc); err != nil {
		return nil, err
	}
	if fc.Type != "FeatureCollection" {
		return nil, fmt.Errorf("unexpected GeoJSON type %q", fc.Type)
	}

	out := make([]zones.RegionGeometry, 0, len(fc.Features))
	for _, f := range fc.Features {
		geoID := property(f.Properties, "GEOID", "GEOID20", "GEOID10")
		if geoID == "" {
			continue
		}

		state := property(f.Properties, "STATEFP", "STATEFP20")
		county := property(f.Properties, "COUNTYFP", "COUNTYFP20")
		if state == "" || county == "" {
			state, county = zones.SplitGeoID(geoID)
		}

		geometry := f.Geometry
		if len(geometry) == 0 || string(geometry) == "null" {
			geometry = nil
		}

		out = append(out, zones.RegionGeometry{
			GeoID:      geoID,
			State:      state,
			County:     county,
			Name:       zones.RegionName(property(f.Properties, "NAMELSAD", "NAMELSAD20", "NAME")),
			Vintage:    vintage,
			Geometry:   geometry,
			Properties: f.Properties,
		})
	}
	return out, nil
}

func property(props map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := props[k]
		if !ok || v == nil {
			continue
		}
		s := strings.TrimSpace(fmt.Sprint(v))
		if s != "" {
			return s
		}
	}
	return ""
}
