// Package census derives statistically qualified tracts from American
// Community Survey 5-year estimates.
package census

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/EmpoweredVote/HZ-Backend/internal/logger"
	"github.com/EmpoweredVote/HZ-Backend/internal/zones"
	"github.com/EmpoweredVote/HZ-Backend/internal/zones/fetch"
)

const DefaultBaseURL = "https://api.census.gov/data"

const (
	varName            = "NAME"
	varPopulation      = "B01003_001E"
	varPoverty         = "B17001_002E"
	varHouseholdIncome = "B19013_001E"
	varFamilyIncome    = "B19113_001E"
)

var variables = []string{varName, varPopulation, varPoverty, varHouseholdIncome, varFamilyIncome}

// Getter is the fetch surface the calculator needs.
type Getter interface {
	Get(ctx context.Context, url string, opts ...fetch.RequestOption) (*fetch.Response, error)
}

// Cache is the cache surface the calculator needs.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key, sourceURL string, payload []byte) error
}

type Config struct {
	BaseURL    string
	Year       int // 0 selects the prior calendar year
	APIKey     string
	States     []string
	Thresholds Thresholds
	Now        func() time.Time
}

// Result is the outcome of one calculation.
type Result struct {
	Year      int
	Records   []zones.DemographicRecord
	Verdicts  map[string]zones.Verdict
	Qualified []string // sorted region codes
}

// IsQualified reports whether geoID qualified in this result.
func (r *Result) IsQualified(geoID string) bool {
	if r == nil {
		return false
	}
	return r.Verdicts[geoID].Qualified
}

type Calculator struct {
	cfg     Config
	fetcher Getter
	cache   Cache
}

func New(cfg Config, fetcher Getter, cache Cache) *Calculator {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	return &Calculator{cfg: cfg, fetcher: fetcher, cache: cache}
}

// Year is the statistical year the calculator reads.
func (c *Calculator) Year() int {
	if c.cfg.Year > 0 {
		return c.cfg.Year
	}
	return c.cfg.Now().Year() - 1
}

// CacheKey is the cache key of one state's survey rows.
func CacheKey(year int, state string) string {
	return fmt.Sprintf("census:acs5:%d:%s", year, state)
}

// Calculate loads every configured state and evaluates all tracts. States
// that cannot be loaded are left out and reported as warnings; only
// cancellation of ctx returns an error.
func (c *Calculator) Calculate(ctx context.Context) (*Result, []zones.Warning, error) {
	year := c.Year()

	var (
		records  []zones.DemographicRecord
		warnings []zones.Warning
	)
	for _, state := range zones.SortedStates(c.cfg.States) {
		if err := ctx.Err(); err != nil {
			return nil, warnings, err
		}

		rows, err := c.loadState(ctx, year, state)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, warnings, ctxErr
			}
			logger.WarnCtx(ctx, "demographic data unavailable for state",
				zap.String("state", state),
				zap.Int("year", year),
				zap.Error(err),
			)
			warnings = append(warnings, zones.Warning{Step: "census", Scope: state, Err: err})
			continue
		}
		records = append(records, rows...)
	}

	AssignAreaMedianIncome(records)
	verdicts := Evaluate(records, c.cfg.Thresholds)

	result := &Result{Year: year, Records: records, Verdicts: verdicts}
	for geoID, v := range verdicts {
		if v.Qualified {
			result.Qualified = append(result.Qualified, geoID)
		}
	}
	sort.Strings(result.Qualified)

	logger.InfoCtx(ctx, "eligibility calculated",
		zap.Int("year", year),
		zap.Int("tracts", len(records)),
		zap.Int("qualified", len(result.Qualified)),
	)
	return result, warnings, nil
}

func (c *Calculator) loadState(ctx context.Context, year int, state string) ([]zones.DemographicRecord, error) {
	key := CacheKey(year, state)

	payload, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		logger.Warn("census cache read failed", zap.String("key", key), zap.Error(err))
		ok = false
	}

	if ok {
		rows, err := ParseRows(payload, year)
		if err == nil {
			return rows, nil
		}
		logger.Warn("cached census payload unreadable, refetching", zap.String("key", key), zap.Error(err))
	}

	u := c.requestURL(year, state)
	resp, err := c.fetcher.Get(ctx, u)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("census api: status %d", resp.StatusCode)
	}

	rows, err := ParseRows(resp.Body, year)
	if err != nil {
		return nil, fmt.Errorf("parse census rows: %w", err)
	}

	if err := c.cache.Put(ctx, key, u, resp.Body); err != nil {
		logger.Warn("census cache write failed", zap.String("key", key), zap.Error(err))
	}
	return rows, nil
}

func (c *Calculator) requestURL(year int, state string) string {
	q := url.Values{}
	q.Set("get", strings.Join(variables, ","))
	q.Set("for", "tract:*")
	q.Set("in", "state:"+state)
	if c.cfg.APIKey != "" {
		q.Set("key", c.cfg.APIKey)
	}
	return fmt.Sprintf("%s/%d/acs/acs5?%s", strings.TrimRight(c.cfg.BaseURL, "/"), year, q.Encode())
}

// ParseRows reads the census API table format: a header row followed by one
// row per tract. Negative sentinel values mean "not available" and read as 0.
func ParseRows(payload []byte, year int) ([]zones.DemographicRecord, error) {
	var table [][]any
	if err := json.Unmarshal(payload, &table); err != nil {
		return nil, err
	}
	if len(table) == 0 {
		return nil, fmt.Errorf("empty census table")
	}

	col := map[string]int{}
	for i, h := range table[0] {
		col[cell(h)] = i
	}
	for _, required := range []string{"state", "county", "tract", varPopulation, varPoverty, varHouseholdIncome} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("census table missing column %s", required)
		}
	}

	out := make([]zones.DemographicRecord, 0, len(table)-1)
	for _, row := range table[1:] {
		get := func(name string) string {
			i, ok := col[name]
			if !ok || i >= len(row) {
				return ""
			}
			return cell(row[i])
		}

		state, county, tract := get("state"), get("county"), get("tract")
		if state == "" || county == "" || tract == "" {
			continue
		}

		rec := zones.DemographicRecord{
			GeoID:                 state + county + tract,
			State:                 state,
			County:                county,
			Name:                  get(varName),
			TotalPopulation:       int(number(get(varPopulation))),
			PovertyCount:          int(number(get(varPoverty))),
			MedianHouseholdIncome: number(get(varHouseholdIncome)),
			MedianFamilyIncome:    number(get(varFamilyIncome)),
			Year:                  year,
		}
		if rec.TotalPopulation > 0 {
			rec.PovertyRate = float64(rec.PovertyCount) * 100 / float64(rec.TotalPopulation)
		}
		out = append(out, rec)
	}
	return out, nil
}

func cell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func number(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0
	}
	return f
}
