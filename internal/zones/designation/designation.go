// Package designation collects zone designations from the structured
// designation API, falling back to published flat files when the API is
// unavailable.
package designation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/EmpoweredVote/HZ-Backend/internal/logger"
	"github.com/EmpoweredVote/HZ-Backend/internal/zones"
	"github.com/EmpoweredVote/HZ-Backend/internal/zones/fetch"
)

const (
	DefaultPageSize = 500
	DefaultMaxPages = 1000
)

// Getter is the fetch surface the acquirer needs.
type Getter interface {
	Get(ctx context.Context, url string, opts ...fetch.RequestOption) (*fetch.Response, error)
}

type Config struct {
	APIURL       string
	APIKey       string
	PageSize     int
	MaxPages     int
	FallbackURLs []string // tried in order when the API fails
}

type Acquirer struct {
	cfg     Config
	fetcher Getter
}

func New(cfg Config, fetcher Getter) *Acquirer {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	return &Acquirer{cfg: cfg, fetcher: fetcher}
}

type apiRecord struct {
	GeoID           string `json:"geoId"`
	State           string `json:"state"`
	County          string `json:"county"`
	Name            string `json:"name"`
	Type            string `json:"type"`
	Status          string `json:"status"`
	DesignationDate string `json:"designationDate"`
	ExpirationDate  string `json:"expirationDate"`
}

type apiPage struct {
	Records []apiRecord `json:"records"`
	HasMore bool        `json:"hasMore"`
}

// Acquire returns the deduplicated designation set. A hard failure of the
// API discards whatever pages were read and switches to the flat files; a
// failed flat file is a warning. An empty result is not an error.
func (a *Acquirer) Acquire(ctx context.Context) ([]zones.Designation, []zones.Warning, error) {
	var warnings []zones.Warning

	if a.cfg.APIURL != "" {
		records, skipped, err := a.fetchPrimary(ctx)
		if err == nil {
			if skipped > 0 {
				warnings = append(warnings, zones.Warning{
					Step:  "designation",
					Scope: "primary",
					Err:   fmt.Errorf("skipped %d unparseable records", skipped),
				})
			}
			logger.InfoCtx(ctx, "designations loaded from primary source", zap.Int("records", len(records)))
			return Deduplicate(records), warnings, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, warnings, ctxErr
		}

		logger.WarnCtx(ctx, "primary designation source failed, using flat files", zap.Error(err))
		warnings = append(warnings, zones.Warning{Step: "designation", Scope: "primary", Err: err})
	}

	var all []zones.Designation
	for _, src := range a.cfg.FallbackURLs {
		records, malformed, err := a.fetchFlatFile(ctx, src)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, warnings, ctxErr
			}
			logger.WarnCtx(ctx, "flat-file designation source failed", zap.String("source", src), zap.Error(err))
			warnings = append(warnings, zones.Warning{Step: "designation", Scope: src, Err: err})
			continue
		}
		if malformed > 0 {
			logger.WarnCtx(ctx, "skipped malformed rows", zap.String("source", src), zap.Int("rows", malformed))
			warnings = append(warnings, zones.Warning{
				Step:  "designation",
				Scope: src,
				Err:   fmt.Errorf("skipped %d malformed rows", malformed),
			})
		}
		all = append(all, records...)
	}

	logger.InfoCtx(ctx, "designations loaded from flat files",
		zap.Int("sources", len(a.cfg.FallbackURLs)),
		zap.Int("records", len(all)),
	)
	return Deduplicate(all), warnings, nil
}

func (a *Acquirer) fetchPrimary(ctx context.Context) ([]zones.Designation, int, error) {
	base, err := url.Parse(a.cfg.APIURL)
	if err != nil {
		return nil, 0, fmt.Errorf("parse api url: %w", err)
	}

	var opts []fetch.RequestOption
	opts = append(opts, fetch.WithHeader("Accept", "application/json"))
	if a.cfg.APIKey != "" {
		opts = append(opts, fetch.WithHeader("X-API-Key", a.cfg.APIKey))
	}

	var (
		out     []zones.Designation
		skipped int
	)
	for page := 1; ; page++ {
		if page > a.cfg.MaxPages {
			return nil, 0, fmt.Errorf("primary source still reports more data after %d pages", a.cfg.MaxPages)
		}

		u := *base
		q := u.Query()
		q.Set("page", strconv.Itoa(page))
		q.Set("pageSize", strconv.Itoa(a.cfg.PageSize))
		u.RawQuery = q.Encode()

		resp, err := a.fetcher.Get(ctx, u.String(), opts...)
		if err != nil {
			return nil, 0, fmt.Errorf("page %d: %w", page, err)
		}
		if !resp.OK() {
			return nil, 0, fmt.Errorf("page %d: status %d", page, resp.StatusCode)
		}

		var body apiPage
		if err := json.Unmarshal(resp.Body, &body); err != nil {
			return nil, 0, fmt.Errorf("page %d: decode: %w", page, err)
		}

		for _, r := range body.Records {
			d, err := rawRecord{
				GeoID:      r.GeoID,
				State:      r.State,
				County:     r.County,
				Name:       r.Name,
				Type:       r.Type,
				Status:     r.Status,
				Designated: r.DesignationDate,
				Expires:    r.ExpirationDate,
			}.toDesignation(zones.SourceAPI, a.cfg.APIURL)
			if err != nil {
				skipped++
				continue
			}
			out = append(out, d)
		}

		if !body.HasMore {
			return out, skipped, nil
		}
	}
}

func (a *Acquirer) fetchFlatFile(ctx context.Context, src string) ([]zones.Designation, int, error) {
	resp, err := a.fetcher.Get(ctx, src)
	if err != nil {
		return nil, 0, err
	}
	if !resp.OK() {
		return nil, 0, fmt.Errorf("status %d", resp.StatusCode)
	}
	return ParseFlatFile(resp.Body, src)
}
