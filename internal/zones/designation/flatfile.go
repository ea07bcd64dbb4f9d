package designation

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/EmpoweredVote/HZ-Backend/internal/zones"
)

// headerAliases maps every accepted header spelling to its field.
var headerAliases = map[string]string{
	"geoid":              "geo_id",
	"geo_id":             "geo_id",
	"geoid10":            "geo_id",
	"geoid20":            "geo_id",
	"tract_geoid":        "geo_id",
	"census_tract":       "geo_id",
	"region_code":        "geo_id",
	"fips":               "geo_id",
	"state":              "state",
	"statefp":            "state",
	"state_fips":         "state",
	"county":             "county",
	"countyfp":           "county",
	"county_fips":        "county",
	"name":               "name",
	"namelsad":           "name",
	"tract_name":         "name",
	"area_name":          "name",
	"type":               "type",
	"kind":               "type",
	"category":           "type",
	"designation_type":   "type",
	"hubzone_type":       "type",
	"status":             "status",
	"designation_status": "status",
	"designation_date":   "designated",
	"designated_at":      "designated",
	"designated":         "designated",
	"effective_date":     "designated",
	"expiration_date":    "expires",
	"expires_at":         "expires",
	"expires":            "expires",
	"expiration":         "expires",
}

var errNoGeoIDColumn = errors.New("flat file has no region code column")

// ParseFlatFile reads a delimited designation file with a header row. The
// payload may carry a UTF-8 or UTF-16 byte order mark. Rows that cannot be
// parsed are skipped and counted.
func ParseFlatFile(payload []byte, sourceName string) ([]zones.Designation, int, error) {
	decoded := transform.NewReader(bytes.NewReader(payload), unicode.BOMOverride(unicode.UTF8.NewDecoder()))

	r := csv.NewReader(decoded)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("read header: %w", err)
	}

	col := map[string]int{}
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		h = strings.NewReplacer(" ", "_", "-", "_").Replace(h)
		if field, ok := headerAliases[h]; ok {
			if _, dup := col[field]; !dup {
				col[field] = i
			}
		}
	}
	if _, ok := col["geo_id"]; !ok {
		return nil, 0, errNoGeoIDColumn
	}

	var (
		out       []zones.Designation
		malformed int
	)
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				malformed++
				continue
			}
			return nil, malformed, fmt.Errorf("read rows: %w", err)
		}

		get := func(field string) string {
			i, ok := col[field]
			if !ok || i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}

		if isBlank(rec) {
			continue
		}

		d, err := rawRecord{
			GeoID:      get("geo_id"),
			State:      get("state"),
			County:     get("county"),
			Name:       get("name"),
			Type:       get("type"),
			Status:     get("status"),
			Designated: get("designated"),
			Expires:    get("expires"),
		}.toDesignation(zones.SourceFlatFile, sourceName)
		if err != nil {
			malformed++
			continue
		}
		out = append(out, d)
	}

	return out, malformed, nil
}

func isBlank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
