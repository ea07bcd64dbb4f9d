package designation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/EmpoweredVote/HZ-Backend/internal/zones"
)

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"01/02/2006",
	"1/2/2006",
}

var errBadGeoID = errors.New("invalid region code")

// parseDate accepts the date shapes seen across sources. Empty input yields
// the zero time.
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

// rawRecord is the source-neutral shape of one designation row.
type rawRecord struct {
	GeoID      string
	State      string
	County     string
	Name       string
	Type       string
	Status     string
	Designated string
	Expires    string
}

func (r rawRecord) toDesignation(source zones.Source, sourceName string) (zones.Designation, error) {
	geoID := strings.TrimSpace(r.GeoID)
	if !zones.ValidGeoID(geoID) {
		return zones.Designation{}, fmt.Errorf("%w %q", errBadGeoID, r.GeoID)
	}

	designated, err := parseDate(r.Designated)
	if err != nil {
		return zones.Designation{}, fmt.Errorf("designation date: %w", err)
	}

	var expires *time.Time
	if t, err := parseDate(r.Expires); err != nil {
		return zones.Designation{}, fmt.Errorf("expiration date: %w", err)
	} else if !t.IsZero() {
		expires = &t
	}

	state, county := strings.TrimSpace(r.State), strings.TrimSpace(r.County)
	if len(state) != 2 || len(county) != 3 {
		state, county = zones.SplitGeoID(geoID)
	}

	kind := zones.ParseKind(r.Type)
	status := zones.ParseStatus(r.Status)

	return zones.Designation{
		GeoID:        geoID,
		State:        state,
		County:       county,
		Name:         zones.RegionName(r.Name),
		Kind:         kind,
		Status:       status,
		DesignatedAt: designated,
		ExpiresAt:    expires,
		Transitional: kind == zones.KindRedesignated || status == zones.StatusRedesignated,
		Source:       source,
		SourceName:   sourceName,
	}, nil
}

// Deduplicate keeps one designation per region code. Higher source priority
// wins; within the same priority the later designation date wins and equal
// dates keep the first record seen. The result is sorted by region code.
func Deduplicate(in []zones.Designation) []zones.Designation {
	index := make(map[string]int, len(in))
	out := make([]zones.Designation, 0, len(in))

	for _, d := range in {
		i, ok := index[d.GeoID]
		if !ok {
			index[d.GeoID] = len(out)
			out = append(out, d)
			continue
		}
		if preferred(d, out[i]) {
			out[i] = d
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].GeoID < out[j].GeoID })
	return out
}

func preferred(candidate, current zones.Designation) bool {
	if cp, kp := candidate.Source.Priority(), current.Source.Priority(); cp != kp {
		return cp > kp
	}
	return candidate.DesignatedAt.After(current.DesignatedAt)
}
