// Package zones holds the types shared by the designation import pipeline:
// tract geometry, designations, demographic records and the warnings that
// acquisition steps return instead of failing.
package zones

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Kind is the qualifying-area category of a designation.
type Kind string

const (
	KindQualifiedCensusTract    Kind = "qualified_census_tract"
	KindQualifiedNonMetroCounty Kind = "qualified_non_metro_county"
	KindIndianLands             Kind = "indian_lands"
	KindBaseClosureArea         Kind = "base_closure_area"
	KindGovernorDesignated      Kind = "governor_designated"
	KindDisasterArea            Kind = "qualified_disaster_area"
	KindRedesignated            Kind = "redesignated"
)

// ParseKind maps the free-text type values published by the designation
// sources to a Kind.
//
// Unrecognised values map to KindQualifiedCensusTract: every source is keyed
// by tract GEOID, and a tract-keyed row with an unknown label is a census
// tract designation in all published data we have seen.
func ParseKind(s string) Kind {
	switch normalize(s) {
	case "qct", "qualified_census_tract", "census_tract", "qualified_tract":
		return KindQualifiedCensusTract
	case "qnmc", "qualified_non_metro_county", "non_metro_county", "nonmetro_county":
		return KindQualifiedNonMetroCounty
	case "indian_lands", "indian_land", "il", "tribal_lands":
		return KindIndianLands
	case "brac", "base_closure_area", "base_closure", "qualified_base_closure_area":
		return KindBaseClosureArea
	case "governor_designated", "governor", "gda", "governor_designated_area":
		return KindGovernorDesignated
	case "qda", "qualified_disaster_area", "disaster_area", "disaster":
		return KindDisasterArea
	case "redesignated", "redesignated_area", "transitional":
		return KindRedesignated
	default:
		return KindQualifiedCensusTract
	}
}

// Status is the lifecycle status of a designation.
type Status string

const (
	StatusActive       Status = "active"
	StatusExpired      Status = "expired"
	StatusPending      Status = "pending"
	StatusRedesignated Status = "redesignated"
)

// ParseStatus maps source status labels to a Status.
//
// Unrecognised or empty values map to StatusActive: a source listing a
// region at all is reporting it as currently designated.
func ParseStatus(s string) Status {
	switch normalize(s) {
	case "active", "designated", "current", "qualified":
		return StatusActive
	case "expired", "inactive", "lapsed":
		return StatusExpired
	case "pending", "proposed":
		return StatusPending
	case "redesignated", "transitional", "grace_period":
		return StatusRedesignated
	default:
		return StatusActive
	}
}

// Live reports whether a business inside a zone with this status holds the
// benefit.
func (s Status) Live() bool {
	return s == StatusActive || s == StatusRedesignated
}

// Source records which acquisition path produced a designation.
type Source string

const (
	SourceAPI      Source = "hubzone_api"
	SourceFlatFile Source = "flat_file"
	SourceCensus   Source = "census_calculation"
	SourceCarried  Source = "redesignation"
)

// Priority orders sources for deduplication; higher wins.
func (s Source) Priority() int {
	switch s {
	case SourceAPI:
		return 2
	case SourceFlatFile:
		return 1
	default:
		return 0
	}
}

// RegionGeometry is one tract feature from a boundary vintage.
type RegionGeometry struct {
	GeoID      string
	State      string
	County     string
	Name       string
	Vintage    int
	Geometry   json.RawMessage
	Properties map[string]any
}

// Designation is one zone designation as reported by a source or derived by
// the pipeline.
type Designation struct {
	GeoID          string
	State          string
	County         string
	Name           string
	Kind           Kind
	Status         Status
	DesignatedAt   time.Time
	ExpiresAt      *time.Time
	Transitional   bool
	RedesignatedAt *time.Time
	GracePeriodEnd *time.Time
	Source         Source
	SourceName     string
}

// DemographicRecord is one tract row of the demographic survey.
type DemographicRecord struct {
	GeoID                 string
	State                 string
	County                string
	Name                  string
	TotalPopulation       int
	PovertyCount          int
	PovertyRate           float64 // percent, 0-100
	MedianHouseholdIncome float64
	MedianFamilyIncome    float64
	AreaMedianIncome      float64
	Year                  int
}

// AreaCode is the containing-area key (state + county FIPS).
func (r DemographicRecord) AreaCode() string {
	return r.State + r.County
}

// Verdict is the eligibility outcome for one region.
type Verdict struct {
	GeoID            string
	PovertyQualified bool
	IncomeQualified  bool
	Qualified        bool
}

// RedesignationRecord marks a zone that dropped out of the sources and is
// inside its transitional grace window.
type RedesignationRecord struct {
	GeoID             string
	PriorDesignatedAt time.Time
	RedesignatedAt    time.Time
	GracePeriodEnd    time.Time
	PriorKind         Kind
	State             string
	County            string
	Name              string
	Reason            string
}

const (
	ReasonDroppedFromSources   = "dropped_from_sources"
	ReasonGracePeriodContinues = "grace_period_continues"
)

// Warning is a recoverable failure absorbed by an acquisition step.
type Warning struct {
	Step  string
	Scope string
	Err   error
}

func (w Warning) String() string {
	if w.Scope == "" {
		return fmt.Sprintf("%s: %v", w.Step, w.Err)
	}
	return fmt.Sprintf("%s [%s]: %v", w.Step, w.Scope, w.Err)
}

// SplitGeoID derives state and county FIPS from a tract or county GEOID.
func SplitGeoID(geoID string) (state, county string) {
	if len(geoID) >= 2 {
		state = geoID[:2]
	}
	if len(geoID) >= 5 {
		county = geoID[2:5]
	}
	return state, county
}

// ValidGeoID accepts county (5) through block-group (12) length numeric codes.
func ValidGeoID(geoID string) bool {
	if len(geoID) < 5 || len(geoID) > 12 {
		return false
	}
	for _, r := range geoID {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "_", "-", "_", "/", "_").Replace(s)
	return s
}

// RegionName collapses whitespace and title-cases names exported in all
// capitals. Mixed-case names are kept as given.
func RegionName(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if s != strings.ToUpper(s) || s == strings.ToLower(s) {
		return s
	}
	return cases.Title(language.AmericanEnglish).String(s)
}

var stateFIPS = []string{
	"01", "02", "04", "05", "06", "08", "09", "10", "11", "12",
	"13", "15", "16", "17", "18", "19", "20", "21", "22", "23",
	"24", "25", "26", "27", "28", "29", "30", "31", "32", "33",
	"34", "35", "36", "37", "38", "39", "40", "41", "42", "44",
	"45", "46", "47", "48", "49", "50", "51", "53", "54", "55",
	"56", "72",
}

// AllStates returns the FIPS codes of the states, DC and Puerto Rico in
// ascending order.
func AllStates() []string {
	return append([]string(nil), stateFIPS...)
}

// SortedStates returns a sorted, de-duplicated copy of states, or AllStates
// when states is empty.
func SortedStates(states []string) []string {
	if len(states) == 0 {
		return AllStates()
	}
	seen := make(map[string]struct{}, len(states))
	out := make([]string, 0, len(states))
	for _, s := range states {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
