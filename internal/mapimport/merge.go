package mapimport

import (
	"sort"

	"github.com/EmpoweredVote/HZ-Backend/internal/zones"
)

// MergeInput holds the products of the acquisition steps.
type MergeInput struct {
	Designations   []zones.Designation // deduplicated acquirer output
	Qualified      []string
	Geometry       map[string]zones.RegionGeometry
	Redesignations []zones.RedesignationRecord

	// CarryRedesignated synthesizes a transitional designation for a
	// redesignation record with no matching designation.
	CarryRedesignated bool
}

// Merge builds the final designation list:
//  1. the acquired designations;
//  2. a qualified census tract for each qualified region not yet present;
//  3. redesignation marking on top of both.
//
// Step 3 runs last so a region added in step 2 is marked the same way as an
// acquired one. The output is sorted by region code.
func Merge(in MergeInput) []zones.Designation {
	byGeoID := make(map[string]zones.Designation, len(in.Designations)+len(in.Qualified))
	for _, d := range in.Designations {
		byGeoID[d.GeoID] = d
	}

	for _, geoID := range in.Qualified {
		if _, ok := byGeoID[geoID]; ok {
			continue
		}
		byGeoID[geoID] = synthesizeQualified(geoID, in.Geometry[geoID])
	}

	for _, rec := range in.Redesignations {
		d, ok := byGeoID[rec.GeoID]
		if !ok {
			if !in.CarryRedesignated {
				continue
			}
			d = carried(rec)
		}
		redesignatedAt := rec.RedesignatedAt
		graceEnd := rec.GracePeriodEnd
		d.Status = zones.StatusRedesignated
		d.Transitional = true
		d.RedesignatedAt = &redesignatedAt
		d.GracePeriodEnd = &graceEnd
		byGeoID[rec.GeoID] = d
	}

	out := make([]zones.Designation, 0, len(byGeoID))
	for _, d := range byGeoID {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GeoID < out[j].GeoID })
	return out
}

// appliedRedesignations counts the records Merge marked in merged. Records
// for regions that were dropped rather than carried do not count.
func appliedRedesignations(merged []zones.Designation, recs []zones.RedesignationRecord) int {
	marked := make(map[string]struct{}, len(recs))
	for _, d := range merged {
		if d.Status == zones.StatusRedesignated {
			marked[d.GeoID] = struct{}{}
		}
	}
	n := 0
	for _, rec := range recs {
		if _, ok := marked[rec.GeoID]; ok {
			n++
		}
	}
	return n
}

// synthesizeQualified leaves DesignatedAt unset; the importer stamps it on
// first insert and keeps the stored value afterwards.
func synthesizeQualified(geoID string, geom zones.RegionGeometry) zones.Designation {
	state, county := geom.State, geom.County
	if state == "" || county == "" {
		state, county = zones.SplitGeoID(geoID)
	}
	return zones.Designation{
		GeoID:  geoID,
		State:  state,
		County: county,
		Name:   geom.Name,
		Kind:   zones.KindQualifiedCensusTract,
		Status: zones.StatusActive,
		Source: zones.SourceCensus,
	}
}

func carried(rec zones.RedesignationRecord) zones.Designation {
	state, county := rec.State, rec.County
	if state == "" || county == "" {
		state, county = zones.SplitGeoID(rec.GeoID)
	}
	return zones.Designation{
		GeoID:        rec.GeoID,
		State:        state,
		County:       county,
		Name:         rec.Name,
		Kind:         rec.PriorKind,
		DesignatedAt: rec.PriorDesignatedAt,
		Source:       zones.SourceCarried,
	}
}
