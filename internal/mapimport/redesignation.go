package mapimport

import (
	"sort"
	"time"

	"github.com/EmpoweredVote/HZ-Backend/internal/zones"
)

// IncomingSet is the set of region codes the sources report this run, taken
// before the merge: every acquired designation plus every statistically
// qualified region.
func IncomingSet(designations []zones.Designation, qualified []string) map[string]struct{} {
	set := make(map[string]struct{}, len(designations)+len(qualified))
	for _, d := range designations {
		set[d.GeoID] = struct{}{}
	}
	for _, geoID := range qualified {
		set[geoID] = struct{}{}
	}
	return set
}

// DetectRedesignations finds stored live zones missing from incoming.
//
// An active zone that is missing starts a grace period of graceDays from now.
// A zone already redesignated and still inside its grace period keeps its
// original dates. Results are sorted by region code.
func DetectRedesignations(current []StoredDesignation, incoming map[string]struct{}, now time.Time, graceDays int) []zones.RedesignationRecord {
	var out []zones.RedesignationRecord

	for _, d := range current {
		if _, ok := incoming[d.GeoID]; ok {
			continue
		}

		rec := zones.RedesignationRecord{
			GeoID:             d.GeoID,
			PriorDesignatedAt: d.DesignatedAt,
			PriorKind:         d.Kind,
			State:             d.State,
			County:            d.County,
			Name:              d.Name,
		}

		switch d.Status {
		case zones.StatusActive:
			rec.RedesignatedAt = now
			rec.GracePeriodEnd = now.AddDate(0, 0, graceDays)
			rec.Reason = zones.ReasonDroppedFromSources

		case zones.StatusRedesignated:
			if d.GracePeriodEnd == nil || !now.Before(*d.GracePeriodEnd) {
				continue
			}
			rec.GracePeriodEnd = *d.GracePeriodEnd
			if d.RedesignatedAt != nil {
				rec.RedesignatedAt = *d.RedesignatedAt
			} else {
				rec.RedesignatedAt = d.GracePeriodEnd.AddDate(0, 0, -graceDays)
			}
			rec.Reason = zones.ReasonGracePeriodContinues

		default:
			continue
		}

		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].GeoID < out[j].GeoID })
	return out
}
