package mapimport_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EmpoweredVote/HZ-Backend/internal/mapimport"
	"github.com/EmpoweredVote/HZ-Backend/internal/zones"
)

func TestMerge_SynthesizesQualifiedRegions(t *testing.T) {
	got := mapimport.Merge(mapimport.MergeInput{
		Designations: []zones.Designation{active("51002")},
		Qualified:    []string{"51003", "51002", "51004"},
		Geometry: map[string]zones.RegionGeometry{
			"51003": {GeoID: "51003", State: "51", County: "003", Name: "Census Tract 3"},
		},
	})
	require.Len(t, got, 3)

	assert.Equal(t, []string{"51002", "51003", "51004"}, []string{got[0].GeoID, got[1].GeoID, got[2].GeoID})
	assert.Equal(t, zones.SourceAPI, got[0].Source)

	assert.Equal(t, zones.SourceCensus, got[1].Source)
	assert.Equal(t, zones.KindQualifiedCensusTract, got[1].Kind)
	assert.Equal(t, zones.StatusActive, got[1].Status)
	assert.Equal(t, "Census Tract 3", got[1].Name)
	assert.True(t, got[1].DesignatedAt.IsZero())

	assert.Equal(t, "51", got[2].State)
	assert.Equal(t, "004", got[2].County)
}

func TestMerge_RedesignationMarksMatchingDesignation(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := at.AddDate(0, 0, 1095)

	got := mapimport.Merge(mapimport.MergeInput{
		Designations: []zones.Designation{active("51002")},
		Qualified:    []string{"51003"},
		Redesignations: []zones.RedesignationRecord{
			{GeoID: "51003", RedesignatedAt: at, GracePeriodEnd: end},
			{GeoID: "51001", RedesignatedAt: at, GracePeriodEnd: end},
		},
	})
	require.Len(t, got, 2)

	assert.Equal(t, zones.StatusActive, got[0].Status)

	marked := got[1]
	assert.Equal(t, "51003", marked.GeoID)
	assert.Equal(t, zones.StatusRedesignated, marked.Status)
	assert.True(t, marked.Transitional)
	require.NotNil(t, marked.GracePeriodEnd)
	assert.Equal(t, end, *marked.GracePeriodEnd)
	require.NotNil(t, marked.RedesignatedAt)
	assert.Equal(t, at, *marked.RedesignatedAt)
}

func TestMerge_CarryRedesignated(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	prior := time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)

	got := mapimport.Merge(mapimport.MergeInput{
		Redesignations: []zones.RedesignationRecord{{
			GeoID:             "51001",
			PriorKind:         zones.KindQualifiedNonMetroCounty,
			PriorDesignatedAt: prior,
			RedesignatedAt:    at,
			GracePeriodEnd:    at.AddDate(0, 0, 30),
		}},
		CarryRedesignated: true,
	})
	require.Len(t, got, 1)

	d := got[0]
	assert.Equal(t, zones.SourceCarried, d.Source)
	assert.Equal(t, zones.KindQualifiedNonMetroCounty, d.Kind)
	assert.Equal(t, prior, d.DesignatedAt)
	assert.Equal(t, zones.StatusRedesignated, d.Status)
	assert.Equal(t, "51", d.State)
	assert.Equal(t, "001", d.County)
}
