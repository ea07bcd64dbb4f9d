package designation_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EmpoweredVote/HZ-Backend/internal/zones"
	"github.com/EmpoweredVote/HZ-Backend/internal/zones/designation"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestDeduplicate_PrimaryBeatsFlatFile(t *testing.T) {
	flat := zones.Designation{GeoID: "51001", Source: zones.SourceFlatFile, DesignatedAt: day(2025, 1, 1), SourceName: "flat"}
	api := zones.Designation{GeoID: "51001", Source: zones.SourceAPI, DesignatedAt: day(2020, 1, 1), SourceName: "api"}

	for _, in := range [][]zones.Designation{{flat, api}, {api, flat}} {
		got := designation.Deduplicate(in)
		require.Len(t, got, 1)
		assert.Equal(t, "api", got[0].SourceName)
	}
}

func TestDeduplicate_LaterDateWinsWithinSource(t *testing.T) {
	older := zones.Designation{GeoID: "51001", Source: zones.SourceFlatFile, DesignatedAt: day(2020, 1, 1), SourceName: "a"}
	newer := zones.Designation{GeoID: "51001", Source: zones.SourceFlatFile, DesignatedAt: day(2022, 1, 1), SourceName: "b"}

	got := designation.Deduplicate([]zones.Designation{newer, older})
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].SourceName)
}

func TestDeduplicate_EqualDatesKeepFirstSeen(t *testing.T) {
	first := zones.Designation{GeoID: "51001", Source: zones.SourceFlatFile, DesignatedAt: day(2020, 1, 1), SourceName: "first"}
	second := first
	second.SourceName = "second"

	got := designation.Deduplicate([]zones.Designation{first, second})
	require.Len(t, got, 1)
	assert.Equal(t, "first", got[0].SourceName)
}

func TestDeduplicate_SortsByGeoID(t *testing.T) {
	got := designation.Deduplicate([]zones.Designation{
		{GeoID: "51003"}, {GeoID: "51001"}, {GeoID: "51002"}, {GeoID: "51001"},
	})
	require.Len(t, got, 3)
	assert.Equal(t, "51001", got[0].GeoID)
	assert.Equal(t, "51002", got[1].GeoID)
	assert.Equal(t, "51003", got[2].GeoID)
}
