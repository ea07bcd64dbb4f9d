package census

import (
	"sort"

	"github.com/EmpoweredVote/HZ-Backend/internal/zones"
)

// Thresholds are the qualification cut-offs.
type Thresholds struct {
	MinPovertyRate float64 // percent; qualifies at or above
	MaxIncomeRatio float64 // income / area median; qualifies at or below
}

func DefaultThresholds() Thresholds {
	return Thresholds{MinPovertyRate: 25, MaxIncomeRatio: 0.8}
}

// AssignAreaMedianIncome sets AreaMedianIncome on every record to the median
// household income of the records sharing its state and county. Only positive
// incomes take part. With an even count the lower of the two middle values is
// used; there is no interpolation, so the result is always an observed income.
func AssignAreaMedianIncome(records []zones.DemographicRecord) {
	incomes := map[string][]float64{}
	for _, r := range records {
		if r.MedianHouseholdIncome > 0 {
			incomes[r.AreaCode()] = append(incomes[r.AreaCode()], r.MedianHouseholdIncome)
		}
	}

	medians := make(map[string]float64, len(incomes))
	for area, values := range incomes {
		medians[area] = LowerMedian(values)
	}

	for i := range records {
		records[i].AreaMedianIncome = medians[records[i].AreaCode()]
	}
}

// LowerMedian returns the middle value of values, or the lower-middle value
// for an even count. It returns 0 for an empty slice. values is not modified.
func LowerMedian(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return sorted[(len(sorted)-1)/2]
}

// Evaluate computes a verdict per record.
func Evaluate(records []zones.DemographicRecord, t Thresholds) map[string]zones.Verdict {
	out := make(map[string]zones.Verdict, len(records))
	for _, r := range records {
		v := zones.Verdict{GeoID: r.GeoID}
		v.PovertyQualified = r.TotalPopulation > 0 && r.PovertyRate >= t.MinPovertyRate
		if r.AreaMedianIncome > 0 && r.MedianHouseholdIncome > 0 {
			v.IncomeQualified = r.MedianHouseholdIncome/r.AreaMedianIncome <= t.MaxIncomeRatio
		}
		v.Qualified = v.PovertyQualified || v.IncomeQualified
		out[r.GeoID] = v
	}
	return out
}
