package mapimport_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EmpoweredVote/HZ-Backend/internal/mapimport"
	"github.com/EmpoweredVote/HZ-Backend/internal/zones"
	"github.com/EmpoweredVote/HZ-Backend/internal/zones/census"
)

type fakeBoundaries struct {
	regions  []zones.RegionGeometry
	warnings []zones.Warning
	panics   bool
}

func (f fakeBoundaries) Acquire(ctx context.Context) ([]zones.RegionGeometry, []zones.Warning, error) {
	if f.panics {
		panic("boom")
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return f.regions, f.warnings, nil
}

type fakeDesignations struct {
	designations []zones.Designation
	err          error
}

func (f fakeDesignations) Acquire(context.Context) ([]zones.Designation, []zones.Warning, error) {
	return f.designations, nil, f.err
}

type fakeCensus struct {
	qualified []string
}

func (f fakeCensus) Calculate(context.Context) (*census.Result, []zones.Warning, error) {
	return &census.Result{Qualified: f.qualified}, nil, nil
}

// scenario: 51001 is stored and active, the designation source lists 51002
// and 51003 qualifies statistically.
func scenario(t *testing.T) (*memStore, *recordingSink, mapimport.Sources) {
	t.Helper()

	store := newMemStore()
	store.seed(active("51001"))
	store.addBusiness("acme", "51001")
	store.addBusiness("bolt", "51003")

	flat := active("51002")
	flat.Source = zones.SourceFlatFile

	skipped := zones.Warning{Step: "boundary", Scope: "02", Err: errors.New("fetch failed")}
	sources := mapimport.Sources{
		Boundaries: fakeBoundaries{
			regions:  []zones.RegionGeometry{{GeoID: "51003", State: "51", County: "003", Name: "Census Tract 3"}},
			warnings: []zones.Warning{skipped},
		},
		Designations: fakeDesignations{designations: []zones.Designation{flat}},
		Census:       fakeCensus{qualified: []string{"51003"}},
	}
	return store, &recordingSink{}, sources
}

func newTestPipeline(store *memStore, sink *recordingSink, sources mapimport.Sources) *mapimport.Pipeline {
	return mapimport.NewPipeline(store, sources,
		mapimport.NewImporter(store, 500),
		mapimport.NewNotifier(store, sink, 2),
		mapimport.PipelineOptions{
			Vintage:         2025,
			GracePeriodDays: 1095,
			Now:             func() time.Time { return importNow },
		})
}

func TestPipeline_EndToEnd(t *testing.T) {
	store, sink, sources := scenario(t)

	res := newTestPipeline(store, sink, sources).RunImport(context.Background())
	require.True(t, res.Success, res.Errors)

	assert.Equal(t, 2, res.Statistics.New)
	assert.Equal(t, 0, res.Statistics.Updated)
	assert.Equal(t, 1, res.Statistics.Expired)
	assert.Equal(t, 0, res.Statistics.Redesignations)
	assert.Equal(t, 1, res.Statistics.Qualified)
	assert.Equal(t, 2, res.Statistics.Merged)
	assert.Equal(t, []string{"boundary [02]: fetch failed"}, res.Warnings)
	assert.Empty(t, res.Errors)

	assert.Equal(t, map[string]zones.Status{
		"51001": zones.StatusExpired,
		"51002": zones.StatusActive,
		"51003": zones.StatusActive,
	}, store.statuses())

	r, _ := store.row("51003")
	assert.Equal(t, "Census Tract 3", r.D.Name)
	assert.Equal(t, zones.SourceCensus, r.D.Source)

	assert.Equal(t, 2, res.AffectedBusinessCount)
	assert.Len(t, sink.sent(), 2)

	run, err := store.GetRun(context.Background(), res.ImportID)
	require.NoError(t, err)
	assert.Equal(t, mapimport.RunCompleted, run.Status)
	require.NotNil(t, run.CompletedAt)
	assert.Contains(t, string(run.Statistics), `"new":2`)
	assert.False(t, store.locked)
}

func TestPipeline_CarriedRedesignationIsCounted(t *testing.T) {
	store, sink, sources := scenario(t)

	p := mapimport.NewPipeline(store, sources,
		mapimport.NewImporter(store, 500),
		mapimport.NewNotifier(store, sink, 2),
		mapimport.PipelineOptions{
			Vintage:           2025,
			GracePeriodDays:   1095,
			CarryRedesignated: true,
			Now:               func() time.Time { return importNow },
		})
	res := p.RunImport(context.Background())
	require.True(t, res.Success, res.Errors)

	assert.Equal(t, 1, res.Statistics.Redesignations)
	assert.Equal(t, 3, res.Statistics.Merged)
	assert.Equal(t, 0, res.Statistics.Expired)
	assert.Equal(t, 1, res.Statistics.Updated)
	assert.Equal(t, zones.StatusRedesignated, store.statuses()["51001"])
}

func TestPipeline_DryRunWritesNothing(t *testing.T) {
	store, sink, sources := scenario(t)

	res := newTestPipeline(store, sink, sources).DryRun().RunImport(context.Background())
	require.True(t, res.Success, res.Errors)
	assert.True(t, res.DryRun)

	assert.Equal(t, 2, res.Statistics.New)
	assert.Equal(t, 1, res.Statistics.Expired)
	assert.Equal(t, map[string]zones.Status{"51001": zones.StatusActive}, store.statuses())
	assert.Empty(t, sink.sent())
	assert.Zero(t, res.AffectedBusinessCount)

	run, err := store.GetRun(context.Background(), res.ImportID)
	require.NoError(t, err)
	assert.True(t, run.DryRun)
	assert.Equal(t, mapimport.RunCompleted, run.Status)
}

func TestPipeline_LockHeld(t *testing.T) {
	store, sink, sources := scenario(t)
	store.locked = true

	res := newTestPipeline(store, sink, sources).RunImport(context.Background())
	assert.False(t, res.Success)
	assert.Equal(t, []string{mapimport.ErrImportInProgress.Error()}, res.Errors)
	assert.Empty(t, store.runs)
}

func TestPipeline_SourceFailureMarksRunFailed(t *testing.T) {
	store, sink, sources := scenario(t)
	sources.Designations = fakeDesignations{err: errors.New("source down")}

	res := newTestPipeline(store, sink, sources).RunImport(context.Background())
	assert.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "acquire designations: source down")
	assert.Zero(t, res.AffectedBusinessCount)

	run, err := store.GetRun(context.Background(), res.ImportID)
	require.NoError(t, err)
	assert.Equal(t, mapimport.RunFailed, run.Status)
	assert.Contains(t, run.ErrorMessage, "source down")
	assert.Equal(t, map[string]zones.Status{"51001": zones.StatusActive}, store.statuses())
}

func TestPipeline_ImportFailureRollsBack(t *testing.T) {
	store, sink, sources := scenario(t)
	store.failWriteAt = 1

	res := newTestPipeline(store, sink, sources).RunImport(context.Background())
	assert.False(t, res.Success)
	assert.Zero(t, res.Statistics.New)
	assert.Equal(t, map[string]zones.Status{"51001": zones.StatusActive}, store.statuses())
	assert.Empty(t, sink.sent())
}

func TestPipeline_PanicIsRecovered(t *testing.T) {
	store, sink, sources := scenario(t)
	sources.Boundaries = fakeBoundaries{panics: true}

	var res mapimport.MapImportResult
	require.NotPanics(t, func() {
		res = newTestPipeline(store, sink, sources).RunImport(context.Background())
	})
	assert.False(t, res.Success)
	assert.Equal(t, []string{"panic: boom"}, res.Errors)

	run, err := store.GetRun(context.Background(), res.ImportID)
	require.NoError(t, err)
	assert.Equal(t, mapimport.RunFailed, run.Status)
	assert.False(t, store.locked)
}

func TestPipeline_CancelledRunIsStillRecorded(t *testing.T) {
	store, sink, sources := scenario(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := newTestPipeline(store, sink, sources).RunImport(ctx)
	assert.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], context.Canceled.Error())

	require.Len(t, store.finished, 1)
	assert.Equal(t, mapimport.RunFailed, store.finished[0].Status)
}

func TestPipeline_FinishFailureIsAWarning(t *testing.T) {
	store, sink, sources := scenario(t)
	store.failFinish = true

	res := newTestPipeline(store, sink, sources).RunImport(context.Background())
	assert.True(t, res.Success)
	assert.Contains(t, res.Warnings[len(res.Warnings)-1], "record run outcome")
}

func TestPipeline_WithoutNotifier(t *testing.T) {
	store, _, sources := scenario(t)
	p := mapimport.NewPipeline(store, sources, mapimport.NewImporter(store, 10), nil,
		mapimport.PipelineOptions{GracePeriodDays: 1095, Now: func() time.Time { return importNow }})

	res := p.RunImport(context.Background())
	require.True(t, res.Success, res.Errors)
	assert.Zero(t, res.AffectedBusinessCount)
	assert.Zero(t, store.changeCount())
}
