package mapimport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/EmpoweredVote/HZ-Backend/internal/logger"
	"github.com/EmpoweredVote/HZ-Backend/internal/zones"
	"github.com/EmpoweredVote/HZ-Backend/internal/zones/census"
)

// runLockName keys the advisory lock that keeps runs from overlapping.
const runLockName = "hubzone_map_import"

type BoundarySource interface {
	Acquire(ctx context.Context) ([]zones.RegionGeometry, []zones.Warning, error)
}

type DesignationSource interface {
	Acquire(ctx context.Context) ([]zones.Designation, []zones.Warning, error)
}

type QualificationSource interface {
	Calculate(ctx context.Context) (*census.Result, []zones.Warning, error)
}

// Sources are the acquisition steps of a run.
type Sources struct {
	Boundaries   BoundarySource
	Designations DesignationSource
	Census       QualificationSource
}

type PipelineOptions struct {
	Vintage           int
	GracePeriodDays   int
	CarryRedesignated bool
	DryRun            bool
	Now               func() time.Time
}

// Pipeline runs the acquisition, merge, import and fanout steps in order.
type Pipeline struct {
	store    Store
	sources  Sources
	importer *Importer
	notifier *Notifier // nil disables the fanout
	opts     PipelineOptions
}

func NewPipeline(store Store, sources Sources, importer *Importer, notifier *Notifier, opts PipelineOptions) *Pipeline {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{
		store:    store,
		sources:  sources,
		importer: importer,
		notifier: notifier,
		opts:     opts,
	}
}

// DryRun returns a copy of p that plans the import without writing
// designations or sending alerts.
func (p *Pipeline) DryRun() *Pipeline {
	cp := *p
	cp.opts.DryRun = true
	return &cp
}

// Store exposes the run store for callers that list or read runs.
func (p *Pipeline) Store() Store {
	return p.store
}

// RunImport runs one import under a fresh ID.
func (p *Pipeline) RunImport(ctx context.Context) MapImportResult {
	return p.RunImportWithID(ctx, uuid.New())
}

// RunImportWithID runs one import recorded under importID. It never panics
// and reports every failure in the result.
func (p *Pipeline) RunImportWithID(ctx context.Context, importID uuid.UUID) MapImportResult {
	res := MapImportResult{
		ImportID: importID,
		DryRun:   p.opts.DryRun,
		Errors:   []string{},
		Warnings: []string{},
	}

	unlock, ok, err := p.store.TryLock(ctx, runLockName)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("take run lock: %v", err))
		return res
	}
	if !ok {
		res.Errors = append(res.Errors, ErrImportInProgress.Error())
		return res
	}
	defer unlock()

	now := p.opts.Now().UTC()
	run := &MapImport{
		ID:        importID,
		Vintage:   p.opts.Vintage,
		DryRun:    p.opts.DryRun,
		Status:    RunInProgress,
		StartedAt: now,
	}
	if err := p.store.CreateRun(ctx, run); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("create run: %v", err))
		return res
	}

	logger.InfoCtx(ctx, "map import started",
		zap.String("import_id", importID.String()),
		zap.Int("vintage", p.opts.Vintage),
		zap.Bool("dry_run", p.opts.DryRun),
	)

	runErr := p.execute(ctx, importID, now, &res)
	p.finish(ctx, run, &res, runErr)
	return res
}

func (p *Pipeline) execute(ctx context.Context, importID uuid.UUID, now time.Time, res *MapImportResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			logger.ErrorCtx(ctx, err, zap.Stack("stack"))
		}
	}()

	regions, warnings, err := p.sources.Boundaries.Acquire(ctx)
	p.addWarnings(ctx, res, warnings)
	if err != nil {
		return fmt.Errorf("acquire boundaries: %w", err)
	}
	res.Statistics.Regions = len(regions)
	geometry := make(map[string]zones.RegionGeometry, len(regions))
	for _, r := range regions {
		geometry[r.GeoID] = r
	}

	designations, warnings, err := p.sources.Designations.Acquire(ctx)
	p.addWarnings(ctx, res, warnings)
	if err != nil {
		return fmt.Errorf("acquire designations: %w", err)
	}
	res.Statistics.Designations = len(designations)

	result, warnings, err := p.sources.Census.Calculate(ctx)
	p.addWarnings(ctx, res, warnings)
	if err != nil {
		return fmt.Errorf("calculate qualification: %w", err)
	}
	var qualified []string
	if result != nil {
		qualified = result.Qualified
	}
	res.Statistics.Qualified = len(qualified)

	current, err := p.store.LiveDesignations(ctx, now)
	if err != nil {
		return fmt.Errorf("load live designations: %w", err)
	}
	redesignations := DetectRedesignations(current, IncomingSet(designations, qualified), now, p.opts.GracePeriodDays)

	merged := Merge(MergeInput{
		Designations:      designations,
		Qualified:         qualified,
		Geometry:          geometry,
		Redesignations:    redesignations,
		CarryRedesignated: p.opts.CarryRedesignated,
	})
	res.Statistics.Merged = len(merged)
	res.Statistics.Redesignations = appliedRedesignations(merged, redesignations)

	if p.opts.DryRun {
		stats, err := p.importer.Plan(ctx, merged)
		if err != nil {
			return fmt.Errorf("plan import: %w", err)
		}
		res.Statistics.ImportStats = stats
		return nil
	}

	stats, prior, err := p.importer.Import(ctx, importID, merged, geometry, now)
	if err != nil {
		return fmt.Errorf("import designations: %w", err)
	}
	res.Statistics.ImportStats = stats

	if p.notifier == nil {
		return nil
	}
	fanout, err := p.notifier.Notify(ctx, importID, prior, now)
	p.addWarnings(ctx, res, fanout.Warnings)
	res.AffectedBusinessCount = fanout.Affected
	res.Statistics.Notifications = fanout.Sent
	if err != nil {
		return fmt.Errorf("notify businesses: %w", err)
	}
	return nil
}

// finish records the outcome once. The caller's context may already be
// cancelled, so the write runs detached from it.
func (p *Pipeline) finish(ctx context.Context, run *MapImport, res *MapImportResult, runErr error) {
	completed := p.opts.Now().UTC()
	run.CompletedAt = &completed

	if runErr != nil {
		run.Status = RunFailed
		run.ErrorMessage = runErr.Error()
		res.Success = false
		res.AffectedBusinessCount = 0
		res.Errors = append(res.Errors, runErr.Error())
		logger.ErrorCtx(ctx, runErr, zap.String("import_id", run.ID.String()))
	} else {
		run.Status = RunCompleted
		res.Success = true
	}

	if stats, err := json.Marshal(res.Statistics); err == nil {
		run.Statistics = datatypes.JSON(stats)
	}

	if err := p.store.FinishRun(context.WithoutCancel(ctx), run); err != nil {
		logger.ErrorCtx(ctx, err, zap.String("import_id", run.ID.String()))
		res.Warnings = append(res.Warnings, fmt.Sprintf("record run outcome: %v", err))
	}

	logger.InfoCtx(ctx, "map import finished",
		zap.String("import_id", run.ID.String()),
		zap.String("status", run.Status),
		zap.Int("new", res.Statistics.New),
		zap.Int("updated", res.Statistics.Updated),
		zap.Int("expired", res.Statistics.Expired),
		zap.Int("affected_businesses", res.AffectedBusinessCount),
		zap.Int("warnings", len(res.Warnings)),
	)
}

func (p *Pipeline) addWarnings(ctx context.Context, res *MapImportResult, warnings []zones.Warning) {
	for _, w := range warnings {
		logger.WarnCtx(ctx, "map import warning", zap.String("warning", w.String()))
		res.Warnings = append(res.Warnings, w.String())
	}
}
