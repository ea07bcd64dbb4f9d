package mapimport

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/EmpoweredVote/HZ-Backend/internal/logger"
	"github.com/EmpoweredVote/HZ-Backend/internal/zones"
)

const DefaultBatchSize = 500

// PostgreSQL binds at most 65535 parameters per statement and an inserted
// designation row binds insertParams of them.
const (
	insertParams = 18
	MaxBatchSize = 65535 / insertParams
)

// Importer writes the merged designation set in a single transaction.
type Importer struct {
	store     Store
	batchSize int
}

func NewImporter(store Store, batchSize int) *Importer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	batchSize = min(batchSize, MaxBatchSize)
	return &Importer{store: store, batchSize: batchSize}
}

type importPlan struct {
	inserts []zones.Designation
	updates []zones.Designation
	expire  []string
	stats   ImportStats
}

func planImport(stored map[string]zones.Status, merged []zones.Designation) importPlan {
	var p importPlan
	present := make(map[string]struct{}, len(merged))

	for _, d := range merged {
		present[d.GeoID] = struct{}{}
		if _, ok := stored[d.GeoID]; ok {
			p.updates = append(p.updates, d)
		} else {
			p.inserts = append(p.inserts, d)
		}
		if d.Status == zones.StatusActive {
			p.stats.TotalActive++
		}
		if d.Transitional {
			p.stats.TotalTransitional++
		}
	}

	for geoID, status := range stored {
		if status == zones.StatusExpired {
			continue
		}
		if _, ok := present[geoID]; !ok {
			p.expire = append(p.expire, geoID)
		}
	}
	sort.Strings(p.expire)

	p.stats.New = len(p.inserts)
	p.stats.Updated = len(p.updates)
	p.stats.Expired = len(p.expire)
	return p
}

// Import writes merged and returns the counts plus the status of every
// stored region as it was before the write. Nothing is committed unless
// every batch succeeds.
func (im *Importer) Import(ctx context.Context, importID uuid.UUID, merged []zones.Designation, geometry map[string]zones.RegionGeometry, now time.Time) (ImportStats, map[string]zones.Status, error) {
	var (
		plan  importPlan
		prior map[string]zones.Status
	)

	err := im.store.Import(ctx, func(tx ImportTx) error {
		stored, err := tx.StoredStatuses(ctx)
		if err != nil {
			return fmt.Errorf("load stored designations: %w", err)
		}
		prior = stored
		plan = planImport(stored, merged)

		for _, batch := range chunk(writes(importID, plan.updates, geometry, now), im.batchSize) {
			if err := tx.Update(ctx, batch); err != nil {
				return fmt.Errorf("update designations: %w", err)
			}
		}
		for _, batch := range chunk(writes(importID, plan.inserts, geometry, now), im.batchSize) {
			if err := tx.Insert(ctx, batch); err != nil {
				return fmt.Errorf("insert designations: %w", err)
			}
		}
		for _, batch := range chunk(plan.expire, im.batchSize) {
			if err := tx.Expire(ctx, importID, batch, now); err != nil {
				return fmt.Errorf("expire designations: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return ImportStats{}, nil, err
	}

	logger.InfoCtx(ctx, "designations imported",
		zap.String("import_id", importID.String()),
		zap.Int("new", plan.stats.New),
		zap.Int("updated", plan.stats.Updated),
		zap.Int("expired", plan.stats.Expired),
	)
	return plan.stats, prior, nil
}

// Plan computes the statistics Import would produce without writing.
func (im *Importer) Plan(ctx context.Context, merged []zones.Designation) (ImportStats, error) {
	stored, err := im.store.StoredStatuses(ctx)
	if err != nil {
		return ImportStats{}, fmt.Errorf("load stored designations: %w", err)
	}
	return planImport(stored, merged).stats, nil
}

func writes(importID uuid.UUID, ds []zones.Designation, geometry map[string]zones.RegionGeometry, now time.Time) []DesignationWrite {
	out := make([]DesignationWrite, 0, len(ds))
	for _, d := range ds {
		w := DesignationWrite{
			ID:          DesignationID(d.GeoID),
			ImportID:    importID,
			Designation: d,
			At:          now,
		}
		if g, ok := geometry[d.GeoID]; ok && len(g.Geometry) > 0 {
			w.GeoJSON = string(g.Geometry)
		}
		out = append(out, w)
	}
	return out
}

func chunk[T any](items []T, size int) [][]T {
	var out [][]T
	for size < len(items) {
		items, out = items[size:], append(out, items[:size:size])
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}
