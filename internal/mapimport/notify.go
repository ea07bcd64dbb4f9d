package mapimport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/EmpoweredVote/HZ-Backend/internal/logger"
	"github.com/EmpoweredVote/HZ-Backend/internal/zones"
)

const DefaultNotifyWorkers = 8

// highSeverityWindow is how much grace left still rates a redesignation high.
const highSeverityWindow = 365 * 24 * time.Hour

// Notifier tells businesses about zone membership changes after an import.
type Notifier struct {
	store   Store
	sink    AlertSink
	workers int
}

func NewNotifier(store Store, sink AlertSink, workers int) *Notifier {
	if workers <= 0 {
		workers = DefaultNotifyWorkers
	}
	if sink == nil {
		sink = LogAlertSink{}
	}
	return &Notifier{store: store, sink: sink, workers: workers}
}

// FanoutResult summarises one fanout.
type FanoutResult struct {
	Affected int
	Sent     int
	Warnings []zones.Warning
}

type zoneChange struct {
	zone     BusinessZone
	change   string
	severity string
}

// classify compares the zones containing one business before and after the
// import. prior holds statuses read inside the import transaction.
func classify(zs []BusinessZone, prior map[string]zones.Status, now time.Time) (zoneChange, bool) {
	var firstBefore, firstAfter, newlyRedesignated *BusinessZone
	allRedesignated := true

	for i := range zs {
		z := &zs[i]
		before := prior[z.GeoID]
		if before.Live() && firstBefore == nil {
			firstBefore = z
		}
		if !z.Status.Live() {
			continue
		}
		if firstAfter == nil {
			firstAfter = z
		}
		if z.Status != zones.StatusRedesignated {
			allRedesignated = false
		} else if before != zones.StatusRedesignated && newlyRedesignated == nil {
			newlyRedesignated = z
		}
	}

	switch {
	case firstBefore == nil && firstAfter != nil:
		return zoneChange{zone: *firstAfter, change: ChangeGained, severity: SeverityLow}, true
	case firstBefore != nil && firstAfter == nil:
		return zoneChange{zone: *firstBefore, change: ChangeLost, severity: SeverityCritical}, true
	case firstAfter != nil && allRedesignated && newlyRedesignated != nil:
		return zoneChange{
			zone:     *newlyRedesignated,
			change:   ChangeRedesignated,
			severity: redesignationSeverity(newlyRedesignated.EligibleUntil(), now),
		}, true
	}
	return zoneChange{}, false
}

func redesignationSeverity(graceEnd *time.Time, now time.Time) string {
	if graceEnd == nil || graceEnd.Sub(now) <= highSeverityWindow {
		return SeverityHigh
	}
	return SeverityMedium
}

// Notify runs one spatial lookup, classifies every business found and sends
// one alert per changed business. A business that fails is logged and
// reported as a warning; the rest continue.
func (n *Notifier) Notify(ctx context.Context, importID uuid.UUID, prior map[string]zones.Status, now time.Time) (FanoutResult, error) {
	pairs, err := n.store.BusinessZones(ctx)
	if err != nil {
		return FanoutResult{}, fmt.Errorf("load business zones: %w", err)
	}

	var (
		order      []uuid.UUID
		byBusiness = make(map[uuid.UUID][]BusinessZone)
	)
	for _, p := range pairs {
		if _, ok := byBusiness[p.BusinessID]; !ok {
			order = append(order, p.BusinessID)
		}
		byBusiness[p.BusinessID] = append(byBusiness[p.BusinessID], p)
	}

	var (
		mu  sync.Mutex
		res FanoutResult
	)
	pool := pond.NewPool(n.workers, pond.WithContext(ctx))

	for _, id := range order {
		zs := byBusiness[id]
		change, ok := classify(zs, prior, now)
		if !ok {
			continue
		}
		res.Affected++

		pool.Submit(func() {
			sent, err := n.deliver(ctx, importID, change, now)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.ErrorCtx(ctx, err,
					zap.String("business_id", change.zone.BusinessID.String()),
					zap.String("geo_id", change.zone.GeoID),
				)
				res.Warnings = append(res.Warnings, zones.Warning{Step: "notify", Scope: change.zone.BusinessID.String(), Err: err})
				return
			}
			if sent {
				res.Sent++
			}
		})
	}
	pool.StopAndWait()

	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

// deliver records the change and sends its alert. A change already recorded
// for this run is not sent again. A failed send removes the record so a
// retry of the run can deliver it.
func (n *Notifier) deliver(ctx context.Context, importID uuid.UUID, c zoneChange, now time.Time) (bool, error) {
	rec := &ZoneChangeNotification{
		BusinessID: c.zone.BusinessID,
		ImportID:   importID,
		GeoID:      c.zone.GeoID,
		Change:     c.change,
		Severity:   c.severity,
		CreatedAt:  now,
	}
	created, err := n.store.RecordChange(ctx, rec)
	if err != nil {
		return false, err
	}
	if !created {
		return false, nil
	}

	alert := ZoneAlert{
		BusinessID:     c.zone.BusinessID,
		BusinessName:   c.zone.BusinessName,
		ImportID:       importID,
		GeoID:          c.zone.GeoID,
		RegionName:     c.zone.RegionName,
		Change:         c.change,
		Severity:       c.severity,
		GracePeriodEnd: c.zone.EligibleUntil(),
		CreatedAt:      now,
	}
	alert.Title, alert.Message = alertText(alert)

	if err := n.sink.Send(ctx, alert); err != nil {
		if derr := n.store.DeleteChange(context.WithoutCancel(ctx), rec); derr != nil {
			logger.ErrorCtx(ctx, derr, zap.String("business_id", rec.BusinessID.String()))
		}
		return false, fmt.Errorf("send alert: %w", err)
	}
	return true, nil
}
