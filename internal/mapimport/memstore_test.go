package mapimport_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/EmpoweredVote/HZ-Backend/internal/mapimport"
	"github.com/EmpoweredVote/HZ-Backend/internal/zones"
)

var errInjected = errors.New("injected failure")

type memRow struct {
	ID         uuid.UUID
	D          zones.Designation
	GeoJSON    string
	LastImport uuid.UUID
}

type changeKey struct {
	business uuid.UUID
	importID uuid.UUID
	geoID    string
}

// memStore is an in-memory Store. Import works on a copy of the rows and
// swaps it in only when fn succeeds.
type memStore struct {
	mu sync.Mutex

	rows    map[string]memRow
	runs    map[uuid.UUID]*mapimport.MapImport
	changes map[changeKey]mapimport.ZoneChangeNotification
	locked  bool

	// businesses maps a business to the zones containing its location.
	businesses map[uuid.UUID][]string
	names      map[uuid.UUID]string

	failWriteAt     int // fail the nth Insert/Update/Expire call inside Import
	writeCalls      int
	failFinish      bool
	failBusinessSQL bool
	finished        []mapimport.MapImport
}

func newMemStore() *memStore {
	return &memStore{
		rows:       make(map[string]memRow),
		runs:       make(map[uuid.UUID]*mapimport.MapImport),
		changes:    make(map[changeKey]mapimport.ZoneChangeNotification),
		businesses: make(map[uuid.UUID][]string),
		names:      make(map[uuid.UUID]string),
	}
}

func (s *memStore) seed(ds ...zones.Designation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range ds {
		s.rows[d.GeoID] = memRow{ID: mapimport.DesignationID(d.GeoID), D: d}
	}
}

func (s *memStore) addBusiness(name string, geoIDs ...string) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(name))
	s.businesses[id] = geoIDs
	s.names[id] = name
	return id
}

func (s *memStore) row(geoID string) (memRow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[geoID]
	return r, ok
}

func (s *memStore) statuses() map[string]zones.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]zones.Status, len(s.rows))
	for k, r := range s.rows {
		out[k] = r.D.Status
	}
	return out
}

func (s *memStore) CreateRun(_ context.Context, run *mapimport.MapImport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *memStore) FinishRun(_ context.Context, run *mapimport.MapImport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFinish {
		return errInjected
	}
	cp := *run
	s.runs[run.ID] = &cp
	s.finished = append(s.finished, cp)
	return nil
}

func (s *memStore) GetRun(_ context.Context, id uuid.UUID) (*mapimport.MapImport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, mapimport.ErrRunNotFound
	}
	cp := *run
	return &cp, nil
}

func (s *memStore) ListRuns(_ context.Context, limit int) ([]mapimport.MapImport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []mapimport.MapImport
	for _, r := range s.runs {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) TryLock(context.Context, string) (func(), bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return nil, false, nil
	}
	s.locked = true
	return func() {
		s.mu.Lock()
		s.locked = false
		s.mu.Unlock()
	}, true, nil
}

func (s *memStore) LiveDesignations(_ context.Context, now time.Time) ([]mapimport.StoredDesignation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []mapimport.StoredDesignation
	for _, r := range s.rows {
		d := r.D
		live := d.Status == zones.StatusActive ||
			(d.Status == zones.StatusRedesignated && d.GracePeriodEnd != nil && d.GracePeriodEnd.After(now))
		if !live {
			continue
		}
		out = append(out, mapimport.StoredDesignation{
			GeoID:          d.GeoID,
			State:          d.State,
			County:         d.County,
			Name:           d.Name,
			Kind:           d.Kind,
			Status:         d.Status,
			DesignatedAt:   d.DesignatedAt,
			RedesignatedAt: d.RedesignatedAt,
			GracePeriodEnd: d.GracePeriodEnd,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GeoID < out[j].GeoID })
	return out, nil
}

func (s *memStore) StoredStatuses(context.Context) (map[string]zones.Status, error) {
	return s.statuses(), nil
}

func (s *memStore) Import(_ context.Context, fn func(tx mapimport.ImportTx) error) error {
	s.mu.Lock()
	work := make(map[string]memRow, len(s.rows))
	for k, v := range s.rows {
		work[k] = v
	}
	s.mu.Unlock()

	tx := &memTx{store: s, rows: work}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	s.rows = work
	s.mu.Unlock()
	return nil
}

func (s *memStore) BusinessZones(context.Context) ([]mapimport.BusinessZone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failBusinessSQL {
		return nil, errInjected
	}
	var out []mapimport.BusinessZone
	for id, geoIDs := range s.businesses {
		for _, g := range geoIDs {
			r, ok := s.rows[g]
			if !ok {
				continue
			}
			out = append(out, mapimport.BusinessZone{
				BusinessID:     id,
				BusinessName:   s.names[id],
				GeoID:          g,
				RegionName:     r.D.Name,
				Status:         r.D.Status,
				GracePeriodEnd: r.D.GracePeriodEnd,
				ExpiresAt:      r.D.ExpiresAt,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BusinessID != out[j].BusinessID {
			return out[i].BusinessID.String() < out[j].BusinessID.String()
		}
		return out[i].GeoID < out[j].GeoID
	})
	return out, nil
}

func (s *memStore) RecordChange(_ context.Context, n *mapimport.ZoneChangeNotification) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := changeKey{n.BusinessID, n.ImportID, n.GeoID}
	if _, ok := s.changes[k]; ok {
		return false, nil
	}
	s.changes[k] = *n
	return true, nil
}

func (s *memStore) DeleteChange(_ context.Context, n *mapimport.ZoneChangeNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.changes, changeKey{n.BusinessID, n.ImportID, n.GeoID})
	return nil
}

func (s *memStore) changeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.changes)
}

type memTx struct {
	store *memStore
	rows  map[string]memRow
}

func (t *memTx) write() error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.writeCalls++
	if t.store.failWriteAt > 0 && t.store.writeCalls == t.store.failWriteAt {
		return errInjected
	}
	return nil
}

func (t *memTx) StoredStatuses(context.Context) (map[string]zones.Status, error) {
	out := make(map[string]zones.Status, len(t.rows))
	for k, r := range t.rows {
		out[k] = r.D.Status
	}
	return out, nil
}

func (t *memTx) Insert(_ context.Context, rows []mapimport.DesignationWrite) error {
	if err := t.write(); err != nil {
		return err
	}
	for _, w := range rows {
		if _, ok := t.rows[w.Designation.GeoID]; ok {
			return fmt.Errorf("duplicate geo_id %s", w.Designation.GeoID)
		}
		d := w.Designation
		if d.DesignatedAt.IsZero() {
			d.DesignatedAt = w.At
		}
		t.rows[d.GeoID] = memRow{ID: w.ID, D: d, GeoJSON: w.GeoJSON, LastImport: w.ImportID}
	}
	return nil
}

func (t *memTx) Update(_ context.Context, rows []mapimport.DesignationWrite) error {
	if err := t.write(); err != nil {
		return err
	}
	for _, w := range rows {
		cur, ok := t.rows[w.Designation.GeoID]
		if !ok {
			return fmt.Errorf("missing geo_id %s", w.Designation.GeoID)
		}
		d := w.Designation
		if d.DesignatedAt.IsZero() {
			d.DesignatedAt = cur.D.DesignatedAt
		}
		geo := w.GeoJSON
		if geo == "" {
			geo = cur.GeoJSON
		}
		t.rows[d.GeoID] = memRow{ID: cur.ID, D: d, GeoJSON: geo, LastImport: w.ImportID}
	}
	return nil
}

func (t *memTx) Expire(_ context.Context, importID uuid.UUID, geoIDs []string, at time.Time) error {
	if err := t.write(); err != nil {
		return err
	}
	for _, g := range geoIDs {
		r, ok := t.rows[g]
		if !ok || r.D.Status == zones.StatusExpired {
			continue
		}
		expires := at
		r.D.Status = zones.StatusExpired
		r.D.ExpiresAt = &expires
		r.D.Transitional = false
		r.LastImport = importID
		t.rows[g] = r
	}
	return nil
}

// recordingSink collects alerts and can fail for chosen businesses.
type recordingSink struct {
	mu      sync.Mutex
	alerts  []mapimport.ZoneAlert
	failFor map[uuid.UUID]bool
}

func (s *recordingSink) Send(_ context.Context, a mapimport.ZoneAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor[a.BusinessID] {
		return errInjected
	}
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *recordingSink) sent() []mapimport.ZoneAlert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]mapimport.ZoneAlert(nil), s.alerts...)
	sort.Slice(out, func(i, j int) bool { return out[i].BusinessName < out[j].BusinessName })
	return out
}
