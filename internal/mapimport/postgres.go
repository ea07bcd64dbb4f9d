package mapimport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/EmpoweredVote/HZ-Backend/internal/logger"
	"github.com/EmpoweredVote/HZ-Backend/internal/zones"
)

// PostgresStore keeps designations, runs and notifications in PostgreSQL
// with PostGIS geometry columns.
type PostgresStore struct {
	db *gorm.DB
}

func NewPostgresStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// dbError wraps err with op and, for server errors, the SQLSTATE.
func dbError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w (sqlstate %s)", op, err, pgErr.Code)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *MapImport) error {
	return dbError("create map import", s.db.WithContext(ctx).Create(run).Error)
}

func (s *PostgresStore) FinishRun(ctx context.Context, run *MapImport) error {
	err := s.db.WithContext(ctx).
		Model(&MapImport{}).
		Where("id = ?", run.ID).
		Updates(map[string]any{
			"status":        run.Status,
			"completed_at":  run.CompletedAt,
			"statistics":    run.Statistics,
			"error_message": run.ErrorMessage,
		}).Error
	return dbError("finish map import", err)
}

func (s *PostgresStore) GetRun(ctx context.Context, id uuid.UUID) (*MapImport, error) {
	var run MapImport
	err := s.db.WithContext(ctx).First(&run, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, dbError("get map import", err)
	}
	return &run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]MapImport, error) {
	var runs []MapImport
	err := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&runs).Error
	return runs, dbError("list map imports", err)
}

// TryLock takes a session advisory lock on a connection held until unlock.
func (s *PostgresStore) TryLock(ctx context.Context, name string) (func(), bool, error) {
	sqlDB, err := s.db.DB()
	if err != nil {
		return nil, false, fmt.Errorf("get sql.DB: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, false, dbError("reserve lock connection", err)
	}

	var ok bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", name).Scan(&ok); err != nil {
		conn.Close()
		return nil, false, dbError("take run lock", err)
	}
	if !ok {
		conn.Close()
		return nil, false, nil
	}

	unlock := func() {
		defer conn.Close()
		uctx := context.WithoutCancel(ctx)
		if _, err := conn.ExecContext(uctx, "SELECT pg_advisory_unlock(hashtext($1))", name); err != nil {
			logger.Error(err, zap.String("lock", name))
		}
	}
	return unlock, true, nil
}

type storedRow struct {
	GeoID          string
	State          string
	County         string
	Name           string
	Kind           string
	Status         string
	DesignatedAt   time.Time
	RedesignatedAt *time.Time
	GracePeriodEnd *time.Time
}

func (s *PostgresStore) LiveDesignations(ctx context.Context, now time.Time) ([]StoredDesignation, error) {
	var rows []storedRow
	err := s.db.WithContext(ctx).
		Model(&ZoneDesignation{}).
		Select("geo_id, state, county, name, kind, status, designated_at, redesignated_at, grace_period_end").
		Where("status = ? OR (status = ? AND grace_period_end > ?)", string(zones.StatusActive), string(zones.StatusRedesignated), now).
		Order("geo_id").
		Scan(&rows).Error
	if err != nil {
		return nil, dbError("load live designations", err)
	}

	out := make([]StoredDesignation, 0, len(rows))
	for _, r := range rows {
		out = append(out, StoredDesignation{
			GeoID:          r.GeoID,
			State:          r.State,
			County:         r.County,
			Name:           r.Name,
			Kind:           zones.ParseKind(r.Kind),
			Status:         zones.ParseStatus(r.Status),
			DesignatedAt:   r.DesignatedAt,
			RedesignatedAt: r.RedesignatedAt,
			GracePeriodEnd: r.GracePeriodEnd,
		})
	}
	return out, nil
}

func (s *PostgresStore) StoredStatuses(ctx context.Context) (map[string]zones.Status, error) {
	return storedStatuses(ctx, s.db)
}

func storedStatuses(ctx context.Context, db *gorm.DB) (map[string]zones.Status, error) {
	var rows []struct {
		GeoID  string
		Status string
	}
	if err := db.WithContext(ctx).Model(&ZoneDesignation{}).Select("geo_id, status").Scan(&rows).Error; err != nil {
		return nil, dbError("load stored statuses", err)
	}
	out := make(map[string]zones.Status, len(rows))
	for _, r := range rows {
		out[r.GeoID] = zones.ParseStatus(r.Status)
	}
	return out, nil
}

func (s *PostgresStore) Import(ctx context.Context, fn func(tx ImportTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&postgresTx{db: tx})
	})
}

type postgresTx struct {
	db *gorm.DB
}

func (t *postgresTx) StoredStatuses(ctx context.Context) (map[string]zones.Status, error) {
	return storedStatuses(ctx, t.db)
}

const insertSQL = `
INSERT INTO hubzone.zone_designations
	(id, geo_id, state, county, name, kind, status, designated_at, expires_at, transitional,
	 redesignated_at, grace_period_end, source, source_name, last_import_id, geometry,
	 created_at, updated_at)
VALUES %s`

const insertRow = `(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
	ST_SetSRID(ST_GeomFromGeoJSON(NULLIF(?, '')), 4326), ?, ?)`

func (t *postgresTx) Insert(ctx context.Context, rows []DesignationWrite) error {
	if len(rows) == 0 {
		return nil
	}
	values := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*insertParams)
	for _, w := range rows {
		d := w.Designation
		designated := d.DesignatedAt
		if designated.IsZero() {
			designated = w.At
		}
		values = append(values, insertRow)
		args = append(args,
			w.ID, d.GeoID, d.State, d.County, d.Name, string(d.Kind), string(d.Status),
			designated, d.ExpiresAt, d.Transitional, d.RedesignatedAt, d.GracePeriodEnd,
			string(d.Source), d.SourceName, w.ImportID, w.GeoJSON, w.At, w.At,
		)
	}
	err := t.db.WithContext(ctx).Exec(fmt.Sprintf(insertSQL, strings.Join(values, ",\n")), args...).Error
	return dbError("insert designations", err)
}

// Geometry and designation date keep their stored values when the
// incoming row has none.
const updateSQL = `
UPDATE hubzone.zone_designations AS z SET
	state = v.state,
	county = v.county,
	name = COALESCE(NULLIF(v.name, ''), z.name),
	kind = v.kind,
	status = v.status,
	designated_at = COALESCE(v.designated_at, z.designated_at),
	expires_at = v.expires_at,
	transitional = v.transitional,
	redesignated_at = v.redesignated_at,
	grace_period_end = v.grace_period_end,
	source = v.source,
	source_name = v.source_name,
	last_import_id = v.last_import_id,
	geometry = COALESCE(ST_SetSRID(ST_GeomFromGeoJSON(NULLIF(v.geojson, '')), 4326), z.geometry),
	updated_at = v.updated_at
FROM (VALUES %s) AS v(geo_id, state, county, name, kind, status, designated_at, expires_at,
	transitional, redesignated_at, grace_period_end, source, source_name, last_import_id,
	geojson, updated_at)
WHERE z.geo_id = v.geo_id`

const updateRow = `(CAST(? AS text), CAST(? AS text), CAST(? AS text), CAST(? AS text),
	CAST(? AS text), CAST(? AS text), CAST(? AS timestamptz), CAST(? AS timestamptz),
	CAST(? AS boolean), CAST(? AS timestamptz), CAST(? AS timestamptz), CAST(? AS text),
	CAST(? AS text), CAST(? AS uuid), CAST(? AS text), CAST(? AS timestamptz))`

func (t *postgresTx) Update(ctx context.Context, rows []DesignationWrite) error {
	if len(rows) == 0 {
		return nil
	}
	values := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*16)
	for _, w := range rows {
		d := w.Designation
		var designated any
		if !d.DesignatedAt.IsZero() {
			designated = d.DesignatedAt
		}
		values = append(values, updateRow)
		args = append(args,
			d.GeoID, d.State, d.County, d.Name, string(d.Kind), string(d.Status),
			designated, d.ExpiresAt, d.Transitional, d.RedesignatedAt, d.GracePeriodEnd,
			string(d.Source), d.SourceName, w.ImportID, w.GeoJSON, w.At,
		)
	}
	err := t.db.WithContext(ctx).Exec(fmt.Sprintf(updateSQL, strings.Join(values, ",\n")), args...).Error
	return dbError("update designations", err)
}

func (t *postgresTx) Expire(ctx context.Context, importID uuid.UUID, geoIDs []string, at time.Time) error {
	if len(geoIDs) == 0 {
		return nil
	}
	err := t.db.WithContext(ctx).Exec(`
		UPDATE hubzone.zone_designations
		SET status = ?, expires_at = ?, transitional = false, last_import_id = ?, updated_at = ?
		WHERE geo_id = ANY(?) AND status <> ?`,
		string(zones.StatusExpired), at, importID, at, pq.Array(geoIDs), string(zones.StatusExpired),
	).Error
	return dbError("expire designations", err)
}

// BusinessZones lists every business whose principal location lies inside a
// stored zone, expired zones included.
func (s *PostgresStore) BusinessZones(ctx context.Context) ([]BusinessZone, error) {
	rows, err := s.db.WithContext(ctx).Raw(`
		SELECT b.id, COALESCE(b.name, ''), z.geo_id, COALESCE(z.name, ''), z.status, z.grace_period_end, z.expires_at
		FROM hubzone.businesses b
		JOIN hubzone.zone_designations z
		  ON z.geometry IS NOT NULL
		 AND b.principal_location IS NOT NULL
		 AND ST_Contains(z.geometry, b.principal_location)
		ORDER BY b.id, z.geo_id
	`).Rows()
	if err != nil {
		return nil, dbError("load business zones", err)
	}
	defer rows.Close()

	var out []BusinessZone
	for rows.Next() {
		var (
			bz     BusinessZone
			status string
		)
		if err := rows.Scan(&bz.BusinessID, &bz.BusinessName, &bz.GeoID, &bz.RegionName, &status, &bz.GracePeriodEnd, &bz.ExpiresAt); err != nil {
			return nil, dbError("scan business zone", err)
		}
		bz.Status = zones.ParseStatus(status)
		out = append(out, bz)
	}
	return out, dbError("iterate business zones", rows.Err())
}

func (s *PostgresStore) RecordChange(ctx context.Context, n *ZoneChangeNotification) (bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "business_id"}, {Name: "import_id"}, {Name: "geo_id"}},
			DoNothing: true,
		}).
		Create(n)
	if res.Error != nil {
		return false, dbError("record zone change", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *PostgresStore) DeleteChange(ctx context.Context, n *ZoneChangeNotification) error {
	err := s.db.WithContext(ctx).
		Where("business_id = ? AND import_id = ? AND geo_id = ?", n.BusinessID, n.ImportID, n.GeoID).
		Delete(&ZoneChangeNotification{}).Error
	return dbError("delete zone change", err)
}
