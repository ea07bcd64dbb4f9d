package mapimport

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/EmpoweredVote/HZ-Backend/internal/zones"
)

var (
	ErrImportInProgress = errors.New("another map import is in progress")
	ErrRunNotFound      = errors.New("map import not found")
)

// StoredDesignation is the part of a stored designation the redesignation
// detector reads.
type StoredDesignation struct {
	GeoID          string
	State          string
	County         string
	Name           string
	Kind           zones.Kind
	Status         zones.Status
	DesignatedAt   time.Time
	RedesignatedAt *time.Time
	GracePeriodEnd *time.Time
}

// DesignationWrite is one row written by the importer.
type DesignationWrite struct {
	ID          uuid.UUID
	ImportID    uuid.UUID
	Designation zones.Designation
	GeoJSON     string // empty keeps the stored geometry
	At          time.Time
}

// BusinessZone is one business principal location that falls inside one
// stored zone, whatever the zone's status.
type BusinessZone struct {
	BusinessID     uuid.UUID
	BusinessName   string
	GeoID          string
	RegionName     string
	Status         zones.Status
	GracePeriodEnd *time.Time
	ExpiresAt      *time.Time
}

// EligibleUntil is the end of a transitional zone's eligibility: the grace
// period end when the zone was redesignated here, otherwise the expiry the
// source reported.
func (z BusinessZone) EligibleUntil() *time.Time {
	if z.GracePeriodEnd != nil {
		return z.GracePeriodEnd
	}
	return z.ExpiresAt
}

// Store is the persistent state the pipeline reads and writes.
type Store interface {
	CreateRun(ctx context.Context, run *MapImport) error
	FinishRun(ctx context.Context, run *MapImport) error
	GetRun(ctx context.Context, id uuid.UUID) (*MapImport, error)
	ListRuns(ctx context.Context, limit int) ([]MapImport, error)

	// TryLock takes the cross-process run lock. ok is false when another
	// holder has it. unlock must be called once when ok is true.
	TryLock(ctx context.Context, name string) (unlock func(), ok bool, err error)

	// LiveDesignations returns active rows plus redesignated rows whose grace
	// period ends after now.
	LiveDesignations(ctx context.Context, now time.Time) ([]StoredDesignation, error)
	StoredStatuses(ctx context.Context) (map[string]zones.Status, error)

	// Import runs fn in one transaction, committing only when fn returns nil.
	Import(ctx context.Context, fn func(tx ImportTx) error) error

	BusinessZones(ctx context.Context) ([]BusinessZone, error)

	// RecordChange inserts n unless a notification with the same business,
	// run and region exists. created reports whether a row was inserted.
	RecordChange(ctx context.Context, n *ZoneChangeNotification) (created bool, err error)
	DeleteChange(ctx context.Context, n *ZoneChangeNotification) error
}

// ImportTx is the write surface available inside Store.Import.
type ImportTx interface {
	StoredStatuses(ctx context.Context) (map[string]zones.Status, error)
	Insert(ctx context.Context, rows []DesignationWrite) error
	Update(ctx context.Context, rows []DesignationWrite) error
	Expire(ctx context.Context, importID uuid.UUID, geoIDs []string, at time.Time) error
}
