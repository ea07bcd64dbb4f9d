package mapimport

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Run statuses.
const (
	RunInProgress = "in_progress"
	RunCompleted  = "completed"
	RunFailed     = "failed"
)

// ZoneDesignation is the persisted designation of one region. Rows are never
// deleted; a region no longer reported moves to status expired.
type ZoneDesignation struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	GeoID          string     `gorm:"size:12;uniqueIndex;not null" json:"geo_id"`
	State          string     `gorm:"size:2;index" json:"state"`
	County         string     `gorm:"size:3" json:"county"`
	Name           string     `json:"name"`
	Kind           string     `gorm:"size:40;not null" json:"kind"`
	Status         string     `gorm:"size:20;index;not null" json:"status"`
	DesignatedAt   time.Time  `json:"designated_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Transitional   bool       `gorm:"not null;default:false" json:"transitional"`
	RedesignatedAt *time.Time `json:"redesignated_at,omitempty"`
	GracePeriodEnd *time.Time `json:"grace_period_end,omitempty"`
	Source         string     `gorm:"size:30" json:"source"`
	SourceName     string     `json:"source_name"`
	LastImportID   *uuid.UUID `gorm:"type:uuid" json:"last_import_id,omitempty"`

	// Polygon or multipolygon in WGS84, written with raw SQL only.
	Geometry *string `gorm:"type:geometry(Geometry,4326);->" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ZoneDesignation) TableName() string {
	return "hubzone.zone_designations"
}

// MapImport is the lifecycle record of one pipeline run. It is inserted when
// the run starts and updated once when it finishes.
type MapImport struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Vintage      int            `json:"vintage"`
	DryRun       bool           `gorm:"not null;default:false" json:"dry_run"`
	Status       string         `gorm:"size:20;index;not null" json:"status"`
	StartedAt    time.Time      `gorm:"index" json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Statistics   datatypes.JSON `gorm:"type:jsonb" json:"statistics,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

func (MapImport) TableName() string {
	return "hubzone.map_imports"
}

// Business is the slice of a certified firm the fanout needs.
type Business struct {
	ID   uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Name string    `json:"name"`

	// Principal office point in WGS84, written with raw SQL only.
	PrincipalLocation *string `gorm:"type:geometry(Point,4326);->" json:"-"`

	CreatedAt time.Time `json:"created_at"`
}

func (Business) TableName() string {
	return "hubzone.businesses"
}

// Alert is a message for one business, delivered downstream.
type Alert struct {
	ID         uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	BusinessID uuid.UUID      `gorm:"type:uuid;index;not null" json:"business_id"`
	Severity   string         `gorm:"size:10;not null" json:"severity"`
	Title      string         `json:"title"`
	Message    string         `json:"message"`
	Details    datatypes.JSON `gorm:"type:jsonb" json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

func (Alert) TableName() string {
	return "hubzone.alerts"
}

// ZoneChangeNotification records that a business was told about one region
// change in one run. The unique key makes replays no-ops.
type ZoneChangeNotification struct {
	ID         uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	BusinessID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:zone_change_notifications_once" json:"business_id"`
	ImportID   uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:zone_change_notifications_once" json:"import_id"`
	GeoID      string    `gorm:"size:12;not null;uniqueIndex:zone_change_notifications_once" json:"geo_id"`
	Change     string    `gorm:"size:20;not null" json:"change"`
	Severity   string    `gorm:"size:10;not null" json:"severity"`
	CreatedAt  time.Time `json:"created_at"`
}

func (ZoneChangeNotification) TableName() string {
	return "hubzone.zone_change_notifications"
}
