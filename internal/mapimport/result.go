package mapimport

import "github.com/google/uuid"

// ImportStats counts what one import wrote, or would write in a dry run.
type ImportStats struct {
	New               int `json:"new"`
	Updated           int `json:"updated"`
	Expired           int `json:"expired"`
	TotalActive       int `json:"total_active"`
	TotalTransitional int `json:"total_transitional"`
}

// ImportStatistics is the per-step breakdown stored with the run.
type ImportStatistics struct {
	ImportStats

	Regions        int `json:"regions"`
	Designations   int `json:"designations"`
	Qualified      int `json:"qualified"`
	Redesignations int `json:"redesignations"`
	Merged         int `json:"merged"`
	Notifications  int `json:"notifications"`
}

// MapImportResult is what RunImport reports. It is always populated, also
// when the run failed.
type MapImportResult struct {
	Success               bool             `json:"success"`
	ImportID              uuid.UUID        `json:"import_id"`
	DryRun                bool             `json:"dry_run"`
	Statistics            ImportStatistics `json:"statistics"`
	Errors                []string         `json:"errors"`
	Warnings              []string         `json:"warnings"`
	AffectedBusinessCount int              `json:"affected_business_count"`
}
