package db

import "gorm.io/gorm"

func EnsureSchema(d *gorm.DB, schema string) error {
	return d.Exec(`CREATE SCHEMA IF NOT EXISTS "` + schema + `"`).Error
}

// EnsureExtension creates a PostgreSQL extension when it is missing.
func EnsureExtension(d *gorm.DB, name string) error {
	return d.Exec(`CREATE EXTENSION IF NOT EXISTS "` + name + `"`).Error
}
