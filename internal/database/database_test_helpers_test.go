package database

import (
	"fmt"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupReputationTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", t.Name())
	db, err := SetupDB(
		WithDialector(sqlite.Open(dsn)),
		WithLogger(silentLogger()),
		WithMigrations(defaultMigrations()...),
	)
	if err != nil {
		t.Fatalf("failed to open sqlite test database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql DB: %v", err)
	}
	// Shared-cache sqlite reports table locks under concurrent writers.
	sqlDB.SetMaxOpenConns(1)

	previous := DB
	t.Cleanup(func() {
		DB = previous
		_ = sqlDB.Close()
	})

	return db
}
