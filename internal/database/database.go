package database

import (
	"os"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ksred/twap-gate/internal/types"
	"github.com/ksred/twap-gate/internal/volatility"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase() (*gorm.DB, error) {
	path := os.Getenv("DATABASE_PATH")
	if path == "" {
		path = "twap-gate.db"
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate applies the schema for all engine models.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.OrderParameters{},
		&types.ExecutionState{},
		&types.FillRecord{},
		&types.AuthorizedTaker{},
		&types.EngineSettings{},
		&volatility.State{},
	)
}
