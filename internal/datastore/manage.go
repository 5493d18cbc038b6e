package datastore

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/quietobserver/quietobserver-go/internal/logging"
)

// performAutoMigration runs gorm's auto-migration for every entity and logs
// the outcome against the given connection description.
func performAutoMigration(db *gorm.DB, debug bool, dbType, connectionInfo string) error {
	log := logging.ForService("datastore")

	err := db.AutoMigrate(
		&Project{},
		&Frame{},
		&Detection{},
		&ModelVersion{},
		&Deployment{},
		&InferenceSession{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto-migrate %s database: %w", dbType, err)
	}

	if debug {
		log.Debug("database connection initialized",
			"db_type", dbType, "connection", connectionInfo)
	}
	return nil
}
