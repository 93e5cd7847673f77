package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/cardmail-engine/internal/repository"
	"gorm.io/gorm"
)

func createJobsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_jobs",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.JobModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.JobModel{})
		},
	}
}
