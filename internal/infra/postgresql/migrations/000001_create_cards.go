package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/cardmail-engine/internal/repository"
	"gorm.io/gorm"
)

func createCardsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_cards",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.CardModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.CardModel{})
		},
	}
}
