package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/cardmail-engine/internal/repository"
	"gorm.io/gorm"
)

func createSentCardsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_sent_cards",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.SentCardModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.SentCardModel{})
		},
	}
}
