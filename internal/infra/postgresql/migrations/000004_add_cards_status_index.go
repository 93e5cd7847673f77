package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func addCardsStatusIndex() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_add_cards_status_index",
		Migrate: func(tx *gorm.DB) error {
			statements := []string{
				`CREATE INDEX IF NOT EXISTS idx_cards_status_created ON cards (status, created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_cards_owner_id ON cards (owner_id) WHERE owner_id <> ''`,
			}
			for _, sql := range statements {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			statements := []string{
				`DROP INDEX IF EXISTS idx_cards_owner_id`,
				`DROP INDEX IF EXISTS idx_cards_status_created`,
			}
			for _, sql := range statements {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
	}
}
