package repository

import (
	"context"

	"github.com/kursadbilgin/cardmail-engine/internal/domain"
	"github.com/kursadbilgin/cardmail-engine/internal/registry"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ registry.Store = (*GormCardRepo)(nil)

// GormCardRepo mirrors the card registry into Postgres.
type GormCardRepo struct {
	db *gorm.DB
}

func NewGormCardRepo(db *gorm.DB) *GormCardRepo {
	return &GormCardRepo{db: db}
}

// SaveCard upserts the full card row.
func (r *GormCardRepo) SaveCard(ctx context.Context, card domain.Card) error {
	model := cardModelFromDomain(&card)
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(model).Error
}

func (r *GormCardRepo) DeleteCard(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).
		Where("id = ?", id).
		Delete(&CardModel{}).Error
}

// AppendSent moves a card into the sent history and trims the history to limit rows.
func (r *GormCardRepo) AppendSent(ctx context.Context, card domain.Card, limit int) error {
	model := sentCardModelFromDomain(&card)

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", card.ID).Delete(&CardModel{}).Error; err != nil {
			return err
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(model).Error; err != nil {
			return err
		}
		if limit <= 0 {
			return nil
		}

		keep := tx.Model(&SentCardModel{}).
			Select("id").
			Order("sent_at DESC").
			Limit(limit)
		return tx.Where("id NOT IN (?)", keep).Delete(&SentCardModel{}).Error
	})
}

func (r *GormCardRepo) LoadPending(ctx context.Context) ([]domain.Card, error) {
	var models []CardModel
	err := r.db.WithContext(ctx).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	cards := make([]domain.Card, 0, len(models))
	for i := range models {
		cards = append(cards, *cardModelToDomain(&models[i]))
	}
	return cards, nil
}

// LoadSent returns the newest limit sent cards, oldest first.
func (r *GormCardRepo) LoadSent(ctx context.Context, limit int) ([]domain.Card, error) {
	query := r.db.WithContext(ctx).Order("sent_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var models []SentCardModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}

	cards := make([]domain.Card, 0, len(models))
	for i := len(models) - 1; i >= 0; i-- {
		cards = append(cards, *sentCardModelToDomain(&models[i]))
	}
	return cards, nil
}
