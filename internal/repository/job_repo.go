package repository

import (
	"context"
	"errors"

	"github.com/kursadbilgin/cardmail-engine/internal/domain"
	"gorm.io/gorm"
)

type GormJobRepo struct {
	db *gorm.DB
}

func NewGormJobRepo(db *gorm.DB) *GormJobRepo {
	return &GormJobRepo{db: db}
}

func (r *GormJobRepo) CreateJob(ctx context.Context, job domain.Job) error {
	return r.db.WithContext(ctx).Create(jobModelFromDomain(&job)).Error
}

func (r *GormJobRepo) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	var model JobModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return jobModelToDomain(&model), nil
}
