package repository

import (
	"time"

	"github.com/kursadbilgin/cardmail-engine/internal/domain"
)

// CardModel is the persistence model for cards that have not been sent yet.
type CardModel struct {
	ID                string                `gorm:"type:uuid;primaryKey"`
	JobID             string                `gorm:"type:uuid;not null;index"`
	OwnerID           string                `gorm:"type:varchar(255);not null;default:''"`
	FileName          string                `gorm:"type:varchar(255);not null;default:''"`
	ContentType       string                `gorm:"type:varchar(100);not null;default:''"`
	SourceImageRef    string                `gorm:"type:varchar(255);not null;default:''"`
	RawText           string                `gorm:"type:text;not null;default:''"`
	ExtractedData     *domain.ExtractedData `gorm:"type:jsonb;serializer:json"`
	EmailContent      *domain.EmailContent  `gorm:"type:jsonb;serializer:json"`
	Status            domain.Status         `gorm:"type:varchar(20);not null"`
	LastError         *domain.CardError     `gorm:"type:jsonb;serializer:json"`
	ProviderMessageID *string               `gorm:"type:varchar(255)"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (CardModel) TableName() string {
	return "cards"
}

// SentCardModel is the persistence model for the bounded sent history.
type SentCardModel struct {
	ID                string                `gorm:"type:uuid;primaryKey"`
	JobID             string                `gorm:"type:uuid;not null"`
	OwnerID           string                `gorm:"type:varchar(255);not null;default:''"`
	FileName          string                `gorm:"type:varchar(255);not null;default:''"`
	ContentType       string                `gorm:"type:varchar(100);not null;default:''"`
	RawText           string                `gorm:"type:text;not null;default:''"`
	ExtractedData     *domain.ExtractedData `gorm:"type:jsonb;serializer:json"`
	EmailContent      *domain.EmailContent  `gorm:"type:jsonb;serializer:json"`
	ProviderMessageID *string               `gorm:"type:varchar(255)"`
	SentAt            time.Time             `gorm:"type:timestamptz;not null;index"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (SentCardModel) TableName() string {
	return "sent_cards"
}

// JobModel is the persistence model for upload jobs.
type JobModel struct {
	ID        string   `gorm:"type:uuid;primaryKey"`
	CardIDs   []string `gorm:"type:jsonb;serializer:json;not null"`
	CreatedAt time.Time
}

func (JobModel) TableName() string {
	return "jobs"
}

func cardModelFromDomain(c *domain.Card) *CardModel {
	if c == nil {
		return nil
	}

	return &CardModel{
		ID:                c.ID,
		JobID:             c.JobID,
		OwnerID:           c.OwnerID,
		FileName:          c.FileName,
		ContentType:       c.ContentType,
		SourceImageRef:    c.SourceImageRef,
		RawText:           c.RawText,
		ExtractedData:     c.ExtractedData,
		EmailContent:      c.EmailContent,
		Status:            c.Status,
		LastError:         c.LastError,
		ProviderMessageID: optionalString(c.ProviderMessageID),
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
	}
}

func cardModelToDomain(m *CardModel) *domain.Card {
	if m == nil {
		return nil
	}

	card := domain.Card{
		ID:                m.ID,
		JobID:             m.JobID,
		OwnerID:           m.OwnerID,
		FileName:          m.FileName,
		ContentType:       m.ContentType,
		SourceImageRef:    m.SourceImageRef,
		RawText:           m.RawText,
		ExtractedData:     m.ExtractedData,
		EmailContent:      m.EmailContent,
		Status:            m.Status,
		LastError:         m.LastError,
		ProviderMessageID: derefString(m.ProviderMessageID),
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
	card = card.Clone()
	return &card
}

func sentCardModelFromDomain(c *domain.Card) *SentCardModel {
	if c == nil {
		return nil
	}

	sentAt := c.UpdatedAt
	if c.SentAt != nil {
		sentAt = *c.SentAt
	}

	return &SentCardModel{
		ID:                c.ID,
		JobID:             c.JobID,
		OwnerID:           c.OwnerID,
		FileName:          c.FileName,
		ContentType:       c.ContentType,
		RawText:           c.RawText,
		ExtractedData:     c.ExtractedData,
		EmailContent:      c.EmailContent,
		ProviderMessageID: optionalString(c.ProviderMessageID),
		SentAt:            sentAt,
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
	}
}

func sentCardModelToDomain(m *SentCardModel) *domain.Card {
	if m == nil {
		return nil
	}

	sentAt := m.SentAt
	card := domain.Card{
		ID:                m.ID,
		JobID:             m.JobID,
		OwnerID:           m.OwnerID,
		FileName:          m.FileName,
		ContentType:       m.ContentType,
		RawText:           m.RawText,
		ExtractedData:     m.ExtractedData,
		EmailContent:      m.EmailContent,
		Status:            domain.StatusSent,
		ProviderMessageID: derefString(m.ProviderMessageID),
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
		SentAt:            &sentAt,
	}
	card = card.Clone()
	return &card
}

func jobModelFromDomain(j *domain.Job) *JobModel {
	if j == nil {
		return nil
	}

	return &JobModel{
		ID:        j.ID,
		CardIDs:   append([]string(nil), j.CardIDs...),
		CreatedAt: j.CreatedAt,
	}
}

func jobModelToDomain(m *JobModel) *domain.Job {
	if m == nil {
		return nil
	}

	return &domain.Job{
		ID:        m.ID,
		CardIDs:   append([]string(nil), m.CardIDs...),
		CreatedAt: m.CreatedAt,
	}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
