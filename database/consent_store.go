package database

import (
	"context"
	"errors"

	"careconnect-backend/consent"
	"careconnect-backend/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConsentStore keeps consent grants in Postgres.
type ConsentStore struct {
	db *gorm.DB
}

func NewConsentStore(db *gorm.DB) *ConsentStore {
	return &ConsentStore{db: db}
}

func (s *ConsentStore) Get(ctx context.Context, id string) (*models.ConsentGrant, error) {
	var g models.ConsentGrant
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&g).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, consent.ErrGrantNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *ConsentStore) Upsert(ctx context.Context, grant *models.ConsentGrant) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(grant).Error
}

func (s *ConsentStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.ConsentGrant{}).Error
}

func (s *ConsentStore) ListBySubject(ctx context.Context, subjectID string) ([]*models.ConsentGrant, error) {
	var grants []*models.ConsentGrant
	err := s.db.WithContext(ctx).
		Where("subject_id = ? AND status = ?", subjectID, models.ConsentActive).
		Find(&grants).Error
	if err != nil {
		return nil, err
	}
	return grants, nil
}
