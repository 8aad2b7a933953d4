package repository

import (
	"gorm.io/gorm"

	"github.com/romitcloud1/aai-docupdate/internal/model"
)

type changeRepository struct {
	db *gorm.DB
}

func NewChangeRepository(db *gorm.DB) ChangeRepository {
	return &changeRepository{db: db}
}

func (r *changeRepository) CreateBatch(changes []model.ChangeRecord) error {
	if len(changes) == 0 {
		return nil
	}
	return r.db.Create(&changes).Error
}

func (r *changeRepository) GetByJobID(jobID string) ([]model.ChangeRecord, error) {
	var changes []model.ChangeRecord
	err := r.db.Where("job_id = ?", jobID).
		Order("id").
		Find(&changes).Error
	return changes, err
}

func (r *changeRepository) DeleteByJobID(jobID string) error {
	return r.db.Where("job_id = ?", jobID).Delete(&model.ChangeRecord{}).Error
}
