package repository

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/romitcloud1/aai-docupdate/internal/model"
)

type jobRepository struct {
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) JobRepository {
	return &jobRepository{db: db}
}

func (r *jobRepository) Create(job *model.ProcessJob) error {
	return r.db.Create(job).Error
}

func (r *jobRepository) List(limit int) ([]model.ProcessJob, error) {
	if limit <= 0 {
		limit = 50
	}
	var jobs []model.ProcessJob
	err := r.db.Order("id DESC").Limit(limit).Find(&jobs).Error
	return jobs, err
}

func (r *jobRepository) GetByJobID(jobID string) (*model.ProcessJob, error) {
	var job model.ProcessJob
	err := r.db.Where("job_id = ?", jobID).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

func (r *jobRepository) Save(job *model.ProcessJob) error {
	return r.db.Save(job).Error
}

func (r *jobRepository) MarkStatus(jobID, status, errMsg string) error {
	updates := map[string]interface{}{
		"status":     status,
		"error_msg":  errMsg,
		"updated_at": time.Now(),
	}
	if status == model.JobStatusCompleted || status == model.JobStatusFailed {
		now := time.Now()
		updates["completed_at"] = &now
	}
	return r.db.Model(&model.ProcessJob{}).
		Where("job_id = ?", jobID).
		Updates(updates).Error
}
