package repository

import (
	"errors"

	"github.com/romitcloud1/aai-docupdate/internal/model"
)

// ErrNotFound 记录不存在错误
var ErrNotFound = errors.New("record not found")

type JobRepository interface {
	Create(job *model.ProcessJob) error
	List(limit int) ([]model.ProcessJob, error)
	GetByJobID(jobID string) (*model.ProcessJob, error)
	Save(job *model.ProcessJob) error
	MarkStatus(jobID, status, errMsg string) error
}

type ChangeRepository interface {
	CreateBatch(changes []model.ChangeRecord) error
	GetByJobID(jobID string) ([]model.ChangeRecord, error)
	DeleteByJobID(jobID string) error
}
