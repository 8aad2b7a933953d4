package model

import (
	"time"
)

// 任务状态
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// ProcessJob 一次文档处理请求
type ProcessJob struct {
	ID          uint       `json:"id" gorm:"primaryKey"`
	JobID       string     `json:"job_id" gorm:"size:64;uniqueIndex"` // UUID
	Status      string     `json:"status" gorm:"size:50;default:pending"`
	FileCount   int        `json:"file_count" gorm:"default:0"`
	ChartMode   string     `json:"chart_mode" gorm:"size:20"`
	OutputName  string     `json:"output_name" gorm:"size:255"`
	ErrorMsg    string     `json:"error_msg" gorm:"size:2000"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// ChangeRecord 单条替换记录，用于向调用方呈现差异视图
type ChangeRecord struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	JobID        string    `json:"job_id" gorm:"size:64;index;not null"`
	FileName     string    `json:"file_name" gorm:"size:255;not null"`
	OriginalText string    `json:"original_text" gorm:"type:text"`
	NewText      string    `json:"new_text" gorm:"type:text"`
	CreatedAt    time.Time `json:"created_at"`
}
