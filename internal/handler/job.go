package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/romitcloud1/aai-docupdate/internal/repository"
)

// JobHandler 任务查询接口
type JobHandler struct {
	jobRepo    repository.JobRepository
	changeRepo repository.ChangeRepository
}

func NewJobHandler(jobRepo repository.JobRepository, changeRepo repository.ChangeRepository) *JobHandler {
	return &JobHandler{jobRepo: jobRepo, changeRepo: changeRepo}
}

// List 最近任务列表
func (h *JobHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	jobs, err := h.jobRepo.List(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, jobs)
}

// Get 单个任务详情
func (h *JobHandler) Get(c *gin.Context) {
	job, err := h.jobRepo.GetByJobID(c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, job)
}

// GetChanges 任务的替换记录，供调用方渲染差异视图
func (h *JobHandler) GetChanges(c *gin.Context) {
	jobID := c.Param("id")
	if _, err := h.jobRepo.GetByJobID(jobID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	changes, err := h.changeRepo.GetByJobID(jobID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, changes)
}
