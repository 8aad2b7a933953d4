package handler

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/romitcloud1/aai-docupdate/internal/model"
	"github.com/romitcloud1/aai-docupdate/internal/pkg/llm"
	"github.com/romitcloud1/aai-docupdate/internal/repository"
	"github.com/romitcloud1/aai-docupdate/internal/service/chart"
	"github.com/romitcloud1/aai-docupdate/internal/service/orchestrator"
	"github.com/romitcloud1/aai-docupdate/internal/service/pipeline"
)

// ProcessHandler 文档处理入口
type ProcessHandler struct {
	pipeline *pipeline.Service
	jobRepo  repository.JobRepository
}

func NewProcessHandler(p *pipeline.Service, jobRepo repository.JobRepository) *ProcessHandler {
	return &ProcessHandler{pipeline: p, jobRepo: jobRepo}
}

// Process 接收指令文档与客户文档，同步执行替换流水线并回传产物
// 表单字段: instruction（单文件）、documents（一个或多个）、chart（replace/insert/off）
func (h *ProcessHandler) Process(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart form required"})
		return
	}

	instructionFiles := form.File["instruction"]
	if len(instructionFiles) != 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "exactly one instruction document is required"})
		return
	}
	documentFiles := form.File["documents"]
	if len(documentFiles) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one client document is required"})
		return
	}

	instruction, err := readUpload(instructionFiles[0])
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	documents := make([]pipeline.NamedFile, 0, len(documentFiles))
	for _, fh := range documentFiles {
		doc, err := readUpload(fh)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		documents = append(documents, doc)
	}

	placement := chart.Placement(c.DefaultPostForm("chart", string(chart.PlacementReplace)))
	switch placement {
	case chart.PlacementReplace, chart.PlacementInsert, chart.PlacementOff:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "chart must be one of replace, insert, off"})
		return
	}

	jobID := uuid.NewString()
	job := &model.ProcessJob{
		JobID:     jobID,
		Status:    model.JobStatusPending,
		FileCount: len(documents),
		ChartMode: string(placement),
	}
	if err := h.jobRepo.Create(job); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	result, err := h.pipeline.Process(c.Request.Context(), pipeline.Input{
		JobID:       jobID,
		Instruction: instruction,
		Documents:   documents,
		Chart:       placement,
	})
	if err != nil {
		status, msg := classifyError(err)
		klog.Warningf("处理失败: jobID=%s, status=%d, error=%v", jobID, status, err)
		// 流水线可能在发布任何事件之前就失败（如指令文档校验），
		// 这里兜底落库，避免任务停留在 pending
		if markErr := h.jobRepo.MarkStatus(jobID, model.JobStatusFailed, msg); markErr != nil {
			klog.Warningf("任务状态更新失败: jobID=%s, error=%v", jobID, markErr)
		}
		c.JSON(status, gin.H{"error": msg, "job_id": jobID})
		return
	}

	job.Status = model.JobStatusCompleted
	job.OutputName = result.FileName
	if err := h.jobRepo.Save(job); err != nil {
		klog.Warningf("任务记录更新失败: jobID=%s, error=%v", jobID, err)
	}

	c.Header("X-Job-Id", jobID)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.FileName))
	c.Data(http.StatusOK, result.ContentType, result.Data)
}

// classifyError 把流水线错误映射到对外状态码
// 输入问题 400，无可替换内容 422，生成能力异常 502，其余 500
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, pipeline.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, orchestrator.ErrNothingToReplace):
		return http.StatusUnprocessableEntity, "could not identify any text to replace"
	}
	var se *llm.StatusError
	if errors.As(err, &se) {
		return http.StatusBadGateway, err.Error()
	}
	return http.StatusInternalServerError, err.Error()
}

func readUpload(fh *multipart.FileHeader) (pipeline.NamedFile, error) {
	f, err := fh.Open()
	if err != nil {
		return pipeline.NamedFile{}, fmt.Errorf("failed to open upload %s", fh.Filename)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return pipeline.NamedFile{}, fmt.Errorf("failed to read upload %s", fh.Filename)
	}
	return pipeline.NamedFile{Name: fh.Filename, Data: data}, nil
}
