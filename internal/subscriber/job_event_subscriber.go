package subscriber

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/romitcloud1/aai-docupdate/internal/eventbus"
	"github.com/romitcloud1/aai-docupdate/internal/model"
	"github.com/romitcloud1/aai-docupdate/internal/repository"
)

// JobEventSubscriber 把任务事件落库：状态流转与替换记录
type JobEventSubscriber struct {
	jobRepo    repository.JobRepository
	changeRepo repository.ChangeRepository
}

func NewJobEventSubscriber(jobRepo repository.JobRepository, changeRepo repository.ChangeRepository) *JobEventSubscriber {
	return &JobEventSubscriber{jobRepo: jobRepo, changeRepo: changeRepo}
}

func (s *JobEventSubscriber) Register(bus *eventbus.Bus) {
	if bus == nil {
		return
	}
	bus.Subscribe(eventbus.JobEventStarted, s.handleStarted)
	bus.Subscribe(eventbus.JobEventFileProcessed, s.handleFileProcessed)
	bus.Subscribe(eventbus.JobEventCompleted, s.handleCompleted)
	bus.Subscribe(eventbus.JobEventFailed, s.handleFailed)
}

func (s *JobEventSubscriber) handleStarted(ctx context.Context, event eventbus.JobEvent) error {
	if event.JobID == "" {
		return fmt.Errorf("任务ID为空")
	}
	if err := s.jobRepo.MarkStatus(event.JobID, model.JobStatusRunning, ""); err != nil {
		klog.Errorf("任务事件处理失败: type=%s, jobID=%s, error=%v", event.Type, event.JobID, err)
		return err
	}
	klog.V(6).Infof("任务开始: jobID=%s", event.JobID)
	return nil
}

func (s *JobEventSubscriber) handleFileProcessed(ctx context.Context, event eventbus.JobEvent) error {
	if event.JobID == "" {
		return fmt.Errorf("任务ID为空")
	}
	changes := make([]model.ChangeRecord, 0, len(event.Changes))
	for _, c := range event.Changes {
		changes = append(changes, model.ChangeRecord{
			JobID:        event.JobID,
			FileName:     event.FileName,
			OriginalText: c.OriginalText,
			NewText:      c.NewText,
		})
	}
	if err := s.changeRepo.CreateBatch(changes); err != nil {
		klog.Errorf("替换记录落库失败: jobID=%s, file=%s, error=%v", event.JobID, event.FileName, err)
		return err
	}
	klog.V(6).Infof("文件处理完成: jobID=%s, file=%s, changes=%d", event.JobID, event.FileName, len(changes))
	return nil
}

func (s *JobEventSubscriber) handleCompleted(ctx context.Context, event eventbus.JobEvent) error {
	if event.JobID == "" {
		return fmt.Errorf("任务ID为空")
	}
	if err := s.jobRepo.MarkStatus(event.JobID, model.JobStatusCompleted, ""); err != nil {
		klog.Errorf("任务事件处理失败: type=%s, jobID=%s, error=%v", event.Type, event.JobID, err)
		return err
	}
	klog.V(6).Infof("任务完成: jobID=%s", event.JobID)
	return nil
}

func (s *JobEventSubscriber) handleFailed(ctx context.Context, event eventbus.JobEvent) error {
	if event.JobID == "" {
		return fmt.Errorf("任务ID为空")
	}
	if err := s.jobRepo.MarkStatus(event.JobID, model.JobStatusFailed, event.ErrMsg); err != nil {
		klog.Errorf("任务事件处理失败: type=%s, jobID=%s, error=%v", event.Type, event.JobID, err)
		return err
	}
	klog.V(6).Infof("任务失败已记录: jobID=%s, error=%s", event.JobID, event.ErrMsg)
	return nil
}
