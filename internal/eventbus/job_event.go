package eventbus

type JobEventType string

const (
	JobEventStarted       JobEventType = "JobStarted"
	JobEventFileProcessed JobEventType = "JobFileProcessed"
	JobEventCompleted     JobEventType = "JobCompleted"
	JobEventFailed        JobEventType = "JobFailed"
)

// JobEvent 处理任务生命周期事件
type JobEvent struct {
	Type     JobEventType
	JobID    string
	FileName string
	// 单文件处理完成时携带的替换对
	Changes []ChangePair
	ErrMsg  string
}

// ChangePair 一条原文/新文对
type ChangePair struct {
	OriginalText string `json:"originalText"`
	NewText      string `json:"newText"`
}
