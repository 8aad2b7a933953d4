package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/romitcloud1/aai-docupdate/internal/eventbus"
	"github.com/romitcloud1/aai-docupdate/internal/pkg/docx"
	"github.com/romitcloud1/aai-docupdate/internal/service/chart"
	"github.com/romitcloud1/aai-docupdate/internal/service/inference"
	"github.com/romitcloud1/aai-docupdate/internal/service/orchestrator"
	"github.com/romitcloud1/aai-docupdate/internal/service/rewriter"
	"github.com/romitcloud1/aai-docupdate/internal/service/scanner"
)

// ErrInvalidInput 输入文件不合法（缺失、非 ZIP、缺少必需部件）
var ErrInvalidInput = errors.New("invalid input")

// NamedFile 一个带文件名的上传文件
type NamedFile struct {
	Name string
	Data []byte
}

// Input 一次处理请求
type Input struct {
	JobID       string
	Instruction NamedFile
	Documents   []NamedFile
	Chart       chart.Placement
}

// FileChanges 单个文件的替换清单
type FileChanges struct {
	FileName string                `json:"fileName"`
	Changes  []eventbus.ChangePair `json:"changes"`
}

// Result 处理产物
type Result struct {
	FileName    string
	ContentType string
	Data        []byte
	ChangeLog   []FileChanges
}

// Service 顶层流水线：装载包、提取指令、扫描、编排、改写、推导、重绘、序列化
// 单个请求内全部状态由本次调用独占，阶段间显式传递
type Service struct {
	orch   *orchestrator.Service
	charts *chart.Service
	market MarketProvider
	bus    *eventbus.Bus
}

// MarketProvider 行情文本提供方
type MarketProvider interface {
	Snapshot(ctx context.Context) string
}

func NewService(orch *orchestrator.Service, charts *chart.Service, market MarketProvider, bus *eventbus.Bus) *Service {
	return &Service{orch: orch, charts: charts, market: market, bus: bus}
}

// Process 执行整条流水线
// 任一文档失败则整个请求失败，不产出部分结果
func (s *Service) Process(ctx context.Context, input Input) (*Result, error) {
	if len(input.Documents) == 0 {
		return nil, fmt.Errorf("%w: no client documents uploaded", ErrInvalidInput)
	}

	instruction, err := s.extractInstruction(input.Instruction)
	if err != nil {
		return nil, err
	}

	aux := ""
	if s.market != nil {
		aux = s.market.Snapshot(ctx)
	}

	s.publish(ctx, eventbus.JobEvent{Type: eventbus.JobEventStarted, JobID: input.JobID})

	var (
		outputs   []NamedFile
		changeLog []FileChanges
	)
	for _, doc := range input.Documents {
		processed, changes, err := s.processDocument(ctx, instruction, aux, doc, input.Chart)
		if err != nil {
			s.publish(ctx, eventbus.JobEvent{Type: eventbus.JobEventFailed, JobID: input.JobID, ErrMsg: err.Error()})
			return nil, fmt.Errorf("processing %s: %w", doc.Name, err)
		}
		outputs = append(outputs, processed)
		changeLog = append(changeLog, FileChanges{FileName: doc.Name, Changes: changes})
		s.publish(ctx, eventbus.JobEvent{
			Type:     eventbus.JobEventFileProcessed,
			JobID:    input.JobID,
			FileName: doc.Name,
			Changes:  changes,
		})
	}

	result, err := assembleResult(outputs, changeLog)
	if err != nil {
		s.publish(ctx, eventbus.JobEvent{Type: eventbus.JobEventFailed, JobID: input.JobID, ErrMsg: err.Error()})
		return nil, err
	}

	s.publish(ctx, eventbus.JobEvent{Type: eventbus.JobEventCompleted, JobID: input.JobID})
	return result, nil
}

// extractInstruction 从指令文档中抽取提示文本
func (s *Service) extractInstruction(file NamedFile) (string, error) {
	if len(file.Data) == 0 {
		return "", fmt.Errorf("%w: instruction document missing", ErrInvalidInput)
	}
	pkg, err := docx.LoadDocument(file.Data)
	if err != nil {
		return "", fmt.Errorf("%w: instruction document: %v", ErrInvalidInput, err)
	}
	text := scanner.ExtractText(pkg.Text(docx.DocumentPart))
	if text == "" {
		return "", fmt.Errorf("%w: instruction document contains no text", ErrInvalidInput)
	}
	return text, nil
}

// processDocument 处理单个客户文档
func (s *Service) processDocument(ctx context.Context, instruction, aux string, doc NamedFile, placement chart.Placement) (NamedFile, []eventbus.ChangePair, error) {
	pkg, err := docx.LoadDocument(doc.Data)
	if err != nil {
		return NamedFile{}, nil, fmt.Errorf("%w: %s: %v", ErrInvalidInput, doc.Name, err)
	}

	docXML := pkg.Text(docx.DocumentPart)

	sections := scanner.ScanRuns(docXML, scanner.ModeHighlighted)
	var replacements []rewriter.Replacement
	if len(sections) > 0 {
		klog.V(6).Infof("按高亮段处理: file=%s, sections=%d", doc.Name, len(sections))
		replacements, err = s.orch.GenerateReplacements(ctx, instruction, sections, aux)
	} else {
		// 无高亮段，进入自动识别模式
		allRuns := scanner.ScanRuns(docXML, scanner.ModeAll)
		if len(allRuns) == 0 {
			return NamedFile{}, nil, orchestrator.ErrNothingToReplace
		}
		klog.V(6).Infof("自动识别模式: file=%s, runs=%d", doc.Name, len(allRuns))
		replacements, err = s.orch.IdentifyReplacements(ctx, instruction, allRuns, aux)
	}
	if err != nil {
		return NamedFile{}, nil, err
	}

	newXML, err := rewriter.Apply(docXML, replacements)
	if err != nil {
		return NamedFile{}, nil, fmt.Errorf("rewrite failed: %w", err)
	}
	pkg.SetText(docx.DocumentPart, newXML)

	// 图表重绘是增强项，失败不影响主产出
	if s.charts != nil && placement != chart.PlacementOff {
		if facts, ok := inference.InferAllocation(replacements, docXML); ok {
			s.charts.Refresh(ctx, pkg, facts, placement)
		}
		if series, ok := inference.InferPerformance(replacements); ok {
			s.charts.RefreshPerformance(ctx, pkg, series)
		}
	}

	data, err := pkg.Serialize()
	if err != nil {
		return NamedFile{}, nil, err
	}

	var changes []eventbus.ChangePair
	for _, rep := range replacements {
		if rep.NewText != rep.Run.Text {
			changes = append(changes, eventbus.ChangePair{
				OriginalText: rep.Run.Text,
				NewText:      rep.NewText,
			})
		}
	}

	return NamedFile{Name: OutputName(doc.Name), Data: data}, changes, nil
}

// assembleResult 单文件直接返回 docx，多文件打包为 ZIP 并附 changelog.json
func assembleResult(outputs []NamedFile, changeLog []FileChanges) (*Result, error) {
	if len(outputs) == 1 {
		return &Result{
			FileName:    outputs[0].Name,
			ContentType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
			Data:        outputs[0].Data,
			ChangeLog:   changeLog,
		}, nil
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, out := range outputs {
		w, err := zw.Create(out.Name)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(out.Data); err != nil {
			return nil, err
		}
	}

	logData, err := json.MarshalIndent(changeLog, "", "  ")
	if err != nil {
		return nil, err
	}
	w, err := zw.Create("changelog.json")
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(logData); err != nil {
		return nil, err
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}

	return &Result{
		FileName:    fmt.Sprintf("documents-updated-%s.zip", time.Now().Format("2006-01-02")),
		ContentType: "application/zip",
		Data:        buf.Bytes(),
		ChangeLog:   changeLog,
	}, nil
}

// OutputName 生成带原始基名与当前日期的输出文件名
func OutputName(original string) string {
	base := strings.TrimSuffix(filepath.Base(original), filepath.Ext(original))
	if base == "" {
		base = "document"
	}
	return fmt.Sprintf("%s-updated-%s.docx", base, time.Now().Format("2006-01-02"))
}

func (s *Service) publish(ctx context.Context, event eventbus.JobEvent) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, event); err != nil {
		klog.Warningf("事件发布失败: type=%s, jobID=%s, error=%v", event.Type, event.JobID, err)
	}
}
