package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/romitcloud1/aai-docupdate/config"
	"github.com/romitcloud1/aai-docupdate/internal/pkg/llm"
	"github.com/romitcloud1/aai-docupdate/internal/service/rewriter"
	"github.com/romitcloud1/aai-docupdate/internal/service/scanner"
)

// ErrNothingToReplace 自动识别模式下模型未选中任何 run
// 这是可恢复的"无事可做"状态，不是失败
var ErrNothingToReplace = errors.New("could not identify any text to replace")

const submitTool = "submit_replacements"
const selectTool = "select_replacements"

// Service 替换编排器
// 分批调用生成能力，保证替换与输入段 1:1 对齐
type Service struct {
	client *llm.Client
	opts   config.ReplaceConfig
}

func NewService(client *llm.Client, opts config.ReplaceConfig) *Service {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	return &Service{client: client, opts: opts}
}

// GenerateReplacements 为每个输入段生成替换文本
// 返回值与 sections 同序同长；模型未覆盖的段回退为原文，绝不回退为空白
func (s *Service) GenerateReplacements(ctx context.Context, instruction string, sections []scanner.TextRun, aux string) ([]rewriter.Replacement, error) {
	if len(sections) == 0 {
		return nil, nil
	}

	merged := make(map[int]string, len(sections))

	batchCount := 0
	for offset := 0; offset < len(sections); offset += s.opts.BatchSize {
		end := offset + s.opts.BatchSize
		if end > len(sections) {
			end = len(sections)
		}
		batch := sections[offset:end]
		batchCount++

		if offset > 0 && s.opts.InterBatchDelay > 0 {
			// 批间停顿，压低突发限流概率
			if err := sleep(ctx, s.opts.InterBatchDelay); err != nil {
				return nil, err
			}
		}

		klog.V(6).Infof("生成批次 %d: sections=%d, offset=%d", batchCount, len(batch), offset)
		pairs, err := s.generateBatch(ctx, instruction, batch, aux)
		if err != nil {
			return nil, fmt.Errorf("batch %d failed: %w", batchCount, err)
		}

		for _, p := range pairs {
			// 模型引用的是批内 1 起始编号，换算为全局 0 起始位置
			if p.SectionNumber < 1 || p.SectionNumber > len(batch) {
				klog.Warningf("模型返回的段编号越界: number=%d, batchSize=%d, 已丢弃", p.SectionNumber, len(batch))
				continue
			}
			merged[offset+p.SectionNumber-1] = p.ReplacementText
		}
	}

	replacements := make([]rewriter.Replacement, len(sections))
	for i, sec := range sections {
		text, ok := merged[i]
		if !ok || text == "" {
			text = sec.Text
		}
		replacements[i] = rewriter.Replacement{Run: sec, NewText: text}
	}

	klog.V(6).Infof("替换生成完成: sections=%d, batches=%d, covered=%d", len(sections), batchCount, len(merged))
	return replacements, nil
}

type replacementPair struct {
	SectionNumber   int    `json:"section_number"`
	ReplacementText string `json:"replacement_text"`
}

type submitArgs struct {
	Replacements []replacementPair `json:"replacements"`
}

func (s *Service) generateBatch(ctx context.Context, instruction string, batch []scanner.TextRun, aux string) ([]replacementPair, error) {
	messages := []llm.ChatMessage{
		{Role: "system", Content: s.systemPrompt()},
		{Role: "user", Content: buildBatchPrompt(instruction, batch, aux)},
	}

	resp, err := s.callWithRetry(ctx, messages, []llm.Tool{submitReplacementsTool()}, llm.ToolChoiceFunction(submitTool))
	if err != nil {
		return nil, err
	}

	args, err := toolArguments(resp, submitTool)
	if err != nil {
		return nil, err
	}

	var parsed submitArgs
	if err := json.Unmarshal([]byte(args), &parsed); err != nil {
		return nil, fmt.Errorf("model returned malformed %s arguments: %w", submitTool, err)
	}
	return parsed.Replacements, nil
}

type selection struct {
	RunIndex        int    `json:"run_index"`
	ReplacementText string `json:"replacement_text"`
	Reason          string `json:"reason"`
}

type selectArgs struct {
	Selections []selection `json:"selections"`
}

// IdentifyReplacements 自动识别模式：文档没有任何高亮段时，
// 让模型在全部 run 中自行挑选需要替换的内容并给出理由
func (s *Service) IdentifyReplacements(ctx context.Context, instruction string, runs []scanner.TextRun, aux string) ([]rewriter.Replacement, error) {
	if len(runs) == 0 {
		return nil, ErrNothingToReplace
	}

	messages := []llm.ChatMessage{
		{Role: "system", Content: s.systemPrompt()},
		{Role: "user", Content: buildIdentifyPrompt(instruction, runs, aux)},
	}

	resp, err := s.callWithRetry(ctx, messages, []llm.Tool{selectReplacementsTool()}, llm.ToolChoiceFunction(selectTool))
	if err != nil {
		return nil, err
	}

	args, err := toolArguments(resp, selectTool)
	if err != nil {
		return nil, err
	}

	var parsed selectArgs
	if err := json.Unmarshal([]byte(args), &parsed); err != nil {
		return nil, fmt.Errorf("model returned malformed %s arguments: %w", selectTool, err)
	}

	var replacements []rewriter.Replacement
	seen := make(map[int]bool, len(parsed.Selections))
	for _, sel := range parsed.Selections {
		if sel.RunIndex < 1 || sel.RunIndex > len(runs) {
			klog.Warningf("模型选择的 run 编号越界: index=%d, runs=%d, 已丢弃", sel.RunIndex, len(runs))
			continue
		}
		if sel.ReplacementText == "" {
			continue
		}
		// 同一 run 被重复选中时只保留首次，避免对同一偏移二次拼接
		if seen[sel.RunIndex] {
			klog.Warningf("模型重复选择了 run 编号: index=%d, 已丢弃后续选择", sel.RunIndex)
			continue
		}
		seen[sel.RunIndex] = true
		run := runs[sel.RunIndex-1]
		klog.V(6).Infof("自动识别替换: run=%d, reason=%s", run.Index, sel.Reason)
		replacements = append(replacements, rewriter.Replacement{Run: run, NewText: sel.ReplacementText})
	}

	if len(replacements) == 0 {
		return nil, ErrNothingToReplace
	}
	return replacements, nil
}

// callWithRetry 带指数退避的调用
// 仅 429（限流）与 402（额度）重试；结构性失败立即上抛
func (s *Service) callWithRetry(ctx context.Context, messages []llm.ChatMessage, tools []llm.Tool, toolChoice any) (*llm.ChatResponse, error) {
	var lastErr error
	for attempt := 0; attempt < s.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := s.opts.BackoffBase * (1 << (attempt - 1))
			klog.Warningf("生成能力瞬时失败，%v 后第 %d/%d 次重试", delay, attempt+1, s.opts.MaxAttempts)
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		resp, err := s.client.ChatWithTools(ctx, messages, tools, toolChoice)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if _, retryable := llm.RetryableStatus(err); !retryable {
			return nil, err
		}
	}

	code, _ := llm.RetryableStatus(lastErr)
	switch code {
	case 402:
		return nil, fmt.Errorf("generation capability quota exhausted after %d attempts: %w", s.opts.MaxAttempts, lastErr)
	default:
		return nil, fmt.Errorf("generation capability still rate-limited after %d attempts: %w", s.opts.MaxAttempts, lastErr)
	}
}

// toolArguments 严格解析结构化响应
// 缺少预期的函数调用视为能力方违反契约，不重试
func toolArguments(resp *llm.ChatResponse, name string) (string, error) {
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("model returned no choices")
	}
	for _, call := range resp.Choices[0].Message.ToolCalls {
		if call.Function.Name == name {
			return call.Function.Arguments, nil
		}
	}
	return "", fmt.Errorf("model response missing expected %s call", name)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Service) systemPrompt() string {
	var sb strings.Builder
	sb.WriteString("You are an assistant that rewrites placeholder values inside financial client documents. Rules:\n")
	sb.WriteString("- Never change recipient or client names; they must survive verbatim.\n")
	sb.WriteString(fmt.Sprintf("- Replace any preparer or author name with %q.\n", s.opts.PreparerName))
	sb.WriteString("- Never alter any text that follows a letter-closing salutation such as 'Yours sincerely' or 'Kind regards'.\n")
	sb.WriteString("- For numbers, dates and percentages, synthesize plausible variations within domain-realistic ranges; use the market context below when relevant.\n")
	sb.WriteString("- Every replacement must differ from the original text.\n")
	sb.WriteString("- Keep each replacement close in length and register to the original.\n")
	return sb.String()
}

func buildBatchPrompt(instruction string, batch []scanner.TextRun, aux string) string {
	var sb strings.Builder
	sb.WriteString("INSTRUCTIONS FROM THE TEMPLATE DOCUMENT:\n")
	sb.WriteString(instruction)
	sb.WriteString("\n\n")
	if aux != "" {
		sb.WriteString("CURRENT MARKET CONTEXT:\n")
		sb.WriteString(aux)
		sb.WriteString("\n\n")
	}
	sb.WriteString(fmt.Sprintf("Below are %d document sections. Produce exactly one replacement per section via %s, referencing sections by their number.\n\n", len(batch), submitTool))
	for i, sec := range batch {
		sb.WriteString(fmt.Sprintf("%d. TEXT: %q\n", i+1, sec.Text))
		if sec.Context != "" {
			sb.WriteString(fmt.Sprintf("   CONTEXT: %q\n", sec.Context))
		}
	}
	return sb.String()
}

func buildIdentifyPrompt(instruction string, runs []scanner.TextRun, aux string) string {
	var sb strings.Builder
	sb.WriteString("INSTRUCTIONS FROM THE TEMPLATE DOCUMENT:\n")
	sb.WriteString(instruction)
	sb.WriteString("\n\n")
	if aux != "" {
		sb.WriteString("CURRENT MARKET CONTEXT:\n")
		sb.WriteString(aux)
		sb.WriteString("\n\n")
	}
	sb.WriteString("The document has no pre-flagged placeholders. Review every run below and select the ones that need replacement: financial figures, dates, preparer names, and anything the instructions describe. ")
	sb.WriteString(fmt.Sprintf("Report selections via %s with the run number, the replacement text and a short justification. Select nothing if nothing qualifies.\n\n", selectTool))
	for i, run := range runs {
		sb.WriteString(fmt.Sprintf("%d. TEXT: %q\n", i+1, run.Text))
		if run.Context != "" {
			sb.WriteString(fmt.Sprintf("   CONTEXT: %q\n", run.Context))
		}
	}
	return sb.String()
}

func submitReplacementsTool() llm.Tool {
	return llm.Tool{
		Type: "function",
		Function: llm.ToolFunction{
			Name:        submitTool,
			Description: "Submit one replacement per numbered section. Every section must be covered exactly once.",
			Parameters: llm.ParameterSchema{
				Type: "object",
				Properties: map[string]llm.Property{
					"replacements": {
						Type:        "array",
						Description: "One entry per section, in any order",
						Items: &llm.Property{
							Type: "object",
							Properties: map[string]llm.Property{
								"section_number": {
									Type:        "integer",
									Description: "1-based section number as listed in the prompt",
								},
								"replacement_text": {
									Type:        "string",
									Description: "The new text for this section",
								},
							},
							Required: []string{"section_number", "replacement_text"},
						},
					},
				},
				Required: []string{"replacements"},
			},
		},
	}
}

func selectReplacementsTool() llm.Tool {
	return llm.Tool{
		Type: "function",
		Function: llm.ToolFunction{
			Name:        selectTool,
			Description: "Select the runs that require replacement and provide the new text for each.",
			Parameters: llm.ParameterSchema{
				Type: "object",
				Properties: map[string]llm.Property{
					"selections": {
						Type:        "array",
						Description: "Only runs that actually need replacement",
						Items: &llm.Property{
							Type: "object",
							Properties: map[string]llm.Property{
								"run_index": {
									Type:        "integer",
									Description: "1-based run number as listed in the prompt",
								},
								"replacement_text": {
									Type:        "string",
									Description: "The new text for this run",
								},
								"reason": {
									Type:        "string",
									Description: "Short justification for replacing this run",
								},
							},
							Required: []string{"run_index", "replacement_text", "reason"},
						},
					},
				},
				Required: []string{"selections"},
			},
		},
	}
}
