package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/romitcloud1/aai-docupdate/config"
	"github.com/romitcloud1/aai-docupdate/internal/pkg/llm"
	"github.com/romitcloud1/aai-docupdate/internal/service/scanner"
)

func testOpts() config.ReplaceConfig {
	return config.ReplaceConfig{
		BatchSize:       50,
		MaxAttempts:     5,
		BackoffBase:     time.Millisecond,
		InterBatchDelay: time.Millisecond,
		PreparerName:    "Alex Morgan",
	}
}

func testClient(serverURL string) *llm.Client {
	return &llm.Client{
		BaseURL:   serverURL,
		APIKey:    "test-key",
		Model:     "gpt-4o",
		MaxTokens: 4096,
		Client:    &http.Client{},
	}
}

func makeSections(n int) []scanner.TextRun {
	sections := make([]scanner.TextRun, n)
	for i := range sections {
		sections[i] = scanner.TextRun{
			Index: i,
			Text:  fmt.Sprintf("section-%d", i),
		}
	}
	return sections
}

// writeToolCall 按 Chat Completions 响应格式返回一个函数调用
func writeToolCall(w http.ResponseWriter, name string, args any) {
	argData, _ := json.Marshal(args)
	resp := map[string]any{
		"id":     "test-id",
		"object": "chat.completion",
		"model":  "gpt-4o",
		"choices": []map[string]any{
			{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": "",
					"tool_calls": []map[string]any{
						{
							"id":   "call_1",
							"type": "function",
							"function": map[string]any{
								"name":      name,
								"arguments": string(argData),
							},
						},
					},
				},
				"finish_reason": "tool_calls",
			},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func TestGenerateReplacementsBatching(t *testing.T) {
	var batchSizes []int

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req llm.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}

		// 从提示里数出本批的段数
		prompt := req.Messages[len(req.Messages)-1].Content
		size := strings.Count(prompt, ". TEXT:")
		batchSizes = append(batchSizes, size)

		call := len(batchSizes)
		pairs := make([]map[string]any, 0, size)
		for i := 1; i <= size; i++ {
			pairs = append(pairs, map[string]any{
				"section_number":   i,
				"replacement_text": fmt.Sprintf("new-%d-%d", call, i),
			})
		}
		writeToolCall(w, "submit_replacements", map[string]any{"replacements": pairs})
	}))
	defer server.Close()

	svc := NewService(testClient(server.URL), testOpts())
	sections := makeSections(120)

	reps, err := svc.GenerateReplacements(context.Background(), "update values", sections, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 120 段按 50 一批拆成 3 批
	if len(batchSizes) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(batchSizes))
	}
	if batchSizes[0] != 50 || batchSizes[1] != 50 || batchSizes[2] != 20 {
		t.Errorf("expected batch sizes 50/50/20, got %v", batchSizes)
	}

	if len(reps) != 120 {
		t.Fatalf("expected 120 replacements, got %d", len(reps))
	}
	for i, rep := range reps {
		call := i/50 + 1
		want := fmt.Sprintf("new-%d-%d", call, i%50+1)
		if rep.NewText != want {
			t.Fatalf("replacement %d: expected %q, got %q", i, want, rep.NewText)
		}
		if rep.Run.Index != sections[i].Index {
			t.Fatalf("replacement %d not aligned with its section", i)
		}
	}
}

func TestGenerateReplacementsFallbackToOriginal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 只覆盖第 1 段，另附一个越界编号
		writeToolCall(w, "submit_replacements", map[string]any{
			"replacements": []map[string]any{
				{"section_number": 1, "replacement_text": "covered"},
				{"section_number": 999, "replacement_text": "out-of-range"},
				{"section_number": 2, "replacement_text": ""},
			},
		})
	}))
	defer server.Close()

	svc := NewService(testClient(server.URL), testOpts())
	sections := makeSections(3)

	reps, err := svc.GenerateReplacements(context.Background(), "update", sections, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reps) != 3 {
		t.Fatalf("expected 3 replacements, got %d", len(reps))
	}
	if reps[0].NewText != "covered" {
		t.Errorf("expected covered section to use model text, got %q", reps[0].NewText)
	}
	// 空文本与未覆盖的段一律回退原文，绝不空白
	if reps[1].NewText != sections[1].Text {
		t.Errorf("expected empty replacement to fall back to original, got %q", reps[1].NewText)
	}
	if reps[2].NewText != sections[2].Text {
		t.Errorf("expected uncovered section to fall back to original, got %q", reps[2].NewText)
	}
}

func TestGenerateReplacementsEmptyInput(t *testing.T) {
	svc := NewService(testClient("http://unreachable"), testOpts())
	reps, err := svc.GenerateReplacements(context.Background(), "update", nil, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reps != nil {
		t.Errorf("expected nil result for empty input, got %v", reps)
	}
}

func TestRetryExhaustionOnRateLimit(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	svc := NewService(testClient(server.URL), testOpts())

	_, err := svc.GenerateReplacements(context.Background(), "update", makeSections(1), "")
	if err == nil {
		t.Fatal("expected error after retry exhaustion")
	}
	if hits != 5 {
		t.Errorf("expected exactly 5 attempts, got %d", hits)
	}
	if !strings.Contains(err.Error(), "rate-limited after 5 attempts") {
		t.Errorf("expected rate-limit exhaustion message, got %v", err)
	}
}

func TestRetryExhaustionOnQuota(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Error(w, `{"error":{"message":"quota exceeded"}}`, http.StatusPaymentRequired)
	}))
	defer server.Close()

	svc := NewService(testClient(server.URL), testOpts())

	_, err := svc.GenerateReplacements(context.Background(), "update", makeSections(1), "")
	if err == nil {
		t.Fatal("expected error after retry exhaustion")
	}
	if hits != 5 {
		t.Errorf("expected exactly 5 attempts, got %d", hits)
	}
	if !strings.Contains(err.Error(), "quota exhausted after 5 attempts") {
		t.Errorf("expected quota exhaustion message, got %v", err)
	}
}

func TestRetryBackoffDelays(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer server.Close()

	opts := testOpts()
	opts.BackoffBase = 20 * time.Millisecond
	svc := NewService(testClient(server.URL), opts)

	start := time.Now()
	_, err := svc.GenerateReplacements(context.Background(), "update", makeSections(1), "")
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected error")
	}
	// 指数退避 1x+2x+4x+8x = 15 倍基数
	if elapsed < 15*opts.BackoffBase {
		t.Errorf("expected at least %v of backoff, elapsed %v", 15*opts.BackoffBase, elapsed)
	}
}

func TestRetryRecoversAfterTransientFailure(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits <= 2 {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		writeToolCall(w, "submit_replacements", map[string]any{
			"replacements": []map[string]any{
				{"section_number": 1, "replacement_text": "recovered"},
			},
		})
	}))
	defer server.Close()

	svc := NewService(testClient(server.URL), testOpts())

	reps, err := svc.GenerateReplacements(context.Background(), "update", makeSections(1), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hits != 3 {
		t.Errorf("expected 3 attempts, got %d", hits)
	}
	if reps[0].NewText != "recovered" {
		t.Errorf("expected recovered replacement, got %q", reps[0].NewText)
	}
}

func TestStructuralErrorNotRetried(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	svc := NewService(testClient(server.URL), testOpts())

	_, err := svc.GenerateReplacements(context.Background(), "update", makeSections(1), "")
	if err == nil {
		t.Fatal("expected error")
	}
	// 500 不属于瞬时失败，不重试
	if hits != 1 {
		t.Errorf("expected a single attempt, got %d", hits)
	}
}

func TestMissingToolCallIsContractViolation(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		resp := map[string]any{
			"choices": []map[string]any{
				{
					"message":       map[string]any{"role": "assistant", "content": "I refuse to call tools"},
					"finish_reason": "stop",
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	svc := NewService(testClient(server.URL), testOpts())

	_, err := svc.GenerateReplacements(context.Background(), "update", makeSections(1), "")
	if err == nil {
		t.Fatal("expected error for missing tool call")
	}
	if hits != 1 {
		t.Errorf("expected no retry for contract violation, got %d attempts", hits)
	}
	if !strings.Contains(err.Error(), "missing expected submit_replacements call") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestIdentifyReplacements(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeToolCall(w, "select_replacements", map[string]any{
			"selections": []map[string]any{
				{"run_index": 2, "replacement_text": "Jordan", "reason": "preparer name"},
				{"run_index": 99, "replacement_text": "dropped", "reason": "out of range"},
				{"run_index": 1, "replacement_text": "", "reason": "empty text"},
			},
		})
	}))
	defer server.Close()

	svc := NewService(testClient(server.URL), testOpts())
	runs := makeSections(3)

	reps, err := svc.IdentifyReplacements(context.Background(), "update names", runs, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reps) != 1 {
		t.Fatalf("expected 1 valid selection, got %d", len(reps))
	}
	if reps[0].NewText != "Jordan" || reps[0].Run.Index != runs[1].Index {
		t.Errorf("unexpected selection: %+v", reps[0])
	}
}

func TestIdentifyReplacementsDropsDuplicateSelections(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeToolCall(w, "select_replacements", map[string]any{
			"selections": []map[string]any{
				{"run_index": 2, "replacement_text": "Alex Morgan", "reason": "preparer name"},
				{"run_index": 2, "replacement_text": "Jordan Lee", "reason": "preparer name again"},
				{"run_index": 3, "replacement_text": "45%", "reason": "allocation"},
			},
		})
	}))
	defer server.Close()

	svc := NewService(testClient(server.URL), testOpts())
	runs := makeSections(3)

	reps, err := svc.IdentifyReplacements(context.Background(), "update names", runs, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 重复选中的 run 只保留首次，避免下游对同一偏移二次拼接
	if len(reps) != 2 {
		t.Fatalf("expected 2 replacements after dedupe, got %d", len(reps))
	}
	if reps[0].Run.Index != runs[1].Index || reps[0].NewText != "Alex Morgan" {
		t.Errorf("expected first selection kept, got %+v", reps[0])
	}
	if reps[1].Run.Index != runs[2].Index || reps[1].NewText != "45%" {
		t.Errorf("unexpected second replacement: %+v", reps[1])
	}
}

func TestIdentifyReplacementsNothingSelected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeToolCall(w, "select_replacements", map[string]any{"selections": []map[string]any{}})
	}))
	defer server.Close()

	svc := NewService(testClient(server.URL), testOpts())

	_, err := svc.IdentifyReplacements(context.Background(), "update", makeSections(3), "")
	if !errors.Is(err, ErrNothingToReplace) {
		t.Errorf("expected ErrNothingToReplace, got %v", err)
	}

	// 空输入同样返回可恢复状态
	_, err = svc.IdentifyReplacements(context.Background(), "update", nil, "")
	if !errors.Is(err, ErrNothingToReplace) {
		t.Errorf("expected ErrNothingToReplace for empty runs, got %v", err)
	}
}

func TestPromptsCarryContextAndMarketData(t *testing.T) {
	var prompt, system string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req llm.ChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		system = req.Messages[0].Content
		prompt = req.Messages[1].Content
		writeToolCall(w, "submit_replacements", map[string]any{
			"replacements": []map[string]any{{"section_number": 1, "replacement_text": "x"}},
		})
	}))
	defer server.Close()

	svc := NewService(testClient(server.URL), testOpts())
	sections := []scanner.TextRun{{Index: 0, Text: "40%", Context: "allocated to equities"}}

	if _, err := svc.GenerateReplacements(context.Background(), "refresh the review letter", sections, "Today is 1 July 2026."); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(system, `"Alex Morgan"`) {
		t.Errorf("expected preparer name in system prompt, got %q", system)
	}
	if !strings.Contains(prompt, "refresh the review letter") {
		t.Error("expected instruction text in prompt")
	}
	if !strings.Contains(prompt, "Today is 1 July 2026.") {
		t.Error("expected market context in prompt")
	}
	if !strings.Contains(prompt, `CONTEXT: "allocated to equities"`) {
		t.Error("expected section context in prompt")
	}
}
