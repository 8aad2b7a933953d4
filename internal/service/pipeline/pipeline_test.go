package pipeline

import (
	"archive/zip"
	"bytes"
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
	"github.com/romitcloud1/aai-docupdate/internal/eventbus"
	"github.com/romitcloud1/aai-docupdate/internal/pkg/docx"
	"github.com/romitcloud1/aai-docupdate/internal/pkg/llm"
	"github.com/romitcloud1/aai-docupdate/internal/service/chart"
	"github.com/romitcloud1/aai-docupdate/internal/service/orchestrator"
	"github.com/romitcloud1/aai-docupdate/internal/service/scanner"
)

func buildDocx(t *testing.T, bodyXML string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	entries := []struct{ name, data string }{
		{"[Content_Types].xml", `<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types"></Types>`},
		{docx.RelsPart, `<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships"></Relationships>`},
		{docx.DocumentPart, `<w:document><w:body>` + bodyXML + `</w:body></w:document>`},
	}
	for _, e := range entries {
		w, err := zw.Create(e.name)
		if err != nil {
			t.Fatalf("failed to build docx fixture: %v", err)
		}
		w.Write([]byte(e.data))
	}
	zw.Close()
	return buf.Bytes()
}

func instructionDoc(t *testing.T) NamedFile {
	t.Helper()
	data := buildDocx(t, `<w:p><w:r><w:t>Refresh this annual review letter with current plausible figures.</w:t></w:r></w:p>`)
	return NamedFile{Name: "instruction.docx", Data: data}
}

func highlightedDoc(t *testing.T, name string) NamedFile {
	t.Helper()
	body := `<w:p><w:r><w:t>Dear </w:t></w:r>` +
		`<w:r><w:rPr><w:highlight w:val="yellow"/></w:rPr><w:t>Roshan</w:t></w:r></w:p>` +
		`<w:p><w:r><w:t>Your growth allocation is </w:t></w:r>` +
		`<w:r><w:rPr><w:shd w:val="clear" w:fill="FFFF00"/></w:rPr><w:t>40%</w:t></w:r></w:p>`
	return NamedFile{Name: name, Data: buildDocx(t, body)}
}

// llmServer 按请求携带的工具名路由到对应的预置响应
func llmServer(t *testing.T, submit, selects []map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req llm.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode chat request: %v", err)
		}
		if len(req.Tools) == 0 {
			t.Error("expected tools in request")
			return
		}

		var name string
		var args any
		switch req.Tools[0].Function.Name {
		case "submit_replacements":
			name = "submit_replacements"
			args = map[string]any{"replacements": submit}
		case "select_replacements":
			name = "select_replacements"
			args = map[string]any{"selections": selects}
		default:
			t.Errorf("unexpected tool: %s", req.Tools[0].Function.Name)
			return
		}

		argData, _ := json.Marshal(args)
		resp := map[string]any{
			"choices": []map[string]any{
				{
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
	}))
}

func testPipeline(serverURL string, bus *eventbus.Bus) *Service {
	client := &llm.Client{
		BaseURL:   serverURL,
		APIKey:    "test-key",
		Model:     "gpt-4o",
		MaxTokens: 4096,
		Client:    &http.Client{},
	}
	orch := orchestrator.NewService(client, config.ReplaceConfig{
		BatchSize:    50,
		MaxAttempts:  2,
		BackoffBase:  time.Millisecond,
		PreparerName: "Alex Morgan",
	})
	return NewService(orch, nil, stubMarket{}, bus)
}

type stubMarket struct{}

func (stubMarket) Snapshot(ctx context.Context) string {
	return "Today is 1 July 2026. Markets broadly flat."
}

func TestProcessHighlightedDocument(t *testing.T) {
	server := llmServer(t, []map[string]any{
		{"section_number": 1, "replacement_text": "Roshan"},
		{"section_number": 2, "replacement_text": "45%"},
	}, nil)
	defer server.Close()

	bus := eventbus.NewBus()
	var events []eventbus.JobEventType
	for _, et := range []eventbus.JobEventType{
		eventbus.JobEventStarted, eventbus.JobEventFileProcessed,
		eventbus.JobEventCompleted, eventbus.JobEventFailed,
	} {
		et := et
		bus.Subscribe(et, func(ctx context.Context, event eventbus.JobEvent) error {
			events = append(events, et)
			return nil
		})
	}

	svc := testPipeline(server.URL, bus)
	result, err := svc.Process(context.Background(), Input{
		JobID:       "job-1",
		Instruction: instructionDoc(t),
		Documents:   []NamedFile{highlightedDoc(t, "review.docx")},
		Chart:       chart.PlacementOff,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.ContentType != "application/vnd.openxmlformats-officedocument.wordprocessingml.document" {
		t.Errorf("unexpected content type: %s", result.ContentType)
	}
	if !strings.HasPrefix(result.FileName, "review-updated-") || !strings.HasSuffix(result.FileName, ".docx") {
		t.Errorf("unexpected output name: %s", result.FileName)
	}

	pkg, err := docx.LoadDocument(result.Data)
	if err != nil {
		t.Fatalf("output is not a valid docx: %v", err)
	}
	docXML := pkg.Text(docx.DocumentPart)
	text := scanner.ExtractText(docXML)
	if !strings.Contains(text, "Roshan") {
		t.Error("expected recipient name preserved")
	}
	if !strings.Contains(text, "45%") || strings.Contains(text, "40%") {
		t.Errorf("expected percentage replaced, got %q", text)
	}
	if strings.Contains(docXML, "<w:highlight") || strings.Contains(docXML, "<w:shd") {
		t.Error("expected highlight markers stripped from output")
	}

	// 替换清单只含真正变化的段
	if len(result.ChangeLog) != 1 {
		t.Fatalf("expected 1 file in change log, got %d", len(result.ChangeLog))
	}
	changes := result.ChangeLog[0].Changes
	if len(changes) != 1 || changes[0].OriginalText != "40%" || changes[0].NewText != "45%" {
		t.Errorf("unexpected change log: %+v", changes)
	}

	want := []eventbus.JobEventType{eventbus.JobEventStarted, eventbus.JobEventFileProcessed, eventbus.JobEventCompleted}
	if len(events) != len(want) {
		t.Fatalf("expected events %v, got %v", want, events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("expected event %d to be %s, got %s", i, want[i], events[i])
		}
	}
}

func TestProcessAutoDetectNothingToReplace(t *testing.T) {
	server := llmServer(t, nil, []map[string]any{})
	defer server.Close()

	svc := testPipeline(server.URL, eventbus.NewBus())
	plain := NamedFile{Name: "plain.docx", Data: buildDocx(t, `<w:p><w:r><w:t>Nothing variable here.</w:t></w:r></w:p>`)}

	_, err := svc.Process(context.Background(), Input{
		JobID:       "job-2",
		Instruction: instructionDoc(t),
		Documents:   []NamedFile{plain},
		Chart:       chart.PlacementOff,
	})
	if !errors.Is(err, orchestrator.ErrNothingToReplace) {
		t.Errorf("expected ErrNothingToReplace, got %v", err)
	}
}

func TestProcessAutoDetectSelectsRuns(t *testing.T) {
	server := llmServer(t, nil, []map[string]any{
		{"run_index": 2, "replacement_text": "Alex Morgan", "reason": "preparer name"},
	})
	defer server.Close()

	svc := testPipeline(server.URL, eventbus.NewBus())
	body := `<w:p><w:r><w:t>Prepared by </w:t></w:r><w:r><w:t>Dana Smith</w:t></w:r></w:p>`
	doc := NamedFile{Name: "letter.docx", Data: buildDocx(t, body)}

	result, err := svc.Process(context.Background(), Input{
		JobID:       "job-3",
		Instruction: instructionDoc(t),
		Documents:   []NamedFile{doc},
		Chart:       chart.PlacementOff,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pkg, err := docx.LoadDocument(result.Data)
	if err != nil {
		t.Fatalf("output is not a valid docx: %v", err)
	}
	text := scanner.ExtractText(pkg.Text(docx.DocumentPart))
	if !strings.Contains(text, "Alex Morgan") || strings.Contains(text, "Dana Smith") {
		t.Errorf("expected preparer name replaced, got %q", text)
	}
}

func TestProcessMultipleDocumentsAsZip(t *testing.T) {
	server := llmServer(t, []map[string]any{
		{"section_number": 1, "replacement_text": "Jordan"},
		{"section_number": 2, "replacement_text": "45%"},
	}, nil)
	defer server.Close()

	svc := testPipeline(server.URL, eventbus.NewBus())
	result, err := svc.Process(context.Background(), Input{
		JobID:       "job-4",
		Instruction: instructionDoc(t),
		Documents: []NamedFile{
			highlightedDoc(t, "first.docx"),
			highlightedDoc(t, "second.docx"),
		},
		Chart: chart.PlacementOff,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.ContentType != "application/zip" {
		t.Errorf("expected zip content type, got %s", result.ContentType)
	}

	zr, err := zip.NewReader(bytes.NewReader(result.Data), int64(len(result.Data)))
	if err != nil {
		t.Fatalf("output is not a valid zip: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range zr.File {
		names[f.Name] = true
	}
	for _, want := range []string{"changelog.json"} {
		if !names[want] {
			t.Errorf("expected %s in zip, got %v", want, names)
		}
	}
	updated := 0
	for name := range names {
		if strings.Contains(name, "-updated-") && strings.HasSuffix(name, ".docx") {
			updated++
		}
	}
	if updated != 2 {
		t.Errorf("expected 2 updated documents in zip, got %d", updated)
	}
	if len(result.ChangeLog) != 2 {
		t.Errorf("expected change log for both files, got %d", len(result.ChangeLog))
	}
}

func TestProcessInvalidInstruction(t *testing.T) {
	svc := testPipeline("http://unreachable", eventbus.NewBus())

	// 非 ZIP
	_, err := svc.Process(context.Background(), Input{
		JobID:       "job-5",
		Instruction: NamedFile{Name: "bad.docx", Data: []byte("not a zip")},
		Documents:   []NamedFile{highlightedDoc(t, "doc.docx")},
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for non-zip instruction, got %v", err)
	}

	// 无文本
	empty := NamedFile{Name: "empty.docx", Data: buildDocx(t, `<w:p></w:p>`)}
	_, err = svc.Process(context.Background(), Input{
		JobID:       "job-6",
		Instruction: empty,
		Documents:   []NamedFile{highlightedDoc(t, "doc.docx")},
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for empty instruction, got %v", err)
	}

	// 缺客户文档
	_, err = svc.Process(context.Background(), Input{
		JobID:       "job-7",
		Instruction: instructionDoc(t),
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput without documents, got %v", err)
	}
}

func TestProcessFailureEmitsFailedEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	bus := eventbus.NewBus()
	failed := false
	bus.Subscribe(eventbus.JobEventFailed, func(ctx context.Context, event eventbus.JobEvent) error {
		failed = true
		return nil
	})

	svc := testPipeline(server.URL, bus)
	_, err := svc.Process(context.Background(), Input{
		JobID:       "job-8",
		Instruction: instructionDoc(t),
		Documents:   []NamedFile{highlightedDoc(t, "doc.docx")},
		Chart:       chart.PlacementOff,
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !failed {
		t.Error("expected failed event to be published")
	}
}

func TestOutputName(t *testing.T) {
	date := time.Now().Format("2006-01-02")
	if got := OutputName("annual review.docx"); got != fmt.Sprintf("annual review-updated-%s.docx", date) {
		t.Errorf("unexpected output name: %s", got)
	}
	if got := OutputName(".docx"); got != fmt.Sprintf("document-updated-%s.docx", date) {
		t.Errorf("expected fallback base name, got %s", got)
	}
}
