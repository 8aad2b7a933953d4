package scanner

import (
	"regexp"
	"strings"

	"k8s.io/klog/v2"
)

// Mode 扫描模式
type Mode int

const (
	// ModeHighlighted 仅返回带高亮/底纹标记的非空 run
	ModeHighlighted Mode = iota
	// ModeAll 返回全部非空 run（自动识别模式使用）
	ModeAll
)

// TextRun 文档正文中的一个文本 run
// Index/Start/End 是扫描期分配的稳定标识，改写阶段据此定位，
// 不再依赖对原始片段做字面重匹配
type TextRun struct {
	Index       int    `json:"index"`     // 文档序全局下标
	Paragraph   int    `json:"paragraph"` // 所属段落下标
	Start       int    `json:"-"`         // 在正文 XML 中的起始字节偏移
	End         int    `json:"-"`         // 结束字节偏移（开区间）
	Text        string `json:"text"`
	Context     string `json:"context"` // 此前最多 5 个非空 run 文本，空格连接
	RawMarkup   string `json:"-"`
	Highlighted bool   `json:"highlighted"`
}

const contextWindow = 10
const contextTake = 5

var (
	runPattern       = regexp.MustCompile(`(?s)<w:r(?:\s[^>]*)?>.*?</w:r>`)
	paragraphPattern = regexp.MustCompile(`(?s)<w:p(?:\s[^>]*)?>.*?</w:p>`)
	textPattern      = regexp.MustCompile(`(?s)<w:t(?:\s[^>]*)?>(.*?)</w:t>`)
)

// ExtractText 提取 XML 中全部文本节点内容，按文档序以单个空格连接
// 不做实体解码，消费方需要明文时自行处理
func ExtractText(xml string) string {
	matches := textPattern.FindAllStringSubmatch(xml, -1)
	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		if m[1] != "" {
			parts = append(parts, m[1])
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// RunText 拼接单个 run 内全部文本节点内容
func RunText(runMarkup string) string {
	matches := textPattern.FindAllStringSubmatch(runMarkup, -1)
	var sb strings.Builder
	for _, m := range matches {
		sb.WriteString(m[1])
	}
	return sb.String()
}

// IsHighlighted 判断 run 内是否存在高亮或底纹格式标记
// 自闭合与带子元素两种写法都算
func IsHighlighted(runMarkup string) bool {
	return strings.Contains(runMarkup, "<w:highlight") || strings.Contains(runMarkup, "<w:shd")
}

// ScanRuns 按文档序扫描正文 XML 中的全部 run
// 上下文窗口在所有非空 run 上滑动，与返回过滤无关
func ScanRuns(bodyXML string, mode Mode) []TextRun {
	paragraphs := paragraphPattern.FindAllStringIndex(bodyXML, -1)
	runLocs := runPattern.FindAllStringIndex(bodyXML, -1)

	var (
		result []TextRun
		buffer []string
		pIdx   int
	)

	for i, loc := range runLocs {
		markup := bodyXML[loc[0]:loc[1]]
		text := RunText(markup)

		// 推进段落游标到包含当前 run 的段落
		for pIdx < len(paragraphs) && paragraphs[pIdx][1] <= loc[0] {
			pIdx++
		}
		paragraph := -1
		if pIdx < len(paragraphs) && paragraphs[pIdx][0] <= loc[0] {
			paragraph = pIdx
		}

		if strings.TrimSpace(text) == "" {
			// 空 run 只是结构标记，跳过且不进上下文
			continue
		}

		run := TextRun{
			Index:       i,
			Paragraph:   paragraph,
			Start:       loc[0],
			End:         loc[1],
			Text:        text,
			Context:     lastContext(buffer),
			RawMarkup:   markup,
			Highlighted: IsHighlighted(markup),
		}

		// 先记录上下文，再把自身压入缓冲
		buffer = append(buffer, text)
		if len(buffer) > contextWindow {
			buffer = buffer[len(buffer)-contextWindow:]
		}

		if mode == ModeHighlighted && !run.Highlighted {
			continue
		}
		result = append(result, run)
	}

	klog.V(6).Infof("run 扫描完成: mode=%d, total=%d, selected=%d", mode, len(runLocs), len(result))
	return result
}

func lastContext(buffer []string) string {
	if len(buffer) == 0 {
		return ""
	}
	start := len(buffer) - contextTake
	if start < 0 {
		start = 0
	}
	return strings.Join(buffer[start:], " ")
}
