package rewriter

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"k8s.io/klog/v2"

	"github.com/romitcloud1/aai-docupdate/internal/service/scanner"
)

// Replacement 一条待写回的替换
type Replacement struct {
	Run     scanner.TextRun `json:"-"`
	NewText string          `json:"newText"`
}

var (
	paragraphPattern     = regexp.MustCompile(`(?s)<w:p(?:\s[^>]*)?>.*?</w:p>`)
	textElementPattern   = regexp.MustCompile(`(?s)<w:t(?:\s[^>]*)?/>|<w:t(?:\s[^>]*)?>.*?</w:t>`)
	highlightSelfPattern = regexp.MustCompile(`<w:highlight[^>]*/>`)
	highlightPairPattern = regexp.MustCompile(`(?s)<w:highlight[^>]*>.*?</w:highlight>`)
	shadingSelfPattern   = regexp.MustCompile(`<w:shd[^>]*/>`)
	shadingPairPattern   = regexp.MustCompile(`(?s)<w:shd[^>]*>.*?</w:shd>`)
	urlPattern           = regexp.MustCompile(`^(https?://|www\.)\S+$`)
)

// EscapeText 对普通文本做标准 XML 实体转义
// URL 特例：仅转义 < 和 >，保留查询串中的 &（与历史行为一致，见 DESIGN.md）
func EscapeText(text string) string {
	if urlPattern.MatchString(strings.TrimSpace(text)) {
		text = strings.ReplaceAll(text, "<", "&lt;")
		text = strings.ReplaceAll(text, ">", "&gt;")
		return text
	}
	text = strings.ReplaceAll(text, "&", "&amp;")
	text = strings.ReplaceAll(text, "<", "&lt;")
	text = strings.ReplaceAll(text, ">", "&gt;")
	text = strings.ReplaceAll(text, `"`, "&quot;")
	text = strings.ReplaceAll(text, "'", "&apos;")
	return text
}

// StripFormatting 去除片段内全部高亮与底纹标记
func StripFormatting(markup string) string {
	markup = highlightSelfPattern.ReplaceAllString(markup, "")
	markup = highlightPairPattern.ReplaceAllString(markup, "")
	markup = shadingSelfPattern.ReplaceAllString(markup, "")
	markup = shadingPairPattern.ReplaceAllString(markup, "")
	return markup
}

// Apply 把替换列表写回正文 XML
// 按扫描期记录的偏移做降序拼接，避免先行替换使后续偏移失效；
// 替换列表为空时原样返回输入
func Apply(bodyXML string, replacements []Replacement) (string, error) {
	if len(replacements) == 0 {
		return bodyXML, nil
	}

	sorted := make([]Replacement, len(replacements))
	copy(sorted, replacements)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Run.Start > sorted[j].Run.Start
	})

	result := bodyXML
	for i, rep := range sorted {
		run := rep.Run
		if run.Start < 0 || run.End > len(bodyXML) || run.Start >= run.End {
			return "", fmt.Errorf("replacement for run %d has invalid offsets [%d,%d)", run.Index, run.Start, run.End)
		}
		// 降序拼接要求各替换区间互不相交，重复/重叠的区间会切坏已写入的标记
		if i > 0 && run.End > sorted[i-1].Run.Start {
			return "", fmt.Errorf("replacement for run %d overlaps run %d at [%d,%d)", run.Index, sorted[i-1].Run.Index, run.Start, run.End)
		}
		if bodyXML[run.Start:run.End] != run.RawMarkup {
			return "", fmt.Errorf("replacement for run %d does not match document content at [%d,%d)", run.Index, run.Start, run.End)
		}
		newRun := rebuildRun(run.RawMarkup, rep.NewText)
		result = result[:run.Start] + newRun + result[run.End:]
	}

	// 第二遍：凡包含已替换文本的段落，整段去除高亮/底纹
	// 覆盖列表符号与同段未被单独选中的相邻 run
	escaped := make([]string, 0, len(sorted))
	for _, rep := range sorted {
		if rep.NewText != "" {
			escaped = append(escaped, EscapeText(rep.NewText))
		}
	}
	result = paragraphPattern.ReplaceAllStringFunc(result, func(p string) string {
		for _, e := range escaped {
			if strings.Contains(p, e) {
				return StripFormatting(p)
			}
		}
		return p
	})

	klog.V(6).Infof("XML 改写完成: replacements=%d", len(replacements))
	return result, nil
}

// rebuildRun 用新文本重建单个 run：
// 全部文本放入第一个 w:t（带 xml:space="preserve"），其余 w:t 清空，
// 并去除该 run 自身的高亮/底纹标记
func rebuildRun(runMarkup, newText string) string {
	escaped := EscapeText(newText)
	first := true
	rebuilt := textElementPattern.ReplaceAllStringFunc(runMarkup, func(string) string {
		if first {
			first = false
			return `<w:t xml:space="preserve">` + escaped + `</w:t>`
		}
		return `<w:t/>`
	})
	return StripFormatting(rebuilt)
}
