package inference

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"k8s.io/klog/v2"

	"github.com/romitcloud1/aai-docupdate/internal/service/rewriter"
	"github.com/romitcloud1/aai-docupdate/internal/service/scanner"
)

// AllocationFacts 从替换文本反推出的资产配置比例
// 恒等式 GrowthPercent + DefensivePercent == 100 由推导过程保证
type AllocationFacts struct {
	GrowthPercent    float64  `json:"growthPercent"`
	DefensivePercent float64  `json:"defensivePercent"`
	Labels           []string `json:"labels"`
	Strategy         string   `json:"strategy"` // 命中的推导策略，便于排查
}

var (
	percentPattern         = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)
	growthDirectPattern    = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*%\s*(?:in\s+|to\s+)?(equities|equity|growth|stocks|shares)`)
	defensiveDirectPattern = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*%\s*(?:in\s+|to\s+)?(bonds|defensive|fixed income|fixed interest|cash)`)
	growthKeywords         = []string{"equities", "equity", "growth", "stocks", "shares"}
	defensiveKeywords      = []string{"bonds", "defensive", "fixed income", "fixed interest", "cash"}
)

// InferAllocation 依次套用五个策略，先命中者生效
// 任何策略都无法建立配对时返回 (nil, false)，这是预期的空路径而非错误
func InferAllocation(replacements []rewriter.Replacement, docXML string) (*AllocationFacts, bool) {
	texts := make([]string, 0, len(replacements))
	for _, rep := range replacements {
		texts = append(texts, rep.NewText)
	}

	// 策略 1：显式短语直配
	growth, growthLabel, hasGrowth := firstDirectMatch(texts, growthDirectPattern)
	defensive, defensiveLabel, hasDefensive := firstDirectMatch(texts, defensiveDirectPattern)
	if hasGrowth && hasDefensive {
		return facts(growth, defensive, growthLabel, defensiveLabel, "direct"), true
	}

	// 策略 2：同一文本块内关键词共现
	if !hasGrowth {
		growth, growthLabel, hasGrowth = contextualMatch(texts, growthKeywords)
	}
	if !hasDefensive {
		defensive, defensiveLabel, hasDefensive = contextualMatch(texts, defensiveKeywords)
	}
	if hasGrowth && hasDefensive {
		return facts(growth, defensive, growthLabel, defensiveLabel, "contextual"), true
	}

	// 策略 3：只知其一时取补数
	if hasGrowth != hasDefensive {
		if hasGrowth {
			return facts(growth, round1(100-growth), growthLabel, "", "complement"), true
		}
		return facts(round1(100-defensive), defensive, "", defensiveLabel, "complement"), true
	}

	// 策略 4：任意两个百分比近似互补（和在 100±2 内）
	// 约定较大者为增长类——对保守型组合可能猜反，保持文档化行为
	if g, d, ok := complementaryPair(allPercents(texts)); ok {
		return facts(g, d, "", "", "pair-sum"), true
	}

	// 策略 5：原文档字面兜底
	docText := scanner.ExtractText(docXML)
	growth, growthLabel, hasGrowth = firstDirectMatch([]string{docText}, growthDirectPattern)
	defensive, defensiveLabel, hasDefensive = firstDirectMatch([]string{docText}, defensiveDirectPattern)
	if hasGrowth && hasDefensive {
		return facts(growth, defensive, growthLabel, defensiveLabel, "document"), true
	}
	if hasGrowth != hasDefensive {
		if hasGrowth {
			return facts(growth, round1(100-growth), growthLabel, "", "document-complement"), true
		}
		return facts(round1(100-defensive), defensive, "", defensiveLabel, "document-complement"), true
	}

	klog.V(6).Info("未能从替换文本推导出资产配置比例，跳过图表重绘")
	return nil, false
}

func facts(growth, defensive float64, growthLabel, defensiveLabel, strategy string) *AllocationFacts {
	if growthLabel == "" {
		growthLabel = "Growth assets"
	}
	if defensiveLabel == "" {
		defensiveLabel = "Defensive assets"
	}
	f := &AllocationFacts{
		GrowthPercent:    round1(growth),
		DefensivePercent: round1(defensive),
		Labels:           []string{growthLabel, defensiveLabel},
		Strategy:         strategy,
	}
	klog.V(6).Infof("配置比例推导成功: strategy=%s, growth=%.1f, defensive=%.1f", strategy, f.GrowthPercent, f.DefensivePercent)
	return f
}

func firstDirectMatch(texts []string, pattern *regexp.Regexp) (float64, string, bool) {
	for _, text := range texts {
		if m := pattern.FindStringSubmatch(text); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil && v > 0 && v <= 100 {
				return v, strings.ToLower(m[2]), true
			}
		}
	}
	return 0, "", false
}

func contextualMatch(texts []string, keywords []string) (float64, string, bool) {
	for _, text := range texts {
		lower := strings.ToLower(text)
		keyword := ""
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				keyword = kw
				break
			}
		}
		if keyword == "" {
			continue
		}
		if m := percentPattern.FindStringSubmatch(text); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil && v > 0 && v <= 100 {
				return v, keyword, true
			}
		}
	}
	return 0, "", false
}

func allPercents(texts []string) []float64 {
	var out []float64
	for _, text := range texts {
		for _, m := range percentPattern.FindAllStringSubmatch(text, -1) {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil && v > 0 && v <= 100 {
				out = append(out, v)
			}
		}
	}
	return out
}

func complementaryPair(values []float64) (float64, float64, bool) {
	for i := 0; i < len(values); i++ {
		for j := i + 1; j < len(values); j++ {
			if math.Abs(values[i]+values[j]-100) <= 2 {
				if values[i] >= values[j] {
					return values[i], values[j], true
				}
				return values[j], values[i], true
			}
		}
	}
	return 0, 0, false
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
