package chart

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"k8s.io/klog/v2"

	"github.com/romitcloud1/aai-docupdate/internal/pkg/docx"
	"github.com/romitcloud1/aai-docupdate/internal/pkg/llm"
	"github.com/romitcloud1/aai-docupdate/internal/service/inference"
)

// Placement 图表落位方式
type Placement string

const (
	PlacementReplace Placement = "replace" // 覆盖既有嵌入图片
	PlacementInsert  Placement = "insert"  // 新增图片与 drawing 片段
	PlacementOff     Placement = "off"
)

// Service 图表重绘服务
// 整条链路尽力而为：任何失败只记日志，绝不让主流程失败
type Service struct {
	client     *llm.Client
	headerZone int // 文档头部区域内的图片视为页眉/信头素材，不参与替换
}

func NewService(client *llm.Client, headerZone int) *Service {
	if headerZone <= 0 {
		headerZone = 3000
	}
	return &Service{client: client, headerZone: headerZone}
}

var (
	relationshipPattern = regexp.MustCompile(`<Relationship\s[^>]*/?>`)
	relIDAttrPattern    = regexp.MustCompile(`Id="(rId\d+)"`)
	relTargetPattern    = regexp.MustCompile(`Target="([^"]+)"`)
	relNumPattern       = regexp.MustCompile(`rId(\d+)`)
	mediaNumPattern     = regexp.MustCompile(`image(\d+)\.`)
	paragraphPattern    = regexp.MustCompile(`(?s)<w:p(?:\s[^>]*)?>.*?</w:p>`)
)

// 文件名带这些字样的图片按素材处理，永不覆盖
var excludedNameHints = []string{"logo", "header", "footer", "signature", "icon", "banner"}

const imageRelType = "http://schemas.openxmlformats.org/officeDocument/2006/relationships/image"

// Refresh 按推导出的配置比例重绘饼图并写入包
// 返回是否实际落位；失败一律吞掉，交由调用方继续主流程
func (s *Service) Refresh(ctx context.Context, pkg *docx.Package, facts *inference.AllocationFacts, placement Placement) bool {
	if facts == nil || placement == PlacementOff {
		return false
	}

	img, err := s.client.GenerateImage(ctx, pieChartPrompt(facts))
	if err != nil {
		klog.Warningf("图表图片生成失败，跳过重绘: %v", err)
		return false
	}

	if placement == PlacementInsert {
		if err := s.insertNew(pkg, facts, img); err != nil {
			klog.Warningf("图表插入失败，跳过: %v", err)
			return false
		}
		return true
	}

	if err := s.replaceInPlace(pkg, facts, img); err != nil {
		klog.V(6).Infof("未找到可覆盖的图表图片（%v），改为插入", err)
		if err := s.insertNew(pkg, facts, img); err != nil {
			klog.Warningf("图表插入失败，跳过: %v", err)
			return false
		}
	}
	return true
}

// pieChartPrompt 构造带完整视觉规格的生成提示
func pieChartPrompt(facts *inference.AllocationFacts) string {
	return fmt.Sprintf(
		"A clean flat 2D pie chart on a white background with exactly two slices: "+
			"%.1f%% labelled %q in deep blue (#1F4E79) and %.1f%% labelled %q in light grey (#BFBFBF). "+
			"Show the percentage on each slice in white bold text. Add a small legend below the chart. "+
			"No 3D effects, no shadows, no gradients, no title.",
		facts.GrowthPercent, facts.Labels[0], facts.DefensivePercent, facts.Labels[1])
}

// replaceInPlace 找到正文中最贴近配置语境的候选图片并覆盖其字节
func (s *Service) replaceInPlace(pkg *docx.Package, facts *inference.AllocationFacts, img []byte) error {
	docXML := pkg.Text(docx.DocumentPart)
	rels := parseRelationships(pkg.Text(docx.RelsPart))
	if len(rels) == 0 {
		return fmt.Errorf("no relationships found")
	}

	contextPos := allocationContextPos(docXML, facts)

	bestName := ""
	bestDist := -1
	for _, name := range pkg.MediaEntries() {
		if !isImageName(name) || isExcludedName(name) {
			continue
		}
		relID := relIDForTarget(rels, name)
		if relID == "" {
			continue
		}
		pos := strings.Index(docXML, `r:embed="`+relID+`"`)
		if pos < 0 || pos < s.headerZone {
			// 未在正文使用，或落在信头区域
			continue
		}
		dist := pos - contextPos
		if dist < 0 {
			dist = -dist
		}
		if bestDist < 0 || dist < bestDist {
			bestDist = dist
			bestName = name
		}
	}

	if bestName == "" {
		return fmt.Errorf("no replaceable embedded image")
	}

	klog.V(6).Infof("覆盖既有图表图片: %s", bestName)
	pkg.Set(bestName, img)
	return nil
}

// insertNew 注册新图片与关系，并在配置语境段落后拼接 drawing+说明段
func (s *Service) insertNew(pkg *docx.Package, facts *inference.AllocationFacts, img []byte) error {
	docXML := pkg.Text(docx.DocumentPart)
	relsXML := pkg.Text(docx.RelsPart)
	if relsXML == "" {
		return fmt.Errorf("relationship part missing")
	}

	mediaName := fmt.Sprintf("word/media/image%d.png", nextMediaIndex(pkg))
	relID := fmt.Sprintf("rId%d", nextRelNumber(relsXML))

	relEntry := fmt.Sprintf(`<Relationship Id=%q Type=%q Target=%q/>`, relID, imageRelType, strings.TrimPrefix(mediaName, "word/"))
	updatedRels := strings.Replace(relsXML, "</Relationships>", relEntry+"</Relationships>", 1)
	if updatedRels == relsXML {
		return fmt.Errorf("relationship part has no closing element")
	}

	insertAt := paragraphEndAfter(docXML, allocationContextPos(docXML, facts))
	if insertAt < 0 {
		return fmt.Errorf("no paragraph found for chart insertion")
	}

	fragment := drawingFragment(relID, facts)
	updatedDoc := docXML[:insertAt] + fragment + docXML[insertAt:]

	pkg.Set(mediaName, img)
	pkg.SetText(docx.RelsPart, updatedRels)
	pkg.SetText(docx.DocumentPart, updatedDoc)
	ensurePNGContentType(pkg)

	klog.V(6).Infof("插入新图表图片: %s, rel=%s", mediaName, relID)
	return nil
}

// allocationContextPos 定位配置语境文本在正文中的位置
// 找不到时退回正文中点，保证插入总有落点
func allocationContextPos(docXML string, facts *inference.AllocationFacts) int {
	lower := strings.ToLower(docXML)
	for _, phrase := range []string{
		"asset allocation",
		fmt.Sprintf("%s%%", trimZero(facts.GrowthPercent)),
		"allocation",
		facts.Labels[0],
	} {
		if pos := strings.Index(lower, strings.ToLower(phrase)); pos >= 0 {
			return pos
		}
	}
	return len(docXML) / 2
}

func trimZero(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// paragraphEndAfter 返回包含 pos 的段落的结束偏移
func paragraphEndAfter(docXML string, pos int) int {
	for _, loc := range paragraphPattern.FindAllStringIndex(docXML, -1) {
		if loc[0] <= pos && pos < loc[1] {
			return loc[1]
		}
		if loc[0] > pos {
			return loc[1]
		}
	}
	return -1
}

type relationship struct {
	ID     string
	Target string
}

func parseRelationships(relsXML string) []relationship {
	var out []relationship
	for _, tag := range relationshipPattern.FindAllString(relsXML, -1) {
		idMatch := relIDAttrPattern.FindStringSubmatch(tag)
		targetMatch := relTargetPattern.FindStringSubmatch(tag)
		if idMatch == nil || targetMatch == nil {
			continue
		}
		out = append(out, relationship{ID: idMatch[1], Target: targetMatch[1]})
	}
	return out
}

func relIDForTarget(rels []relationship, mediaName string) string {
	target := strings.TrimPrefix(mediaName, "word/")
	for _, rel := range rels {
		if rel.Target == target || strings.HasSuffix(rel.Target, "/"+target) {
			return rel.ID
		}
	}
	return ""
}

func isImageName(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".png") || strings.HasSuffix(lower, ".jpg") || strings.HasSuffix(lower, ".jpeg")
}

func isExcludedName(name string) bool {
	lower := strings.ToLower(name)
	for _, hint := range excludedNameHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

func nextMediaIndex(pkg *docx.Package) int {
	max := 0
	for _, name := range pkg.MediaEntries() {
		if m := mediaNumPattern.FindStringSubmatch(name); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n > max {
				max = n
			}
		}
	}
	return max + 1
}

func nextRelNumber(relsXML string) int {
	max := 0
	for _, m := range relNumPattern.FindAllStringSubmatch(relsXML, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil && n > max {
			max = n
		}
	}
	return max + 1
}

// ensurePNGContentType 确保包的内容类型声明覆盖 png
func ensurePNGContentType(pkg *docx.Package) {
	const part = "[Content_Types].xml"
	xml := pkg.Text(part)
	if xml == "" || strings.Contains(xml, `Extension="png"`) {
		return
	}
	decl := `<Default Extension="png" ContentType="image/png"/>`
	updated := strings.Replace(xml, "</Types>", decl+"</Types>", 1)
	pkg.SetText(part, updated)
}

// drawingFragment 内联图片 drawing 加一行说明段
// 说明段写明两侧比例，便于无图环境下核对
func drawingFragment(relID string, facts *inference.AllocationFacts) string {
	const cx = 4572000 // 约 12.7cm
	const cy = 3429000
	docPrID := 1000 + nextDrawingSalt(relID)

	drawing := fmt.Sprintf(
		`<w:p><w:r><w:drawing><wp:inline distT="0" distB="0" distL="0" distR="0">`+
			`<wp:extent cx="%d" cy="%d"/>`+
			`<wp:docPr id="%d" name="AllocationChart"/>`+
			`<a:graphic xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main">`+
			`<a:graphicData uri="http://schemas.openxmlformats.org/drawingml/2006/picture">`+
			`<pic:pic xmlns:pic="http://schemas.openxmlformats.org/drawingml/2006/picture">`+
			`<pic:nvPicPr><pic:cNvPr id="%d" name="AllocationChart"/><pic:cNvPicPr/></pic:nvPicPr>`+
			`<pic:blipFill><a:blip r:embed=%q/><a:stretch><a:fillRect/></a:stretch></pic:blipFill>`+
			`<pic:spPr><a:xfrm><a:off x="0" y="0"/><a:ext cx="%d" cy="%d"/></a:xfrm>`+
			`<a:prstGeom prst="rect"><a:avLst/></a:prstGeom></pic:spPr>`+
			`</pic:pic></a:graphicData></a:graphic></wp:inline></w:drawing></w:r></w:p>`,
		cx, cy, docPrID, docPrID, relID, cx, cy)

	caption := fmt.Sprintf(
		`<w:p><w:r><w:t xml:space="preserve">Asset allocation: %.1f%% %s, %.1f%% %s</w:t></w:r></w:p>`,
		facts.GrowthPercent, facts.Labels[0], facts.DefensivePercent, facts.Labels[1])

	return drawing + caption
}

func nextDrawingSalt(relID string) int {
	if m := relNumPattern.FindStringSubmatch(relID); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n
		}
	}
	return 1
}
