package chart

import (
	"context"
	"fmt"
	"strings"

	"k8s.io/klog/v2"

	"github.com/romitcloud1/aai-docupdate/internal/pkg/docx"
	"github.com/romitcloud1/aai-docupdate/internal/service/inference"
)

// RefreshPerformance 基于重建的业绩序列插入一张曲线图
// 序列本身是插值近似，此图仅作示意；任何失败直接跳过
func (s *Service) RefreshPerformance(ctx context.Context, pkg *docx.Package, series *inference.PerformanceSeries) bool {
	if series == nil || len(series.Points) == 0 {
		return false
	}

	img, err := s.client.GenerateImage(ctx, lineChartPrompt(series))
	if err != nil {
		klog.Warningf("业绩图生成失败，跳过: %v", err)
		return false
	}

	docXML := pkg.Text(docx.DocumentPart)
	relsXML := pkg.Text(docx.RelsPart)
	if relsXML == "" {
		klog.Warningf("业绩图插入失败: 关系部件缺失")
		return false
	}

	mediaName := fmt.Sprintf("word/media/image%d.png", nextMediaIndex(pkg))
	relID := fmt.Sprintf("rId%d", nextRelNumber(relsXML))

	relEntry := fmt.Sprintf(`<Relationship Id=%q Type=%q Target=%q/>`, relID, imageRelType, strings.TrimPrefix(mediaName, "word/"))
	updatedRels := strings.Replace(relsXML, "</Relationships>", relEntry+"</Relationships>", 1)
	if updatedRels == relsXML {
		klog.Warningf("业绩图插入失败: 关系部件无闭合元素")
		return false
	}

	pos := strings.Index(strings.ToLower(docXML), "performance")
	if pos < 0 {
		pos = len(docXML) / 2
	}
	insertAt := paragraphEndAfter(docXML, pos)
	if insertAt < 0 {
		klog.Warningf("业绩图插入失败: 未找到落点段落")
		return false
	}

	fragment := performanceDrawingFragment(relID, series)
	pkg.Set(mediaName, img)
	pkg.SetText(docx.RelsPart, updatedRels)
	pkg.SetText(docx.DocumentPart, docXML[:insertAt]+fragment+docXML[insertAt:])
	ensurePNGContentType(pkg)

	klog.V(6).Infof("插入业绩曲线图: %s, rel=%s, points=%d", mediaName, relID, len(series.Points))
	return true
}

func lineChartPrompt(series *inference.PerformanceSeries) string {
	var sb strings.Builder
	sb.WriteString("A clean flat 2D line chart on a white background showing portfolio value over time. ")
	sb.WriteString("Single deep blue (#1F4E79) line with small round markers, light horizontal gridlines, no 3D effects, no title. Data points: ")
	for i, p := range series.Points {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%s = $%.0f", p.Label, p.Value))
	}
	sb.WriteString(".")
	return sb.String()
}

func performanceDrawingFragment(relID string, series *inference.PerformanceSeries) string {
	const cx = 5486400 // 约 15.2cm
	const cy = 3200400
	docPrID := 2000 + nextDrawingSalt(relID)

	drawing := fmt.Sprintf(
		`<w:p><w:r><w:drawing><wp:inline distT="0" distB="0" distL="0" distR="0">`+
			`<wp:extent cx="%d" cy="%d"/>`+
			`<wp:docPr id="%d" name="PerformanceChart"/>`+
			`<a:graphic xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main">`+
			`<a:graphicData uri="http://schemas.openxmlformats.org/drawingml/2006/picture">`+
			`<pic:pic xmlns:pic="http://schemas.openxmlformats.org/drawingml/2006/picture">`+
			`<pic:nvPicPr><pic:cNvPr id="%d" name="PerformanceChart"/><pic:cNvPicPr/></pic:nvPicPr>`+
			`<pic:blipFill><a:blip r:embed=%q/><a:stretch><a:fillRect/></a:stretch></pic:blipFill>`+
			`<pic:spPr><a:xfrm><a:off x="0" y="0"/><a:ext cx="%d" cy="%d"/></a:xfrm>`+
			`<a:prstGeom prst="rect"><a:avLst/></a:prstGeom></pic:spPr>`+
			`</pic:pic></a:graphicData></a:graphic></wp:inline></w:drawing></w:r></w:p>`,
		cx, cy, docPrID, docPrID, relID, cx, cy)

	first := series.Points[0].Value
	last := series.Points[len(series.Points)-1].Value
	caption := fmt.Sprintf(
		`<w:p><w:r><w:t xml:space="preserve">Illustrative portfolio value: $%.0f to $%.0f</w:t></w:r></w:p>`,
		first, last)

	return drawing + caption
}
