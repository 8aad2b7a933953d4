package docx

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"strings"

	"k8s.io/klog/v2"
)

// DocumentPart 主文档部件路径
const DocumentPart = "word/document.xml"

// RelsPart 主文档关系部件路径
const RelsPart = "word/_rels/document.xml.rels"

// MediaDir 媒体目录前缀
const MediaDir = "word/media/"

// Entry ZIP 容器内的一个条目
type Entry struct {
	Name  string
	Data  []byte
	IsDir bool
}

// Package 一个 OOXML 包（.docx）的内存表示
// 条目保持原始顺序，一次请求内由流水线独占持有
type Package struct {
	entries []*Entry
	index   map[string]*Entry
}

// IsZip 校验前两个字节是否为 ZIP 本地文件头签名
func IsZip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x50 && data[1] == 0x4B
}

// Load 从字节加载 OOXML 包
func Load(data []byte) (*Package, error) {
	if !IsZip(data) {
		return nil, fmt.Errorf("not a valid docx file: missing ZIP signature")
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open docx container: %w", err)
	}

	pkg := &Package{index: make(map[string]*Entry)}
	for _, f := range zr.File {
		entry := &Entry{Name: f.Name, IsDir: f.FileInfo().IsDir()}
		if !entry.IsDir {
			rc, err := f.Open()
			if err != nil {
				return nil, fmt.Errorf("failed to open entry %s: %w", f.Name, err)
			}
			entry.Data, err = io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return nil, fmt.Errorf("failed to read entry %s: %w", f.Name, err)
			}
		}
		pkg.entries = append(pkg.entries, entry)
		pkg.index[f.Name] = entry
	}

	klog.V(6).Infof("docx 包加载完成: entries=%d", len(pkg.entries))
	return pkg, nil
}

// LoadDocument 加载并校验 WordprocessingML 包（必须含主文档部件）
func LoadDocument(data []byte) (*Package, error) {
	pkg, err := Load(data)
	if err != nil {
		return nil, err
	}
	if !pkg.Has(DocumentPart) {
		return nil, fmt.Errorf("invalid docx: %s not found", DocumentPart)
	}
	return pkg, nil
}

// Has 判断条目是否存在
func (p *Package) Has(name string) bool {
	_, ok := p.index[name]
	return ok
}

// Bytes 返回条目字节，条目不存在时返回 nil
func (p *Package) Bytes(name string) []byte {
	if e, ok := p.index[name]; ok {
		return e.Data
	}
	return nil
}

// Text 返回条目内容的字符串形式
func (p *Package) Text(name string) string {
	return string(p.Bytes(name))
}

// Set 写入或替换条目
func (p *Package) Set(name string, data []byte) {
	if e, ok := p.index[name]; ok {
		e.Data = data
		return
	}
	entry := &Entry{Name: name, Data: data}
	p.entries = append(p.entries, entry)
	p.index[name] = entry
}

// SetText 写入或替换文本条目
func (p *Package) SetText(name, text string) {
	p.Set(name, []byte(text))
}

// Names 返回全部条目名，保持原始顺序
func (p *Package) Names() []string {
	names := make([]string, 0, len(p.entries))
	for _, e := range p.entries {
		names = append(names, e.Name)
	}
	return names
}

// MediaEntries 返回媒体目录下的条目名
func (p *Package) MediaEntries() []string {
	var names []string
	for _, e := range p.entries {
		if !e.IsDir && strings.HasPrefix(e.Name, MediaDir) {
			names = append(names, e.Name)
		}
	}
	return names
}

// Serialize 重新打包为 ZIP 字节
func (p *Package) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	for _, e := range p.entries {
		if e.IsDir {
			continue
		}
		w, err := zw.Create(e.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to create entry %s: %w", e.Name, err)
		}
		if _, err := w.Write(e.Data); err != nil {
			return nil, fmt.Errorf("failed to write entry %s: %w", e.Name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize docx container: %w", err)
	}
	return buf.Bytes(), nil
}
