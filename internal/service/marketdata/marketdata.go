package marketdata

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/klog/v2"

	"github.com/romitcloud1/aai-docupdate/config"
)

// Service 行情快照服务
// 抓取到的文本原样拼进生成提示，从不反向解析；
// 按日期做 LRU 缓存，同一天的多次请求不重复外呼
type Service struct {
	url    string
	client *http.Client
	cache  *lru.Cache[string, string]
	now    func() time.Time
}

func NewService(cfg config.MarketDataConfig) *Service {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cache, _ := lru.New[string, string](8)
	return &Service{
		url:    cfg.URL,
		client: &http.Client{Timeout: timeout},
		cache:  cache,
		now:    time.Now,
	}
}

// Snapshot 返回带当前日期的行情文本块
// 外部数据源不可达时返回语境兜底文本，调用方无需区分
func (s *Service) Snapshot(ctx context.Context) string {
	date := s.now().Format("2 January 2006")

	if cached, ok := s.cache.Get(date); ok {
		return cached
	}

	text := s.fetch(ctx, date)
	s.cache.Add(date, text)
	return text
}

func (s *Service) fetch(ctx context.Context, date string) string {
	if s.url == "" {
		return fallbackText(date)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", s.url, nil)
	if err != nil {
		return fallbackText(date)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		klog.Warningf("行情抓取失败，使用兜底文本: %v", err)
		return fallbackText(date)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		klog.Warningf("行情接口返回 %d，使用兜底文本", resp.StatusCode)
		return fallbackText(date)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil || strings.TrimSpace(string(body)) == "" {
		return fallbackText(date)
	}

	return fmt.Sprintf("Today is %s.\n%s", date, strings.TrimSpace(string(body)))
}

func fallbackText(date string) string {
	return fmt.Sprintf(
		"Today is %s. Live market data is currently unavailable; "+
			"use broadly typical recent levels: major share indices mixed within +/-1%% on the day, "+
			"10-year government bond yields near recent ranges, and cash rates unchanged.", date)
}
