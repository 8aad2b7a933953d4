package main

import (
	"flag"
	"log"
	"os"

	"k8s.io/klog/v2"

	"github.com/romitcloud1/aai-docupdate/config"
	"github.com/romitcloud1/aai-docupdate/internal/eventbus"
	"github.com/romitcloud1/aai-docupdate/internal/handler"
	"github.com/romitcloud1/aai-docupdate/internal/pkg/database"
	"github.com/romitcloud1/aai-docupdate/internal/pkg/llm"
	"github.com/romitcloud1/aai-docupdate/internal/repository"
	"github.com/romitcloud1/aai-docupdate/internal/router"
	"github.com/romitcloud1/aai-docupdate/internal/service/chart"
	"github.com/romitcloud1/aai-docupdate/internal/service/marketdata"
	"github.com/romitcloud1/aai-docupdate/internal/service/orchestrator"
	"github.com/romitcloud1/aai-docupdate/internal/service/pipeline"
	"github.com/romitcloud1/aai-docupdate/internal/subscriber"
)

func main() {
	// 初始化 klog
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	klog.V(6).Info("服务启动中...")

	cfg := config.GetConfig()

	if err := os.MkdirAll(cfg.Data.Dir, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	// 初始化数据库
	db, err := database.InitDB(cfg.Database.Type, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	// 初始化 Repository
	jobRepo := repository.NewJobRepository(db)
	changeRepo := repository.NewChangeRepository(db)

	// 事件总线与落库订阅
	bus := eventbus.NewBus()
	subscriber.NewJobEventSubscriber(jobRepo, changeRepo).Register(bus)

	// 初始化 Service
	llmClient := llm.NewClient(cfg)
	orch := orchestrator.NewService(llmClient, cfg.Replace)
	charts := chart.NewService(llmClient, cfg.Chart.HeaderZone)
	market := marketdata.NewService(cfg.MarketData)
	pipe := pipeline.NewService(orch, charts, market, bus)

	// 初始化 Handler
	processHandler := handler.NewProcessHandler(pipe, jobRepo)
	jobHandler := handler.NewJobHandler(jobRepo, changeRepo)

	// 设置路由
	r := router.Setup(cfg, processHandler, jobHandler)

	log.Printf("Server starting on port %s...", cfg.Server.Port)
	if err := r.Run(":" + cfg.Server.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
