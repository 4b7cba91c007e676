// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"docpipe-go/internal/config"
	"docpipe-go/internal/handler"
	"docpipe-go/internal/middleware"
	"docpipe-go/internal/model"
	"docpipe-go/internal/pipeline"
	"docpipe-go/internal/repository"
	"docpipe-go/internal/service"
	"docpipe-go/pkg/database"
	"docpipe-go/pkg/es"
	"docpipe-go/pkg/kafka"
	"docpipe-go/pkg/log"
	"docpipe-go/pkg/parser"
	"docpipe-go/pkg/storage"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、对象存储与消息队列客户端
	manager, err := database.NewManager(cfg.Database.MySQL)
	if err != nil {
		log.Fatal("MySQL 初始化失败", err)
	}
	if err := manager.AutoMigrate(
		&model.Document{},
		&model.UploadJob{},
		&model.ChunkBuffer{},
		&model.VectorBuffer{},
		&model.DocumentChunk{},
	); err != nil {
		log.Fatal("数据库迁移失败", err)
	}

	rdb, err := database.NewRedis(cfg.Database.Redis)
	if err != nil {
		log.Fatal("Redis 初始化失败", err)
	}

	store, err := storage.New(cfg.MinIO)
	if err != nil {
		log.Fatal("MinIO 初始化失败", err)
	}

	esClient, err := es.New(cfg.Elasticsearch)
	if err != nil {
		log.Fatal("Elasticsearch 初始化失败", err)
	}

	producer := kafka.NewProducer(cfg.Kafka)
	parserClient := parser.NewClient(cfg.Parser)

	// 4. 初始化 Repository
	docRepo := repository.NewDocumentRepository(manager)
	jobRepo := repository.NewJobRepository(manager, rdb)
	chunkRepo := repository.NewChunkRepository(manager)

	// 5. 初始化缓冲提升器与 Service（依赖注入）
	promoter := pipeline.NewPromoter(jobRepo, chunkRepo, esClient, producer, cfg.Pipeline)
	jobService := service.NewJobService(jobRepo, store, parserClient, producer, promoter, cfg.Parser, cfg.Pipeline)
	ingestService := service.NewIngestService(jobRepo, store, cfg.Webhook)
	documentService := service.NewDocumentService(docRepo, jobRepo, chunkRepo, jobService, store, esClient, cfg.Pipeline)

	// 6. 启动后台 Kafka 消费者，处理下游 worker 的阶段事件
	events := pipeline.NewEvents(jobRepo, promoter)
	consumer := kafka.NewConsumer(cfg.Kafka, rdb, events)
	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		consumer.Run(consumerCtx)
	}()

	// 7. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 8. 注册路由
	// 回调路由挂在 API 前缀之外，解析服务按任务注册的地址直接投递
	r.POST("/webhook/parse/:job_id", handler.NewWebhookHandler(ingestService, jobService).HandleParseCallback)
	r.GET("/health", handler.NewHealthHandler(manager).Check)

	apiV1 := r.Group("/api/v1")
	{
		documents := apiV1.Group("/documents")
		{
			docHandler := handler.NewDocumentHandler(documentService)
			documents.POST("", docHandler.Upload)
			documents.GET("", docHandler.List)
			documents.GET("/:document_id", docHandler.Get)
			documents.GET("/:document_id/content", docHandler.ParsedContent)
			documents.GET("/:document_id/chunks", docHandler.ListChunks)
			documents.GET("/:document_id/jobs", docHandler.ListJobs)
			documents.DELETE("/:document_id", docHandler.Delete)
		}

		jobs := apiV1.Group("/jobs")
		{
			jobHandler := handler.NewJobHandler(jobService)
			jobs.GET("/:job_id", jobHandler.Get)
			jobs.POST("/:job_id/redispatch", jobHandler.Redispatch)
		}
	}

	// 9. 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}

	// 停止消费者循环并释放各类客户端连接
	stopConsumer()
	select {
	case <-consumerDone:
	case <-time.After(5 * time.Second):
		log.Warnf("等待 Kafka 消费者退出超时")
	}
	if err := producer.Close(); err != nil {
		log.Errorf("Kafka 生产者关闭失败: %v", err)
	}
	if err := rdb.Close(); err != nil {
		log.Errorf("Redis 连接关闭失败: %v", err)
	}
	if err := manager.Close(); err != nil {
		log.Errorf("MySQL 连接池关闭失败: %v", err)
	}
	log.Info("服务已优雅关闭")
}
