package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coinledger/internal/config"
	"coinledger/internal/handler"
	"coinledger/internal/infrastructure/cache"
	"coinledger/internal/infrastructure/content"
	"coinledger/internal/infrastructure/database"
	"coinledger/internal/infrastructure/identity"
	"coinledger/internal/infrastructure/lock"
	"coinledger/internal/infrastructure/mq"
	"coinledger/internal/job"
	"coinledger/internal/repository"
	"coinledger/internal/service"
	"coinledger/pkg/idgen"
)

func main() {
	configPath := "config/config.yaml"
	if p := os.Getenv("COINLEDGER_CONFIG"); p != "" {
		configPath = p
	}

	// 加载配置
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	// 初始化 ID 生成器
	ids, err := idgen.New(cfg.Server.WorkerID)
	if err != nil {
		log.Fatalf("初始化ID生成器失败: %v", err)
	}

	// 初始化 MySQL
	db, err := database.InitMySQL(&cfg.MySQL)
	if err != nil {
		log.Fatalf("%v", err)
	}

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 初始化 Redis
	redisClient, err := cache.NewRedis(ctx, &cfg.Redis)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer redisClient.Close()

	// 初始化 Kafka
	producer, err := mq.NewProducer(&cfg.Kafka)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer producer.Close()

	masterKey, err := hex.DecodeString(cfg.Content.MasterKey)
	if err != nil {
		log.Fatalf("content.master_key 不是合法的 hex: %v", err)
	}

	verifier := identity.NewRedisVerifier(redisClient)
	decryptor, err := content.NewKeyDecryptor(masterKey, verifier)
	if err != nil {
		log.Fatalf("%v", err)
	}

	// 组装服务
	ledgerService, err := service.NewLedgerService(db, ids, cfg)
	if err != nil {
		log.Fatalf("创建账本服务失败: %v", err)
	}
	reconcileService := service.NewReconcileService(
		repository.NewEntitlementRepository(db),
		repository.NewCatalogRepository(db),
		content.NewHTTPBlobStore(cfg.Content.BlobBaseURL, &http.Client{Timeout: cfg.Reconcile.ItemTimeout}),
		decryptor,
		content.NewFSLocalStore(cfg.Content.LocalDir),
		lock.NewReconcileGuard(redisClient, cfg.Reconcile.LockTTL, cfg.Reconcile.LockWait, idgen.Token),
		cfg.Reconcile.ItemTimeout,
	)

	// 启动后台任务
	outboxSender := job.NewOutboxSender(repository.NewOutboxRepository(db), producer, cfg.Ledger.OutboxMaxRetry)
	go outboxSender.Start(ctx)

	balanceAuditJob := job.NewBalanceAuditJob(
		repository.NewTxManager(db, cfg.Ledger.TxMaxRetries),
		repository.NewAccountRepository(db),
		repository.NewAuditRepository(db),
		cfg.Reconcile.AuditInterval,
		cfg.Reconcile.AuditLookback,
		cfg.Reconcile.AuditBatchSize,
	)
	go balanceAuditJob.Start(ctx)

	// 设置路由
	h := handler.NewHandler(ledgerService, reconcileService, &cfg.Ledger)
	router := handler.SetupRouter(h, verifier)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// 在 goroutine 中启动服务器
	go func() {
		log.Printf("服务启动，监听端口: %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务启动失败: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("服务关闭异常: %v", err)
	}

	log.Println("服务已关闭")
}
