package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"oip/dprelay/internal/server/handlers/events"
	"oip/dprelay/internal/server/handlers/queues"
	"oip/dprelay/internal/server/routers"
	"oip/dprelay/internal/worker"
	"oip/dprelay/pkg/config"
	"oip/dprelay/pkg/logger"
)

var (
	configPath = flag.String("config", "./config/worker.yaml", "配置文件路径")
)

func main() {
	flag.Parse()

	// 1. 初始化日志
	log.Println("========================================")
	log.Println("  DPRELAY Worker Starting...")
	log.Println("========================================")

	// 2. 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Config validation failed: %v", err)
	}

	log.Printf("Config loaded: %s, env: %s, log_level: %s\n", cfg.App.Name, cfg.App.Env, cfg.App.LogLevel)

	// 3. 初始化 Logger
	zapLogger, err := logger.NewZapLogger(cfg.App.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	// 4. 装配队列、流消费者与 Manager
	app, err := worker.Bootstrap(cfg, zapLogger)
	if err != nil {
		log.Fatalf("Failed to bootstrap: %v", err)
	}

	// 5. 管理接口
	if cfg.App.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := routers.SetupRoutes(
		cfg.App.Name,
		queues.NewQueueHandler(app.Admins, zapLogger),
		events.NewEventHandler(app.Publisher, zapLogger),
		zapLogger,
	)
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("Admin API listening on %s\n", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Admin API failed: %v", err)
		}
	}()

	// 6. 启动 Manager（goroutine）
	startErr := make(chan error, 1)
	go func() {
		startErr <- app.Manager.Start()
	}()

	log.Println("Worker started. Press Ctrl+C to shutdown.")

	// 7. 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Println("========================================")
		log.Printf("  Received signal: %v\n", sig)
		log.Println("  Shutting down Worker...")
		log.Println("========================================")
	case err := <-startErr:
		if err != nil {
			log.Printf("Manager start failed: %v", err)
		}
	}

	// 8. 优雅关闭：先停管理接口，再停 Manager
	gracefulShutdown(server, app.Manager)

	fmt.Println("========================================")
	fmt.Println("  Worker exited gracefully")
	fmt.Println("========================================")
}

// gracefulShutdown 优雅停机
func gracefulShutdown(server *http.Server, mgr worker.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Admin API shutdown error: %v", err)
	}

	mgr.Shutdown()
}
