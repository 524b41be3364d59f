package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata" // 确保在精简镜像中也能识别时区

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/user/poplens/internal/config"
	"github.com/user/poplens/internal/handler"
	"github.com/user/poplens/internal/logging"
	"github.com/user/poplens/internal/middleware"
	"github.com/user/poplens/internal/repository"
	"github.com/user/poplens/internal/router"
	"github.com/user/poplens/internal/service"
)

func main() {
	// 加载环境变量
	if err := godotenv.Load(); err != nil {
		logging.Info().Msg("未找到 .env 文件，使用系统环境变量")
	}

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		logging.Error().Err(err).Msg("配置错误")
		os.Exit(1)
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	// 初始化数据库
	db, err := repository.InitDB(cfg.DatabaseURL)
	if err != nil {
		logging.Error().Err(err).Msg("数据库连接失败")
		os.Exit(1)
	}

	sqlDB, _ := db.DB()
	defer sqlDB.Close()

	// 初始化仓库
	repos := repository.NewRepositories(db)

	// 初始化 Gin
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())

	// 启用 gzip，默认压缩级别
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	// 初始化 Handler
	h := handler.NewHandler(repos, cfg, handler.NewSources(cfg), handler.NewEmbedder(cfg))

	// 注册路由
	router.RegisterRoutes(r, h)

	// 启动定时清理任务
	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	service.NewCleanupService(repos.Runs, cfg.RunRetentionDays).Start(bgCtx)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	// 在 goroutine 中启动服务器，这样我们就可以监听信号
	go func() {
		logging.Info().Str("addr", srv.Addr).Msg("服务器启动")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error().Err(err).Msg("服务器启动失败")
			os.Exit(1)
		}
	}()

	// 等待中断信号以优雅地关闭服务器
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info().Msg("正在关闭服务器...")

	// 同步抓取可能较慢，留 30 秒收尾
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logging.Error().Err(err).Msg("服务器强制关闭")
	}
	// 取消后台抓取/回填并等待其记录汇总
	if err := h.Shutdown(ctx); err != nil {
		logging.Error().Err(err).Msg("后台任务未能按时退出")
	}

	logging.Info().Msg("服务器已退出")
}
