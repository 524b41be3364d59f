package handler

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/user/poplens/internal/config"
	"github.com/user/poplens/internal/model"
	"github.com/user/poplens/internal/repository"
	"github.com/user/poplens/internal/service"
	"github.com/user/poplens/internal/source"
	"github.com/user/poplens/internal/utils"
)

// Sources 三个外部目录适配器
type Sources struct {
	Books source.Adapter
	Films source.Adapter
	Games source.Adapter
}

// NewSources 用配置中的凭据构造适配器
func NewSources(cfg *config.Config) Sources {
	client := utils.NewHTTPClient(0)
	return Sources{
		Books: source.NewGoogleBooks(cfg.GoogleBooksKey, source.Options{Client: client}),
		Films: source.NewTMDB(cfg.TMDBToken, source.Options{Client: client}),
		Games: source.NewIGDB(cfg.IGDBClientID, cfg.IGDBClientSecret, source.IGDBOptions{
			Options:       source.Options{Client: client},
			RatePerSecond: cfg.Ingest.RatePerSecond,
		}),
	}
}

// NewEmbedder Ollama 客户端外加熔断与缓存
func NewEmbedder(cfg *config.Config) service.Embedder {
	return service.NewResilientEmbedder(
		service.NewOllamaEmbedder(cfg.EmbeddingURL, cfg.EmbeddingModel, cfg.EmbeddingTimeout),
		4096,
	)
}

// Handler HTTP 处理器
type Handler struct {
	Repos      *repository.Repositories
	Config     *config.Config
	Catalog    *service.CatalogService
	Similarity *service.SimilarityEngine
	Pipeline   *service.Pipeline
	Backfill   *service.Backfill
	Sources    Sources

	// 后台任务（异步逐年抓取、回填）共用的生命周期
	jobCtx   context.Context
	stopJobs context.CancelFunc
	jobs     sync.WaitGroup
}

// NewHandler 创建处理器
func NewHandler(repos *repository.Repositories, cfg *config.Config, sources Sources, embedder service.Embedder) *Handler {
	jobCtx, stopJobs := context.WithCancel(context.Background())
	return &Handler{
		jobCtx:     jobCtx,
		stopJobs:   stopJobs,
		Repos:      repos,
		Config:     cfg,
		Catalog:    service.NewCatalogService(repos.Media),
		Similarity: service.NewSimilarityEngine(repos.Media),
		Pipeline:   service.NewPipeline(repos, cfg.Ingest),
		Backfill:   service.NewBackfill(repos.Media, embedder, cfg.Backfill.BatchSize),
		Sources:    sources,
	}
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequest(c, "无效的 ID")
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	s := c.Query(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", model.ErrInvalidArgument, key)
	}
	return n, nil
}

// bindError 请求体校验失败统一返回 400
func bindError(c *gin.Context, err error) {
	utils.BadRequest(c, "参数错误: "+err.Error())
}

// runInBackground 在后台执行任务，Shutdown 时取消并等待其返回
func (h *Handler) runInBackground(fn func(ctx context.Context)) {
	h.jobs.Add(1)
	go func() {
		defer h.jobs.Done()
		fn(h.jobCtx)
	}()
}

// Shutdown 取消后台任务并等待它们记录汇总后退出；ctx 到期时返回 ctx.Err()
func (h *Handler) Shutdown(ctx context.Context) error {
	h.stopJobs()
	done := make(chan struct{})
	go func() {
		h.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
