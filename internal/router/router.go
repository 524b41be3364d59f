package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/user/poplens/internal/handler"
	"github.com/user/poplens/internal/middleware"
	"github.com/user/poplens/internal/model"
)

// RegisterRoutes 注册所有路由
func RegisterRoutes(r *gin.Engine, h *handler.Handler) {
	handler.RegisterValidators()

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		sqlDB, err := h.Repos.DB.DB()
		if err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.Use(middleware.RequireAuth(h.Config.AppSecret))
	admin := middleware.RequireRole(middleware.RoleAdmin)

	// ==================== 媒体记录 ====================
	media := api.Group("/media")
	{
		media.GET("/search", h.SearchMedia)
		media.GET("/browse", h.BrowseMedia)
		media.POST("/similar", h.FindSimilar)

		media.GET("/:id", h.GetMedia)
		media.GET("/:id/embedding", h.GetMediaWithEmbedding)
		media.GET("/:id/similar", h.FindSimilarTo)
		media.POST("/:id/reviews", middleware.RequireRole(middleware.RoleAdmin, middleware.RoleService), h.IncrementReviews)

		media.POST("", admin, h.CreateMedia)
		media.PUT("/:id", admin, h.UpdateMedia)
		media.DELETE("/:id", admin, h.DeleteMedia)
	}

	api.GET("/films/search", h.SearchByType(model.TypeFilm))
	api.GET("/books/search", h.SearchByType(model.TypeBook))
	api.GET("/games/search", h.SearchByType(model.TypeGame))

	// ==================== 抓取与回填（管理员）====================
	ingest := api.Group("/ingest", admin)
	{
		ingest.GET("/runs", h.ListRuns)
		ingest.POST("/books", h.IngestBooks)
		ingest.POST("/films/top-rated", h.IngestFilms(model.QueryTopRated))
		ingest.POST("/films/genre", h.IngestFilms(model.QueryGenre))
		ingest.POST("/films/year", h.IngestFilms(model.QueryYear))
		ingest.POST("/films/years", h.IngestFilmYears)
		ingest.POST("/films/language", h.IngestFilms(model.QueryLanguage))
		ingest.POST("/films/region", h.IngestFilms(model.QueryRegion))
		ingest.POST("/games", h.IngestGames)
	}
	api.POST("/embeddings/backfill", admin, h.BackfillEmbeddings)
}
