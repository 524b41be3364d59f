package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/user/poplens/internal/logging"
	"github.com/user/poplens/internal/model"
	"github.com/user/poplens/internal/service"
	"github.com/user/poplens/internal/source"
	"github.com/user/poplens/internal/utils"
)

const (
	topRatedPages  = 150
	sweepFromYear  = 1950
	sweepPagesYear = 15
)

// ingestRequest 各抓取接口共用的参数，未用到的字段忽略
type ingestRequest struct {
	Pages          int    `json:"pages" binding:"omitempty,min=1,max=500"`
	Concurrency    int    `json:"concurrency" binding:"omitempty,min=1,max=8"`
	RequireImage   *bool  `json:"require_image"`
	Subject        string `json:"subject"`
	Limit          int    `json:"limit" binding:"omitempty,min=1,max=10000"`
	Offset         int    `json:"offset" binding:"omitempty,min=0"`
	GenreID        int    `json:"genre_id" binding:"omitempty,min=1"`
	Year           int    `json:"year" binding:"omitempty,min=1870,max=2100"`
	Language       string `json:"language" binding:"omitempty,len=2"`
	Region         string `json:"region" binding:"omitempty,len=2"`
	Genre          string `json:"genre"`
	Publisher      string `json:"publisher"`
	FromYear       int    `json:"from_year" binding:"omitempty,min=1870,max=2100"`
	ToYear         int    `json:"to_year" binding:"omitempty,min=1870,max=2100"`
	Wait           bool   `json:"wait"`
	PagesToFetch   int    `json:"pages_to_fetch" binding:"omitempty,min=1,max=500"`
	CollectRecords bool   `json:"collect_records"`
}

func (h *Handler) runOptions(req ingestRequest, defPages int) service.RunOptions {
	opts := h.Pipeline.DefaultOptions()
	opts.Pages = defPages
	if req.Pages > 0 {
		opts.Pages = req.Pages
	}
	if req.Concurrency > 0 {
		opts.Concurrency = req.Concurrency
	}
	if req.RequireImage != nil {
		opts.RequireImage = *req.RequireImage
	}
	opts.CollectRecords = req.CollectRecords
	return opts
}

// bindIngest 允许空请求体
func bindIngest(c *gin.Context) (ingestRequest, bool) {
	var req ingestRequest
	if c.Request.ContentLength == 0 {
		return req, true
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return req, false
	}
	return req, true
}

func (h *Handler) runIngest(c *gin.Context, a source.Adapter, q model.SourceQuery, opts service.RunOptions) {
	summary, err := h.Pipeline.Run(c.Request.Context(), a, q, opts)
	if err != nil {
		utils.HandleError(c, err)
		return
	}
	utils.Success(c, summary)
}

// IngestBooks POST /api/ingest/books {subject, limit, offset}
func (h *Handler) IngestBooks(c *gin.Context) {
	req, ok := bindIngest(c)
	if !ok {
		return
	}
	if req.Subject == "" {
		utils.BadRequest(c, "subject 不能为空")
		return
	}
	limit := req.Limit
	if limit == 0 {
		limit = 40
	}
	// 页数预算：按 limit 估算并留出重复的余量
	opts := h.runOptions(req, limit/40*3+3)
	opts.MaxRecords = limit
	h.runIngest(c, h.Sources.Books, model.SourceQuery{Kind: model.QuerySubject, Subject: req.Subject, Offset: req.Offset}, opts)
}

// IngestFilms 返回按 kind 构造查询的处理函数
func (h *Handler) IngestFilms(kind model.QueryKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := bindIngest(c)
		if !ok {
			return
		}
		q := model.SourceQuery{Kind: kind}
		pages := service.DefaultPages
		switch kind {
		case model.QueryTopRated:
			pages = topRatedPages
		case model.QueryGenre:
			q.GenreID = req.GenreID
		case model.QueryYear:
			q.Year = req.Year
		case model.QueryLanguage:
			q.Language = req.Language
		case model.QueryRegion:
			q.Region = req.Region
		}
		opts := h.runOptions(req, pages)
		// 类型/语言/地区查询默认返回写入的记录
		if kind == model.QueryGenre || kind == model.QueryLanguage || kind == model.QueryRegion {
			opts.CollectRecords = true
		}
		h.runIngest(c, h.Sources.Films, q, opts)
	}
}

// IngestFilmYears POST /api/ingest/films/years
// 默认在后台运行并立即返回 202；wait=true 时同步返回 year → count
func (h *Handler) IngestFilmYears(c *gin.Context) {
	req, ok := bindIngest(c)
	if !ok {
		return
	}
	from, to := req.FromYear, req.ToYear
	if from == 0 {
		from = sweepFromYear
	}
	if to == 0 {
		to = time.Now().Year()
	}
	if from > to {
		utils.BadRequest(c, "from_year 不能大于 to_year")
		return
	}
	opts := h.runOptions(req, sweepPagesYear)

	if req.Wait {
		sweep, err := h.Pipeline.RunYears(c.Request.Context(), h.Sources.Films, from, to, opts)
		if err != nil {
			utils.HandleError(c, err)
			return
		}
		utils.Success(c, gin.H{"inserted": sweep.Inserted, "years": sweep.Counts(), "details": sweep.Years})
		return
	}

	h.runInBackground(func(ctx context.Context) {
		sweep, err := h.Pipeline.RunYears(ctx, h.Sources.Films, from, to, opts)
		if err != nil {
			ev := logging.Error().Err(err).Int("from", from).Int("to", to)
			if sweep != nil {
				ev = ev.Int("inserted", sweep.Inserted).Int("years_done", len(sweep.Years))
			}
			ev.Msg("逐年抓取中止")
			return
		}
		logging.Info().Int("inserted", sweep.Inserted).Int("from", from).Int("to", to).Msg("逐年抓取完成")
	})
	c.JSON(http.StatusAccepted, utils.Response{Code: http.StatusAccepted, Message: "accepted", Data: gin.H{"from_year": from, "to_year": to}, Success: true})
}

// IngestGames POST /api/ingest/games {year, genre, publisher, pages_to_fetch}
func (h *Handler) IngestGames(c *gin.Context) {
	req, ok := bindIngest(c)
	if !ok {
		return
	}
	pages := service.DefaultPages
	if req.PagesToFetch > 0 {
		pages = req.PagesToFetch
	}
	q := model.SourceQuery{Kind: model.QueryGames, Year: req.Year, Genre: req.Genre, Publisher: req.Publisher}
	h.runIngest(c, h.Sources.Games, q, h.runOptions(req, pages))
}

// BackfillEmbeddings POST /api/embeddings/backfill?wait=true
func (h *Handler) BackfillEmbeddings(c *gin.Context) {
	if c.Query("wait") == "true" {
		res, err := h.Backfill.Run(c.Request.Context())
		if err != nil {
			utils.HandleError(c, err)
			return
		}
		utils.Success(c, res)
		return
	}

	h.runInBackground(func(ctx context.Context) {
		res, err := h.Backfill.Run(ctx)
		if err != nil {
			logging.Error().Err(err).Int("embedded", res.Embedded).Int("failed", res.Failed).Msg("向量回填中止")
			return
		}
		logging.Info().Int("embedded", res.Embedded).Int("failed", res.Failed).Msg("向量回填完成")
	})
	c.JSON(http.StatusAccepted, utils.Response{Code: http.StatusAccepted, Message: "accepted", Success: true})
}

// ListRuns GET /api/ingest/runs?source=&limit=
func (h *Handler) ListRuns(c *gin.Context) {
	limit, err := queryInt(c, "limit", 20)
	if err != nil {
		utils.HandleError(c, err)
		return
	}
	runs, err := h.Repos.Runs.List(c.Request.Context(), c.Query("source"), limit)
	if err != nil {
		utils.HandleError(c, err)
		return
	}
	utils.Success(c, runs)
}
