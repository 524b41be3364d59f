package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/user/poplens/internal/model"
	"github.com/user/poplens/internal/service"
	"github.com/user/poplens/internal/utils"
)

type mediaRequest struct {
	Type            string     `json:"type" binding:"required,mediatype"`
	Title           string     `json:"title" binding:"required,max=500"`
	Description     string     `json:"description"`
	Genre           string     `json:"genre" binding:"max=500"`
	ExternalID      string     `json:"external_id" binding:"required,max=200"`
	CachedImagePath string     `json:"cached_image_path"`
	PublishDate     *time.Time `json:"publish_date"`
	AvgRating       float64    `json:"avg_rating" binding:"gte=0,lte=10"`
	TotalReviews    int        `json:"total_reviews" binding:"gte=0"`
	Director        *string    `json:"director"`
	Writer          *string    `json:"writer"`
	Publisher       *string    `json:"publisher"`
}

func (r mediaRequest) input() service.MediaInput {
	in := service.MediaInput{
		Type:            model.MediaType(r.Type),
		Title:           r.Title,
		Description:     r.Description,
		Genre:           r.Genre,
		ExternalID:      r.ExternalID,
		CachedImagePath: r.CachedImagePath,
		PublishDate:     r.PublishDate,
		AvgRating:       r.AvgRating,
		TotalReviews:    r.TotalReviews,
	}
	// 只取与类型对应的人员字段
	switch in.Type {
	case model.TypeFilm:
		if r.Director != nil {
			in.Details = model.FilmDetails{Director: *r.Director}
		}
	case model.TypeBook:
		if r.Writer != nil {
			in.Details = model.BookDetails{Writer: *r.Writer}
		}
	case model.TypeGame:
		if r.Publisher != nil {
			in.Details = model.GameDetails{Publisher: *r.Publisher}
		}
	}
	return in
}

// mediaWithEmbedding 带向量的响应
type mediaWithEmbedding struct {
	*model.Media
	Embedding []float32 `json:"embedding"`
}

// CreateMedia POST /api/media
func (h *Handler) CreateMedia(c *gin.Context) {
	var req mediaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	m, err := h.Catalog.Create(c.Request.Context(), req.input())
	if err != nil {
		utils.HandleError(c, err)
		return
	}
	utils.Created(c, m)
}

// GetMedia GET /api/media/:id
func (h *Handler) GetMedia(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	m, err := h.Catalog.Get(c.Request.Context(), id, false)
	if err != nil {
		utils.HandleError(c, err)
		return
	}
	utils.Success(c, m)
}

// GetMediaWithEmbedding GET /api/media/:id/embedding
func (h *Handler) GetMediaWithEmbedding(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	m, err := h.Catalog.Get(c.Request.Context(), id, true)
	if err != nil {
		utils.HandleError(c, err)
		return
	}
	utils.Success(c, mediaWithEmbedding{Media: m, Embedding: m.EmbeddingSlice()})
}

// UpdateMedia PUT /api/media/:id
func (h *Handler) UpdateMedia(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req mediaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	m, err := h.Catalog.Update(c.Request.Context(), id, req.input())
	if err != nil {
		utils.HandleError(c, err)
		return
	}
	utils.Success(c, m)
}

// DeleteMedia DELETE /api/media/:id
func (h *Handler) DeleteMedia(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.Catalog.Delete(c.Request.Context(), id); err != nil {
		utils.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// IncrementReviews POST /api/media/:id/reviews
func (h *Handler) IncrementReviews(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.Catalog.IncrementReviews(c.Request.Context(), id); err != nil {
		utils.HandleError(c, err)
		return
	}
	utils.Success(c, gin.H{"id": id})
}

// SearchMedia GET /api/media/search?q=
func (h *Handler) SearchMedia(c *gin.Context) {
	h.search(c, "")
}

// SearchByType GET /api/films|books|games/search?q=
func (h *Handler) SearchByType(t model.MediaType) gin.HandlerFunc {
	return func(c *gin.Context) {
		h.search(c, t)
	}
}

func (h *Handler) search(c *gin.Context, t model.MediaType) {
	items, err := h.Catalog.Search(c.Request.Context(), c.Query("q"), t)
	if err != nil {
		utils.HandleError(c, err)
		return
	}
	utils.Success(c, items)
}

// BrowseMedia GET /api/media/browse
func (h *Handler) BrowseMedia(c *gin.Context) {
	page, err := queryInt(c, "page", 1)
	if err != nil {
		utils.HandleError(c, err)
		return
	}
	pageSize, err := queryInt(c, "pageSize", service.DefaultPageSize)
	if err != nil {
		utils.HandleError(c, err)
		return
	}
	res, err := h.Catalog.Browse(c.Request.Context(), service.BrowseParams{
		Type:     c.Query("type"),
		Decade:   c.Query("decade"),
		Genre:    c.Query("genre"),
		Query:    c.Query("query"),
		Sort:     c.Query("sort"),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		utils.HandleError(c, err)
		return
	}
	utils.Success(c, res)
}

type similarRequest struct {
	Embedding  []float32 `json:"embedding" binding:"required"`
	K          int       `json:"k" binding:"omitempty,min=1"`
	Type       string    `json:"type" binding:"omitempty,mediatype"`
	ExcludeIDs []string  `json:"exclude_ids" binding:"omitempty,dive,uuid"`
}

// FindSimilar POST /api/media/similar
func (h *Handler) FindSimilar(c *gin.Context) {
	var req similarRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	if req.K == 0 {
		req.K = 10
	}
	exclude := make([]uuid.UUID, 0, len(req.ExcludeIDs))
	for _, s := range req.ExcludeIDs {
		exclude = append(exclude, uuid.MustParse(s))
	}
	items, err := h.Similarity.FindSimilar(c.Request.Context(), service.SimilarQuery{
		Vector:  req.Embedding,
		K:       req.K,
		Type:    model.MediaType(req.Type),
		Exclude: exclude,
	})
	if err != nil {
		utils.HandleError(c, err)
		return
	}
	utils.Success(c, items)
}

// FindSimilarTo GET /api/media/:id/similar?k=&type=
func (h *Handler) FindSimilarTo(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	k, err := queryInt(c, "k", 10)
	if err != nil {
		utils.HandleError(c, err)
		return
	}
	items, err := h.Similarity.FindSimilarTo(c.Request.Context(), id, k, model.MediaType(c.Query("type")))
	if err != nil {
		utils.HandleError(c, err)
		return
	}
	utils.Success(c, items)
}
