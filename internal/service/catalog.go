package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/user/poplens/internal/model"
	"github.com/user/poplens/internal/repository"
)

const (
	SearchLimit     = 15
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// CatalogService 记录的增删改查、搜索与浏览
type CatalogService struct {
	media *repository.MediaRepository
}

func NewCatalogService(media *repository.MediaRepository) *CatalogService {
	return &CatalogService{media: media}
}

// MediaInput 创建/更新时可由调用方设置的字段
type MediaInput struct {
	Type            model.MediaType
	Title           string
	Description     string
	Genre           string
	ExternalID      string
	CachedImagePath string
	PublishDate     *time.Time
	AvgRating       float64
	TotalReviews    int
	Details         model.Details
}

func (in MediaInput) validate() error {
	if !in.Type.Valid() {
		return fmt.Errorf("%w: media type must be film, book or game", model.ErrInvalidArgument)
	}
	if strings.TrimSpace(in.Title) == "" || strings.TrimSpace(in.ExternalID) == "" {
		return fmt.Errorf("%w: title and external_id are required", model.ErrInvalidArgument)
	}
	if in.TotalReviews < 0 {
		return fmt.Errorf("%w: total_reviews must be non-negative", model.ErrInvalidArgument)
	}
	return nil
}

func (in MediaInput) apply(m *model.Media, now time.Time) error {
	m.Type = in.Type
	m.Title = strings.TrimSpace(in.Title)
	m.Description = in.Description
	m.Genre = in.Genre
	m.ExternalID = in.ExternalID
	m.CachedImagePath = in.CachedImagePath
	m.PublishDate = now
	if in.PublishDate != nil {
		m.PublishDate = in.PublishDate.UTC()
	}
	return m.SetDetails(in.Details)
}

// Create 评分与评论数清零，时间戳取当前时间
func (s *CatalogService) Create(ctx context.Context, in MediaInput) (*model.Media, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	m := &model.Media{ID: uuid.New(), CreatedDate: now, LastUpdatedDate: now}
	if err := in.apply(m, now); err != nil {
		return nil, err
	}
	if err := s.media.Create(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Get withEmbedding 为 true 时返回向量
func (s *CatalogService) Get(ctx context.Context, id uuid.UUID, withEmbedding bool) (*model.Media, error) {
	return s.media.FindByID(ctx, id, withEmbedding)
}

// Update 覆盖可修改字段（管理操作，可以修改评分与评论数）
func (s *CatalogService) Update(ctx context.Context, id uuid.UUID, in MediaInput) (*model.Media, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	m := &model.Media{ID: id}
	if err := in.apply(m, time.Now().UTC()); err != nil {
		return nil, err
	}
	m.AvgRating = in.AvgRating
	m.TotalReviews = in.TotalReviews
	if err := s.media.Update(ctx, id, m); err != nil {
		return nil, err
	}
	return s.media.FindByID(ctx, id, false)
}

func (s *CatalogService) Delete(ctx context.Context, id uuid.UUID) error {
	return s.media.Delete(ctx, id)
}

// IncrementReviews 原子加一
func (s *CatalogService) IncrementReviews(ctx context.Context, id uuid.UUID) error {
	return s.media.IncrementReviews(ctx, id)
}

// Search 全类型搜索；t 非空时只搜该类型对应的列
func (s *CatalogService) Search(ctx context.Context, query string, t model.MediaType) ([]model.Media, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", model.ErrInvalidArgument)
	}
	if t != "" && !t.Valid() {
		return nil, fmt.Errorf("%w: media type %q", model.ErrInvalidArgument, t)
	}
	return s.media.Search(ctx, query, t, SearchLimit)
}

// BrowseParams 浏览参数，Decade 为字符串形式的年代起始年（如 "1990"）
type BrowseParams struct {
	Type     string
	Decade   string
	Genre    string
	Query    string
	Sort     string
	Page     int
	PageSize int
}

// PageResult 分页结果，TotalCount 与 Result 使用同一组过滤条件
type PageResult struct {
	Page       int           `json:"page"`
	PageSize   int           `json:"page_size"`
	TotalCount int64         `json:"total_count"`
	Result     []model.Media `json:"result"`
}

// Browse 过滤 + 排序 + 分页，同时返回总数
func (s *CatalogService) Browse(ctx context.Context, p BrowseParams) (*PageResult, error) {
	f, err := p.filter()
	if err != nil {
		return nil, err
	}
	total, err := s.media.Count(ctx, f)
	if err != nil {
		return nil, err
	}
	items, err := s.media.List(ctx, f)
	if err != nil {
		return nil, err
	}
	return &PageResult{Page: f.Page, PageSize: f.PageSize, TotalCount: total, Result: items}, nil
}

func (p BrowseParams) filter() (repository.MediaFilter, error) {
	t, err := model.ParseMediaType(p.Type)
	if err != nil {
		return repository.MediaFilter{}, err
	}
	f := repository.MediaFilter{
		Type:     t,
		Genre:    strings.TrimSpace(p.Genre),
		Query:    strings.TrimSpace(p.Query),
		Page:     p.Page,
		PageSize: p.PageSize,
	}

	if d := strings.TrimSpace(p.Decade); d != "" {
		d = strings.TrimSuffix(d, "s")
		year, err := strconv.Atoi(d)
		if err != nil || year < 0 {
			return f, fmt.Errorf("%w: decade must be a year such as 1990, got %q", model.ErrInvalidArgument, p.Decade)
		}
		// 起始年份原样使用，范围为 [year, year+9]
		f.DecadeStart = &year
	}

	switch repository.SortKey(p.Sort) {
	case "", repository.SortTitle:
		f.Sort = repository.SortTitle
	case repository.SortRatingHigh, repository.SortRatingLow, repository.SortCommentsHigh, repository.SortCommentsLow:
		f.Sort = repository.SortKey(p.Sort)
	default:
		return f, fmt.Errorf("%w: unknown sort %q", model.ErrInvalidArgument, p.Sort)
	}

	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	return f, nil
}
