package repository

import (
	"strings"
	"time"

	"github.com/user/poplens/internal/model"
	"gorm.io/gorm"
)

// SortKey 浏览排序方式
type SortKey string

const (
	SortTitle        SortKey = "title"
	SortRatingHigh   SortKey = "rating-high"
	SortRatingLow    SortKey = "rating-low"
	SortCommentsHigh SortKey = "comments-high"
	SortCommentsLow  SortKey = "comments-low"
)

// MediaFilter 浏览条件，分页查询与计数共用同一组谓词
type MediaFilter struct {
	Type        model.MediaType
	DecadeStart *int
	Genre       string
	Query       string
	Sort        SortKey
	Page        int
	PageSize    int
}

// where 只包含过滤条件，不含排序与分页
func (f MediaFilter) where(db *gorm.DB) *gorm.DB {
	db = db.Where("type = ?", f.Type)

	if f.DecadeStart != nil {
		start := time.Date(*f.DecadeStart, time.January, 1, 0, 0, 0, 0, time.UTC)
		end := start.AddDate(10, 0, 0)
		db = db.Where("publish_date >= ? AND publish_date < ?", start, end)
	}
	if f.Genre != "" {
		db = db.Where(`LOWER(genre) LIKE ? ESCAPE '\'`, likePattern(f.Genre))
	}
	if f.Query != "" {
		q := likePattern(f.Query)
		db = db.Where(textMatchSQL(allTextColumns), q, q, q, q)
	}
	return db
}

func (f MediaFilter) order(db *gorm.DB) *gorm.DB {
	switch f.Sort {
	case SortRatingHigh:
		db = db.Order("avg_rating DESC")
	case SortRatingLow:
		db = db.Order("avg_rating ASC")
	case SortCommentsHigh:
		db = db.Order("total_reviews DESC")
	case SortCommentsLow:
		db = db.Order("total_reviews ASC")
	default:
		db = db.Order("title ASC")
	}
	// 同值时按 id 排序，保证分页稳定
	return db.Order("id ASC")
}

func (f MediaFilter) paginate(db *gorm.DB) *gorm.DB {
	page, size := f.Page, f.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 10
	}
	return db.Offset((page - 1) * size).Limit(size)
}

var (
	allTextColumns  = []string{"title", "director", "writer", "publisher"}
	typeTextColumns = map[model.MediaType][]string{
		model.TypeFilm: {"title", "director"},
		model.TypeBook: {"title", "writer"},
		model.TypeGame: {"title", "publisher"},
	}
)

// textMatchSQL 生成 (LOWER(a) LIKE ? OR LOWER(b) LIKE ? ...)，参数个数与列数相同
func textMatchSQL(columns []string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = "LOWER(COALESCE(" + c + ", '')) LIKE ? ESCAPE '\\'"
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

func likePattern(s string) string {
	s = strings.ToLower(s)
	s = strings.NewReplacer(`%`, `\%`, `_`, `\_`).Replace(s)
	return "%" + s + "%"
}
