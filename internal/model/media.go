package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
)

// EmbeddingDimensions 向量维度，与 embedding 列定义一致
const EmbeddingDimensions = 384

// MediaType 媒体类型
type MediaType string

const (
	TypeFilm MediaType = "film"
	TypeBook MediaType = "book"
	TypeGame MediaType = "game"
)

// Valid 是否为支持的类型
func (t MediaType) Valid() bool {
	switch t {
	case TypeFilm, TypeBook, TypeGame:
		return true
	}
	return false
}

// ParseMediaType 解析类型字符串
func ParseMediaType(s string) (MediaType, error) {
	t := MediaType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: media type must be film, book or game, got %q", ErrInvalidArgument, s)
	}
	return t, nil
}

// Media 统一的媒体记录（电影/书籍/游戏）
type Media struct {
	ID              uuid.UUID        `json:"id" gorm:"type:uuid;primaryKey"`
	Type            MediaType        `json:"type" gorm:"type:varchar(16);not null;uniqueIndex:idx_media_type_external,priority:1;index"`
	Title           string           `json:"title" gorm:"not null"`
	Description     string           `json:"description"`
	Genre           string           `json:"genre"`
	ExternalID      string           `json:"external_id" gorm:"not null;uniqueIndex:idx_media_type_external,priority:2"`
	CachedImagePath string           `json:"cached_image_path"`
	PublishDate     time.Time        `json:"publish_date" gorm:"index"`
	AvgRating       float64          `json:"avg_rating" gorm:"not null;default:0"`
	TotalReviews    int              `json:"total_reviews" gorm:"not null;default:0"`
	Director        *string          `json:"director,omitempty"`
	Writer          *string          `json:"writer,omitempty"`
	Publisher       *string          `json:"publisher,omitempty"`
	Embedding       *pgvector.Vector `json:"-" gorm:"type:vector(384)"`
	CreatedDate     time.Time        `json:"created_date"`
	LastUpdatedDate time.Time        `json:"last_updated_date"`
}

// TableName 表名
func (Media) TableName() string {
	return "media"
}

// BeforeCreate 补齐主键与时间戳
func (m *Media) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	now := time.Now().UTC()
	if m.CreatedDate.IsZero() {
		m.CreatedDate = now
	}
	if m.LastUpdatedDate.IsZero() {
		m.LastUpdatedDate = now
	}
	return nil
}

// Details 各类型专属字段；每条记录只会有与其类型对应的一种
type Details interface {
	MediaType() MediaType
}

// FilmDetails 电影专属字段
type FilmDetails struct {
	Director string `json:"director"`
}

// BookDetails 书籍专属字段
type BookDetails struct {
	Writer string `json:"writer"`
}

// GameDetails 游戏专属字段
type GameDetails struct {
	Publisher string `json:"publisher"`
}

func (FilmDetails) MediaType() MediaType { return TypeFilm }
func (BookDetails) MediaType() MediaType { return TypeBook }
func (GameDetails) MediaType() MediaType { return TypeGame }

// Details 按类型取出专属字段，未设置时返回 nil
func (m *Media) Details() Details {
	switch m.Type {
	case TypeFilm:
		if m.Director != nil {
			return FilmDetails{Director: *m.Director}
		}
	case TypeBook:
		if m.Writer != nil {
			return BookDetails{Writer: *m.Writer}
		}
	case TypeGame:
		if m.Publisher != nil {
			return GameDetails{Publisher: *m.Publisher}
		}
	}
	return nil
}

// SetDetails 写入专属字段并清空其它类型的字段
func (m *Media) SetDetails(d Details) error {
	m.Director, m.Writer, m.Publisher = nil, nil, nil
	if d == nil {
		return nil
	}
	if d.MediaType() != m.Type {
		return fmt.Errorf("%w: %s details on a %s record", ErrInvalidArgument, d.MediaType(), m.Type)
	}
	switch v := d.(type) {
	case FilmDetails:
		m.Director = &v.Director
	case BookDetails:
		m.Writer = &v.Writer
	case GameDetails:
		m.Publisher = &v.Publisher
	}
	return nil
}

// EmbeddingSlice 返回向量的切片形式，未计算时为 nil
func (m *Media) EmbeddingSlice() []float32 {
	if m.Embedding == nil {
		return nil
	}
	return m.Embedding.Slice()
}

// SetEmbedding 写入向量，维度必须为 EmbeddingDimensions
func (m *Media) SetEmbedding(vec []float32) error {
	if len(vec) != EmbeddingDimensions {
		return fmt.Errorf("%w: embedding must have %d dimensions, got %d", ErrInvalidArgument, EmbeddingDimensions, len(vec))
	}
	v := pgvector.NewVector(vec)
	m.Embedding = &v
	return nil
}

// EmbeddingText 生成向量的标准文本
func (m *Media) EmbeddingText() string {
	return fmt.Sprintf("Type: %s; Title: %s; Genre: %s; Description: %s;", m.Type, m.Title, m.Genre, m.Description)
}
