package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RawItem 外部目录返回的单条候选记录（已映射为统一形状）
type RawItem struct {
	Type        MediaType
	ExternalID  string
	Title       string
	Description string
	Genres      []string
	PublishDate *time.Time
	ImageRef    string
	Details     Details

	// 来源自带的评分信息，仅用于排序，不入库
	SourceRating      float64
	SourceRatingCount int
}

// Page 一页抓取结果
type Page struct {
	Items   []RawItem
	HasMore bool
}

// QueryKind 抓取查询的形状
type QueryKind string

const (
	QuerySubject  QueryKind = "subject"   // 书籍：主题关键词
	QueryTopRated QueryKind = "top-rated" // 电影：高分榜
	QueryGenre    QueryKind = "genre"     // 电影：类型 ID
	QueryYear     QueryKind = "year"      // 电影：首映年份
	QueryLanguage QueryKind = "language"  // 电影：原始语言
	QueryRegion   QueryKind = "region"    // 电影：上映地区
	QueryGames    QueryKind = "games"     // 游戏：年份/类型/发行商组合
)

// SourceQuery 一次抓取的查询参数，未用到的字段为零值
type SourceQuery struct {
	Kind      QueryKind `json:"kind"`
	Subject   string    `json:"subject,omitempty"`
	GenreID   int       `json:"genre_id,omitempty"`
	Genre     string    `json:"genre,omitempty"`
	Year      int       `json:"year,omitempty"`
	Language  string    `json:"language,omitempty"`
	Region    string    `json:"region,omitempty"`
	Publisher string    `json:"publisher,omitempty"`
	Offset    int       `json:"offset,omitempty"`
}

// IngestionRun 抓取运行记录
type IngestionRun struct {
	ID         uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	Source     string         `json:"source" gorm:"index"`
	Type       MediaType      `json:"type"`
	Query      datatypes.JSON `json:"query" gorm:"type:jsonb"`
	Inserted   int            `json:"inserted"`
	Failed     int            `json:"failed"`
	Units      datatypes.JSON `json:"units" gorm:"type:jsonb"`
	StartedAt  time.Time      `json:"started_at" gorm:"index"`
	FinishedAt time.Time      `json:"finished_at"`
}

// TableName 表名
func (IngestionRun) TableName() string {
	return "ingestion_runs"
}

func (r *IngestionRun) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
