package repository

import (
	"context"
	"time"

	"github.com/user/poplens/internal/model"
	"gorm.io/gorm"
)

type RunRepository struct {
	db *gorm.DB
}

func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Create 保存一次抓取运行的汇总
func (r *RunRepository) Create(ctx context.Context, run *model.IngestionRun) error {
	return r.db.WithContext(ctx).Create(run).Error
}

// List 按开始时间倒序返回最近的运行记录，source 为空时不过滤
func (r *RunRepository) List(ctx context.Context, source string, limit int) ([]model.IngestionRun, error) {
	if limit <= 0 {
		limit = 20
	}
	q := r.db.WithContext(ctx)
	if source != "" {
		q = q.Where("source = ?", source)
	}
	var runs []model.IngestionRun
	err := q.Order("started_at DESC").Order("id ASC").Limit(limit).Find(&runs).Error
	return runs, err
}

// DeleteBefore 删除开始时间早于 cutoff 的运行记录
func (r *RunRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("started_at < ?", cutoff).Delete(&model.IngestionRun{})
	return res.RowsAffected, res.Error
}
