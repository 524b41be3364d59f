package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/user/poplens/internal/model"
	"github.com/user/poplens/internal/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const insertBatchSize = 500

// 更新接口允许修改的列
var mutableColumns = []string{
	"type", "title", "description", "genre", "external_id", "cached_image_path", "publish_date",
	"avg_rating", "total_reviews", "director", "writer", "publisher", "last_updated_date",
}

type MediaRepository struct {
	db *gorm.DB
}

func NewMediaRepository(db *gorm.DB) *MediaRepository {
	return &MediaRepository{db: db}
}

// Create 插入单条记录
func (r *MediaRepository) Create(ctx context.Context, m *model.Media) error {
	err := r.db.WithContext(ctx).Create(m).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %s %s already exists", model.ErrConstraintViolation, m.Type, m.ExternalID)
	}
	return err
}

// FindByID 根据 ID 查找，withEmbedding 为 false 时不读取向量列
func (r *MediaRepository) FindByID(ctx context.Context, id uuid.UUID, withEmbedding bool) (*model.Media, error) {
	var m model.Media
	q := r.db.WithContext(ctx)
	if !withEmbedding {
		q = q.Omit("embedding")
	}
	err := q.Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: media %s", model.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Update 覆盖可修改字段，不触碰向量与创建时间
func (r *MediaRepository) Update(ctx context.Context, id uuid.UUID, m *model.Media) error {
	m.LastUpdatedDate = time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&model.Media{}).
		Where("id = ?", id).
		Select(mutableColumns).
		Updates(m)
	if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %s %s already exists", model.ErrConstraintViolation, m.Type, m.ExternalID)
	}
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: media %s", model.ErrNotFound, id)
	}
	return nil
}

// Delete 物理删除
func (r *MediaRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.Media{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: media %s", model.ErrNotFound, id)
	}
	return nil
}

// IncrementReviews 原子地将 total_reviews 加一
func (r *MediaRepository) IncrementReviews(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Model(&model.Media{}).
		Where("id = ?", id).
		UpdateColumns(map[string]any{
			"total_reviews":     gorm.Expr("total_reviews + ?", 1),
			"last_updated_date": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: media %s", model.ErrNotFound, id)
	}
	return nil
}

// Search 按标题/导演/作者/发行商模糊搜索；mediaType 为空时搜索全部类型
func (r *MediaRepository) Search(ctx context.Context, query string, mediaType model.MediaType, limit int) ([]model.Media, error) {
	columns := allTextColumns
	q := r.db.WithContext(ctx).Omit("embedding")
	if mediaType != "" {
		columns = typeTextColumns[mediaType]
		q = q.Where("type = ?", mediaType)
	}
	pattern := likePattern(query)
	args := make([]any, len(columns))
	for i := range args {
		args[i] = pattern
	}

	var items []model.Media
	err := q.Where(textMatchSQL(columns), args...).
		Order("title ASC").Order("id ASC").
		Limit(limit).
		Find(&items).Error
	return items, err
}

// List 按条件分页浏览
func (r *MediaRepository) List(ctx context.Context, f MediaFilter) ([]model.Media, error) {
	var items []model.Media
	q := r.db.WithContext(ctx).Model(&model.Media{}).Omit("embedding")
	err := f.paginate(f.order(f.where(q))).Find(&items).Error
	return items, err
}

// Count 与 List 使用相同的过滤条件
func (r *MediaRepository) Count(ctx context.Context, f MediaFilter) (int64, error) {
	var total int64
	err := f.where(r.db.WithContext(ctx).Model(&model.Media{})).Count(&total).Error
	return total, err
}

// ExistingExternalIDs 读取某类型下已入库的全部 external_id
func (r *MediaRepository) ExistingExternalIDs(ctx context.Context, mediaType model.MediaType) (map[string]struct{}, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&model.Media{}).
		Where("type = ?", mediaType).
		Pluck("external_id", &ids).Error
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// InsertBatch 批量插入，(type, external_id) 冲突的行被跳过；返回实际写入的记录
func (r *MediaRepository) InsertBatch(ctx context.Context, items []model.Media) ([]model.Media, error) {
	if len(items) == 0 {
		return nil, nil
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&items, insertBatchSize)
	if res.Error != nil {
		return nil, res.Error
	}
	if int(res.RowsAffected) == len(items) {
		return items, nil
	}

	// 有行因并发写入被唯一约束拦下，查回本批真正落库的 ID
	ids := make([]uuid.UUID, len(items))
	for i := range items {
		ids[i] = items[i].ID
	}
	var stored []uuid.UUID
	if err := r.db.WithContext(ctx).Model(&model.Media{}).
		Where("id IN ?", ids).
		Pluck("id", &stored).Error; err != nil {
		return nil, err
	}
	present := make(map[uuid.UUID]struct{}, len(stored))
	for _, id := range stored {
		present[id] = struct{}{}
	}
	inserted := make([]model.Media, 0, len(stored))
	for _, m := range items {
		if _, ok := present[m.ID]; ok {
			inserted = append(inserted, m)
		}
	}
	return inserted, nil
}

// MissingEmbeddings 按 id 顺序取出尚无向量的记录，after 为上一批最后一个 id
func (r *MediaRepository) MissingEmbeddings(ctx context.Context, after *uuid.UUID, limit int) ([]model.Media, error) {
	q := r.db.WithContext(ctx).Omit("embedding").Where("embedding IS NULL")
	if after != nil {
		q = q.Where("id > ?", *after)
	}
	var items []model.Media
	err := q.Order("id ASC").Limit(limit).Find(&items).Error
	return items, err
}

// SaveEmbeddings 在一个事务内写回一批向量
func (r *MediaRepository) SaveEmbeddings(ctx context.Context, items []model.Media) error {
	if len(items) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range items {
			if m.Embedding == nil {
				continue
			}
			err := tx.Model(&model.Media{}).
				Where("id = ?", m.ID).
				UpdateColumns(map[string]any{
					"embedding":         m.Embedding,
					"last_updated_date": m.LastUpdatedDate,
				}).Error
			if err != nil {
				return fmt.Errorf("save embedding %s: %w", m.ID, err)
			}
		}
		return nil
	})
}

// NearestQuery 近邻查询条件
type NearestQuery struct {
	Vector  []float32
	K       int
	Type    model.MediaType
	Exclude []uuid.UUID
}

// Nearest 按余弦距离升序返回前 K 条，距离相同按 id 排序
// Postgres 使用 pgvector 的 <=> 运算；其它方言在进程内计算
func (r *MediaRepository) Nearest(ctx context.Context, nq NearestQuery) ([]model.Media, error) {
	if nq.K <= 0 {
		return nil, nil
	}
	q := r.db.WithContext(ctx).Where("embedding IS NOT NULL")
	if nq.Type != "" {
		q = q.Where("type = ?", nq.Type)
	}

	if isPostgres(r.db) {
		if len(nq.Exclude) > 0 {
			q = q.Where("id::text <> ALL(?)", pq.Array(uuidStrings(nq.Exclude)))
		}
		var items []model.Media
		err := q.Clauses(clause.OrderBy{
			Expression: clause.Expr{SQL: "embedding <=> ?, id ASC", Vars: []any{pgvector.NewVector(nq.Vector)}},
		}).Limit(nq.K).Find(&items).Error
		return items, err
	}

	if len(nq.Exclude) > 0 {
		q = q.Where("id NOT IN ?", nq.Exclude)
	}
	var candidates []model.Media
	if err := q.Find(&candidates).Error; err != nil {
		return nil, err
	}
	return rankByCosine(candidates, nq.Vector, nq.K), nil
}

func rankByCosine(candidates []model.Media, query []float32, k int) []model.Media {
	type scored struct {
		m    model.Media
		dist float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, m := range candidates {
		d := utils.CosineDistance(query, m.EmbeddingSlice())
		if d != d { // NaN：维度不符或零向量
			continue
		}
		ranked = append(ranked, scored{m: m, dist: d})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].dist != ranked[j].dist {
			return ranked[i].dist < ranked[j].dist
		}
		return ranked[i].m.ID.String() < ranked[j].m.ID.String()
	})
	if k > len(ranked) {
		k = len(ranked)
	}
	out := make([]model.Media, k)
	for i := 0; i < k; i++ {
		out[i] = ranked[i].m
	}
	return out
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
