package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/user/poplens/internal/metrics"
	"github.com/user/poplens/internal/model"
	"github.com/user/poplens/internal/repository"
)

const MaxSimilarK = 100

// SimilarityEngine 基于余弦距离的近邻检索
type SimilarityEngine struct {
	media *repository.MediaRepository
}

func NewSimilarityEngine(media *repository.MediaRepository) *SimilarityEngine {
	return &SimilarityEngine{media: media}
}

// SimilarQuery 近邻查询参数，Type 为空时不过滤类型
type SimilarQuery struct {
	Vector  []float32
	K       int
	Type    model.MediaType
	Exclude []uuid.UUID
}

// FindSimilar 返回距离最近的 K 条记录，距离相同按 id 排序
func (e *SimilarityEngine) FindSimilar(ctx context.Context, q SimilarQuery) ([]model.Media, error) {
	if len(q.Vector) != model.EmbeddingDimensions {
		return nil, fmt.Errorf("%w: vector must have %d dimensions, got %d", model.ErrInvalidArgument, model.EmbeddingDimensions, len(q.Vector))
	}
	if q.K < 1 {
		return []model.Media{}, nil
	}
	q.K = min(q.K, MaxSimilarK)
	if q.Type != "" && !q.Type.Valid() {
		return nil, fmt.Errorf("%w: media type %q", model.ErrInvalidArgument, q.Type)
	}

	defer metrics.ObserveSimilarityQuery(time.Now())
	items, err := e.media.Nearest(ctx, repository.NearestQuery{
		Vector:  q.Vector,
		K:       q.K,
		Type:    q.Type,
		Exclude: q.Exclude,
	})
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].Embedding = nil
	}
	return items, nil
}

// FindSimilarTo 以某条记录自身的向量检索，结果不含该记录
func (e *SimilarityEngine) FindSimilarTo(ctx context.Context, id uuid.UUID, k int, t model.MediaType) ([]model.Media, error) {
	m, err := e.media.FindByID(ctx, id, true)
	if err != nil {
		return nil, err
	}
	if m.Embedding == nil {
		return nil, fmt.Errorf("%w: media %s has no embedding yet", model.ErrInvalidArgument, id)
	}
	return e.FindSimilar(ctx, SimilarQuery{
		Vector:  m.EmbeddingSlice(),
		K:       k,
		Type:    t,
		Exclude: []uuid.UUID{id},
	})
}
