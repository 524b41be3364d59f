package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/user/poplens/internal/logging"
	"github.com/user/poplens/internal/metrics"
	"github.com/user/poplens/internal/model"
	"github.com/user/poplens/internal/repository"
)

const DefaultBackfillBatchSize = 10000

// BackfillResult 一次回填的统计
type BackfillResult struct {
	Batches  int `json:"batches"`
	Embedded int `json:"embedded"`
	Failed   int `json:"failed"`
}

// Backfill 为缺少向量的记录补算 embedding
type Backfill struct {
	media     *repository.MediaRepository
	embedder  Embedder
	batchSize int
	log       zerolog.Logger
}

func NewBackfill(media *repository.MediaRepository, embedder Embedder, batchSize int) *Backfill {
	if batchSize <= 0 {
		batchSize = DefaultBackfillBatchSize
	}
	return &Backfill{
		media:     media,
		embedder:  embedder,
		batchSize: batchSize,
		log:       logging.Component("backfill"),
	}
}

// Run 按 id 顺序逐批处理，直到取到空批次为止。
// 失败的记录保持无向量，留给下一次运行；每批成功的结果在一个事务里保存
func (b *Backfill) Run(ctx context.Context) (*BackfillResult, error) {
	res := &BackfillResult{}
	var after *uuid.UUID

	for {
		batch, err := b.media.MissingEmbeddings(ctx, after, b.batchSize)
		if err != nil {
			return res, err
		}
		if len(batch) == 0 {
			break
		}
		res.Batches++
		last := batch[len(batch)-1].ID
		after = &last

		done := make([]model.Media, 0, len(batch))
		for i := range batch {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			m := batch[i]
			vec, err := b.embedder.Embed(ctx, m.EmbeddingText())
			if err == nil {
				err = m.SetEmbedding(vec)
			}
			if err != nil {
				res.Failed++
				metrics.BackfillEmbeddings.WithLabelValues("failed").Inc()
				b.log.Warn().Err(err).Str("media_id", m.ID.String()).Msg("生成向量失败")
				continue
			}
			m.LastUpdatedDate = time.Now().UTC()
			done = append(done, m)
		}

		if err := b.media.SaveEmbeddings(ctx, done); err != nil {
			return res, err
		}
		res.Embedded += len(done)
		metrics.BackfillEmbeddings.WithLabelValues("ok").Add(float64(len(done)))
		b.log.Info().Int("batch", res.Batches).Int("embedded", len(done)).Int("size", len(batch)).Msg("批次回填完成")
	}
	return res, nil
}
