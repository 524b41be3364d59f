package service

import (
	"context"
	"fmt"

	"github.com/user/poplens/internal/model"
	"github.com/user/poplens/internal/repository"
)

// DedupIndex 一次抓取运行内的 external_id 集合
// 只由流水线的单一写入方修改，不做加锁
type DedupIndex struct {
	ids map[string]struct{}
}

// LoadDedupIndex 从库中读取某类型已有的全部 external_id
func LoadDedupIndex(ctx context.Context, media *repository.MediaRepository, t model.MediaType) (*DedupIndex, error) {
	ids, err := media.ExistingExternalIDs(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("load dedup index: %w", err)
	}
	return &DedupIndex{ids: ids}, nil
}

// NewDedupIndex 以给定 ID 初始化
func NewDedupIndex(ids ...string) *DedupIndex {
	d := &DedupIndex{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		d.Add(id)
	}
	return d
}

func (d *DedupIndex) Contains(externalID string) bool {
	_, ok := d.ids[externalID]
	return ok
}

func (d *DedupIndex) Add(externalID string) {
	d.ids[externalID] = struct{}{}
}

// Remove 批次写入失败时撤销本批加入的 ID
func (d *DedupIndex) Remove(externalID string) {
	delete(d.ids, externalID)
}

func (d *DedupIndex) Len() int {
	return len(d.ids)
}
