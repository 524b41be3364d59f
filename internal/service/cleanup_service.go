package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/user/poplens/internal/logging"
	"github.com/user/poplens/internal/repository"
)

// CleanupService 定时清理过期的抓取运行记录
type CleanupService struct {
	runs      *repository.RunRepository
	retention time.Duration
	interval  time.Duration
	log       zerolog.Logger
	now       func() time.Time
}

// NewCleanupService retentionDays <= 0 时 Start 不做任何事
func NewCleanupService(runs *repository.RunRepository, retentionDays int) *CleanupService {
	return &CleanupService{
		runs:      runs,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		interval:  24 * time.Hour,
		log:       logging.Component("cleanup"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start 启动时先清理一次，之后每天一次，直到 ctx 取消
func (s *CleanupService) Start(ctx context.Context) {
	if s.retention <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.RunOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()
}

// RunOnce 删除超过保留期的运行记录
func (s *CleanupService) RunOnce(ctx context.Context) int64 {
	cutoff := s.now().Add(-s.retention)
	affected, err := s.runs.DeleteBefore(ctx, cutoff)
	if err != nil {
		s.log.Error().Err(err).Msg("清理运行记录失败")
		return 0
	}
	if affected > 0 {
		s.log.Info().Int64("deleted", affected).Time("cutoff", cutoff).Msg("已清理过期运行记录")
	}
	return affected
}
