package service

import (
	"context"
	"testing"
	"time"

	"github.com/user/poplens/internal/model"
	"github.com/user/poplens/internal/repository/repotest"
)

func TestCleanupServiceDeletesExpiredRuns(t *testing.T) {
	repos := repotest.NewRepositories(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	for _, age := range []time.Duration{time.Hour, 10 * 24 * time.Hour, 40 * 24 * time.Hour, 90 * 24 * time.Hour} {
		run := &model.IngestionRun{Source: "tmdb", Type: model.TypeFilm, StartedAt: now.Add(-age), FinishedAt: now.Add(-age)}
		if err := repos.Runs.Create(ctx, run); err != nil {
			t.Fatal(err)
		}
	}

	svc := NewCleanupService(repos.Runs, 30)
	svc.now = func() time.Time { return now }
	if got := svc.RunOnce(ctx); got != 2 {
		t.Errorf("deleted = %d, want 2", got)
	}
	runs, err := repos.Runs.List(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Errorf("remaining = %d, want 2", len(runs))
	}
	if got := svc.RunOnce(ctx); got != 0 {
		t.Errorf("second pass deleted = %d, want 0", got)
	}
}
