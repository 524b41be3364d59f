package repository_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/user/poplens/internal/model"
	"github.com/user/poplens/internal/repository"
	"github.com/user/poplens/internal/repository/repotest"
)

func newFilm(extID, title string, year int) model.Media {
	m := model.Media{
		Type:        model.TypeFilm,
		ExternalID:  extID,
		Title:       title,
		Genre:       "Drama",
		PublishDate: time.Date(year, time.June, 1, 0, 0, 0, 0, time.UTC),
	}
	_ = m.SetDetails(model.FilmDetails{Director: "Unknown"})
	return m
}

func unitVector(axis int) []float32 {
	v := make([]float32, model.EmbeddingDimensions)
	v[axis] = 1
	return v
}

func TestCreateDuplicateExternalID(t *testing.T) {
	repo := repotest.NewRepositories(t).Media
	ctx := context.Background()

	a := newFilm("tmdb-1", "Ikiru", 1952)
	if err := repo.Create(ctx, &a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	b := newFilm("tmdb-1", "Ikiru again", 1952)
	if err := repo.Create(ctx, &b); !errors.Is(err, model.ErrConstraintViolation) {
		t.Fatalf("second Create err = %v, want ErrConstraintViolation", err)
	}

	// 同一 external_id 在不同类型下允许共存
	c := model.Media{Type: model.TypeBook, ExternalID: "tmdb-1", Title: "Ikiru (novel)"}
	if err := repo.Create(ctx, &c); err != nil {
		t.Fatalf("Create book with same external id: %v", err)
	}
}

func TestFindByIDOmitsEmbedding(t *testing.T) {
	repo := repotest.NewRepositories(t).Media
	ctx := context.Background()

	m := newFilm("tmdb-2", "Ran", 1985)
	if err := m.SetEmbedding(unitVector(0)); err != nil {
		t.Fatal(err)
	}
	if err := repo.Create(ctx, &m); err != nil {
		t.Fatal(err)
	}

	got, err := repo.FindByID(ctx, m.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if got.Embedding != nil {
		t.Error("embedding should be omitted")
	}
	got, err = repo.FindByID(ctx, m.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.EmbeddingSlice()) != model.EmbeddingDimensions {
		t.Errorf("embedding len = %d", len(got.EmbeddingSlice()))
	}

	if _, err := repo.FindByID(ctx, uuid.New(), false); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("missing id err = %v, want ErrNotFound", err)
	}
}

func TestUpdateAndDelete(t *testing.T) {
	repo := repotest.NewRepositories(t).Media
	ctx := context.Background()

	m := newFilm("tmdb-3", "Rashomon", 1950)
	if err := repo.Create(ctx, &m); err != nil {
		t.Fatal(err)
	}
	changed := m
	changed.Title = "Rashōmon"
	changed.AvgRating = 8.2
	if err := repo.Update(ctx, m.ID, &changed); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := repo.FindByID(ctx, m.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "Rashōmon" || got.AvgRating != 8.2 {
		t.Errorf("after update: %+v", got)
	}

	if err := repo.Update(ctx, uuid.New(), &changed); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("update missing err = %v", err)
	}
	if err := repo.Delete(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	if err := repo.Delete(ctx, m.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("second delete err = %v", err)
	}
}

func TestIncrementReviewsConcurrent(t *testing.T) {
	repo := repotest.NewRepositories(t).Media
	ctx := context.Background()

	m := newFilm("tmdb-4", "Seven Samurai", 1954)
	if err := repo.Create(ctx, &m); err != nil {
		t.Fatal(err)
	}

	const n = 100
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := repo.IncrementReviews(ctx, m.ID); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("IncrementReviews: %v", err)
	}

	got, err := repo.FindByID(ctx, m.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalReviews != n {
		t.Errorf("TotalReviews = %d, want %d", got.TotalReviews, n)
	}
	if err := repo.IncrementReviews(ctx, uuid.New()); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("missing id err = %v", err)
	}
}

func TestInsertBatchSkipsConflicts(t *testing.T) {
	repo := repotest.NewRepositories(t).Media
	ctx := context.Background()

	existing := newFilm("tmdb-10", "Existing", 2000)
	if err := repo.Create(ctx, &existing); err != nil {
		t.Fatal(err)
	}

	batch := []model.Media{
		newFilm("tmdb-10", "Existing duplicate", 2000),
		newFilm("tmdb-11", "New one", 2001),
		newFilm("tmdb-12", "New two", 2002),
	}
	inserted, err := repo.InsertBatch(ctx, batch)
	if err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	if len(inserted) != 2 {
		t.Fatalf("inserted = %d, want 2", len(inserted))
	}
	for _, m := range inserted {
		if m.ExternalID == "tmdb-10" {
			t.Error("conflicting row reported as inserted")
		}
	}

	ids, err := repo.ExistingExternalIDs(ctx, model.TypeFilm)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 {
		t.Errorf("existing ids = %d, want 3", len(ids))
	}
}

func TestListAndCountShareFilter(t *testing.T) {
	repo := repotest.NewRepositories(t).Media
	ctx := context.Background()

	var batch []model.Media
	for i := 0; i < 23; i++ {
		m := newFilm(fmt.Sprintf("tmdb-%d", 100+i), fmt.Sprintf("Film %02d", i), 1990+i%10)
		m.AvgRating = float64(i % 5)
		batch = append(batch, m)
	}
	other := newFilm("tmdb-999", "From the eighties", 1985)
	batch = append(batch, other)
	if _, err := repo.InsertBatch(ctx, batch); err != nil {
		t.Fatal(err)
	}

	decade := 1990
	f := repository.MediaFilter{Type: model.TypeFilm, DecadeStart: &decade, Sort: repository.SortRatingHigh, PageSize: 10}
	total, err := repo.Count(ctx, f)
	if err != nil {
		t.Fatal(err)
	}
	if total != 23 {
		t.Fatalf("Count = %d, want 23", total)
	}

	seen := map[uuid.UUID]bool{}
	for page := 1; page <= 3; page++ {
		f.Page = page
		items, err := repo.List(ctx, f)
		if err != nil {
			t.Fatal(err)
		}
		for i, m := range items {
			if seen[m.ID] {
				t.Errorf("record %s returned on two pages", m.ID)
			}
			seen[m.ID] = true
			if i > 0 && items[i-1].AvgRating < m.AvgRating {
				t.Errorf("page %d not sorted by rating desc", page)
			}
		}
	}
	if int64(len(seen)) != total {
		t.Errorf("pages returned %d records, Count = %d", len(seen), total)
	}
}

func TestSearchScopedColumns(t *testing.T) {
	repo := repotest.NewRepositories(t).Media
	ctx := context.Background()

	film := newFilm("tmdb-20", "Stalker", 1979)
	_ = film.SetDetails(model.FilmDetails{Director: "Andrei Tarkovsky"})
	book := model.Media{Type: model.TypeBook, ExternalID: "gb-1", Title: "Roadside Picnic"}
	_ = book.SetDetails(model.BookDetails{Writer: "Strugatsky"})
	if _, err := repo.InsertBatch(ctx, []model.Media{film, book}); err != nil {
		t.Fatal(err)
	}

	got, err := repo.Search(ctx, "tarkov", "", 15)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ExternalID != "tmdb-20" {
		t.Errorf("Search director = %+v", got)
	}

	got, err = repo.Search(ctx, "picnic", model.TypeFilm, 15)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("film-scoped search matched a book: %+v", got)
	}

	got, err = repo.Search(ctx, "100%", "", 15)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("percent sign should be literal, got %d", len(got))
	}
}

func TestMissingEmbeddingsKeyset(t *testing.T) {
	repo := repotest.NewRepositories(t).Media
	ctx := context.Background()

	var batch []model.Media
	for i := 0; i < 5; i++ {
		batch = append(batch, newFilm(fmt.Sprintf("tmdb-%d", 300+i), "Film", 2000))
	}
	if err := batch[0].SetEmbedding(unitVector(1)); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.InsertBatch(ctx, batch); err != nil {
		t.Fatal(err)
	}

	first, err := repo.MissingEmbeddings(ctx, nil, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 {
		t.Fatalf("first batch = %d", len(first))
	}
	last := first[len(first)-1].ID
	rest, err := repo.MissingEmbeddings(ctx, &last, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 2 {
		t.Fatalf("second batch = %d, want 2", len(rest))
	}

	if err := rest[0].SetEmbedding(unitVector(2)); err != nil {
		t.Fatal(err)
	}
	if err := repo.SaveEmbeddings(ctx, rest[:1]); err != nil {
		t.Fatal(err)
	}
	all, err := repo.MissingEmbeddings(ctx, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("missing after save = %d, want 3", len(all))
	}
}

func TestNearestOrdersByCosineDistance(t *testing.T) {
	repo := repotest.NewRepositories(t).Media
	ctx := context.Background()

	close1 := newFilm("tmdb-400", "Close", 2000)
	far := newFilm("tmdb-401", "Far", 2000)
	mid := newFilm("tmdb-402", "Mid", 2000)
	game := model.Media{Type: model.TypeGame, ExternalID: "igdb-1", Title: "Game"}

	q := unitVector(0)
	midVec := unitVector(0)
	midVec[1] = 1
	_ = close1.SetEmbedding(unitVector(0))
	_ = far.SetEmbedding(unitVector(3))
	_ = mid.SetEmbedding(midVec)
	_ = game.SetEmbedding(unitVector(0))
	if _, err := repo.InsertBatch(ctx, []model.Media{far, mid, close1, game}); err != nil {
		t.Fatal(err)
	}

	got, err := repo.Nearest(ctx, repository.NearestQuery{Vector: q, K: 3, Type: model.TypeFilm})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Close", "Mid", "Far"}
	if len(got) != len(want) {
		t.Fatalf("got %d results", len(got))
	}
	for i, m := range got {
		if m.Title != want[i] {
			t.Errorf("rank %d = %s, want %s", i, m.Title, want[i])
		}
	}

	got, err = repo.Nearest(ctx, repository.NearestQuery{Vector: q, K: 10, Exclude: []uuid.UUID{got[0].ID}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].Title != "Game" {
		t.Errorf("unscoped with exclusion = %v", got)
	}
}
