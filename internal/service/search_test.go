package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/user/poplens/internal/model"
	"github.com/user/poplens/internal/repository"
	"github.com/user/poplens/internal/repository/repotest"
)

// hashEmbedder 确定性的假向量；包含 failOn 的文本返回错误
type hashEmbedder struct {
	failOn string
	calls  atomic.Int32
}

func (h *hashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	h.calls.Add(1)
	if h.failOn != "" && strings.Contains(text, h.failOn) {
		return nil, fmt.Errorf("%w: embedding unavailable", model.ErrUpstreamTransient)
	}
	v := make([]float32, model.EmbeddingDimensions)
	for i, r := range text {
		v[(i+int(r))%model.EmbeddingDimensions] += 1
	}
	return v, nil
}

func seedMedia(t *testing.T, repos *repository.Repositories, items ...model.Media) []model.Media {
	t.Helper()
	inserted, err := repos.Media.InsertBatch(context.Background(), items)
	if err != nil {
		t.Fatal(err)
	}
	return inserted
}

func media(t model.MediaType, extID, title string) model.Media {
	return model.Media{Type: t, ExternalID: extID, Title: title, Genre: "Drama", PublishDate: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestBackfillEmbedsAndIsIdempotent(t *testing.T) {
	repos := repotest.NewRepositories(t)
	ctx := context.Background()
	var items []model.Media
	for i := 0; i < 7; i++ {
		items = append(items, media(model.TypeBook, fmt.Sprint("b", i), fmt.Sprint("Book ", i)))
	}
	seedMedia(t, repos, items...)

	emb := &hashEmbedder{}
	res, err := NewBackfill(repos.Media, emb, 3).Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Embedded != 7 || res.Failed != 0 || res.Batches != 3 {
		t.Errorf("first run = %+v", res)
	}

	res, err = NewBackfill(repos.Media, emb, 3).Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Embedded != 0 || res.Batches != 0 {
		t.Errorf("second run = %+v, want no work", res)
	}
}

func TestBackfillLeavesFailuresUnembedded(t *testing.T) {
	repos := repotest.NewRepositories(t)
	ctx := context.Background()
	seedMedia(t, repos,
		media(model.TypeFilm, "f1", "Good One"),
		media(model.TypeFilm, "f2", "Broken"),
		media(model.TypeFilm, "f3", "Good Two"),
	)

	res, err := NewBackfill(repos.Media, &hashEmbedder{failOn: "Broken"}, 10).Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Embedded != 2 || res.Failed != 1 {
		t.Errorf("result = %+v", res)
	}
	missing, err := repos.Media.MissingEmbeddings(ctx, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 1 || missing[0].Title != "Broken" {
		t.Errorf("missing = %+v", missing)
	}

	// 服务恢复后的下一次运行补上
	res, err = NewBackfill(repos.Media, &hashEmbedder{}, 10).Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Embedded != 1 {
		t.Errorf("retry run embedded %d, want 1", res.Embedded)
	}
}

func vectorAt(angle float64) []float32 {
	v := make([]float32, model.EmbeddingDimensions)
	v[0] = float32(math.Cos(angle))
	v[1] = float32(math.Sin(angle))
	return v
}

func TestFindSimilarTypeFilter(t *testing.T) {
	repos := repotest.NewRepositories(t)
	ctx := context.Background()

	var items []model.Media
	for i := 0; i < 10; i++ {
		m := media(model.TypeFilm, fmt.Sprint("f", i), fmt.Sprint("Film ", i))
		_ = m.SetEmbedding(vectorAt(0.01 * float64(i)))
		items = append(items, m)
	}
	for i, angle := range []float64{1.2, 0.3, 0.8} {
		m := media(model.TypeGame, fmt.Sprint("g", i), fmt.Sprint("Game ", i))
		_ = m.SetEmbedding(vectorAt(angle))
		items = append(items, m)
	}
	seedMedia(t, repos, items...)

	engine := NewSimilarityEngine(repos.Media)
	got, err := engine.FindSimilar(ctx, SimilarQuery{Vector: vectorAt(0), K: 5, Type: model.TypeGame})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Game 1", "Game 2", "Game 0"}
	if len(got) != len(want) {
		t.Fatalf("got %d results, want 3", len(got))
	}
	for i, m := range got {
		if m.Type != model.TypeGame || m.Title != want[i] {
			t.Errorf("rank %d = %s (%s), want %s", i, m.Title, m.Type, want[i])
		}
		if m.Embedding != nil {
			t.Error("result should not carry its embedding")
		}
	}
}

func TestFindSimilarValidation(t *testing.T) {
	engine := NewSimilarityEngine(repotest.NewRepositories(t).Media)
	ctx := context.Background()

	for _, n := range []int{0, 383, 385, 768} {
		_, err := engine.FindSimilar(ctx, SimilarQuery{Vector: make([]float32, n), K: 5})
		if !errors.Is(err, model.ErrInvalidArgument) {
			t.Errorf("len %d: err = %v, want ErrInvalidArgument", n, err)
		}
	}
	got, err := engine.FindSimilar(ctx, SimilarQuery{Vector: vectorAt(0), K: 0})
	if err != nil || len(got) != 0 {
		t.Errorf("k=0: got %d results, err = %v", len(got), err)
	}
}

func TestFindSimilarClampsK(t *testing.T) {
	repos := repotest.NewRepositories(t)
	var items []model.Media
	for i := 0; i < MaxSimilarK+5; i++ {
		m := media(model.TypeGame, fmt.Sprint("k", i), fmt.Sprint("Game ", i))
		_ = m.SetEmbedding(vectorAt(float64(i) / 1000))
		items = append(items, m)
	}
	seedMedia(t, repos, items...)

	engine := NewSimilarityEngine(repos.Media)
	got, err := engine.FindSimilar(context.Background(), SimilarQuery{Vector: vectorAt(0), K: 500})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != MaxSimilarK {
		t.Errorf("got %d results, want %d", len(got), MaxSimilarK)
	}
}

func TestFindSimilarToExcludesSelf(t *testing.T) {
	repos := repotest.NewRepositories(t)
	ctx := context.Background()

	a := media(model.TypeFilm, "a", "A")
	b := media(model.TypeFilm, "b", "B")
	c := media(model.TypeBook, "c", "C")
	_ = a.SetEmbedding(vectorAt(0))
	_ = b.SetEmbedding(vectorAt(0.1))
	_ = c.SetEmbedding(vectorAt(0.05))
	noVec := media(model.TypeFilm, "d", "D")
	seeded := seedMedia(t, repos, a, b, c, noVec)

	engine := NewSimilarityEngine(repos.Media)
	got, err := engine.FindSimilarTo(ctx, seeded[0].ID, 10, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Title != "C" || got[1].Title != "B" {
		t.Errorf("got %v", titles(got))
	}

	if _, err := engine.FindSimilarTo(ctx, seeded[3].ID, 5, ""); !errors.Is(err, model.ErrInvalidArgument) {
		t.Errorf("record without embedding: err = %v", err)
	}
	if _, err := engine.FindSimilarTo(ctx, uuid.New(), 5, ""); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("missing record: err = %v", err)
	}
}

func titles(items []model.Media) []string {
	out := make([]string, len(items))
	for i, m := range items {
		out[i] = m.Title
	}
	return out
}

func TestBrowseCountMatchesPages(t *testing.T) {
	repos := repotest.NewRepositories(t)
	ctx := context.Background()

	var items []model.Media
	for i := 0; i < 27; i++ {
		m := media(model.TypeGame, fmt.Sprint("g", i), fmt.Sprintf("Game %02d", i))
		m.Genre = []string{"Action, RPG", "Puzzle"}[i%2]
		m.PublishDate = time.Date(1985+i, 6, 1, 0, 0, 0, 0, time.UTC)
		items = append(items, m)
	}
	seedMedia(t, repos, items...)

	svc := NewCatalogService(repos.Media)
	for _, params := range []BrowseParams{
		{Type: "game"},
		{Type: "game", Decade: "1990"},
		{Type: "game", Genre: "rpg"},
		{Type: "game", Query: "game 1", Sort: "comments-high"},
		{Type: "game", Decade: "2000s", Genre: "puzzle", Sort: "rating-low"},
	} {
		params.PageSize = 4
		first, err := svc.Browse(ctx, params)
		if err != nil {
			t.Fatalf("%+v: %v", params, err)
		}
		seen := 0
		for page := 1; ; page++ {
			params.Page = page
			res, err := svc.Browse(ctx, params)
			if err != nil {
				t.Fatal(err)
			}
			if len(res.Result) == 0 {
				break
			}
			seen += len(res.Result)
		}
		if int64(seen) != first.TotalCount {
			t.Errorf("%+v: pages returned %d, count %d", params, seen, first.TotalCount)
		}
	}

	res, err := svc.Browse(ctx, BrowseParams{Type: "game", Decade: "1990"})
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalCount != 10 {
		t.Errorf("1990s count = %d, want 10", res.TotalCount)
	}

	// 起始年份不取整：1995 覆盖 1995..2004
	res, err = svc.Browse(ctx, BrowseParams{Type: "game", Decade: "1995", PageSize: 50})
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalCount != 10 || len(res.Result) != 10 {
		t.Fatalf("1995 count = %d len = %d, want 10", res.TotalCount, len(res.Result))
	}
	for _, m := range res.Result {
		if y := m.PublishDate.Year(); y < 1995 || y > 2004 {
			t.Errorf("%s published %d, outside 1995..2004", m.Title, y)
		}
	}
}

func TestBrowseRejectsBadInput(t *testing.T) {
	svc := NewCatalogService(repotest.NewRepositories(t).Media)
	for _, p := range []BrowseParams{
		{Type: "game", Decade: "nineties"},
		{Type: "music"},
		{Type: "film", Sort: "popularity"},
	} {
		if _, err := svc.Browse(context.Background(), p); !errors.Is(err, model.ErrInvalidArgument) {
			t.Errorf("%+v: err = %v, want ErrInvalidArgument", p, err)
		}
	}
}

func TestCatalogCreateAndUpdate(t *testing.T) {
	svc := NewCatalogService(repotest.NewRepositories(t).Media)
	ctx := context.Background()

	in := MediaInput{Type: model.TypeBook, Title: "Dune", ExternalID: "gb-dune", AvgRating: 4.9, TotalReviews: 12, Details: model.BookDetails{Writer: "Frank Herbert"}}
	m, err := svc.Create(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if m.AvgRating != 0 || m.TotalReviews != 0 {
		t.Errorf("create should zero ratings, got %v/%d", m.AvgRating, m.TotalReviews)
	}
	if _, err := svc.Create(ctx, in); !errors.Is(err, model.ErrConstraintViolation) {
		t.Errorf("duplicate create err = %v", err)
	}
	if _, err := svc.Create(ctx, MediaInput{Type: "music", Title: "x", ExternalID: "y"}); !errors.Is(err, model.ErrInvalidArgument) {
		t.Errorf("bad type err = %v", err)
	}

	in.Title = "Dune Messiah"
	updated, err := svc.Update(ctx, m.ID, in)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Title != "Dune Messiah" || updated.TotalReviews != 12 || !updated.LastUpdatedDate.After(m.CreatedDate.Add(-time.Second)) {
		t.Errorf("updated = %+v", updated)
	}

	found, err := svc.Search(ctx, "herbert", model.TypeBook)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 {
		t.Errorf("search found %d", len(found))
	}
}

func TestOllamaEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		vals := make([]string, model.EmbeddingDimensions)
		for i := range vals {
			vals[i] = "0.5"
		}
		fmt.Fprintf(w, `{"embedding":[%s]}`, strings.Join(vals, ","))
	}))
	defer srv.Close()

	vec, err := NewOllamaEmbedder(srv.URL, "all-minilm", time.Second).Embed(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	if len(vec) != model.EmbeddingDimensions {
		t.Errorf("len = %d", len(vec))
	}
}

func TestResilientEmbedderCachesAndTrips(t *testing.T) {
	inner := &hashEmbedder{}
	e := NewResilientEmbedder(inner, 16)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := e.Embed(ctx, "same text"); err != nil {
			t.Fatal(err)
		}
	}
	if n := inner.calls.Load(); n != 1 {
		t.Errorf("inner called %d times, want 1", n)
	}

	failing := &hashEmbedder{failOn: "x"}
	e = NewResilientEmbedder(failing, 16)
	for i := 0; i < 5; i++ {
		_, _ = e.Embed(ctx, fmt.Sprint("x", i))
	}
	before := failing.calls.Load()
	_, err := e.Embed(ctx, "x-open")
	if !errors.Is(err, model.ErrUpstreamTransient) {
		t.Errorf("open breaker err = %v", err)
	}
	if failing.calls.Load() != before {
		t.Error("open breaker should not call the service")
	}
}
