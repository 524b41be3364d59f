package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/user/poplens/internal/logging"
	"github.com/user/poplens/internal/model"
	"github.com/user/poplens/internal/utils"
	"golang.org/x/sync/singleflight"
)

const (
	tmdbBaseURL   = "https://api.themoviedb.org/3"
	genreCacheKey = "movie_genres"
)

// TMDB 电影适配器
type TMDB struct {
	token   string
	baseURL string
	client  *utils.HTTPClient
	cache   *cache.Cache
	group   singleflight.Group
	log     zerolog.Logger
}

// NewTMDB token 为 TMDB v4 读访问令牌
func NewTMDB(token string, opts Options) *TMDB {
	return &TMDB{
		token:   token,
		baseURL: opts.baseURL(tmdbBaseURL),
		client:  opts.client(),
		// 类型列表很少变化，缓存一天
		cache: cache.New(24*time.Hour, time.Hour),
		log:   logging.Component("source").With().Str("source", "tmdb").Logger(),
	}
}

func (s *TMDB) Name() string          { return "tmdb" }
func (s *TMDB) Type() model.MediaType { return model.TypeFilm }

type tmdbMovie struct {
	ID          int     `json:"id"`
	Title       string  `json:"title"`
	Overview    string  `json:"overview"`
	ReleaseDate string  `json:"release_date"`
	GenreIDs    []int   `json:"genre_ids"`
	PosterPath  string  `json:"poster_path"`
	VoteAverage float64 `json:"vote_average"`
	VoteCount   int     `json:"vote_count"`
}

type tmdbListResponse struct {
	Page       int         `json:"page"`
	TotalPages int         `json:"total_pages"`
	Results    []tmdbMovie `json:"results"`
}

type tmdbGenresResponse struct {
	Genres []struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	} `json:"genres"`
}

type tmdbCreditsResponse struct {
	Crew []struct {
		Job  string `json:"job"`
		Name string `json:"name"`
	} `json:"crew"`
}

// FetchPage 支持 top-rated / genre / year / language / region 五种查询
func (s *TMDB) FetchPage(ctx context.Context, q model.SourceQuery, page int) (*model.Page, error) {
	if err := checkPage(page); err != nil {
		return nil, err
	}
	path, params, err := s.listEndpoint(q)
	if err != nil {
		return nil, err
	}
	params.Set("page", strconv.Itoa(page))

	genres, err := s.genres(ctx)
	if err != nil {
		return nil, err
	}

	var resp tmdbListResponse
	if err := s.get(ctx, path, params, &resp); err != nil {
		return nil, err
	}

	items := make([]model.RawItem, 0, len(resp.Results))
	for _, m := range resp.Results {
		names := make([]string, 0, len(m.GenreIDs))
		for _, id := range m.GenreIDs {
			if name, ok := genres[id]; ok && name != "" {
				names = append(names, name)
			}
		}
		items = append(items, model.RawItem{
			Type:              model.TypeFilm,
			ExternalID:        strconv.Itoa(m.ID),
			Title:             m.Title,
			Description:       m.Overview,
			Genres:            names,
			PublishDate:       parseDate(m.ReleaseDate),
			ImageRef:          m.PosterPath,
			Details:           model.FilmDetails{Director: s.director(ctx, m.ID)},
			SourceRating:      m.VoteAverage,
			SourceRatingCount: m.VoteCount,
		})
	}
	return &model.Page{Items: items, HasMore: page < resp.TotalPages}, nil
}

func (s *TMDB) listEndpoint(q model.SourceQuery) (string, url.Values, error) {
	params := url.Values{}
	switch q.Kind {
	case model.QueryTopRated:
		return "/movie/top_rated", params, nil
	case model.QueryGenre:
		if q.GenreID <= 0 {
			return "", nil, fmt.Errorf("%w: genre id is required", model.ErrInvalidArgument)
		}
		params.Set("with_genres", strconv.Itoa(q.GenreID))
	case model.QueryYear:
		if q.Year <= 0 {
			return "", nil, fmt.Errorf("%w: year is required", model.ErrInvalidArgument)
		}
		params.Set("primary_release_year", strconv.Itoa(q.Year))
	case model.QueryLanguage:
		if q.Language == "" {
			return "", nil, fmt.Errorf("%w: language is required", model.ErrInvalidArgument)
		}
		params.Set("with_original_language", q.Language)
	case model.QueryRegion:
		if q.Region == "" {
			return "", nil, fmt.Errorf("%w: region is required", model.ErrInvalidArgument)
		}
		params.Set("region", q.Region)
	default:
		return "", nil, unsupported(s.Name(), q.Kind)
	}
	return "/discover/movie", params, nil
}

// genres 类型 ID 到名称的映射，并发调用只请求一次
func (s *TMDB) genres(ctx context.Context) (map[int]string, error) {
	if v, ok := s.cache.Get(genreCacheKey); ok {
		return v.(map[int]string), nil
	}
	val, err, _ := s.group.Do(genreCacheKey, func() (interface{}, error) {
		var resp tmdbGenresResponse
		if err := s.get(ctx, "/genre/movie/list", url.Values{}, &resp); err != nil {
			return nil, err
		}
		m := make(map[int]string, len(resp.Genres))
		for _, g := range resp.Genres {
			m[g.ID] = g.Name
		}
		s.cache.SetDefault(genreCacheKey, m)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return val.(map[int]string), nil
}

// director 查询演职员表，失败时返回空串，不影响整页
func (s *TMDB) director(ctx context.Context, movieID int) string {
	var resp tmdbCreditsResponse
	if err := s.get(ctx, fmt.Sprintf("/movie/%d/credits", movieID), url.Values{}, &resp); err != nil {
		s.log.Warn().Err(err).Int("movie_id", movieID).Msg("获取导演失败")
		return ""
	}
	for _, c := range resp.Crew {
		if c.Job == "Director" {
			return c.Name
		}
	}
	return ""
}

func (s *TMDB) get(ctx context.Context, path string, params url.Values, target any) error {
	u := s.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := utils.NewRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	return s.client.DoJSON(req, target)
}
