package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/user/poplens/internal/model"
	"github.com/user/poplens/internal/utils"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	igdbBaseURL   = "https://api.igdb.com/v4"
	twitchAuthURL = "https://id.twitch.tv/oauth2/token"
	igdbPerPage   = 50
	tokenCacheKey = "igdb_token"
)

// IGDBOptions 在 Options 之外可以单独指定 Twitch 授权地址与限速
type IGDBOptions struct {
	Options
	AuthURL       string
	RatePerSecond float64 // IGDB 限制 4 次/秒
}

// IGDB 游戏适配器，使用 Twitch client-credentials 授权
type IGDB struct {
	clientID     string
	clientSecret string
	baseURL      string
	authURL      string
	client       *utils.HTTPClient
	limiter      *rate.Limiter
	tokens       *cache.Cache
	group        singleflight.Group
}

func NewIGDB(clientID, clientSecret string, opts IGDBOptions) *IGDB {
	rps := opts.RatePerSecond
	if rps <= 0 {
		rps = 4
	}
	authURL := opts.AuthURL
	if authURL == "" {
		authURL = twitchAuthURL
	}
	return &IGDB{
		clientID:     clientID,
		clientSecret: clientSecret,
		baseURL:      opts.baseURL(igdbBaseURL),
		authURL:      authURL,
		client:       opts.client(),
		limiter:      rate.NewLimiter(rate.Limit(rps), 1),
		tokens:       cache.New(cache.NoExpiration, 10*time.Minute),
	}
}

func (s *IGDB) Name() string          { return "igdb" }
func (s *IGDB) Type() model.MediaType { return model.TypeGame }

type igdbGame struct {
	ID               int    `json:"id"`
	Name             string `json:"name"`
	FirstReleaseDate int64  `json:"first_release_date"`
	Summary          string `json:"summary"`
	Genres           []struct {
		Name string `json:"name"`
	} `json:"genres"`
	InvolvedCompanies []struct {
		Publisher bool `json:"publisher"`
		Company   struct {
			Name string `json:"name"`
		} `json:"company"`
	} `json:"involved_companies"`
	Cover *struct {
		ImageID string `json:"image_id"`
		URL     string `json:"url"`
	} `json:"cover"`
}

type twitchToken struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// FetchPage offset = (page-1)*50，返回满 50 条时认为还有下一页
func (s *IGDB) FetchPage(ctx context.Context, q model.SourceQuery, page int) (*model.Page, error) {
	if err := checkPage(page); err != nil {
		return nil, err
	}
	if q.Kind != model.QueryGames {
		return nil, unsupported(s.Name(), q.Kind)
	}

	token, err := s.token(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := utils.NewRequest(ctx, http.MethodPost, s.baseURL+"/games", gamesQuery(q, page))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Client-ID", s.clientID)
	req.Header.Set("Authorization", "Bearer "+token)

	var games []igdbGame
	if err := s.client.DoJSON(req, &games); err != nil {
		var se *utils.StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized {
			// 令牌被吊销：丢弃缓存，重试时重新获取
			s.tokens.Delete(tokenCacheKey)
			return nil, fmt.Errorf("%w: igdb token rejected: %w", model.ErrUpstreamTransient, err)
		}
		return nil, err
	}

	items := make([]model.RawItem, 0, len(games))
	for _, g := range games {
		item := model.RawItem{
			Type:        model.TypeGame,
			ExternalID:  strconv.Itoa(g.ID),
			Title:       g.Name,
			Description: g.Summary,
		}
		for _, genre := range g.Genres {
			if genre.Name != "" {
				item.Genres = append(item.Genres, genre.Name)
			}
		}
		if g.FirstReleaseDate > 0 {
			t := time.Unix(g.FirstReleaseDate, 0).UTC()
			item.PublishDate = &t
		}
		if g.Cover != nil {
			item.ImageRef = g.Cover.ImageID
			if item.ImageRef == "" {
				item.ImageRef = g.Cover.URL
			}
		}
		publisher := ""
		for _, ic := range g.InvolvedCompanies {
			if ic.Publisher && ic.Company.Name != "" {
				publisher = ic.Company.Name
				break
			}
		}
		item.Details = model.GameDetails{Publisher: publisher}
		items = append(items, item)
	}
	return &model.Page{Items: items, HasMore: len(games) == igdbPerPage}, nil
}

// gamesQuery 生成 Apicalypse 查询体
func gamesQuery(q model.SourceQuery, page int) string {
	conds := []string{"first_release_date != null", "genres != null"}
	if q.Year > 0 {
		start := time.Date(q.Year, time.January, 1, 0, 0, 0, 0, time.UTC)
		conds = append(conds,
			fmt.Sprintf("first_release_date >= %d", start.Unix()),
			fmt.Sprintf("first_release_date < %d", start.AddDate(1, 0, 0).Unix()))
	}
	if q.Genre != "" {
		conds = append(conds, fmt.Sprintf(`genres.name ~ *"%s"*`, apicalypseEscape(q.Genre)))
	}
	if q.Publisher != "" {
		conds = append(conds, fmt.Sprintf(`involved_companies.company.name ~ *"%s"*`, apicalypseEscape(q.Publisher)))
	}

	var b strings.Builder
	b.WriteString("fields id,name,first_release_date,genres.name,involved_companies.company.name,involved_companies.publisher,summary,cover.image_id,cover.url; ")
	b.WriteString("where " + strings.Join(conds, " & ") + "; ")
	b.WriteString("sort id asc; ")
	fmt.Fprintf(&b, "limit %d; offset %d;", igdbPerPage, q.Offset+(page-1)*igdbPerPage)
	return b.String()
}

func apicalypseEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

// token 获取并缓存访问令牌，提前一分钟过期
func (s *IGDB) token(ctx context.Context) (string, error) {
	if v, ok := s.tokens.Get(tokenCacheKey); ok {
		return v.(string), nil
	}
	val, err, _ := s.group.Do(tokenCacheKey, func() (interface{}, error) {
		params := url.Values{}
		params.Set("client_id", s.clientID)
		params.Set("client_secret", s.clientSecret)
		params.Set("grant_type", "client_credentials")
		req, err := utils.NewRequest(ctx, http.MethodPost, s.authURL+"?"+params.Encode(), nil)
		if err != nil {
			return nil, err
		}
		var tok twitchToken
		if err := s.client.DoJSON(req, &tok); err != nil {
			return nil, fmt.Errorf("igdb auth: %w", err)
		}
		ttl := time.Duration(tok.ExpiresIn)*time.Second - time.Minute
		if ttl <= 0 {
			ttl = time.Minute
		}
		s.tokens.Set(tokenCacheKey, tok.AccessToken, ttl)
		return tok.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return val.(string), nil
}
