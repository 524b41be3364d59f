package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/user/poplens/internal/model"
	"github.com/user/poplens/internal/utils"
)

const (
	googleBooksBaseURL = "https://www.googleapis.com/books/v1"
	googleBooksPerPage = 40
)

// GoogleBooks 书籍适配器
type GoogleBooks struct {
	apiKey  string
	baseURL string
	client  *utils.HTTPClient
}

func NewGoogleBooks(apiKey string, opts Options) *GoogleBooks {
	return &GoogleBooks{
		apiKey:  apiKey,
		baseURL: opts.baseURL(googleBooksBaseURL),
		client:  opts.client(),
	}
}

func (s *GoogleBooks) Name() string          { return "googlebooks" }
func (s *GoogleBooks) Type() model.MediaType { return model.TypeBook }

type googleVolume struct {
	ID         string `json:"id"`
	VolumeInfo struct {
		Title         string   `json:"title"`
		Authors       []string `json:"authors"`
		Publisher     string   `json:"publisher"`
		PublishedDate string   `json:"publishedDate"`
		AverageRating float64  `json:"averageRating"`
		RatingsCount  int      `json:"ratingsCount"`
		Categories    []string `json:"categories"`
		Description   string   `json:"description"`
		ImageLinks    *struct {
			Thumbnail string `json:"thumbnail"`
		} `json:"imageLinks"`
	} `json:"volumeInfo"`
}

type googleVolumesResponse struct {
	TotalItems int            `json:"totalItems"`
	Items      []googleVolume `json:"items"`
}

// FetchPage 按主题分页，startIndex = Offset + (page-1)*40
// 同一页内按评分人数、平均分降序排列
func (s *GoogleBooks) FetchPage(ctx context.Context, q model.SourceQuery, page int) (*model.Page, error) {
	if err := checkPage(page); err != nil {
		return nil, err
	}
	if q.Kind != model.QuerySubject {
		return nil, unsupported(s.Name(), q.Kind)
	}
	if strings.TrimSpace(q.Subject) == "" {
		return nil, fmt.Errorf("%w: subject is required", model.ErrInvalidArgument)
	}

	params := url.Values{}
	params.Set("q", "subject:"+q.Subject)
	params.Set("orderBy", "relevance")
	params.Set("maxResults", strconv.Itoa(googleBooksPerPage))
	params.Set("startIndex", strconv.Itoa(q.Offset+(page-1)*googleBooksPerPage))
	if s.apiKey != "" {
		params.Set("key", s.apiKey)
	}

	req, err := utils.NewRequest(ctx, http.MethodGet, s.baseURL+"/volumes?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var resp googleVolumesResponse
	if err := s.client.DoJSON(req, &resp); err != nil {
		return nil, err
	}

	items := make([]model.RawItem, 0, len(resp.Items))
	for _, v := range resp.Items {
		info := v.VolumeInfo
		items = append(items, model.RawItem{
			Type:              model.TypeBook,
			ExternalID:        v.ID,
			Title:             info.Title,
			Description:       plainText(info.Description),
			Genres:            info.Categories,
			PublishDate:       parseDate(info.PublishedDate),
			ImageRef:          v.ID, // 封面通过卷 ID 获取
			Details:           model.BookDetails{Writer: strings.Join(info.Authors, ", ")},
			SourceRating:      info.AverageRating,
			SourceRatingCount: info.RatingsCount,
		})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].SourceRatingCount != items[j].SourceRatingCount {
			return items[i].SourceRatingCount > items[j].SourceRatingCount
		}
		return items[i].SourceRating > items[j].SourceRating
	})

	return &model.Page{Items: items, HasMore: len(resp.Items) == googleBooksPerPage}, nil
}

// plainText 去掉简介中的 HTML 标记
func plainText(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.TrimSpace(s)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(doc.Text())
}
