// Package source 外部目录适配器（Google Books / TMDB / IGDB）
//
// 每个适配器只负责构造请求并把原生条目映射为 model.RawItem，
// 去重、过滤、入库由 service.Pipeline 完成。页码统一从 1 开始。
package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/user/poplens/internal/model"
	"github.com/user/poplens/internal/utils"
)

// Adapter 外部目录的分页抓取能力
type Adapter interface {
	Name() string
	Type() model.MediaType
	FetchPage(ctx context.Context, q model.SourceQuery, page int) (*model.Page, error)
}

// Options 适配器的公共构造参数
type Options struct {
	BaseURL string            // 测试时指向 httptest 服务
	Client  *utils.HTTPClient // 为空时使用 30 秒超时的默认客户端
}

func (o Options) client() *utils.HTTPClient {
	if o.Client != nil {
		return o.Client
	}
	return utils.NewHTTPClient(0)
}

func (o Options) baseURL(def string) string {
	if o.BaseURL != "" {
		return strings.TrimRight(o.BaseURL, "/")
	}
	return def
}

func unsupported(name string, kind model.QueryKind) error {
	return fmt.Errorf("%w: %s does not support query kind %q", model.ErrInvalidArgument, name, kind)
}

func checkPage(page int) error {
	if page < 1 {
		return fmt.Errorf("%w: page must be >= 1, got %d", model.ErrInvalidArgument, page)
	}
	return nil
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01",
	"2006",
	time.RFC3339,
}

// parseDate 尽力解析来源日期，无法解析时返回 nil，由入库流程回退为当前时间
func parseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
