package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/user/poplens/internal/config"
	"github.com/user/poplens/internal/logging"
	"github.com/user/poplens/internal/metrics"
	"github.com/user/poplens/internal/model"
	"github.com/user/poplens/internal/repository"
	"github.com/user/poplens/internal/source"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
)

const (
	DefaultPages       = 5
	unknown            = "Unknown"
	noGameDescription  = "No description available."
	defaultRetryWindow = 500 * time.Millisecond
)

// RunOptions 单次抓取运行的参数
type RunOptions struct {
	Pages          int  // 页数预算，<=0 时为 DefaultPages
	MaxRecords     int  // 写入达到该数量后提前结束，0 表示不限
	RequireImage   bool // 丢弃没有封面/海报的条目
	CollectRecords bool // 在汇总中返回写入的记录
	Retries        int  // 单页失败后的重试次数
	Concurrency    int  // 同一运行内并发抓取的页数
}

// UnitResult 一个工作单元（页或年份）的结果：成功时 Error 为空
type UnitResult struct {
	Unit       string `json:"unit"`
	Inserted   int    `json:"inserted"`
	Duplicates int    `json:"duplicates,omitempty"`
	NoImage    int    `json:"no_image,omitempty"`
	Invalid    int    `json:"invalid,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (u UnitResult) Ok() bool { return u.Error == "" }

// RunSummary 抓取运行汇总
type RunSummary struct {
	RunID      uuid.UUID         `json:"run_id"`
	Source     string            `json:"source"`
	Query      model.SourceQuery `json:"query"`
	Inserted   int               `json:"inserted"`
	Units      []UnitResult      `json:"units"`
	Records    []model.Media     `json:"records,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

// Failed 失败的工作单元数量
func (s *RunSummary) Failed() int {
	n := 0
	for _, u := range s.Units {
		if !u.Ok() {
			n++
		}
	}
	return n
}

// Pipeline 抓取流水线：fetch → normalize → filter → flush
type Pipeline struct {
	media    *repository.MediaRepository
	runs     *repository.RunRepository
	defaults config.IngestConfig
	log      zerolog.Logger

	newBackOff func() backoff.BackOff
	now        func() time.Time
}

func NewPipeline(repos *repository.Repositories, cfg config.IngestConfig) *Pipeline {
	return &Pipeline{
		media:    repos.Media,
		runs:     repos.Runs,
		defaults: cfg,
		log:      logging.Component("ingest"),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = defaultRetryWindow
			b.MaxElapsedTime = 0
			return b
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// DefaultOptions 由配置得到的默认运行参数
func (p *Pipeline) DefaultOptions() RunOptions {
	return RunOptions{
		Pages:        DefaultPages,
		RequireImage: p.defaults.RequireImage,
		Retries:      p.defaults.PageRetries,
		Concurrency:  p.defaults.FetchConcurrency,
	}
}

type fetched struct {
	page int
	data *model.Page
	err  error
}

// Run 执行一次抓取。单页失败只记录在汇总里，不会中断运行；
// 仅在查询本身不合法、去重索引无法加载或 ctx 取消时返回错误
func (p *Pipeline) Run(ctx context.Context, a source.Adapter, q model.SourceQuery, opts RunOptions) (*RunSummary, error) {
	if opts.Pages <= 0 {
		opts.Pages = DefaultPages
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}

	summary := &RunSummary{RunID: uuid.New(), Source: a.Name(), Query: q, StartedAt: p.now()}
	log := p.log.With().Str("source", a.Name()).Str("run_id", summary.RunID.String()).Logger()

	index, err := LoadDedupIndex(ctx, p.media, a.Type())
	if err != nil {
		return nil, err
	}

	done := false
	for start := 1; start <= opts.Pages && !done; start += opts.Concurrency {
		end := min(start+opts.Concurrency-1, opts.Pages)
		window := p.fetchWindow(ctx, a, q, start, end, opts.Retries)

		// 单一写入方：按页序依次过滤、写入
		for _, f := range window {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			unit := UnitResult{Unit: fmt.Sprintf("page %d", f.page)}
			if f.err != nil {
				if errors.Is(f.err, model.ErrInvalidArgument) || errors.Is(f.err, context.Canceled) {
					return nil, f.err
				}
				unit.Error = f.err.Error()
				summary.Units = append(summary.Units, unit)
				metrics.IngestPageFailures.WithLabelValues(a.Name()).Inc()
				log.Warn().Err(f.err).Int("page", f.page).Msg("页面抓取失败，跳过")
				continue
			}

			remaining := 0
			if opts.MaxRecords > 0 {
				remaining = opts.MaxRecords - summary.Inserted
			}
			batch := p.filter(f.data.Items, index, opts.RequireImage, remaining, &unit)
			inserted, err := p.flush(ctx, batch, index)
			if err != nil {
				unit.Error = err.Error()
				summary.Units = append(summary.Units, unit)
				metrics.IngestPageFailures.WithLabelValues(a.Name()).Inc()
				log.Error().Err(err).Int("page", f.page).Msg("批次写入失败")
				continue
			}

			unit.Inserted = len(inserted)
			summary.Inserted += len(inserted)
			summary.Units = append(summary.Units, unit)
			if opts.CollectRecords {
				summary.Records = append(summary.Records, inserted...)
			}
			metrics.IngestRecords.WithLabelValues(a.Name()).Add(float64(len(inserted)))
			log.Debug().Int("page", f.page).Int("inserted", unit.Inserted).Int("duplicates", unit.Duplicates).Msg("页面入库完成")

			if !f.data.HasMore || (opts.MaxRecords > 0 && summary.Inserted >= opts.MaxRecords) {
				done = true
				break
			}
		}
	}

	summary.FinishedAt = p.now()
	p.record(ctx, a.Type(), summary)
	log.Info().Int("inserted", summary.Inserted).Int("failed_pages", summary.Failed()).Msg("抓取完成")
	return summary, nil
}

// fetchWindow 并发抓取 [start, end] 页，结果按页序返回
func (p *Pipeline) fetchWindow(ctx context.Context, a source.Adapter, q model.SourceQuery, start, end, retries int) []fetched {
	out := make([]fetched, end-start+1)
	var g errgroup.Group
	for i := range out {
		page := start + i
		g.Go(func() error {
			data, err := p.fetchPage(ctx, a, q, page, retries)
			out[i] = fetched{page: page, data: data, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// fetchPage 只重试临时性错误
func (p *Pipeline) fetchPage(ctx context.Context, a source.Adapter, q model.SourceQuery, page, retries int) (*model.Page, error) {
	var result *model.Page
	op := func() error {
		data, err := a.FetchPage(ctx, q, page)
		if err != nil {
			if !errors.Is(err, model.ErrUpstreamTransient) {
				return backoff.Permanent(err)
			}
			return err
		}
		if data == nil {
			data = &model.Page{}
		}
		result = data
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), uint64(retries)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return result, nil
}

// filter 规范化并筛掉重复、无图与不完整的条目；被接受的 ID 立即加入索引
func (p *Pipeline) filter(items []model.RawItem, index *DedupIndex, requireImage bool, remaining int, unit *UnitResult) []model.Media {
	now := p.now()
	batch := make([]model.Media, 0, len(items))
	for _, item := range items {
		if remaining > 0 && len(batch) >= remaining {
			break
		}
		if index.Contains(item.ExternalID) {
			unit.Duplicates++
			continue
		}
		if requireImage && strings.TrimSpace(item.ImageRef) == "" {
			unit.NoImage++
			continue
		}
		m, err := Normalize(item, now)
		if err != nil {
			unit.Invalid++
			continue
		}
		index.Add(item.ExternalID)
		batch = append(batch, m)
	}
	return batch
}

// flush 一次批量写入；失败时把本批 ID 移出索引
func (p *Pipeline) flush(ctx context.Context, batch []model.Media, index *DedupIndex) ([]model.Media, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	inserted, err := p.media.InsertBatch(ctx, batch)
	if err != nil {
		for _, m := range batch {
			index.Remove(m.ExternalID)
		}
		return nil, err
	}
	return inserted, nil
}

func (p *Pipeline) record(ctx context.Context, t model.MediaType, s *RunSummary) {
	query, _ := json.Marshal(s.Query)
	units, _ := json.Marshal(s.Units)
	run := &model.IngestionRun{
		ID:         s.RunID,
		Source:     s.Source,
		Type:       t,
		Query:      datatypes.JSON(query),
		Inserted:   s.Inserted,
		Failed:     s.Failed(),
		Units:      datatypes.JSON(units),
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
	}
	if err := p.runs.Create(ctx, run); err != nil {
		p.log.Warn().Err(err).Str("run_id", s.RunID.String()).Msg("保存运行记录失败")
	}
}

// Normalize 把 RawItem 映射为待写入的记录：新 ID、评分清零、时间戳为 now，缺失字段取默认值
func Normalize(item model.RawItem, now time.Time) (model.Media, error) {
	if !item.Type.Valid() {
		return model.Media{}, fmt.Errorf("%w: media type %q", model.ErrInvalidArgument, item.Type)
	}
	if strings.TrimSpace(item.ExternalID) == "" || strings.TrimSpace(item.Title) == "" {
		return model.Media{}, fmt.Errorf("%w: external id and title are required", model.ErrInvalidArgument)
	}

	m := model.Media{
		ID:              uuid.New(),
		Type:            item.Type,
		Title:           strings.TrimSpace(item.Title),
		Description:     strings.TrimSpace(item.Description),
		Genre:           joinGenres(item.Genres),
		ExternalID:      item.ExternalID,
		CachedImagePath: item.ImageRef,
		PublishDate:     now,
		CreatedDate:     now,
		LastUpdatedDate: now,
	}
	if item.PublishDate != nil {
		m.PublishDate = item.PublishDate.UTC()
	}

	switch item.Type {
	case model.TypeGame:
		if m.Genre == "" {
			m.Genre = unknown
		}
		if m.Description == "" {
			m.Description = noGameDescription
		}
	case model.TypeBook:
		if m.Description == "" {
			m.Description = unknown
		}
	}

	if err := m.SetDetails(defaultDetails(item.Type, item.Details)); err != nil {
		return model.Media{}, err
	}
	return m, nil
}

// defaultDetails 人员字段缺失时取 "Unknown"
func defaultDetails(t model.MediaType, d model.Details) model.Details {
	orUnknown := func(s string) string {
		if strings.TrimSpace(s) == "" {
			return unknown
		}
		return s
	}
	switch v := d.(type) {
	case model.FilmDetails:
		return model.FilmDetails{Director: orUnknown(v.Director)}
	case model.BookDetails:
		return model.BookDetails{Writer: orUnknown(v.Writer)}
	case model.GameDetails:
		return model.GameDetails{Publisher: orUnknown(v.Publisher)}
	}
	switch t {
	case model.TypeFilm:
		return model.FilmDetails{Director: unknown}
	case model.TypeBook:
		return model.BookDetails{Writer: unknown}
	default:
		return model.GameDetails{Publisher: unknown}
	}
}

func joinGenres(genres []string) string {
	out := make([]string, 0, len(genres))
	for _, g := range genres {
		if g = strings.TrimSpace(g); g != "" {
			out = append(out, g)
		}
	}
	return strings.Join(out, ", ")
}

// YearSweep 逐年抓取的汇总
type YearSweep struct {
	Inserted int                `json:"inserted"`
	Years    map[int]UnitResult `json:"years"`
}

// Counts year → 写入数量，失败的年份为 0
func (y *YearSweep) Counts() map[int]int {
	out := make(map[int]int, len(y.Years))
	for year, r := range y.Years {
		out[year] = r.Inserted
	}
	return out
}

// RunYears 对 [from, to] 的每一年独立运行一次年份抓取，某年失败不影响后续年份
func (p *Pipeline) RunYears(ctx context.Context, a source.Adapter, from, to int, opts RunOptions) (*YearSweep, error) {
	if from > to {
		return nil, fmt.Errorf("%w: year range %d..%d", model.ErrInvalidArgument, from, to)
	}
	sweep := &YearSweep{Years: make(map[int]UnitResult, to-from+1)}
	for year := from; year <= to; year++ {
		if err := ctx.Err(); err != nil {
			return sweep, err
		}
		unit := UnitResult{Unit: fmt.Sprint(year)}
		s, err := p.Run(ctx, a, model.SourceQuery{Kind: model.QueryYear, Year: year}, opts)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return sweep, err
			}
			unit.Error = err.Error()
			p.log.Warn().Err(err).Str("source", a.Name()).Int("year", year).Msg("年份抓取失败，继续下一年")
		} else {
			unit.Inserted = s.Inserted
		}
		sweep.Years[year] = unit
		sweep.Inserted += unit.Inserted
	}
	return sweep, nil
}
