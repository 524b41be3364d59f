// poplensctl 运维命令行：直接连库执行抓取、向量回填与签发令牌
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/user/poplens/internal/config"
	"github.com/user/poplens/internal/handler"
	"github.com/user/poplens/internal/logging"
	"github.com/user/poplens/internal/middleware"
	"github.com/user/poplens/internal/model"
	"github.com/user/poplens/internal/repository"
	"github.com/user/poplens/internal/service"
)

type app struct {
	cfg     *config.Config
	repos   *repository.Repositories
	sources handler.Sources
}

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "poplensctl",
		Short:         "媒体目录运维工具",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newIngestCmd(), newBackfillCmd(), newTokenCmd())
	return root
}

// setup 加载配置并连接数据库
func setup() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: "console"})
	db, err := repository.InitDB(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, repos: repository.NewRepositories(db), sources: handler.NewSources(cfg)}, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type runFlags struct {
	pages       int
	concurrency int
	noImage     bool
}

func (f *runFlags) bind(cmd *cobra.Command, defPages int) {
	cmd.Flags().IntVar(&f.pages, "pages", defPages, "最多抓取的页数")
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 0, "并发抓取的页数，0 表示使用配置")
	cmd.Flags().BoolVar(&f.noImage, "allow-no-image", false, "保留没有封面的条目")
}

func (f *runFlags) options(p *service.Pipeline) service.RunOptions {
	opts := p.DefaultOptions()
	opts.Pages = f.pages
	if f.concurrency > 0 {
		opts.Concurrency = f.concurrency
	}
	if f.noImage {
		opts.RequireImage = false
	}
	return opts
}

func newIngestCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "ingest", Short: "从外部目录抓取记录"}
	cmd.AddCommand(newIngestBooksCmd(), newIngestFilmsCmd(), newIngestFilmYearsCmd(), newIngestGamesCmd())
	return cmd
}

func newIngestBooksCmd() *cobra.Command {
	var (
		flags  runFlags
		limit  int
		offset int
	)
	cmd := &cobra.Command{
		Use:   "books <subject>",
		Short: "按主题抓取书籍",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			p := service.NewPipeline(a.repos, a.cfg.Ingest)
			opts := flags.options(p)
			opts.MaxRecords = limit
			q := model.SourceQuery{Kind: model.QuerySubject, Subject: args[0], Offset: offset}
			summary, err := p.Run(ctx, a.sources.Books, q, opts)
			if err != nil {
				return err
			}
			return printJSON(summary)
		},
	}
	flags.bind(cmd, 6)
	cmd.Flags().IntVar(&limit, "limit", 40, "最多写入的记录数")
	cmd.Flags().IntVar(&offset, "offset", 0, "起始偏移")
	return cmd
}

func newIngestFilmsCmd() *cobra.Command {
	var (
		flags    runFlags
		kind     string
		genreID  int
		year     int
		language string
		region   string
	)
	cmd := &cobra.Command{
		Use:   "films",
		Short: "按榜单/类型/年份/语言/地区抓取电影",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			p := service.NewPipeline(a.repos, a.cfg.Ingest)
			q := model.SourceQuery{
				Kind:     model.QueryKind(kind),
				GenreID:  genreID,
				Year:     year,
				Language: language,
				Region:   region,
			}
			summary, err := p.Run(ctx, a.sources.Films, q, flags.options(p))
			if err != nil {
				return err
			}
			return printJSON(summary)
		},
	}
	flags.bind(cmd, service.DefaultPages)
	cmd.Flags().StringVar(&kind, "kind", string(model.QueryTopRated), "top-rated|genre|year|language|region")
	cmd.Flags().IntVar(&genreID, "genre-id", 0, "TMDB 类型 ID")
	cmd.Flags().IntVar(&year, "year", 0, "首映年份")
	cmd.Flags().StringVar(&language, "language", "", "原始语言，如 ja")
	cmd.Flags().StringVar(&region, "region", "", "上映地区，如 FR")
	return cmd
}

func newIngestFilmYearsCmd() *cobra.Command {
	var (
		flags    runFlags
		from, to int
	)
	cmd := &cobra.Command{
		Use:   "films-years",
		Short: "逐年抓取电影",
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == 0 {
				to = time.Now().Year()
			}
			if from > to {
				return fmt.Errorf("--from (%d) must not be after --to (%d)", from, to)
			}
			a, err := setup()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			p := service.NewPipeline(a.repos, a.cfg.Ingest)
			sweep, err := p.RunYears(ctx, a.sources.Films, from, to, flags.options(p))
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"inserted": sweep.Inserted, "years": sweep.Counts()})
		},
	}
	flags.bind(cmd, 15)
	cmd.Flags().IntVar(&from, "from", 1950, "起始年份")
	cmd.Flags().IntVar(&to, "to", 0, "结束年份，默认今年")
	return cmd
}

func newIngestGamesCmd() *cobra.Command {
	var (
		flags     runFlags
		year      int
		genre     string
		publisher string
	)
	cmd := &cobra.Command{
		Use:   "games",
		Short: "按年份/类型/发行商抓取游戏",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			p := service.NewPipeline(a.repos, a.cfg.Ingest)
			q := model.SourceQuery{Kind: model.QueryGames, Year: year, Genre: genre, Publisher: publisher}
			summary, err := p.Run(ctx, a.sources.Games, q, flags.options(p))
			if err != nil {
				return err
			}
			return printJSON(summary)
		},
	}
	flags.bind(cmd, service.DefaultPages)
	cmd.Flags().IntVar(&year, "year", 0, "发行年份")
	cmd.Flags().StringVar(&genre, "genre", "", "类型名，部分匹配")
	cmd.Flags().StringVar(&publisher, "publisher", "", "发行商名，部分匹配")
	return cmd
}

func newBackfillCmd() *cobra.Command {
	var batchSize int
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "为缺少向量的记录生成向量",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			if batchSize <= 0 {
				batchSize = a.cfg.Backfill.BatchSize
			}
			res, err := service.NewBackfill(a.repos.Media, handler.NewEmbedder(a.cfg), batchSize).Run(ctx)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "每批读取的记录数，0 表示使用配置")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		role   string
		expiry time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "签发 API 访问令牌",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch role {
			case middleware.RoleAdmin, middleware.RoleService, middleware.RoleReader:
			default:
				return fmt.Errorf("unknown role %q", role)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if expiry == 0 {
				expiry = cfg.JWTExpiry
			}
			tok, err := middleware.GenerateToken(args[0], role, cfg.AppSecret, expiry)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", middleware.RoleReader, "admin|service|reader")
	cmd.Flags().DurationVar(&expiry, "expiry", 0, "有效期，0 表示使用配置")
	return cmd
}
