package repository

import (
	"fmt"

	"github.com/user/poplens/internal/model"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB 初始化 Postgres 连接并完成迁移
func InitDB(databaseURL string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("无法连接数据库: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("数据库 ping 失败: %w", err)
	}

	// 设置连接池
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate 建表；Postgres 下先启用 pgvector 扩展
func Migrate(db *gorm.DB) error {
	if isPostgres(db) {
		if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
			return fmt.Errorf("启用 pgvector 失败: %w", err)
		}
	}
	if err := db.AutoMigrate(&model.Media{}, &model.IngestionRun{}); err != nil {
		return fmt.Errorf("迁移失败: %w", err)
	}
	return nil
}

func isPostgres(db *gorm.DB) bool {
	return db.Dialector.Name() == "postgres"
}

// Repositories 仓库集合
type Repositories struct {
	DB    *gorm.DB
	Media *MediaRepository
	Runs  *RunRepository
}

// NewRepositories 创建仓库集合
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		DB:    db,
		Media: NewMediaRepository(db),
		Runs:  NewRunRepository(db),
	}
}
