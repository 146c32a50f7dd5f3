package store

import (
	"context"
	"errors"

	"admitflow/internal/models"
	"admitflow/internal/workflow"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = workflow.ErrNotFound

// Store is the gorm-backed persistence for rules, executions and deferred tasks.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *gorm.DB { return s.db }

// Migrate creates or updates every table the service owns or reads.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(models.AllModels()...)
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// Page normalizes 1-based paging input.
type Page struct {
	Page     int
	PageSize int
}

const maxPageSize = 200

func (p Page) limits() (offset, limit int) {
	page, size := p.Page, p.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	return (page - 1) * size, size
}
