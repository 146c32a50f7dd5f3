package store

import (
	"fmt"
	"net/url"
	"strings"

	"admitflow/internal/config"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

// Dialector picks the gorm driver from the connection URL scheme
// (postgres://, mysql://, sqlite://).
func Dialector(raw string) (gorm.Dialector, error) {
	if strings.HasPrefix(raw, "sqlite://") {
		return sqlite.Open(strings.TrimPrefix(raw, "sqlite://")), nil
	}
	uri, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("database url: %w", err)
	}
	switch uri.Scheme {
	case "postgres", "postgresql":
		return postgres.Open(raw), nil
	case "mysql":
		query := uri.Query()
		if query.Get("parseTime") == "" {
			query.Set("parseTime", "true")
		}
		dsn := fmt.Sprintf("%s@tcp(%s)%s?%s", uri.User.String(), uri.Host, uri.Path, query.Encode())
		return mysql.Open(dsn), nil
	}
	return nil, fmt.Errorf("database driver %q is not supported", uri.Scheme)
}

// Open connects to the configured database and applies pool settings.
func Open(dc config.DatabaseConfig, tracing bool) (*gorm.DB, error) {
	dialector, err := Dialector(dc.ConnectionURL())
	if err != nil {
		return nil, err
	}
	level := logger.Warn
	if dc.Debug {
		level = logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(level)})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if tracing {
		if err := db.Use(gormtracing.NewPlugin()); err != nil {
			return nil, fmt.Errorf("gorm tracing: %w", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if dc.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(dc.MaxOpenConns)
	}
	if dc.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(dc.MaxIdleConns)
	}
	if dc.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(dc.ConnMaxLifetime)
	}
	return db, nil
}
