package db

import (
	"context"
	"fmt"
	"io/fs"
	"sync"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

// MigrationsTable records applied migrations.
const MigrationsTable = "schema_migrations"

// goose keeps its base filesystem and dialect in package state.
var gooseMu sync.Mutex

func (t Type) gooseDialect() string {
	switch t {
	case MySQL:
		return "mysql"
	case SQLite:
		return "sqlite3"
	default:
		return "postgres"
	}
}

// Migrate applies the pending goose migrations found in dir of fsys.
func (d *Database) Migrate(ctx context.Context, fsys fs.FS, dir string) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(fsys)
	defer goose.SetBaseFS(nil)
	goose.SetTableName(MigrationsTable)
	goose.SetLogger(gooseLogger{logger: d.logger})
	if err := goose.SetDialect(d.typ.gooseDialect()); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := goose.UpContext(ctx, d.db, dir); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	version, err := goose.GetDBVersionContext(ctx, d.db)
	if err != nil {
		return fmt.Errorf("migrate: read version: %w", err)
	}
	d.logger.Info("migrations applied", zap.Int64("version", version))
	return nil
}

// gooseLogger routes goose output through zap.
type gooseLogger struct {
	logger *zap.Logger
}

func (l gooseLogger) Printf(format string, v ...interface{}) {
	l.logger.Sugar().Infof(format, v...)
}

func (l gooseLogger) Fatalf(format string, v ...interface{}) {
	l.logger.Sugar().Errorf(format, v...)
}
