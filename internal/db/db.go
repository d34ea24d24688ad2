// Package db opens Postgres, MySQL and SQLite connection pools behind one
// Database type and provides statement execution, schema inspection, table
// creation from entities and migrations.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "github.com/mattn/go-sqlite3"    // registers the "sqlite3" driver
	"go.uber.org/zap"

	"github.com/kjstillabower/cargoal/internal/observability"
)

// Type is a supported database engine.
type Type string

const (
	Postgres Type = "postgres"
	MySQL    Type = "mysql"
	SQLite   Type = "sqlite"
)

// ParseType maps "postgres", "mysql" or "sqlite" to a Type.
func ParseType(s string) (Type, bool) {
	switch t := Type(s); t {
	case Postgres, MySQL, SQLite:
		return t, true
	}
	return "", false
}

func (t Type) String() string {
	return string(t)
}

func (t Type) driverName() string {
	switch t {
	case Postgres:
		return "pgx"
	case MySQL:
		return "mysql"
	default:
		return "sqlite3"
	}
}

// DefaultTimeout bounds the initial connection check when Config.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// Config describes how to reach a database.
type Config struct {
	Type           Type          `validate:"required,oneof=postgres mysql sqlite"`
	URL            string        `validate:"required"`
	MaxConnections int           `validate:"gte=0"`
	Timeout        time.Duration `validate:"gte=0"`
}

var validate = validator.New()

// Validate checks the config fields.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid database config: %w", err)
	}
	return nil
}

// ConfigFromEnv reads DATABASE_TYPE (default postgres), DATABASE_URL (required),
// DATABASE_MAX_CONNECTIONS and DATABASE_TIMEOUT (seconds). Unparsable optional
// values are ignored.
func ConfigFromEnv() (Config, error) {
	var cfg Config

	rawType := os.Getenv("DATABASE_TYPE")
	if rawType == "" {
		rawType = string(Postgres)
	}
	t, ok := ParseType(rawType)
	if !ok {
		return Config{}, fmt.Errorf("invalid DATABASE_TYPE %q: want postgres, mysql or sqlite", rawType)
	}
	cfg.Type = t

	cfg.URL = os.Getenv("DATABASE_URL")
	if cfg.URL == "" {
		return Config{}, errors.New("DATABASE_URL must be set")
	}

	if v, err := strconv.Atoi(os.Getenv("DATABASE_MAX_CONNECTIONS")); err == nil && v > 0 {
		cfg.MaxConnections = v
	}
	if v, err := strconv.ParseUint(os.Getenv("DATABASE_TIMEOUT"), 10, 32); err == nil {
		cfg.Timeout = time.Duration(v) * time.Second
	}
	return cfg, nil
}

// Database is a connection pool for one engine.
type Database struct {
	db     *sql.DB
	typ    Type
	logger *zap.Logger
}

// Option customises Open.
type Option func(*Database)

// WithLogger sets the logger used for statement errors.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Database) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// Open creates the pool and checks connectivity within cfg.Timeout.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Database, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dsn, err := driverDSN(cfg.Type, cfg.URL)
	if err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open(cfg.Type.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Type, err)
	}
	if cfg.MaxConnections > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.Type == SQLite && strings.Contains(dsn, ":memory:") && !strings.Contains(dsn, "cache=shared") {
		// Each connection to a private in-memory database is a separate database.
		sqlDB.SetMaxOpenConns(1)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("connect %s database: %w", cfg.Type, err)
	}

	d := &Database{db: sqlDB, typ: cfg.Type, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// driverDSN converts URL forms accepted in DATABASE_URL into what each driver expects.
func driverDSN(t Type, raw string) (string, error) {
	switch t {
	case SQLite:
		if rest, ok := strings.CutPrefix(raw, "sqlite://"); ok {
			return rest, nil
		}
		if rest, ok := strings.CutPrefix(raw, "sqlite:"); ok {
			return rest, nil
		}
		return raw, nil
	case MySQL:
		if !strings.HasPrefix(raw, "mysql://") {
			return raw, nil
		}
		u, err := url.Parse(raw)
		if err != nil {
			return "", fmt.Errorf("parse mysql url: %w", err)
		}
		mc := mysql.NewConfig()
		mc.User = u.User.Username()
		mc.Passwd, _ = u.User.Password()
		mc.Net = "tcp"
		mc.Addr = u.Host
		if u.Port() == "" {
			mc.Addr = u.Host + ":3306"
		}
		mc.DBName = strings.TrimPrefix(u.Path, "/")
		mc.ParseTime = true
		for k, vs := range u.Query() {
			if len(vs) == 0 {
				continue
			}
			if mc.Params == nil {
				mc.Params = make(map[string]string)
			}
			mc.Params[k] = vs[len(vs)-1]
		}
		return mc.FormatDSN(), nil
	default:
		return raw, nil
	}
}

// Type returns the engine of this database.
func (d *Database) Type() Type {
	return d.typ
}

// DB exposes the underlying pool.
func (d *Database) DB() *sql.DB {
	return d.db
}

// Close closes the pool.
func (d *Database) Close() error {
	return d.db.Close()
}

// Execute runs a statement and returns the number of affected rows.
func (d *Database) Execute(ctx context.Context, query string, args ...any) (int64, error) {
	start := time.Now()
	res, err := d.db.ExecContext(ctx, query, args...)
	observability.RecordDBQuery(d.typ.String(), "exec", time.Since(start).Seconds(), err)
	if err != nil {
		d.logger.Debug("execute failed", zap.String("query", query), zap.Error(err))
		return 0, fmt.Errorf("execute: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("execute: rows affected: %w", err)
	}
	return n, nil
}

// Query runs a query. The caller closes the rows.
func (d *Database) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := d.db.QueryContext(ctx, query, args...)
	observability.RecordDBQuery(d.typ.String(), "query", time.Since(start).Seconds(), err)
	if err != nil {
		d.logger.Debug("query failed", zap.String("query", query), zap.Error(err))
		return nil, fmt.Errorf("query: %w", err)
	}
	return rows, nil
}
