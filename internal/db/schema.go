package db

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/kjstillabower/cargoal/internal/entity"
)

// SQLType maps a Go type name, as reported by entity.Entity.Types, to the
// column type for this engine. Pointers and sql.Null* types are nullable.
func (t Type) SQLType(goType string) (string, bool) {
	nullable := false
	if rest, ok := strings.CutPrefix(goType, "*"); ok {
		goType = rest
		nullable = true
	}
	if rest, ok := strings.CutPrefix(goType, "sql.Null"); ok {
		nullable = true
		switch rest {
		case "String":
			goType = "string"
		case "Int16", "Byte":
			goType = "int16"
		case "Int32":
			goType = "int32"
		case "Int64":
			goType = "int64"
		case "Float64":
			goType = "float64"
		case "Bool":
			goType = "bool"
		case "Time":
			goType = "time.Time"
		}
	}
	return t.baseSQLType(goType), nullable
}

func (t Type) baseSQLType(goType string) string {
	switch goType {
	case "int32", "int", "uint16":
		return "INTEGER"
	case "int8", "int16", "uint8":
		if t == SQLite {
			return "INTEGER"
		}
		return "SMALLINT"
	case "int64", "uint32", "uint", "uint64":
		if t == SQLite {
			return "INTEGER"
		}
		return "BIGINT"
	case "float32":
		if t == MySQL {
			return "FLOAT"
		}
		return "REAL"
	case "float64":
		switch t {
		case Postgres:
			return "DOUBLE PRECISION"
		case MySQL:
			return "DOUBLE"
		default:
			return "REAL"
		}
	case "bool":
		switch t {
		case MySQL:
			return "TINYINT(1)"
		case SQLite:
			return "INTEGER"
		default:
			return "BOOLEAN"
		}
	case "[]byte", "[]uint8":
		if t == Postgres {
			return "BYTEA"
		}
		return "BLOB"
	case "time.Time":
		switch t {
		case Postgres:
			return "TIMESTAMPTZ"
		case MySQL:
			return "DATETIME"
		default:
			return "TIMESTAMP"
		}
	case "uuid.UUID":
		switch t {
		case Postgres:
			return "UUID"
		case MySQL:
			return "CHAR(36)"
		default:
			return "TEXT"
		}
	default:
		if t == MySQL {
			return "VARCHAR(255)"
		}
		return "TEXT"
	}
}

// QuoteIdent quotes a table or column name for this engine.
func (t Type) QuoteIdent(name string) string {
	if t == MySQL {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Placeholder returns the n-th (1-based) bind parameter marker.
func (t Type) Placeholder(n int) string {
	if t == Postgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// CreateTableStatement builds CREATE TABLE IF NOT EXISTS for e.
func (t Type) CreateTableStatement(e *entity.Entity) string {
	defs := make([]string, 0, len(e.Fields)+1)
	for _, f := range e.Fields {
		sqlType, _ := t.SQLType(f.GoType)
		def := t.QuoteIdent(f.Name) + " " + sqlType
		if !f.Nullable {
			def += " NOT NULL"
		}
		if f.Unique {
			def += " UNIQUE"
		}
		if f.Default != "" {
			def += " DEFAULT " + f.Default
		}
		defs = append(defs, def)
	}
	if pks := e.PrimaryKeys(); len(pks) > 0 {
		quoted := make([]string, len(pks))
		for i, pk := range pks {
			quoted[i] = t.QuoteIdent(pk)
		}
		defs = append(defs, "PRIMARY KEY ("+strings.Join(quoted, ", ")+")")
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", t.QuoteIdent(e.Table), strings.Join(defs, ", "))
}

// InsertStatement builds an INSERT for every column of e.
func (t Type) InsertStatement(e *entity.Entity) string {
	cols := make([]string, len(e.Fields))
	marks := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		cols[i] = t.QuoteIdent(f.Name)
		marks[i] = t.Placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		t.QuoteIdent(e.Table), strings.Join(cols, ", "), strings.Join(marks, ", "))
}

// CreateTable creates the table for the struct type of v if it does not exist.
func (d *Database) CreateTable(ctx context.Context, v any) error {
	e, err := entity.Describe(v)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	if _, err := d.Execute(ctx, d.typ.CreateTableStatement(e)); err != nil {
		return fmt.Errorf("create table %s: %w", e.Table, err)
	}
	return nil
}

// Insert stores v, a tagged struct, as a new row.
func (d *Database) Insert(ctx context.Context, v any) error {
	e, err := entity.Describe(v)
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	args, err := e.Values(v)
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	if _, err := d.Execute(ctx, d.typ.InsertStatement(e), args...); err != nil {
		return fmt.Errorf("insert into %s: %w", e.Table, err)
	}
	return nil
}
