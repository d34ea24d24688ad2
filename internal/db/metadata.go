package db

import (
	"context"
	"fmt"
)

// Table is the shape of one table as reported by the database.
type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Column is one column of a Table.
type Column struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
	Nullable bool   `json:"nullable"`
}

const postgresMetadataQuery = `
	SELECT table_name, column_name, data_type, is_nullable = 'YES'
	FROM information_schema.columns
	WHERE table_schema = 'public'
	ORDER BY table_name, ordinal_position`

const mysqlMetadataQuery = `
	SELECT table_name, column_name, data_type, is_nullable = 'YES'
	FROM information_schema.columns
	WHERE table_schema = DATABASE()
	ORDER BY table_name, ordinal_position`

// INTEGER PRIMARY KEY columns report notnull = 0 but can never hold NULL.
const sqliteMetadataQuery = `
	SELECT m.name, p.name, p.type, p."notnull" = 0 AND p.pk = 0
	FROM sqlite_master m
	JOIN pragma_table_info(m.name) p
	WHERE m.type = 'table' AND m.name NOT LIKE 'sqlite_%'
	ORDER BY m.name, p.cid`

func (t Type) metadataQuery() string {
	switch t {
	case MySQL:
		return mysqlMetadataQuery
	case SQLite:
		return sqliteMetadataQuery
	default:
		return postgresMetadataQuery
	}
}

// FetchTablesMetadata lists the user tables with their columns in ordinal order.
func (d *Database) FetchTablesMetadata(ctx context.Context) ([]Table, error) {
	rows, err := d.Query(ctx, d.typ.metadataQuery())
	if err != nil {
		return nil, fmt.Errorf("fetch tables metadata: %w", err)
	}
	defer rows.Close()

	var tables []Table
	for rows.Next() {
		var table string
		var col Column
		if err := rows.Scan(&table, &col.Name, &col.DataType, &col.Nullable); err != nil {
			return nil, fmt.Errorf("scan table metadata: %w", err)
		}
		if n := len(tables); n == 0 || tables[n-1].Name != table {
			tables = append(tables, Table{Name: table})
		}
		last := &tables[len(tables)-1]
		last.Columns = append(last.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read table metadata: %w", err)
	}
	return tables, nil
}
