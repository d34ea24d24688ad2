// Package entity derives table metadata from Go structs.
//
// Fields are mapped with the `cargoal` struct tag:
//
//	type User struct {
//		ID    int32  `cargoal:"id,pk"`
//		Name  string `cargoal:"name"`
//		Email string `cargoal:"email,unique"`
//	}
//
// The first tag part is the column name (empty keeps the snake_case field
// name). Options are pk, unique and default=<sql expression>. A tag of "-"
// skips the field.
package entity

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"unicode"
)

// TagName is the struct tag read by Describe.
const TagName = "cargoal"

// ErrNotStruct is returned by Describe for values that are not structs.
var ErrNotStruct = errors.New("entity must be a struct or pointer to struct")

// TableNamer overrides the default table name.
type TableNamer interface {
	TableName() string
}

// Column describes one mapped struct field.
type Column struct {
	Name       string
	Field      string
	GoType     string
	PrimaryKey bool
	Unique     bool
	Default    string
	Nullable   bool

	index []int
}

// Entity is the table metadata of a struct type.
type Entity struct {
	Table  string
	Fields []Column
	typ    reflect.Type
}

var cache sync.Map // reflect.Type -> *Entity

// Describe returns the metadata for v, a struct or pointer to struct.
// Results are cached per type.
func Describe(v any) (*Entity, error) {
	t := reflect.TypeOf(v)
	if t == nil {
		return nil, ErrNotStruct
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: got %s", ErrNotStruct, t)
	}
	if cached, ok := cache.Load(t); ok {
		return cached.(*Entity), nil
	}

	e := &Entity{Table: tableName(t), typ: t}
	seen := make(map[string]string)
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		col, ok, err := parseField(f)
		if err != nil {
			return nil, fmt.Errorf("entity %s: %w", t.Name(), err)
		}
		if !ok {
			continue
		}
		if prev, dup := seen[col.Name]; dup {
			return nil, fmt.Errorf("entity %s: column %q mapped by both %s and %s", t.Name(), col.Name, prev, f.Name)
		}
		seen[col.Name] = f.Name
		e.Fields = append(e.Fields, col)
	}
	if len(e.Fields) == 0 {
		return nil, fmt.Errorf("entity %s: no mapped fields", t.Name())
	}

	actual, _ := cache.LoadOrStore(t, e)
	return actual.(*Entity), nil
}

func tableName(t reflect.Type) string {
	if namer, ok := reflect.New(t).Interface().(TableNamer); ok {
		if name := namer.TableName(); name != "" {
			return name
		}
	}
	return strings.ToLower(t.Name())
}

func parseField(f reflect.StructField) (Column, bool, error) {
	tag := f.Tag.Get(TagName)
	if tag == "-" {
		return Column{}, false, nil
	}

	col := Column{
		Name:     ToSnakeCase(f.Name),
		Field:    f.Name,
		GoType:   f.Type.String(),
		Nullable: isNullable(f.Type),
		index:    f.Index,
	}
	if tag == "" {
		return col, true, nil
	}

	parts := strings.Split(tag, ",")
	if name := strings.TrimSpace(parts[0]); name != "" {
		col.Name = name
	}
	for _, opt := range parts[1:] {
		opt = strings.TrimSpace(opt)
		switch {
		case opt == "pk":
			col.PrimaryKey = true
		case opt == "unique":
			col.Unique = true
		case strings.HasPrefix(opt, "default="):
			col.Default = strings.TrimPrefix(opt, "default=")
		case opt == "":
		default:
			return Column{}, false, fmt.Errorf("field %s: unknown tag option %q", f.Name, opt)
		}
	}
	if col.PrimaryKey {
		col.Nullable = false
	}
	return col, true, nil
}

func isNullable(t reflect.Type) bool {
	if t.Kind() == reflect.Pointer {
		return true
	}
	return t.PkgPath() == "database/sql" && strings.HasPrefix(t.Name(), "Null")
}

// Columns returns the column names in field order.
func (e *Entity) Columns() []string {
	out := make([]string, len(e.Fields))
	for i, c := range e.Fields {
		out[i] = c.Name
	}
	return out
}

// Types returns the Go type names of the columns, e.g. "int32" or "*string".
func (e *Entity) Types() []string {
	out := make([]string, len(e.Fields))
	for i, c := range e.Fields {
		out[i] = c.GoType
	}
	return out
}

// PrimaryKeys returns the primary key column names in field order.
func (e *Entity) PrimaryKeys() []string {
	var out []string
	for _, c := range e.Fields {
		if c.PrimaryKey {
			out = append(out, c.Name)
		}
	}
	return out
}

// Values returns the field values of v in column order.
func (e *Entity) Values(v any) ([]any, error) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, fmt.Errorf("entity %s: nil value", e.typ.Name())
		}
		rv = rv.Elem()
	}
	if rv.Type() != e.typ {
		return nil, fmt.Errorf("entity %s: got value of type %s", e.typ.Name(), rv.Type())
	}
	out := make([]any, len(e.Fields))
	for i, c := range e.Fields {
		out[i] = rv.FieldByIndex(c.index).Interface()
	}
	return out, nil
}

// ToSnakeCase converts a Go identifier such as "UserID" to "user_id".
func ToSnakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
