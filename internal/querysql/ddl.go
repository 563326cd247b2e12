package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/livedb/internal/ir"
)

// columnTypes maps collection field types to SQLite storage classes.
var columnTypes = map[string]string{
	"string": "TEXT",
	"int":    "INTEGER",
	"bool":   "INTEGER",
	"array":  "TEXT",
	"object": "TEXT",
	"key":    "INTEGER",
}

// CreateTable renders the DDL for a collection. References become
// FOREIGN KEY clauses with the declared ON DELETE action, natural keys
// become UNIQUE constraints, and optional fields are nullable.
func CreateTable(spec *ir.CollectionSpec) (string, error) {
	var defs []string
	defs = append(defs, quoteIdent(spec.KeyField())+" INTEGER PRIMARY KEY AUTOINCREMENT")

	for _, f := range spec.Fields {
		typ, ok := columnTypes[f.Type]
		if !ok {
			return "", fmt.Errorf("create table %s: field %s has invalid type %q", spec.Name, f.Name, f.Type)
		}
		def := quoteIdent(f.Name) + " " + typ
		if !f.Optional {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}

	for _, r := range spec.Refs {
		def := quoteIdent(r.Field) + " INTEGER"
		if !r.Optional {
			def += " NOT NULL"
		}
		action := "RESTRICT"
		if r.OnDelete == ir.OnDeleteCascade {
			action = "CASCADE"
		}
		def += fmt.Sprintf(" REFERENCES %s ON DELETE %s", quoteIdent(r.To), action)
		defs = append(defs, def)
	}

	for _, col := range spec.Columns()[1+len(spec.Fields)+len(spec.Refs):] {
		defs = append(defs, quoteIdent(col)+" INTEGER")
	}

	for _, u := range spec.Unique {
		cols := make([]string, len(u))
		for i, c := range u {
			cols[i] = quoteIdent(c)
		}
		defs = append(defs, "UNIQUE ("+strings.Join(cols, ", ")+")")
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", quoteIdent(spec.Name), strings.Join(defs, ",\n\t")), nil
}

// InsertRow renders an INSERT for the non-null columns of a record. A
// pending or missing key is left to AUTOINCREMENT.
func InsertRow(spec *ir.CollectionSpec, rec ir.IRObject) (string, []any, error) {
	var cols, marks []string
	var params []any
	for _, col := range spec.Columns() {
		v, ok := rec[col]
		if !ok {
			continue
		}
		if _, isNull := v.(ir.IRNull); isNull {
			continue
		}
		if col == spec.KeyField() {
			if k, isKey := ir.KeyOf(v); isKey && k.IsPending() {
				continue
			}
		}
		param, err := irValueToParam(v)
		if err != nil {
			return "", nil, fmt.Errorf("insert %s.%s: %w", spec.Name, col, err)
		}
		cols = append(cols, quoteIdent(col))
		marks = append(marks, "?")
		params = append(params, param)
	}
	if len(cols) == 0 {
		return fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", quoteIdent(spec.Name)), nil, nil
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(spec.Name), strings.Join(cols, ", "), strings.Join(marks, ", ")), params, nil
}

// UpdateRow renders an UPDATE of the given column changes. IRNull clears a
// column. With no changes the statement still touches the row so a
// missing key is detected by its affected-row count.
func UpdateRow(spec *ir.CollectionSpec, key ir.Key, changes ir.IRObject) (string, []any, error) {
	keyParam, err := irValueToParam(key)
	if err != nil {
		return "", nil, fmt.Errorf("update %s: %w", spec.Name, err)
	}
	var sets []string
	var params []any
	for _, col := range spec.Columns() {
		v, ok := changes[col]
		if !ok || col == spec.KeyField() {
			continue
		}
		param, err := irValueToParam(v)
		if err != nil {
			return "", nil, fmt.Errorf("update %s.%s: %w", spec.Name, col, err)
		}
		sets = append(sets, quoteIdent(col)+" = ?")
		params = append(params, param)
	}
	keyCol := quoteIdent(spec.KeyField())
	if len(sets) == 0 {
		sets = []string{keyCol + " = " + keyCol}
	}
	params = append(params, keyParam)
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
		quoteIdent(spec.Name), strings.Join(sets, ", "), keyCol), params, nil
}

// DeleteRow renders a DELETE by key.
func DeleteRow(spec *ir.CollectionSpec, key ir.Key) (string, []any, error) {
	keyParam, err := irValueToParam(key)
	if err != nil {
		return "", nil, fmt.Errorf("delete %s: %w", spec.Name, err)
	}
	return fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quoteIdent(spec.Name), quoteIdent(spec.KeyField())), []any{keyParam}, nil
}

// SelectAll renders a full scan in key order.
func SelectAll(spec *ir.CollectionSpec) string {
	cols := spec.Columns()
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	keyCol := quoteIdent(spec.KeyField())
	return fmt.Sprintf("SELECT %s FROM %s ORDER BY %s ASC", strings.Join(quoted, ", "), quoteIdent(spec.Name), keyCol)
}

// SelectByKey renders a single-row lookup.
func SelectByKey(spec *ir.CollectionSpec) string {
	cols := spec.Columns()
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", strings.Join(quoted, ", "), quoteIdent(spec.Name), quoteIdent(spec.KeyField()))
}

// ColumnType returns the field type of a column ("key" for the primary key
// and references, "int" for timestamps).
func ColumnType(spec *ir.CollectionSpec, col string) string {
	if col == spec.KeyField() {
		return "key"
	}
	if f, ok := spec.Field(col); ok {
		return f.Type
	}
	if _, ok := spec.Ref(col); ok {
		return "key"
	}
	return "int"
}
