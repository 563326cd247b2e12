package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/livedb/internal/ir"
	"github.com/roach88/livedb/internal/querysql"
)

// FetchAll returns every record of a collection in key order.
// Returns an empty slice (not nil) for an empty table.
func (s *Store) FetchAll(ctx context.Context, collection string) ([]ir.IRObject, error) {
	spec, err := s.mustSpec(collection)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, querysql.SelectAll(spec))
	if err != nil {
		return nil, classify(collection, fmt.Errorf("query %s: %w", collection, err))
	}
	defer rows.Close()

	records := []ir.IRObject{}
	for rows.Next() {
		rec, err := scanRecord(spec, rows)
		if err != nil {
			return nil, classify(collection, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(collection, fmt.Errorf("iterate %s: %w", collection, err))
	}
	return records, nil
}

// Get returns one record by key, or a NOT_FOUND error.
func (s *Store) Get(ctx context.Context, collection string, key ir.Key) (ir.IRObject, error) {
	spec, err := s.mustSpec(collection)
	if err != nil {
		return nil, err
	}
	return s.get(ctx, s.db, spec, key)
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) get(ctx context.Context, q queryer, spec *ir.CollectionSpec, key ir.Key) (ir.IRObject, error) {
	keyParam, err := querysql.Param(key)
	if err != nil {
		return nil, ir.NewNotFoundError(spec.Name, key)
	}
	rec, err := scanRecord(spec, q.QueryRowContext(ctx, querysql.SelectByKey(spec), keyParam))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ir.NewNotFoundError(spec.Name, key)
	}
	if err != nil {
		return nil, classify(spec.Name, err)
	}
	return rec, nil
}

// Insert persists a batch of records in one SQL transaction and returns
// the stored rows (with assigned keys and stamped timestamps) in batch
// order. Any constraint violation rejects the whole batch.
func (s *Store) Insert(ctx context.Context, txID, collection string, records []ir.IRObject) ([]ir.IRObject, error) {
	spec, err := s.mustSpec(collection)
	if err != nil {
		return nil, err
	}

	inputKeys := make([]string, len(records))
	for i, rec := range records {
		inputKeys[i] = keyString(spec, rec)
	}

	var out []ir.IRObject
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.clock.Next()
		out = make([]ir.IRObject, 0, len(records))
		for _, rec := range records {
			row := stamp(spec, rec, now, true)
			query, params, err := querysql.InsertRow(spec, row)
			if err != nil {
				return ir.Errorf(ir.ErrCodeValidation, collection, "%v", err)
			}
			res, err := tx.ExecContext(ctx, query, params...)
			if err != nil {
				return classify(collection, err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return classify(collection, fmt.Errorf("last insert id: %w", err))
			}
			stored, err := s.get(ctx, tx, spec, ir.RealKey(uint64(id)))
			if err != nil {
				return err
			}
			out = append(out, stored)
		}
		return nil
	})
	if err != nil {
		s.journal(ctx, txID, collection, ir.MutationInsert, inputKeys, err)
		return nil, err
	}

	keys := make([]string, len(out))
	for i, rec := range out {
		keys[i] = keyString(spec, rec)
	}
	s.journal(ctx, txID, collection, ir.MutationInsert, keys, nil)
	return out, nil
}

// Update applies a batch of update mutations in one SQL transaction. Only
// changed columns are written. A missing key rejects the batch with
// NOT_FOUND.
func (s *Store) Update(ctx context.Context, txID, collection string, muts []ir.Mutation) error {
	spec, err := s.mustSpec(collection)
	if err != nil {
		return err
	}
	keys := mutationKeys(muts)

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.clock.Next()
		for _, m := range muts {
			changes := stamp(spec, m.Changes(), now, false)
			query, params, err := querysql.UpdateRow(spec, m.Key, changes)
			if err != nil {
				return ir.Errorf(ir.ErrCodeValidation, collection, "%v", err)
			}
			if err := s.execOne(ctx, tx, spec, m.Key, query, params); err != nil {
				return err
			}
		}
		return nil
	})
	s.journal(ctx, txID, collection, ir.MutationUpdate, keys, err)
	return err
}

// Delete removes a batch of keys in one SQL transaction. Restricted
// references reject the batch with FOREIGN_KEY_CONSTRAINT, a missing key
// with NOT_FOUND.
func (s *Store) Delete(ctx context.Context, txID, collection string, keys []ir.Key) error {
	spec, err := s.mustSpec(collection)
	if err != nil {
		return err
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.String()
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		for _, key := range keys {
			query, params, err := querysql.DeleteRow(spec, key)
			if err != nil {
				return ir.NewNotFoundError(collection, key)
			}
			if err := s.execOne(ctx, tx, spec, key, query, params); err != nil {
				return err
			}
		}
		return nil
	})
	s.journal(ctx, txID, collection, ir.MutationDelete, names, err)
	return err
}

// Select runs a compiled query and decodes each row by column name.
// NULL columns are omitted from the row.
func (s *Store) Select(ctx context.Context, query string, params []any) ([]ir.IRObject, error) {
	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("select: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("select columns: %w", err)
	}
	out := []ir.IRObject{}
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("select scan: %w", err)
		}
		row := ir.IRObject{}
		for i, col := range cols {
			if raw[i] == nil {
				continue
			}
			v, err := querysql.Decode("", raw[i])
			if err != nil {
				return nil, fmt.Errorf("select %s: %w", col, err)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select iterate: %w", err)
	}
	return out, nil
}

func (s *Store) execOne(ctx context.Context, tx *sql.Tx, spec *ir.CollectionSpec, key ir.Key, query string, params []any) error {
	res, err := tx.ExecContext(ctx, query, params...)
	if err != nil {
		return classify(spec.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(spec.Name, fmt.Errorf("rows affected: %w", err))
	}
	if n == 0 {
		return ir.NewNotFoundError(spec.Name, key)
	}
	return nil
}

// inTx runs fn in a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ir.AsSyncError(fmt.Errorf("begin tx: %w", err), "")
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return ir.AsSyncError(fmt.Errorf("commit: %w", err), "")
	}
	return nil
}

// stamp sets timestamp fields: every stamped field on insert, write-mode
// fields on update. Client-supplied values are overwritten.
func stamp(spec *ir.CollectionSpec, rec ir.IRObject, now int64, insert bool) ir.IRObject {
	if len(spec.Timestamps) == 0 {
		return rec
	}
	out := rec.Clone()
	for field, mode := range spec.Timestamps {
		if insert || mode == ir.StampWrite {
			out[field] = ir.IRInt(now)
		} else {
			delete(out, field)
		}
	}
	return out
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord decodes a row selected with the spec's column list.
func scanRecord(spec *ir.CollectionSpec, row rowScanner) (ir.IRObject, error) {
	cols := spec.Columns()
	raw := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := row.Scan(ptrs...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan %s: %w", spec.Name, err)
	}
	return decodeRecord(spec, cols, raw)
}

func mutationKeys(muts []ir.Mutation) []string {
	keys := make([]string, len(muts))
	for i, m := range muts {
		keys[i] = m.Key.String()
	}
	return keys
}

func keyString(spec *ir.CollectionSpec, rec ir.IRObject) string {
	if k, ok := ir.KeyOf(rec[spec.KeyField()]); ok {
		return k.String()
	}
	return ""
}
