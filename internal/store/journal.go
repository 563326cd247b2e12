package store

import (
	"context"
	"fmt"

	"github.com/roach88/livedb/internal/ir"
)

// journal appends a batch outcome. Journal failures are logged, never
// returned: the batch outcome stands either way.
func (s *Store) journal(ctx context.Context, txID, collection string, kind ir.MutationKind, keys []string, batchErr error) {
	status := ir.JournalApplied
	var code ir.ErrorCode
	if batchErr != nil {
		status = ir.JournalRejected
		code = ir.CodeOf(batchErr)
	}
	keysJSON, err := marshalKeys(keys)
	if err != nil {
		s.logger.Error("journal marshal failed", "tx_id", txID, "error", err)
		return
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO journal (tx_id, collection, kind, keys, status, code, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, txID, collection, string(kind), keysJSON, status, string(code), s.clock.Next())
	if err != nil {
		s.logger.Error("journal write failed", "tx_id", txID, "collection", collection, "error", err)
		return
	}
	s.logger.Debug("batch journaled",
		"event", "journal",
		"tx_id", txID,
		"collection", collection,
		"kind", kind,
		"status", status,
		"code", code)
}

// ReadJournal returns journal entries in append order, optionally limited
// to one transaction. Returns an empty slice (not nil) when there are none.
func (s *Store) ReadJournal(ctx context.Context, txID string) ([]ir.JournalEntry, error) {
	query := `
		SELECT id, tx_id, collection, kind, keys, status, code, at
		FROM journal
	`
	var args []any
	if txID != "" {
		query += ` WHERE tx_id = ?`
		args = append(args, txID)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	entries := []ir.JournalEntry{}
	for rows.Next() {
		var e ir.JournalEntry
		var kind, keysJSON, code string
		if err := rows.Scan(&e.ID, &e.TxID, &e.Collection, &kind, &keysJSON, &e.Status, &code, &e.At); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		e.Kind = ir.MutationKind(kind)
		e.Code = ir.ErrorCode(code)
		keys, err := unmarshalKeys(keysJSON)
		if err != nil {
			return nil, err
		}
		e.Keys = keys
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal: %w", err)
	}
	return entries, nil
}
