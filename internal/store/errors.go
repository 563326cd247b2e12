package store

import (
	"errors"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/livedb/internal/ir"
)

// classify maps a driver error to a structured error kind using SQLite's
// extended result codes. Errors that are not constraint violations
// (I/O, locking, closed database) are NETWORK: the write did not happen.
func classify(collection string, err error) error {
	if err == nil {
		return nil
	}
	var se *ir.SyncError
	if errors.As(err, &se) {
		return err
	}

	code := ir.ErrCodeNetwork
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			code = ir.ErrCodeDuplicateKey
		case sqlite3.ErrConstraintForeignKey:
			code = ir.ErrCodeForeignKey
		case sqlite3.ErrConstraintNotNull, sqlite3.ErrConstraintCheck:
			code = ir.ErrCodeValidation
		}
	}
	return &ir.SyncError{
		Code:       code,
		Collection: collection,
		Message:    "backend rejected write",
		Err:        err,
	}
}
