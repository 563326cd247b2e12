// Package store provides the SQLite-backed authoritative store that sync
// adapters persist collections to.
//
// Each collection spec becomes one table (see querysql.CreateTable):
//   - Primary key: INTEGER PRIMARY KEY AUTOINCREMENT, so real keys are
//     never reused
//   - References: FOREIGN KEY ... ON DELETE RESTRICT|CASCADE
//   - Natural keys: UNIQUE constraints (toggle entities)
//   - Timestamps: stamped by the store from its Clock
//
// # Batches
//
// Insert, Update and Delete apply a batch of same-kind mutations in one
// SQL transaction: either every row is written or none is. Constraint
// failures are classified by SQLite extended result code into
// ir.SyncError kinds (DUPLICATE_KEY, FOREIGN_KEY_CONSTRAINT, VALIDATION);
// a zero affected-row count is NOT_FOUND; anything else is NETWORK.
//
// # Journal
//
// Every batch outcome is appended to the journal table (applied or
// rejected with its error code), ordered by an autoincrement id.
//
// # Deterministic Query Results
//
// All reads order by key (ORDER BY id ASC), so a collection loads in the
// same natural order on every fetch.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
