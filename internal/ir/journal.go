package ir

// NOTE: Journal rows are store-internal, not part of the canonical IR.
// They use auto-increment IDs (the store's append order).

// Journal statuses.
const (
	JournalApplied  = "applied"
	JournalRejected = "rejected"
)

// JournalEntry records one mutation batch the authoritative store applied
// or rejected.
type JournalEntry struct {
	ID         int64        `json:"id"`
	TxID       string       `json:"tx_id"`
	Collection string       `json:"collection"`
	Kind       MutationKind `json:"kind"`
	Keys       []string     `json:"keys"`
	Status     string       `json:"status"`
	Code       ErrorCode    `json:"code,omitempty"`
	At         int64        `json:"at"`
}
