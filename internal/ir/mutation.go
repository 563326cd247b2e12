package ir

// MutationKind is the operation a mutation performs.
type MutationKind string

const (
	MutationInsert MutationKind = "insert"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
)

// Mutation is one operation of a transaction, as handed to adapters.
//
// Original holds the pre-mutation snapshot (update, delete).
// Modified holds the post-mutation snapshot (insert, update).
// For inserts Key is the pending key (or a caller-supplied real key).
type Mutation struct {
	TxID       string       `json:"tx_id"`
	Kind       MutationKind `json:"kind"`
	Collection string       `json:"collection"`
	Key        Key          `json:"key"`
	Original   IRObject     `json:"original,omitempty"`
	Modified   IRObject     `json:"modified,omitempty"`
}

// Changes returns the fields whose values differ between Original and
// Modified, with their new values. Removed fields map to IRNull.
func (m Mutation) Changes() IRObject {
	out := IRObject{}
	for k, v := range m.Modified {
		if old, ok := m.Original[k]; !ok || !Equal(old, v) {
			out[k] = v
		}
	}
	for k := range m.Original {
		if _, ok := m.Modified[k]; !ok {
			out[k] = IRNull{}
		}
	}
	return out
}
