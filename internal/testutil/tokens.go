package testutil

import (
	"strconv"
	"sync"
)

// SequenceGenerator generates numbered tokens: "<prefix>1", "<prefix>2", ...
//
// Engines configured with a SequenceGenerator mint identical pending keys
// and transaction IDs on every run, so scenario output can be compared
// against golden files byte for byte.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type SequenceGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceGenerator creates a generator. An empty prefix defaults to "t-".
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	if prefix == "" {
		prefix = "t-"
	}
	return &SequenceGenerator{prefix: prefix}
}

// Generate returns the next token.
//
// Implements engine.TokenGenerator.
func (g *SequenceGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return g.prefix + strconv.Itoa(g.n)
}

// Reset restarts the sequence at 1.
func (g *SequenceGenerator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = 0
}
