package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/goccy/go-json"
	"github.com/natefinch/atomic"

	"github.com/roach88/livedb/internal/ir"
)

// Local persists a collection to a JSON file on the device. It backs
// local-only collections such as the single-row session and follows the
// same transaction contract as a network backend.
//
// Every write rewrites the whole file atomically (temp file + rename), so
// a crash leaves either the old or the new state on disk.
type Local struct {
	path string
	spec *ir.CollectionSpec

	mu sync.Mutex
}

// localFile is the on-disk layout.
type localFile struct {
	NextID  uint64        `json:"next_id"`
	Records []ir.IRObject `json:"records"`
}

var _ Adapter = (*Local)(nil)

// NewLocal returns an adapter storing spec's records at path. The file is
// created on first write.
func NewLocal(path string, spec *ir.CollectionSpec) *Local {
	return &Local{path: path, spec: spec}
}

func (l *Local) FetchAll(ctx context.Context) ([]ir.IRObject, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := l.load()
	if err != nil {
		return nil, err
	}
	return f.Records, nil
}

func (l *Local) OnInsert(ctx context.Context, muts []ir.Mutation) ([]ir.IRObject, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := l.load()
	if err != nil {
		return nil, err
	}

	keyField := l.spec.KeyField()
	out := make([]ir.IRObject, 0, len(muts))
	for _, m := range muts {
		key := m.Key
		if key.IsPending() {
			f.NextID++
			key = ir.RealKey(f.NextID)
		} else if id, ok := key.ID(); ok && id > f.NextID {
			f.NextID = id
		}
		if l.index(f, key) >= 0 {
			return nil, &ir.SyncError{Code: ir.ErrCodeDuplicateKey, Collection: l.spec.Name, Key: key, Message: "key already exists"}
		}
		rec := m.Modified.With(keyField, key)
		f.Records = append(f.Records, rec)
		out = append(out, rec)
	}

	if err := l.save(f); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Local) OnUpdate(ctx context.Context, muts []ir.Mutation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := l.load()
	if err != nil {
		return err
	}
	for _, m := range muts {
		i := l.index(f, m.Key)
		if i < 0 {
			return ir.NewNotFoundError(l.spec.Name, m.Key)
		}
		f.Records[i] = m.Modified.With(l.spec.KeyField(), m.Key)
	}
	return l.save(f)
}

func (l *Local) OnDelete(ctx context.Context, muts []ir.Mutation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := l.load()
	if err != nil {
		return err
	}
	for _, m := range muts {
		i := l.index(f, m.Key)
		if i < 0 {
			return ir.NewNotFoundError(l.spec.Name, m.Key)
		}
		f.Records = append(f.Records[:i], f.Records[i+1:]...)
	}
	return l.save(f)
}

func (l *Local) index(f *localFile, key ir.Key) int {
	for i, rec := range f.Records {
		if ir.Equal(rec[l.spec.KeyField()], key) {
			return i
		}
	}
	return -1
}

func (l *Local) load() (*localFile, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &localFile{}, nil
	}
	if err != nil {
		return nil, ir.AsSyncError(fmt.Errorf("read %s: %w", l.path, err), l.spec.Name)
	}
	var f localFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, ir.AsSyncError(fmt.Errorf("decode %s: %w", l.path, err), l.spec.Name)
	}
	return &f, nil
}

func (l *Local) save(f *localFile) error {
	if f.Records == nil {
		f.Records = []ir.IRObject{}
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return ir.AsSyncError(fmt.Errorf("encode %s: %w", l.path, err), l.spec.Name)
	}
	if err := atomic.WriteFile(l.path, bytes.NewReader(data)); err != nil {
		return ir.AsSyncError(fmt.Errorf("write %s: %w", l.path, err), l.spec.Name)
	}
	return nil
}
