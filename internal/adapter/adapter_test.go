package adapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/livedb/internal/ir"
)

func TestFuncsDefaults(t *testing.T) {
	f := &Funcs{Collection: "tags"}
	ctx := context.Background()

	recs, err := f.FetchAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)

	_, err = f.OnInsert(ctx, nil)
	assert.True(t, ir.IsNetwork(err))
	assert.True(t, ir.IsNetwork(f.OnUpdate(ctx, nil)))
	assert.True(t, ir.IsNetwork(f.OnDelete(ctx, nil)))
}

func TestOpFor(t *testing.T) {
	assert.Equal(t, OpInsert, OpFor(ir.MutationInsert))
	assert.Equal(t, OpUpdate, OpFor(ir.MutationUpdate))
	assert.Equal(t, OpDelete, OpFor(ir.MutationDelete))
}

func TestGateHoldsUntilReleased(t *testing.T) {
	var deleted int
	g := NewGate(&Funcs{Delete: func(ctx context.Context, muts []ir.Mutation) error {
		deleted += len(muts)
		return nil
	}})
	g.Hold(OpDelete)

	errc := make(chan error, 1)
	go func() {
		errc <- g.OnDelete(context.Background(), []ir.Mutation{{Kind: ir.MutationDelete}})
	}()

	require.Eventually(t, func() bool { return g.Waiting() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []Op{OpDelete}, g.WaitingOps())
	select {
	case <-errc:
		t.Fatal("held call returned early")
	default:
	}

	require.True(t, g.ReleaseNext())
	// ReleaseNext returns only after the wrapped adapter returned.
	assert.Equal(t, 1, deleted)
	require.NoError(t, <-errc)
	assert.False(t, g.ReleaseNext())
	assert.Equal(t, []Call{{Op: OpDelete, Count: 1}}, g.Calls())
}

func TestGateInjectsFailures(t *testing.T) {
	calls := 0
	g := NewGate(&Funcs{Update: func(ctx context.Context, muts []ir.Mutation) error {
		calls++
		return nil
	}})
	injected := &ir.SyncError{Code: ir.ErrCodeNotFound, Message: "gone"}
	g.Fail(OpUpdate, injected)

	err := g.OnUpdate(context.Background(), nil)
	assert.ErrorIs(t, err, injected)
	assert.Zero(t, calls, "injected failure does not reach the adapter")

	require.NoError(t, g.OnUpdate(context.Background(), nil))
	assert.Equal(t, 1, calls)
}

func TestGateHeldCallHonorsContext(t *testing.T) {
	g := NewGate(&Funcs{})
	g.Hold(OpFetch)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := g.FetchAll(ctx)
		errc <- err
	}()
	require.Eventually(t, func() bool { return g.Waiting() == 1 }, time.Second, time.Millisecond)
	cancel()

	err := <-errc
	assert.True(t, ir.IsNetwork(err))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, g.Waiting())
}

func TestGateReleaseAllDrainsInOrder(t *testing.T) {
	var order []int
	g := NewGate(&Funcs{Insert: func(ctx context.Context, muts []ir.Mutation) ([]ir.IRObject, error) {
		order = append(order, len(muts))
		return nil, nil
	}})
	g.Hold(OpInsert)

	done := make(chan struct{}, 2)
	go func() {
		_, _ = g.OnInsert(context.Background(), make([]ir.Mutation, 1))
		done <- struct{}{}
	}()
	require.Eventually(t, func() bool { return g.Waiting() == 1 }, time.Second, time.Millisecond)
	go func() {
		_, _ = g.OnInsert(context.Background(), make([]ir.Mutation, 2))
		done <- struct{}{}
	}()
	require.Eventually(t, func() bool { return g.Waiting() == 2 }, time.Second, time.Millisecond)

	g.ReleaseAll()
	<-done
	<-done
	assert.Equal(t, []int{1, 2}, order)

	// No longer held.
	_, err := g.OnInsert(context.Background(), nil)
	require.NoError(t, err)
}
