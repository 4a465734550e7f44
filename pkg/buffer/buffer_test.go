package buffer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newCounterBuffer(t *testing.T) *StableBuffer {
	t.Helper()
	b := New(Config{InitialState: map[string]interface{}{"x": float64(0)}})
	t.Cleanup(b.Close)
	return b
}

func increment(state interface{}) error {
	m := state.(map[string]interface{})
	m["x"] = m["x"].(float64) + 1
	return nil
}

func TestTransactionCommitsAtomically(t *testing.T) {
	b := newCounterBuffer(t)
	require.NoError(t, b.Transaction(context.Background(), increment))

	state := b.Read().(map[string]interface{})
	assert.Equal(t, float64(1), state["x"])
}

func TestConcurrentTransactionsSerialize(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		k := rapid.IntRange(1, 25).Draw(rt, "k")
		b := New(Config{InitialState: map[string]interface{}{"x": float64(0)}})
		defer b.Close()

		var wg sync.WaitGroup
		for i := 0; i < k; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = b.Transaction(context.Background(), increment)
			}()
		}
		wg.Wait()

		state := b.Read().(map[string]interface{})
		if state["x"].(float64) != float64(k) {
			rt.Fatalf("expected x=%d, got %v", k, state["x"])
		}
	})
}

func TestReadReturnsClone(t *testing.T) {
	b := newCounterBuffer(t)
	first := b.Read().(map[string]interface{})
	first["x"] = float64(99)

	second := b.Read().(map[string]interface{})
	assert.Equal(t, float64(0), second["x"])
}

func TestFailingTransactionDoesNotCommit(t *testing.T) {
	b := newCounterBuffer(t)
	err := b.Transaction(context.Background(), func(state interface{}) error {
		state.(map[string]interface{})["x"] = float64(42)
		return fmt.Errorf("nope")
	})
	require.Error(t, err)

	state := b.Read().(map[string]interface{})
	assert.Equal(t, float64(0), state["x"])

	stats := b.Stats()
	assert.Equal(t, int64(1), stats.TotalTransactions)
	assert.Equal(t, int64(1), stats.FailedTransactions)
}

func TestPanickingTransactionDoesNotCommit(t *testing.T) {
	b := newCounterBuffer(t)
	err := b.Transaction(context.Background(), func(state interface{}) error {
		panic("boom")
	})
	require.Error(t, err)
	state := b.Read().(map[string]interface{})
	assert.Equal(t, float64(0), state["x"])
}

func TestTransactionTimeoutLeavesPriorState(t *testing.T) {
	b := New(Config{
		InitialState:       map[string]interface{}{"x": float64(0)},
		TransactionTimeout: 20 * time.Millisecond,
	})
	defer b.Close()

	err := b.Transaction(context.Background(), func(state interface{}) error {
		time.Sleep(200 * time.Millisecond)
		state.(map[string]interface{})["x"] = float64(7)
		return nil
	})
	require.Error(t, err)

	state := b.Read().(map[string]interface{})
	assert.Equal(t, float64(0), state["x"])
}

func TestTransactionLogReceivesSnapshotsAndPatch(t *testing.T) {
	var mu sync.Mutex
	var entries []*TransactionLog
	b := New(Config{
		InitialState: map[string]interface{}{"x": float64(0)},
		LogTransaction: func(entry *TransactionLog) {
			mu.Lock()
			entries = append(entries, entry)
			mu.Unlock()
		},
	})
	defer b.Close()

	require.NoError(t, b.Transaction(context.Background(), increment))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.NoError(t, entry.Err)
	assert.NotNil(t, entry.Before)
	assert.NotNil(t, entry.After)
	assert.JSONEq(t, `{"x":1}`, string(entry.Patch))
	assert.GreaterOrEqual(t, entry.QueueWait, time.Duration(0))
}

func TestTransactionAfterCloseFails(t *testing.T) {
	b := New(Config{InitialState: map[string]interface{}{}})
	b.Close()
	err := b.Transaction(context.Background(), func(interface{}) error { return nil })
	assert.Error(t, err)
}

func TestCustomCloneIsUsed(t *testing.T) {
	type counter struct{ N int }
	b := New(Config{
		InitialState: &counter{},
		Clone: func(state interface{}) (interface{}, error) {
			c := *state.(*counter)
			return &c, nil
		},
	})
	defer b.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Transaction(context.Background(), func(state interface{}) error {
			state.(*counter).N++
			return nil
		}))
	}
	assert.Equal(t, 3, b.Read().(*counter).N)
}

func TestMetricsCountedOncePerCallback(t *testing.T) {
	b := newCounterBuffer(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Transaction(context.Background(), increment))
	}
	stats := b.Stats()
	assert.Equal(t, int64(5), stats.TotalTransactions)
	assert.Equal(t, int64(0), stats.FailedTransactions)
}
