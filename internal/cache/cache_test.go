package cache

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanecache/internal/backing"
	"lanecache/internal/lane"
)

func await[T any](t *testing.T, f *lane.Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f.Await(ctx)
}

func newTestCache(t *testing.T, db BackingStore[string, int], cfg Config[string, int]) *Cache[string, int] {
	t.Helper()
	if cfg.Capacity == 0 {
		cfg.Capacity = 10
	}
	if cfg.Lanes == 0 {
		cfg.Lanes = 4
	}
	c, err := New(db, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.ShutdownNow() })
	return c
}

func mustAccess(t *testing.T, c *Cache[string, int], key string) Lookup[int] {
	t.Helper()
	res, err := await(t, c.AccessData(context.Background(), key))
	require.NoError(t, err)
	return res
}

func mustUpdate(t *testing.T, c *Cache[string, int], key string, v int) {
	t.Helper()
	got, err := await(t, c.UpdateData(context.Background(), key, v))
	require.NoError(t, err)
	require.Equal(t, v, got)
}

// gatedBacking blocks reads of gated keys until the gate is closed and
// reports every gated read on entered.
type gatedBacking struct {
	*backing.Memory[string, int]
	gates   map[string]chan struct{}
	entered chan string
}

func (g *gatedBacking) Read(ctx context.Context, key string) (int, bool, error) {
	if ch, ok := g.gates[key]; ok {
		if g.entered != nil {
			g.entered <- key
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return 0, false, ctx.Err()
		}
	}
	return g.Memory.Read(ctx, key)
}

// hookStore runs afterPut once per Put, letting a test interleave work from
// another lane between a write and its bookkeeping.
type hookStore struct {
	*MapStore[string, int]
	afterPut func(key string)
}

func (s *hookStore) Put(key string, value int) (int, bool) {
	prev, had := s.MapStore.Put(key, value)
	if s.afterPut != nil {
		s.afterPut(key)
	}
	return prev, had
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	db := backing.NewMemory[string, int](0)

	tests := []struct {
		name string
		cfg  Config[string, int]
	}{
		{name: "zero capacity", cfg: Config[string, int]{Capacity: 0, Lanes: 1}},
		{name: "negative lanes", cfg: Config[string, int]{Capacity: 1, Lanes: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New[string, int](db, tt.cfg)
			assert.Nil(t, c)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Equal(t, platformerrors.CodeInvalidConfig, platformerrors.GetCode(err))
		})
	}
}

func TestLRUEviction(t *testing.T) {
	db := backing.NewMemory[string, int](0)
	db.Seed("k1", 1)
	db.Seed("k2", 2)
	db.Seed("k3", 3)
	c := newTestCache(t, db, Config[string, int]{Capacity: 2})

	mustAccess(t, c, "k1")
	mustAccess(t, c, "k2")

	// Touch k1 so k2 becomes LRU.
	mustAccess(t, c, "k1")

	// Filling k3 evicts k2.
	mustAccess(t, c, "k3")

	assert.Equal(t, []string{"k3", "k1"}, c.Keys())
	assert.Equal(t, 2, c.Len())

	reads := db.Reads()
	mustAccess(t, c, "k2")
	assert.Equal(t, reads+1, db.Reads(), "evicted key must be re-read from the backing store")
}

func TestLRUEviction_ThroughUpdates(t *testing.T) {
	db := backing.NewMemory[string, int](0)
	c := newTestCache(t, db, Config[string, int]{Capacity: 2})

	mustUpdate(t, c, "a", 1)
	mustUpdate(t, c, "b", 2)
	mustAccess(t, c, "a")
	mustUpdate(t, c, "c", 3)

	assert.Equal(t, []string{"c", "a"}, c.Keys())
	assert.Equal(t, 2, c.Len())
}

func TestAccessData_ReadThroughFill(t *testing.T) {
	db := backing.NewMemory[string, int](0)
	db.Seed("Raj", 100)
	c := newTestCache(t, db, Config[string, int]{})

	res := mustAccess(t, c, "Raj")
	assert.True(t, res.Found)
	assert.Equal(t, 100, res.Value)
	assert.Equal(t, int64(1), db.Reads())

	res = mustAccess(t, c, "Raj")
	assert.Equal(t, 100, res.Value)
	assert.Equal(t, int64(1), db.Reads(), "second access must be a cache hit")
	assert.Equal(t, 1, c.Len())
}

func TestAccessData_AbsentKeyIsNotAnError(t *testing.T) {
	db := backing.NewMemory[string, int](0)
	c := newTestCache(t, db, Config[string, int]{})

	res := mustAccess(t, c, "nobody")
	assert.False(t, res.Found)
	assert.Equal(t, 0, c.Len())
	assert.Empty(t, c.Keys(), "absent key must not stay tracked")
}

func TestAccessData_ReadFailureRollsBack(t *testing.T) {
	db := backing.NewMemory[string, int](0)
	db.Seed("a", 1)
	boom := errors.New("disk on fire")
	c := newTestCache(t, db, Config[string, int]{Capacity: 1})

	db.FailReads(boom)
	_, err := await(t, c.AccessData(context.Background(), "a"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackingRead)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, platformerrors.CodeDatabase, platformerrors.GetCode(err))
	assert.True(t, platformerrors.IsRetryable(err))

	assert.Equal(t, 0, c.Len())
	assert.Empty(t, c.Keys())

	// The lane keeps working once the store recovers.
	db.FailReads(nil)
	res := mustAccess(t, c, "a")
	assert.Equal(t, 1, res.Value)
}

func TestUpdateData_WriteThroughFailureLeavesCacheUntouched(t *testing.T) {
	db := backing.NewMemory[string, int](0)
	c := newTestCache(t, db, Config[string, int]{})

	mustUpdate(t, c, "a", 1)

	db.FailWrites(errors.New("write refused"))
	_, err := await(t, c.UpdateData(context.Background(), "a", 2))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackingWrite)

	res := mustAccess(t, c, "a")
	assert.Equal(t, 1, res.Value, "failed value must never be served")

	// Untracked key: failure adds no bookkeeping.
	_, err = await(t, c.UpdateData(context.Background(), "b", 9))
	require.Error(t, err)
	assert.Equal(t, []string{"a"}, c.Keys())
	assert.Equal(t, 1, c.Len())
}

func TestUpdateData_PerKeyOrdering(t *testing.T) {
	db := backing.NewMemory[string, int](time.Millisecond)
	c := newTestCache(t, db, Config[string, int]{Lanes: 2})

	var last *lane.Future[int]
	for v := 1; v <= 20; v++ {
		last = c.UpdateData(context.Background(), "k", v)
		// Unrelated keys contend for the same lanes.
		c.UpdateData(context.Background(), fmt.Sprintf("other-%d", v), v)
	}
	_, err := await(t, last)
	require.NoError(t, err)

	res := mustAccess(t, c, "k")
	assert.Equal(t, 20, res.Value)
	v, _ := db.Peek("k")
	assert.Equal(t, 20, v)
}

func TestAccessData_CrossKeyConcurrency(t *testing.T) {
	mem := backing.NewMemory[string, int](0)
	c0 := newTestCache(t, mem, Config[string, int]{Lanes: 8})

	slow := "slow"
	fast := ""
	for i := 0; i < 1000; i++ {
		k := fmt.Sprintf("fast-%d", i)
		if c0.Lane(k) != c0.Lane(slow) {
			fast = k
			break
		}
	}
	require.NotEmpty(t, fast)

	gate := make(chan struct{})
	db := &gatedBacking{Memory: mem, gates: map[string]chan struct{}{slow: gate}}
	mem.Seed(slow, 1)
	mem.Seed(fast, 2)
	c := newTestCache(t, db, Config[string, int]{Lanes: 8})

	blocked := c.AccessData(context.Background(), slow)
	res := mustAccess(t, c, fast)
	assert.Equal(t, 2, res.Value)

	_, done, _ := blocked.Poll()
	assert.False(t, done, "slow lane should still be waiting on the backing store")

	close(gate)
	got, err := await(t, blocked)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Value)
}

func TestCapacityInvariant_Concurrent(t *testing.T) {
	db := backing.NewMemory[string, int](0)
	for i := 0; i < 50; i++ {
		db.Seed(fmt.Sprintf("k%d", i), i)
	}
	const capacity = 5
	c := newTestCache(t, db, Config[string, int]{Capacity: capacity, Lanes: 8})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", r.Intn(50))
				var err error
				switch r.Intn(3) {
				case 0:
					_, err = await(t, c.UpdateData(context.Background(), key, i))
				default:
					_, err = await(t, c.AccessData(context.Background(), key))
				}
				assert.NoError(t, err)
			}
		}(int64(w))
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), capacity)
	assert.Equal(t, c.Len(), len(c.Keys()), "tracked keys must match stored entries")
}

func TestDeleteData(t *testing.T) {
	db := backing.NewMemory[string, int](0)
	c := newTestCache(t, db, Config[string, int]{})

	mustUpdate(t, c, "a", 1)

	had, err := await(t, c.DeleteData(context.Background(), "a"))
	require.NoError(t, err)
	assert.True(t, had)
	assert.Equal(t, 0, c.Len())
	assert.Empty(t, c.Keys())

	res := mustAccess(t, c, "a")
	assert.False(t, res.Found)

	db.FailWrites(errors.New("nope"))
	_, err = await(t, c.DeleteData(context.Background(), "a"))
	assert.ErrorIs(t, err, ErrBackingDelete)
}

func TestShutdown_DrainsAndRejects(t *testing.T) {
	db := backing.NewMemory[string, int](2 * time.Millisecond)
	db.Seed("a", 1)
	c, err := New[string, int](db, Config[string, int]{Capacity: 4, Lanes: 2})
	require.NoError(t, err)

	var queued []*lane.Future[Lookup[int]]
	for i := 0; i < 5; i++ {
		queued = append(queued, c.AccessData(context.Background(), "a"))
	}

	require.NoError(t, c.Shutdown(context.Background()))

	for _, f := range queued {
		res, done, err := f.Poll()
		require.True(t, done)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Value)
	}

	_, err = await(t, c.AccessData(context.Background(), "a"))
	assert.ErrorIs(t, err, lane.ErrShutdown)
	_, err = await(t, c.UpdateData(context.Background(), "a", 2))
	assert.ErrorIs(t, err, lane.ErrShutdown)
}

func TestShutdown_TimeoutLeavesWriteBackRunning(t *testing.T) {
	mem := backing.NewMemory[string, int](0)
	gate := make(chan struct{})
	db := &gatedBacking{
		Memory:  mem,
		gates:   map[string]chan struct{}{"slow": gate},
		entered: make(chan string, 1),
	}
	wb := NewWriteBack[string, int](db, 0, nil)
	c, err := New[string, int](db, Config[string, int]{Capacity: 4, Lanes: 1, WritePolicy: wb})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.ShutdownNow() })

	slow := c.AccessData(context.Background(), "slow")
	<-db.entered
	update := c.UpdateData(context.Background(), "a", 42)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = c.Shutdown(ctx)
	require.Error(t, err)
	assert.Equal(t, platformerrors.CodeTimeout, platformerrors.GetCode(err))

	close(gate)
	_, err = await(t, slow)
	require.NoError(t, err)
	v, err := await(t, update)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, wb.Dirty())

	// A second shutdown finds the lanes drained and flushes the update.
	require.NoError(t, c.Shutdown(context.Background()))
	got, ok := mem.Peek("a")
	require.True(t, ok, "update queued behind a timed-out shutdown must reach the backing store")
	assert.Equal(t, 42, got)
}

func TestShutdownNow_CancelsInFlightRead(t *testing.T) {
	mem := backing.NewMemory[string, int](0)
	mem.Seed("a", 1)
	db := &gatedBacking{
		Memory:  mem,
		gates:   map[string]chan struct{}{"a": make(chan struct{})},
		entered: make(chan string, 1),
	}
	c, err := New[string, int](db, Config[string, int]{Capacity: 4, Lanes: 1})
	require.NoError(t, err)

	f := c.AccessData(context.Background(), "a")
	<-db.entered

	require.NoError(t, c.ShutdownNow())

	_, err = await(t, f)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, ErrBackingRead)
	assert.Equal(t, 0, c.Len())
	assert.Empty(t, c.Keys(), "cancelled fill must leave no tracking behind")
}

func TestWriteAround(t *testing.T) {
	db := backing.NewMemory[string, int](0)
	c := newTestCache(t, db, Config[string, int]{WritePolicy: WriteAround[string, int]{}})

	db.Seed("a", 1)
	mustAccess(t, c, "a")
	require.Equal(t, 1, c.Len())

	mustUpdate(t, c, "a", 2)
	assert.Equal(t, 0, c.Len(), "write-around invalidates the cached copy")
	assert.Empty(t, c.Keys())

	res := mustAccess(t, c, "a")
	assert.Equal(t, 2, res.Value)
}

func TestWriteBack(t *testing.T) {
	db := backing.NewMemory[string, int](0)
	wb := NewWriteBack[string, int](db, 0, nil)
	c := newTestCache(t, db, Config[string, int]{Capacity: 1, WritePolicy: wb})

	mustUpdate(t, c, "a", 1)
	_, ok := db.Peek("a")
	assert.False(t, ok, "write-back defers the backing write")
	assert.Equal(t, 1, wb.Dirty())

	// Evict a, then read it back: the dirty value wins over the backing store.
	db.Seed("b", 2)
	mustAccess(t, c, "b")
	res := mustAccess(t, c, "a")
	assert.Equal(t, 1, res.Value)

	require.NoError(t, wb.Flush(context.Background()))
	v, ok := db.Peek("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 0, wb.Dirty())
}

func TestWriteBack_FailedFlushStaysDirty(t *testing.T) {
	db := backing.NewMemory[string, int](0)
	wb := NewWriteBack[string, int](db, 0, nil)
	c := newTestCache(t, db, Config[string, int]{WritePolicy: wb})

	mustUpdate(t, c, "a", 1)
	db.FailWrites(errors.New("offline"))
	err := wb.Flush(context.Background())
	assert.ErrorIs(t, err, ErrBackingWrite)
	assert.Equal(t, 1, wb.Dirty())

	db.FailWrites(nil)
	require.NoError(t, c.Shutdown(context.Background()))
	v, ok := db.Peek("a")
	assert.True(t, ok, "shutdown flushes remaining dirty values")
	assert.Equal(t, 1, v)
}

func TestWriteBack_BackgroundFlush(t *testing.T) {
	db := backing.NewMemory[string, int](0)
	wb := NewWriteBack[string, int](db, 5*time.Millisecond, nil)
	c := newTestCache(t, db, Config[string, int]{WritePolicy: wb})

	mustUpdate(t, c, "a", 7)

	// Wait until the flush loop writes it. Use a deadline to avoid flakes.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if v, ok := db.Peek("a"); ok {
			assert.Equal(t, 7, v)
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("expected background flush to write a")
}

func TestWriteBack_DeleteDropsDirtyValue(t *testing.T) {
	db := backing.NewMemory[string, int](0)
	wb := NewWriteBack[string, int](db, 0, nil)
	c := newTestCache(t, db, Config[string, int]{WritePolicy: wb})

	mustUpdate(t, c, "a", 1)
	_, err := await(t, c.DeleteData(context.Background(), "a"))
	require.NoError(t, err)

	require.NoError(t, wb.Flush(context.Background()))
	_, ok := db.Peek("a")
	assert.False(t, ok, "flush must not resurrect a deleted key")
}

func TestWriteBack_FailedDeleteKeepsDirtyValue(t *testing.T) {
	db := backing.NewMemory[string, int](0)
	wb := NewWriteBack[string, int](db, 0, nil)
	c := newTestCache(t, db, Config[string, int]{Capacity: 1, WritePolicy: wb})

	mustUpdate(t, c, "a", 1)

	db.FailWrites(errors.New("offline"))
	_, err := await(t, c.DeleteData(context.Background(), "a"))
	require.ErrorIs(t, err, ErrBackingDelete)
	assert.Equal(t, 1, wb.Dirty(), "a failed delete keeps the unflushed value")
	db.FailWrites(nil)

	// Evict a; the miss is still served from the dirty value.
	db.Seed("b", 2)
	mustAccess(t, c, "b")
	res := mustAccess(t, c, "a")
	assert.True(t, res.Found)
	assert.Equal(t, 1, res.Value)

	require.NoError(t, wb.Flush(context.Background()))
	v, ok := db.Peek("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestUpdateData_KeyEvictedMidUpdateIsNotReadmitted(t *testing.T) {
	db := backing.NewMemory[string, int](0)
	db.Seed("a", 1)
	db.Seed("b", 2)
	db.Seed("c", 3)

	lru := NewLRU[string](2)
	store := &hookStore{MapStore: NewMapStore[string, int](0)}
	c := newTestCache(t, db, Config[string, int]{Capacity: 2, Store: store, Eviction: lru})

	mustAccess(t, c, "a")
	mustAccess(t, c, "b")

	// Between the write landing in the store and its bookkeeping, another
	// lane admits c and evicts a.
	store.afterPut = func(key string) {
		if key != "a" {
			return
		}
		store.afterPut = nil
		lru.Admit("c", func(victim string) { store.MapStore.Remove(victim) })
		store.MapStore.Put("c", 3)
	}
	mustUpdate(t, c, "a", 10)

	assert.Equal(t, []string{"c", "b"}, c.Keys(), "b must survive")
	assert.Equal(t, 2, c.Len())

	v, ok := db.Peek("a")
	require.True(t, ok)
	assert.Equal(t, 10, v)
}

func TestNewWritePolicy(t *testing.T) {
	db := backing.NewMemory[string, int](0)

	p, err := NewWritePolicy[string, int]("", db, 0, nil)
	require.NoError(t, err)
	assert.IsType(t, WriteThrough[string, int]{}, p)

	p, err = NewWritePolicy[string, int](PolicyWriteAround, db, 0, nil)
	require.NoError(t, err)
	assert.IsType(t, WriteAround[string, int]{}, p)

	p, err = NewWritePolicy[string, int](PolicyWriteBack, db, 0, nil)
	require.NoError(t, err)
	wb, ok := p.(*WriteBack[string, int])
	require.True(t, ok)
	require.NoError(t, wb.Close(context.Background()))

	_, err = NewWritePolicy[string, int]("write-sideways", db, 0, nil)
	require.Error(t, err)
	assert.Equal(t, platformerrors.CodeInvalidConfig, platformerrors.GetCode(err))
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)

	db := backing.NewMemory[string, int](0)
	db.Seed("a", 1)
	db.Seed("b", 2)
	c := newTestCache(t, db, Config[string, int]{Capacity: 1, Metrics: m})

	mustAccess(t, c, "a") // miss
	mustAccess(t, c, "a") // hit
	mustAccess(t, c, "b") // miss, evicts a

	db.FailWrites(errors.New("no"))
	_, err := await(t, c.UpdateData(context.Background(), "b", 3))
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Hits))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Misses))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Evictions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackingFailures.WithLabelValues("write")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.OpLatency))
}
