package replay

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLateSubscriberReceivesHistoryThenLive(t *testing.T) {
	var l Log[int]
	l.Append(1)
	l.Append(2)

	var got []int
	cancel := l.Subscribe(func(v int) { got = append(got, v) })
	assert.Equal(t, []int{1, 2}, got)

	l.Append(3)
	assert.Equal(t, []int{1, 2, 3}, got)

	cancel()
	l.Append(4)
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.Equal(t, 4, l.Len())
}

func TestReentrantAppendKeepsOrder(t *testing.T) {
	var l Log[int]
	var got []int
	l.Subscribe(func(v int) {
		got = append(got, v)
		if v == 1 {
			l.Append(2)
			l.Append(3)
		}
	})
	l.Append(1)
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestCancelFromInsideCallback(t *testing.T) {
	var l Log[string]
	var got []string
	var cancel func()
	cancel = l.Subscribe(func(v string) {
		got = append(got, v)
		cancel()
	})
	l.Append("a")
	l.Append("b")
	assert.Equal(t, []string{"a"}, got)
}

func TestConcurrentAppendAndSubscribeDeliversExactlyOnce(t *testing.T) {
	const n = 500
	var l Log[int]
	var wg sync.WaitGroup

	type result struct {
		mu  sync.Mutex
		got []int
	}
	results := make([]*result, 8)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			l.Append(i)
		}
	}()
	for i := range results {
		r := &result{}
		results[i] = r
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Subscribe(func(v int) {
				r.mu.Lock()
				r.got = append(r.got, v)
				r.mu.Unlock()
			})
		}()
	}
	wg.Wait()

	want := make([]int, n)
	for i := range want {
		want[i] = i
	}
	for _, r := range results {
		r.mu.Lock()
		require.Equal(t, want, r.got)
		r.mu.Unlock()
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	var l Log[int]
	l.Append(1)
	s := l.Snapshot()
	s[0] = 9
	assert.Equal(t, []int{1}, l.Snapshot())
}

func TestStoreDefersDeliveryUntilFlush(t *testing.T) {
	var l Log[int]
	var got []int
	l.Subscribe(func(v int) { got = append(got, v) })

	l.Store(1)
	l.Store(2)
	assert.Empty(t, got)
	assert.Equal(t, []int{1, 2}, l.Snapshot())

	l.Flush()
	assert.Equal(t, []int{1, 2}, got)
}
