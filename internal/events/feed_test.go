package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFeed(t *testing.T) {
	feed := NewFeed[string](true)
	require.NotNil(t, feed)

	calls := 0
	feed.Subscribe(func(string) { calls++ })
	assert.Zero(t, calls, "nothing published yet")
}

func TestFeed_Subscribe_Publish(t *testing.T) {
	feed := NewFeed[int](false)

	var mu sync.Mutex
	received := make([]int, 0)
	cancel := feed.Subscribe(func(v int) {
		mu.Lock()
		received = append(received, v)
		mu.Unlock()
	})

	feed.Publish(1)
	feed.Publish(2)

	mu.Lock()
	assert.Equal(t, []int{1, 2}, received)
	mu.Unlock()

	cancel()
	feed.Publish(3)
	mu.Lock()
	assert.Equal(t, []int{1, 2}, received)
	mu.Unlock()
}

func TestFeed_CancelTwiceIsSafe(t *testing.T) {
	feed := NewFeed[int](false)
	a, b := 0, 0
	cancelA := feed.Subscribe(func(int) { a++ })
	feed.Subscribe(func(int) { b++ })

	cancelA()
	cancelA()
	feed.Publish(1)
	assert.Equal(t, 0, a)
	assert.Equal(t, 1, b)
}

func TestFeed_EveryValueDelivered(t *testing.T) {
	feed := NewFeed[int](false)
	var got []int
	feed.Subscribe(func(v int) { got = append(got, v) })
	for i := 0; i < 500; i++ {
		feed.Publish(i)
	}
	require.Len(t, got, 500)
	assert.Equal(t, 499, got[499])
}

func TestFeed_ReplayLast(t *testing.T) {
	feed := NewFeed[string](true)
	feed.Publish("first")
	feed.Publish("second")

	var got []string
	feed.Subscribe(func(v string) { got = append(got, v) })
	assert.Equal(t, []string{"second"}, got)
}

func TestFeed_NoReplayWithoutFlag(t *testing.T) {
	feed := NewFeed[string](false)
	feed.Publish("first")

	var got []string
	feed.Subscribe(func(v string) { got = append(got, v) })
	assert.Empty(t, got)
}

func TestFeed_NilSubscriberPanics(t *testing.T) {
	feed := NewFeed[int](false)
	assert.Panics(t, func() { feed.Subscribe(nil) })
}

func TestFeed_CallbackMayUnsubscribe(t *testing.T) {
	feed := NewFeed[int](false)
	calls := 0
	var cancel func()
	cancel = feed.Subscribe(func(int) {
		calls++
		cancel()
	})

	feed.Publish(1)
	feed.Publish(2)
	assert.Equal(t, 1, calls)
}

func TestFeed_ConcurrentPublish(t *testing.T) {
	feed := NewFeed[int](true)
	var mu sync.Mutex
	total := 0
	feed.Subscribe(func(v int) {
		mu.Lock()
		total += v
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			feed.Publish(1)
		}()
	}
	wg.Wait()

	mu.Lock()
	assert.Equal(t, 50, total)
	mu.Unlock()
}
