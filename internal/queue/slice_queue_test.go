package queue

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSliceQueue(t *testing.T) {
	assert := assert.New(t)
	t.Run("Empty Queue", func(t *testing.T) {
		q := NewSliceQueue[*frameItem](1)

		assert.True(q.IsEmpty())
		assert.Equal(0, q.Length())

		item, ok := q.Dequeue()
		assert.False(ok)
		assert.Nil(item)

		item, ok = q.Peek()
		assert.False(ok)
		assert.Nil(item)
	})

	t.Run("Enqueue and Dequeue", func(t *testing.T) {
		q := NewSliceQueue[*frameItem](1)

		item1 := &frameItem{"data1"}
		q.Enqueue(item1)
		assert.False(q.IsEmpty())
		assert.Equal(1, q.Length())

		item2 := &frameItem{"data2"}
		q.Enqueue(item2)
		assert.Equal(2, q.Length())

		dequeuedItem1, ok := q.Dequeue()
		assert.True(ok)
		assert.Equal(item1, dequeuedItem1)
		assert.Equal(1, q.Length())

		dequeuedItem2, ok := q.Dequeue()
		assert.True(ok)
		assert.Equal(item2, dequeuedItem2)
		assert.True(q.IsEmpty())

		_, ok = q.Dequeue()
		assert.False(ok)
		assert.True(q.IsEmpty())
	})

	t.Run("Peek", func(t *testing.T) {
		q := NewSliceQueue[*frameItem](1)

		item1 := &frameItem{"data1"}
		item2 := &frameItem{"data2"}
		q.Enqueue(item1)

		peeked, ok := q.Peek()
		assert.True(ok)
		assert.Equal(item1, peeked)
		assert.Equal(1, q.Length()) // Length should not change after peek

		q.Enqueue(item2)

		peeked, ok = q.Peek()
		assert.True(ok)
		assert.Equal(item1, peeked)
		assert.Equal(2, q.Length())

		q.Dequeue()
		peeked, ok = q.Peek()
		assert.True(ok)
		assert.Equal(item2, peeked)
		assert.Equal(1, q.Length())

		q.Dequeue()
		_, ok = q.Peek()
		assert.False(ok)
		assert.Equal(0, q.Length())
	})

	t.Run("Concurrency", func(t *testing.T) {
		var mu sync.Mutex
		q := NewSliceQueue[*frameItem](1)

		var wg sync.WaitGroup
		for i := 0; i < 1000; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				mu.Lock()
				q.Enqueue(&frameItem{strconv.Itoa(i)})
				mu.Unlock()
			}(i)
		}
		wg.Wait()

		assert.Equal(1000, q.Length())

		wg.Add(1000)
		for i := 0; i < 1000; i++ {
			go func() {
				defer wg.Done()
				mu.Lock()
				q.Dequeue()
				mu.Unlock()
			}()
		}
		wg.Wait()

		assert.True(q.IsEmpty())
	})
}

func BenchmarkSliceQueue_100(b *testing.B) {
	benchSliceQueue(b, 100)
}

func benchSliceQueue(b *testing.B, iterCount int) {
	ctx := context.Background()
	q := NewSliceQueue[int](iterCount)

	// warm up queue
	for i := 0; i < iterCount; i++ {
		q.Enqueue(i)
	}

	for i := 0; i < iterCount; i++ {
		_, _ = q.Dequeue()
	}

	var mu sync.Mutex
	b.ResetTimer()
	for i := 0; i <= b.N; i++ {
		stopCh := make(chan struct{})
		go func(ctx context.Context, q Queue[int]) {
			for {
				select {
				case <-ctx.Done():
					return
				default:
					mu.Lock()
					item, ok := q.Dequeue()
					mu.Unlock()
					if !ok {
						break
					}
					if item == iterCount {
						close(stopCh)
						return
					}
				}
			}
		}(ctx, q)

		for i := 0; i < iterCount; i++ {
			mu.Lock()
			q.Enqueue(i + 1)
			mu.Unlock()
		}
		<-stopCh
	}
	b.StopTimer()
}
