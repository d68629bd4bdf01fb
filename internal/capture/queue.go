package capture

import (
	"context"
	"errors"
	"sync"
)

// errQueueClosed is returned by pop once the queue is closed and empty.
var errQueueClosed = errors.New("chunk queue closed")

// chunkQueue is an unbounded FIFO of PCM chunks between one recorder and
// its drain. Push never blocks so a slow disk cannot stall device reads.
type chunkQueue struct {
	mu     sync.Mutex
	items  [][]byte
	bytes  int64
	closed bool
	notify chan struct{}
}

func newChunkQueue() *chunkQueue {
	return &chunkQueue{notify: make(chan struct{}, 1)}
}

// push appends a chunk. It reports false if the queue was already closed.
func (q *chunkQueue) push(chunk []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, chunk)
	q.bytes += int64(len(chunk))

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// tryPop removes the oldest chunk without waiting.
func (q *chunkQueue) tryPop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	chunk := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.bytes -= int64(len(chunk))
	return chunk, true
}

// pop waits for the oldest chunk. It returns errQueueClosed once the queue
// is closed and fully drained, or ctx's error if ctx ends first.
func (q *chunkQueue) pop(ctx context.Context) ([]byte, error) {
	for {
		if chunk, ok := q.tryPop(); ok {
			return chunk, nil
		}

		q.mu.Lock()
		closed := q.closed && len(q.items) == 0
		q.mu.Unlock()
		if closed {
			return nil, errQueueClosed
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// close stops further pushes. Chunks already queued can still be popped.
func (q *chunkQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.notify)
}

func (q *chunkQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *chunkQueue) pendingBytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}
