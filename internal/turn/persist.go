package turn

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// persistQueue delivers snapshots to persisters from its own goroutine. Only
// the newest pending snapshot is kept, so a slow store sees fewer
// intermediate snapshots but always the last one.
type persistQueue struct {
	persisters []Persister
	timeout    time.Duration
	logger     *zap.Logger

	mu      sync.Mutex
	pending *Snapshot
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

func newPersistQueue(persisters []Persister, timeout time.Duration, logger *zap.Logger) *persistQueue {
	q := &persistQueue{
		persisters: persisters,
		timeout:    timeout,
		logger:     logger,
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	if len(persisters) == 0 {
		close(q.done)
		return q
	}
	go q.loop()
	return q
}

func (q *persistQueue) offer(snap Snapshot) {
	if len(q.persisters) == 0 {
		return
	}
	q.mu.Lock()
	q.pending = &snap
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// close delivers whatever is still pending and waits for the loop to exit.
func (q *persistQueue) close() {
	if len(q.persisters) == 0 {
		return
	}
	close(q.stop)
	<-q.done
}

func (q *persistQueue) loop() {
	defer close(q.done)
	for {
		select {
		case <-q.wake:
			q.deliver()
		case <-q.stop:
			q.deliver()
			return
		}
	}
}

func (q *persistQueue) deliver() {
	q.mu.Lock()
	snap := q.pending
	q.pending = nil
	q.mu.Unlock()
	if snap == nil {
		return
	}
	for _, p := range q.persisters {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		err := p.Persist(ctx, *snap)
		cancel()
		if err != nil {
			q.logger.Warn("persist snapshot failed", zap.String("state", string(snap.State)), zap.Error(err))
		}
	}
}
