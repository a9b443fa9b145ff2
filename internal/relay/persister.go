package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/antoniostano/liverelay/internal/memory"
	"github.com/antoniostano/liverelay/internal/observability"
	"github.com/antoniostano/liverelay/internal/reliability"
)

// persister appends messages in FIFO order on its own goroutine so a slow
// store never stalls audio delivery.
type persister struct {
	store     memory.MessageStore
	metrics   *observability.Metrics
	logger    *slog.Logger
	timeout   time.Duration
	retryBase time.Duration
	onFailure func(memory.Message, error)

	mu      sync.Mutex
	queue   []memory.Message
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	started bool
}

func newPersister(store memory.MessageStore, metrics *observability.Metrics, logger *slog.Logger, timeout, retryBase time.Duration) *persister {
	return &persister{
		store:     store,
		metrics:   metrics,
		logger:    logger,
		timeout:   timeout,
		retryBase: retryBase,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

func (p *persister) start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	go p.run()
}

// enqueue never blocks. It returns false once the persister is closed.
func (p *persister) enqueue(m memory.Message) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.queue = append(p.queue, m)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

func (p *persister) run() {
	defer close(p.done)
	for {
		p.mu.Lock()
		batch := p.queue
		p.queue = nil
		closed := p.closed
		p.mu.Unlock()

		for _, m := range batch {
			p.write(m)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-p.wake
	}
}

func (p *persister) write(m memory.Message) {
	started := time.Now()
	attempts := 0
	err := reliability.Retry(context.Background(), 2, p.retryBase, 4*p.retryBase, func(context.Context) error {
		attempts++
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		_, err := p.store.AppendMessage(ctx, m)
		return err
	})
	if err != nil {
		p.metrics.ObserveStoreWrite("failed")
		p.logger.Warn("persist message failed",
			"sender", m.Sender,
			"kind", m.Kind,
			"attempts", attempts,
			"error", err,
		)
		if p.onFailure != nil {
			p.onFailure(m, err)
		}
		return
	}
	if attempts > 1 {
		p.metrics.ObserveStoreWrite("retried")
	} else {
		p.metrics.ObserveStoreWrite("ok")
	}
	p.metrics.ObserveStage(observability.StagePersist, time.Since(started))
}

// closeAndWait stops accepting messages and waits for the queue to drain.
func (p *persister) closeAndWait(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	started := p.started
	p.mu.Unlock()
	if !started {
		return nil
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
