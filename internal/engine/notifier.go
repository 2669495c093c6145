package engine

import (
	"context"
	"sync"
)

// notifier delivers listener calls in order on its own goroutine. The queue
// is unbounded so the actor never waits on a listener.
type notifier struct {
	listener Listener

	mu     sync.Mutex
	queue  []func(Listener)
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

func newNotifier(l Listener) *notifier {
	n := &notifier{
		listener: l,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) post(fn func(Listener)) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, fn)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	defer close(n.done)
	for {
		n.mu.Lock()
		batch := n.queue
		n.queue = nil
		closed := n.closed
		n.mu.Unlock()

		for _, fn := range batch {
			fn(n.listener)
		}
		if closed && len(batch) == 0 {
			return
		}
		if len(batch) == 0 {
			<-n.wake
		}
	}
}

// close stops accepting events and waits for the queued ones to be delivered.
func (n *notifier) close(ctx context.Context) error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}

	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *notifier) started(info SessionInfo) {
	n.post(func(l Listener) { l.OnRecordingStarted(info) })
}

func (n *notifier) stopped(info SessionInfo) {
	n.post(func(l Listener) { l.OnRecordingStopped(info) })
}

func (n *notifier) result(r Result) {
	n.post(func(l Listener) { l.OnTranscriptionResult(r) })
}

func (n *notifier) failure(f Failure) {
	n.post(func(l Listener) { l.OnError(f) })
}
